// Package server exposes the settlement engine over HTTP.
package server

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"sparkcash/ledger"
	"sparkcash/observability/metrics"
)

// Config captures the dependencies required to construct the server.
type Config struct {
	Engine *ledger.Engine
	Log    *slog.Logger
}

// Server wires the HTTP API around the settlement engine.
type Server struct {
	engine *ledger.Engine
	log    *slog.Logger
	stats  *metrics.SettlementMetrics

	router http.Handler
}

// New constructs a configured HTTP router.
func New(cfg Config) *Server {
	srv := &Server{
		engine: cfg.Engine,
		log:    cfg.Log,
		stats:  metrics.Settlement(),
	}
	if srv.log == nil {
		srv.log = slog.Default()
	}
	srv.router = srv.buildRouter()
	return srv
}

// Handler exposes the configured HTTP router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type"},
	}).Handler)

	r.Route("/v0", func(api chi.Router) {
		api.Post("/generate", s.Generate)
		api.Post("/transfer", s.Transfer)
		api.Get("/account", s.Account)
		api.Get("/events", s.Events)
	})

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	return r
}
