package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"sparkcash/config"
	"sparkcash/ledger"
	"sparkcash/observability/logging"
	"sparkcash/puzzle"
	"sparkcash/server"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "cashd.yaml", "path to cashd configuration file")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv("CASH_ENV"))
	logger := logging.Setup("cashd", env)

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("cashd: load config: %v", err)
	}

	var dialector gorm.Dialector
	switch cfg.Database.Driver {
	case config.DriverPostgres:
		dialector = postgres.Open(cfg.Database.DSN)
	default:
		dialector = sqlite.Open(cfg.Database.DSN)
	}
	db, err := gorm.Open(dialector, &gorm.Config{TranslateError: true})
	if err != nil {
		log.Fatalf("cashd: open database: %v", err)
	}
	if err := ledger.AutoMigrate(db); err != nil {
		log.Fatalf("cashd: migrate: %v", err)
	}

	engine := ledger.NewEngine(db, puzzle.Mixin{},
		ledger.WithEmissionRate(ledger.EmissionRate{Num: cfg.Emission.Num, Den: cfg.Emission.Den}),
		ledger.WithLogger(logger),
	)
	srv := server.New(server.Config{Engine: engine, Log: logger})

	httpSrv := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		<-rootCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown", "err", err)
		}
	}()

	logger.Info("cashd listening", "addr", cfg.ListenAddress, "driver", cfg.Database.Driver)
	if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("cashd: http server error: %v", err)
	}
}
