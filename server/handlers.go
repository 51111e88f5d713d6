package server

import (
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"strconv"
	"strings"

	"sparkcash/crypto"
	"sparkcash/ledger"
	"sparkcash/protocol"
)

func newBig(s string) (*big.Int, bool) {
	return new(big.Int).SetString(s, 10)
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// rejectionReason buckets settlement errors for the client and metrics.
// Validation failures are 400; domain rejections (replay, bad signature,
// failed proof, short balance) are 409 so clients can resynchronize.
func rejectionStatus(err error) (int, string) {
	switch {
	case errors.Is(err, ledger.ErrMalformedRequest):
		return http.StatusBadRequest, "malformed"
	case errors.Is(err, ledger.ErrInvalidSignature):
		return http.StatusConflict, "signature"
	case errors.Is(err, ledger.ErrInvalidNonce):
		return http.StatusConflict, "nonce"
	case errors.Is(err, ledger.ErrInvalidProof):
		return http.StatusConflict, "proof"
	case errors.Is(err, ledger.ErrInsufficientBalance):
		return http.StatusConflict, "balance"
	case errors.Is(err, ledger.ErrChainContention):
		return http.StatusConflict, "contention"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func (s *Server) reject(w http.ResponseWriter, err error) {
	status, reason := rejectionStatus(err)
	s.stats.ObserveRejected(reason)
	if status == http.StatusInternalServerError {
		s.log.Error("settlement failed", "err", err)
		writeJSON(w, status, errorResponse{Error: "internal error"})
		return
	}
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

// Generate handles POST /v0/generate.
func (s *Server) Generate(w http.ResponseWriter, r *http.Request) {
	var req protocol.GenerateRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		s.stats.ObserveRejected("malformed")
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid payload"})
		return
	}
	tokens, event, err := s.engine.Generate(r.Context(), &req)
	if err != nil {
		s.reject(w, err)
		return
	}
	s.stats.ObserveSettled(protocol.MethodGenerate)
	s.observePool(event)
	writeJSON(w, http.StatusOK, map[string]string{"tokens": tokens.String()})
}

// Transfer handles POST /v0/transfer.
func (s *Server) Transfer(w http.ResponseWriter, r *http.Request) {
	var req protocol.TransferRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		s.stats.ObserveRejected("malformed")
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid payload"})
		return
	}
	event, err := s.engine.Transfer(r.Context(), &req)
	if err != nil {
		s.reject(w, err)
		return
	}
	s.stats.ObserveSettled(protocol.MethodTransfer)
	writeJSON(w, http.StatusOK, map[string]any{"id": event.ID, "hash": event.Hash})
}

// Account handles GET /v0/account.
func (s *Server) Account(w http.ResponseWriter, r *http.Request) {
	address, err := crypto.DecodeAddress(strings.TrimSpace(r.URL.Query().Get("address")))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid address"})
		return
	}
	info, err := s.engine.Account(r.Context(), address)
	if err != nil {
		s.log.Error("account query failed", "err", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// Events handles GET /v0/events, paging the ledger in chain order.
func (s *Server) Events(w http.ResponseWriter, r *http.Request) {
	var after uint64
	if raw := r.URL.Query().Get("after"); raw != "" {
		parsed, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid after cursor"})
			return
		}
		after = parsed
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid limit"})
			return
		}
		limit = parsed
	}
	rows, err := s.engine.Events(r.Context(), after, limit)
	if err != nil {
		s.log.Error("event query failed", "err", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

// observePool exports the pool state carried by a generate event.
func (s *Server) observePool(event *ledger.Event) {
	payload, err := ledger.DecodePayload(event.Payload)
	if err != nil {
		return
	}
	for _, sub := range payload.Events {
		if sub.Type != ledger.SubEventGenerate {
			continue
		}
		var record ledger.GenerateRecord
		if err := json.Unmarshal(sub.Data, &record); err != nil {
			return
		}
		sparks, ok1 := newBig(record.PSparks)
		tokens, ok2 := newBig(record.PTokens)
		if ok1 && ok2 {
			s.stats.SetPool(sparks, tokens)
		}
		if batchSparks, ok := newBig(record.Sparks); ok {
			if batchTokens, ok := newBig(record.Tokens); ok {
				s.stats.ObserveGeneration(batchSparks, batchTokens)
			}
		}
		return
	}
}
