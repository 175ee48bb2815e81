// Package httpapi serves the operator-facing HTTP API: state snapshots,
// closed-bracket history, the halt/resume switch, Prometheus metrics, and a
// websocket stream of periodic snapshots. Everything here is read-only
// except halt and resume; the API is a window, not a control plane.
package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"wdotrader/internal/domain"
	"wdotrader/internal/engine"
	"wdotrader/internal/metrics"
	"wdotrader/internal/store"
)

// Server serves the trading API.
type Server struct {
	engine  *engine.Engine
	archive store.BracketArchive // nil when archiving is disabled
	journal store.OrderJournal   // nil when journaling is disabled
	met     *metrics.Metrics
	hub     *Hub
	symbol  string
	log     *slog.Logger
}

// NewServer creates a Server. The hub must already be running.
func NewServer(
	eng *engine.Engine,
	archive store.BracketArchive,
	journal store.OrderJournal,
	met *metrics.Metrics,
	hub *Hub,
	symbol string,
	log *slog.Logger,
) *Server {
	return &Server{
		engine:  eng,
		archive: archive,
		journal: journal,
		met:     met,
		hub:     hub,
		symbol:  symbol,
		log:     log,
	}
}

// RegisterRoutes registers all API routes on the given mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/snapshot", s.handleSnapshot)
	mux.HandleFunc("GET /api/brackets/closed", s.handleClosedBrackets)
	mux.HandleFunc("GET /api/brackets/{id}/orders", s.handleBracketOrders)
	mux.HandleFunc("POST /api/signal", s.handleSignal)
	mux.HandleFunc("POST /api/halt", s.handleHalt)
	mux.HandleFunc("POST /api/resume", s.handleResume)
	mux.HandleFunc("GET /api/ws", s.hub.HandleWebSocket)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("GET /metrics", s.met.Handler())
}

// Handler returns an http.Handler with CORS middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return corsMiddleware(mux)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encoding JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// ---------------------------------------------------------------------------
// Handlers
// ---------------------------------------------------------------------------

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.engine.Snapshot())
}

func (s *Server) handleClosedBrackets(w http.ResponseWriter, r *http.Request) {
	if s.archive == nil {
		writeError(w, http.StatusServiceUnavailable, "archive not configured")
		return
	}

	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 1000 {
			writeError(w, http.StatusBadRequest, "limit must be in 1..1000")
			return
		}
		limit = n
	}

	brackets, err := s.archive.ListClosedBrackets(r.Context(), s.symbol, limit)
	if err != nil {
		s.log.Error("listing closed brackets", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list closed brackets")
		return
	}
	writeJSON(w, ClosedBracketsResponse{Symbol: s.symbol, Brackets: brackets})
}

func (s *Server) handleBracketOrders(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		writeError(w, http.StatusServiceUnavailable, "order journal not configured")
		return
	}

	bracketID := r.PathValue("id")
	orders, err := s.journal.ListOrders(r.Context(), bracketID)
	if err != nil {
		s.log.Error("listing journaled orders", "bracket", bracketID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list orders")
		return
	}
	writeJSON(w, BracketOrdersResponse{BracketID: bracketID, Orders: orders})
}

// handleSignal accepts an externally produced trade signal. Contention and
// the halt switch map to 409: the signal is gone, clients must not retry it.
func (s *Server) handleSignal(w http.ResponseWriter, r *http.Request) {
	var req SignalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Direction != domain.SideBuy && req.Direction != domain.SideSell {
		writeError(w, http.StatusBadRequest, "direction must be buy or sell")
		return
	}
	if req.Price <= 0 {
		writeError(w, http.StatusBadRequest, "price must be positive")
		return
	}

	sig := domain.Signal{
		Direction:  req.Direction,
		Confidence: req.Confidence,
		Price:      req.Price,
		Timestamp:  time.Now(),
	}
	bracketID, err := s.engine.SubmitSignal(r.Context(), sig)
	switch {
	case errors.Is(err, engine.ErrHalted):
		writeError(w, http.StatusConflict, "engine halted")
		return
	case errors.Is(err, engine.ErrPositionOpen):
		writeError(w, http.StatusConflict, "position already open")
		return
	case err != nil:
		s.log.Error("signal submission failed", "error", err)
		writeError(w, http.StatusBadGateway, "signal submission failed")
		return
	}
	writeJSON(w, SignalResponse{BracketID: bracketID})
}

func (s *Server) handleHalt(w http.ResponseWriter, r *http.Request) {
	var req HaltRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Reason == "" {
		req.Reason = "operator halt"
	}

	s.engine.Halt(req.Reason)
	halted, reason := s.engine.Halted()
	writeJSON(w, HaltStateResponse{Halted: halted, Reason: reason})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	s.engine.Resume()
	halted, reason := s.engine.Halted()
	writeJSON(w, HaltStateResponse{Halted: halted, Reason: reason})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"status": "ok"})
}
