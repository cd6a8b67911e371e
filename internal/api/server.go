// Package api exposes the cycle engine over HTTP: status, manual triggers,
// recent results and a websocket feed.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"dip-bot/internal/engine"
	"dip-bot/internal/ledger"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

type CycleEngine interface {
	RunCycle(ctx context.Context) (engine.CycleResult, error)
	Status() engine.Status
	LastResult() (engine.CycleResult, bool)
	RecentSignals() []engine.DipSignal
}

type LedgerReader interface {
	Entries(ctx context.Context) ([]ledger.Entry, error)
}

// Pauser toggles the scheduler. SetPaused returns the resulting state.
type Pauser interface {
	SetPaused(paused bool) bool
	Paused() bool
}

type Server struct {
	engine  CycleEngine
	ledger  LedgerReader
	pauser  Pauser
	hub     *Hub
	metrics http.Handler
	log     *zap.Logger
	router  chi.Router
}

type Options struct {
	Engine  CycleEngine
	Ledger  LedgerReader
	Pauser  Pauser
	Hub     *Hub
	Metrics http.Handler
	Log     *zap.Logger
}

func NewServer(opts Options) *Server {
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}
	if opts.Hub == nil {
		opts.Hub = NewHub(opts.Log)
	}
	s := &Server{
		engine:  opts.Engine,
		ledger:  opts.Ledger,
		pauser:  opts.Pauser,
		hub:     opts.Hub,
		metrics: opts.Metrics,
		log:     opts.Log,
	}
	s.router = s.routes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Hub() *Hub {
	return s.hub
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics)
	}
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/status", s.getStatus)
		r.Post("/cycles", s.runCycle)
		r.Get("/cycles/last", s.lastCycle)
		r.Get("/signals", s.signals)
		r.Get("/ledger", s.ledgerEntries)
		r.Post("/pause", s.setPaused(true))
		r.Post("/resume", s.setPaused(false))
		r.Get("/ws", s.hub.HandleWS)
	})
	return r
}

type statusResponse struct {
	engine.Status
	Paused    bool `json:"paused"`
	WSClients int  `json:"ws_clients"`
}

func (s *Server) getStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{Status: s.engine.Status(), WSClients: s.hub.Clients()}
	if s.pauser != nil {
		resp.Paused = s.pauser.Paused()
	}
	writeJSON(w, http.StatusOK, resp)
}

// runCycle runs a cycle to completion even if the caller disconnects.
func (s *Server) runCycle(w http.ResponseWriter, r *http.Request) {
	result, err := s.engine.RunCycle(context.WithoutCancel(r.Context()))
	if errors.Is(err, engine.ErrCycleInProgress) {
		writeError(w, err.Error(), http.StatusConflict)
		return
	}
	if err != nil {
		writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) lastCycle(w http.ResponseWriter, r *http.Request) {
	result, ok := s.engine.LastResult()
	if !ok {
		writeError(w, "no cycle has run yet", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) signals(w http.ResponseWriter, r *http.Request) {
	signals := s.engine.RecentSignals()
	if signals == nil {
		signals = []engine.DipSignal{}
	}
	writeJSON(w, http.StatusOK, signals)
}

func (s *Server) ledgerEntries(w http.ResponseWriter, r *http.Request) {
	if s.ledger == nil {
		writeJSON(w, http.StatusOK, []ledger.Entry{})
		return
	}
	entries, err := s.ledger.Entries(r.Context())
	if err != nil {
		writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if entries == nil {
		entries = []ledger.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) setPaused(paused bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.pauser == nil {
			writeError(w, "scheduler not available", http.StatusServiceUnavailable)
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"paused": s.pauser.SetPaused(paused)})
	}
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}
