// Package http exposes the engine as a JSON API: start, resume, inspect
// and cancel runs, list sessions, and scrape metrics.
package http

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/aretw0/canopy/internal/runtime"
	"github.com/aretw0/canopy/pkg/domain"
	"github.com/aretw0/canopy/pkg/schema"
)

// Engine is the subset of the engine the API needs.
type Engine interface {
	Start(ctx context.Context, sessionID string, initial map[string]any) (*runtime.Run, error)
	Resume(ctx context.Context, sessionID string, input map[string]any) (*runtime.Run, error)
	Recover(ctx context.Context, sessionID string) (*runtime.Run, error)
	Status(ctx context.Context, sessionID string) (domain.Status, error)
	Cancel(ctx context.Context, sessionID string) error
	Sessions(ctx context.Context) ([]string, error)
}

// Server routes API requests to the engine.
type Server struct {
	engine Engine
	logger *slog.Logger
}

// NewHandler builds the API router. gatherer serves GET /metrics; pass nil
// to omit the endpoint.
func NewHandler(engine Engine, logger *slog.Logger, gatherer prometheus.Gatherer) http.Handler {
	s := &Server{engine: engine, logger: logger}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Post("/runs", s.startRun)
	r.Get("/runs/{sessionID}", s.getRun)
	r.Post("/runs/{sessionID}/resume", s.resumeRun)
	r.Post("/runs/{sessionID}/recover", s.recoverRun)
	r.Delete("/runs/{sessionID}", s.cancelRun)
	r.Get("/sessions", s.listSessions)

	if gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}
	return r
}

type startRequest struct {
	SessionID string         `json:"session_id"`
	Input     map[string]any `json:"input"`
}

type resumeRequest struct {
	Input map[string]any `json:"input"`
}

type runResponse struct {
	SessionID string `json:"session_id"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) startRun(w http.ResponseWriter, r *http.Request) {
	var body startRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	if body.SessionID == "" {
		body.SessionID = uuid.NewString()
	}

	run, err := s.engine.Start(r.Context(), body.SessionID, body.Input)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, runResponse{SessionID: run.SessionID()})
}

func (s *Server) resumeRun(w http.ResponseWriter, r *http.Request) {
	var body resumeRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	run, err := s.engine.Resume(r.Context(), chi.URLParam(r, "sessionID"), body.Input)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, runResponse{SessionID: run.SessionID()})
}

func (s *Server) recoverRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.engine.Recover(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, runResponse{SessionID: run.SessionID()})
}

func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	status, err := s.engine.Status(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, status)
}

func (s *Server) cancelRun(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Cancel(r.Context(), chi.URLParam(r, "sessionID")); err != nil {
		s.writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	ids, err := s.engine.Sessions(r.Context())
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	if ids == nil {
		ids = []string{}
	}
	s.writeJSON(w, http.StatusOK, map[string][]string{"sessions": ids})
}

func (s *Server) writeEngineError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	var violation *schema.Violation
	switch {
	case errors.Is(err, domain.ErrUnknownSession):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrDuplicateSession),
		errors.Is(err, domain.ErrRunAlreadyActive),
		errors.Is(err, domain.ErrNoPendingInterrupt),
		errors.Is(err, domain.ErrNothingToRecover):
		status = http.StatusConflict
	case errors.As(err, &violation):
		status = http.StatusBadRequest
	}
	s.writeError(w, status, err)
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "err", err)
	}
	s.writeJSON(w, status, errorResponse{Error: err.Error()})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "err", err)
	}
}
