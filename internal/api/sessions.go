package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/runctx/internal/engine"
	"github.com/seantiz/runctx/internal/execctx"
	"github.com/seantiz/runctx/internal/model"
	"github.com/seantiz/runctx/internal/store"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
	maxBodySize      = 1 << 20 // 1 MB

	defaultSamples = 1000
	maxSamples     = 1 << 24
	maxIterations  = 100000
)

// createSessionRequest is the JSON body for POST /v1/sessions.
type createSessionRequest struct {
	Params             map[string]string `json:"params"`
	RequireAccelerator bool              `json:"require_accelerator"`
}

// runSessionRequest is the JSON body for POST /v1/sessions/{id}/run.
type runSessionRequest struct {
	Iterations int  `json:"iterations"`
	Samples    *int `json:"samples"`
}

// listSessionsResponse wraps the paginated list response.
type listSessionsResponse struct {
	Sessions []*model.Session `json:"sessions"`
	Total    int              `json:"total"`
	Limit    int              `json:"limit"`
	Offset   int              `json:"offset"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	sess, err := s.engine.Open(r.Context(), engine.Request{
		Params:             req.Params,
		RequireAccelerator: req.RequireAccelerator,
	})
	if err != nil {
		var cfgErr *execctx.ConfigError
		var devErr *execctx.DeviceError
		switch {
		case errors.As(err, &cfgErr):
			s.writeError(w, http.StatusBadRequest, cfgErr.Error())
		case errors.As(err, &devErr):
			s.writeError(w, http.StatusUnprocessableEntity, devErr.Error())
		default:
			s.logger.Error("open session", "error", err)
			s.writeError(w, http.StatusInternalServerError, "failed to create session")
		}
		return
	}

	s.writeJSON(w, http.StatusCreated, sess)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	sess, err := s.store.GetSession(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "session not found")
		return
	}
	if err != nil {
		s.logger.Error("get session", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get session")
		return
	}

	s.writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	limit := parseIntQuery(r, "limit", defaultListLimit)
	offset := parseIntQuery(r, "offset", 0)

	if limit <= 0 || limit > maxListLimit {
		limit = defaultListLimit
	}
	if offset < 0 {
		offset = 0
	}

	sessions, total, err := s.store.ListSessions(r.Context(), limit, offset)
	if err != nil {
		s.logger.Error("list sessions", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list sessions")
		return
	}

	if sessions == nil {
		sessions = []*model.Session{}
	}

	s.writeJSON(w, http.StatusOK, listSessionsResponse{
		Sessions: sessions,
		Total:    total,
		Limit:    limit,
		Offset:   offset,
	})
}

// handleRunSession starts the synthetic sampling workload on a configured
// session and returns immediately; the outcome is visible through
// GET /v1/sessions/{id}.
func (s *Server) handleRunSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req runSessionRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Iterations <= 0 || req.Iterations > maxIterations {
		s.writeError(w, http.StatusBadRequest, "iterations must be between 1 and "+strconv.Itoa(maxIterations))
		return
	}
	samples := defaultSamples
	if req.Samples != nil {
		samples = *req.Samples
	}
	if samples < 0 || samples > maxSamples {
		s.writeError(w, http.StatusBadRequest, "samples must be between 0 and "+strconv.Itoa(maxSamples))
		return
	}

	sess, err := s.store.GetSession(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "session not found")
		return
	}
	if err != nil {
		s.logger.Error("get session", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get session")
		return
	}
	if sess.Status != model.StatusConfigured {
		s.writeError(w, http.StatusConflict, "session is "+sess.Status)
		return
	}

	s.engine.Start(context.WithoutCancel(r.Context()), id, req.Iterations, engine.Sampler(samples))

	s.writeJSON(w, http.StatusAccepted, sess)
}

// writeJSON writes a JSON response with the given status code.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

// parseIntQuery parses an integer query parameter with a default value.
func parseIntQuery(r *http.Request, key string, defaultVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return defaultVal
	}
	return v
}
