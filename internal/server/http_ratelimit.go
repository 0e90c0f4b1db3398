package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/alfredjeanlab/runstream/internal/model"
	"github.com/alfredjeanlab/runstream/internal/ratelimit"
)

// requireLimiter writes 501 and returns false when admission is disabled.
func (s *RunServer) requireLimiter(w http.ResponseWriter) bool {
	if s.limiter == nil {
		writeError(w, http.StatusNotImplemented, "rate limiting not configured")
		return false
	}
	return true
}

func decodeLimitConfig(w http.ResponseWriter, r *http.Request) (model.RateLimitConfig, bool) {
	var cfg model.RateLimitConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return cfg, false
	}
	if err := model.ValidateRateLimitConfig(cfg); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return cfg, false
	}
	return cfg, true
}

// handleGetGlobalLimit handles GET /v1/admin/ratelimit/global.
func (s *RunServer) handleGetGlobalLimit(w http.ResponseWriter, r *http.Request) {
	if !s.requireLimiter(w) {
		return
	}
	cfg, err := s.limiter.GetGlobalConfig(r.Context())
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

// handleSetGlobalLimit handles PUT /v1/admin/ratelimit/global.
func (s *RunServer) handleSetGlobalLimit(w http.ResponseWriter, r *http.Request) {
	if !s.requireLimiter(w) {
		return
	}
	cfg, ok := decodeLimitConfig(w, r)
	if !ok {
		return
	}
	if err := s.limiter.SetGlobalConfig(r.Context(), cfg); err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	s.logger.Info("global rate limit updated", "rpm", cfg.MaxRequestsPerMinute, "concurrent", cfg.MaxConcurrentRequests)
	writeJSON(w, http.StatusOK, cfg)
}

// handleListClientLimits handles GET /v1/admin/ratelimit/clients.
func (s *RunServer) handleListClientLimits(w http.ResponseWriter, r *http.Request) {
	if !s.requireLimiter(w) {
		return
	}
	cfgs, err := s.limiter.ListClientConfigs(r.Context())
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	if cfgs == nil {
		cfgs = map[string]model.RateLimitConfig{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"clients": cfgs})
}

// handleGetClientLimit handles GET /v1/admin/ratelimit/clients/{id}.
func (s *RunServer) handleGetClientLimit(w http.ResponseWriter, r *http.Request) {
	if !s.requireLimiter(w) {
		return
	}
	cfg, err := s.limiter.GetClientConfig(r.Context(), r.PathValue("id"))
	if errors.Is(err, ratelimit.ErrNotFound) {
		writeError(w, http.StatusNotFound, "no override for client")
		return
	}
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

// handleSetClientLimit handles PUT /v1/admin/ratelimit/clients/{id}.
func (s *RunServer) handleSetClientLimit(w http.ResponseWriter, r *http.Request) {
	if !s.requireLimiter(w) {
		return
	}
	cfg, ok := decodeLimitConfig(w, r)
	if !ok {
		return
	}
	id := r.PathValue("id")
	if err := s.limiter.SetClientConfig(r.Context(), id, cfg); err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	s.logger.Info("client rate limit updated", "client_id", id,
		"rpm", cfg.MaxRequestsPerMinute, "concurrent", cfg.MaxConcurrentRequests)
	writeJSON(w, http.StatusOK, cfg)
}

// handleDeleteClientLimit handles DELETE /v1/admin/ratelimit/clients/{id}.
func (s *RunServer) handleDeleteClientLimit(w http.ResponseWriter, r *http.Request) {
	if !s.requireLimiter(w) {
		return
	}
	if err := s.limiter.DeleteClientConfig(r.Context(), r.PathValue("id")); err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleListExemptions handles GET /v1/admin/ratelimit/exemptions.
func (s *RunServer) handleListExemptions(w http.ResponseWriter, r *http.Request) {
	if !s.requireLimiter(w) {
		return
	}
	ids, err := s.limiter.ListExemptions(r.Context())
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	if ids == nil {
		ids = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"exemptions": ids})
}

// handleAddExemption handles PUT /v1/admin/ratelimit/exemptions/{id}.
func (s *RunServer) handleAddExemption(w http.ResponseWriter, r *http.Request) {
	if !s.requireLimiter(w) {
		return
	}
	id := r.PathValue("id")
	if err := s.limiter.AddExemption(r.Context(), id); err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	s.logger.Info("client exempted from rate limiting", "client_id", id)
	w.WriteHeader(http.StatusNoContent)
}

// handleRemoveExemption handles DELETE /v1/admin/ratelimit/exemptions/{id}.
func (s *RunServer) handleRemoveExemption(w http.ResponseWriter, r *http.Request) {
	if !s.requireLimiter(w) {
		return
	}
	if err := s.limiter.RemoveExemption(r.Context(), r.PathValue("id")); err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
