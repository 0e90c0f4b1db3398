package server

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"

	"github.com/alfredjeanlab/runstream/internal/model"
	"github.com/alfredjeanlab/runstream/internal/runstore"
)

// NewHTTPHandler returns an http.Handler with all routes registered.
// When authToken is non-empty, requests (except GET /v1/health) must include
// a valid Authorization: Bearer <token> header.
func (s *RunServer) NewHTTPHandler(authToken string) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/runs", s.admit(s.handleCreateRun))
	mux.HandleFunc("GET /v1/runs/{kind}/{id}", s.handleGetRun)
	mux.HandleFunc("GET /v1/runs/{kind}/{id}/events", s.handleGetEvents)
	mux.HandleFunc("GET /v1/runs/{kind}/{id}/snapshot", s.handleGetSnapshot)
	mux.HandleFunc("GET /v1/runs/{kind}/{id}/export", s.handleExportRun)
	mux.HandleFunc("POST /v1/runs/{kind}/{id}/cancel", s.handleCancelRun)
	mux.HandleFunc("GET /v1/runs/{kind}/{id}/stream", s.handleRunStream)
	mux.HandleFunc("GET /v1/channels/{id}/stream", s.handleChannelStream)
	mux.HandleFunc("POST /v1/streams/{id}/next", s.admit(s.handleNextSeq))
	mux.HandleFunc("POST /v1/streams/{id}/pair", s.admit(s.handleAllocatePair))
	mux.HandleFunc("GET /v1/admin/ratelimit/global", s.handleGetGlobalLimit)
	mux.HandleFunc("PUT /v1/admin/ratelimit/global", s.handleSetGlobalLimit)
	mux.HandleFunc("GET /v1/admin/ratelimit/clients", s.handleListClientLimits)
	mux.HandleFunc("GET /v1/admin/ratelimit/clients/{id}", s.handleGetClientLimit)
	mux.HandleFunc("PUT /v1/admin/ratelimit/clients/{id}", s.handleSetClientLimit)
	mux.HandleFunc("DELETE /v1/admin/ratelimit/clients/{id}", s.handleDeleteClientLimit)
	mux.HandleFunc("GET /v1/admin/ratelimit/exemptions", s.handleListExemptions)
	mux.HandleFunc("PUT /v1/admin/ratelimit/exemptions/{id}", s.handleAddExemption)
	mux.HandleFunc("DELETE /v1/admin/ratelimit/exemptions/{id}", s.handleRemoveExemption)
	mux.HandleFunc("GET /v1/health", s.handleHealth)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics.Handler())
	}
	return RecoveryMiddleware(s.logger, LoggingMiddleware(s.logger, AuthMiddleware(authToken, mux)))
}

// handleHealth handles GET /v1/health.
func (s *RunServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// clientID identifies the caller for admission: the X-Client-ID header when
// present, otherwise the remote host.
func clientID(r *http.Request) string {
	if id := r.Header.Get("X-Client-ID"); id != "" {
		return id
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// writeStoreError maps component errors onto HTTP status codes.
func (s *RunServer) writeStoreError(w http.ResponseWriter, r *http.Request, err error) {
	var ve *model.ValidationError
	switch {
	case errors.As(err, &ve):
		writeError(w, http.StatusBadRequest, ve.Error())
	case errors.Is(err, runstore.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, runstore.ErrInvalidTransition):
		writeError(w, http.StatusConflict, err.Error())
	default:
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
