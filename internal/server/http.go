// internal/server/http.go
package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	syncerrors "apptrack-sync/internal/common/errors"
	"apptrack-sync/internal/common/logger"
	"apptrack-sync/internal/models"
	engine "apptrack-sync/internal/sync"
)

// maxWebhookBody caps inbound webhook payloads at 1 MiB.
const maxWebhookBody = 1 << 20

// Server is the HTTP surface over the integration manager and the sync
// orchestrator. It carries no business logic; every handler decodes the
// request, calls into the engine and encodes the outcome.
type Server struct {
	manager      *engine.Manager
	orchestrator *engine.Orchestrator
	logger       logger.Logger
	mux          *http.ServeMux
}

func New(manager *engine.Manager, orchestrator *engine.Orchestrator, log logger.Logger) *Server {
	s := &Server{
		manager:      manager,
		orchestrator: orchestrator,
		logger:       log,
		mux:          http.NewServeMux(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("POST /api/integrations/{provider}/connect", s.handleConnect)
	s.mux.HandleFunc("GET /api/integrations/{provider}/callback", s.handleCallback)
	s.mux.HandleFunc("GET /api/integrations/{provider}/status", s.handleStatus)
	s.mux.HandleFunc("POST /api/integrations/{provider}/toggle", s.handleToggle)
	s.mux.HandleFunc("DELETE /api/integrations/{provider}", s.handleDisconnect)

	s.mux.HandleFunc("POST /api/sync", s.handleTriggerSync)
	s.mux.HandleFunc("GET /api/sync/jobs", s.handleListJobs)
	s.mux.HandleFunc("GET /api/sync/jobs/{id}", s.handleGetJob)
	s.mux.HandleFunc("POST /api/sync/jobs/{id}/cancel", s.handleCancelJob)
	s.mux.HandleFunc("GET /api/sync/stats", s.handleStats)

	s.mux.HandleFunc("POST /webhooks/{provider}", s.handleWebhook)

	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /ready", s.handleHealth)
	s.mux.Handle("GET /metrics", promhttp.Handler())
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// --- Integration lifecycle ---

type connectRequest struct {
	UserID string `json:"userId"`
	Code   string `json:"code"`
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	provider := r.PathValue("provider")
	var req connectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, syncerrors.NewValidationError("invalid request body"))
		return
	}
	if req.UserID == "" || req.Code == "" {
		s.writeError(w, syncerrors.NewValidationError("userId and code are required"))
		return
	}

	integ, err := s.manager.Authenticate(r.Context(), provider, req.UserID, req.Code)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, integ)
}

// handleCallback is the OAuth redirect target. The platform sends the
// authorization code in the query string; state carries the initiating
// user id.
func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	provider := r.PathValue("provider")
	code := r.URL.Query().Get("code")
	userID := r.URL.Query().Get("state")
	if code == "" || userID == "" {
		s.writeError(w, syncerrors.NewValidationError("code and state query parameters are required"))
		return
	}

	integ, err := s.manager.Authenticate(r.Context(), provider, userID, code)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, integ)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	provider := r.PathValue("provider")
	userID := r.URL.Query().Get("userId")
	if userID == "" {
		s.writeError(w, syncerrors.NewValidationError("userId query parameter is required"))
		return
	}

	integ, err := s.manager.Status(r.Context(), provider, userID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, integ)
}

type toggleRequest struct {
	UserID  string `json:"userId"`
	Enabled bool   `json:"enabled"`
}

func (s *Server) handleToggle(w http.ResponseWriter, r *http.Request) {
	provider := r.PathValue("provider")
	var req toggleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, syncerrors.NewValidationError("invalid request body"))
		return
	}
	if req.UserID == "" {
		s.writeError(w, syncerrors.NewValidationError("userId is required"))
		return
	}

	if err := s.manager.ToggleSync(r.Context(), provider, req.UserID, req.Enabled); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"syncEnabled": req.Enabled})
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	provider := r.PathValue("provider")
	userID := r.URL.Query().Get("userId")
	if userID == "" {
		s.writeError(w, syncerrors.NewValidationError("userId query parameter is required"))
		return
	}

	if err := s.manager.Disconnect(r.Context(), provider, userID); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Sync jobs ---

type triggerSyncRequest struct {
	UserID   string             `json:"userId"`
	Provider string             `json:"provider,omitempty"`
	Options  models.SyncOptions `json:"options"`
}

func (s *Server) handleTriggerSync(w http.ResponseWriter, r *http.Request) {
	var req triggerSyncRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, syncerrors.NewValidationError("invalid request body"))
		return
	}
	if req.UserID == "" {
		s.writeError(w, syncerrors.NewValidationError("userId is required"))
		return
	}

	job, err := s.orchestrator.TriggerSync(r.Context(), req.UserID, req.Provider, req.Options)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("userId")
	if userID == "" {
		s.writeError(w, syncerrors.NewValidationError("userId query parameter is required"))
		return
	}
	jobs := s.orchestrator.Jobs(userID)
	if jobs == nil {
		jobs = []*models.SyncJob{}
	}
	s.writeJSON(w, http.StatusOK, jobs)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job := s.orchestrator.GetJob(r.PathValue("id"))
	if job == nil {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "job not found"})
		return
	}
	s.writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	if err := s.orchestrator.CancelSync(r.PathValue("id")); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "cancelling"})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.orchestrator.GetStats())
}

// --- Webhooks ---

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	provider := r.PathValue("provider")

	payload, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		s.writeError(w, syncerrors.NewValidationError("unreadable webhook body"))
		return
	}

	result := s.manager.HandleWebhook(r.Context(), provider, payload, r.Header)
	if !result.Success {
		s.logger.Warn("webhook rejected", map[string]interface{}{
			"provider": provider,
			"error":    result.Error,
		})
		s.writeJSON(w, http.StatusBadRequest, result)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

// --- Health ---

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
		"time":   time.Now().Format(time.RFC3339),
	})
}

// --- Helpers ---

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("response encode failed", map[string]interface{}{"error": err.Error()})
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	syncErr := syncerrors.Normalize("", err)
	s.writeJSON(w, statusFor(syncErr), map[string]interface{}{
		"error":     syncErr.Message,
		"type":      string(syncErr.Type),
		"details":   syncErr.Details,
		"retryable": syncErr.Retryable,
	})
}

func statusFor(err *syncerrors.SyncError) int {
	switch err.Type {
	case syncerrors.TypeValidation:
		return http.StatusBadRequest
	case syncerrors.TypeAuthentication:
		return http.StatusUnauthorized
	case syncerrors.TypeConflict:
		return http.StatusConflict
	case syncerrors.TypeNetwork:
		return http.StatusBadGateway
	case syncerrors.TypeDataMapping:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// Run starts the server and blocks until ctx is cancelled, then drains with
// a bounded shutdown window.
func Run(ctx context.Context, addr string, s *Server, log logger.Logger) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      s,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("http server listening", map[string]interface{}{"address": addr})
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
