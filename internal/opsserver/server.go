package opsserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/atelier-dev/workspace-node/internal/models"
	"github.com/atelier-dev/workspace-node/internal/orchestrator"
	"github.com/atelier-dev/workspace-node/internal/pool"
)

// statusClientClosedRequest is nginx's code for a request the client
// abandoned; net/http has no name for it.
const statusClientClosedRequest = 499

type Workspaces interface {
	GetOrCreateVM(ctx context.Context, projectID models.ProjectID, opts orchestrator.GetOrCreateOpts) (orchestrator.VMHandle, error)
	ReleaseProjectVM(ctx context.Context, projectID models.ProjectID) error
	StopVM(ctx context.Context, projectID models.ProjectID) error
	GetActiveVMs(ctx context.Context) ([]orchestrator.ActiveSession, error)
	Heartbeat(ctx context.Context, projectID models.ProjectID) error
	RecyclePool(ctx context.Context) int
	GetDiagnostics(ctx context.Context) (orchestrator.Diagnostics, error)
}

// Server is the thin JSON surface for the route layer and for operators.
// Handlers do request/response glue only; everything interesting happens
// in the orchestrator. Request contexts flow through, so a disconnected
// client cancels its in-flight allocation.
type Server struct {
	workspaces Workspaces
}

func New(workspaces Workspaces) *Server {
	return &Server{
		workspaces: workspaces,
	}
}

func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/projects/{project}/vm", s.handleGetOrCreate)
	mux.HandleFunc("DELETE /v1/projects/{project}/vm", s.handleRelease)
	mux.HandleFunc("POST /v1/projects/{project}/vm/stop", s.handleStop)
	mux.HandleFunc("POST /v1/projects/{project}/heartbeat", s.handleHeartbeat)
	mux.HandleFunc("GET /v1/vms", s.handleActiveVMs)
	mux.HandleFunc("POST /v1/pool/recycle", s.handleRecycle)
	mux.HandleFunc("GET /v1/diagnostics", s.handleDiagnostics)
	mux.HandleFunc("GET /healthz", s.handleProbe)
	mux.HandleFunc("GET /ready", s.handleProbe)
	return mux
}

func (s *Server) handleGetOrCreate(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()

	projectID := models.ProjectID(r.PathValue("project"))
	opts := orchestrator.GetOrCreateOpts{
		SkipSync: r.URL.Query().Get("skip_sync") == "true",
	}
	handle, err := s.workspaces.GetOrCreateVM(r.Context(), projectID, opts)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, handle)
}

func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()

	projectID := models.ProjectID(r.PathValue("project"))
	if err := s.workspaces.ReleaseProjectVM(r.Context(), projectID); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()

	projectID := models.ProjectID(r.PathValue("project"))
	if err := s.workspaces.StopVM(r.Context(), projectID); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()

	projectID := models.ProjectID(r.PathValue("project"))
	if err := s.workspaces.Heartbeat(r.Context(), projectID); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleActiveVMs(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()

	active, err := s.workspaces.GetActiveVMs(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, active)
}

func (s *Server) handleRecycle(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()

	recycled := s.workspaces.RecyclePool(r.Context())
	s.writeJSON(w, http.StatusOK, map[string]int{"recycled": recycled})
}

func (s *Server) handleDiagnostics(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()

	diag, err := s.workspaces.GetDiagnostics(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, diag)
}

func (s *Server) handleProbe(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	w.WriteHeader(http.StatusOK)
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, pool.ErrPoolExhausted), errors.Is(err, pool.ErrProvisioningTimeout):
		// retryable: the workspace is starting, the client should come
		// back after a short backoff
		w.Header().Set("Retry-After", "3")
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "workspace is starting, please retry",
		})
	case errors.Is(err, context.Canceled):
		// client went away mid-allocation; the status is for proxies and
		// access logs, the client itself is gone
		w.WriteHeader(statusClientClosedRequest)
	default:
		log.Error().Err(err).Msg("ops request failed")
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": err.Error(),
		})
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Error().Err(err).Msg("failed to encode ops response")
	}
}
