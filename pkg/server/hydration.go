package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/gantrylabs/gantry/pkg/api"
	"github.com/gantrylabs/gantry/pkg/auth"
	"github.com/gantrylabs/gantry/pkg/hydration"
	"github.com/gantrylabs/gantry/pkg/queue"
	"github.com/gantrylabs/gantry/pkg/store"
)

func (s *Server) mountHydration(r chi.Router) {
	r.Get("/status", s.handleHydrationStatus)
	r.Post("/run-now", s.handleRunNow)
	r.Get("/runs", s.handleListRuns)
	r.Get("/runs/{id}", s.handleGetRun)
	r.Get("/runs/{id}/items", s.handleRunItems)
	r.Route("/sources", func(r chi.Router) {
		r.Get("/", s.handleListSources)
		r.Post("/", s.handleCreateSource)
		r.Get("/{id}", s.handleGetSource)
		r.Put("/{id}", s.handleUpdateSource)
		r.Delete("/{id}", s.handleDeleteSource)
	})
	r.Post("/alerts/{id}/acknowledge", s.handleAcknowledgeAlert)
}

// workspaceQuery reads the required workspace_id parameter.
func workspaceQuery(r *http.Request) (string, error) {
	ws := strings.TrimSpace(r.URL.Query().Get("workspace_id"))
	if ws == "" {
		return "", fmt.Errorf("%w: workspace_id query parameter is required", api.ErrInvalidInput)
	}
	return ws, nil
}

// handleHydrationStatus summarizes a workspace: its latest run, its
// sources, and unacknowledged alerts.
func (s *Server) handleHydrationStatus(w http.ResponseWriter, r *http.Request) {
	ws, err := workspaceQuery(r)
	if err != nil {
		api.MapError(w, err)
		return
	}
	latest, err := s.deps.Runs.Latest(r.Context(), ws)
	if err != nil {
		api.MapError(w, err)
		return
	}
	sources, err := s.deps.Sources.ListByWorkspace(r.Context(), ws, false)
	if err != nil {
		api.MapError(w, err)
		return
	}
	alerts, err := s.deps.Alerts.ListActive(r.Context(), ws)
	if err != nil {
		api.MapError(w, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"workspace_id":  ws,
		"latest_run":    latest,
		"sources":       sources,
		"active_alerts": alerts,
	})
}

type runNowRequest struct {
	WorkspaceID   string  `json:"workspace_id" validate:"required"`
	SourceIDs     []int64 `json:"source_ids,omitempty"`
	ForceFullScan bool    `json:"force_full_scan,omitempty"`
	MaxFiles      int     `json:"max_files,omitempty" validate:"gte=0"`
	DryRun        bool    `json:"dry_run,omitempty"`
}

// handleRunNow queues a hydration run and answers 202. The run itself
// happens on a worker; without a queue the endpoint degrades to 503.
func (s *Server) handleRunNow(w http.ResponseWriter, r *http.Request) {
	var req runNowRequest
	if err := decodeValid(w, r, &req); err != nil {
		api.MapError(w, err)
		return
	}
	if s.deps.Queue == nil {
		api.MapError(w, fmt.Errorf("%w: job queue is not configured", api.ErrUnavailable))
		return
	}
	payload, err := json.Marshal(hydration.JobPayload{
		WorkspaceID:   req.WorkspaceID,
		SourceIDs:     req.SourceIDs,
		ForceFullScan: req.ForceFullScan,
		MaxFiles:      req.MaxFiles,
		DryRun:        req.DryRun,
	})
	if err != nil {
		api.MapError(w, err)
		return
	}
	headers := queue.Headers{
		CorrelationID: auth.CorrelationID(r.Context()),
		WorkspaceID:   req.WorkspaceID,
	}
	if actor := principalID(r); actor > 0 {
		headers.UserID = strconv.FormatInt(actor, 10)
	}
	jobID, err := s.deps.Queue.Enqueue(r.Context(), &queue.Envelope{
		JobType: queue.JobHydration,
		Payload: payload,
		Headers: headers,
	})
	if err != nil {
		s.logger.Error("enqueue hydration job failed", "workspace_id", req.WorkspaceID, "error", err)
		api.MapError(w, fmt.Errorf("%w: job queue rejected the request", api.ErrUnavailable))
		return
	}
	api.WriteJSON(w, http.StatusAccepted, map[string]interface{}{
		"job_id":       jobID,
		"status":       "queued",
		"workspace_id": req.WorkspaceID,
	})
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	ws, err := workspaceQuery(r)
	if err != nil {
		api.MapError(w, err)
		return
	}
	limit, err := intQuery(r, "limit")
	if err != nil {
		api.MapError(w, err)
		return
	}
	offset, err := intQuery(r, "offset")
	if err != nil {
		api.MapError(w, err)
		return
	}
	runs, err := s.deps.Runs.ListByWorkspace(r.Context(), ws, limit, offset)
	if err != nil {
		api.MapError(w, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"runs":  runs,
		"count": len(runs),
	})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.deps.Runs.GetByID(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		api.MapError(w, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, run)
}

func (s *Server) handleRunItems(w http.ResponseWriter, r *http.Request) {
	run, err := s.deps.Runs.GetByID(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		api.MapError(w, err)
		return
	}
	items, err := s.deps.Items.ListByRun(r.Context(), run.ID)
	if err != nil {
		api.MapError(w, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"run_id": run.ID,
		"items":  items,
		"count":  len(items),
	})
}

func (s *Server) handleListSources(w http.ResponseWriter, r *http.Request) {
	ws, err := workspaceQuery(r)
	if err != nil {
		api.MapError(w, err)
		return
	}
	enabledOnly := r.URL.Query().Get("enabled") == "true"
	sources, err := s.deps.Sources.ListByWorkspace(r.Context(), ws, enabledOnly)
	if err != nil {
		api.MapError(w, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"sources": sources,
		"count":   len(sources),
	})
}

type sourceCreateRequest struct {
	WorkspaceID string        `json:"workspace_id" validate:"required"`
	SourceType  string        `json:"source_type" validate:"required"`
	Name        string        `json:"name" validate:"required"`
	Config      store.JSONMap `json:"config"`
	SecretsRef  *string       `json:"secrets_ref,omitempty"`
	Enabled     *bool         `json:"enabled,omitempty"`
}

// knownSourceType checks the connector registry. A nil registry skips
// the check so storage-only deployments can still manage rows.
func (s *Server) knownSourceType(t string) bool {
	if s.deps.Connectors == nil {
		return true
	}
	for _, st := range s.deps.Connectors.Types() {
		if st == t {
			return true
		}
	}
	return false
}

func (s *Server) handleCreateSource(w http.ResponseWriter, r *http.Request) {
	var req sourceCreateRequest
	if err := decodeValid(w, r, &req); err != nil {
		api.MapError(w, err)
		return
	}
	if !s.knownSourceType(req.SourceType) {
		api.MapError(w, fmt.Errorf("%w: unknown source type %q, valid types: %s",
			api.ErrInvalidInput, req.SourceType, strings.Join(s.deps.Connectors.Types(), ", ")))
		return
	}
	src := &store.WorkspaceSource{
		WorkspaceID: req.WorkspaceID,
		SourceType:  req.SourceType,
		Name:        req.Name,
		Config:      req.Config,
		SecretsRef:  req.SecretsRef,
		Enabled:     true,
	}
	if req.Enabled != nil {
		src.Enabled = *req.Enabled
	}
	if src.Config == nil {
		src.Config = store.JSONMap{}
	}
	if err := s.deps.Sources.Create(r.Context(), src); err != nil {
		api.MapError(w, err)
		return
	}
	api.WriteJSON(w, http.StatusCreated, src)
}

func (s *Server) handleGetSource(w http.ResponseWriter, r *http.Request) {
	id, err := int64Param(r, "id")
	if err != nil {
		api.MapError(w, err)
		return
	}
	src, err := s.deps.Sources.GetByID(r.Context(), id)
	if err != nil {
		api.MapError(w, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, src)
}

// sourceUpdateRequest mutates a source in place. Workspace and source
// type are immutable; delete and recreate to move a source.
type sourceUpdateRequest struct {
	Name       string        `json:"name" validate:"required"`
	Config     store.JSONMap `json:"config"`
	SecretsRef *string       `json:"secrets_ref,omitempty"`
	Enabled    *bool         `json:"enabled,omitempty"`
}

func (s *Server) handleUpdateSource(w http.ResponseWriter, r *http.Request) {
	id, err := int64Param(r, "id")
	if err != nil {
		api.MapError(w, err)
		return
	}
	var req sourceUpdateRequest
	if err := decodeValid(w, r, &req); err != nil {
		api.MapError(w, err)
		return
	}
	src, err := s.deps.Sources.GetByID(r.Context(), id)
	if err != nil {
		api.MapError(w, err)
		return
	}
	src.Name = req.Name
	src.Config = req.Config
	src.SecretsRef = req.SecretsRef
	if src.Config == nil {
		src.Config = store.JSONMap{}
	}
	if req.Enabled != nil {
		src.Enabled = *req.Enabled
	}
	if err := s.deps.Sources.Update(r.Context(), src); err != nil {
		api.MapError(w, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, src)
}

func (s *Server) handleDeleteSource(w http.ResponseWriter, r *http.Request) {
	id, err := int64Param(r, "id")
	if err != nil {
		api.MapError(w, err)
		return
	}
	if err := s.deps.Sources.Delete(r.Context(), id); err != nil {
		api.MapError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAcknowledgeAlert(w http.ResponseWriter, r *http.Request) {
	id, err := int64Param(r, "id")
	if err != nil {
		api.MapError(w, err)
		return
	}
	actor := principalID(r)
	if actor == 0 {
		api.WriteUnauthorized(w, "acknowledging an alert requires a principal")
		return
	}
	if err := s.deps.Alerts.Acknowledge(r.Context(), id, actor); err != nil {
		api.MapError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
