package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/gantrylabs/gantry/pkg/api"
	"github.com/gantrylabs/gantry/pkg/regression"
)

func (s *Server) mountRegression(r chi.Router) {
	r.Route("/requests", func(r chi.Router) {
		r.Get("/", s.handleListPromotions)
		r.Post("/", s.handleCreatePromotion)
		r.Get("/{id}", s.handleGetPromotion)
		r.Post("/{id}/run-check", s.handleRunCheck)
		r.Post("/{id}/approve", s.handleApprovePromotion)
		r.Post("/{id}/promote", s.handlePromote)
	})
	r.Put("/thresholds/{component}", s.handleUpdateThresholds)
	r.Get("/versions", s.handleComponentVersions)
}

type promotionCreateRequest struct {
	Component    string  `json:"component" validate:"required"`
	CandidateTag string  `json:"candidate_tag" validate:"required"`
	WorkspaceID  *string `json:"workspace_id,omitempty"`
}

func (s *Server) handleCreatePromotion(w http.ResponseWriter, r *http.Request) {
	var req promotionCreateRequest
	if err := decodeValid(w, r, &req); err != nil {
		api.MapError(w, err)
		return
	}
	in := regression.CreateInput{
		Component:    req.Component,
		CandidateTag: req.CandidateTag,
		WorkspaceID:  req.WorkspaceID,
	}
	if actor := principalID(r); actor > 0 {
		in.RequestedBy = &actor
	}
	created, err := s.deps.Guard.CreateRequest(r.Context(), in)
	if err != nil {
		api.MapError(w, err)
		return
	}
	api.WriteJSON(w, http.StatusCreated, created)
}

func (s *Server) handleListPromotions(w http.ResponseWriter, r *http.Request) {
	limit, err := intQuery(r, "limit")
	if err != nil {
		api.MapError(w, err)
		return
	}
	requests, err := s.deps.Guard.ListRequests(r.Context(), r.URL.Query().Get("component"), limit)
	if err != nil {
		api.MapError(w, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"requests": requests,
		"count":    len(requests),
	})
}

func (s *Server) handleGetPromotion(w http.ResponseWriter, r *http.Request) {
	req, checks, err := s.deps.Guard.GetRequest(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		api.MapError(w, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"request": req,
		"checks":  checks,
	})
}

// handleRunCheck scores baseline against candidate. Check errors leave
// the request running so the check can be retried.
func (s *Server) handleRunCheck(w http.ResponseWriter, r *http.Request) {
	check, err := s.deps.Guard.RunCheck(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		api.MapError(w, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, check)
}

func (s *Server) handleApprovePromotion(w http.ResponseWriter, r *http.Request) {
	actor := principalID(r)
	if actor == 0 {
		api.WriteUnauthorized(w, "approving a promotion requires a principal")
		return
	}
	req, err := s.deps.Guard.Approve(r.Context(), chi.URLParam(r, "id"), actor)
	if err != nil {
		api.MapError(w, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, req)
}

func (s *Server) handlePromote(w http.ResponseWriter, r *http.Request) {
	actor := principalID(r)
	if actor == 0 {
		api.WriteUnauthorized(w, "promoting a component requires a principal")
		return
	}
	req, err := s.deps.Guard.Promote(r.Context(), chi.URLParam(r, "id"), actor)
	if err != nil {
		api.MapError(w, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, req)
}

type thresholdUpdateRequest struct {
	MinThreshold float64 `json:"min_threshold" validate:"gte=0,lte=1"`
	MaxDrop      float64 `json:"max_drop" validate:"gte=0,lte=1"`
	Enabled      bool    `json:"enabled"`
}

func (s *Server) handleUpdateThresholds(w http.ResponseWriter, r *http.Request) {
	actor := principalID(r)
	if actor == 0 {
		api.WriteUnauthorized(w, "updating thresholds requires a principal")
		return
	}
	var req thresholdUpdateRequest
	if err := decodeValid(w, r, &req); err != nil {
		api.MapError(w, err)
		return
	}
	threshold, err := s.deps.Guard.UpdateThresholds(r.Context(), actor, chi.URLParam(r, "component"), regression.ThresholdInput{
		MinThreshold: req.MinThreshold,
		MaxDrop:      req.MaxDrop,
		Enabled:      req.Enabled,
	})
	if err != nil {
		api.MapError(w, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, threshold)
}

func (s *Server) handleComponentVersions(w http.ResponseWriter, r *http.Request) {
	versions, err := s.deps.Guard.ActiveVersions(r.Context())
	if err != nil {
		api.MapError(w, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"versions": versions,
		"count":    len(versions),
	})
}
