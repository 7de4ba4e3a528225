package server

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/gantrylabs/gantry/pkg/api"
	"github.com/gantrylabs/gantry/pkg/policy"
	"github.com/gantrylabs/gantry/pkg/store"
)

func (s *Server) mountPDP(r chi.Router) {
	r.Post("/evaluate", s.handleEvaluate)
	r.Get("/users/{id}/permissions", s.handlePermissions)
	r.Post("/access/grant", s.handleGrant)
	r.Delete("/access/revoke", s.handleRevoke)
	r.Get("/rate-limit/{user}/{endpoint}", s.handleRateLimitStatus)
	r.Post("/scan", s.handleScan)
	r.Get("/audit-trail", s.handleAuditTrail)
	r.Get("/audit-trail/stats", s.handleAuditStats)
	r.Get("/audit-trail/export", s.handleAuditExport)
	r.Post("/audit-trail/verify", s.handleAuditVerify)
	r.Route("/policies", func(r chi.Router) {
		r.Get("/", s.handleListPolicies)
		r.Post("/", s.handleCreatePolicy)
		r.Get("/{id}", s.handleGetPolicy)
		r.Put("/{id}", s.handleUpdatePolicy)
		r.Delete("/{id}", s.handleDeletePolicy)
	})
}

// handleEvaluate answers an explicit authorization question. Denials are
// values here, not errors: the response is always 200 with the decision.
func (s *Server) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	var req policy.Request
	if err := decodeValid(w, r, &req); err != nil {
		api.MapError(w, err)
		return
	}
	dec := s.deps.Engine.Evaluate(r.Context(), &req)
	api.WriteJSON(w, http.StatusOK, dec)
}

func (s *Server) handlePermissions(w http.ResponseWriter, r *http.Request) {
	id, err := int64Param(r, "id")
	if err != nil {
		api.MapError(w, err)
		return
	}
	projectID, err := intQuery(r, "project_id")
	if err != nil {
		api.MapError(w, err)
		return
	}
	if projectID <= 0 {
		api.MapError(w, fmt.Errorf("%w: project_id query parameter is required", api.ErrInvalidInput))
		return
	}
	perms, err := s.deps.ACL.Permissions(r.Context(), id, int64(projectID))
	if err != nil {
		api.MapError(w, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"principal_id": id,
		"project_id":   projectID,
		"permissions":  perms,
	})
}

type grantRequest struct {
	PrincipalID int64      `json:"principal_id" validate:"required,gt=0"`
	ProjectID   int64      `json:"project_id" validate:"required,gt=0"`
	Role        string     `json:"role" validate:"required"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
}

func (s *Server) handleGrant(w http.ResponseWriter, r *http.Request) {
	var req grantRequest
	if err := decodeValid(w, r, &req); err != nil {
		api.MapError(w, err)
		return
	}
	var grantedBy *int64
	if actor := principalID(r); actor > 0 {
		grantedBy = &actor
	}
	entry, err := s.deps.ACL.Grant(r.Context(), req.PrincipalID, req.ProjectID, req.Role, grantedBy, req.ExpiresAt)
	if err != nil {
		api.MapError(w, err)
		return
	}
	api.WriteJSON(w, http.StatusCreated, entry)
}

type revokeRequest struct {
	PrincipalID int64 `json:"principal_id" validate:"required,gt=0"`
	ProjectID   int64 `json:"project_id" validate:"required,gt=0"`
}

func (s *Server) handleRevoke(w http.ResponseWriter, r *http.Request) {
	var req revokeRequest
	if err := decodeValid(w, r, &req); err != nil {
		api.MapError(w, err)
		return
	}
	found, err := s.deps.ACL.Revoke(r.Context(), req.PrincipalID, req.ProjectID)
	if err != nil {
		api.MapError(w, err)
		return
	}
	if !found {
		api.WriteNotFound(w, fmt.Sprintf("no grant for principal %d on project %d", req.PrincipalID, req.ProjectID))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleRateLimitStatus reports the caller's window without consuming
// quota.
func (s *Server) handleRateLimitStatus(w http.ResponseWriter, r *http.Request) {
	user, err := int64Param(r, "user")
	if err != nil {
		api.MapError(w, err)
		return
	}
	endpoint := chi.URLParam(r, "endpoint")
	status, err := s.deps.Limiter.Check(r.Context(), user, endpoint)
	if err != nil {
		api.MapError(w, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, status)
}

type scanRequest struct {
	// Text may be empty; empty input scans as safe.
	Text string `json:"text"`
}

func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	var req scanRequest
	if err := decodeValid(w, r, &req); err != nil {
		api.MapError(w, err)
		return
	}
	res := s.deps.Scanner.Scan(r.Context(), req.Text)
	api.WriteJSON(w, http.StatusOK, res)
}

// auditFilterFrom builds the repository filter from query parameters.
func auditFilterFrom(r *http.Request) (store.AuditFilter, error) {
	q := r.URL.Query()
	f := store.AuditFilter{
		Action:       q.Get("action"),
		ResourceType: q.Get("resource_type"),
		ResourceID:   q.Get("resource_id"),
		Decision:     q.Get("decision"),
	}
	if raw := q.Get("principal_id"); raw != "" {
		id, err := intQuery(r, "principal_id")
		if err != nil {
			return f, err
		}
		pid := int64(id)
		f.PrincipalID = &pid
	}
	var err error
	if f.From, err = timeQuery(r, "from"); err != nil {
		return f, err
	}
	if f.To, err = timeQuery(r, "to"); err != nil {
		return f, err
	}
	if f.Limit, err = intQuery(r, "limit"); err != nil {
		return f, err
	}
	if f.Offset, err = intQuery(r, "offset"); err != nil {
		return f, err
	}
	return f, nil
}

func (s *Server) handleAuditTrail(w http.ResponseWriter, r *http.Request) {
	f, err := auditFilterFrom(r)
	if err != nil {
		api.MapError(w, err)
		return
	}
	entries, err := s.deps.Audit.Query(r.Context(), f)
	if err != nil {
		api.MapError(w, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"entries": entries,
		"count":   len(entries),
	})
}

func (s *Server) handleAuditStats(w http.ResponseWriter, r *http.Request) {
	from, err := timeQuery(r, "from")
	if err != nil {
		api.MapError(w, err)
		return
	}
	to, err := timeQuery(r, "to")
	if err != nil {
		api.MapError(w, err)
		return
	}
	stats, err := s.deps.Audit.Stats(r.Context(), from, to)
	if err != nil {
		api.MapError(w, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, stats)
}

func (s *Server) handleAuditExport(w http.ResponseWriter, r *http.Request) {
	f, err := auditFilterFrom(r)
	if err != nil {
		api.MapError(w, err)
		return
	}
	bundle, err := s.deps.Audit.Export(r.Context(), f)
	if err != nil {
		api.MapError(w, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, bundle)
}

func (s *Server) handleAuditVerify(w http.ResponseWriter, r *http.Request) {
	report, err := s.deps.Audit.VerifyChain(r.Context())
	if err != nil {
		api.MapError(w, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, report)
}

type policyRequest struct {
	Name     string        `json:"name" validate:"required"`
	Type     string        `json:"type" validate:"required"`
	Rules    store.JSONMap `json:"rules"`
	Enabled  *bool         `json:"enabled,omitempty"`
	Priority int           `json:"priority"`
}

// validatePolicyRules rejects rows the engine would skip on load, so bad
// policies fail at write time instead of silently dropping out of the
// chain.
func validatePolicyRules(p *store.Policy) error {
	switch p.Type {
	case store.PolicyTypeRBAC, store.PolicyTypeContent, store.PolicyTypeRateLimit, store.PolicyTypeClassification:
		return nil
	case store.PolicyTypeABAC:
		expr, _ := p.Rules["expression"].(string)
		if _, err := policy.NewCELRule(p.Name, expr); err != nil {
			return fmt.Errorf("%w: %v", api.ErrInvalidInput, err)
		}
		return nil
	case store.PolicyTypeTemporal:
		if _, err := policy.NewTimeBasedRule(p.Rules); err != nil {
			return fmt.Errorf("%w: %v", api.ErrInvalidInput, err)
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown policy type %q", api.ErrInvalidInput, p.Type)
	}
}

// refreshPolicies reloads the engine chain after a policy mutation. The
// write already succeeded, so a reload failure is logged and the old
// chain keeps serving until the next refresh.
func (s *Server) refreshPolicies(r *http.Request) {
	if err := s.deps.Engine.Refresh(r.Context()); err != nil {
		s.logger.Error("policy refresh failed", "error", err)
	}
}

func (s *Server) handleListPolicies(w http.ResponseWriter, r *http.Request) {
	policies, err := s.deps.Policies.List(r.Context())
	if err != nil {
		api.MapError(w, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"policies": policies,
		"count":    len(policies),
	})
}

func (s *Server) handleCreatePolicy(w http.ResponseWriter, r *http.Request) {
	var req policyRequest
	if err := decodeValid(w, r, &req); err != nil {
		api.MapError(w, err)
		return
	}
	p := &store.Policy{
		Name:     req.Name,
		Type:     req.Type,
		Rules:    req.Rules,
		Enabled:  true,
		Priority: req.Priority,
	}
	if req.Enabled != nil {
		p.Enabled = *req.Enabled
	}
	if p.Rules == nil {
		p.Rules = store.JSONMap{}
	}
	if err := validatePolicyRules(p); err != nil {
		api.MapError(w, err)
		return
	}
	if err := s.deps.Policies.Create(r.Context(), p); err != nil {
		api.MapError(w, err)
		return
	}
	s.refreshPolicies(r)
	api.WriteJSON(w, http.StatusCreated, p)
}

func (s *Server) handleGetPolicy(w http.ResponseWriter, r *http.Request) {
	id, err := int64Param(r, "id")
	if err != nil {
		api.MapError(w, err)
		return
	}
	p, err := s.deps.Policies.GetByID(r.Context(), id)
	if err != nil {
		api.MapError(w, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, p)
}

func (s *Server) handleUpdatePolicy(w http.ResponseWriter, r *http.Request) {
	id, err := int64Param(r, "id")
	if err != nil {
		api.MapError(w, err)
		return
	}
	var req policyRequest
	if err := decodeValid(w, r, &req); err != nil {
		api.MapError(w, err)
		return
	}
	p, err := s.deps.Policies.GetByID(r.Context(), id)
	if err != nil {
		api.MapError(w, err)
		return
	}
	p.Name = req.Name
	p.Type = req.Type
	p.Rules = req.Rules
	p.Priority = req.Priority
	if p.Rules == nil {
		p.Rules = store.JSONMap{}
	}
	if req.Enabled != nil {
		p.Enabled = *req.Enabled
	}
	if err := validatePolicyRules(p); err != nil {
		api.MapError(w, err)
		return
	}
	if err := s.deps.Policies.Update(r.Context(), p); err != nil {
		api.MapError(w, err)
		return
	}
	s.refreshPolicies(r)
	api.WriteJSON(w, http.StatusOK, p)
}

func (s *Server) handleDeletePolicy(w http.ResponseWriter, r *http.Request) {
	id, err := int64Param(r, "id")
	if err != nil {
		api.MapError(w, err)
		return
	}
	if err := s.deps.Policies.Delete(r.Context(), id); err != nil {
		api.MapError(w, err)
		return
	}
	s.refreshPolicies(r)
	w.WriteHeader(http.StatusNoContent)
}
