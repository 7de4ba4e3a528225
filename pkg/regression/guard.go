// Package regression gates component promotions behind evaluation
// scores. A request moves requested -> pass|fail -> approved -> promoted;
// the guard owns that lifecycle and the PDP decides who may advance it.
package regression

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/gantrylabs/gantry/pkg/api"
	"github.com/gantrylabs/gantry/pkg/evaluation"
	"github.com/gantrylabs/gantry/pkg/observability"
	"github.com/gantrylabs/gantry/pkg/policy"
	"github.com/gantrylabs/gantry/pkg/store"
)

// Components eligible for gated promotion.
const (
	ComponentIntentRouter    = "intent_router"
	ComponentToolRouter      = "tool_router"
	ComponentULELinking      = "ule_linking"
	ComponentPDPPolicies     = "pdp_policies"
	ComponentPromptTemplates = "prompt_templates"
)

// componentSuites binds each component to the suite that scores it.
var componentSuites = map[string]string{
	ComponentIntentRouter:    evaluation.SuiteIntentRouting,
	ComponentToolRouter:      evaluation.SuiteToolRouting,
	ComponentULELinking:      evaluation.SuiteLinkQuality,
	ComponentPDPPolicies:     evaluation.SuitePolicyDecisions,
	ComponentPromptTemplates: evaluation.SuitePromptFidelity,
}

// Components lists the promotable components in sorted order.
func Components() []string {
	out := make([]string, 0, len(componentSuites))
	for c := range componentSuites {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// SuiteFor returns the evaluation suite scoring a component.
func SuiteFor(component string) (string, bool) {
	s, ok := componentSuites[component]
	return s, ok
}

// PDP actions gating the promotion lifecycle.
const (
	ActionApprove          = "regression.approve"
	ActionPromote          = "regression.promote"
	ActionUpdateThresholds = "regression.thresholds"
)

// DefaultBaselineTag is assumed for components never promoted before.
const DefaultBaselineTag = "baseline:v1"

const (
	defaultMinThreshold = 0.7
	defaultMaxDrop      = 0.02
)

// RequestStore is the slice of store.PromotionRepo the guard needs.
type RequestStore interface {
	Create(ctx context.Context, p *store.PromotionRequest) error
	Get(ctx context.Context, id string) (*store.PromotionRequest, error)
	List(ctx context.Context, component string, limit int) ([]store.PromotionRequest, error)
	SetStatus(ctx context.Context, id, status string) error
	Approve(ctx context.Context, id string, approvedBy int64) error
	Promote(ctx context.Context, id, component, candidateTag string) error
}

// CheckStore persists check results.
type CheckStore interface {
	Insert(ctx context.Context, c *store.RegressionCheck) error
	Latest(ctx context.Context, requestID string) (*store.RegressionCheck, error)
	ListByRequest(ctx context.Context, requestID string) ([]store.RegressionCheck, error)
}

// ThresholdStore persists per-component gate configuration.
type ThresholdStore interface {
	Get(ctx context.Context, component string) (*store.RegressionThreshold, error)
	Seed(ctx context.Context, t *store.RegressionThreshold) error
	Update(ctx context.Context, t *store.RegressionThreshold) error
}

// VersionStore persists the component -> active tag map.
type VersionStore interface {
	Get(ctx context.Context, component string) (*store.ComponentVersion, error)
	Ensure(ctx context.Context, component, tag string) (string, error)
	List(ctx context.Context) ([]store.ComponentVersion, error)
}

// Stores bundles the persistence the guard needs.
type Stores struct {
	Requests   RequestStore
	Checks     CheckStore
	Thresholds ThresholdStore
	Versions   VersionStore
}

// Harness runs one evaluation suite at a tag and reports the scored run.
type Harness interface {
	RunSuite(ctx context.Context, suiteName, tag string) (*store.EvaluationRun, error)
}

// Authorizer gates approvals and promotions through the PDP.
type Authorizer interface {
	Evaluate(ctx context.Context, req *policy.Request) *policy.Decision
}

// Guard owns the promotion lifecycle for the closed component set.
type Guard struct {
	stores    Stores
	harness   Harness
	authorize Authorizer
	logger    *slog.Logger
	obs       *observability.Provider
}

// Option adjusts guard construction.
type Option func(*Guard)

// WithObservability records spans and promotion counters on obs.
func WithObservability(obs *observability.Provider) Option {
	return func(g *Guard) { g.obs = obs }
}

func NewGuard(stores Stores, harness Harness, authorize Authorizer, logger *slog.Logger, opts ...Option) *Guard {
	if logger == nil {
		logger = slog.Default()
	}
	g := &Guard{
		stores:    stores,
		harness:   harness,
		authorize: authorize,
		logger:    logger.With("component", "regression"),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// CreateInput describes a new promotion request.
type CreateInput struct {
	Component    string
	CandidateTag string
	WorkspaceID  *string
	RequestedBy  *int64
}

// CreateRequest opens a promotion request. The component's baseline tag
// and gate thresholds are created on first use; the candidate tag must
// carry a version that advances the baseline.
func (g *Guard) CreateRequest(ctx context.Context, in CreateInput) (*store.PromotionRequest, error) {
	suiteName, ok := componentSuites[in.Component]
	if !ok {
		return nil, fmt.Errorf("%w: unknown component %q", api.ErrInvalidInput, in.Component)
	}
	if in.CandidateTag == "" {
		return nil, fmt.Errorf("%w: candidate tag is required", api.ErrInvalidInput)
	}

	baseline, err := g.stores.Versions.Ensure(ctx, in.Component, DefaultBaselineTag)
	if err != nil {
		return nil, err
	}
	if err := tagAdvances(baseline, in.CandidateTag); err != nil {
		return nil, err
	}

	if err := g.stores.Thresholds.Seed(ctx, &store.RegressionThreshold{
		Component:    in.Component,
		SuiteName:    suiteName,
		MinThreshold: defaultMinThreshold,
		MaxDrop:      defaultMaxDrop,
		Enabled:      true,
	}); err != nil {
		return nil, err
	}

	req := &store.PromotionRequest{
		ID:           uuid.NewString(),
		Component:    in.Component,
		BaselineTag:  baseline,
		CandidateTag: in.CandidateTag,
		Status:       store.PromotionRequested,
		WorkspaceID:  in.WorkspaceID,
		RequestedBy:  in.RequestedBy,
	}
	if err := g.stores.Requests.Create(ctx, req); err != nil {
		return nil, err
	}

	g.logger.Info("promotion requested",
		"request_id", req.ID,
		"component", req.Component,
		"baseline_tag", req.BaselineTag,
		"candidate_tag", req.CandidateTag,
	)
	g.recordPromotion(ctx, req.Component, store.PromotionRequested)
	return req, nil
}

// RunCheck scores the candidate against the baseline and gates on the
// component thresholds. Harness errors leave the request running so the
// check can be retried; a scored check always lands the request on pass
// or fail.
func (g *Guard) RunCheck(ctx context.Context, requestID string) (*store.RegressionCheck, error) {
	req, err := g.stores.Requests.Get(ctx, requestID)
	if err != nil {
		return nil, err
	}
	switch req.Status {
	case store.PromotionRequested, store.PromotionRunning, store.PromotionPass, store.PromotionFail:
	default:
		return nil, fmt.Errorf("%w: promotion %s is already %s", api.ErrConflict, req.ID, req.Status)
	}

	t, err := g.stores.Thresholds.Get(ctx, req.Component)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, fmt.Errorf("thresholds for component %s: %w", req.Component, api.ErrNotFound)
	}

	if err := g.stores.Requests.SetStatus(ctx, req.ID, store.PromotionRunning); err != nil {
		return nil, err
	}

	var done func(error)
	if g.obs != nil {
		ctx, done = g.obs.TrackOperation(ctx, "regression.check",
			attribute.String("component", req.Component),
			attribute.String("request_id", req.ID),
		)
	}

	check, err := g.scoreCheck(ctx, req, t)
	if done != nil {
		done(err)
	}
	if err != nil {
		g.logger.Error("regression check aborted", "request_id", req.ID, "error", err)
		return nil, err
	}

	status := store.PromotionFail
	if check.Passed {
		status = store.PromotionPass
	}
	if err := g.stores.Requests.SetStatus(ctx, req.ID, status); err != nil {
		return nil, err
	}

	g.logger.Info("regression check finished",
		"request_id", req.ID,
		"component", req.Component,
		"suite", check.SuiteName,
		"passed", check.Passed,
	)
	g.recordPromotion(ctx, req.Component, status)
	return check, nil
}

func (g *Guard) scoreCheck(ctx context.Context, req *store.PromotionRequest, t *store.RegressionThreshold) (*store.RegressionCheck, error) {
	check := &store.RegressionCheck{
		RequestID:    req.ID,
		SuiteName:    t.SuiteName,
		MinThreshold: t.MinThreshold,
		MaxDrop:      t.MaxDrop,
		Report:       store.JSONMap{},
	}

	if !t.Enabled {
		// A disabled gate records a passing check without scoring.
		check.Passed = true
		check.Report["gate_disabled"] = true
		if err := g.stores.Checks.Insert(ctx, check); err != nil {
			return nil, err
		}
		return check, nil
	}

	baseline, err := g.runScored(ctx, t.SuiteName, req.BaselineTag)
	if err != nil {
		return nil, fmt.Errorf("baseline run: %w", err)
	}
	candidate, err := g.runScored(ctx, t.SuiteName, req.CandidateTag)
	if err != nil {
		return nil, fmt.Errorf("candidate run: %w", err)
	}

	drop := *baseline.Score - *candidate.Score
	check.BaselineScore = baseline.Score
	check.CandidateScore = candidate.Score
	check.DropValue = &drop
	check.Passed = *candidate.Score >= t.MinThreshold && drop <= t.MaxDrop
	check.Report["baseline_run_id"] = baseline.ID
	check.Report["candidate_run_id"] = candidate.ID
	check.Report["cases_total"] = candidate.CasesTotal

	if err := g.stores.Checks.Insert(ctx, check); err != nil {
		return nil, err
	}
	return check, nil
}

// runScored runs the suite and requires a cleanly scored run.
func (g *Guard) runScored(ctx context.Context, suiteName, tag string) (*store.EvaluationRun, error) {
	run, err := g.harness.RunSuite(ctx, suiteName, tag)
	if err != nil {
		return nil, err
	}
	if run.Status != store.RunStatusSuccess || run.Score == nil {
		reason := "no score"
		if run.Error != nil {
			reason = *run.Error
		}
		return nil, fmt.Errorf("suite %s at %s: run %s is %s: %s", suiteName, tag, run.ID, run.Status, reason)
	}
	return run, nil
}

// Approve moves a passing request to approved. The PDP decides who may
// approve; the repository guards the pass -> approved transition.
func (g *Guard) Approve(ctx context.Context, requestID string, approvedBy int64) (*store.PromotionRequest, error) {
	req, err := g.stores.Requests.Get(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if err := g.authorizeAction(ctx, approvedBy, ActionApprove, req); err != nil {
		return nil, err
	}
	if err := g.stores.Requests.Approve(ctx, req.ID, approvedBy); err != nil {
		return nil, err
	}

	g.logger.Info("promotion approved",
		"request_id", req.ID,
		"component", req.Component,
		"approved_by", approvedBy,
	)
	g.recordPromotion(ctx, req.Component, store.PromotionApproved)
	return g.stores.Requests.Get(ctx, req.ID)
}

// Promote swaps the component's active tag to the candidate in one
// transaction. The request must be approved and its latest check passed.
func (g *Guard) Promote(ctx context.Context, requestID string, actorID int64) (*store.PromotionRequest, error) {
	req, err := g.stores.Requests.Get(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if err := g.authorizeAction(ctx, actorID, ActionPromote, req); err != nil {
		return nil, err
	}

	latest, err := g.stores.Checks.Latest(ctx, req.ID)
	if err != nil {
		return nil, err
	}
	if latest == nil || !latest.Passed {
		return nil, fmt.Errorf("%w: promotion %s has no passing check", api.ErrConflict, req.ID)
	}

	if err := g.stores.Requests.Promote(ctx, req.ID, req.Component, req.CandidateTag); err != nil {
		return nil, err
	}

	g.logger.Info("promotion completed",
		"request_id", req.ID,
		"component", req.Component,
		"tag", req.CandidateTag,
		"actor_id", actorID,
	)
	g.recordPromotion(ctx, req.Component, store.PromotionPromoted)
	return g.stores.Requests.Get(ctx, req.ID)
}

// ThresholdInput is the mutable slice of a component's gate.
type ThresholdInput struct {
	MinThreshold float64
	MaxDrop      float64
	Enabled      bool
}

// UpdateThresholds rewrites a component's gate configuration.
func (g *Guard) UpdateThresholds(ctx context.Context, actorID int64, component string, in ThresholdInput) (*store.RegressionThreshold, error) {
	suiteName, ok := componentSuites[component]
	if !ok {
		return nil, fmt.Errorf("%w: unknown component %q", api.ErrInvalidInput, component)
	}
	if in.MinThreshold < 0 || in.MinThreshold > 1 {
		return nil, fmt.Errorf("%w: min_threshold must be within [0, 1]", api.ErrInvalidInput)
	}
	if in.MaxDrop < 0 || in.MaxDrop > 1 {
		return nil, fmt.Errorf("%w: max_drop must be within [0, 1]", api.ErrInvalidInput)
	}
	if err := g.authorizeThresholds(ctx, actorID, component); err != nil {
		return nil, err
	}

	t := &store.RegressionThreshold{
		Component:    component,
		SuiteName:    suiteName,
		MinThreshold: in.MinThreshold,
		MaxDrop:      in.MaxDrop,
		Enabled:      in.Enabled,
	}
	// Seed first so components that never saw a request are updatable.
	if err := g.stores.Thresholds.Seed(ctx, t); err != nil {
		return nil, err
	}
	if err := g.stores.Thresholds.Update(ctx, t); err != nil {
		return nil, err
	}

	g.logger.Info("thresholds updated",
		"component", component,
		"min_threshold", in.MinThreshold,
		"max_drop", in.MaxDrop,
		"enabled", in.Enabled,
	)
	return t, nil
}

// GetRequest returns a request with its check history.
func (g *Guard) GetRequest(ctx context.Context, requestID string) (*store.PromotionRequest, []store.RegressionCheck, error) {
	req, err := g.stores.Requests.Get(ctx, requestID)
	if err != nil {
		return nil, nil, err
	}
	checks, err := g.stores.Checks.ListByRequest(ctx, requestID)
	if err != nil {
		return nil, nil, err
	}
	return req, checks, nil
}

// ListRequests lists promotion requests, optionally for one component.
func (g *Guard) ListRequests(ctx context.Context, component string, limit int) ([]store.PromotionRequest, error) {
	if component != "" {
		if _, ok := componentSuites[component]; !ok {
			return nil, fmt.Errorf("%w: unknown component %q", api.ErrInvalidInput, component)
		}
	}
	return g.stores.Requests.List(ctx, component, limit)
}

// ActiveVersions lists the current tag per component.
func (g *Guard) ActiveVersions(ctx context.Context) ([]store.ComponentVersion, error) {
	return g.stores.Versions.List(ctx)
}

func (g *Guard) authorizeAction(ctx context.Context, principalID int64, action string, req *store.PromotionRequest) error {
	pctx := map[string]interface{}{"component": req.Component}
	if req.WorkspaceID != nil {
		pctx["workspace_id"] = *req.WorkspaceID
	}
	return g.decide(ctx, &policy.Request{
		PrincipalID:  principalID,
		Action:       action,
		ResourceType: "promotion",
		ResourceID:   req.ID,
		Context:      pctx,
	})
}

func (g *Guard) authorizeThresholds(ctx context.Context, principalID int64, component string) error {
	return g.decide(ctx, &policy.Request{
		PrincipalID:  principalID,
		Action:       ActionUpdateThresholds,
		ResourceType: "regression_threshold",
		ResourceID:   component,
	})
}

func (g *Guard) decide(ctx context.Context, req *policy.Request) error {
	if g.authorize == nil {
		return fmt.Errorf("%w: no policy engine configured", api.ErrUnavailable)
	}
	dec := g.authorize.Evaluate(ctx, req)
	if dec == nil || !dec.Allowed {
		reason := "denied"
		if dec != nil && dec.Reason != "" {
			reason = dec.Reason
		}
		return fmt.Errorf("%w: %s", api.ErrForbidden, reason)
	}
	return nil
}

func (g *Guard) recordPromotion(ctx context.Context, component, status string) {
	if g.obs != nil {
		g.obs.RecordPromotion(ctx, component, status)
	}
}

// tagAdvances enforces tag ordering: the version suffix after the last
// colon must parse as semver and exceed the baseline's. Baselines without
// a parseable version do not constrain ordering.
func tagAdvances(baselineTag, candidateTag string) error {
	cand, err := tagVersion(candidateTag)
	if err != nil {
		return fmt.Errorf("%w: candidate tag %q: %v", api.ErrInvalidInput, candidateTag, err)
	}
	base, err := tagVersion(baselineTag)
	if err != nil {
		return nil
	}
	if !cand.GreaterThan(base) {
		return fmt.Errorf("%w: candidate tag %q does not advance baseline %q", api.ErrInvalidInput, candidateTag, baselineTag)
	}
	return nil
}

func tagVersion(tag string) (*semver.Version, error) {
	v := tag
	if i := strings.LastIndex(tag, ":"); i >= 0 {
		v = tag[i+1:]
	}
	return semver.NewVersion(v)
}
