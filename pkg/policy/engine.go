// Package policy implements the decision point that fronts every
// governed operation: rate limiting, content scanning, role and project
// access checks, and a configurable rule chain, with one audit record per
// evaluation.
package policy

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gantrylabs/gantry/pkg/audit"
	"github.com/gantrylabs/gantry/pkg/canonicalize"
	"github.com/gantrylabs/gantry/pkg/ratelimit"
	"github.com/gantrylabs/gantry/pkg/scanner"
	"github.com/gantrylabs/gantry/pkg/store"
)

// Request is one authorization question.
type Request struct {
	PrincipalID  int64                  `json:"principal_id" validate:"required,gt=0"`
	Action       string                 `json:"action" validate:"required"`
	ResourceType string                 `json:"resource_type" validate:"required"`
	ResourceID   string                 `json:"resource_id,omitempty"`
	Context      map[string]interface{} `json:"context,omitempty"`
}

// ProjectID reads the project scope from the request context. Both JSON
// numbers and stringified ids are accepted.
func (r *Request) ProjectID() (int64, bool) {
	switch v := r.Context["project_id"].(type) {
	case float64:
		return int64(v), true
	case int64:
		return v, true
	case int:
		return int64(v), true
	default:
		return 0, false
	}
}

// Endpoint is the rate-limit bucket for this request: context.endpoint
// when set, the resource type otherwise.
func (r *Request) Endpoint() string {
	if ep, ok := r.Context["endpoint"].(string); ok && ep != "" {
		return ep
	}
	return r.ResourceType
}

// Resource renders the resource reference bound into the decision hash.
func (r *Request) Resource() string {
	if r.ResourceID != "" {
		return r.ResourceType + "/" + r.ResourceID
	}
	return r.ResourceType
}

// Decision is the engine's answer. DecisionHash is the SHA-256 of the
// JCS-canonical {principal, action, resource, allowed, reason} so callers
// can bind the decision into receipts.
type Decision struct {
	Allowed       bool     `json:"allowed"`
	Reason        string   `json:"reason"`
	Conditions    []string `json:"conditions,omitempty"`
	AuditRequired bool     `json:"audit_required"`
	DecisionHash  string   `json:"decision_hash,omitempty"`
}

// Engine is the policy decision point. One instance serves all requests;
// the rule chain reloads under a read-write lock.
type Engine struct {
	limiter    *ratelimit.Limiter
	scanner    *scanner.Scanner
	audit      *audit.Logger
	policies   *store.PolicyRepo
	principals *store.PrincipalRepo
	acls       *store.ACLRepo
	logger     *slog.Logger
	now        func() time.Time

	roleRule    *RoleBasedRule
	projectRule *ProjectAccessRule
	geofence    *GeofenceRule

	mu    sync.RWMutex
	chain []Rule

	loadWarn sync.Once
}

// Option tweaks engine construction.
type Option func(*Engine)

// WithGeofence sets the built-in geofence lists for the default chain.
func WithGeofence(allowPrefixes, blockPrefixes []string) Option {
	return func(e *Engine) {
		e.geofence = &GeofenceRule{AllowPrefixes: allowPrefixes, BlockPrefixes: blockPrefixes}
	}
}

// WithClock injects the time source used by temporal rules.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// New assembles the engine and loads the policy chain. A missing or
// unreadable policies table leaves the default chain in place with a
// one-shot warning so bootstrap can proceed.
func New(
	ctx context.Context,
	limiter *ratelimit.Limiter,
	contentScanner *scanner.Scanner,
	auditLogger *audit.Logger,
	policies *store.PolicyRepo,
	principals *store.PrincipalRepo,
	acls *store.ACLRepo,
	logger *slog.Logger,
	opts ...Option,
) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		limiter:     limiter,
		scanner:     contentScanner,
		audit:       auditLogger,
		policies:    policies,
		principals:  principals,
		acls:        acls,
		logger:      logger.With("component", "policy"),
		now:         time.Now,
		roleRule:    NewRoleBasedRule(principals),
		projectRule: NewProjectAccessRule(acls, principals),
		geofence:    &GeofenceRule{},
	}
	for _, opt := range opts {
		opt(e)
	}
	e.chain = e.defaultChain()
	if err := e.Refresh(ctx); err != nil {
		e.loadWarn.Do(func() {
			e.logger.Warn("policy chain load failed, using default chain", "error", err)
		})
	}
	return e
}

// defaultChain is the built-in rule sequence for step four of every
// evaluation: classification, temporal, geofence.
func (e *Engine) defaultChain() []Rule {
	temporal := &TimeBasedRule{Location: time.UTC, now: e.now}
	return []Rule{
		NewDataClassificationRule(e.principals),
		temporal,
		e.geofence,
	}
}

// Refresh reloads the rule chain from the policies table. Enabled rows
// sort by priority descending; rows of a chain type replace their default
// counterpart, and defaults of untouched types stay appended so the
// built-in chain never disappears. Rows that fail to parse are skipped
// with a warning.
func (e *Engine) Refresh(ctx context.Context) error {
	rows, err := e.policies.ListEnabled(ctx)
	if err != nil {
		return fmt.Errorf("refresh policies: %w", err)
	}

	chain := make([]Rule, 0, len(rows)+3)
	replaced := map[string]bool{}
	for _, row := range rows {
		rule, err := e.buildRule(&row)
		if err != nil {
			e.logger.Warn("skipping unparseable policy", "policy", row.Name, "type", row.Type, "error", err)
			continue
		}
		if rule == nil {
			continue
		}
		chain = append(chain, rule)
		replaced[row.Type] = true
	}
	if !replaced[store.PolicyTypeClassification] {
		chain = append(chain, NewDataClassificationRule(e.principals))
	}
	if !replaced[store.PolicyTypeTemporal] {
		chain = append(chain, &TimeBasedRule{Location: time.UTC, now: e.now})
	}
	chain = append(chain, e.geofence)

	e.mu.Lock()
	e.chain = chain
	e.mu.Unlock()
	e.logger.Info("policy chain loaded", "rules", len(chain), "policies", len(rows))
	return nil
}

// buildRule instantiates the rule a policy row describes. Types already
// covered by the engine's fixed steps (rbac, content, rate_limit) come
// back as check-only chain members.
func (e *Engine) buildRule(row *store.Policy) (Rule, error) {
	switch row.Type {
	case store.PolicyTypeRBAC:
		return e.roleRule, nil
	case store.PolicyTypeABAC:
		expr, _ := row.Rules["expression"].(string)
		return NewCELRule(row.Name, expr)
	case store.PolicyTypeContent:
		return NewContentProhibitionRule(e.scanner), nil
	case store.PolicyTypeRateLimit:
		return NewRateLimitRule(e.limiter), nil
	case store.PolicyTypeClassification:
		return NewDataClassificationRule(e.principals), nil
	case store.PolicyTypeTemporal:
		rule, err := NewTimeBasedRule(row.Rules)
		if err != nil {
			return nil, err
		}
		rule.now = e.now
		return rule, nil
	default:
		return nil, fmt.Errorf("unknown policy type %q", row.Type)
	}
}

// Evaluate answers the request. The order is fixed: rate limit (with the
// evaluation's single counter increment), content scan, role and project
// access, then the rule chain. The first denial wins. Exactly one audit
// record is written per call, errors and panics included.
func (e *Engine) Evaluate(ctx context.Context, req *Request) *Decision {
	dec := e.evaluate(ctx, req)
	dec.AuditRequired = true
	dec.DecisionHash = e.decisionHash(req, dec)
	e.writeAudit(ctx, req, dec)
	return dec
}

func (e *Engine) evaluate(ctx context.Context, req *Request) (dec *Decision) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("policy evaluation panicked",
				"action", req.Action,
				"principal_id", req.PrincipalID,
				"panic", r,
			)
			dec = &Decision{
				Allowed: false,
				Reason:  fmt.Sprintf("Policy evaluation error: %v", r),
			}
		}
	}()

	if req.PrincipalID <= 0 || req.Action == "" || req.ResourceType == "" {
		return &Decision{Allowed: false, Reason: "Policy evaluation error: principal, action, and resource_type are required"}
	}

	// Step 1: rate limit. Allow both checks and consumes quota; this is
	// the only increment in the evaluation.
	status, err := e.limiter.Allow(ctx, req.PrincipalID, req.Endpoint())
	if err != nil {
		return e.errorDecision(req, fmt.Errorf("rate limit: %w", err))
	}
	if !status.Allowed {
		return &Decision{
			Allowed: false,
			Reason:  fmt.Sprintf("Rate limit exceeded for %s", status.Endpoint),
			Conditions: []string{
				fmt.Sprintf("endpoint=%s", status.Endpoint),
				fmt.Sprintf("remaining=%d", status.Remaining),
			},
		}
	}

	// Step 2: content scan, only when the request carries content.
	if content, ok := req.Context["content"].(string); ok && content != "" {
		result := e.scanner.Scan(ctx, content)
		if result.Severity == scanner.SeverityHigh || result.Severity == scanner.SeverityCritical {
			return &Decision{
				Allowed:    false,
				Reason:     fmt.Sprintf("Content policy violations detected: %d", len(result.Violations)),
				Conditions: []string{fmt.Sprintf("severity=%s", result.Severity)},
			}
		}
	}

	// Step 3: access control.
	res, err := e.roleRule.Evaluate(ctx, req)
	if err != nil {
		return e.errorDecision(req, err)
	}
	if !res.Allowed {
		return &Decision{Allowed: false, Reason: res.Reason}
	}
	res, err = e.projectRule.Evaluate(ctx, req)
	if err != nil {
		return e.errorDecision(req, err)
	}
	if !res.Allowed {
		return &Decision{Allowed: false, Reason: res.Reason}
	}

	// Step 4: the rule chain. Pass reasons accumulate as conditions.
	e.mu.RLock()
	chain := e.chain
	e.mu.RUnlock()

	var conditions []string
	for _, rule := range chain {
		res, err := rule.Evaluate(ctx, req)
		if err != nil {
			return e.errorDecision(req, fmt.Errorf("%s: %w", rule.Name(), err))
		}
		if !res.Allowed {
			return &Decision{Allowed: false, Reason: res.Reason, Conditions: conditions}
		}
		conditions = append(conditions, res.Reason)
	}

	return &Decision{Allowed: true, Reason: "Access granted", Conditions: conditions}
}

func (e *Engine) errorDecision(req *Request, err error) *Decision {
	e.logger.Error("policy evaluation failed",
		"action", req.Action,
		"principal_id", req.PrincipalID,
		"error", err,
	)
	return &Decision{
		Allowed: false,
		Reason:  fmt.Sprintf("Policy evaluation error: %v", err),
	}
}

// decisionHash binds principal, action, resource, and outcome into a
// deterministic receipt reference.
func (e *Engine) decisionHash(req *Request, dec *Decision) string {
	input := struct {
		Principal int64  `json:"principal"`
		Action    string `json:"action"`
		Resource  string `json:"resource"`
		Allowed   bool   `json:"allowed"`
		Reason    string `json:"reason"`
	}{req.PrincipalID, req.Action, req.Resource(), dec.Allowed, dec.Reason}

	canonical, err := canonicalize.JCS(input)
	if err != nil {
		e.logger.Error("decision hash canonicalization failed", "error", err)
		return ""
	}
	return canonicalize.HashPrefixed(canonical)
}

// writeAudit records the evaluation outcome. Rate-limit denials keep
// their own decision value so the audit trail distinguishes throttling
// from policy denials.
func (e *Engine) writeAudit(ctx context.Context, req *Request, dec *Decision) {
	decision := store.DecisionDeny
	switch {
	case dec.Allowed:
		decision = store.DecisionAllow
	case strings.HasPrefix(dec.Reason, "Rate limit exceeded"):
		decision = store.DecisionRateLimitExceeded
	}

	metadata := store.JSONMap{
		"reason":        dec.Reason,
		"endpoint":      req.Endpoint(),
		"decision_hash": dec.DecisionHash,
	}
	if len(dec.Conditions) > 0 {
		metadata["conditions"] = dec.Conditions
	}

	entry := audit.Entry{
		PrincipalID:  &req.PrincipalID,
		Action:       req.Action,
		ResourceType: &req.ResourceType,
		Decision:     decision,
		Metadata:     metadata,
	}
	if req.ResourceID != "" {
		entry.ResourceID = &req.ResourceID
	}
	if ip, ok := req.Context["ip_address"].(string); ok && ip != "" {
		entry.IP = &ip
	}

	if _, err := e.audit.Log(ctx, entry); err != nil {
		e.logger.Error("audit write failed",
			"action", req.Action,
			"decision", decision,
			"error", err,
		)
	}
}
