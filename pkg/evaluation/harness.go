// Package evaluation scores system components against labeled ground
// truth. Suites register under stable names, the harness owns the run
// lifecycle and metric computation, and every outcome lands in the run
// table so the regression guard and alerting read from one place.
package evaluation

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/gantrylabs/gantry/pkg/api"
	"github.com/gantrylabs/gantry/pkg/observability"
	"github.com/gantrylabs/gantry/pkg/store"
)

// Suite scores one component build against labeled cases. Evaluate
// reports whether a single case passed; an error marks the case as
// errored without stopping the run.
type Suite interface {
	Name() string
	Evaluate(ctx context.Context, tag string, c store.GroundTruthCase) (bool, error)
}

// Registry holds the known suites.
type Registry struct {
	mu     sync.RWMutex
	suites map[string]Suite
}

func NewRegistry() *Registry {
	return &Registry{suites: make(map[string]Suite)}
}

// Register adds a suite. Re-registering a name is a conflict.
func (r *Registry) Register(s Suite) error {
	if s == nil || s.Name() == "" {
		return fmt.Errorf("%w: suite must carry a name", api.ErrInvalidInput)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.suites[s.Name()]; ok {
		return fmt.Errorf("%w: suite %s already registered", api.ErrConflict, s.Name())
	}
	r.suites[s.Name()] = s
	return nil
}

// Get returns the named suite.
func (r *Registry) Get(name string) (Suite, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.suites[name]
	return s, ok
}

// Names lists the registered suites in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.suites))
	for name := range r.suites {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// RunStore is the slice of store.EvalRunRepo the harness needs.
type RunStore interface {
	Create(ctx context.Context, run *store.EvaluationRun) error
	Finish(ctx context.Context, run *store.EvaluationRun) error
	CountFailedSince(ctx context.Context, suiteName string, since time.Time) (int, error)
}

// CaseStore resolves the labeled cases for a suite.
type CaseStore interface {
	ListBySuite(ctx context.Context, suiteName string) ([]store.GroundTruthCase, error)
}

// AlertStore receives threshold-breach alerts.
type AlertStore interface {
	Insert(ctx context.Context, alert *store.HydrationAlert) error
}

// SystemWorkspace scopes alerts that belong to no tenant workspace.
const SystemWorkspace = "system"

const (
	defaultAlertAfter  = 3
	defaultAlertWindow = 24 * time.Hour
)

// Harness runs suites and records their scores.
type Harness struct {
	registry *Registry
	runs     RunStore
	cases    CaseStore
	alerts   AlertStore
	logger   *slog.Logger
	obs      *observability.Provider
	now      func() time.Time

	alertAfter  int
	alertWindow time.Duration
}

// Option adjusts harness construction.
type Option func(*Harness)

// WithAlertPolicy overrides how many failed runs inside the window raise
// a system alert.
func WithAlertPolicy(failures int, window time.Duration) Option {
	return func(h *Harness) {
		if failures > 0 {
			h.alertAfter = failures
		}
		if window > 0 {
			h.alertWindow = window
		}
	}
}

// WithObservability records spans and counters on obs.
func WithObservability(obs *observability.Provider) Option {
	return func(h *Harness) { h.obs = obs }
}

// WithClock injects the time source.
func WithClock(now func() time.Time) Option {
	return func(h *Harness) { h.now = now }
}

func NewHarness(registry *Registry, runs RunStore, cases CaseStore, alerts AlertStore, logger *slog.Logger, opts ...Option) *Harness {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Harness{
		registry:    registry,
		runs:        runs,
		cases:       cases,
		alerts:      alerts,
		logger:      logger.With("component", "evaluation"),
		now:         func() time.Time { return time.Now().UTC() },
		alertAfter:  defaultAlertAfter,
		alertWindow: defaultAlertWindow,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// RunSuite evaluates every labeled case for the named suite at the given
// tag and records exactly one run. Case-level errors mark the run failed
// without stopping it; the returned run is the report either way, so a
// nil error does not mean the suite scored clean.
func (h *Harness) RunSuite(ctx context.Context, suiteName, tag string) (*store.EvaluationRun, error) {
	suite, ok := h.registry.Get(suiteName)
	if !ok {
		return nil, fmt.Errorf("%w: unknown suite %q", api.ErrInvalidInput, suiteName)
	}
	if tag == "" {
		tag = "live"
	}

	cases, err := h.cases.ListBySuite(ctx, suiteName)
	if err != nil {
		return nil, fmt.Errorf("resolve ground truth for %s: %w", suiteName, err)
	}
	if len(cases) == 0 {
		return nil, fmt.Errorf("%w: suite %s has no ground truth cases", api.ErrInvalidInput, suiteName)
	}

	run := &store.EvaluationRun{
		ID:        uuid.NewString(),
		SuiteName: suiteName,
		Tag:       tag,
		Status:    store.RunStatusRunning,
		Report:    store.JSONMap{},
	}
	if err := h.runs.Create(ctx, run); err != nil {
		return nil, err
	}

	var done func(error)
	if h.obs != nil {
		ctx, done = h.obs.TrackOperation(ctx, "evaluation.run",
			attribute.String("suite", suiteName),
			attribute.String("tag", tag),
		)
	}

	logger := h.logger.With("suite", suiteName, "tag", tag, "run_id", run.ID)

	var pass, errored, evaluated int
	var firstErr error
	for i := range cases {
		if err := ctx.Err(); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			break
		}
		c := cases[i]
		ok, err := suite.Evaluate(ctx, tag, c)
		evaluated++
		if err != nil {
			errored++
			if firstErr == nil {
				firstErr = fmt.Errorf("case %d: %w", c.ID, err)
			}
			logger.Warn("case errored", "case_id", c.ID, "error", err)
			continue
		}
		if ok {
			pass++
		}
	}

	// Unevaluated cases count against the score so an interrupted run
	// never looks better than a finished one.
	score := float64(pass) / float64(len(cases))
	run.Score = &score
	run.CasesTotal = len(cases)
	run.CasesPass = pass
	run.Status = store.RunStatusSuccess

	switch {
	case evaluated < len(cases):
		run.Status = store.RunStatusFailed
		msg := fmt.Sprintf("interrupted after %d of %d cases: %v", evaluated, len(cases), firstErr)
		run.Error = &msg
	case errored > 0:
		run.Status = store.RunStatusFailed
		msg := fmt.Sprintf("%d of %d cases errored: %v", errored, len(cases), firstErr)
		run.Error = &msg
		run.Report["cases_errored"] = errored
	}

	if err := h.runs.Finish(ctx, run); err != nil {
		if done != nil {
			done(err)
		}
		return nil, err
	}
	if done != nil {
		done(firstErr)
	}

	logger.Info("suite run finished",
		"status", run.Status,
		"score", score,
		"cases_total", run.CasesTotal,
		"cases_pass", run.CasesPass,
	)
	return run, nil
}

// RunAllSuites runs every registered suite at the tag, continuing past
// failures. Failed runs feed the alert policy; alerts carry the run id.
func (h *Harness) RunAllSuites(ctx context.Context, tag string) ([]store.EvaluationRun, error) {
	var out []store.EvaluationRun
	for _, name := range h.registry.Names() {
		run, err := h.RunSuite(ctx, name, tag)
		if err != nil {
			if ctx.Err() != nil {
				return out, ctx.Err()
			}
			h.logger.Error("suite run failed", "suite", name, "error", err)
			continue
		}
		out = append(out, *run)
		if run.Status == store.RunStatusFailed {
			h.alertOnFailures(ctx, run)
		}
	}
	return out, nil
}

// alertOnFailures raises one system alert when a suite's failed-run count
// inside the window reaches the policy threshold.
func (h *Harness) alertOnFailures(ctx context.Context, run *store.EvaluationRun) {
	if h.alerts == nil {
		return
	}
	since := h.now().Add(-h.alertWindow)
	n, err := h.runs.CountFailedSince(ctx, run.SuiteName, since)
	if err != nil {
		h.logger.Warn("failed-run count unavailable", "suite", run.SuiteName, "error", err)
		return
	}
	if n < h.alertAfter {
		return
	}
	alert := &store.HydrationAlert{
		WorkspaceID: SystemWorkspace,
		Severity:    "warning",
		Category:    store.AlertSystem,
		Message:     fmt.Sprintf("evaluation suite %s failed %d times in the last %s", run.SuiteName, n, h.alertWindow),
		RunID:       &run.ID,
	}
	if err := h.alerts.Insert(ctx, alert); err != nil {
		h.logger.Warn("alert insert failed", "suite", run.SuiteName, "error", err)
	}
}
