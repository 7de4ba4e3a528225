package hydration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/gantrylabs/gantry/pkg/locks"
	"github.com/gantrylabs/gantry/pkg/policy"
	"github.com/gantrylabs/gantry/pkg/store"
)

// Authorizer gates scheduled runs through the policy engine.
type Authorizer interface {
	Evaluate(ctx context.Context, req *policy.Request) *policy.Decision
}

// SchedulerConfig carries the daily window, poll cadence, and the service
// identity scheduled runs act as.
type SchedulerConfig struct {
	// Hour and Minute fix the daily run window in Timezone.
	Hour   int
	Minute int
	// Timezone is an IANA zone name; empty means UTC.
	Timezone string
	// Poll is the cadence for checking due sources.
	Poll time.Duration
	// LockTTL bounds how long a scheduled run may hold the workspace lock.
	LockTTL time.Duration
	// ServiceUserID is the principal scheduled runs are authorized as.
	ServiceUserID int64
	// ForceFullScan makes scheduled runs ignore stored cursors.
	ForceFullScan bool
}

const schedulerFanout = 4

// Scheduler polls for sources whose next_run_at has arrived and runs the
// pipeline for their workspaces, one lock-guarded run per workspace.
type Scheduler struct {
	pipeline  *Pipeline
	authorize Authorizer
	logger    *slog.Logger
	now       func() time.Time

	hour      int
	minute    int
	loc       *time.Location
	poll      time.Duration
	lockTTL   time.Duration
	serviceID int64
	forceFull bool

	warnNoService sync.Once
}

// NewScheduler builds a scheduler over p. The config timezone must be a
// valid IANA name.
func NewScheduler(p *Pipeline, authorize Authorizer, cfg SchedulerConfig, logger *slog.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	loc := time.UTC
	if cfg.Timezone != "" {
		var err error
		loc, err = time.LoadLocation(cfg.Timezone)
		if err != nil {
			return nil, fmt.Errorf("load hydration timezone %q: %w", cfg.Timezone, err)
		}
	}
	poll := cfg.Poll
	if poll <= 0 {
		poll = time.Minute
	}
	lockTTL := cfg.LockTTL
	if lockTTL <= 0 {
		lockTTL = defaultLockTTL
	}
	return &Scheduler{
		pipeline:  p,
		authorize: authorize,
		logger:    logger.With("component", "hydration.scheduler"),
		now:       p.now,
		hour:      cfg.Hour,
		minute:    cfg.Minute,
		loc:       loc,
		poll:      poll,
		lockTTL:   lockTTL,
		serviceID: cfg.ServiceUserID,
		forceFull: cfg.ForceFullScan,
	}, nil
}

// Run polls until ctx is canceled. One pass runs immediately on start.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("hydration scheduler started",
		"window", fmt.Sprintf("%02d:%02d", s.hour, s.minute),
		"tz", s.loc.String(),
		"poll", s.poll,
	)
	ticker := time.NewTicker(s.poll)
	defer ticker.Stop()

	for {
		if err := s.Pass(ctx); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Error("scheduler pass failed", "error", err)
		}
		select {
		case <-ctx.Done():
			s.logger.Info("hydration scheduler stopped")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Pass runs one scheduling sweep: every source with next_run_at at or
// before now gets its workspace hydrated, workspaces fanned out with a
// bounded worker group.
func (s *Scheduler) Pass(ctx context.Context) error {
	due, err := s.pipeline.stores.Sources.ListDue(ctx, s.now())
	if err != nil {
		return fmt.Errorf("list due sources: %w", err)
	}
	if len(due) == 0 {
		return nil
	}

	byWorkspace := make(map[string][]store.WorkspaceSource)
	for _, src := range due {
		byWorkspace[src.WorkspaceID] = append(byWorkspace[src.WorkspaceID], src)
	}
	workspaces := make([]string, 0, len(byWorkspace))
	for ws := range byWorkspace {
		workspaces = append(workspaces, ws)
	}
	sort.Strings(workspaces)

	s.logger.Info("scheduling sweep", "due_sources", len(due), "workspaces", len(workspaces))

	var g errgroup.Group
	g.SetLimit(schedulerFanout)
	for _, ws := range workspaces {
		sources := byWorkspace[ws]
		g.Go(func() error {
			s.runWorkspace(ctx, ws, sources)
			return nil
		})
	}
	return g.Wait()
}

// runWorkspace authorizes, locks, and hydrates one workspace's due
// sources. Failures are logged and alerted; they never stop the sweep.
func (s *Scheduler) runWorkspace(ctx context.Context, workspaceID string, due []store.WorkspaceSource) {
	logger := s.logger.With("workspace_id", workspaceID)

	if s.serviceID == 0 {
		s.warnNoService.Do(func() {
			s.logger.Warn("no hydration service user configured, scheduled runs use principal 0")
		})
	}

	if s.authorize != nil {
		dec := s.authorize.Evaluate(ctx, &policy.Request{
			PrincipalID:  s.serviceID,
			Action:       "hydrate_scheduled",
			ResourceType: "workspace",
			ResourceID:   workspaceID,
		})
		if !dec.Allowed {
			logger.Warn("scheduled hydration denied", "reason", dec.Reason)
			for _, src := range due {
				msg := fmt.Sprintf("scheduled hydration denied: %s", dec.Reason)
				if err := s.pipeline.stores.States.MarkFailure(ctx, src.ID, msg); err != nil {
					logger.Warn("mark failure failed", "source_id", src.ID, "error", err)
				}
				s.reschedule(ctx, logger, src.ID)
			}
			s.pipeline.alert(ctx, workspaceID, nil, store.AlertAuth, "error",
				fmt.Sprintf("scheduled hydration for workspace %s denied: %s", workspaceID, dec.Reason))
			return
		}
	}

	lease, err := s.pipeline.locks.Acquire(ctx, locks.HydrationKey(workspaceID), s.lockTTL)
	if errors.Is(err, locks.ErrHeld) {
		// Another worker owns the run. next_run_at stays put so the next
		// sweep retries.
		logger.Info("hydration lock held elsewhere, deferring")
		return
	}
	if err != nil {
		logger.Error("lock acquire failed", "error", err)
		return
	}
	defer func() {
		if err := lease.Release(ctx); err != nil {
			logger.Warn("lease release failed", "error", err)
		}
	}()

	ids := make([]int64, len(due))
	for i, src := range due {
		ids[i] = src.ID
	}

	run, err := s.pipeline.HydrateWorkspace(ctx, workspaceID, RunOptions{
		Trigger:       store.TriggerScheduled,
		SourceIDs:     ids,
		ForceFullScan: s.forceFull,
		Lease:         lease,
	})
	if err != nil {
		logger.Error("scheduled hydration failed", "error", err)
	} else {
		logger.Info("scheduled hydration finished", "run_id", run.ID, "status", run.Status)
	}

	for _, src := range due {
		s.reschedule(ctx, logger, src.ID)
	}
}

func (s *Scheduler) reschedule(ctx context.Context, logger *slog.Logger, sourceID int64) {
	next := NextRunTime(s.now(), s.hour, s.minute, s.loc)
	if err := s.pipeline.stores.States.SetNextRun(ctx, sourceID, next); err != nil {
		logger.Warn("set next run failed", "source_id", sourceID, "error", err)
	}
}

// NextRunTime returns the next hour:minute occurrence in loc strictly
// after from, normalized to UTC.
func NextRunTime(from time.Time, hour, minute int, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	local := from.In(loc)
	next := time.Date(local.Year(), local.Month(), local.Day(), hour, minute, 0, 0, loc)
	if !next.After(local) {
		next = next.AddDate(0, 0, 1)
	}
	return next.UTC()
}
