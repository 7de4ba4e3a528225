package hydration

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gantrylabs/gantry/pkg/locks"
	"github.com/gantrylabs/gantry/pkg/policy"
	"github.com/gantrylabs/gantry/pkg/store"
)

type stubAuthorizer struct {
	mu      sync.Mutex
	allowed bool
	reason  string
	got     []*policy.Request
}

func (a *stubAuthorizer) Evaluate(_ context.Context, req *policy.Request) *policy.Decision {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.got = append(a.got, req)
	return &policy.Decision{Allowed: a.allowed, Reason: a.reason}
}

func (a *stubAuthorizer) requests() []*policy.Request {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]*policy.Request(nil), a.got...)
}

func (e *pipelineEnv) markDue(ids ...int64) {
	e.sources.mu.Lock()
	defer e.sources.mu.Unlock()
	for _, id := range ids {
		for _, src := range e.sources.rows {
			if src.ID == id {
				e.sources.due = append(e.sources.due, src)
			}
		}
	}
}

func TestNextRunTime(t *testing.T) {
	utc3 := time.FixedZone("UTC+3", 3*3600)

	tests := []struct {
		name         string
		from         time.Time
		hour, minute int
		loc          *time.Location
		want         time.Time
	}{
		{
			name: "before window same local day",
			from: time.Date(2026, 1, 5, 12, 0, 0, 0, time.UTC),
			hour: 23, minute: 30, loc: utc3,
			want: time.Date(2026, 1, 5, 20, 30, 0, 0, time.UTC),
		},
		{
			name: "zone offset rolls the local day forward",
			from: time.Date(2026, 1, 5, 21, 0, 0, 0, time.UTC),
			hour: 23, minute: 30, loc: utc3,
			want: time.Date(2026, 1, 6, 20, 30, 0, 0, time.UTC),
		},
		{
			name: "exactly at the window goes to tomorrow",
			from: time.Date(2026, 1, 5, 2, 0, 0, 0, time.UTC),
			hour: 2, minute: 0, loc: time.UTC,
			want: time.Date(2026, 1, 6, 2, 0, 0, 0, time.UTC),
		},
		{
			name: "just before the window stays today",
			from: time.Date(2026, 1, 5, 1, 59, 59, 0, time.UTC),
			hour: 2, minute: 0, loc: time.UTC,
			want: time.Date(2026, 1, 5, 2, 0, 0, 0, time.UTC),
		},
		{
			name: "nil location means UTC",
			from: time.Date(2026, 1, 5, 3, 0, 0, 0, time.UTC),
			hour: 2, minute: 0, loc: nil,
			want: time.Date(2026, 1, 6, 2, 0, 0, 0, time.UTC),
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := NextRunTime(tc.from, tc.hour, tc.minute, tc.loc)
			assert.True(t, tc.want.Equal(got), "want %s, got %s", tc.want, got)
		})
	}
}

func TestNewSchedulerRejectsBadTimezone(t *testing.T) {
	env := newPipelineEnv(t)
	_, err := NewScheduler(env.pipe, nil, SchedulerConfig{Timezone: "Mars/Olympus"}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Mars/Olympus")
}

func TestSchedulerPassHydratesDueWorkspaces(t *testing.T) {
	fixed := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	env := newPipelineEnv(t, WithClock(func() time.Time { return fixed }))
	ctx := context.Background()
	env.addSource(1, "ws1", "site-docs", true)
	env.markDue(1)
	env.conn.addFile("f1", "a.txt", "alpha")

	auth := &stubAuthorizer{allowed: true}
	sched, err := NewScheduler(env.pipe, auth, SchedulerConfig{Hour: 2, Minute: 0, ServiceUserID: 42}, nil)
	require.NoError(t, err)

	require.NoError(t, sched.Pass(ctx))

	runs := env.runs.list()
	require.Len(t, runs, 1)
	assert.Equal(t, store.TriggerScheduled, runs[0].Trigger)
	assert.Equal(t, store.RunStatusSuccess, runs[0].Status)
	assert.Equal(t, 1, runs[0].FilesNew)

	reqs := auth.requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, int64(42), reqs[0].PrincipalID)
	assert.Equal(t, "hydrate_scheduled", reqs[0].Action)
	assert.Equal(t, "workspace", reqs[0].ResourceType)
	assert.Equal(t, "ws1", reqs[0].ResourceID)

	st := env.states.get(1)
	require.NotNil(t, st)
	require.NotNil(t, st.NextRunAt)
	assert.True(t, time.Date(2026, 3, 11, 2, 0, 0, 0, time.UTC).Equal(*st.NextRunAt))

	// The scheduler released its lease after the run.
	lease, err := env.lockMgr.Acquire(ctx, locks.HydrationKey("ws1"), time.Minute)
	require.NoError(t, err)
	require.NoError(t, lease.Release(ctx))
}

func TestSchedulerPassDeniedByPolicy(t *testing.T) {
	env := newPipelineEnv(t)
	ctx := context.Background()
	env.addSource(1, "ws1", "site-docs", true)
	env.markDue(1)
	env.conn.addFile("f1", "a.txt", "alpha")

	auth := &stubAuthorizer{allowed: false, reason: "workspace suspended"}
	sched, err := NewScheduler(env.pipe, auth, SchedulerConfig{Hour: 2, Minute: 0, ServiceUserID: 42}, nil)
	require.NoError(t, err)

	require.NoError(t, sched.Pass(ctx))

	assert.Empty(t, env.runs.list(), "denied workspaces run nothing")

	st := env.states.get(1)
	require.NotNil(t, st)
	assert.Equal(t, 1, st.ConsecutiveFailures)
	require.NotNil(t, st.LastError)
	assert.Contains(t, *st.LastError, "workspace suspended")
	assert.NotNil(t, st.NextRunAt, "denied sources still reschedule")

	alerts := env.alerts.byCategory(store.AlertAuth)
	require.Len(t, alerts, 1)
	assert.Equal(t, "error", alerts[0].Severity)
}

func TestSchedulerPassDefersWhenLockHeld(t *testing.T) {
	env := newPipelineEnv(t)
	ctx := context.Background()
	env.addSource(1, "ws1", "site-docs", true)
	env.markDue(1)

	_, err := env.lockMgr.Acquire(ctx, locks.HydrationKey("ws1"), time.Minute)
	require.NoError(t, err)

	sched, err := NewScheduler(env.pipe, nil, SchedulerConfig{Hour: 2, Minute: 0}, nil)
	require.NoError(t, err)
	require.NoError(t, sched.Pass(ctx))

	assert.Empty(t, env.runs.list())
	// No reschedule: next_run_at stays put so the next sweep retries.
	assert.Nil(t, env.states.get(1))
}

func TestSchedulerPassNoDueSources(t *testing.T) {
	env := newPipelineEnv(t)
	sched, err := NewScheduler(env.pipe, nil, SchedulerConfig{}, nil)
	require.NoError(t, err)
	require.NoError(t, sched.Pass(context.Background()))
	assert.Empty(t, env.runs.list())
}

func TestSchedulerPassFansOutWorkspaces(t *testing.T) {
	env := newPipelineEnv(t)
	ctx := context.Background()
	env.addSource(1, "ws1", "first", true)
	env.addSource(2, "ws2", "second", true)
	env.markDue(1, 2)
	env.conn.addFile("f1", "a.txt", "alpha")

	sched, err := NewScheduler(env.pipe, nil, SchedulerConfig{Hour: 2, Minute: 0}, nil)
	require.NoError(t, err)
	require.NoError(t, sched.Pass(ctx))

	runs := env.runs.list()
	require.Len(t, runs, 2)
	seen := map[string]bool{}
	for _, r := range runs {
		seen[r.WorkspaceID] = true
		assert.Equal(t, store.RunStatusSuccess, r.Status)
	}
	assert.True(t, seen["ws1"])
	assert.True(t, seen["ws2"])
}
