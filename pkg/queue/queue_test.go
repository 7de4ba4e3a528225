package queue

import (
	"context"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gantrylabs/gantry/pkg/api"
)

func newQueue(t *testing.T, opts Options) (*Queue, *miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return New(client, slog.Default(), opts), mr, client
}

func TestEnqueueRejectsUnknownJobType(t *testing.T) {
	q, _, _ := newQueue(t, Options{})
	_, err := q.Enqueue(context.Background(), &Envelope{JobType: "mystery"})
	assert.ErrorIs(t, err, api.ErrInvalidInput)
}

func TestEnqueueGeneratesCorrelationID(t *testing.T) {
	q, _, _ := newQueue(t, Options{})
	env := &Envelope{JobType: JobHydration}
	id, err := q.Enqueue(context.Background(), env)
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	assert.NotEmpty(t, env.Headers.CorrelationID)
	assert.False(t, env.EnqueuedAt.IsZero())
}

func TestProcessOnceDeliversAndAcks(t *testing.T) {
	q, _, client := newQueue(t, Options{})
	ctx := context.Background()

	in := &Envelope{
		JobType: JobHydration,
		Payload: json.RawMessage(`{"workspace_id":"ws-1","run_id":"r-1"}`),
		Headers: Headers{CorrelationID: "corr-1", WorkspaceID: "ws-1", UserID: "u-1"},
	}
	_, err := q.Enqueue(ctx, in)
	require.NoError(t, err)

	var got *Envelope
	handled, err := q.ProcessOnce(ctx, JobHydration, "worker-1", func(_ context.Context, env *Envelope) error {
		got = env
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, handled)

	require.NotNil(t, got)
	assert.Equal(t, JobHydration, got.JobType)
	assert.JSONEq(t, `{"workspace_id":"ws-1","run_id":"r-1"}`, string(got.Payload))
	assert.Equal(t, "corr-1", got.Headers.CorrelationID)
	assert.Equal(t, "ws-1", got.Headers.WorkspaceID)
	assert.Equal(t, "u-1", got.Headers.UserID)
	assert.Equal(t, int64(1), got.Deliveries)

	pend, err := client.XPending(ctx, q.stream(JobHydration), q.opts.Group).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(0), pend.Count)

	handled, err = q.ProcessOnce(ctx, JobHydration, "worker-1", func(context.Context, *Envelope) error { return nil })
	require.NoError(t, err)
	assert.Equal(t, 0, handled)
}

func TestDeliversOldestFirst(t *testing.T) {
	q, _, _ := newQueue(t, Options{})
	ctx := context.Background()

	for _, ws := range []string{"a", "b", "c"} {
		_, err := q.Enqueue(ctx, &Envelope{JobType: JobEvaluation, Headers: Headers{WorkspaceID: ws}})
		require.NoError(t, err)
	}

	var order []string
	handled, err := q.ProcessOnce(ctx, JobEvaluation, "worker-1", func(_ context.Context, env *Envelope) error {
		order = append(order, env.Headers.WorkspaceID)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, handled)
	assert.Equal(t, []string{"a", "b", "c"}, order)
}

func TestFailedJobRedelivered(t *testing.T) {
	q, mr, _ := newQueue(t, Options{ClaimMinIdle: time.Minute})
	ctx := context.Background()

	_, err := q.Enqueue(ctx, &Envelope{JobType: JobHydration, Headers: Headers{WorkspaceID: "ws-1"}})
	require.NoError(t, err)

	attempts := 0
	handler := func(_ context.Context, env *Envelope) error {
		attempts++
		if attempts == 1 {
			return assert.AnError
		}
		assert.GreaterOrEqual(t, env.Deliveries, int64(2))
		return nil
	}

	handled, err := q.ProcessOnce(ctx, JobHydration, "worker-1", handler)
	require.NoError(t, err)
	assert.Equal(t, 1, handled)

	// Not yet idle long enough to reclaim.
	handled, err = q.ProcessOnce(ctx, JobHydration, "worker-1", handler)
	require.NoError(t, err)
	assert.Equal(t, 0, handled)

	mr.FastForward(2 * time.Minute)

	handled, err = q.ProcessOnce(ctx, JobHydration, "worker-2", handler)
	require.NoError(t, err)
	assert.Equal(t, 1, handled)
	assert.Equal(t, 2, attempts)
}

func TestDeadLetterAfterMaxDeliveries(t *testing.T) {
	q, mr, client := newQueue(t, Options{ClaimMinIdle: time.Minute, MaxDeliveries: 2})
	ctx := context.Background()

	id, err := q.Enqueue(ctx, &Envelope{
		JobType: JobHydration,
		Payload: json.RawMessage(`{"workspace_id":"ws-9"}`),
		Headers: Headers{CorrelationID: "corr-9"},
	})
	require.NoError(t, err)

	failing := func(context.Context, *Envelope) error { return assert.AnError }

	_, err = q.ProcessOnce(ctx, JobHydration, "worker-1", failing)
	require.NoError(t, err)

	mr.FastForward(2 * time.Minute)
	_, err = q.ProcessOnce(ctx, JobHydration, "worker-1", failing)
	require.NoError(t, err)

	mr.FastForward(2 * time.Minute)
	handled, err := q.ProcessOnce(ctx, JobHydration, "worker-1", failing)
	require.NoError(t, err)
	assert.Equal(t, 0, handled)

	dead, err := q.DeadLetters(ctx, JobHydration, 10)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, id, dead[0].OriginID)
	assert.Equal(t, "corr-9", dead[0].Headers.CorrelationID)
	assert.JSONEq(t, `{"workspace_id":"ws-9"}`, string(dead[0].Payload))
	assert.Equal(t, int64(2), dead[0].Deliveries)

	n, err := client.XLen(ctx, q.stream(JobHydration)).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestHandlerPanicLeavesPending(t *testing.T) {
	q, _, client := newQueue(t, Options{ClaimMinIdle: time.Minute})
	ctx := context.Background()

	_, err := q.Enqueue(ctx, &Envelope{JobType: JobToolRun})
	require.NoError(t, err)

	handled, err := q.ProcessOnce(ctx, JobToolRun, "worker-1", func(context.Context, *Envelope) error {
		panic("boom")
	})
	require.NoError(t, err)
	assert.Equal(t, 1, handled)

	pend, err := client.XPending(ctx, q.stream(JobToolRun), q.opts.Group).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), pend.Count)
}

func TestConsumeProcessesAndStopsOnCancel(t *testing.T) {
	q, _, _ := newQueue(t, Options{Block: 50 * time.Millisecond, ClaimMinIdle: time.Minute})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan *Envelope, 1)
	errCh := make(chan error, 1)
	go func() {
		errCh <- q.Consume(ctx, JobHydration, "worker-1", func(_ context.Context, env *Envelope) error {
			got <- env
			return nil
		})
	}()

	_, err := q.Enqueue(context.Background(), &Envelope{JobType: JobHydration, Headers: Headers{WorkspaceID: "ws-1"}})
	require.NoError(t, err)

	select {
	case env := <-got:
		assert.Equal(t, "ws-1", env.Headers.WorkspaceID)
	case <-time.After(5 * time.Second):
		t.Fatal("handler was not invoked")
	}

	cancel()
	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("consume did not stop on cancel")
	}
}

func TestEnqueueUnavailableBackend(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	addr := mr.Addr()
	mr.Close()

	client := redis.NewClient(&redis.Options{Addr: addr, DialTimeout: 100 * time.Millisecond, MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })
	q := New(client, slog.Default(), Options{})

	_, err = q.Enqueue(context.Background(), &Envelope{JobType: JobHydration})
	assert.ErrorIs(t, err, api.ErrUnavailable)
}
