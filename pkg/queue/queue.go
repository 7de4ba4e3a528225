// Package queue implements the job queue on Redis streams with consumer
// groups. Delivery is at-least-once and ordered per job type; handlers
// must be idempotent. Messages that exhaust their delivery budget move
// to a dead-letter stream for inspection.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/gantrylabs/gantry/pkg/api"
)

// JobType identifies the handler family for an envelope.
type JobType string

const (
	JobHydration  JobType = "hydration"
	JobLearning   JobType = "learning"
	JobEvaluation JobType = "evaluation"
	JobToolRun    JobType = "tool_run"
)

var jobTypes = map[JobType]bool{
	JobHydration:  true,
	JobLearning:   true,
	JobEvaluation: true,
	JobToolRun:    true,
}

// ValidJobType reports whether t is a known job type.
func ValidJobType(t JobType) bool { return jobTypes[t] }

// Headers carry request correlation through the queue into handlers and
// audit records.
type Headers struct {
	CorrelationID string `json:"correlation_id"`
	WorkspaceID   string `json:"workspace_id,omitempty"`
	UserID        string `json:"user_id,omitempty"`
}

// Envelope is one queued job. ID and Deliveries are set on delivery.
type Envelope struct {
	ID         string          `json:"id,omitempty"`
	JobType    JobType         `json:"job_type"`
	Payload    json.RawMessage `json:"payload"`
	Headers    Headers         `json:"headers"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
	Deliveries int64           `json:"deliveries,omitempty"`
}

// DeadLetter is an envelope parked after exhausting its deliveries.
type DeadLetter struct {
	Envelope
	OriginID string    `json:"origin_id"`
	FailedAt time.Time `json:"failed_at"`
}

// Handler processes one delivered envelope. A nil return acknowledges
// the message; an error leaves it pending for redelivery.
type Handler func(ctx context.Context, env *Envelope) error

// Options tune a Queue. Zero values take defaults.
type Options struct {
	// Prefix namespaces the streams, default "gantry:jobs".
	Prefix string
	// Group is the consumer group name, default "gantry-workers".
	Group string
	// MaxDeliveries before a message is dead-lettered, default 5.
	MaxDeliveries int64
	// Block is how long Consume waits for new messages per pass,
	// default 5s.
	Block time.Duration
	// JobTimeout bounds one handler invocation, default 30m. Jobs that
	// exceed it are redelivered to another consumer.
	JobTimeout time.Duration
	// ClaimMinIdle is how long a pending message must sit untouched
	// before another consumer may claim it, default 2×JobTimeout.
	ClaimMinIdle time.Duration
	// StreamMaxLen bounds stream length (approximate), default 10000.
	StreamMaxLen int64
}

func (o *Options) withDefaults() {
	if o.Prefix == "" {
		o.Prefix = "gantry:jobs"
	}
	if o.Group == "" {
		o.Group = "gantry-workers"
	}
	if o.MaxDeliveries <= 0 {
		o.MaxDeliveries = 5
	}
	if o.Block <= 0 {
		o.Block = 5 * time.Second
	}
	if o.JobTimeout <= 0 {
		o.JobTimeout = 30 * time.Minute
	}
	if o.ClaimMinIdle <= 0 {
		o.ClaimMinIdle = 2 * o.JobTimeout
	}
	if o.StreamMaxLen <= 0 {
		o.StreamMaxLen = 10000
	}
}

// Queue produces and consumes envelopes on Redis streams, one stream per
// job type.
type Queue struct {
	client   redis.UniversalClient
	logger   *slog.Logger
	opts     Options
	warnOnce sync.Once
}

// New wraps an existing Redis client.
func New(client redis.UniversalClient, logger *slog.Logger, opts Options) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	opts.withDefaults()
	return &Queue{
		client: client,
		logger: logger.With("component", "queue"),
		opts:   opts,
	}
}

func (q *Queue) stream(t JobType) string     { return q.opts.Prefix + ":" + string(t) }
func (q *Queue) deadStream(t JobType) string { return q.stream(t) + ":dead" }

// Enqueue appends env to its job-type stream and returns the message id.
// A missing correlation id is generated. Backend failures map to the
// unavailable error kind so callers can answer 503.
func (q *Queue) Enqueue(ctx context.Context, env *Envelope) (string, error) {
	if !ValidJobType(env.JobType) {
		return "", fmt.Errorf("%w: unknown job type %q", api.ErrInvalidInput, env.JobType)
	}
	if env.Headers.CorrelationID == "" {
		env.Headers.CorrelationID = uuid.NewString()
	}
	if env.EnqueuedAt.IsZero() {
		env.EnqueuedAt = time.Now().UTC()
	}
	payload := env.Payload
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}

	id, err := q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.stream(env.JobType),
		MaxLen: q.opts.StreamMaxLen,
		Approx: true,
		Values: map[string]interface{}{
			"job_type":       string(env.JobType),
			"payload":        string(payload),
			"correlation_id": env.Headers.CorrelationID,
			"workspace_id":   env.Headers.WorkspaceID,
			"user_id":        env.Headers.UserID,
			"enqueued_at":    env.EnqueuedAt.Format(time.RFC3339Nano),
		},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("enqueue %s: %w: %w", env.JobType, api.ErrUnavailable, err)
	}
	return id, nil
}

// Consume processes envelopes of one job type until ctx is done. Each
// pass reclaims stale pending messages from dead consumers, then blocks
// for new ones. Backend outages are logged once and retried.
func (q *Queue) Consume(ctx context.Context, jobType JobType, consumer string, handler Handler) error {
	stream := q.stream(jobType)
	if err := q.ensureGroup(ctx, stream); err != nil {
		return err
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		if _, err := q.reclaim(ctx, jobType, consumer, handler); err != nil {
			if ctxErr(err) {
				return err
			}
			q.warnUnavailable(err)
		}

		msgs, err := q.read(ctx, stream, consumer, q.opts.Block)
		if err != nil {
			if ctxErr(err) {
				return err
			}
			q.warnUnavailable(err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(q.opts.Block):
			}
			continue
		}
		for i := range msgs {
			q.handle(ctx, stream, jobType, &msgs[i], 1, handler)
		}
	}
}

// ProcessOnce drains ready and reclaimable messages of one job type
// without blocking and returns how many were handled. It exists for
// drain-style workers and tests; Consume is the long-running form.
func (q *Queue) ProcessOnce(ctx context.Context, jobType JobType, consumer string, handler Handler) (int, error) {
	stream := q.stream(jobType)
	if err := q.ensureGroup(ctx, stream); err != nil {
		return 0, err
	}

	handled, err := q.reclaim(ctx, jobType, consumer, handler)
	if err != nil {
		return handled, err
	}

	msgs, err := q.read(ctx, stream, consumer, -1)
	if err != nil {
		return handled, err
	}
	for i := range msgs {
		q.handle(ctx, stream, jobType, &msgs[i], 1, handler)
		handled++
	}
	return handled, nil
}

func (q *Queue) ensureGroup(ctx context.Context, stream string) error {
	err := q.client.XGroupCreateMkStream(ctx, stream, q.opts.Group, "0").Err()
	if err != nil && !isBusyGroup(err) {
		return fmt.Errorf("create group on %s: %w: %w", stream, api.ErrUnavailable, err)
	}
	return nil
}

func (q *Queue) read(ctx context.Context, stream, consumer string, block time.Duration) ([]redis.XMessage, error) {
	res, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.opts.Group,
		Consumer: consumer,
		Streams:  []string{stream, ">"},
		Count:    16,
		Block:    block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	var msgs []redis.XMessage
	for _, st := range res {
		msgs = append(msgs, st.Messages...)
	}
	return msgs, nil
}

// reclaim takes over messages whose consumer went silent and either
// redelivers them here or dead-letters them once the budget is spent.
func (q *Queue) reclaim(ctx context.Context, jobType JobType, consumer string, handler Handler) (int, error) {
	stream := q.stream(jobType)
	pending, err := q.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: stream,
		Group:  q.opts.Group,
		Idle:   q.opts.ClaimMinIdle,
		Start:  "-",
		End:    "+",
		Count:  16,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, err
	}

	handled := 0
	for _, p := range pending {
		if p.RetryCount >= q.opts.MaxDeliveries {
			if err := q.deadLetter(ctx, jobType, p.ID, p.RetryCount); err != nil {
				q.logger.Error("dead-letter failed", "stream", stream, "id", p.ID, "error", err)
			}
			continue
		}
		claimed, err := q.client.XClaim(ctx, &redis.XClaimArgs{
			Stream:   stream,
			Group:    q.opts.Group,
			Consumer: consumer,
			MinIdle:  q.opts.ClaimMinIdle,
			Messages: []string{p.ID},
		}).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return handled, err
		}
		for i := range claimed {
			q.handle(ctx, stream, jobType, &claimed[i], p.RetryCount+1, handler)
			handled++
		}
	}
	return handled, nil
}

// deadLetter copies the message onto the dead stream, then acknowledges
// and deletes the original.
func (q *Queue) deadLetter(ctx context.Context, jobType JobType, id string, deliveries int64) error {
	stream := q.stream(jobType)
	msgs, err := q.client.XRange(ctx, stream, id, id).Result()
	if err != nil {
		return err
	}

	if len(msgs) > 0 {
		values := make(map[string]interface{}, len(msgs[0].Values)+3)
		for k, v := range msgs[0].Values {
			values[k] = v
		}
		values["origin_id"] = id
		values["deliveries"] = strconv.FormatInt(deliveries, 10)
		values["failed_at"] = time.Now().UTC().Format(time.RFC3339Nano)
		if err := q.client.XAdd(ctx, &redis.XAddArgs{
			Stream: q.deadStream(jobType),
			MaxLen: q.opts.StreamMaxLen,
			Approx: true,
			Values: values,
		}).Err(); err != nil {
			return err
		}
	}

	if err := q.client.XAck(ctx, stream, q.opts.Group, id).Err(); err != nil {
		return err
	}
	if err := q.client.XDel(ctx, stream, id).Err(); err != nil {
		return err
	}
	q.logger.Warn("message dead-lettered",
		"stream", stream,
		"id", id,
		"deliveries", deliveries,
	)
	return nil
}

func (q *Queue) handle(ctx context.Context, stream string, jobType JobType, msg *redis.XMessage, deliveries int64, handler Handler) {
	env := decodeEnvelope(msg, jobType)
	env.Deliveries = deliveries

	jobCtx, cancel := context.WithTimeout(ctx, q.opts.JobTimeout)
	err := q.invoke(jobCtx, env, handler)
	cancel()

	if err != nil {
		q.logger.Error("job failed, leaving pending for redelivery",
			"stream", stream,
			"id", msg.ID,
			"correlation_id", env.Headers.CorrelationID,
			"deliveries", deliveries,
			"error", err,
		)
		return
	}
	if err := q.client.XAck(ctx, stream, q.opts.Group, msg.ID).Err(); err != nil {
		q.logger.Error("ack failed", "stream", stream, "id", msg.ID, "error", err)
	}
}

// invoke isolates handler panics so one bad job cannot take the worker
// down with it.
func (q *Queue) invoke(ctx context.Context, env *Envelope, handler Handler) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler(ctx, env)
}

// DeadLetters returns up to limit parked messages for a job type, oldest
// first.
func (q *Queue) DeadLetters(ctx context.Context, jobType JobType, limit int64) ([]DeadLetter, error) {
	if limit <= 0 {
		limit = 100
	}
	msgs, err := q.client.XRangeN(ctx, q.deadStream(jobType), "-", "+", limit).Result()
	if err != nil {
		return nil, fmt.Errorf("dead letters %s: %w: %w", jobType, api.ErrUnavailable, err)
	}
	out := make([]DeadLetter, 0, len(msgs))
	for i := range msgs {
		env := decodeEnvelope(&msgs[i], jobType)
		dl := DeadLetter{Envelope: *env}
		dl.OriginID = stringValue(msgs[i].Values, "origin_id")
		if n, err := strconv.ParseInt(stringValue(msgs[i].Values, "deliveries"), 10, 64); err == nil {
			dl.Deliveries = n
		}
		if ts, err := time.Parse(time.RFC3339Nano, stringValue(msgs[i].Values, "failed_at")); err == nil {
			dl.FailedAt = ts
		}
		out = append(out, dl)
	}
	return out, nil
}

// Len returns the number of messages currently in the job-type stream,
// acknowledged or not.
func (q *Queue) Len(ctx context.Context, jobType JobType) (int64, error) {
	n, err := q.client.XLen(ctx, q.stream(jobType)).Result()
	if err != nil {
		return 0, fmt.Errorf("len %s: %w: %w", jobType, api.ErrUnavailable, err)
	}
	return n, nil
}

// Ping reports backend reachability for readiness checks.
func (q *Queue) Ping(ctx context.Context) error {
	if err := q.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("queue: %w: %w", api.ErrUnavailable, err)
	}
	return nil
}

func (q *Queue) warnUnavailable(err error) {
	q.warnOnce.Do(func() {
		q.logger.Warn("queue backend unreachable, retrying", "error", err)
	})
}

func decodeEnvelope(msg *redis.XMessage, fallback JobType) *Envelope {
	env := &Envelope{
		ID:      msg.ID,
		JobType: fallback,
		Payload: json.RawMessage("{}"),
	}
	if v := stringValue(msg.Values, "job_type"); v != "" {
		env.JobType = JobType(v)
	}
	if v := stringValue(msg.Values, "payload"); v != "" {
		env.Payload = json.RawMessage(v)
	}
	env.Headers = Headers{
		CorrelationID: stringValue(msg.Values, "correlation_id"),
		WorkspaceID:   stringValue(msg.Values, "workspace_id"),
		UserID:        stringValue(msg.Values, "user_id"),
	}
	if ts, err := time.Parse(time.RFC3339Nano, stringValue(msg.Values, "enqueued_at")); err == nil {
		env.EnqueuedAt = ts
	}
	return env
}

func stringValue(values map[string]interface{}, key string) string {
	if v, ok := values[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

func isBusyGroup(err error) bool {
	return err != nil && strings.Contains(err.Error(), "BUSYGROUP")
}

func ctxErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
