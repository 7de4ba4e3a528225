// Package locks provides per-key leases with TTLs. Hydration uses them to
// serialize runs per workspace across workers. The Redis backend degrades
// to sentinel leases when unreachable so callers keep making progress.
package locks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var (
	// ErrHeld is returned by Acquire when another owner holds the lease.
	ErrHeld = errors.New("lease already held")

	// ErrNotHeld is returned by Release or Extend when the caller no
	// longer owns the lease (expired or taken over).
	ErrNotHeld = errors.New("lease not held by caller")
)

// DegradedToken is the sentinel owner token issued when the lock backend
// is unreachable. A lease carrying it grants no exclusivity.
const DegradedToken = "degraded"

// HydrationKey returns the lease key that serializes hydration runs for
// one workspace.
func HydrationKey(workspaceID string) string {
	return "lock:workspace:" + workspaceID + ":hydration"
}

// Manager hands out leases. Implementations must honor the owner token:
// only the holder of the token may release or extend the lease.
type Manager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (*Lease, error)
}

type lessor interface {
	release(ctx context.Context, key, token string) error
	extend(ctx context.Context, key, token string, ttl time.Duration) error
}

// Lease is an acquired lock bound to an owner token.
type Lease struct {
	key      string
	token    string
	degraded bool
	backend  lessor
}

// Key returns the lease key.
func (l *Lease) Key() string { return l.key }

// Token returns the owner token.
func (l *Lease) Token() string { return l.token }

// Degraded reports whether this lease was issued while the backend was
// unreachable. Degraded leases grant no exclusivity and their Release
// and Extend are no-ops.
func (l *Lease) Degraded() bool { return l.degraded }

// Release frees the lease if the caller still owns it.
func (l *Lease) Release(ctx context.Context) error {
	if l.degraded {
		return nil
	}
	return l.backend.release(ctx, l.key, l.token)
}

// Extend moves the lease expiry to now+ttl if the caller still owns it.
func (l *Lease) Extend(ctx context.Context, ttl time.Duration) error {
	if l.degraded {
		return nil
	}
	return l.backend.extend(ctx, l.key, l.token, ttl)
}

// releaseScript deletes the key only when the stored token matches the
// caller's token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
end
return 0
`)

// extendScript resets the TTL only when the stored token matches the
// caller's token.
var extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// RedisManager implements Manager with SET NX PX and per-acquire owner
// tokens on a shared Redis client. When Redis is unreachable it logs a
// warning once and hands out degraded leases instead of failing.
type RedisManager struct {
	client   redis.UniversalClient
	logger   *slog.Logger
	warnOnce sync.Once
}

// NewRedisManager wraps an existing Redis client.
func NewRedisManager(client redis.UniversalClient, logger *slog.Logger) *RedisManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisManager{
		client: client,
		logger: logger.With("component", "locks"),
	}
}

// Acquire takes the lease for key or fails with ErrHeld. Backend
// connectivity errors yield a degraded lease, not an error; context
// cancellation is propagated as-is.
func (m *RedisManager) Acquire(ctx context.Context, key string, ttl time.Duration) (*Lease, error) {
	if ttl <= 0 {
		return nil, fmt.Errorf("acquire %s: ttl must be positive, got %s", key, ttl)
	}

	token := uuid.NewString()
	ok, err := m.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("acquire %s: %w", key, err)
		}
		m.warnOnce.Do(func() {
			m.logger.Warn("lock backend unreachable, issuing degraded leases",
				"key", key,
				"error", err,
			)
		})
		return &Lease{key: key, token: DegradedToken, degraded: true}, nil
	}
	if !ok {
		return nil, fmt.Errorf("acquire %s: %w", key, ErrHeld)
	}
	return &Lease{key: key, token: token, backend: m}, nil
}

func (m *RedisManager) release(ctx context.Context, key, token string) error {
	n, err := releaseScript.Run(ctx, m.client, []string{key}, token).Int()
	if err != nil {
		return fmt.Errorf("release %s: %w", key, err)
	}
	if n == 0 {
		return fmt.Errorf("release %s: %w", key, ErrNotHeld)
	}
	return nil
}

func (m *RedisManager) extend(ctx context.Context, key, token string, ttl time.Duration) error {
	if ttl <= 0 {
		return fmt.Errorf("extend %s: ttl must be positive, got %s", key, ttl)
	}
	n, err := extendScript.Run(ctx, m.client, []string{key}, token, ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("extend %s: %w", key, err)
	}
	if n == 0 {
		return fmt.Errorf("extend %s: %w", key, ErrNotHeld)
	}
	return nil
}

// MemoryManager is a process-local Manager for single-node deployments
// and tests. It never degrades.
type MemoryManager struct {
	mu     sync.Mutex
	leases map[string]memLease
	now    func() time.Time
}

type memLease struct {
	token   string
	expires time.Time
}

// NewMemoryManager returns an empty in-process lease table.
func NewMemoryManager() *MemoryManager {
	return &MemoryManager{
		leases: make(map[string]memLease),
		now:    time.Now,
	}
}

// Acquire takes the lease for key or fails with ErrHeld. Expired leases
// are reclaimed in place.
func (m *MemoryManager) Acquire(ctx context.Context, key string, ttl time.Duration) (*Lease, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("acquire %s: %w", key, err)
	}
	if ttl <= 0 {
		return nil, fmt.Errorf("acquire %s: ttl must be positive, got %s", key, ttl)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if cur, ok := m.leases[key]; ok && m.now().Before(cur.expires) {
		return nil, fmt.Errorf("acquire %s: %w", key, ErrHeld)
	}
	token := uuid.NewString()
	m.leases[key] = memLease{token: token, expires: m.now().Add(ttl)}
	return &Lease{key: key, token: token, backend: m}, nil
}

func (m *MemoryManager) release(_ context.Context, key, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.leases[key]
	if !ok || cur.token != token || !m.now().Before(cur.expires) {
		return fmt.Errorf("release %s: %w", key, ErrNotHeld)
	}
	delete(m.leases, key)
	return nil
}

func (m *MemoryManager) extend(_ context.Context, key, token string, ttl time.Duration) error {
	if ttl <= 0 {
		return fmt.Errorf("extend %s: ttl must be positive, got %s", key, ttl)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.leases[key]
	if !ok || cur.token != token || !m.now().Before(cur.expires) {
		return fmt.Errorf("extend %s: %w", key, ErrNotHeld)
	}
	cur.expires = m.now().Add(ttl)
	m.leases[key] = cur
	return nil
}
