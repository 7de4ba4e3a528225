package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/gantrylabs/gantry/pkg/api"
)

// DefaultEndpoint is the fallback key in rate_limit_config.
const DefaultEndpoint = "default"

// RateLimitConfigRepo persists per-endpoint limits.
type RateLimitConfigRepo struct {
	db *DB
}

func NewRateLimitConfigRepo(db *DB) *RateLimitConfigRepo {
	return &RateLimitConfigRepo{db: db}
}

// Resolve returns the config for endpoint, falling back to the "default"
// row, then to a built-in 100 requests per 60 seconds.
func (r *RateLimitConfigRepo) Resolve(ctx context.Context, endpoint string) (*RateLimitConfig, error) {
	var cfg RateLimitConfig
	q := r.db.Rebind(`SELECT * FROM rate_limit_config WHERE endpoint = ?`)
	err := r.db.GetContext(ctx, &cfg, q, endpoint)
	if err == nil {
		return &cfg, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("resolve rate config %q: %w", endpoint, err)
	}
	err = r.db.GetContext(ctx, &cfg, q, DefaultEndpoint)
	if err == nil {
		cfg.Endpoint = endpoint
		return &cfg, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("resolve rate config default: %w", err)
	}
	return &RateLimitConfig{Endpoint: endpoint, LimitValue: 100, WindowSeconds: 60}, nil
}

// Upsert writes an endpoint config. Zero or negative windows are invalid.
func (r *RateLimitConfigRepo) Upsert(ctx context.Context, cfg *RateLimitConfig) error {
	if cfg.WindowSeconds <= 0 {
		return fmt.Errorf("window_seconds must be positive: %w", api.ErrInvalidInput)
	}
	if cfg.LimitValue <= 0 {
		return fmt.Errorf("limit must be positive: %w", api.ErrInvalidInput)
	}
	q := r.db.Rebind(`
		INSERT INTO rate_limit_config (endpoint, limit_value, window_seconds)
		VALUES (?, ?, ?)
		ON CONFLICT (endpoint) DO UPDATE SET
			limit_value = excluded.limit_value,
			window_seconds = excluded.window_seconds`)
	if _, err := r.db.ExecContext(ctx, q, cfg.Endpoint, cfg.LimitValue, cfg.WindowSeconds); err != nil {
		return fmt.Errorf("upsert rate config %q: %w", cfg.Endpoint, err)
	}
	return nil
}

func (r *RateLimitConfigRepo) List(ctx context.Context) ([]RateLimitConfig, error) {
	var out []RateLimitConfig
	if err := r.db.SelectContext(ctx, &out, `SELECT * FROM rate_limit_config ORDER BY endpoint`); err != nil {
		return nil, fmt.Errorf("list rate configs: %w", err)
	}
	return out, nil
}

// RateCounterRepo persists fixed-window counters. All window arithmetic is
// integer math over Unix seconds so one upsert statement behaves the same
// on both drivers.
type RateCounterRepo struct {
	db  *DB
	now func() time.Time
}

func NewRateCounterRepo(db *DB) *RateCounterRepo {
	return &RateCounterRepo{db: db, now: time.Now}
}

// applyQuery resets the window when it has elapsed and otherwise adds the
// delta, clamped to limit+1 so a denied caller cannot grow the counter
// without bound. The whole read-modify-write is one statement, so
// concurrent increments serialize on the row.
const applyQuery = `
	INSERT INTO rate_counters (principal_id, endpoint, limit_value, window_seconds, current_count, window_start)
	VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT (principal_id, endpoint) DO UPDATE SET
		limit_value = excluded.limit_value,
		window_seconds = excluded.window_seconds,
		current_count = CASE
			WHEN excluded.window_start - rate_counters.window_start >= rate_counters.window_seconds
				THEN excluded.current_count
			WHEN rate_counters.current_count + excluded.current_count > excluded.limit_value + 1
				THEN excluded.limit_value + 1
			ELSE rate_counters.current_count + excluded.current_count
		END,
		window_start = CASE
			WHEN excluded.window_start - rate_counters.window_start >= rate_counters.window_seconds
				THEN excluded.window_start
			ELSE rate_counters.window_start
		END
	RETURNING principal_id, endpoint, limit_value, window_seconds, current_count, window_start`

// Apply advances the counter by delta (0 for a read-only check, 1 for an
// increment) under the given config and returns the resulting row.
func (r *RateCounterRepo) Apply(ctx context.Context, principalID int64, endpoint string, cfg *RateLimitConfig, delta int) (*RateCounter, error) {
	if cfg.WindowSeconds <= 0 {
		return nil, fmt.Errorf("window_seconds must be positive: %w", api.ErrInvalidInput)
	}
	var c RateCounter
	q := r.db.Rebind(applyQuery)
	err := r.db.QueryRowxContext(ctx, q,
		principalID, endpoint, cfg.LimitValue, cfg.WindowSeconds, delta, r.now().Unix(),
	).StructScan(&c)
	if err != nil {
		return nil, fmt.Errorf("apply rate counter: %w", err)
	}
	return &c, nil
}

// Get returns the current row, or nil when no counter exists yet.
func (r *RateCounterRepo) Get(ctx context.Context, principalID int64, endpoint string) (*RateCounter, error) {
	var c RateCounter
	q := r.db.Rebind(`SELECT * FROM rate_counters WHERE principal_id = ? AND endpoint = ?`)
	err := r.db.GetContext(ctx, &c, q, principalID, endpoint)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get rate counter: %w", err)
	}
	return &c, nil
}

// Reset zeros the counter and restarts its window.
func (r *RateCounterRepo) Reset(ctx context.Context, principalID int64, endpoint string) error {
	q := r.db.Rebind(`
		UPDATE rate_counters SET current_count = 0, window_start = ?
		WHERE principal_id = ? AND endpoint = ?`)
	if _, err := r.db.ExecContext(ctx, q, r.now().Unix(), principalID, endpoint); err != nil {
		return fmt.Errorf("reset rate counter: %w", err)
	}
	return nil
}

// Cleanup removes counters whose window ended before the cutoff and
// returns how many rows were deleted.
func (r *RateCounterRepo) Cleanup(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := r.now().Add(-olderThan).Unix()
	q := r.db.Rebind(`DELETE FROM rate_counters WHERE window_start + window_seconds < ?`)
	res, err := r.db.ExecContext(ctx, q, cutoff)
	if err != nil {
		return 0, fmt.Errorf("cleanup rate counters: %w", err)
	}
	return res.RowsAffected()
}
