// Package ratelimit enforces per-(principal, endpoint) fixed-window
// limits on top of the counter repository. The PDP's rate stage and the
// admin endpoints are its only callers; transport-level throttling lives
// in the HTTP middleware instead.
package ratelimit

import (
	"context"
	"time"

	"github.com/gantrylabs/gantry/pkg/store"
)

// Status reports one rate decision.
type Status struct {
	Allowed   bool   `json:"allowed"`
	Remaining int    `json:"remaining"`
	Limit     int    `json:"limit"`
	Current   int    `json:"current"`
	Window    int    `json:"window_seconds"`
	Endpoint  string `json:"endpoint"`
}

// Limiter resolves endpoint configuration and applies window counters.
type Limiter struct {
	counters *store.RateCounterRepo
	configs  *store.RateLimitConfigRepo
}

func New(counters *store.RateCounterRepo, configs *store.RateLimitConfigRepo) *Limiter {
	return &Limiter{counters: counters, configs: configs}
}

// Check reports whether the principal may proceed on endpoint without
// consuming quota. A missing counter row is created with count zero.
func (l *Limiter) Check(ctx context.Context, principalID int64, endpoint string) (*Status, error) {
	cfg, err := l.configs.Resolve(ctx, endpoint)
	if err != nil {
		return nil, err
	}
	c, err := l.counters.Apply(ctx, principalID, endpoint, cfg, 0)
	if err != nil {
		return nil, err
	}
	return statusFrom(c, cfg, endpoint), nil
}

// Increment consumes one unit of quota and returns the new count. The
// counter clamps at limit+1, so repeated increments past the limit do
// not grow the window.
func (l *Limiter) Increment(ctx context.Context, principalID int64, endpoint string) (int, error) {
	cfg, err := l.configs.Resolve(ctx, endpoint)
	if err != nil {
		return 0, err
	}
	c, err := l.counters.Apply(ctx, principalID, endpoint, cfg, 1)
	if err != nil {
		return 0, err
	}
	return c.CurrentCount, nil
}

// Allow is the check-then-increment form the PDP rate stage uses: quota
// is consumed only when the check passes, so denied requests never eat
// into the window.
func (l *Limiter) Allow(ctx context.Context, principalID int64, endpoint string) (*Status, error) {
	cfg, err := l.configs.Resolve(ctx, endpoint)
	if err != nil {
		return nil, err
	}
	c, err := l.counters.Apply(ctx, principalID, endpoint, cfg, 0)
	if err != nil {
		return nil, err
	}
	st := statusFrom(c, cfg, endpoint)
	if !st.Allowed {
		return st, nil
	}
	c, err = l.counters.Apply(ctx, principalID, endpoint, cfg, 1)
	if err != nil {
		return nil, err
	}
	st = statusFrom(c, cfg, endpoint)
	st.Allowed = true
	return st, nil
}

// Reset zeros the principal's counter on endpoint.
func (l *Limiter) Reset(ctx context.Context, principalID int64, endpoint string) error {
	return l.counters.Reset(ctx, principalID, endpoint)
}

// Cleanup drops counters whose window closed before the cutoff.
func (l *Limiter) Cleanup(ctx context.Context, olderThan time.Duration) (int64, error) {
	return l.counters.Cleanup(ctx, olderThan)
}

// Configure writes a per-endpoint limit.
func (l *Limiter) Configure(ctx context.Context, cfg *store.RateLimitConfig) error {
	return l.configs.Upsert(ctx, cfg)
}

// Configs lists the endpoint limit table.
func (l *Limiter) Configs(ctx context.Context) ([]store.RateLimitConfig, error) {
	return l.configs.List(ctx)
}

func statusFrom(c *store.RateCounter, cfg *store.RateLimitConfig, endpoint string) *Status {
	remaining := cfg.LimitValue - c.CurrentCount
	if remaining < 0 {
		remaining = 0
	}
	return &Status{
		Allowed:   c.CurrentCount < cfg.LimitValue,
		Remaining: remaining,
		Limit:     cfg.LimitValue,
		Current:   c.CurrentCount,
		Window:    cfg.WindowSeconds,
		Endpoint:  endpoint,
	}
}
