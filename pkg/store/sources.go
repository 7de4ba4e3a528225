package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/gantrylabs/gantry/pkg/api"
)

// SourceRepo persists workspace document sources.
type SourceRepo struct {
	db *DB
}

func NewSourceRepo(db *DB) *SourceRepo {
	return &SourceRepo{db: db}
}

func (r *SourceRepo) Create(ctx context.Context, s *WorkspaceSource) error {
	now := time.Now().UTC()
	s.CreatedAt, s.UpdatedAt = now, now
	q := r.db.Rebind(`
		INSERT INTO workspace_sources (workspace_id, source_type, name, config, secrets_ref, enabled, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id`)
	err := r.db.QueryRowxContext(ctx, q,
		s.WorkspaceID, s.SourceType, s.Name, s.Config, s.SecretsRef, s.Enabled, s.CreatedAt, s.UpdatedAt,
	).Scan(&s.ID)
	if err != nil {
		return fmt.Errorf("create source: %w", err)
	}
	return nil
}

func (r *SourceRepo) Update(ctx context.Context, s *WorkspaceSource) error {
	s.UpdatedAt = time.Now().UTC()
	q := r.db.Rebind(`
		UPDATE workspace_sources
		SET name = ?, config = ?, secrets_ref = ?, enabled = ?, updated_at = ?
		WHERE id = ?`)
	res, err := r.db.ExecContext(ctx, q, s.Name, s.Config, s.SecretsRef, s.Enabled, s.UpdatedAt, s.ID)
	if err != nil {
		return fmt.Errorf("update source %d: %w", s.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("source %d: %w", s.ID, api.ErrNotFound)
	}
	return nil
}

func (r *SourceRepo) Delete(ctx context.Context, id int64) error {
	q := r.db.Rebind(`DELETE FROM workspace_sources WHERE id = ?`)
	res, err := r.db.ExecContext(ctx, q, id)
	if err != nil {
		return fmt.Errorf("delete source %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("source %d: %w", id, api.ErrNotFound)
	}
	return nil
}

func (r *SourceRepo) GetByID(ctx context.Context, id int64) (*WorkspaceSource, error) {
	var s WorkspaceSource
	q := r.db.Rebind(`SELECT * FROM workspace_sources WHERE id = ?`)
	if err := r.db.GetContext(ctx, &s, q, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("source %d: %w", id, api.ErrNotFound)
		}
		return nil, fmt.Errorf("get source %d: %w", id, err)
	}
	return &s, nil
}

func (r *SourceRepo) ListByWorkspace(ctx context.Context, workspaceID string, enabledOnly bool) ([]WorkspaceSource, error) {
	q := `SELECT * FROM workspace_sources WHERE workspace_id = ?`
	if enabledOnly {
		q += ` AND enabled`
	}
	q += ` ORDER BY id`
	var out []WorkspaceSource
	if err := r.db.SelectContext(ctx, &out, r.db.Rebind(q), workspaceID); err != nil {
		return nil, fmt.Errorf("list sources for %s: %w", workspaceID, err)
	}
	return out, nil
}

// ListDue returns enabled sources whose next scheduled run is at or before
// now, including sources that have never run.
func (r *SourceRepo) ListDue(ctx context.Context, now time.Time) ([]WorkspaceSource, error) {
	q := r.db.Rebind(`
		SELECT s.* FROM workspace_sources s
		LEFT JOIN hydration_states h ON h.source_id = s.id
		WHERE s.enabled AND (h.next_run_at IS NULL OR h.next_run_at <= ?)
		ORDER BY s.id`)
	var out []WorkspaceSource
	if err := r.db.SelectContext(ctx, &out, q, now.UTC()); err != nil {
		return nil, fmt.Errorf("list due sources: %w", err)
	}
	return out, nil
}

// StateRepo persists per-source hydration progress.
type StateRepo struct {
	db *DB
}

func NewStateRepo(db *DB) *StateRepo {
	return &StateRepo{db: db}
}

// GetOrCreate returns the state row, inserting an idle one if absent.
func (r *StateRepo) GetOrCreate(ctx context.Context, sourceID int64) (*HydrationState, error) {
	q := r.db.Rebind(`
		INSERT INTO hydration_states (source_id, status, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT (source_id) DO NOTHING`)
	if _, err := r.db.ExecContext(ctx, q, sourceID, SourceStatusIdle, time.Now().UTC()); err != nil {
		return nil, fmt.Errorf("init hydration state %d: %w", sourceID, err)
	}
	var st HydrationState
	q = r.db.Rebind(`SELECT * FROM hydration_states WHERE source_id = ?`)
	if err := r.db.GetContext(ctx, &st, q, sourceID); err != nil {
		return nil, fmt.Errorf("get hydration state %d: %w", sourceID, err)
	}
	return &st, nil
}

// MarkRunning flips the state to running and clears the previous error.
func (r *StateRepo) MarkRunning(ctx context.Context, sourceID int64) error {
	q := r.db.Rebind(`
		UPDATE hydration_states
		SET status = ?, last_error = NULL, updated_at = ?
		WHERE source_id = ?`)
	if _, err := r.db.ExecContext(ctx, q, SourceStatusRunning, time.Now().UTC(), sourceID); err != nil {
		return fmt.Errorf("mark running %d: %w", sourceID, err)
	}
	return nil
}

// MarkSuccess records a completed pass: new cursor, run time, zeroed
// failure streak.
func (r *StateRepo) MarkSuccess(ctx context.Context, sourceID int64, cursor *string) error {
	now := time.Now().UTC()
	q := r.db.Rebind(`
		UPDATE hydration_states
		SET status = ?, cursor = ?, last_run_at = ?, last_error = NULL, consecutive_failures = 0, updated_at = ?
		WHERE source_id = ?`)
	if _, err := r.db.ExecContext(ctx, q, SourceStatusSuccess, cursor, now, now, sourceID); err != nil {
		return fmt.Errorf("mark success %d: %w", sourceID, err)
	}
	return nil
}

// MarkFailure records a failed pass and bumps the failure streak.
func (r *StateRepo) MarkFailure(ctx context.Context, sourceID int64, msg string) error {
	now := time.Now().UTC()
	q := r.db.Rebind(`
		UPDATE hydration_states
		SET status = ?, last_run_at = ?, last_error = ?, consecutive_failures = consecutive_failures + 1, updated_at = ?
		WHERE source_id = ?`)
	if _, err := r.db.ExecContext(ctx, q, SourceStatusFailed, now, msg, now, sourceID); err != nil {
		return fmt.Errorf("mark failure %d: %w", sourceID, err)
	}
	return nil
}

// SetNextRun schedules the next pass.
func (r *StateRepo) SetNextRun(ctx context.Context, sourceID int64, at time.Time) error {
	q := r.db.Rebind(`
		UPDATE hydration_states SET next_run_at = ?, updated_at = ? WHERE source_id = ?`)
	if _, err := r.db.ExecContext(ctx, q, at.UTC(), time.Now().UTC(), sourceID); err != nil {
		return fmt.Errorf("set next run %d: %w", sourceID, err)
	}
	return nil
}
