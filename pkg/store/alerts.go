package store

import (
	"context"
	"fmt"
	"time"

	"github.com/gantrylabs/gantry/pkg/api"
)

// Alert categories.
const (
	AlertAuth       = "auth"
	AlertExtraction = "extraction"
	AlertIndexing   = "indexing"
	AlertULE        = "ule"
	AlertQuota      = "quota"
	AlertSystem     = "system"
)

// AlertRepo persists operator-facing hydration alerts.
type AlertRepo struct {
	db *DB
}

func NewAlertRepo(db *DB) *AlertRepo {
	return &AlertRepo{db: db}
}

func (r *AlertRepo) Insert(ctx context.Context, a *HydrationAlert) error {
	a.CreatedAt = time.Now().UTC()
	a.IsActive = true
	if a.Severity == "" {
		a.Severity = "warning"
	}
	q := r.db.Rebind(`
		INSERT INTO hydration_alerts (workspace_id, severity, category, message, run_id, is_active, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		RETURNING id`)
	err := r.db.QueryRowxContext(ctx, q,
		a.WorkspaceID, a.Severity, a.Category, a.Message, a.RunID, a.IsActive, a.CreatedAt,
	).Scan(&a.ID)
	if err != nil {
		return fmt.Errorf("insert alert: %w", err)
	}
	return nil
}

// Acknowledge deactivates the alert and records who acknowledged it.
func (r *AlertRepo) Acknowledge(ctx context.Context, id, principalID int64) error {
	q := r.db.Rebind(`
		UPDATE hydration_alerts
		SET is_active = FALSE, acknowledged_at = ?, acknowledged_by = ?
		WHERE id = ?`)
	res, err := r.db.ExecContext(ctx, q, time.Now().UTC(), principalID, id)
	if err != nil {
		return fmt.Errorf("acknowledge alert %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("alert %d: %w", id, api.ErrNotFound)
	}
	return nil
}

func (r *AlertRepo) ListActive(ctx context.Context, workspaceID string) ([]HydrationAlert, error) {
	q := r.db.Rebind(`
		SELECT * FROM hydration_alerts
		WHERE workspace_id = ? AND is_active
		ORDER BY created_at DESC, id DESC`)
	var out []HydrationAlert
	if err := r.db.SelectContext(ctx, &out, q, workspaceID); err != nil {
		return nil, fmt.Errorf("list active alerts for %s: %w", workspaceID, err)
	}
	return out, nil
}

func (r *AlertRepo) ListByWorkspace(ctx context.Context, workspaceID string, limit int) ([]HydrationAlert, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	q := r.db.Rebind(`
		SELECT * FROM hydration_alerts WHERE workspace_id = ?
		ORDER BY created_at DESC, id DESC LIMIT ?`)
	var out []HydrationAlert
	if err := r.db.SelectContext(ctx, &out, q, workspaceID, limit); err != nil {
		return nil, fmt.Errorf("list alerts for %s: %w", workspaceID, err)
	}
	return out, nil
}
