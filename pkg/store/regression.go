package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/gantrylabs/gantry/pkg/api"
)

// PromotionRepo persists promotion requests and owns the tag swap.
type PromotionRepo struct {
	db *DB
}

func NewPromotionRepo(db *DB) *PromotionRepo {
	return &PromotionRepo{db: db}
}

func (r *PromotionRepo) Create(ctx context.Context, p *PromotionRequest) error {
	now := time.Now().UTC()
	p.CreatedAt, p.UpdatedAt = now, now
	if p.Status == "" {
		p.Status = PromotionRequested
	}
	q := r.db.Rebind(`
		INSERT INTO promotion_requests (id, component, baseline_tag, candidate_tag, status, workspace_id, requested_by, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if _, err := r.db.ExecContext(ctx, q,
		p.ID, p.Component, p.BaselineTag, p.CandidateTag, p.Status, p.WorkspaceID,
		p.RequestedBy, p.CreatedAt, p.UpdatedAt,
	); err != nil {
		return fmt.Errorf("create promotion request: %w", err)
	}
	return nil
}

func (r *PromotionRepo) Get(ctx context.Context, id string) (*PromotionRequest, error) {
	var p PromotionRequest
	q := r.db.Rebind(`SELECT * FROM promotion_requests WHERE id = ?`)
	if err := r.db.GetContext(ctx, &p, q, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("promotion request %s: %w", id, api.ErrNotFound)
		}
		return nil, fmt.Errorf("get promotion request %s: %w", id, err)
	}
	return &p, nil
}

func (r *PromotionRepo) List(ctx context.Context, component string, limit int) ([]PromotionRequest, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	var out []PromotionRequest
	if component != "" {
		q := r.db.Rebind(`
			SELECT * FROM promotion_requests WHERE component = ?
			ORDER BY created_at DESC, id DESC LIMIT ?`)
		if err := r.db.SelectContext(ctx, &out, q, component, limit); err != nil {
			return nil, fmt.Errorf("list promotion requests: %w", err)
		}
		return out, nil
	}
	q := r.db.Rebind(`SELECT * FROM promotion_requests ORDER BY created_at DESC, id DESC LIMIT ?`)
	if err := r.db.SelectContext(ctx, &out, q, limit); err != nil {
		return nil, fmt.Errorf("list promotion requests: %w", err)
	}
	return out, nil
}

// Transition moves the request from one status to another. It fails with a
// conflict when the request is not in the expected state, which keeps the
// promotion lifecycle strictly ordered under concurrent callers.
func (r *PromotionRepo) Transition(ctx context.Context, id, from, to string) error {
	q := r.db.Rebind(`
		UPDATE promotion_requests SET status = ?, updated_at = ?
		WHERE id = ? AND status = ?`)
	res, err := r.db.ExecContext(ctx, q, to, time.Now().UTC(), id, from)
	if err != nil {
		return fmt.Errorf("transition promotion %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("promotion %s is not %s: %w", id, from, api.ErrConflict)
	}
	return nil
}

// SetStatus writes the status unconditionally (used by run_check, which
// owns the request while a check executes).
func (r *PromotionRepo) SetStatus(ctx context.Context, id, status string) error {
	q := r.db.Rebind(`UPDATE promotion_requests SET status = ?, updated_at = ? WHERE id = ?`)
	res, err := r.db.ExecContext(ctx, q, status, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("set promotion status %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("promotion request %s: %w", id, api.ErrNotFound)
	}
	return nil
}

// Approve transitions pass -> approved and records the approver.
func (r *PromotionRepo) Approve(ctx context.Context, id string, approvedBy int64) error {
	q := r.db.Rebind(`
		UPDATE promotion_requests SET status = ?, approved_by = ?, updated_at = ?
		WHERE id = ? AND status = ?`)
	res, err := r.db.ExecContext(ctx, q, PromotionApproved, approvedBy, time.Now().UTC(), id, PromotionPass)
	if err != nil {
		return fmt.Errorf("approve promotion %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("promotion %s is not pass: %w", id, api.ErrConflict)
	}
	return nil
}

// Promote swaps the component's active tag and marks the request promoted
// in one transaction. The request must be approved.
func (r *PromotionRepo) Promote(ctx context.Context, id, component, candidateTag string) error {
	return r.db.InTx(ctx, func(tx *sqlx.Tx) error {
		q := tx.Rebind(`
			UPDATE promotion_requests SET status = ?, updated_at = ?
			WHERE id = ? AND status = ?`)
		res, err := tx.ExecContext(ctx, q, PromotionPromoted, time.Now().UTC(), id, PromotionApproved)
		if err != nil {
			return fmt.Errorf("promote %s: %w", id, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("promotion %s is not approved: %w", id, api.ErrConflict)
		}
		q = tx.Rebind(`
			INSERT INTO component_versions (component, current_tag, updated_at)
			VALUES (?, ?, ?)
			ON CONFLICT (component) DO UPDATE SET
				current_tag = excluded.current_tag,
				updated_at = excluded.updated_at`)
		if _, err := tx.ExecContext(ctx, q, component, candidateTag, time.Now().UTC()); err != nil {
			return fmt.Errorf("swap tag for %s: %w", component, err)
		}
		return nil
	})
}

// CheckRepo persists regression checks.
type CheckRepo struct {
	db *DB
}

func NewCheckRepo(db *DB) *CheckRepo {
	return &CheckRepo{db: db}
}

func (r *CheckRepo) Insert(ctx context.Context, c *RegressionCheck) error {
	c.CreatedAt = time.Now().UTC()
	q := r.db.Rebind(`
		INSERT INTO regression_checks (request_id, suite_name, baseline_score, candidate_score, min_threshold, max_drop, drop_value, passed, report, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id`)
	err := r.db.QueryRowxContext(ctx, q,
		c.RequestID, c.SuiteName, c.BaselineScore, c.CandidateScore,
		c.MinThreshold, c.MaxDrop, c.DropValue, c.Passed, c.Report, c.CreatedAt,
	).Scan(&c.ID)
	if err != nil {
		return fmt.Errorf("insert regression check: %w", err)
	}
	return nil
}

// Latest returns the newest check for the request, or nil when none exists.
func (r *CheckRepo) Latest(ctx context.Context, requestID string) (*RegressionCheck, error) {
	var c RegressionCheck
	q := r.db.Rebind(`
		SELECT * FROM regression_checks WHERE request_id = ? ORDER BY id DESC LIMIT 1`)
	err := r.db.GetContext(ctx, &c, q, requestID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest check for %s: %w", requestID, err)
	}
	return &c, nil
}

func (r *CheckRepo) ListByRequest(ctx context.Context, requestID string) ([]RegressionCheck, error) {
	var out []RegressionCheck
	q := r.db.Rebind(`SELECT * FROM regression_checks WHERE request_id = ? ORDER BY id`)
	if err := r.db.SelectContext(ctx, &out, q, requestID); err != nil {
		return nil, fmt.Errorf("list checks for %s: %w", requestID, err)
	}
	return out, nil
}

// ThresholdRepo persists per-component gate configuration.
type ThresholdRepo struct {
	db *DB
}

func NewThresholdRepo(db *DB) *ThresholdRepo {
	return &ThresholdRepo{db: db}
}

// Get returns the component's thresholds, or nil when unseeded.
func (r *ThresholdRepo) Get(ctx context.Context, component string) (*RegressionThreshold, error) {
	var t RegressionThreshold
	q := r.db.Rebind(`SELECT * FROM regression_thresholds WHERE component = ?`)
	err := r.db.GetContext(ctx, &t, q, component)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get thresholds for %s: %w", component, err)
	}
	return &t, nil
}

// Seed inserts defaults for the component unless a row already exists.
func (r *ThresholdRepo) Seed(ctx context.Context, t *RegressionThreshold) error {
	t.UpdatedAt = time.Now().UTC()
	q := r.db.Rebind(`
		INSERT INTO regression_thresholds (component, suite_name, min_threshold, max_drop, enabled, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (component) DO NOTHING`)
	if _, err := r.db.ExecContext(ctx, q,
		t.Component, t.SuiteName, t.MinThreshold, t.MaxDrop, t.Enabled, t.UpdatedAt,
	); err != nil {
		return fmt.Errorf("seed thresholds for %s: %w", t.Component, err)
	}
	return nil
}

// Update overwrites the gate configuration for the component.
func (r *ThresholdRepo) Update(ctx context.Context, t *RegressionThreshold) error {
	t.UpdatedAt = time.Now().UTC()
	q := r.db.Rebind(`
		UPDATE regression_thresholds
		SET suite_name = ?, min_threshold = ?, max_drop = ?, enabled = ?, updated_at = ?
		WHERE component = ?`)
	res, err := r.db.ExecContext(ctx, q,
		t.SuiteName, t.MinThreshold, t.MaxDrop, t.Enabled, t.UpdatedAt, t.Component,
	)
	if err != nil {
		return fmt.Errorf("update thresholds for %s: %w", t.Component, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("thresholds for %s: %w", t.Component, api.ErrNotFound)
	}
	return nil
}

// ComponentVersionRepo persists the component -> active tag map.
type ComponentVersionRepo struct {
	db *DB
}

func NewComponentVersionRepo(db *DB) *ComponentVersionRepo {
	return &ComponentVersionRepo{db: db}
}

// Get returns the active tag row, or nil when the component has none yet.
func (r *ComponentVersionRepo) Get(ctx context.Context, component string) (*ComponentVersion, error) {
	var v ComponentVersion
	q := r.db.Rebind(`SELECT * FROM component_versions WHERE component = ?`)
	err := r.db.GetContext(ctx, &v, q, component)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get component version %s: %w", component, err)
	}
	return &v, nil
}

// Ensure inserts the tag if the component has no row yet and returns the
// effective current tag.
func (r *ComponentVersionRepo) Ensure(ctx context.Context, component, tag string) (string, error) {
	q := r.db.Rebind(`
		INSERT INTO component_versions (component, current_tag, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT (component) DO NOTHING`)
	if _, err := r.db.ExecContext(ctx, q, component, tag, time.Now().UTC()); err != nil {
		return "", fmt.Errorf("ensure component version %s: %w", component, err)
	}
	v, err := r.Get(ctx, component)
	if err != nil {
		return "", err
	}
	return v.CurrentTag, nil
}

func (r *ComponentVersionRepo) List(ctx context.Context) ([]ComponentVersion, error) {
	var out []ComponentVersion
	if err := r.db.SelectContext(ctx, &out, `SELECT * FROM component_versions ORDER BY component`); err != nil {
		return nil, fmt.Errorf("list component versions: %w", err)
	}
	return out, nil
}
