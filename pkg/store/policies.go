package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/gantrylabs/gantry/pkg/api"
)

var policyTypes = map[string]bool{
	PolicyTypeRBAC:           true,
	PolicyTypeABAC:           true,
	PolicyTypeContent:        true,
	PolicyTypeRateLimit:      true,
	PolicyTypeClassification: true,
	PolicyTypeTemporal:       true,
}

// ValidPolicyType reports whether t is one of the known policy types.
func ValidPolicyType(t string) bool { return policyTypes[t] }

// PolicyRepo persists policy rows consumed by the decision engine.
type PolicyRepo struct {
	db *DB
}

func NewPolicyRepo(db *DB) *PolicyRepo {
	return &PolicyRepo{db: db}
}

func (r *PolicyRepo) Create(ctx context.Context, p *Policy) error {
	if !ValidPolicyType(p.Type) {
		return fmt.Errorf("policy type %q: %w", p.Type, api.ErrInvalidInput)
	}
	now := time.Now().UTC()
	p.CreatedAt, p.UpdatedAt = now, now
	q := r.db.Rebind(`
		INSERT INTO policies (name, type, rules, enabled, priority, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		RETURNING id`)
	err := r.db.QueryRowxContext(ctx, q,
		p.Name, p.Type, p.Rules, p.Enabled, p.Priority, p.CreatedAt, p.UpdatedAt,
	).Scan(&p.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("policy %q already exists: %w", p.Name, api.ErrConflict)
		}
		return fmt.Errorf("create policy: %w", err)
	}
	return nil
}

func (r *PolicyRepo) Update(ctx context.Context, p *Policy) error {
	if !ValidPolicyType(p.Type) {
		return fmt.Errorf("policy type %q: %w", p.Type, api.ErrInvalidInput)
	}
	p.UpdatedAt = time.Now().UTC()
	q := r.db.Rebind(`
		UPDATE policies SET name = ?, type = ?, rules = ?, enabled = ?, priority = ?, updated_at = ?
		WHERE id = ?`)
	res, err := r.db.ExecContext(ctx, q, p.Name, p.Type, p.Rules, p.Enabled, p.Priority, p.UpdatedAt, p.ID)
	if err != nil {
		return fmt.Errorf("update policy %d: %w", p.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("policy %d: %w", p.ID, api.ErrNotFound)
	}
	return nil
}

func (r *PolicyRepo) Delete(ctx context.Context, id int64) error {
	q := r.db.Rebind(`DELETE FROM policies WHERE id = ?`)
	res, err := r.db.ExecContext(ctx, q, id)
	if err != nil {
		return fmt.Errorf("delete policy %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("policy %d: %w", id, api.ErrNotFound)
	}
	return nil
}

func (r *PolicyRepo) GetByID(ctx context.Context, id int64) (*Policy, error) {
	var p Policy
	q := r.db.Rebind(`SELECT * FROM policies WHERE id = ?`)
	if err := r.db.GetContext(ctx, &p, q, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("policy %d: %w", id, api.ErrNotFound)
		}
		return nil, fmt.Errorf("get policy %d: %w", id, err)
	}
	return &p, nil
}

func (r *PolicyRepo) GetByName(ctx context.Context, name string) (*Policy, error) {
	var p Policy
	q := r.db.Rebind(`SELECT * FROM policies WHERE name = ?`)
	if err := r.db.GetContext(ctx, &p, q, name); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("policy %q: %w", name, api.ErrNotFound)
		}
		return nil, fmt.Errorf("get policy %q: %w", name, err)
	}
	return &p, nil
}

// ListEnabled returns enabled policies in evaluation order.
func (r *PolicyRepo) ListEnabled(ctx context.Context) ([]Policy, error) {
	var out []Policy
	q := `SELECT * FROM policies WHERE enabled ORDER BY priority DESC, id`
	if err := r.db.SelectContext(ctx, &out, q); err != nil {
		return nil, fmt.Errorf("list enabled policies: %w", err)
	}
	return out, nil
}

func (r *PolicyRepo) List(ctx context.Context) ([]Policy, error) {
	var out []Policy
	if err := r.db.SelectContext(ctx, &out, `SELECT * FROM policies ORDER BY priority DESC, id`); err != nil {
		return nil, fmt.Errorf("list policies: %w", err)
	}
	return out, nil
}

// isUniqueViolation matches unique-constraint failures from either driver.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return strings.Contains(strings.ToLower(err.Error()), "unique constraint")
}
