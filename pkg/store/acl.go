package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// ACLRepo persists project grants. All reads treat rows whose expires_at is
// in the past as absent.
type ACLRepo struct {
	db *DB
}

func NewACLRepo(db *DB) *ACLRepo {
	return &ACLRepo{db: db}
}

// Upsert writes the grant, replacing any existing entry for the same
// (principal, project).
func (r *ACLRepo) Upsert(ctx context.Context, e *ACLEntry) error {
	e.GrantedAt = time.Now().UTC()
	q := r.db.Rebind(`
		INSERT INTO acl_entries (principal_id, project_id, role, permissions, granted_by, granted_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (principal_id, project_id) DO UPDATE SET
			role = excluded.role,
			permissions = excluded.permissions,
			granted_by = excluded.granted_by,
			granted_at = excluded.granted_at,
			expires_at = excluded.expires_at
		RETURNING id`)
	err := r.db.QueryRowxContext(ctx, q,
		e.PrincipalID, e.ProjectID, e.Role, e.Permissions, e.GrantedBy, e.GrantedAt, e.ExpiresAt,
	).Scan(&e.ID)
	if err != nil {
		return fmt.Errorf("upsert acl: %w", err)
	}
	return nil
}

// Delete removes the grant and reports whether a row existed.
func (r *ACLRepo) Delete(ctx context.Context, principalID, projectID int64) (bool, error) {
	q := r.db.Rebind(`DELETE FROM acl_entries WHERE principal_id = ? AND project_id = ?`)
	res, err := r.db.ExecContext(ctx, q, principalID, projectID)
	if err != nil {
		return false, fmt.Errorf("delete acl: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Get returns the non-expired grant, or nil when none exists.
func (r *ACLRepo) Get(ctx context.Context, principalID, projectID int64) (*ACLEntry, error) {
	var e ACLEntry
	q := r.db.Rebind(`
		SELECT * FROM acl_entries
		WHERE principal_id = ? AND project_id = ?
		  AND (expires_at IS NULL OR expires_at > ?)`)
	err := r.db.GetContext(ctx, &e, q, principalID, projectID, time.Now().UTC())
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get acl: %w", err)
	}
	return &e, nil
}

// ListByPrincipal returns the principal's non-expired grants.
func (r *ACLRepo) ListByPrincipal(ctx context.Context, principalID int64) ([]ACLEntry, error) {
	var out []ACLEntry
	q := r.db.Rebind(`
		SELECT * FROM acl_entries
		WHERE principal_id = ? AND (expires_at IS NULL OR expires_at > ?)
		ORDER BY project_id`)
	if err := r.db.SelectContext(ctx, &out, q, principalID, time.Now().UTC()); err != nil {
		return nil, fmt.Errorf("list acl by principal: %w", err)
	}
	return out, nil
}

// ListByProject returns the project's non-expired grants.
func (r *ACLRepo) ListByProject(ctx context.Context, projectID int64) ([]ACLEntry, error) {
	var out []ACLEntry
	q := r.db.Rebind(`
		SELECT * FROM acl_entries
		WHERE project_id = ? AND (expires_at IS NULL OR expires_at > ?)
		ORDER BY principal_id`)
	if err := r.db.SelectContext(ctx, &out, q, projectID, time.Now().UTC()); err != nil {
		return nil, fmt.Errorf("list acl by project: %w", err)
	}
	return out, nil
}

// PrincipalsByRole returns principal ids holding any of the given global
// roles. The ACL manager uses it to include implicit admin and director
// access in listings.
func (r *ACLRepo) PrincipalsByRole(ctx context.Context, roles ...string) ([]int64, error) {
	if len(roles) == 0 {
		return nil, nil
	}
	query, args, err := sqlx.In(`SELECT id FROM principals WHERE role IN (?) ORDER BY id`, roles)
	if err != nil {
		return nil, fmt.Errorf("principals by role: %w", err)
	}
	var out []int64
	if err := r.db.SelectContext(ctx, &out, r.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("principals by role: %w", err)
	}
	return out, nil
}
