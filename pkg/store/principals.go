package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/gantrylabs/gantry/pkg/api"
)

// PrincipalRepo persists principals.
type PrincipalRepo struct {
	db *DB
}

func NewPrincipalRepo(db *DB) *PrincipalRepo {
	return &PrincipalRepo{db: db}
}

func (r *PrincipalRepo) Create(ctx context.Context, p *Principal) error {
	if p.Role == "" {
		p.Role = RoleViewer
	}
	p.CreatedAt = time.Now().UTC()
	q := r.db.Rebind(`
		INSERT INTO principals (name, email, role, created_at)
		VALUES (?, ?, ?, ?)
		RETURNING id`)
	if err := r.db.QueryRowxContext(ctx, q, p.Name, p.Email, p.Role, p.CreatedAt).Scan(&p.ID); err != nil {
		return fmt.Errorf("create principal: %w", err)
	}
	return nil
}

func (r *PrincipalRepo) GetByID(ctx context.Context, id int64) (*Principal, error) {
	var p Principal
	q := r.db.Rebind(`SELECT * FROM principals WHERE id = ?`)
	if err := r.db.GetContext(ctx, &p, q, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("principal %d: %w", id, api.ErrNotFound)
		}
		return nil, fmt.Errorf("get principal %d: %w", id, err)
	}
	return &p, nil
}

func (r *PrincipalRepo) GetByEmail(ctx context.Context, email string) (*Principal, error) {
	var p Principal
	q := r.db.Rebind(`SELECT * FROM principals WHERE email = ?`)
	if err := r.db.GetContext(ctx, &p, q, email); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("principal %s: %w", email, api.ErrNotFound)
		}
		return nil, fmt.Errorf("get principal %s: %w", email, err)
	}
	return &p, nil
}

func (r *PrincipalRepo) Exists(ctx context.Context, id int64) (bool, error) {
	var n int
	q := r.db.Rebind(`SELECT COUNT(1) FROM principals WHERE id = ?`)
	if err := r.db.GetContext(ctx, &n, q, id); err != nil {
		return false, fmt.Errorf("principal exists %d: %w", id, err)
	}
	return n > 0, nil
}

func (r *PrincipalRepo) UpdateRole(ctx context.Context, id int64, role string) error {
	q := r.db.Rebind(`UPDATE principals SET role = ? WHERE id = ?`)
	res, err := r.db.ExecContext(ctx, q, role, id)
	if err != nil {
		return fmt.Errorf("update principal role: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("principal %d: %w", id, api.ErrNotFound)
	}
	return nil
}

func (r *PrincipalRepo) List(ctx context.Context) ([]Principal, error) {
	var out []Principal
	if err := r.db.SelectContext(ctx, &out, `SELECT * FROM principals ORDER BY id`); err != nil {
		return nil, fmt.Errorf("list principals: %w", err)
	}
	return out, nil
}

// ProjectRepo persists projects.
type ProjectRepo struct {
	db *DB
}

func NewProjectRepo(db *DB) *ProjectRepo {
	return &ProjectRepo{db: db}
}

func (r *ProjectRepo) Create(ctx context.Context, p *Project) error {
	p.CreatedAt = time.Now().UTC()
	q := r.db.Rebind(`INSERT INTO projects (name, created_at) VALUES (?, ?) RETURNING id`)
	if err := r.db.QueryRowxContext(ctx, q, p.Name, p.CreatedAt).Scan(&p.ID); err != nil {
		return fmt.Errorf("create project: %w", err)
	}
	return nil
}

func (r *ProjectRepo) GetByID(ctx context.Context, id int64) (*Project, error) {
	var p Project
	q := r.db.Rebind(`SELECT * FROM projects WHERE id = ?`)
	if err := r.db.GetContext(ctx, &p, q, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("project %d: %w", id, api.ErrNotFound)
		}
		return nil, fmt.Errorf("get project %d: %w", id, err)
	}
	return &p, nil
}

func (r *ProjectRepo) Exists(ctx context.Context, id int64) (bool, error) {
	var n int
	q := r.db.Rebind(`SELECT COUNT(1) FROM projects WHERE id = ?`)
	if err := r.db.GetContext(ctx, &n, q, id); err != nil {
		return false, fmt.Errorf("project exists %d: %w", id, err)
	}
	return n > 0, nil
}

func (r *ProjectRepo) List(ctx context.Context) ([]Project, error) {
	var out []Project
	if err := r.db.SelectContext(ctx, &out, `SELECT * FROM projects ORDER BY id`); err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	return out, nil
}
