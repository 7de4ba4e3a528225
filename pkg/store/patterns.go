package store

import (
	"context"
	"fmt"

	"github.com/gantrylabs/gantry/pkg/api"
)

// PatternRepo persists prohibited-content patterns merged into the scanner
// at runtime. Regex validity is checked at compile time by the scanner, not
// here.
type PatternRepo struct {
	db *DB
}

func NewPatternRepo(db *DB) *PatternRepo {
	return &PatternRepo{db: db}
}

func (r *PatternRepo) ListEnabled(ctx context.Context) ([]ProhibitedPattern, error) {
	var out []ProhibitedPattern
	q := `SELECT * FROM prohibited_patterns WHERE enabled ORDER BY id`
	if err := r.db.SelectContext(ctx, &out, q); err != nil {
		return nil, fmt.Errorf("list enabled patterns: %w", err)
	}
	return out, nil
}

func (r *PatternRepo) List(ctx context.Context) ([]ProhibitedPattern, error) {
	var out []ProhibitedPattern
	if err := r.db.SelectContext(ctx, &out, `SELECT * FROM prohibited_patterns ORDER BY id`); err != nil {
		return nil, fmt.Errorf("list patterns: %w", err)
	}
	return out, nil
}

func (r *PatternRepo) Create(ctx context.Context, p *ProhibitedPattern) error {
	q := r.db.Rebind(`
		INSERT INTO prohibited_patterns (type, regex, severity, enabled, description)
		VALUES (?, ?, ?, ?, ?)
		RETURNING id`)
	err := r.db.QueryRowxContext(ctx, q, p.Type, p.Regex, p.Severity, p.Enabled, p.Description).Scan(&p.ID)
	if err != nil {
		return fmt.Errorf("create pattern: %w", err)
	}
	return nil
}

func (r *PatternRepo) Delete(ctx context.Context, id int64) error {
	q := r.db.Rebind(`DELETE FROM prohibited_patterns WHERE id = ?`)
	res, err := r.db.ExecContext(ctx, q, id)
	if err != nil {
		return fmt.Errorf("delete pattern %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("pattern %d: %w", id, api.ErrNotFound)
	}
	return nil
}
