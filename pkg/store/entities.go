package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// TypeCount is one row of a grouped count.
type TypeCount struct {
	Type  string `db:"type" json:"type"`
	Count int64  `db:"count" json:"count"`
}

// EntityRepo persists linking entities. Entity ids are deterministic, so
// Upsert makes pack re-runs idempotent.
type EntityRepo struct {
	db *DB
}

func NewEntityRepo(db *DB) *EntityRepo {
	return &EntityRepo{db: db}
}

func (r *EntityRepo) Upsert(ctx context.Context, e *Entity) error {
	now := time.Now().UTC()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	e.UpdatedAt = now
	q := r.db.Rebind(`
		INSERT INTO entities (id, type, text, document_id, section, project_id, metadata, embedding_ref, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			type = excluded.type,
			text = excluded.text,
			document_id = excluded.document_id,
			section = excluded.section,
			project_id = excluded.project_id,
			metadata = excluded.metadata,
			updated_at = excluded.updated_at`)
	if _, err := r.db.ExecContext(ctx, q,
		e.ID, e.Type, e.Text, e.DocumentID, e.Section, e.ProjectID,
		e.Metadata, e.EmbeddingRef, e.CreatedAt, e.UpdatedAt,
	); err != nil {
		return fmt.Errorf("upsert entity %s: %w", e.ID, err)
	}
	return nil
}

// ExistingIDs returns which of the given ids are already stored.
func (r *EntityRepo) ExistingIDs(ctx context.Context, ids []string) (map[string]bool, error) {
	if len(ids) == 0 {
		return map[string]bool{}, nil
	}
	query, args, err := sqlx.In(`SELECT id FROM entities WHERE id IN (?)`, ids)
	if err != nil {
		return nil, fmt.Errorf("existing entity ids: %w", err)
	}
	var found []string
	if err := r.db.SelectContext(ctx, &found, r.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("existing entity ids: %w", err)
	}
	out := make(map[string]bool, len(found))
	for _, id := range found {
		out[id] = true
	}
	return out, nil
}

func (r *EntityRepo) GetByID(ctx context.Context, id string) (*Entity, error) {
	var e Entity
	q := r.db.Rebind(`SELECT * FROM entities WHERE id = ?`)
	err := r.db.GetContext(ctx, &e, q, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get entity %s: %w", id, err)
	}
	return &e, nil
}

func (r *EntityRepo) ListByDocument(ctx context.Context, documentID int64) ([]Entity, error) {
	var out []Entity
	q := r.db.Rebind(`SELECT * FROM entities WHERE document_id = ? ORDER BY id`)
	if err := r.db.SelectContext(ctx, &out, q, documentID); err != nil {
		return nil, fmt.Errorf("list entities for document %d: %w", documentID, err)
	}
	return out, nil
}

func (r *EntityRepo) ListByTypes(ctx context.Context, types []string, limit int) ([]Entity, error) {
	if limit <= 0 || limit > 10000 {
		limit = 5000
	}
	if len(types) == 0 {
		return r.ListAll(ctx, limit)
	}
	query, args, err := sqlx.In(`SELECT * FROM entities WHERE type IN (?) ORDER BY id LIMIT ?`, types, limit)
	if err != nil {
		return nil, fmt.Errorf("list entities by type: %w", err)
	}
	var out []Entity
	if err := r.db.SelectContext(ctx, &out, r.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("list entities by type: %w", err)
	}
	return out, nil
}

func (r *EntityRepo) ListAll(ctx context.Context, limit int) ([]Entity, error) {
	if limit <= 0 || limit > 10000 {
		limit = 5000
	}
	var out []Entity
	q := r.db.Rebind(`SELECT * FROM entities ORDER BY id LIMIT ?`)
	if err := r.db.SelectContext(ctx, &out, q, limit); err != nil {
		return nil, fmt.Errorf("list entities: %w", err)
	}
	return out, nil
}

// SetEmbeddingRef records where the entity's vector lives.
func (r *EntityRepo) SetEmbeddingRef(ctx context.Context, id, ref string) error {
	q := r.db.Rebind(`UPDATE entities SET embedding_ref = ?, updated_at = ? WHERE id = ?`)
	if _, err := r.db.ExecContext(ctx, q, ref, time.Now().UTC(), id); err != nil {
		return fmt.Errorf("set embedding ref %s: %w", id, err)
	}
	return nil
}

func (r *EntityRepo) CountByType(ctx context.Context) ([]TypeCount, error) {
	var out []TypeCount
	q := `SELECT type, COUNT(1) AS count FROM entities GROUP BY type ORDER BY count DESC, type`
	if err := r.db.SelectContext(ctx, &out, q); err != nil {
		return nil, fmt.Errorf("count entities by type: %w", err)
	}
	return out, nil
}
