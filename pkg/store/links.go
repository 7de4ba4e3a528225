package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/gantrylabs/gantry/pkg/api"
)

// LinkRepo persists entity links. One row per
// (source, target, link_type, pack); re-linking refreshes confidence and
// evidence instead of duplicating the edge.
type LinkRepo struct {
	db *DB
}

func NewLinkRepo(db *DB) *LinkRepo {
	return &LinkRepo{db: db}
}

func (r *LinkRepo) Upsert(ctx context.Context, l *Link) error {
	if l.SourceEntityID == l.TargetEntityID {
		return fmt.Errorf("link source equals target: %w", api.ErrInvalidInput)
	}
	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now().UTC()
	}
	q := r.db.Rebind(`
		INSERT INTO links (id, source_entity_id, target_entity_id, link_type, confidence, evidence, pack_name, validated, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (source_entity_id, target_entity_id, link_type, pack_name) DO UPDATE SET
			confidence = excluded.confidence,
			evidence = excluded.evidence,
			metadata = excluded.metadata
		RETURNING id`)
	err := r.db.QueryRowxContext(ctx, q,
		l.ID, l.SourceEntityID, l.TargetEntityID, l.LinkType, l.Confidence,
		l.Evidence, l.PackName, l.Validated, l.Metadata, l.CreatedAt,
	).Scan(&l.ID)
	if err != nil {
		return fmt.Errorf("upsert link: %w", err)
	}
	return nil
}

func (r *LinkRepo) GetByID(ctx context.Context, id string) (*Link, error) {
	var l Link
	q := r.db.Rebind(`SELECT * FROM links WHERE id = ?`)
	if err := r.db.GetContext(ctx, &l, q, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("link %s: %w", id, api.ErrNotFound)
		}
		return nil, fmt.Errorf("get link %s: %w", id, err)
	}
	return &l, nil
}

// ListByDocument returns links whose source or target entity belongs to the
// document.
func (r *LinkRepo) ListByDocument(ctx context.Context, documentID int64) ([]Link, error) {
	var out []Link
	q := r.db.Rebind(`
		SELECT DISTINCT l.* FROM links l
		JOIN entities e ON e.id = l.source_entity_id OR e.id = l.target_entity_id
		WHERE e.document_id = ?
		ORDER BY l.confidence DESC, l.id`)
	if err := r.db.SelectContext(ctx, &out, q, documentID); err != nil {
		return nil, fmt.Errorf("list links for document %d: %w", documentID, err)
	}
	return out, nil
}

// ListByEntities returns links touching any of the given entity ids.
func (r *LinkRepo) ListByEntities(ctx context.Context, entityIDs []string) ([]Link, error) {
	if len(entityIDs) == 0 {
		return nil, nil
	}
	query, args, err := sqlx.In(
		`SELECT * FROM links WHERE source_entity_id IN (?) OR target_entity_id IN (?) ORDER BY confidence DESC, id`,
		entityIDs, entityIDs)
	if err != nil {
		return nil, fmt.Errorf("list links by entities: %w", err)
	}
	var out []Link
	if err := r.db.SelectContext(ctx, &out, r.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("list links by entities: %w", err)
	}
	return out, nil
}

// List returns links matching the optional filters, highest confidence
// first.
func (r *LinkRepo) List(ctx context.Context, linkType string, minConfidence float64, limit int) ([]Link, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	var (
		conds []string
		args  []interface{}
	)
	if linkType != "" {
		conds = append(conds, "link_type = ?")
		args = append(args, linkType)
	}
	if minConfidence > 0 {
		conds = append(conds, "confidence >= ?")
		args = append(args, minConfidence)
	}
	q := `SELECT * FROM links`
	if len(conds) > 0 {
		q += " WHERE " + strings.Join(conds, " AND ")
	}
	q += " ORDER BY confidence DESC, id LIMIT ?"
	args = append(args, limit)

	var out []Link
	if err := r.db.SelectContext(ctx, &out, r.db.Rebind(q), args...); err != nil {
		return nil, fmt.Errorf("list links: %w", err)
	}
	return out, nil
}

func (r *LinkRepo) CountByType(ctx context.Context) ([]TypeCount, error) {
	var out []TypeCount
	q := `SELECT link_type AS type, COUNT(1) AS count FROM links GROUP BY link_type ORDER BY count DESC, type`
	if err := r.db.SelectContext(ctx, &out, q); err != nil {
		return nil, fmt.Errorf("count links by type: %w", err)
	}
	return out, nil
}
