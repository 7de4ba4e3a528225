package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// AuditFilter narrows audit queries. Zero values mean "no constraint".
type AuditFilter struct {
	PrincipalID  *int64
	Action       string
	ResourceType string
	ResourceID   string
	Decision     string
	From         *time.Time
	To           *time.Time
	Limit        int
	Offset       int
}

// AuditStats is the aggregate view over a time range.
type AuditStats struct {
	Total         int64      `json:"total"`
	Denials       int64      `json:"denials"`
	DenialRate    float64    `json:"denial_rate"`
	TopPrincipals []TopEntry `json:"top_principals"`
	TopActions    []TopEntry `json:"top_actions"`
	TopResources  []TopEntry `json:"top_resources"`
}

// TopEntry is one row of a leaderboard aggregate.
type TopEntry struct {
	Key   string `db:"key" json:"key"`
	Count int64  `db:"count" json:"count"`
}

// AuditRepo persists the append-only decision log. Hash-chain fields are
// computed by the audit logger; this repo only stores and reads them.
type AuditRepo struct {
	db *DB
}

func NewAuditRepo(db *DB) *AuditRepo {
	return &AuditRepo{db: db}
}

func (r *AuditRepo) Insert(ctx context.Context, rec *AuditRecord) error {
	q := r.db.Rebind(`
		INSERT INTO audit_log (principal_id, action, resource_type, resource_id, decision, metadata, ip, timestamp, payload_hash, previous_hash, entry_hash)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id`)
	err := r.db.QueryRowxContext(ctx, q,
		rec.PrincipalID, rec.Action, rec.ResourceType, rec.ResourceID, rec.Decision,
		rec.Metadata, rec.IP, rec.Timestamp, rec.PayloadHash, rec.PreviousHash, rec.EntryHash,
	).Scan(&rec.ID)
	if err != nil {
		return fmt.Errorf("insert audit record: %w", err)
	}
	return nil
}

// LastEntryHash returns the entry hash of the newest record, or "" when the
// log is empty. The logger uses it to rebuild its chain head on startup.
func (r *AuditRepo) LastEntryHash(ctx context.Context) (string, error) {
	var h string
	q := `SELECT entry_hash FROM audit_log ORDER BY id DESC LIMIT 1`
	err := r.db.GetContext(ctx, &h, q)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("last entry hash: %w", err)
	}
	return h, nil
}

// Query returns matching records, newest first with id as tie-break.
func (r *AuditRepo) Query(ctx context.Context, f AuditFilter) ([]AuditRecord, error) {
	var (
		conds []string
		args  []interface{}
	)
	if f.PrincipalID != nil {
		conds = append(conds, "principal_id = ?")
		args = append(args, *f.PrincipalID)
	}
	if f.Action != "" {
		conds = append(conds, "action = ?")
		args = append(args, f.Action)
	}
	if f.ResourceType != "" {
		conds = append(conds, "resource_type = ?")
		args = append(args, f.ResourceType)
	}
	if f.ResourceID != "" {
		conds = append(conds, "resource_id = ?")
		args = append(args, f.ResourceID)
	}
	if f.Decision != "" {
		conds = append(conds, "decision = ?")
		args = append(args, f.Decision)
	}
	if f.From != nil {
		conds = append(conds, "timestamp >= ?")
		args = append(args, f.From.UTC())
	}
	if f.To != nil {
		conds = append(conds, "timestamp <= ?")
		args = append(args, f.To.UTC())
	}

	q := `SELECT * FROM audit_log`
	if len(conds) > 0 {
		q += " WHERE " + strings.Join(conds, " AND ")
	}
	q += " ORDER BY timestamp DESC, id DESC"
	limit := f.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	q += " LIMIT ?"
	args = append(args, limit)
	if f.Offset > 0 {
		q += " OFFSET ?"
		args = append(args, f.Offset)
	}

	var out []AuditRecord
	if err := r.db.SelectContext(ctx, &out, r.db.Rebind(q), args...); err != nil {
		return nil, fmt.Errorf("query audit log: %w", err)
	}
	return out, nil
}

// ListRange returns records with id in (afterID, afterID+limit], ascending.
// Chain verification and export walk the log with it.
func (r *AuditRepo) ListRange(ctx context.Context, afterID int64, limit int) ([]AuditRecord, error) {
	if limit <= 0 {
		limit = 500
	}
	var out []AuditRecord
	q := r.db.Rebind(`SELECT * FROM audit_log WHERE id > ? ORDER BY id LIMIT ?`)
	if err := r.db.SelectContext(ctx, &out, q, afterID, limit); err != nil {
		return nil, fmt.Errorf("list audit range: %w", err)
	}
	return out, nil
}

// Stats aggregates totals, the denial rate, and top-5 leaderboards over the
// given range. Nil bounds mean unbounded.
func (r *AuditRepo) Stats(ctx context.Context, from, to *time.Time) (*AuditStats, error) {
	var (
		conds []string
		args  []interface{}
	)
	if from != nil {
		conds = append(conds, "timestamp >= ?")
		args = append(args, from.UTC())
	}
	if to != nil {
		conds = append(conds, "timestamp <= ?")
		args = append(args, to.UTC())
	}
	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}

	stats := &AuditStats{}
	q := r.db.Rebind(`SELECT COUNT(1) FROM audit_log` + where)
	if err := r.db.GetContext(ctx, &stats.Total, q, args...); err != nil {
		return nil, fmt.Errorf("audit stats total: %w", err)
	}

	denyConds := append(append([]string{}, conds...), "decision != ?")
	denyArgs := append(append([]interface{}{}, args...), DecisionAllow)
	q = r.db.Rebind(`SELECT COUNT(1) FROM audit_log WHERE ` + strings.Join(denyConds, " AND "))
	if err := r.db.GetContext(ctx, &stats.Denials, q, denyArgs...); err != nil {
		return nil, fmt.Errorf("audit stats denials: %w", err)
	}
	if stats.Total > 0 {
		stats.DenialRate = float64(stats.Denials) / float64(stats.Total)
	}

	top := func(col, extra string) ([]TopEntry, error) {
		w := where
		if extra != "" {
			if w == "" {
				w = " WHERE " + extra
			} else {
				w += " AND " + extra
			}
		}
		var entries []TopEntry
		q := fmt.Sprintf(
			`SELECT CAST(%s AS TEXT) AS key, COUNT(1) AS count FROM audit_log%s GROUP BY %s ORDER BY count DESC, key LIMIT 5`,
			col, w, col)
		if err := r.db.SelectContext(ctx, &entries, r.db.Rebind(q), args...); err != nil {
			return nil, err
		}
		return entries, nil
	}

	var err error
	if stats.TopPrincipals, err = top("principal_id", "principal_id IS NOT NULL"); err != nil {
		return nil, fmt.Errorf("audit stats principals: %w", err)
	}
	if stats.TopActions, err = top("action", ""); err != nil {
		return nil, fmt.Errorf("audit stats actions: %w", err)
	}
	if stats.TopResources, err = top("resource_type", "resource_type IS NOT NULL"); err != nil {
		return nil, fmt.Errorf("audit stats resources: %w", err)
	}
	return stats, nil
}

// Cleanup deletes records older than the retention window.
func (r *AuditRepo) Cleanup(ctx context.Context, olderThanDays int) (int64, error) {
	if olderThanDays <= 0 {
		olderThanDays = 90
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -olderThanDays)
	q := r.db.Rebind(`DELETE FROM audit_log WHERE timestamp < ?`)
	res, err := r.db.ExecContext(ctx, q, cutoff)
	if err != nil {
		return 0, fmt.Errorf("cleanup audit log: %w", err)
	}
	return res.RowsAffected()
}
