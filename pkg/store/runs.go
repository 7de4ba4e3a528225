package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/gantrylabs/gantry/pkg/api"
)

// RunRepo persists hydration runs. The pipeline owns the run struct while a
// run is live and flushes counters through this repo.
type RunRepo struct {
	db *DB
}

func NewRunRepo(db *DB) *RunRepo {
	return &RunRepo{db: db}
}

func (r *RunRepo) Create(ctx context.Context, run *HydrationRun) error {
	run.StartedAt = time.Now().UTC()
	if run.Status == "" {
		run.Status = RunStatusRunning
	}
	q := r.db.Rebind(`
		INSERT INTO hydration_runs (id, workspace_id, started_at, triggered_by, status, sources_count)
		VALUES (?, ?, ?, ?, ?, ?)`)
	if _, err := r.db.ExecContext(ctx, q,
		run.ID, run.WorkspaceID, run.StartedAt, run.Trigger, run.Status, run.SourcesCount,
	); err != nil {
		return fmt.Errorf("create run: %w", err)
	}
	return nil
}

// UpdateCounters flushes the in-memory counters so status queries see
// progress while the run is live.
func (r *RunRepo) UpdateCounters(ctx context.Context, run *HydrationRun) error {
	q := r.db.Rebind(`
		UPDATE hydration_runs
		SET files_seen = ?, files_new = ?, files_updated = ?, files_downloaded = ?,
		    files_extracted = ?, files_indexed = ?, files_linked = ?, files_failed = ?
		WHERE id = ?`)
	if _, err := r.db.ExecContext(ctx, q,
		run.FilesSeen, run.FilesNew, run.FilesUpdated, run.FilesDownloaded,
		run.FilesExtracted, run.FilesIndexed, run.FilesLinked, run.FilesFailed, run.ID,
	); err != nil {
		return fmt.Errorf("update run counters %s: %w", run.ID, err)
	}
	return nil
}

// Finalize closes the run with its terminal status and counters.
func (r *RunRepo) Finalize(ctx context.Context, run *HydrationRun) error {
	now := time.Now().UTC()
	run.FinishedAt = &now
	q := r.db.Rebind(`
		UPDATE hydration_runs
		SET finished_at = ?, status = ?, error_summary = ?,
		    files_seen = ?, files_new = ?, files_updated = ?, files_downloaded = ?,
		    files_extracted = ?, files_indexed = ?, files_linked = ?, files_failed = ?
		WHERE id = ?`)
	if _, err := r.db.ExecContext(ctx, q,
		run.FinishedAt, run.Status, run.ErrorSummary,
		run.FilesSeen, run.FilesNew, run.FilesUpdated, run.FilesDownloaded,
		run.FilesExtracted, run.FilesIndexed, run.FilesLinked, run.FilesFailed, run.ID,
	); err != nil {
		return fmt.Errorf("finalize run %s: %w", run.ID, err)
	}
	return nil
}

func (r *RunRepo) GetByID(ctx context.Context, id string) (*HydrationRun, error) {
	var run HydrationRun
	q := r.db.Rebind(`SELECT * FROM hydration_runs WHERE id = ?`)
	if err := r.db.GetContext(ctx, &run, q, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("run %s: %w", id, api.ErrNotFound)
		}
		return nil, fmt.Errorf("get run %s: %w", id, err)
	}
	return &run, nil
}

func (r *RunRepo) ListByWorkspace(ctx context.Context, workspaceID string, limit, offset int) ([]HydrationRun, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	var out []HydrationRun
	q := r.db.Rebind(`
		SELECT * FROM hydration_runs WHERE workspace_id = ?
		ORDER BY started_at DESC, id DESC LIMIT ? OFFSET ?`)
	if err := r.db.SelectContext(ctx, &out, q, workspaceID, limit, offset); err != nil {
		return nil, fmt.Errorf("list runs for %s: %w", workspaceID, err)
	}
	return out, nil
}

// Latest returns the most recent run for the workspace, or nil when none.
func (r *RunRepo) Latest(ctx context.Context, workspaceID string) (*HydrationRun, error) {
	var run HydrationRun
	q := r.db.Rebind(`
		SELECT * FROM hydration_runs WHERE workspace_id = ?
		ORDER BY started_at DESC, id DESC LIMIT 1`)
	err := r.db.GetContext(ctx, &run, q, workspaceID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest run for %s: %w", workspaceID, err)
	}
	return &run, nil
}

// ItemRepo persists per-file run outcomes.
type ItemRepo struct {
	db *DB
}

func NewItemRepo(db *DB) *ItemRepo {
	return &ItemRepo{db: db}
}

func (r *ItemRepo) Insert(ctx context.Context, it *HydrationRunItem) error {
	it.CreatedAt = time.Now().UTC()
	q := r.db.Rebind(`
		INSERT INTO hydration_run_items (run_id, document_id, source_document_id, name, action, status, duration_ms, detail, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id`)
	err := r.db.QueryRowxContext(ctx, q,
		it.RunID, it.DocumentID, it.SourceDocumentID, it.Name, it.Action, it.Status,
		it.DurationMS, it.Detail, it.CreatedAt,
	).Scan(&it.ID)
	if err != nil {
		return fmt.Errorf("insert run item: %w", err)
	}
	return nil
}

func (r *ItemRepo) ListByRun(ctx context.Context, runID string) ([]HydrationRunItem, error) {
	var out []HydrationRunItem
	q := r.db.Rebind(`SELECT * FROM hydration_run_items WHERE run_id = ? ORDER BY id`)
	if err := r.db.SelectContext(ctx, &out, q, runID); err != nil {
		return nil, fmt.Errorf("list items for %s: %w", runID, err)
	}
	return out, nil
}
