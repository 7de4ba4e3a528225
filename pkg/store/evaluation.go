package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/gantrylabs/gantry/pkg/api"
)

// EvalRunRepo persists evaluation runs.
type EvalRunRepo struct {
	db *DB
}

func NewEvalRunRepo(db *DB) *EvalRunRepo {
	return &EvalRunRepo{db: db}
}

func (r *EvalRunRepo) Create(ctx context.Context, run *EvaluationRun) error {
	run.StartedAt = time.Now().UTC()
	if run.Status == "" {
		run.Status = RunStatusRunning
	}
	q := r.db.Rebind(`
		INSERT INTO evaluation_runs (id, suite_name, tag, status, started_at, report)
		VALUES (?, ?, ?, ?, ?, ?)`)
	if _, err := r.db.ExecContext(ctx, q,
		run.ID, run.SuiteName, run.Tag, run.Status, run.StartedAt, run.Report,
	); err != nil {
		return fmt.Errorf("create evaluation run: %w", err)
	}
	return nil
}

// Finish closes the run with its score and case counts.
func (r *EvalRunRepo) Finish(ctx context.Context, run *EvaluationRun) error {
	now := time.Now().UTC()
	run.FinishedAt = &now
	q := r.db.Rebind(`
		UPDATE evaluation_runs
		SET status = ?, score = ?, cases_total = ?, cases_pass = ?, finished_at = ?, error = ?, report = ?
		WHERE id = ?`)
	if _, err := r.db.ExecContext(ctx, q,
		run.Status, run.Score, run.CasesTotal, run.CasesPass, run.FinishedAt, run.Error, run.Report, run.ID,
	); err != nil {
		return fmt.Errorf("finish evaluation run %s: %w", run.ID, err)
	}
	return nil
}

func (r *EvalRunRepo) GetByID(ctx context.Context, id string) (*EvaluationRun, error) {
	var run EvaluationRun
	q := r.db.Rebind(`SELECT * FROM evaluation_runs WHERE id = ?`)
	if err := r.db.GetContext(ctx, &run, q, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("evaluation run %s: %w", id, api.ErrNotFound)
		}
		return nil, fmt.Errorf("get evaluation run %s: %w", id, err)
	}
	return &run, nil
}

func (r *EvalRunRepo) List(ctx context.Context, suiteName string, limit int) ([]EvaluationRun, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	var out []EvaluationRun
	if suiteName != "" {
		q := r.db.Rebind(`
			SELECT * FROM evaluation_runs WHERE suite_name = ?
			ORDER BY started_at DESC, id DESC LIMIT ?`)
		if err := r.db.SelectContext(ctx, &out, q, suiteName, limit); err != nil {
			return nil, fmt.Errorf("list evaluation runs: %w", err)
		}
		return out, nil
	}
	q := r.db.Rebind(`SELECT * FROM evaluation_runs ORDER BY started_at DESC, id DESC LIMIT ?`)
	if err := r.db.SelectContext(ctx, &out, q, limit); err != nil {
		return nil, fmt.Errorf("list evaluation runs: %w", err)
	}
	return out, nil
}

// CountFailedSince counts failed runs newer than the cutoff, which feeds
// the alerting threshold for flaky suites.
func (r *EvalRunRepo) CountFailedSince(ctx context.Context, suiteName string, since time.Time) (int, error) {
	var n int
	q := r.db.Rebind(`
		SELECT COUNT(1) FROM evaluation_runs
		WHERE suite_name = ? AND status = ? AND started_at >= ?`)
	if err := r.db.GetContext(ctx, &n, q, suiteName, RunStatusFailed, since.UTC()); err != nil {
		return 0, fmt.Errorf("count failed runs for %s: %w", suiteName, err)
	}
	return n, nil
}

// GroundTruthRepo persists labeled evaluation cases.
type GroundTruthRepo struct {
	db *DB
}

func NewGroundTruthRepo(db *DB) *GroundTruthRepo {
	return &GroundTruthRepo{db: db}
}

func (r *GroundTruthRepo) Insert(ctx context.Context, c *GroundTruthCase) error {
	c.CreatedAt = time.Now().UTC()
	q := r.db.Rebind(`
		INSERT INTO ground_truth_cases (suite_name, input, expected, created_at)
		VALUES (?, ?, ?, ?)
		RETURNING id`)
	err := r.db.QueryRowxContext(ctx, q, c.SuiteName, c.Input, c.Expected, c.CreatedAt).Scan(&c.ID)
	if err != nil {
		return fmt.Errorf("insert ground truth case: %w", err)
	}
	return nil
}

func (r *GroundTruthRepo) ListBySuite(ctx context.Context, suiteName string) ([]GroundTruthCase, error) {
	var out []GroundTruthCase
	q := r.db.Rebind(`SELECT * FROM ground_truth_cases WHERE suite_name = ? ORDER BY id`)
	if err := r.db.SelectContext(ctx, &out, q, suiteName); err != nil {
		return nil, fmt.Errorf("list ground truth for %s: %w", suiteName, err)
	}
	return out, nil
}

func (r *GroundTruthRepo) CountBySuite(ctx context.Context, suiteName string) (int, error) {
	var n int
	q := r.db.Rebind(`SELECT COUNT(1) FROM ground_truth_cases WHERE suite_name = ?`)
	if err := r.db.GetContext(ctx, &n, q, suiteName); err != nil {
		return 0, fmt.Errorf("count ground truth for %s: %w", suiteName, err)
	}
	return n, nil
}
