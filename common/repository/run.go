package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/chittyos/evidence-ledger/common/db"
	"github.com/chittyos/evidence-ledger/common/ledger"
	"github.com/chittyos/evidence-ledger/common/models"
)

const runColumns = `run_id, kind, status, roots, host, started_at, completed_at,
	files_scanned, files_new, files_duplicate, files_resumed, files_failed, files_skipped, error`

// RunRepository handles database operations for ingestion runs
type RunRepository struct {
	db *db.DB
}

// NewRunRepository creates a new run repository
func NewRunRepository(database *db.DB) *RunRepository {
	return &RunRepository{db: database}
}

func scanRun(row pgx.Row) (*models.IngestionRun, error) {
	run := &models.IngestionRun{}
	var kind, status string
	err := row.Scan(
		&run.RunID,
		&kind,
		&status,
		&run.Roots,
		&run.Host,
		&run.StartedAt,
		&run.CompletedAt,
		&run.FilesScanned,
		&run.FilesNew,
		&run.FilesDuplicate,
		&run.FilesResumed,
		&run.FilesFailed,
		&run.FilesSkipped,
		&run.Error,
	)
	if err != nil {
		return nil, err
	}
	run.Kind = models.RunKind(kind)
	run.Status = models.RunStatus(status)
	run.StartedAt = run.StartedAt.UTC()
	if run.CompletedAt != nil {
		t := run.CompletedAt.UTC()
		run.CompletedAt = &t
	}
	return run, nil
}

// Save inserts a run or overwrites its summary
func (r *RunRepository) Save(ctx context.Context, run *models.IngestionRun) error {
	query := `
		INSERT INTO ingestion_run (` + runColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (run_id) DO UPDATE
		SET status = EXCLUDED.status,
		    completed_at = EXCLUDED.completed_at,
		    files_scanned = EXCLUDED.files_scanned,
		    files_new = EXCLUDED.files_new,
		    files_duplicate = EXCLUDED.files_duplicate,
		    files_resumed = EXCLUDED.files_resumed,
		    files_failed = EXCLUDED.files_failed,
		    files_skipped = EXCLUDED.files_skipped,
		    error = EXCLUDED.error
	`

	roots := run.Roots
	if roots == nil {
		roots = []string{}
	}

	_, err := r.db.Exec(
		ctx,
		query,
		run.RunID,
		string(run.Kind),
		string(run.Status),
		roots,
		run.Host,
		run.StartedAt,
		run.CompletedAt,
		run.FilesScanned,
		run.FilesNew,
		run.FilesDuplicate,
		run.FilesResumed,
		run.FilesFailed,
		run.FilesSkipped,
		run.Error,
	)
	if err != nil {
		return fmt.Errorf("failed to save run: %w", err)
	}

	return nil
}

// GetByID retrieves a run by its ID
func (r *RunRepository) GetByID(ctx context.Context, runID uuid.UUID) (*models.IngestionRun, error) {
	query := `SELECT ` + runColumns + ` FROM ingestion_run WHERE run_id = $1`

	run, err := scanRun(r.db.QueryRow(ctx, query, runID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", runID, ledger.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}

	return run, nil
}

// List retrieves the most recent runs, newest first
func (r *RunRepository) List(ctx context.Context, limit int) ([]*models.IngestionRun, error) {
	query := `
		SELECT ` + runColumns + `
		FROM ingestion_run
		ORDER BY started_at DESC, run_id DESC
		LIMIT $1
	`

	if limit <= 0 {
		limit = 1000
	}

	rows, err := r.db.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []*models.IngestionRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}

	return runs, nil
}
