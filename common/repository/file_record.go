package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/chittyos/evidence-ledger/common/db"
	"github.com/chittyos/evidence-ledger/common/ledger"
	"github.com/chittyos/evidence-ledger/common/models"
)

const recordColumns = `content_digest, external_id, canonical_path, alias_paths, size_bytes, mime_hint,
	status, mint_attempts, last_error, annotations, first_seen_at, last_seen_at, minted_at, updated_at`

const uniqueViolation = "23505"

// FileRecordRepository handles file_record and file_event. Every mutation
// runs in one transaction holding the record's row lock, so the record
// image and its history entry commit together.
type FileRecordRepository struct {
	db *db.DB
}

// NewFileRecordRepository creates a new file record repository
func NewFileRecordRepository(database *db.DB) *FileRecordRepository {
	return &FileRecordRepository{db: database}
}

func scanRecord(row pgx.Row) (*models.FileRecord, error) {
	rec := &models.FileRecord{}
	var status string
	err := row.Scan(
		&rec.ContentDigest,
		&rec.ExternalID,
		&rec.CanonicalPath,
		&rec.AliasPaths,
		&rec.SizeBytes,
		&rec.MimeHint,
		&status,
		&rec.MintAttempts,
		&rec.LastError,
		&rec.Annotations,
		&rec.FirstSeenAt,
		&rec.LastSeenAt,
		&rec.MintedAt,
		&rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	rec.Status = models.Status(status)
	rec.FirstSeenAt = rec.FirstSeenAt.UTC()
	rec.LastSeenAt = rec.LastSeenAt.UTC()
	rec.UpdatedAt = rec.UpdatedAt.UTC()
	if rec.MintedAt != nil {
		t := rec.MintedAt.UTC()
		rec.MintedAt = &t
	}
	if rec.AliasPaths == nil {
		rec.AliasPaths = []string{}
	}
	if len(rec.Annotations) == 0 {
		rec.Annotations = nil
	}
	return rec, nil
}

func annotationsParam(rec *models.FileRecord) map[string]string {
	if rec.Annotations == nil {
		return map[string]string{}
	}
	return rec.Annotations
}

func runIDParam(id uuid.UUID) pgtype.UUID {
	return pgtype.UUID{Bytes: id, Valid: id != uuid.Nil}
}

// lockRecord selects a record FOR UPDATE inside tx
func (r *FileRecordRepository) lockRecord(ctx context.Context, tx pgx.Tx, digest string) (*models.FileRecord, error) {
	query := `SELECT ` + recordColumns + ` FROM file_record WHERE content_digest = $1 FOR UPDATE`

	rec, err := scanRecord(tx.QueryRow(ctx, query, digest))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("record %s: %w", digest, ledger.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock file record: %w", err)
	}
	return rec, nil
}

// insert reports false when a concurrent transaction created the digest first
func (r *FileRecordRepository) insert(ctx context.Context, tx pgx.Tx, rec *models.FileRecord) (bool, error) {
	query := `
		INSERT INTO file_record (` + recordColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (content_digest) DO NOTHING
	`

	tag, err := tx.Exec(ctx, query,
		rec.ContentDigest,
		rec.ExternalID,
		rec.CanonicalPath,
		rec.AliasPaths,
		rec.SizeBytes,
		rec.MimeHint,
		string(rec.Status),
		rec.MintAttempts,
		rec.LastError,
		annotationsParam(rec),
		rec.FirstSeenAt,
		rec.LastSeenAt,
		rec.MintedAt,
		rec.UpdatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert file record: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// save writes the mutable columns of rec
func (r *FileRecordRepository) save(ctx context.Context, tx pgx.Tx, rec *models.FileRecord) error {
	query := `
		UPDATE file_record
		SET external_id = $2,
		    alias_paths = $3,
		    status = $4,
		    mint_attempts = $5,
		    last_error = $6,
		    annotations = $7,
		    last_seen_at = $8,
		    minted_at = $9,
		    updated_at = $10
		WHERE content_digest = $1
	`

	_, err := tx.Exec(ctx, query,
		rec.ContentDigest,
		rec.ExternalID,
		rec.AliasPaths,
		string(rec.Status),
		rec.MintAttempts,
		rec.LastError,
		annotationsParam(rec),
		rec.LastSeenAt,
		rec.MintedAt,
		rec.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return &ledger.InvalidTransitionError{
				Digest: rec.ContentDigest, From: rec.Status, To: models.StatusMinted,
				Reason: fmt.Sprintf("external id %s already assigned", rec.ID()),
			}
		}
		return fmt.Errorf("failed to update file record: %w", err)
	}
	return nil
}

func (r *FileRecordRepository) appendEvent(ctx context.Context, tx pgx.Tx, ev *models.FileEvent) error {
	query := `
		INSERT INTO file_event (content_digest, kind, path, external_id, run_id, detail, at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING seq
	`

	err := tx.QueryRow(ctx, query,
		ev.ContentDigest,
		string(ev.Kind),
		ev.Path,
		ev.ExternalID,
		runIDParam(ev.RunID),
		ev.Detail,
		ev.At,
	).Scan(&ev.Seq)
	if err != nil {
		return fmt.Errorf("failed to append file event: %w", err)
	}
	return nil
}

// Upsert inserts a PENDING_ID record or records a re-observation
func (r *FileRecordRepository) Upsert(ctx context.Context, obs ledger.Observation) (*models.FileRecord, bool, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	now := ledger.Now()
	rec, err := r.lockRecord(ctx, tx, obs.Digest)
	if errors.Is(err, ledger.ErrNotFound) {
		fresh, ev := ledger.NewRecord(obs, now)
		inserted, err := r.insert(ctx, tx, fresh)
		if err != nil {
			return nil, false, err
		}
		if inserted {
			if err := r.appendEvent(ctx, tx, &ev); err != nil {
				return nil, false, err
			}
			if err := tx.Commit(ctx); err != nil {
				return nil, false, fmt.Errorf("failed to commit: %w", err)
			}
			return fresh, true, nil
		}
		// Lost the race; the conflicting row is committed now.
		rec, err = r.lockRecord(ctx, tx, obs.Digest)
		if err != nil {
			return nil, false, err
		}
	} else if err != nil {
		return nil, false, err
	}

	ev := ledger.ApplyObservation(rec, obs, now)
	if err := r.save(ctx, tx, rec); err != nil {
		return nil, false, err
	}
	if err := r.appendEvent(ctx, tx, &ev); err != nil {
		return nil, false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, false, fmt.Errorf("failed to commit: %w", err)
	}
	return rec, false, nil
}

// Mutate applies fn to the locked record and persists the result when fn
// returns an event
func (r *FileRecordRepository) Mutate(ctx context.Context, digest string, fn func(ctx context.Context, tx pgx.Tx, rec *models.FileRecord, now time.Time) (*models.FileEvent, error)) (*models.FileRecord, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	rec, err := r.lockRecord(ctx, tx, digest)
	if err != nil {
		return nil, err
	}
	ev, err := fn(ctx, tx, rec, ledger.Now())
	if err != nil {
		return nil, err
	}
	if ev == nil {
		return rec, nil
	}
	if err := r.save(ctx, tx, rec); err != nil {
		return nil, err
	}
	if err := r.appendEvent(ctx, tx, ev); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit: %w", err)
	}
	return rec, nil
}

// ClaimMint sets the mint claim in a single compare-and-swap. Expiry is
// judged by the database clock so ingesters on different hosts agree.
func (r *FileRecordRepository) ClaimMint(ctx context.Context, digest string, runID uuid.UUID, lease time.Duration) (*models.FileRecord, bool, error) {
	query := `
		UPDATE file_record
		SET claim_run = $2,
		    claim_expires_at = now() + $3 * interval '1 microsecond'
		WHERE content_digest = $1
		  AND status IN ('PENDING_ID', 'MINT_FAILED')
		  AND (claim_run IS NULL OR claim_run = $2 OR claim_expires_at <= now())
		RETURNING ` + recordColumns

	rec, err := scanRecord(r.db.QueryRow(ctx, query, digest, runIDParam(runID), lease.Microseconds()))
	if err == nil {
		return rec, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, fmt.Errorf("failed to claim mint: %w", err)
	}

	rec, err = r.GetByDigest(ctx, digest)
	if err != nil {
		return nil, false, err
	}
	return rec, false, nil
}

// ReleaseMint clears a claim held by runID
func (r *FileRecordRepository) ReleaseMint(ctx context.Context, digest string, runID uuid.UUID) error {
	query := `
		UPDATE file_record
		SET claim_run = NULL, claim_expires_at = NULL
		WHERE content_digest = $1 AND claim_run = $2
	`

	if _, err := r.db.Exec(ctx, query, digest, runIDParam(runID)); err != nil {
		return fmt.Errorf("failed to release mint claim: %w", err)
	}
	return nil
}

// OwnerOf returns the digest holding externalID, or "" when unassigned
func (r *FileRecordRepository) OwnerOf(ctx context.Context, tx pgx.Tx, externalID string) (string, error) {
	query := `SELECT content_digest FROM file_record WHERE external_id = $1`

	var digest string
	err := tx.QueryRow(ctx, query, externalID).Scan(&digest)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to look up external id: %w", err)
	}
	return digest, nil
}

// GetByDigest retrieves a record by its content digest
func (r *FileRecordRepository) GetByDigest(ctx context.Context, digest string) (*models.FileRecord, error) {
	query := `SELECT ` + recordColumns + ` FROM file_record WHERE content_digest = $1`

	rec, err := scanRecord(r.db.QueryRow(ctx, query, digest))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("record %s: %w", digest, ledger.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get file record: %w", err)
	}
	return rec, nil
}

// Select pages through records in (first_seen_at, content_digest) order
func (r *FileRecordRepository) Select(ctx context.Context, statuses []models.Status, since *time.Time, after *ledger.Cursor, limit int) ([]*models.FileRecord, error) {
	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if len(statuses) > 0 {
		names := make([]string, len(statuses))
		for i, s := range statuses {
			names[i] = string(s)
		}
		where = append(where, "status = ANY("+arg(names)+")")
	}
	if since != nil {
		where = append(where, "updated_at >= "+arg(*since))
	}
	if after != nil {
		where = append(where, "(first_seen_at, content_digest) > ("+arg(after.FirstSeenAt)+", "+arg(after.Digest)+")")
	}

	var query strings.Builder
	query.WriteString(`SELECT ` + recordColumns + ` FROM file_record`)
	if len(where) > 0 {
		query.WriteString(" WHERE " + strings.Join(where, " AND "))
	}
	query.WriteString(" ORDER BY first_seen_at, content_digest")
	if limit > 0 {
		query.WriteString(" LIMIT " + arg(limit))
	}

	rows, err := r.db.Query(ctx, query.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query file records: %w", err)
	}
	defer rows.Close()

	var out []*models.FileRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan file record: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating file records: %w", err)
	}
	return out, nil
}

// History returns the events of a digest in sequence order
func (r *FileRecordRepository) History(ctx context.Context, digest string) ([]models.FileEvent, error) {
	if _, err := r.GetByDigest(ctx, digest); err != nil {
		return nil, err
	}

	query := `
		SELECT seq, content_digest, kind, path, external_id, run_id, detail, at
		FROM file_event
		WHERE content_digest = $1
		ORDER BY seq
	`

	rows, err := r.db.Query(ctx, query, digest)
	if err != nil {
		return nil, fmt.Errorf("failed to query file events: %w", err)
	}
	defer rows.Close()

	var events []models.FileEvent
	for rows.Next() {
		var (
			ev    models.FileEvent
			kind  string
			runID pgtype.UUID
		)
		if err := rows.Scan(&ev.Seq, &ev.ContentDigest, &kind, &ev.Path, &ev.ExternalID, &runID, &ev.Detail, &ev.At); err != nil {
			return nil, fmt.Errorf("failed to scan file event: %w", err)
		}
		ev.Kind = models.EventKind(kind)
		if runID.Valid {
			ev.RunID = uuid.UUID(runID.Bytes)
		}
		ev.At = ev.At.UTC()
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating file events: %w", err)
	}
	return events, nil
}

// CountByStatus groups records by status
func (r *FileRecordRepository) CountByStatus(ctx context.Context) (map[models.Status]int, error) {
	query := `SELECT status, COUNT(*) FROM file_record GROUP BY status`

	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to count file records: %w", err)
	}
	defer rows.Close()

	counts := make(map[models.Status]int)
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan status count: %w", err)
		}
		counts[models.Status(status)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating status counts: %w", err)
	}
	return counts, nil
}
