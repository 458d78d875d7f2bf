package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/chittyos/evidence-ledger/common/db"
	"github.com/chittyos/evidence-ledger/common/ledger"
	"github.com/chittyos/evidence-ledger/common/models"
)

// PostgresStore is the shared ledger backend for teams running several
// ingesters against one database. Row locks serialize writers per digest
// and the unique external_id constraint backs the one-id-per-digest rule.
type PostgresStore struct {
	db      *db.DB
	records *FileRecordRepository
	runs    *RunRepository
	meta    *MetaRepository
}

var _ ledger.Store = (*PostgresStore)(nil)

// NewPostgresStore creates a ledger store over an open pool. The schema
// must already be migrated with db.Migrate.
func NewPostgresStore(database *db.DB) *PostgresStore {
	return &PostgresStore{
		db:      database,
		records: NewFileRecordRepository(database),
		runs:    NewRunRepository(database),
		meta:    NewMetaRepository(database),
	}
}

// Upsert implements ledger.Store
func (s *PostgresStore) Upsert(ctx context.Context, obs ledger.Observation) (*models.FileRecord, bool, error) {
	return s.records.Upsert(ctx, obs)
}

// MarkMinted implements ledger.Store
func (s *PostgresStore) MarkMinted(ctx context.Context, digest, externalID string, runID uuid.UUID) (*models.FileRecord, error) {
	return s.records.Mutate(ctx, digest, func(ctx context.Context, tx pgx.Tx, rec *models.FileRecord, now time.Time) (*models.FileEvent, error) {
		if externalID != "" {
			owner, err := s.records.OwnerOf(ctx, tx, externalID)
			if err != nil {
				return nil, err
			}
			if owner != "" && owner != digest {
				return nil, &ledger.InvalidTransitionError{
					Digest: digest, From: rec.Status, To: models.StatusMinted,
					Reason: fmt.Sprintf("external id %s already assigned to %s", externalID, owner),
				}
			}
		}
		return ledger.ApplyMint(rec, externalID, runID, now)
	})
}

// MarkMintFailed implements ledger.Store
func (s *PostgresStore) MarkMintFailed(ctx context.Context, digest, reason string, runID uuid.UUID) (*models.FileRecord, error) {
	return s.records.Mutate(ctx, digest, func(_ context.Context, _ pgx.Tx, rec *models.FileRecord, now time.Time) (*models.FileEvent, error) {
		ev, err := ledger.ApplyMintFailure(rec, reason, runID, now)
		if err != nil {
			return nil, err
		}
		return &ev, nil
	})
}

// Archive implements ledger.Store
func (s *PostgresStore) Archive(ctx context.Context, digest string) (*models.FileRecord, error) {
	return s.records.Mutate(ctx, digest, func(_ context.Context, _ pgx.Tx, rec *models.FileRecord, now time.Time) (*models.FileEvent, error) {
		return ledger.ApplyArchive(rec, now)
	})
}

// Annotate implements ledger.Store
func (s *PostgresStore) Annotate(ctx context.Context, digest string, patch []byte) (*models.FileRecord, error) {
	return s.records.Mutate(ctx, digest, func(_ context.Context, _ pgx.Tx, rec *models.FileRecord, now time.Time) (*models.FileEvent, error) {
		return ledger.ApplyAnnotation(rec, patch, now)
	})
}

// ClaimMint implements ledger.Store
func (s *PostgresStore) ClaimMint(ctx context.Context, digest string, runID uuid.UUID, lease time.Duration) (*models.FileRecord, bool, error) {
	return s.records.ClaimMint(ctx, digest, runID, lease)
}

// ReleaseMint implements ledger.Store
func (s *PostgresStore) ReleaseMint(ctx context.Context, digest string, runID uuid.UUID) error {
	return s.records.ReleaseMint(ctx, digest, runID)
}

// Get implements ledger.Store
func (s *PostgresStore) Get(ctx context.Context, digest string) (*models.FileRecord, error) {
	return s.records.GetByDigest(ctx, digest)
}

// List implements ledger.Store
func (s *PostgresStore) List(ctx context.Context, opts ledger.ListOptions) ([]*models.FileRecord, error) {
	return s.records.Select(ctx, opts.Statuses, nil, opts.After, opts.Limit)
}

// ChangedSince implements ledger.Store
func (s *PostgresStore) ChangedSince(ctx context.Context, since time.Time, after *ledger.Cursor, limit int) ([]*models.FileRecord, error) {
	return s.records.Select(ctx, nil, &since, after, limit)
}

// History implements ledger.Store
func (s *PostgresStore) History(ctx context.Context, digest string) ([]models.FileEvent, error) {
	return s.records.History(ctx, digest)
}

// StatusCounts implements ledger.Store
func (s *PostgresStore) StatusCounts(ctx context.Context) (map[models.Status]int, error) {
	return s.records.CountByStatus(ctx)
}

// PinAlgorithm implements ledger.Store
func (s *PostgresStore) PinAlgorithm(ctx context.Context, algo string) (string, error) {
	return s.meta.Pin(ctx, metaAlgorithm, algo)
}

// PutRun implements ledger.Store
func (s *PostgresStore) PutRun(ctx context.Context, run *models.IngestionRun) error {
	return s.runs.Save(ctx, run)
}

// GetRun implements ledger.Store
func (s *PostgresStore) GetRun(ctx context.Context, runID uuid.UUID) (*models.IngestionRun, error) {
	return s.runs.GetByID(ctx, runID)
}

// ListRuns implements ledger.Store
func (s *PostgresStore) ListRuns(ctx context.Context, limit int) ([]*models.IngestionRun, error) {
	return s.runs.List(ctx, limit)
}

// Close is a no-op; the pool belongs to whoever opened it
func (s *PostgresStore) Close() error {
	return nil
}
