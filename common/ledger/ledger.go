// Package ledger is the system of record for content digests, their
// external ids and the append-only history of every status change.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/chittyos/evidence-ledger/common/metrics"
	"github.com/chittyos/evidence-ledger/common/models"
)

const DefaultPageSize = 500

// Ledger is the only way the rest of the system touches storage. It
// validates input, classifies store errors into the ledger taxonomy and
// records metrics.
type Ledger struct {
	store    Store
	log      Logger
	pageSize int

	// digest prefix every upsert must carry once the algorithm is pinned
	prefix string
}

// New wraps a store
func New(store Store, log Logger) *Ledger {
	return &Ledger{store: store, log: log, pageSize: DefaultPageSize}
}

// WithPageSize sets the page size used by diff iterators
func (l *Ledger) WithPageSize(n int) *Ledger {
	if n > 0 {
		l.pageSize = n
	}
	return l
}

// Store returns the underlying backend
func (l *Ledger) Store() Store {
	return l.store
}

func (l *Ledger) observe(op string, err error) error {
	result := "ok"
	var ite *InvalidTransitionError
	switch {
	case err == nil:
	case errors.Is(err, ErrNotFound):
		result = "not_found"
	case errors.As(err, &ite):
		result = "rejected"
	default:
		result = "error"
	}
	metrics.LedgerOps.WithLabelValues(op, result).Inc()
	return storageErr(op, err)
}

// PinAlgorithm makes algo the ledger's digest algorithm. The first call on
// a ledger records it; later calls fail with ErrAlgorithmMismatch when the
// ledger was built with another one. Call it before the first Upsert.
func (l *Ledger) PinAlgorithm(ctx context.Context, algo string) error {
	// Older ledgers never recorded the algorithm; their digests still tell
	recs, err := l.List(ctx, ListOptions{Limit: 1})
	if err != nil {
		return err
	}
	if len(recs) > 0 {
		if used, _, _ := strings.Cut(recs[0].ContentDigest, ":"); used != algo {
			return fmt.Errorf("%w: ledger holds %s digests, configured for %s", ErrAlgorithmMismatch, used, algo)
		}
	}

	pinned, err := l.store.PinAlgorithm(ctx, algo)
	if err := l.observe("pin_algorithm", err); err != nil {
		return err
	}
	if pinned != algo {
		return fmt.Errorf("%w: ledger uses %s, configured for %s", ErrAlgorithmMismatch, pinned, algo)
	}
	l.prefix = algo + ":"
	return nil
}

// Upsert records that content with obs.Digest was seen at obs.Path.
// created is true exactly once per digest.
func (l *Ledger) Upsert(ctx context.Context, obs Observation) (*models.FileRecord, bool, error) {
	if obs.Digest == "" || obs.Path == "" {
		return nil, false, fmt.Errorf("upsert requires digest and path")
	}
	if l.prefix != "" && !strings.HasPrefix(obs.Digest, l.prefix) {
		return nil, false, fmt.Errorf("%w: %s", ErrAlgorithmMismatch, obs.Digest)
	}
	rec, created, err := l.store.Upsert(ctx, obs)
	if err := l.observe("upsert", err); err != nil {
		return nil, false, err
	}
	return rec, created, nil
}

// MarkMinted assigns externalID to digest. Repeating the same id is a
// no-op; a different id fails with *InvalidTransitionError.
func (l *Ledger) MarkMinted(ctx context.Context, digest, externalID string, runID uuid.UUID) (*models.FileRecord, error) {
	rec, err := l.store.MarkMinted(ctx, digest, externalID, runID)
	if err := l.observe("mark_minted", err); err != nil {
		return nil, err
	}
	return rec, nil
}

// MarkMintFailed records a failed mint so the record can be retried later
func (l *Ledger) MarkMintFailed(ctx context.Context, digest, reason string, runID uuid.UUID) (*models.FileRecord, error) {
	rec, err := l.store.MarkMintFailed(ctx, digest, reason, runID)
	if err := l.observe("mark_mint_failed", err); err != nil {
		return nil, err
	}
	return rec, nil
}

// ClaimMint takes the mint claim on digest for runID. won is false when
// another run holds a live claim or rec already carries an external id.
func (l *Ledger) ClaimMint(ctx context.Context, digest string, runID uuid.UUID, lease time.Duration) (rec *models.FileRecord, won bool, err error) {
	rec, won, err = l.store.ClaimMint(ctx, digest, runID, lease)
	if err := l.observe("claim_mint", err); err != nil {
		return nil, false, err
	}
	if won {
		metrics.MintClaims.WithLabelValues("won").Inc()
	} else {
		metrics.MintClaims.WithLabelValues("lost").Inc()
	}
	return rec, won, nil
}

// ReleaseMint gives up a claim taken by ClaimMint. It ignores cancellation
// of ctx so a canceled run does not leave the digest blocked until the
// lease runs out.
func (l *Ledger) ReleaseMint(ctx context.Context, digest string, runID uuid.UUID) error {
	return l.observe("release_mint", l.store.ReleaseMint(context.WithoutCancel(ctx), digest, runID))
}

// Archive retires a minted record
func (l *Ledger) Archive(ctx context.Context, digest string) (*models.FileRecord, error) {
	rec, err := l.store.Archive(ctx, digest)
	if err := l.observe("archive", err); err != nil {
		return nil, err
	}
	return rec, nil
}

// Annotate applies a JSON merge patch to the record's annotations
func (l *Ledger) Annotate(ctx context.Context, digest string, patch []byte) (*models.FileRecord, error) {
	rec, err := l.store.Annotate(ctx, digest, patch)
	if err := l.observe("annotate", err); err != nil {
		return nil, err
	}
	return rec, nil
}

func (l *Ledger) Get(ctx context.Context, digest string) (*models.FileRecord, error) {
	rec, err := l.store.Get(ctx, digest)
	if err := l.observe("get", err); err != nil {
		return nil, err
	}
	return rec, nil
}

// ExternalID returns the id recorded for digest. ok is false when the
// digest is unknown or still waiting for one.
func (l *Ledger) ExternalID(ctx context.Context, digest string) (id string, ok bool, err error) {
	rec, err := l.Get(ctx, digest)
	if errors.Is(err, ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	id = rec.ID()
	return id, id != "", nil
}

func (l *Ledger) List(ctx context.Context, opts ListOptions) ([]*models.FileRecord, error) {
	recs, err := l.store.List(ctx, opts)
	if err := l.observe("list", err); err != nil {
		return nil, err
	}
	return recs, nil
}

// Pending lists every record that still needs an external id
func (l *Ledger) Pending(ctx context.Context) ([]*models.FileRecord, error) {
	return l.List(ctx, ListOptions{Statuses: []models.Status{models.StatusPendingID, models.StatusMintFailed}})
}

func (l *Ledger) History(ctx context.Context, digest string) ([]models.FileEvent, error) {
	events, err := l.store.History(ctx, digest)
	if err := l.observe("history", err); err != nil {
		return nil, err
	}
	return events, nil
}

// StatusCounts returns record counts for every status, zero filled
func (l *Ledger) StatusCounts(ctx context.Context) (map[models.Status]int, error) {
	counts, err := l.store.StatusCounts(ctx)
	if err := l.observe("status_counts", err); err != nil {
		return nil, err
	}
	for _, s := range models.Statuses {
		if _, ok := counts[s]; !ok {
			counts[s] = 0
		}
		metrics.RecordsByStatus.WithLabelValues(string(s)).Set(float64(counts[s]))
	}
	return counts, nil
}

// StartRun creates and persists a RUNNING ingestion run
func (l *Ledger) StartRun(ctx context.Context, kind models.RunKind, roots []string, host string) (*models.IngestionRun, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("failed to generate run id: %w", err)
	}
	run := &models.IngestionRun{
		RunID:     id,
		Kind:      kind,
		Status:    models.RunRunning,
		Roots:     append([]string{}, roots...),
		Host:      host,
		StartedAt: Now(),
	}
	if err := l.observe("start_run", l.store.PutRun(ctx, run)); err != nil {
		return nil, err
	}
	return run, nil
}

// RecordProgress persists the current counters of a run in progress
func (l *Ledger) RecordProgress(ctx context.Context, run *models.IngestionRun) error {
	return l.observe("record_progress", l.store.PutRun(ctx, run))
}

// FinalizeRun stamps CompletedAt and persists the run with status. It
// ignores cancellation of ctx so an interrupted run is still closed out.
func (l *Ledger) FinalizeRun(ctx context.Context, run *models.IngestionRun, status models.RunStatus) error {
	ctx = context.WithoutCancel(ctx)

	completed := Now()
	if completed.Before(run.StartedAt) {
		completed = run.StartedAt
	}
	run.CompletedAt = &completed
	run.Status = status

	if err := l.observe("finalize_run", l.store.PutRun(ctx, run)); err != nil {
		return err
	}
	metrics.RunsFinished.WithLabelValues(string(run.Kind), string(status)).Inc()
	return nil
}

func (l *Ledger) GetRun(ctx context.Context, runID uuid.UUID) (*models.IngestionRun, error) {
	run, err := l.store.GetRun(ctx, runID)
	if err := l.observe("get_run", err); err != nil {
		return nil, err
	}
	return run, nil
}

func (l *Ledger) ListRuns(ctx context.Context, limit int) ([]*models.IngestionRun, error) {
	runs, err := l.store.ListRuns(ctx, limit)
	if err := l.observe("list_runs", err); err != nil {
		return nil, err
	}
	return runs, nil
}

// Compact asks the backend to fold its log, when it keeps one
func (l *Ledger) Compact(ctx context.Context) error {
	c, ok := l.store.(interface {
		Compact(ctx context.Context) error
	})
	if !ok {
		l.log.Info("ledger backend does not support compaction")
		return nil
	}
	return l.observe("compact", c.Compact(ctx))
}

func (l *Ledger) Close() error {
	return l.store.Close()
}
