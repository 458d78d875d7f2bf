package ledger

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"github.com/chittyos/evidence-ledger/common/codec"
	"github.com/chittyos/evidence-ledger/common/metrics"
	"github.com/chittyos/evidence-ledger/common/models"
)

const (
	logFileName  = "ledger.log"
	lockFileName = "LOCK"

	metaAlgorithm = "digest_algorithm"

	DefaultCompactEvery = 10_000
)

// Logger interface for ledger logging
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

// LogStoreOptions tunes a LogStore
type LogStoreOptions struct {
	// CompactEvery folds the log into the snapshot after this many appends.
	// Zero selects DefaultCompactEvery, negative disables automatic compaction.
	CompactEvery int

	// Now overrides the clock in tests
	Now func() time.Time
}

// LogStore is the default single-writer Store. State lives in memory and
// every mutation is appended to an fsynced, checksummed log before it
// becomes visible. An exclusive flock keeps other processes out.
type LogStore struct {
	dir string
	log Logger

	mu       sync.RWMutex
	st       *state
	file     *os.File
	lockFile *os.File
	size     int64
	appends  int
	failed   error
	closed   bool

	// Mint claims live only in memory; the flock already keeps every other
	// process out, so a claim never has to outlive this store.
	claims map[string]MintClaim

	compactEvery int
	now          func() time.Time
}

var _ Store = (*LogStore)(nil)

// OpenLogStore opens or creates the ledger in dir. A torn final frame left
// by a crash is truncated; any other damage refuses the open.
func OpenLogStore(dir string, opts LogStoreOptions, log Logger) (*LogStore, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, &StorageError{Op: "open", Err: err}
	}

	lockFile, err := acquireLock(dir)
	if err != nil {
		return nil, &StorageError{Op: "open", Err: err}
	}

	s := &LogStore{
		dir:          dir,
		log:          log,
		lockFile:     lockFile,
		claims:       make(map[string]MintClaim),
		compactEvery: opts.CompactEvery,
		now:          opts.Now,
	}
	if s.compactEvery == 0 {
		s.compactEvery = DefaultCompactEvery
	}
	if s.now == nil {
		s.now = Now
	}

	if err := s.recover(); err != nil {
		s.releaseLock()
		return nil, &StorageError{Op: "open", Err: err}
	}

	log.Info("ledger opened",
		"dir", dir,
		"records", len(s.st.records),
		"runs", len(s.st.runs),
		"log_bytes", s.size,
	)
	return s, nil
}

func acquireLock(dir string) (*os.File, error) {
	f, err := os.OpenFile(filepath.Join(dir, lockFileName), os.O_CREATE|os.O_RDWR, 0o640)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file: %w", err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, fmt.Errorf("%w: %s", ErrLocked, dir)
		}
		return nil, fmt.Errorf("failed to lock %s: %w", dir, err)
	}
	return f, nil
}

func (s *LogStore) releaseLock() {
	if s.lockFile == nil {
		return
	}
	_ = unix.Flock(int(s.lockFile.Fd()), unix.LOCK_UN)
	_ = s.lockFile.Close()
	s.lockFile = nil
}

// recover rebuilds state from the snapshot plus the log tail
func (s *LogStore) recover() error {
	st, err := loadSnapshot(s.dir)
	if err != nil {
		return err
	}

	f, err := os.OpenFile(filepath.Join(s.dir, logFileName), os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o640)
	if err != nil {
		return fmt.Errorf("failed to open log: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("failed to stat log: %w", err)
	}

	frames := 0
	good, torn, err := readFrames(f, info.Size(), func(payload []byte) error {
		var e entry
		if err := codec.Unmarshal(payload, &e); err != nil {
			return err
		}
		st.apply(&e)
		frames++
		return nil
	})
	if err != nil {
		f.Close()
		return err
	}

	if torn {
		s.log.Warn("truncating torn ledger tail",
			"dir", s.dir,
			"valid_bytes", good,
			"dropped_bytes", info.Size()-good,
		)
		if err := f.Truncate(good); err != nil {
			f.Close()
			return fmt.Errorf("failed to truncate torn tail: %w", err)
		}
		if err := f.Sync(); err != nil {
			f.Close()
			return fmt.Errorf("failed to fsync log: %w", err)
		}
	}

	s.st = st
	s.file = f
	s.size = good
	s.appends = frames
	return nil
}

// usable reports a closed or poisoned store. Caller holds mu.
func (s *LogStore) usable() error {
	if s.closed {
		return errors.New("ledger is closed")
	}
	if s.failed != nil {
		return fmt.Errorf("ledger unavailable after earlier write failure: %w", s.failed)
	}
	return nil
}

// append persists e and folds it into memory. Caller holds mu.
func (s *LogStore) append(e *entry) error {
	for i := range e.Events {
		e.Events[i].Seq = s.st.nextSeq + int64(i)
	}

	payload, err := codec.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to encode entry: %w", err)
	}
	frame := encodeFrame(payload)

	if _, err := s.file.Write(frame); err != nil {
		// Drop any partial frame so the next append starts on a boundary.
		if terr := s.file.Truncate(s.size); terr != nil {
			s.failed = terr
		}
		return fmt.Errorf("failed to append to log: %w", err)
	}
	if err := s.file.Sync(); err != nil {
		// The frame may or may not be durable; stop accepting writes.
		s.failed = err
		return fmt.Errorf("failed to fsync log: %w", err)
	}

	s.size += int64(len(frame))
	s.st.apply(e)
	s.appends++

	if s.compactEvery > 0 && s.appends >= s.compactEvery {
		if err := s.compactLocked(); err != nil {
			s.log.Warn("ledger compaction failed", "error", err)
		}
	}
	return nil
}

// Upsert implements Store
func (s *LogStore) Upsert(ctx context.Context, obs Observation) (*models.FileRecord, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.usable(); err != nil {
		return nil, false, err
	}

	now := s.now()
	current, ok := s.st.records[obs.Digest]
	if !ok {
		rec, ev := NewRecord(obs, now)
		if err := s.append(&entry{Record: rec, Events: []models.FileEvent{ev}}); err != nil {
			return nil, false, err
		}
		return rec.Clone(), true, nil
	}

	rec := current.Clone()
	ev := ApplyObservation(rec, obs, now)
	if err := s.append(&entry{Record: rec, Events: []models.FileEvent{ev}}); err != nil {
		return nil, false, err
	}
	return rec.Clone(), false, nil
}

// mutate applies fn to a copy of the record and persists the result when fn
// returns an event
func (s *LogStore) mutate(ctx context.Context, digest string, fn func(rec *models.FileRecord, now time.Time) (*models.FileEvent, error)) (*models.FileRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.usable(); err != nil {
		return nil, err
	}

	current, ok := s.st.records[digest]
	if !ok {
		return nil, fmt.Errorf("record %s: %w", digest, ErrNotFound)
	}

	rec := current.Clone()
	ev, err := fn(rec, s.now())
	if err != nil {
		return nil, err
	}
	if ev == nil {
		return current.Clone(), nil
	}
	if err := s.append(&entry{Record: rec, Events: []models.FileEvent{*ev}}); err != nil {
		return nil, err
	}
	return rec.Clone(), nil
}

// MarkMinted implements Store
func (s *LogStore) MarkMinted(ctx context.Context, digest, externalID string, runID uuid.UUID) (*models.FileRecord, error) {
	return s.mutate(ctx, digest, func(rec *models.FileRecord, now time.Time) (*models.FileEvent, error) {
		if owner, ok := s.st.owners[externalID]; ok && owner != digest {
			return nil, &InvalidTransitionError{
				Digest: digest, From: rec.Status, To: models.StatusMinted,
				Reason: fmt.Sprintf("external id %s already assigned to %s", externalID, owner),
			}
		}
		return ApplyMint(rec, externalID, runID, now)
	})
}

// MarkMintFailed implements Store
func (s *LogStore) MarkMintFailed(ctx context.Context, digest, reason string, runID uuid.UUID) (*models.FileRecord, error) {
	return s.mutate(ctx, digest, func(rec *models.FileRecord, now time.Time) (*models.FileEvent, error) {
		ev, err := ApplyMintFailure(rec, reason, runID, now)
		if err != nil {
			return nil, err
		}
		return &ev, nil
	})
}

// Archive implements Store
func (s *LogStore) Archive(ctx context.Context, digest string) (*models.FileRecord, error) {
	return s.mutate(ctx, digest, ApplyArchive)
}

// Annotate implements Store
func (s *LogStore) Annotate(ctx context.Context, digest string, patch []byte) (*models.FileRecord, error) {
	return s.mutate(ctx, digest, func(rec *models.FileRecord, now time.Time) (*models.FileEvent, error) {
		return ApplyAnnotation(rec, patch, now)
	})
}

// ClaimMint implements Store
func (s *LogStore) ClaimMint(ctx context.Context, digest string, runID uuid.UUID, lease time.Duration) (*models.FileRecord, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.usable(); err != nil {
		return nil, false, err
	}

	rec, ok := s.st.records[digest]
	if !ok {
		return nil, false, fmt.Errorf("record %s: %w", digest, ErrNotFound)
	}

	now := s.now()
	var held *MintClaim
	if c, ok := s.claims[digest]; ok {
		held = &c
	}
	if !Claimable(rec, held, runID, now) {
		if !rec.Status.NeedsMint() {
			delete(s.claims, digest)
		}
		return rec.Clone(), false, nil
	}
	s.claims[digest] = MintClaim{RunID: runID, ExpiresAt: now.Add(lease)}
	return rec.Clone(), true, nil
}

// ReleaseMint implements Store
func (s *LogStore) ReleaseMint(ctx context.Context, digest string, runID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c, ok := s.claims[digest]; ok && c.RunID == runID {
		delete(s.claims, digest)
	}
	return nil
}

// Get implements Store
func (s *LogStore) Get(ctx context.Context, digest string) (*models.FileRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.st.records[digest]
	if !ok {
		return nil, fmt.Errorf("record %s: %w", digest, ErrNotFound)
	}
	return rec.Clone(), nil
}

// List implements Store
func (s *LogStore) List(ctx context.Context, opts ListOptions) ([]*models.FileRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.selectLocked(opts.Limit, func(rec *models.FileRecord) bool {
		return opts.Matches(rec) && opts.After.Precedes(rec)
	}), nil
}

// ChangedSince implements Store
func (s *LogStore) ChangedSince(ctx context.Context, since time.Time, after *Cursor, limit int) ([]*models.FileRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.selectLocked(limit, func(rec *models.FileRecord) bool {
		return !rec.UpdatedAt.Before(since) && after.Precedes(rec)
	}), nil
}

// selectLocked returns copies of matching records in cursor order
func (s *LogStore) selectLocked(limit int, match func(*models.FileRecord) bool) []*models.FileRecord {
	var out []*models.FileRecord
	for _, rec := range s.st.records {
		if match(rec) {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return lessRecord(out[i], out[j]) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	for i, rec := range out {
		out[i] = rec.Clone()
	}
	return out
}

// History implements Store
func (s *LogStore) History(ctx context.Context, digest string) ([]models.FileEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.st.records[digest]; !ok {
		return nil, fmt.Errorf("record %s: %w", digest, ErrNotFound)
	}
	return append([]models.FileEvent(nil), s.st.events[digest]...), nil
}

// StatusCounts implements Store
func (s *LogStore) StatusCounts(ctx context.Context) (map[models.Status]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := make(map[models.Status]int, len(models.Statuses))
	for _, rec := range s.st.records {
		counts[rec.Status]++
	}
	return counts, nil
}

// PinAlgorithm implements Store
func (s *LogStore) PinAlgorithm(ctx context.Context, algo string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.usable(); err != nil {
		return "", err
	}

	if pinned, ok := s.st.meta[metaAlgorithm]; ok {
		return pinned, nil
	}
	if err := s.append(&entry{Meta: map[string]string{metaAlgorithm: algo}}); err != nil {
		return "", err
	}
	return algo, nil
}

// PutRun implements Store
func (s *LogStore) PutRun(ctx context.Context, run *models.IngestionRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.usable(); err != nil {
		return err
	}
	return s.append(&entry{Run: run.Clone()})
}

// GetRun implements Store
func (s *LogStore) GetRun(ctx context.Context, runID uuid.UUID) (*models.IngestionRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	run, ok := s.st.runs[runID]
	if !ok {
		return nil, fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	return run.Clone(), nil
}

// ListRuns implements Store, newest first
func (s *LogStore) ListRuns(ctx context.Context, limit int) ([]*models.IngestionRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*models.IngestionRun, 0, len(s.st.runs))
	for _, run := range s.st.runs {
		out = append(out, run.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.After(out[j].StartedAt)
		}
		return out[i].RunID.String() > out[j].RunID.String()
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Compact folds the log into a fresh snapshot and truncates the log
func (s *LogStore) Compact(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.usable(); err != nil {
		return err
	}
	return s.compactLocked()
}

// compactLocked writes the snapshot before truncating, so a crash in
// between only leaves frames that replay idempotently.
func (s *LogStore) compactLocked() error {
	if err := writeSnapshot(s.dir, s.st.snapshot()); err != nil {
		return err
	}
	if err := s.file.Truncate(0); err != nil {
		s.failed = err
		return fmt.Errorf("failed to truncate log: %w", err)
	}
	if err := s.file.Sync(); err != nil {
		s.failed = err
		return fmt.Errorf("failed to fsync log: %w", err)
	}

	s.log.Info("ledger compacted",
		"records", len(s.st.records),
		"folded_frames", s.appends,
		"folded_bytes", s.size,
	)
	s.size = 0
	s.appends = 0
	metrics.LedgerCompactions.Inc()
	return nil
}

// LogSize returns the current log length in bytes
func (s *LogStore) LogSize() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.size
}

// Close implements Store
func (s *LogStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	var err error
	if s.file != nil {
		err = s.file.Close()
	}
	s.releaseLock()
	return err
}
