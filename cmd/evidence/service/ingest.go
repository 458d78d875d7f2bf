package service

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/chittyos/evidence-ledger/common/clients"
	"github.com/chittyos/evidence-ledger/common/filter"
	"github.com/chittyos/evidence-ledger/common/hasher"
	"github.com/chittyos/evidence-ledger/common/ledger"
	"github.com/chittyos/evidence-ledger/common/logger"
	"github.com/chittyos/evidence-ledger/common/metrics"
	"github.com/chittyos/evidence-ledger/common/models"
)

// OrchestratorConfig holds the per-run knobs of the orchestrator
type OrchestratorConfig struct {
	Workers int
	Domain  string
	Subtype string
	CaseID  string
	Host    string

	// MintLease bounds how long a mint claim keeps other ingesters waiting
	MintLease time.Duration
	// ClaimPoll is the wait between attempts on a claim held elsewhere
	ClaimPoll time.Duration
}

const (
	DefaultMintLease = 10 * time.Minute
	DefaultClaimPoll = 500 * time.Millisecond
)

// Orchestrator drives hashing, ledger upserts and minting for a set of
// roots. Each distinct digest is handled by exactly one worker per run,
// so the registry is asked at most once per digest.
type Orchestrator struct {
	ledger   *ledger.Ledger
	registry *Registry
	hasher   *hasher.Hasher
	filter   *filter.Filter
	events   *EventPublisher
	cfg      OrchestratorConfig
	log      *logger.Logger
}

// NewOrchestrator wires the pipeline. f may be nil to accept every file.
func NewOrchestrator(l *ledger.Ledger, reg *Registry, h *hasher.Hasher, f *filter.Filter, cfg OrchestratorConfig, log *logger.Logger) *Orchestrator {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.Host == "" {
		cfg.Host = metrics.Host().String()
	}
	if cfg.MintLease <= 0 {
		cfg.MintLease = DefaultMintLease
	}
	if cfg.ClaimPoll <= 0 {
		cfg.ClaimPoll = DefaultClaimPoll
	}
	return &Orchestrator{
		ledger:   l,
		registry: reg,
		hasher:   h,
		filter:   f,
		cfg:      cfg,
		log:      log,
	}
}

// WithEvents publishes an event for every minted digest
func (o *Orchestrator) WithEvents(p *EventPublisher) *Orchestrator {
	o.events = p
	return o
}

type candidate struct {
	path string
	root string
	size int64
}

type scanned struct {
	candidate
	res *hasher.Result
	err error
}

type digestGroup struct {
	digest  string
	members []int
}

// Run ingests every accepted file under roots. The returned report is
// non-nil whenever the run was started; the error is non-nil only when
// the run was aborted by a storage failure or cancellation.
func (o *Orchestrator) Run(ctx context.Context, roots []string) (*RunReport, error) {
	abs := make([]string, 0, len(roots))
	for _, r := range roots {
		p, err := filepath.Abs(r)
		if err != nil {
			return nil, fmt.Errorf("resolve root %s: %w", r, err)
		}
		abs = append(abs, p)
	}

	run, err := o.ledger.StartRun(ctx, models.RunKindIngest, abs, o.cfg.Host)
	if err != nil {
		return nil, err
	}
	log := o.log.WithRunID(run.RunID.String())
	ctx = clients.WithRunID(ctx, run.RunID.String())

	log.Info("ingestion run started", "roots", abs, "workers", o.cfg.Workers)
	o.primeRegistry(ctx, log)

	cands, broken, skipped := o.enumerate(ctx, abs, log)
	t := newTracker(o.ledger, run, len(cands))
	t.skip(skipped)
	for _, fr := range broken {
		t.add(fr, outcomeFailed)
	}

	files := o.hashAll(ctx, cands)
	groups := make([]*digestGroup, 0, len(files))
	byDigest := make(map[string]*digestGroup, len(files))
	for i, f := range files {
		if f.err != nil {
			t.set(i, FileResult{Path: f.path, State: StateFailed, Error: f.err.Error(), ErrorKind: Classify(f.err)}, outcomeFailed)
			log.Warn("failed to hash file", "path", f.path, "error", f.err)
			continue
		}
		g, ok := byDigest[f.res.Digest]
		if !ok {
			g = &digestGroup{digest: f.res.Digest}
			byDigest[f.res.Digest] = g
			groups = append(groups, g)
		}
		g.members = append(g.members, i)
	}

	gctx, abort := context.WithCancelCause(ctx)
	defer abort(nil)

	var fatalMu sync.Mutex
	var fatal error

	pool := new(errgroup.Group)
	pool.SetLimit(o.cfg.Workers)
	for _, g := range groups {
		pool.Go(func() error {
			if err := context.Cause(gctx); err != nil {
				t.failGroup(files, g, err)
				return nil
			}
			if err := o.processGroup(gctx, t, files, g, log); err != nil && isFatal(err) {
				fatalMu.Lock()
				if fatal == nil {
					fatal = err
				}
				fatalMu.Unlock()
				abort(err)
			}
			return nil
		})
	}
	_ = pool.Wait()

	return o.finish(ctx, t, fatal, log)
}

// Resume retries minting for every record still in PENDING_ID or
// MINT_FAILED without rescanning any directory.
func (o *Orchestrator) Resume(ctx context.Context) (*RunReport, error) {
	run, err := o.ledger.StartRun(ctx, models.RunKindResume, nil, o.cfg.Host)
	if err != nil {
		return nil, err
	}
	log := o.log.WithRunID(run.RunID.String())
	ctx = clients.WithRunID(ctx, run.RunID.String())

	pending, err := o.ledger.Pending(ctx)
	if err != nil {
		t := newTracker(o.ledger, run, 0)
		return o.finish(ctx, t, err, log)
	}
	log.Info("resume run started", "pending", len(pending))

	t := newTracker(o.ledger, run, len(pending))
	gctx, abort := context.WithCancelCause(ctx)
	defer abort(nil)

	var fatalMu sync.Mutex
	var fatal error

	pool := new(errgroup.Group)
	pool.SetLimit(o.cfg.Workers)
	for i, rec := range pending {
		pool.Go(func() error {
			if err := context.Cause(gctx); err != nil {
				t.set(i, failure(rec.CanonicalPath, rec.ContentDigest, StateFailed, err), outcomeFailed)
				return nil
			}
			err := o.resumeRecord(gctx, t, i, rec, log)
			if perr := t.persist(gctx); err == nil {
				err = perr
			}
			if err != nil && isFatal(err) {
				fatalMu.Lock()
				if fatal == nil {
					fatal = err
				}
				fatalMu.Unlock()
				abort(err)
			}
			return nil
		})
	}
	_ = pool.Wait()

	return o.finish(ctx, t, fatal, log)
}

func (o *Orchestrator) resumeRecord(ctx context.Context, t *tracker, i int, rec *models.FileRecord, log *logger.Logger) error {
	dlog := log.WithDigest(rec.ContentDigest)
	claimed, won, err := o.claim(ctx, rec.ContentDigest, t.runID(), dlog)
	if err != nil {
		t.set(i, failure(rec.CanonicalPath, rec.ContentDigest, StateFailed, err), outcomeFailed)
		return err
	}
	if !won {
		o.registry.Prime(ctx, claimed.ContentDigest, claimed.ID())
		t.set(i, FileResult{
			Path:       claimed.CanonicalPath,
			Digest:     claimed.ContentDigest,
			State:      StateDuplicate,
			ExternalID: claimed.ID(),
			Change:     ChangeUnchanged,
		}, outcomeDuplicate)
		return nil
	}
	defer o.release(ctx, rec.ContentDigest, t.runID(), dlog)

	rec = claimed
	meta := o.metadata(rec.CanonicalPath, rec)
	id, err := o.registry.MintIdentifier(ctx, rec.ContentDigest, meta)
	if err != nil {
		state, ferr := o.recordMintFailure(ctx, rec.ContentDigest, err, t.runID(), log)
		t.set(i, failure(rec.CanonicalPath, rec.ContentDigest, state, err), outcomeFailed)
		return ferr
	}

	if _, err := o.ledger.MarkMinted(ctx, rec.ContentDigest, id, t.runID()); err != nil {
		o.logMarkMintedFailure(log, rec.ContentDigest, id, err)
		t.set(i, failure(rec.CanonicalPath, rec.ContentDigest, StateFailed, err), outcomeFailed)
		return err
	}
	o.events.Minted(ctx, MintedEvent{
		Digest:     rec.ContentDigest,
		ExternalID: id,
		Path:       rec.CanonicalPath,
		RunID:      t.runID().String(),
		MintedAt:   time.Now().UTC(),
	})
	t.set(i, FileResult{
		Path:       rec.CanonicalPath,
		Digest:     rec.ContentDigest,
		State:      StateResumed,
		ExternalID: id,
		Change:     ChangeUnchanged,
	}, outcomeResumed)
	return nil
}

// processGroup handles every path of one digest. It returns an error
// only when the run must be aborted.
func (o *Orchestrator) processGroup(ctx context.Context, t *tracker, files []scanned, g *digestGroup, log *logger.Logger) error {
	dlog := log.WithDigest(g.digest)
	runID := t.runID()

	var (
		rec   *models.FileRecord
		fresh bool
	)
	changes := make([]Change, len(g.members))
	for n, idx := range g.members {
		f := files[idx]
		r, isNew, err := o.ledger.Upsert(ctx, ledger.Observation{
			Digest:   g.digest,
			Path:     f.path,
			Size:     f.res.Size,
			MimeHint: f.res.MimeHint,
			RunID:    runID,
		})
		if err != nil {
			dlog.Error("failed to record observation", "path", f.path, "error", err)
			t.failGroup(files, g, err)
			return fatalOrNil(err)
		}
		if n == 0 {
			// A concurrent ingester may have won the insert a moment ago;
			// the content is still new to the ledger as far as this run goes.
			fresh = isNew || !r.FirstSeenAt.Before(t.startedAt())
			isNew = fresh
		}
		rec = r
		changes[n] = changeOf(isNew, r, f.path)
	}

	first := files[g.members[0]]
	result := func(n int, state FileState, id string) FileResult {
		return FileResult{
			Path:       files[g.members[n]].path,
			Digest:     g.digest,
			State:      state,
			ExternalID: id,
			Change:     changes[n],
		}
	}
	duplicates := func(rec *models.FileRecord) error {
		o.registry.Prime(ctx, g.digest, rec.ID())
		for n, idx := range g.members {
			t.set(idx, result(n, StateDuplicate, rec.ID()), outcomeDuplicate)
		}
		return t.persist(ctx)
	}

	if !rec.Status.NeedsMint() {
		return duplicates(rec)
	}

	rec, won, err := o.claim(ctx, g.digest, runID, dlog)
	if err != nil {
		t.failGroup(files, g, err)
		return fatalOrNil(err)
	}
	if !won {
		dlog.Debug("digest minted by another run", "external_id", rec.ID())
		return duplicates(rec)
	}
	defer o.release(ctx, g.digest, runID, dlog)

	id, err := o.registry.MintIdentifier(ctx, g.digest, o.metadata(first.path, rec))
	if err != nil {
		state, ferr := o.recordMintFailure(ctx, g.digest, err, runID, dlog)
		for n, idx := range g.members {
			fr := result(n, state, "")
			fr.Error = err.Error()
			fr.ErrorKind = Classify(err)
			t.set(idx, fr, outcomeFailed)
		}
		if isFatal(ferr) {
			return ferr
		}
		return t.persist(ctx)
	}

	if _, err := o.ledger.MarkMinted(ctx, g.digest, id, runID); err != nil {
		o.logMarkMintedFailure(dlog, g.digest, id, err)
		t.failGroup(files, g, err)
		return fatalOrNil(err)
	}

	o.events.Minted(ctx, MintedEvent{
		Digest:     g.digest,
		ExternalID: id,
		Path:       first.path,
		RunID:      runID.String(),
		MintedAt:   time.Now().UTC(),
	})

	for n, idx := range g.members {
		switch {
		case n > 0:
			t.set(idx, result(n, StateDuplicate, id), outcomeDuplicate)
		case fresh:
			t.set(idx, result(n, StateMinted, id), outcomeNew)
		default:
			t.set(idx, result(n, StateResumed, id), outcomeResumed)
		}
	}
	dlog.Debug("digest minted", "external_id", id, "paths", len(g.members))
	return t.persist(ctx)
}

// claim waits until this run holds the mint claim on digest or the record
// stops needing an id. won is false in the second case and rec then
// carries the id another run assigned.
func (o *Orchestrator) claim(ctx context.Context, digest string, runID uuid.UUID, log *logger.Logger) (rec *models.FileRecord, won bool, err error) {
	waiting := false
	for {
		rec, won, err = o.ledger.ClaimMint(ctx, digest, runID, o.cfg.MintLease)
		if err != nil {
			return nil, false, err
		}
		if won || !rec.Status.NeedsMint() {
			return rec, won, nil
		}
		if !waiting {
			log.Info("digest is being minted by another run, waiting")
			waiting = true
		}
		if err := sleepCtx(ctx, o.cfg.ClaimPoll); err != nil {
			return nil, false, ctxErr(ctx, err)
		}
	}
}

func (o *Orchestrator) release(ctx context.Context, digest string, runID uuid.UUID, log *logger.Logger) {
	if err := o.ledger.ReleaseMint(ctx, digest, runID); err != nil {
		log.Warn("failed to release mint claim", "error", err)
	}
}

// recordMintFailure stores a failed mint unless the run was canceled, in
// which case the record stays PENDING_ID for the next resume.
func (o *Orchestrator) recordMintFailure(ctx context.Context, digest string, mintErr error, runID uuid.UUID, log *logger.Logger) (FileState, error) {
	if errors.Is(mintErr, context.Canceled) || errors.Is(mintErr, context.DeadlineExceeded) {
		log.Info("mint canceled, record left pending")
		return StateFailed, nil
	}

	log.Warn("mint failed", "error", mintErr)
	if _, err := o.ledger.MarkMintFailed(ctx, digest, mintErr.Error(), runID); err != nil {
		var ite *ledger.InvalidTransitionError
		if errors.As(err, &ite) {
			// Another process minted the digest in the meantime
			log.Warn("mint failure not recorded", "error", err)
			return StateMintFailed, nil
		}
		log.Error("failed to record mint failure", "error", err)
		return StateMintFailed, err
	}
	return StateMintFailed, nil
}

func (o *Orchestrator) logMarkMintedFailure(log *logger.Logger, digest, id string, err error) {
	var ite *ledger.InvalidTransitionError
	if errors.As(err, &ite) {
		log.Error("refusing to overwrite external id", "digest", digest, "minted", id, "error", err)
		return
	}
	log.Error("failed to record minted id", "digest", digest, "external_id", id, "error", err)
}

func (o *Orchestrator) metadata(path string, rec *models.FileRecord) models.EntityMetadata {
	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")
	return models.EntityMetadata{
		Domain:        o.cfg.Domain,
		Subtype:       o.cfg.Subtype,
		FileName:      filepath.Base(path),
		FileType:      ext,
		SizeBytes:     rec.SizeBytes,
		MimeHint:      rec.MimeHint,
		ContentDigest: rec.ContentDigest,
		CaseID:        o.cfg.CaseID,
		Annotations:   rec.Annotations,
	}
}

// primeRegistry loads known identifiers into the registry cache
func (o *Orchestrator) primeRegistry(ctx context.Context, log *logger.Logger) {
	var after *ledger.Cursor
	primed := 0
	for {
		recs, err := o.ledger.List(ctx, ledger.ListOptions{
			Statuses: []models.Status{models.StatusMinted, models.StatusArchived},
			After:    after,
			Limit:    ledger.DefaultPageSize,
		})
		if err != nil {
			log.Warn("failed to prime registry cache", "error", err)
			return
		}
		for _, rec := range recs {
			o.registry.Prime(ctx, rec.ContentDigest, rec.ID())
		}
		primed += len(recs)
		if len(recs) < ledger.DefaultPageSize {
			break
		}
		after = ledger.CursorOf(recs[len(recs)-1])
	}
	log.Debug("registry cache primed", "records", primed)
}

// enumerate walks the roots and applies the filter. Files that cannot be
// listed are returned as failures; rejected files only count as skipped.
func (o *Orchestrator) enumerate(ctx context.Context, roots []string, log *logger.Logger) ([]candidate, []FileResult, int) {
	var (
		cands   []candidate
		broken  []FileResult
		skipped int
		seen    = make(map[string]struct{})
	)

	consider := func(path, root string, size int64) {
		if _, dup := seen[path]; dup {
			return
		}
		seen[path] = struct{}{}

		if o.filter != nil {
			ok, err := o.filter.Match(filter.File{Path: path, Root: root, Size: size})
			if err != nil {
				broken = append(broken, FileResult{Path: path, State: StateFailed, Error: err.Error(), ErrorKind: ErrorKindFilter})
				return
			}
			if !ok {
				skipped++
				return
			}
		}
		cands = append(cands, candidate{path: path, root: root, size: size})
	}

	for _, root := range roots {
		if ctx.Err() != nil {
			break
		}
		info, err := os.Stat(root)
		if err != nil {
			broken = append(broken, failure(root, "", StateFailed, &hasher.IOError{Path: root, Op: "stat", Err: err}))
			continue
		}
		if !info.IsDir() {
			if info.Mode().IsRegular() {
				consider(root, filepath.Dir(root), info.Size())
			} else {
				skipped++
			}
			continue
		}

		err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				broken = append(broken, failure(path, "", StateFailed, &hasher.IOError{Path: path, Op: "walk", Err: err}))
				if d != nil && d.IsDir() {
					return fs.SkipDir
				}
				return nil
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			if d.IsDir() {
				return nil
			}
			if !d.Type().IsRegular() {
				skipped++
				return nil
			}
			info, err := d.Info()
			if err != nil {
				broken = append(broken, failure(path, "", StateFailed, &hasher.IOError{Path: path, Op: "stat", Err: err}))
				return nil
			}
			consider(path, root, info.Size())
			return nil
		})
		if err != nil && !errors.Is(err, ctx.Err()) {
			log.Warn("walk ended early", "root", root, "error", err)
		}
	}

	sort.Slice(cands, func(i, j int) bool { return cands[i].path < cands[j].path })
	return cands, broken, skipped
}

func (o *Orchestrator) hashAll(ctx context.Context, cands []candidate) []scanned {
	files := make([]scanned, len(cands))
	g := new(errgroup.Group)
	g.SetLimit(o.cfg.Workers)
	for i, c := range cands {
		files[i].candidate = c
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				files[i].err = err
				return nil
			}
			files[i].res, files[i].err = o.hasher.HashFile(ctx, c.path)
			return nil
		})
	}
	_ = g.Wait()
	return files
}

func (o *Orchestrator) finish(ctx context.Context, t *tracker, fatal error, log *logger.Logger) (*RunReport, error) {
	run, results := t.snapshot()

	status := models.RunCompleted
	var runErr error
	switch {
	case fatal != nil:
		status = models.RunAborted
		run.Error = fatal.Error()
		runErr = fatal
	case ctx.Err() != nil:
		status = models.RunAborted
		run.Error = "canceled"
		runErr = ctx.Err()
	case run.FilesFailed > 0:
		status = models.RunPartial
	}

	if err := o.ledger.FinalizeRun(ctx, run, status); err != nil {
		log.Error("failed to finalize run", "error", err)
		runErr = errors.Join(runErr, err)
	}

	log.Info("run finished",
		"status", run.Status,
		"scanned", run.FilesScanned,
		"new", run.FilesNew,
		"duplicate", run.FilesDuplicate,
		"resumed", run.FilesResumed,
		"failed", run.FilesFailed,
		"skipped", run.FilesSkipped,
	)
	return &RunReport{Run: run, Files: results}, runErr
}

// changeOf classifies a path against the record after the upsert
func changeOf(created bool, rec *models.FileRecord, path string) Change {
	switch {
	case created:
		return ChangeNew
	case rec.CanonicalPath == path:
		return ChangeUnchanged
	}
	if _, err := os.Stat(rec.CanonicalPath); errors.Is(err, fs.ErrNotExist) {
		return ChangeMoved
	}
	return ChangeAlias
}

func failure(path, digest string, state FileState, err error) FileResult {
	return FileResult{
		Path:      path,
		Digest:    digest,
		State:     state,
		Error:     err.Error(),
		ErrorKind: Classify(err),
	}
}

// isFatal reports a storage failure that must abort the run. A storage
// error caused by cancellation is not fatal; the run ends as canceled.
func isFatal(err error) bool {
	var se *ledger.StorageError
	if !errors.As(err, &se) {
		return false
	}
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

func fatalOrNil(err error) error {
	if isFatal(err) {
		return err
	}
	return nil
}
