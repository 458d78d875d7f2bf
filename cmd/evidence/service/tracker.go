package service

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/chittyos/evidence-ledger/common/ledger"
	"github.com/chittyos/evidence-ledger/common/metrics"
	"github.com/chittyos/evidence-ledger/common/models"
)

type outcome string

const (
	outcomeNew       outcome = "new"
	outcomeDuplicate outcome = "duplicate"
	outcomeResumed   outcome = "resumed"
	outcomeFailed    outcome = "failed"
	outcomeSkipped   outcome = "skipped"
)

// tracker owns the run counters and per-file results. Every scanned file
// is counted exactly once, in exactly one outcome.
type tracker struct {
	mu      sync.Mutex
	ledger  *ledger.Ledger
	run     *models.IngestionRun
	results []FileResult
	filled  []bool
	extra   []FileResult
}

func newTracker(l *ledger.Ledger, run *models.IngestionRun, slots int) *tracker {
	return &tracker{
		ledger:  l,
		run:     run,
		results: make([]FileResult, slots),
		filled:  make([]bool, slots),
	}
}

func (t *tracker) runID() uuid.UUID {
	return t.run.RunID
}

func (t *tracker) startedAt() time.Time {
	return t.run.StartedAt
}

func (t *tracker) skip(n int) {
	if n == 0 {
		return
	}
	t.mu.Lock()
	t.run.FilesSkipped += n
	t.mu.Unlock()
	metrics.FilesProcessed.WithLabelValues(string(outcomeSkipped)).Add(float64(n))
}

// add records a result that has no slot, such as an unreadable root
func (t *tracker) add(fr FileResult, o outcome) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.extra = append(t.extra, fr)
	t.countLocked(o)
}

// set fills slot i. A slot is only ever counted once.
func (t *tracker) set(i int, fr FileResult, o outcome) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.filled[i] {
		t.results[i] = fr
		return
	}
	t.filled[i] = true
	t.results[i] = fr
	t.countLocked(o)
}

func (t *tracker) countLocked(o outcome) {
	t.run.FilesScanned++
	switch o {
	case outcomeNew:
		t.run.FilesNew++
	case outcomeDuplicate:
		t.run.FilesDuplicate++
	case outcomeResumed:
		t.run.FilesResumed++
	case outcomeFailed:
		t.run.FilesFailed++
	}
	metrics.FilesProcessed.WithLabelValues(string(o)).Inc()
}

// failGroup marks every path of g failed with err
func (t *tracker) failGroup(files []scanned, g *digestGroup, err error) {
	for _, idx := range g.members {
		t.set(idx, failure(files[idx].path, g.digest, StateFailed, err), outcomeFailed)
	}
}

// persist writes the current counters to the ledger
func (t *tracker) persist(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ledger.RecordProgress(ctx, t.run)
}

// snapshot returns the run and all results ordered by path. Call it only
// after every worker has returned.
func (t *tracker) snapshot() (*models.IngestionRun, []FileResult) {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]FileResult, 0, len(t.results)+len(t.extra))
	out = append(out, t.extra...)
	for i, fr := range t.results {
		if t.filled[i] {
			out = append(out, fr)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return t.run, out
}
