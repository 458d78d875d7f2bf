package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/chittyos/evidence-ledger/common/models"
)

// ChangeKind says whether a record appeared or was modified after the reference
type ChangeKind string

const (
	ChangeCreated ChangeKind = "CREATED"
	ChangeTouched ChangeKind = "TOUCHED"
)

// Change is one element of a diff
type Change struct {
	Kind   ChangeKind         `json:"change"`
	Record *models.FileRecord `json:"record"`
}

// Reference is the starting point of a diff: either a timestamp or a run,
// which stands for the moment that run started.
type Reference struct {
	Since time.Time
	RunID uuid.UUID
}

// ParseReference accepts a run id, an RFC 3339 timestamp or a date
func ParseReference(s string) (Reference, error) {
	if id, err := uuid.Parse(s); err == nil {
		return Reference{RunID: id}, nil
	}
	for _, layout := range []string{time.RFC3339Nano, time.DateOnly} {
		if t, err := time.Parse(layout, s); err == nil {
			return Reference{Since: t.UTC()}, nil
		}
	}
	return Reference{}, fmt.Errorf("invalid diff reference %q: want run id, RFC 3339 time or YYYY-MM-DD", s)
}

func (l *Ledger) resolve(ctx context.Context, ref Reference) (time.Time, error) {
	if ref.RunID == uuid.Nil {
		return ref.Since, nil
	}
	run, err := l.GetRun(ctx, ref.RunID)
	if err != nil {
		return time.Time{}, err
	}
	return run.StartedAt, nil
}

// DiffSince returns a lazy iterator over records created or touched at or
// after ref, in (FirstSeenAt, ContentDigest) order
func (l *Ledger) DiffSince(ctx context.Context, ref Reference) (*DiffIterator, error) {
	return l.ResumeDiff(ctx, ref, "")
}

// ResumeDiff continues a diff after the position encoded in token
func (l *Ledger) ResumeDiff(ctx context.Context, ref Reference, token string) (*DiffIterator, error) {
	since, err := l.resolve(ctx, ref)
	if err != nil {
		return nil, err
	}
	it := &DiffIterator{ledger: l, since: since, pageSize: l.pageSize}
	if token != "" {
		c, err := DecodeCursor(token)
		if err != nil {
			return nil, err
		}
		it.cursor = c
	}
	return it, nil
}

// DiffIterator pages through a diff on demand. It is not safe for
// concurrent use.
type DiffIterator struct {
	ledger   *Ledger
	since    time.Time
	pageSize int

	cursor  *Cursor
	page    []*models.FileRecord
	idx     int
	current Change
	done    bool
	err     error
}

// Next advances to the next change, fetching a page when needed
func (it *DiffIterator) Next(ctx context.Context) bool {
	if it.err != nil {
		return false
	}
	if it.idx >= len(it.page) {
		if it.done {
			return false
		}
		recs, err := it.ledger.store.ChangedSince(ctx, it.since, it.cursor, it.pageSize)
		if err := it.ledger.observe("diff", err); err != nil {
			it.err = err
			return false
		}
		if len(recs) < it.pageSize {
			it.done = true
		}
		if len(recs) == 0 {
			return false
		}
		it.page, it.idx = recs, 0
	}

	rec := it.page[it.idx]
	it.idx++
	it.cursor = CursorOf(rec)

	kind := ChangeTouched
	if !rec.FirstSeenAt.Before(it.since) {
		kind = ChangeCreated
	}
	it.current = Change{Kind: kind, Record: rec}
	return true
}

// Change returns the element Next moved to
func (it *DiffIterator) Change() Change {
	return it.current
}

func (it *DiffIterator) Err() error {
	return it.err
}

// Cursor returns a token that resumes the diff after the last returned
// change, or an empty string when nothing has been returned yet
func (it *DiffIterator) Cursor() string {
	if it.cursor == nil {
		return ""
	}
	return it.cursor.Encode()
}

// Since returns the resolved reference time
func (it *DiffIterator) Since() time.Time {
	return it.since
}

// Take returns up to max changes. A zero max drains the iterator.
func (it *DiffIterator) Take(ctx context.Context, max int) ([]Change, error) {
	var out []Change
	for (max <= 0 || len(out) < max) && it.Next(ctx) {
		out = append(out, it.Change())
	}
	return out, it.Err()
}
