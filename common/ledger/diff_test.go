package ledger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chittyos/evidence-ledger/common/models"
)

func newTestLedger(t *testing.T, clock *fakeClock, pageSize int) *Ledger {
	t.Helper()
	s := openStore(t, t.TempDir(), LogStoreOptions{Now: clock.Now})
	t.Cleanup(func() { s.Close() })
	return New(s, &testLogger{t: t}).WithPageSize(pageSize)
}

func digests(changes []Change) []string {
	out := make([]string, 0, len(changes))
	for _, c := range changes {
		out = append(out, c.Record.ContentDigest)
	}
	return out
}

func TestDiffSince_CreatedAndTouched(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	l := newTestLedger(t, clock, 100)

	_, _, err := l.Upsert(ctx, obs("sha256:aa", "/a"))
	require.NoError(t, err)
	_, _, err = l.Upsert(ctx, obs("sha256:bb", "/b"))
	require.NoError(t, err)

	ref := clock.Now()

	_, _, err = l.Upsert(ctx, obs("sha256:aa", "/a-copy"))
	require.NoError(t, err)
	_, _, err = l.Upsert(ctx, obs("sha256:cc", "/c"))
	require.NoError(t, err)

	it, err := l.DiffSince(ctx, Reference{Since: ref})
	require.NoError(t, err)
	changes, err := it.Take(ctx, 0)
	require.NoError(t, err)

	require.Equal(t, []string{"sha256:aa", "sha256:cc"}, digests(changes))
	assert.Equal(t, ChangeTouched, changes[0].Kind)
	assert.Equal(t, ChangeCreated, changes[1].Kind)
}

func TestDiffSince_PagingAndResume(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	l := newTestLedger(t, clock, 2)

	want := []string{"sha256:05", "sha256:01", "sha256:04", "sha256:02", "sha256:03"}
	for _, d := range want {
		_, _, err := l.Upsert(ctx, obs(d, "/"+d))
		require.NoError(t, err)
	}

	it, err := l.DiffSince(ctx, Reference{Since: t0})
	require.NoError(t, err)
	all, err := it.Take(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, want, digests(all))

	// Consume two, then continue from the cursor in a fresh iterator.
	it, err = l.DiffSince(ctx, Reference{Since: t0})
	require.NoError(t, err)
	first, err := it.Take(ctx, 2)
	require.NoError(t, err)
	token := it.Cursor()
	require.NotEmpty(t, token)

	// Records touched in between do not change their position.
	_, _, err = l.Upsert(ctx, obs("sha256:05", "/again"))
	require.NoError(t, err)

	resumed, err := l.ResumeDiff(ctx, Reference{Since: t0}, token)
	require.NoError(t, err)
	rest, err := resumed.Take(ctx, 0)
	require.NoError(t, err)

	assert.Equal(t, want, append(digests(first), digests(rest)...))
}

func TestDiffSince_RunReference(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	l := newTestLedger(t, clock, 10)

	_, _, err := l.Upsert(ctx, obs("sha256:old", "/old"))
	require.NoError(t, err)

	run := &models.IngestionRun{RunID: uuid.New(), Kind: models.RunKindIngest, StartedAt: clock.Now()}
	require.NoError(t, l.RecordProgress(ctx, run))

	_, _, err = l.Upsert(ctx, obs("sha256:new", "/new"))
	require.NoError(t, err)

	it, err := l.DiffSince(ctx, Reference{RunID: run.RunID})
	require.NoError(t, err)
	changes, err := it.Take(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"sha256:new"}, digests(changes))

	_, err = l.DiffSince(ctx, Reference{RunID: uuid.New()})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestParseReference(t *testing.T) {
	id := uuid.New()
	ref, err := ParseReference(id.String())
	require.NoError(t, err)
	assert.Equal(t, id, ref.RunID)

	ref, err = ParseReference("2024-05-01T09:00:00Z")
	require.NoError(t, err)
	assert.True(t, ref.Since.Equal(t0))

	ref, err = ParseReference("2024-05-01")
	require.NoError(t, err)
	assert.True(t, ref.Since.Equal(time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)))

	_, err = ParseReference("yesterday")
	assert.Error(t, err)
}

func TestCursor_RoundTrip(t *testing.T) {
	c := &Cursor{FirstSeenAt: t0.Add(123 * time.Microsecond), Digest: "sha256:ab"}
	got, err := DecodeCursor(c.Encode())
	require.NoError(t, err)
	assert.True(t, got.FirstSeenAt.Equal(c.FirstSeenAt))
	assert.Equal(t, c.Digest, got.Digest)

	_, err = DecodeCursor("%%%")
	assert.Error(t, err)
}

func TestLedger_ClassifiesErrors(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	s := openStore(t, t.TempDir(), LogStoreOptions{Now: clock.Now})
	l := New(s, &testLogger{t: t})

	_, err := l.Get(ctx, "sha256:none")
	assert.ErrorIs(t, err, ErrNotFound)
	var se *StorageError
	assert.False(t, errors.As(err, &se))

	_, _, err = l.Upsert(ctx, Observation{Path: "/x"})
	assert.Error(t, err)

	require.NoError(t, s.Close())
	_, _, err = l.Upsert(ctx, obs("sha256:aa", "/a"))
	assert.ErrorAs(t, err, &se, "backend failures surface as StorageError")
}

func TestLedger_FinalizeRunIgnoresCancellation(t *testing.T) {
	clock := newFakeClock()
	l := newTestLedger(t, clock, 10)

	ctx, cancel := context.WithCancel(context.Background())
	run, err := l.StartRun(ctx, models.RunKindIngest, []string{"/ev"}, "host")
	require.NoError(t, err)
	cancel()

	run.FilesScanned = 3
	require.NoError(t, l.FinalizeRun(ctx, run, models.RunAborted))

	got, err := l.GetRun(context.Background(), run.RunID)
	require.NoError(t, err)
	assert.True(t, got.Finalized())
	assert.Equal(t, models.RunAborted, got.Status)
	assert.Equal(t, 3, got.FilesScanned)
}
