package ledger

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chittyos/evidence-ledger/common/models"
)

var t0 = time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

func newPending(t *testing.T) *models.FileRecord {
	t.Helper()
	rec, ev := NewRecord(Observation{Digest: "sha256:aa", Path: "/ev/a.pdf", Size: 10, MimeHint: "application/pdf"}, t0)
	assert.Equal(t, models.EventObserved, ev.Kind)
	return rec
}

func TestNewRecord(t *testing.T) {
	rec := newPending(t)
	assert.Equal(t, models.StatusPendingID, rec.Status)
	assert.Nil(t, rec.ExternalID)
	assert.Equal(t, "/ev/a.pdf", rec.CanonicalPath)
	assert.Empty(t, rec.AliasPaths)
	assert.Equal(t, t0, rec.FirstSeenAt)
	assert.Equal(t, t0, rec.LastSeenAt)
}

func TestApplyObservation_AliasesAndLastSeen(t *testing.T) {
	rec := newPending(t)

	ev := ApplyObservation(rec, Observation{Digest: rec.ContentDigest, Path: "/ev/a.pdf"}, t0.Add(time.Minute))
	assert.Equal(t, models.EventSeen, ev.Kind)
	assert.Empty(t, rec.AliasPaths)

	ev = ApplyObservation(rec, Observation{Digest: rec.ContentDigest, Path: "/ev/copy.pdf"}, t0.Add(2*time.Minute))
	assert.Equal(t, models.EventAliasAdded, ev.Kind)
	assert.Equal(t, []string{"/ev/copy.pdf"}, rec.AliasPaths)

	ev = ApplyObservation(rec, Observation{Digest: rec.ContentDigest, Path: "/ev/copy.pdf"}, t0.Add(3*time.Minute))
	assert.Equal(t, models.EventSeen, ev.Kind)
	assert.Equal(t, []string{"/ev/copy.pdf"}, rec.AliasPaths)
	assert.Equal(t, t0.Add(3*time.Minute), rec.LastSeenAt)

	// A clock step backwards must not move LastSeenAt backwards.
	ApplyObservation(rec, Observation{Digest: rec.ContentDigest, Path: "/ev/a.pdf"}, t0.Add(time.Second))
	assert.Equal(t, t0.Add(3*time.Minute), rec.LastSeenAt)
	assert.Equal(t, t0, rec.FirstSeenAt)
	assert.Equal(t, "/ev/a.pdf", rec.CanonicalPath)
}

func TestApplyMint(t *testing.T) {
	runID := uuid.New()
	rec := newPending(t)

	ev, err := ApplyMint(rec, "CHITTY-1", runID, t0.Add(time.Second))
	require.NoError(t, err)
	require.NotNil(t, ev)
	assert.Equal(t, models.EventMinted, ev.Kind)
	assert.Equal(t, models.StatusMinted, rec.Status)
	assert.Equal(t, "CHITTY-1", rec.ID())
	require.NotNil(t, rec.MintedAt)

	ev, err = ApplyMint(rec, "CHITTY-1", runID, t0.Add(2*time.Second))
	require.NoError(t, err)
	assert.Nil(t, ev, "same id again is a no-op")

	_, err = ApplyMint(rec, "CHITTY-2", runID, t0.Add(3*time.Second))
	var ite *InvalidTransitionError
	require.ErrorAs(t, err, &ite)
	assert.Equal(t, models.StatusMinted, ite.From)
	assert.Equal(t, "CHITTY-1", rec.ID(), "id is never overwritten")

	_, err = ApplyMint(newPending(t), "", runID, t0)
	require.ErrorAs(t, err, &ite)
}

func TestApplyMintFailure(t *testing.T) {
	rec := newPending(t)

	_, err := ApplyMintFailure(rec, "429 budget exhausted", uuid.Nil, t0.Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, models.StatusMintFailed, rec.Status)
	assert.Equal(t, 1, rec.MintAttempts)

	_, err = ApplyMintFailure(rec, "again", uuid.Nil, t0.Add(2*time.Second))
	require.NoError(t, err)
	assert.Equal(t, 2, rec.MintAttempts)
	assert.Equal(t, "again", rec.LastError)

	// MINT_FAILED is retryable
	_, err = ApplyMint(rec, "CHITTY-9", uuid.Nil, t0.Add(3*time.Second))
	require.NoError(t, err)
	assert.Equal(t, models.StatusMinted, rec.Status)
	assert.Empty(t, rec.LastError)

	_, err = ApplyMintFailure(rec, "late", uuid.Nil, t0.Add(4*time.Second))
	var ite *InvalidTransitionError
	assert.ErrorAs(t, err, &ite)
}

func TestApplyArchive(t *testing.T) {
	rec := newPending(t)
	_, err := ApplyArchive(rec, t0)
	var ite *InvalidTransitionError
	require.ErrorAs(t, err, &ite, "pending work can not be archived")

	_, err = ApplyMint(rec, "CHITTY-1", uuid.Nil, t0)
	require.NoError(t, err)

	ev, err := ApplyArchive(rec, t0.Add(time.Second))
	require.NoError(t, err)
	require.NotNil(t, ev)
	assert.Equal(t, models.StatusArchived, rec.Status)

	ev, err = ApplyArchive(rec, t0.Add(2*time.Second))
	require.NoError(t, err)
	assert.Nil(t, ev)

	ev, err = ApplyMint(rec, "CHITTY-1", uuid.Nil, t0)
	require.NoError(t, err)
	assert.Nil(t, ev)
	assert.Equal(t, models.StatusArchived, rec.Status)
}

func TestApplyAnnotation(t *testing.T) {
	rec := newPending(t)

	ev, err := ApplyAnnotation(rec, []byte(`{"exhibit":"A-12","party":"respondent"}`), t0)
	require.NoError(t, err)
	require.NotNil(t, ev)
	assert.Equal(t, map[string]string{"exhibit": "A-12", "party": "respondent"}, rec.Annotations)

	ev, err = ApplyAnnotation(rec, []byte(`{"party":null}`), t0)
	require.NoError(t, err)
	require.NotNil(t, ev)
	assert.Equal(t, map[string]string{"exhibit": "A-12"}, rec.Annotations)

	ev, err = ApplyAnnotation(rec, []byte(`{"exhibit":"A-12"}`), t0)
	require.NoError(t, err)
	assert.Nil(t, ev)

	_, err = ApplyAnnotation(rec, []byte(`{"pages":12}`), t0)
	assert.ErrorIs(t, err, ErrInvalidAnnotation)

	_, err = ApplyAnnotation(rec, []byte(`not json`), t0)
	assert.ErrorIs(t, err, ErrInvalidAnnotation)
}

func TestClaimable(t *testing.T) {
	rec := newPending(t)
	runA, runB := uuid.New(), uuid.New()
	held := &MintClaim{RunID: runA, ExpiresAt: t0.Add(time.Minute)}

	assert.True(t, Claimable(rec, nil, runB, t0))
	assert.True(t, Claimable(rec, held, runA, t0), "holder may renew")
	assert.False(t, Claimable(rec, held, runB, t0))
	assert.True(t, Claimable(rec, held, runB, t0.Add(time.Minute)), "expired claim is free")

	_, err := ApplyMint(rec, "CT-1", runA, t0)
	require.NoError(t, err)
	assert.False(t, Claimable(rec, nil, runA, t0), "minted records need no claim")
}
