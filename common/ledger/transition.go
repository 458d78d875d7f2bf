package ledger

import (
	"encoding/json"
	"fmt"
	"time"

	jsonpatch "github.com/evanphx/json-patch/v5"
	"github.com/google/uuid"

	"github.com/chittyos/evidence-ledger/common/models"
)

// The functions in this file are the only place record state changes.
// Every Store calls them on a private copy under its per-digest lock and
// persists the result together with the returned event.

// Now is the ledger clock. Microsecond precision matches Postgres timestamptz.
func Now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}

// NewRecord builds the PENDING_ID record for a first observation
func NewRecord(obs Observation, now time.Time) (*models.FileRecord, models.FileEvent) {
	rec := &models.FileRecord{
		ContentDigest: obs.Digest,
		CanonicalPath: obs.Path,
		AliasPaths:    []string{},
		SizeBytes:     obs.Size,
		MimeHint:      obs.MimeHint,
		Status:        models.StatusPendingID,
		FirstSeenAt:   now,
		LastSeenAt:    now,
		UpdatedAt:     now,
	}
	return rec, models.FileEvent{
		ContentDigest: obs.Digest,
		Kind:          models.EventObserved,
		Path:          obs.Path,
		RunID:         obs.RunID,
		At:            now,
	}
}

// ApplyObservation records a re-observation of known content. Only
// LastSeenAt and AliasPaths change.
func ApplyObservation(rec *models.FileRecord, obs Observation, now time.Time) models.FileEvent {
	if now.After(rec.LastSeenAt) {
		rec.LastSeenAt = now
	}
	rec.UpdatedAt = now

	ev := models.FileEvent{
		ContentDigest: rec.ContentDigest,
		Kind:          models.EventSeen,
		Path:          obs.Path,
		RunID:         obs.RunID,
		At:            now,
	}
	if !rec.HasPath(obs.Path) {
		rec.AliasPaths = append(rec.AliasPaths, obs.Path)
		ev.Kind = models.EventAliasAdded
	}
	return ev
}

// ApplyMint assigns the external id. A nil event means the record already
// carried this id and nothing changed.
func ApplyMint(rec *models.FileRecord, externalID string, runID uuid.UUID, now time.Time) (*models.FileEvent, error) {
	if externalID == "" {
		return nil, &InvalidTransitionError{
			Digest: rec.ContentDigest, From: rec.Status, To: models.StatusMinted,
			Reason: "empty external id",
		}
	}

	switch rec.Status {
	case models.StatusPendingID, models.StatusMintFailed:
	case models.StatusMinted, models.StatusArchived:
		if rec.ID() == externalID {
			return nil, nil
		}
		return nil, &InvalidTransitionError{
			Digest: rec.ContentDigest, From: rec.Status, To: models.StatusMinted,
			Reason: fmt.Sprintf("already minted as %s", rec.ID()),
		}
	default:
		return nil, &InvalidTransitionError{
			Digest: rec.ContentDigest, From: rec.Status, To: models.StatusMinted,
			Reason: "unknown status",
		}
	}

	id := externalID
	mintedAt := now
	rec.ExternalID = &id
	rec.MintedAt = &mintedAt
	rec.Status = models.StatusMinted
	rec.LastError = ""
	rec.UpdatedAt = now

	return &models.FileEvent{
		ContentDigest: rec.ContentDigest,
		Kind:          models.EventMinted,
		ExternalID:    externalID,
		RunID:         runID,
		At:            now,
	}, nil
}

// ApplyMintFailure records a failed mint round. The record stays retryable.
func ApplyMintFailure(rec *models.FileRecord, reason string, runID uuid.UUID, now time.Time) (models.FileEvent, error) {
	if !rec.Status.NeedsMint() {
		return models.FileEvent{}, &InvalidTransitionError{
			Digest: rec.ContentDigest, From: rec.Status, To: models.StatusMintFailed,
			Reason: "record already has an external id",
		}
	}

	rec.Status = models.StatusMintFailed
	rec.MintAttempts++
	rec.LastError = reason
	rec.UpdatedAt = now

	return models.FileEvent{
		ContentDigest: rec.ContentDigest,
		Kind:          models.EventMintFailed,
		RunID:         runID,
		Detail:        reason,
		At:            now,
	}, nil
}

// ApplyArchive retires a minted record. Archiving twice is a no-op.
func ApplyArchive(rec *models.FileRecord, now time.Time) (*models.FileEvent, error) {
	switch rec.Status {
	case models.StatusArchived:
		return nil, nil
	case models.StatusMinted:
	default:
		return nil, &InvalidTransitionError{
			Digest: rec.ContentDigest, From: rec.Status, To: models.StatusArchived,
			Reason: "only minted records can be archived",
		}
	}

	rec.Status = models.StatusArchived
	rec.UpdatedAt = now

	return &models.FileEvent{
		ContentDigest: rec.ContentDigest,
		Kind:          models.EventArchived,
		ExternalID:    rec.ID(),
		At:            now,
	}, nil
}

// ApplyAnnotation merges an RFC 7386 patch into the annotations. A nil
// event means the patch changed nothing.
func ApplyAnnotation(rec *models.FileRecord, patch []byte, now time.Time) (*models.FileEvent, error) {
	current := rec.Annotations
	if current == nil {
		current = map[string]string{}
	}
	doc, err := json.Marshal(current)
	if err != nil {
		return nil, fmt.Errorf("failed to encode annotations: %w", err)
	}

	merged, err := jsonpatch.MergePatch(doc, patch)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAnnotation, err)
	}

	next := map[string]string{}
	if err := json.Unmarshal(merged, &next); err != nil {
		return nil, fmt.Errorf("%w: values must be strings", ErrInvalidAnnotation)
	}

	if equalAnnotations(current, next) {
		return nil, nil
	}

	rec.Annotations = next
	rec.UpdatedAt = now

	return &models.FileEvent{
		ContentDigest: rec.ContentDigest,
		Kind:          models.EventAnnotated,
		Detail:        string(patch),
		At:            now,
	}, nil
}

func equalAnnotations(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if bv, ok := b[k]; !ok || bv != v {
			return false
		}
	}
	return true
}

// MintClaim is a lease on the right to mint one digest
type MintClaim struct {
	RunID     uuid.UUID
	ExpiresAt time.Time
}

// Claimable reports whether runID may take the mint claim on rec while
// held is the current claim, if any. An expired claim is free.
func Claimable(rec *models.FileRecord, held *MintClaim, runID uuid.UUID, now time.Time) bool {
	if !rec.Status.NeedsMint() {
		return false
	}
	return held == nil || held.RunID == runID || !now.Before(held.ExpiresAt)
}
