package ledger

import (
	"context"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/chittyos/evidence-ledger/common/models"
)

// Store is a persistence backend for the ledger. Implementations must make
// every mutating call atomic per digest: the record image and the events it
// produces are committed together or not at all.
type Store interface {
	// Upsert records an observation. The bool is true when the digest was new.
	Upsert(ctx context.Context, obs Observation) (*models.FileRecord, bool, error)
	MarkMinted(ctx context.Context, digest, externalID string, runID uuid.UUID) (*models.FileRecord, error)
	MarkMintFailed(ctx context.Context, digest, reason string, runID uuid.UUID) (*models.FileRecord, error)
	Archive(ctx context.Context, digest string) (*models.FileRecord, error)
	Annotate(ctx context.Context, digest string, patch []byte) (*models.FileRecord, error)

	// ClaimMint takes the right to mint digest for runID until lease runs
	// out. The bool is true when the claim is held by runID on return; it is
	// false when another run holds a live claim or the record no longer
	// needs an id. The returned record is the current image either way.
	ClaimMint(ctx context.Context, digest string, runID uuid.UUID, lease time.Duration) (*models.FileRecord, bool, error)
	// ReleaseMint drops a claim held by runID. Releasing a claim that is
	// gone or held by another run is a no-op.
	ReleaseMint(ctx context.Context, digest string, runID uuid.UUID) error

	Get(ctx context.Context, digest string) (*models.FileRecord, error)
	List(ctx context.Context, opts ListOptions) ([]*models.FileRecord, error)
	History(ctx context.Context, digest string) ([]models.FileEvent, error)
	StatusCounts(ctx context.Context) (map[models.Status]int, error)

	// ChangedSince returns records with UpdatedAt >= since ordered by
	// (FirstSeenAt, ContentDigest), strictly after the cursor when one is given.
	ChangedSince(ctx context.Context, since time.Time, after *Cursor, limit int) ([]*models.FileRecord, error)

	// PinAlgorithm records algo as the digest algorithm unless one is
	// recorded already, and returns whichever is recorded afterwards.
	PinAlgorithm(ctx context.Context, algo string) (string, error)

	PutRun(ctx context.Context, run *models.IngestionRun) error
	GetRun(ctx context.Context, runID uuid.UUID) (*models.IngestionRun, error)
	ListRuns(ctx context.Context, limit int) ([]*models.IngestionRun, error)

	Close() error
}

// Observation is one sighting of content at a path
type Observation struct {
	Digest   string
	Path     string
	Size     int64
	MimeHint string
	RunID    uuid.UUID
}

// ListOptions filters and pages List
type ListOptions struct {
	Statuses []models.Status
	After    *Cursor
	Limit    int
}

// Matches reports whether rec passes the status filter
func (o ListOptions) Matches(rec *models.FileRecord) bool {
	if len(o.Statuses) == 0 {
		return true
	}
	for _, s := range o.Statuses {
		if rec.Status == s {
			return true
		}
	}
	return false
}

// Cursor is a position in (FirstSeenAt, ContentDigest) order. Both fields
// are immutable, so a cursor stays valid while records keep changing.
type Cursor struct {
	FirstSeenAt time.Time
	Digest      string
}

// CursorOf returns the position of rec
func CursorOf(rec *models.FileRecord) *Cursor {
	return &Cursor{FirstSeenAt: rec.FirstSeenAt, Digest: rec.ContentDigest}
}

// Precedes reports whether rec sorts strictly after the cursor.
// A nil cursor precedes everything.
func (c *Cursor) Precedes(rec *models.FileRecord) bool {
	if c == nil {
		return true
	}
	if !rec.FirstSeenAt.Equal(c.FirstSeenAt) {
		return rec.FirstSeenAt.After(c.FirstSeenAt)
	}
	return rec.ContentDigest > c.Digest
}

// Encode returns an opaque URL-safe token
func (c *Cursor) Encode() string {
	raw := strconv.FormatInt(c.FirstSeenAt.UnixNano(), 10) + "|" + c.Digest
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// DecodeCursor parses a token produced by Encode
func DecodeCursor(token string) (*Cursor, error) {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidCursor, err)
	}
	nanos, digest, ok := strings.Cut(string(raw), "|")
	if !ok || digest == "" {
		return nil, fmt.Errorf("%w: malformed token", ErrInvalidCursor)
	}
	n, err := strconv.ParseInt(nanos, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidCursor, err)
	}
	return &Cursor{FirstSeenAt: time.Unix(0, n).UTC(), Digest: digest}, nil
}

// lessRecord orders records by (FirstSeenAt, ContentDigest)
func lessRecord(a, b *models.FileRecord) bool {
	if !a.FirstSeenAt.Equal(b.FirstSeenAt) {
		return a.FirstSeenAt.Before(b.FirstSeenAt)
	}
	return a.ContentDigest < b.ContentDigest
}
