package models

import (
	"time"

	"github.com/google/uuid"
)

// Status is the identity lifecycle state of a FileRecord
type Status string

const (
	StatusPendingID  Status = "PENDING_ID"
	StatusMinted     Status = "MINTED"
	StatusMintFailed Status = "MINT_FAILED"
	StatusArchived   Status = "ARCHIVED"
)

// Statuses lists every status in lifecycle order
var Statuses = []Status{StatusPendingID, StatusMinted, StatusMintFailed, StatusArchived}

// Valid reports whether s is a known status
func (s Status) Valid() bool {
	switch s {
	case StatusPendingID, StatusMinted, StatusMintFailed, StatusArchived:
		return true
	}
	return false
}

// NeedsMint reports whether a record in this status still has no external id
func (s Status) NeedsMint() bool {
	return s == StatusPendingID || s == StatusMintFailed
}

// FileRecord is the ledger entry for one distinct content digest
// Maps to: file_record table
type FileRecord struct {
	// Content hash (sha256:abc123...), the identity key
	ContentDigest string `db:"content_digest" json:"content_digest"`

	// Minted once, never overwritten
	ExternalID *string `db:"external_id" json:"external_id,omitempty"`

	// First path this content was observed at
	CanonicalPath string `db:"canonical_path" json:"canonical_path"`

	// Other paths with identical content, in observation order
	AliasPaths []string `db:"alias_paths" json:"alias_paths"`

	SizeBytes int64  `db:"size_bytes" json:"size_bytes"`
	MimeHint  string `db:"mime_hint" json:"mime_hint"`

	Status       Status `db:"status" json:"status"`
	MintAttempts int    `db:"mint_attempts" json:"mint_attempts"`
	LastError    string `db:"last_error" json:"last_error,omitempty"`

	// Operator annotations, edited with JSON merge patches
	Annotations map[string]string `db:"annotations" json:"annotations,omitempty"`

	FirstSeenAt time.Time  `db:"first_seen_at" json:"first_seen_at"`
	LastSeenAt  time.Time  `db:"last_seen_at" json:"last_seen_at"`
	MintedAt    *time.Time `db:"minted_at" json:"minted_at,omitempty"`

	// Bumped on every mutation, drives diff queries
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// ID returns the external id or an empty string
func (r *FileRecord) ID() string {
	if r.ExternalID == nil {
		return ""
	}
	return *r.ExternalID
}

// HasPath reports whether p is the canonical path or one of the aliases
func (r *FileRecord) HasPath(p string) bool {
	if r.CanonicalPath == p {
		return true
	}
	for _, a := range r.AliasPaths {
		if a == p {
			return true
		}
	}
	return false
}

// Paths returns the canonical path followed by the aliases
func (r *FileRecord) Paths() []string {
	out := make([]string, 0, len(r.AliasPaths)+1)
	out = append(out, r.CanonicalPath)
	return append(out, r.AliasPaths...)
}

// Clone returns a deep copy
func (r *FileRecord) Clone() *FileRecord {
	if r == nil {
		return nil
	}
	c := *r
	if r.ExternalID != nil {
		id := *r.ExternalID
		c.ExternalID = &id
	}
	if r.MintedAt != nil {
		t := *r.MintedAt
		c.MintedAt = &t
	}
	c.AliasPaths = append([]string(nil), r.AliasPaths...)
	if r.Annotations != nil {
		c.Annotations = make(map[string]string, len(r.Annotations))
		for k, v := range r.Annotations {
			c.Annotations[k] = v
		}
	}
	return &c
}

// EventKind classifies a history entry
type EventKind string

const (
	EventObserved   EventKind = "OBSERVED"
	EventAliasAdded EventKind = "ALIAS_ADDED"
	EventSeen       EventKind = "SEEN"
	EventMinted     EventKind = "MINTED"
	EventMintFailed EventKind = "MINT_FAILED"
	EventArchived   EventKind = "ARCHIVED"
	EventAnnotated  EventKind = "ANNOTATED"
)

// FileEvent is one append-only history entry of a FileRecord
// Maps to: file_event table
type FileEvent struct {
	Seq           int64     `db:"seq" json:"seq"`
	ContentDigest string    `db:"content_digest" json:"content_digest"`
	Kind          EventKind `db:"kind" json:"kind"`
	Path          string    `db:"path" json:"path,omitempty"`
	ExternalID    string    `db:"external_id" json:"external_id,omitempty"`
	RunID         uuid.UUID `db:"run_id" json:"run_id"`
	Detail        string    `db:"detail" json:"detail,omitempty"`
	At            time.Time `db:"at" json:"at"`
}

// EntityMetadata is sent to the identity service when minting
type EntityMetadata struct {
	Domain        string            `json:"domain"`
	Subtype       string            `json:"subtype"`
	FileName      string            `json:"file_name,omitempty"`
	FileType      string            `json:"file_type,omitempty"`
	SizeBytes     int64             `json:"size_bytes"`
	MimeHint      string            `json:"mime_hint,omitempty"`
	ContentDigest string            `json:"content_digest"`
	CaseID        string            `json:"case_id,omitempty"`
	Annotations   map[string]string `json:"annotations,omitempty"`
}
