package models

import (
	"time"

	"github.com/google/uuid"
)

// RunStatus is the outcome of an ingestion run
type RunStatus string

const (
	RunRunning   RunStatus = "RUNNING"
	RunCompleted RunStatus = "COMPLETED"
	RunPartial   RunStatus = "PARTIAL"
	RunAborted   RunStatus = "ABORTED"
)

// RunKind distinguishes directory ingestion from pending-id resumption
type RunKind string

const (
	RunKindIngest RunKind = "INGEST"
	RunKindResume RunKind = "RESUME"
)

// IngestionRun is the summary of one invocation
// Maps to: ingestion_run table
type IngestionRun struct {
	// Unique run ID (UUID v7)
	RunID uuid.UUID `db:"run_id" json:"run_id" yaml:"run_id"`

	Kind   RunKind   `db:"kind" json:"kind" yaml:"kind"`
	Status RunStatus `db:"status" json:"status" yaml:"status"`
	Roots  []string  `db:"roots" json:"roots" yaml:"roots"`
	Host   string    `db:"host" json:"host,omitempty" yaml:"host,omitempty"`

	StartedAt   time.Time  `db:"started_at" json:"started_at" yaml:"started_at"`
	CompletedAt *time.Time `db:"completed_at" json:"completed_at,omitempty" yaml:"completed_at,omitempty"`

	FilesScanned   int `db:"files_scanned" json:"files_scanned" yaml:"files_scanned"`
	FilesNew       int `db:"files_new" json:"files_new" yaml:"files_new"`
	FilesDuplicate int `db:"files_duplicate" json:"files_duplicate" yaml:"files_duplicate"`
	FilesResumed   int `db:"files_resumed" json:"files_resumed" yaml:"files_resumed"`
	FilesFailed    int `db:"files_failed" json:"files_failed" yaml:"files_failed"`
	FilesSkipped   int `db:"files_skipped" json:"files_skipped" yaml:"files_skipped"`

	// Set when the run was aborted
	Error string `db:"error" json:"error,omitempty" yaml:"error,omitempty"`
}

// Finalized reports whether the run has a completion timestamp
func (r *IngestionRun) Finalized() bool {
	return r.CompletedAt != nil
}

// Clone returns a deep copy
func (r *IngestionRun) Clone() *IngestionRun {
	if r == nil {
		return nil
	}
	c := *r
	c.Roots = append([]string(nil), r.Roots...)
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}
