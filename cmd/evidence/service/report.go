package service

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/chittyos/evidence-ledger/common/models"
)

// FileState is the terminal state of one file in a run
type FileState string

const (
	StateMinted     FileState = "MINTED"
	StateDuplicate  FileState = "DUPLICATE"
	StateResumed    FileState = "RESUMED"
	StateMintFailed FileState = "MINT_FAILED"
	StateFailed     FileState = "FAILED"
)

// Change describes how a file relates to what the ledger already knew
type Change string

const (
	ChangeNew       Change = "NEW"
	ChangeUnchanged Change = "UNCHANGED"
	ChangeAlias     Change = "ALIAS"
	ChangeMoved     Change = "MOVED"
)

// FileResult is the outcome for one scanned file
type FileResult struct {
	Path       string    `json:"path" yaml:"path"`
	Digest     string    `json:"digest,omitempty" yaml:"digest,omitempty"`
	State      FileState `json:"state" yaml:"state"`
	ExternalID string    `json:"external_id,omitempty" yaml:"external_id,omitempty"`
	Change     Change    `json:"change,omitempty" yaml:"change,omitempty"`
	Error      string    `json:"error,omitempty" yaml:"error,omitempty"`
	ErrorKind  ErrorKind `json:"error_kind,omitempty" yaml:"error_kind,omitempty"`
}

// Failed reports whether the file did not reach an identified state
func (r FileResult) Failed() bool {
	return r.State == StateFailed || r.State == StateMintFailed
}

// RunReport is the full result of an ingest or resume run
type RunReport struct {
	Run   *models.IngestionRun `json:"run" yaml:"run"`
	Files []FileResult         `json:"files" yaml:"files"`
}

// Failures returns the failed file results
func (r *RunReport) Failures() []FileResult {
	var out []FileResult
	for _, f := range r.Files {
		if f.Failed() {
			out = append(out, f)
		}
	}
	return out
}

// Encode writes the report as "json" or "yaml"
func (r *RunReport) Encode(w io.Writer, format string) error {
	return Encode(w, format, r)
}

// WriteFile writes the report to path, picking the format from the
// extension when format is empty
func (r *RunReport) WriteFile(path, format string) error {
	return WriteFile(path, format, r)
}

// Encode writes v as indented "json" or "yaml"
func Encode(w io.Writer, format string, v any) error {
	switch strings.ToLower(format) {
	case "", "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "yaml", "yml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	default:
		return fmt.Errorf("unknown report format %q", format)
	}
}

// WriteFile writes v to path. An empty format is taken from the extension.
func WriteFile(path, format string, v any) error {
	if format == "" {
		switch strings.ToLower(filepath.Ext(path)) {
		case ".yaml", ".yml":
			format = "yaml"
		default:
			format = "json"
		}
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create report: %w", err)
	}
	if err := Encode(f, format, v); err != nil {
		f.Close()
		return fmt.Errorf("failed to write report: %w", err)
	}
	return f.Close()
}

// Summary renders the counters in one line for terminals
func (r *RunReport) Summary() string {
	run := r.Run
	return fmt.Sprintf("run %s %s: scanned=%d new=%d duplicate=%d resumed=%d failed=%d skipped=%d",
		run.RunID, run.Status,
		run.FilesScanned, run.FilesNew, run.FilesDuplicate, run.FilesResumed, run.FilesFailed, run.FilesSkipped)
}
