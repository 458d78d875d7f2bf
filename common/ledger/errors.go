package ledger

import (
	"errors"
	"fmt"

	"github.com/chittyos/evidence-ledger/common/models"
)

var (
	// ErrNotFound is returned for unknown digests and run ids
	ErrNotFound = errors.New("not found")

	// ErrLocked means another process holds the ledger directory
	ErrLocked = errors.New("ledger is locked by another process")

	// ErrCorrupt means a complete log frame or snapshot failed its checksum
	ErrCorrupt = errors.New("ledger data is corrupt")

	// ErrInvalidCursor rejects a diff or list token that was not produced by Cursor.Encode
	ErrInvalidCursor = errors.New("invalid cursor")

	// ErrInvalidAnnotation rejects merge patches that do not yield string values
	ErrInvalidAnnotation = errors.New("invalid annotation patch")

	// ErrAlgorithmMismatch means the ledger was built with another digest
	// algorithm; identical content would get a second identity
	ErrAlgorithmMismatch = errors.New("digest algorithm does not match the ledger")
)

// StorageError is a persistence failure. It is fatal for an ingestion run.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("ledger %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// InvalidTransitionError is a forbidden status change, such as minting a
// second external id for a digest that already has one.
type InvalidTransitionError struct {
	Digest string
	From   models.Status
	To     models.Status
	Reason string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition %s -> %s for %s: %s", e.From, e.To, e.Digest, e.Reason)
}

// storageErr wraps err unless it already belongs to the caller-facing taxonomy
func storageErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var (
		se *StorageError
		ie *InvalidTransitionError
	)
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrInvalidAnnotation) || errors.Is(err, ErrInvalidCursor) || errors.Is(err, ErrAlgorithmMismatch) || errors.As(err, &ie) || errors.As(err, &se) {
		return err
	}
	return &StorageError{Op: op, Err: err}
}
