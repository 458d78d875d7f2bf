package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/chittyos/evidence-ledger/common/hasher"
	"github.com/chittyos/evidence-ledger/common/ledger"
)

// MintError means no identifier could be obtained for a digest. It never
// carries a placeholder id.
type MintError struct {
	Digest    string
	Attempts  int
	Retryable bool
	Err       error
}

func (e *MintError) Error() string {
	return fmt.Sprintf("mint %s failed after %d attempt(s): %v", e.Digest, e.Attempts, e.Err)
}

func (e *MintError) Unwrap() error {
	return e.Err
}

// ErrorKind classifies a per-file failure in run reports
type ErrorKind string

const (
	ErrorKindIO         ErrorKind = "io"
	ErrorKindMint       ErrorKind = "mint"
	ErrorKindTransition ErrorKind = "transition"
	ErrorKindStorage    ErrorKind = "storage"
	ErrorKindCanceled   ErrorKind = "canceled"
	ErrorKindFilter     ErrorKind = "filter"
)

// Classify maps an error onto the report taxonomy
func Classify(err error) ErrorKind {
	var (
		ioErr   *hasher.IOError
		mintErr *MintError
		ite     *ledger.InvalidTransitionError
		se      *ledger.StorageError
	)
	switch {
	case err == nil:
		return ""
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return ErrorKindCanceled
	case errors.As(err, &ioErr):
		return ErrorKindIO
	case errors.As(err, &mintErr):
		return ErrorKindMint
	case errors.As(err, &ite):
		return ErrorKindTransition
	case errors.As(err, &se):
		return ErrorKindStorage
	default:
		return ErrorKindIO
	}
}
