package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/chittyos/evidence-ledger/common/bootstrap"
	"github.com/chittyos/evidence-ledger/common/ledger"
)

// Exit codes
const (
	exitOK          = 0
	exitFileFailure = 1
	exitStorage     = 2
	exitConfig      = 3
)

var (
	// errFilesFailed means the command finished but some files did not
	errFilesFailed = errors.New("one or more files failed")

	// errUsage marks bad arguments or flags
	errUsage = errors.New("usage error")
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := newRootCmd(newApp()).ExecuteContext(ctx)
	if err != nil && !errors.Is(err, errFilesFailed) {
		fmt.Fprintf(os.Stderr, "evidence: %v\n", err)
	}
	stop()
	os.Exit(exitCode(err))
}

// exitCode maps a command error onto the process exit status
func exitCode(err error) int {
	var se *ledger.StorageError
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, bootstrap.ErrConfig), errors.Is(err, errUsage):
		return exitConfig
	case errors.Is(err, context.Canceled):
		return exitFileFailure
	case errors.As(err, &se), errors.Is(err, ledger.ErrLocked), errors.Is(err, ledger.ErrCorrupt):
		return exitStorage
	default:
		return exitFileFailure
	}
}
