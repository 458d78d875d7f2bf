package service

import (
	"context"
	"errors"
	"io/fs"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/chittyos/evidence-ledger/common/hasher"
	"github.com/chittyos/evidence-ledger/common/ledger"
	"github.com/chittyos/evidence-ledger/common/logger"
	"github.com/chittyos/evidence-ledger/common/models"
)

// PathState is the result of re-hashing one recorded path
type PathState string

const (
	PathOK      PathState = "OK"
	PathMissing PathState = "MISSING"
	PathDrifted PathState = "DRIFTED"
)

// IntegrityStatus is the overall verdict of a verification
type IntegrityStatus string

const (
	Synchronized  IntegrityStatus = "SYNCHRONIZED"
	DriftDetected IntegrityStatus = "DRIFT_DETECTED"
)

// PathCheck is one verified path
type PathCheck struct {
	Digest     string    `json:"digest" yaml:"digest"`
	Path       string    `json:"path" yaml:"path"`
	ExternalID string    `json:"external_id,omitempty" yaml:"external_id,omitempty"`
	State      PathState `json:"state" yaml:"state"`
	Actual     string    `json:"actual_digest,omitempty" yaml:"actual_digest,omitempty"`
	Error      string    `json:"error,omitempty" yaml:"error,omitempty"`
}

// IntegrityReport summarises a verification pass
type IntegrityReport struct {
	Status    IntegrityStatus `json:"status" yaml:"status"`
	CheckedAt time.Time       `json:"checked_at" yaml:"checked_at"`
	Records   int             `json:"records" yaml:"records"`
	OK        int             `json:"ok" yaml:"ok"`
	Missing   int             `json:"missing" yaml:"missing"`
	Drifted   int             `json:"drifted" yaml:"drifted"`
	Checks    []PathCheck     `json:"checks" yaml:"checks"`
}

// VerifyOptions narrows a verification pass
type VerifyOptions struct {
	// Statuses to verify. Empty means every status except ARCHIVED.
	Statuses []models.Status
	Workers  int
}

// Verifier re-hashes recorded paths and compares them with the ledger.
// It never writes.
type Verifier struct {
	ledger *ledger.Ledger
	hasher *hasher.Hasher
	log    *logger.Logger
}

func NewVerifier(l *ledger.Ledger, h *hasher.Hasher, log *logger.Logger) *Verifier {
	return &Verifier{ledger: l, hasher: h, log: log}
}

// Verify checks every path of every selected record
func (v *Verifier) Verify(ctx context.Context, opts VerifyOptions) (*IntegrityReport, error) {
	statuses := opts.Statuses
	if len(statuses) == 0 {
		statuses = []models.Status{models.StatusPendingID, models.StatusMinted, models.StatusMintFailed}
	}
	workers := opts.Workers
	if workers < 1 {
		workers = 1
	}

	var checks []PathCheck
	records := 0
	var after *ledger.Cursor
	for {
		recs, err := v.ledger.List(ctx, ledger.ListOptions{Statuses: statuses, After: after, Limit: ledger.DefaultPageSize})
		if err != nil {
			return nil, err
		}
		for _, rec := range recs {
			for _, p := range rec.Paths() {
				checks = append(checks, PathCheck{Digest: rec.ContentDigest, Path: p, ExternalID: rec.ID()})
			}
		}
		records += len(recs)
		if len(recs) < ledger.DefaultPageSize {
			break
		}
		after = ledger.CursorOf(recs[len(recs)-1])
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i := range checks {
		g.Go(func() error {
			return v.check(gctx, &checks[i])
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	report := &IntegrityReport{
		Status:    Synchronized,
		CheckedAt: time.Now().UTC(),
		Records:   records,
		Checks:    checks,
	}
	for _, c := range checks {
		switch c.State {
		case PathOK:
			report.OK++
		case PathMissing:
			report.Missing++
		case PathDrifted:
			report.Drifted++
		}
	}
	if report.Missing > 0 || report.Drifted > 0 {
		report.Status = DriftDetected
	}
	sort.SliceStable(report.Checks, func(i, j int) bool { return report.Checks[i].Path < report.Checks[j].Path })

	v.log.Info("verification finished",
		"status", report.Status,
		"records", report.Records,
		"ok", report.OK,
		"missing", report.Missing,
		"drifted", report.Drifted,
	)
	return report, nil
}

// check fills in c. Only cancellation is returned as an error.
func (v *Verifier) check(ctx context.Context, c *PathCheck) error {
	// Hash with the algorithm the record was written with
	h, err := v.hasher.ForDigest(c.Digest)
	if err != nil {
		c.State = PathDrifted
		c.Error = err.Error()
		return nil
	}

	res, err := h.HashFile(ctx, c.Path)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		c.State = PathMissing
		if !errors.Is(err, fs.ErrNotExist) {
			c.Error = err.Error()
		}
		return nil
	}

	c.Actual = res.Digest
	if res.Digest == c.Digest {
		c.State = PathOK
		return nil
	}
	c.State = PathDrifted
	v.log.Warn("content drifted", "path", c.Path, "recorded", c.Digest, "actual", res.Digest)
	return nil
}
