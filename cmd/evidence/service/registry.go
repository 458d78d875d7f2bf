package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/chittyos/evidence-ledger/common/cache"
	"github.com/chittyos/evidence-ledger/common/clients"
	"github.com/chittyos/evidence-ledger/common/logger"
	"github.com/chittyos/evidence-ledger/common/metrics"
	"github.com/chittyos/evidence-ledger/common/models"
)

// Minter performs a single outbound mint request
type Minter interface {
	Mint(ctx context.Context, meta models.EntityMetadata) (string, error)
}

// RegistryConfig bounds the retry and pacing behaviour of a Registry
type RegistryConfig struct {
	MaxAttempts   int
	RetryDelay    time.Duration
	MaxRetryDelay time.Duration
	RatePerSecond float64
	CacheTTL      time.Duration
}

// RecordedID finds an identifier the ledger already holds for digest
type RecordedID func(ctx context.Context, digest string) (string, bool, error)

// Registry obtains external identifiers, at most once per digest per
// process. Successful mints are cached; failures never are. The cache may
// forget, so a miss is checked against the ledger and against every id
// this registry has minted before a new one is requested.
type Registry struct {
	minter   Minter
	cache    cache.Cache
	locker   Locker
	recorded RecordedID
	limiter  *rate.Limiter
	group    singleflight.Group
	cfg      RegistryConfig
	log      *logger.Logger

	// ids minted by this process, kept until it exits
	mintedMu sync.Mutex
	minted   map[string]string

	sleep func(ctx context.Context, d time.Duration) error
}

// NewRegistry creates a registry. c may be nil to disable caching.
func NewRegistry(minter Minter, c cache.Cache, cfg RegistryConfig, log *logger.Logger) *Registry {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}
	return &Registry{
		minter:  minter,
		cache:   c,
		limiter: rate.NewLimiter(limit, 1),
		cfg:     cfg,
		log:     log,
		minted:  make(map[string]string),
		sleep:   sleepCtx,
	}
}

// WithRecordedID consults fn, normally the ledger, on every cache miss
func (r *Registry) WithRecordedID(fn RecordedID) *Registry {
	r.recorded = fn
	return r
}

// WithLocker adds a cross-process lock around each outbound mint
func (r *Registry) WithLocker(l Locker) *Registry {
	r.locker = l
	return r
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Lookup returns a cached identifier without any network call
func (r *Registry) Lookup(ctx context.Context, digest string) (string, bool) {
	if r.cache == nil {
		return "", false
	}
	v, ok, err := r.cache.Get(ctx, digest)
	if err != nil || !ok || len(v) == 0 {
		return "", false
	}
	return string(v), true
}

// Prime seeds the cache with an identifier already recorded in the ledger
func (r *Registry) Prime(ctx context.Context, digest, externalID string) {
	if r.cache == nil || externalID == "" {
		return
	}
	if err := r.cache.Set(ctx, digest, []byte(externalID), r.cfg.CacheTTL); err != nil {
		r.log.Warn("failed to prime registry cache", "digest", digest, "error", err)
	}
}

// MintIdentifier returns the identifier for digest, minting one only when
// neither the cache, this process nor the ledger knows it. Concurrent
// calls for one digest share a single outbound request; a caller that
// goes away does not fail the others.
func (r *Registry) MintIdentifier(ctx context.Context, digest string, meta models.EntityMetadata) (string, error) {
	if id, ok := r.Lookup(ctx, digest); ok {
		metrics.RegistryCache.WithLabelValues("hit").Inc()
		return id, nil
	}
	metrics.RegistryCache.WithLabelValues("miss").Inc()

	for {
		ch := r.group.DoChan(digest, func() (interface{}, error) {
			id, err := r.resolve(ctx, digest, meta)
			if err != nil && ctx.Err() != nil {
				return "", &abandonedError{err: err}
			}
			return id, err
		})

		var res singleflight.Result
		select {
		case res = <-ch:
		case <-ctx.Done():
			return "", &MintError{Digest: digest, Retryable: true, Err: ctx.Err()}
		}

		var ae *abandonedError
		if errors.As(res.Err, &ae) {
			if ctx.Err() == nil {
				// The caller leading the flight went away; lead a new one
				r.log.Debug("shared mint abandoned, retrying", "digest", digest)
				continue
			}
			return "", ae.err
		}
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	}
}

// abandonedError marks a shared mint that stopped because the context of
// the caller running it ended
type abandonedError struct {
	err error
}

func (e *abandonedError) Error() string { return e.err.Error() }
func (e *abandonedError) Unwrap() error { return e.err }

// resolve checks everything that may already know the id, then mints
func (r *Registry) resolve(ctx context.Context, digest string, meta models.EntityMetadata) (string, error) {
	id, ok, err := r.known(ctx, digest)
	if err != nil {
		return "", &MintError{Digest: digest, Retryable: true, Err: err}
	}
	if ok {
		return id, nil
	}
	return r.mint(ctx, digest, meta)
}

// known looks past the cache: ids minted by this process first, then the
// ledger. A hit is put back into the cache.
func (r *Registry) known(ctx context.Context, digest string) (string, bool, error) {
	r.mintedMu.Lock()
	id, ok := r.minted[digest]
	r.mintedMu.Unlock()

	if !ok && r.recorded != nil {
		var err error
		id, ok, err = r.recorded(ctx, digest)
		if err != nil {
			return "", false, err
		}
	}
	if !ok {
		return "", false, nil
	}
	metrics.RegistryCache.WithLabelValues("recovered").Inc()
	r.Prime(ctx, digest, id)
	return id, true, nil
}

func (r *Registry) mint(ctx context.Context, digest string, meta models.EntityMetadata) (string, error) {
	if r.locker != nil {
		release, err := r.locker.Obtain(ctx, "evidence:mint:"+digest)
		if err != nil {
			return "", &MintError{Digest: digest, Retryable: true, Err: err}
		}
		defer func() {
			if err := release(context.WithoutCancel(ctx)); err != nil {
				r.log.Warn("failed to release mint lock", "digest", digest, "error", err)
			}
		}()

		// Another process may have minted while we waited
		if id, ok := r.Lookup(ctx, digest); ok {
			return id, nil
		}
		id, ok, err := r.known(ctx, digest)
		if err != nil {
			return "", &MintError{Digest: digest, Retryable: true, Err: err}
		}
		if ok {
			return id, nil
		}
	}

	var lastErr error
	for attempt := 1; attempt <= r.cfg.MaxAttempts; attempt++ {
		if err := r.limiter.Wait(ctx); err != nil {
			return "", &MintError{Digest: digest, Attempts: attempt - 1, Retryable: true, Err: ctxErr(ctx, err)}
		}

		start := time.Now()
		id, err := r.minter.Mint(ctx, meta)
		metrics.MintDuration.Observe(time.Since(start).Seconds())

		if err == nil {
			metrics.MintRequests.WithLabelValues("ok").Inc()
			r.mintedMu.Lock()
			r.minted[digest] = id
			r.mintedMu.Unlock()
			r.Prime(ctx, digest, id)
			return id, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			metrics.MintRequests.WithLabelValues("canceled").Inc()
			return "", &MintError{Digest: digest, Attempts: attempt, Retryable: true, Err: ctxErr(ctx, err)}
		}

		retryable, retryAfter := retryableError(err)
		if !retryable {
			metrics.MintRequests.WithLabelValues("rejected").Inc()
			return "", &MintError{Digest: digest, Attempts: attempt, Err: err}
		}
		metrics.MintRequests.WithLabelValues("retry").Inc()

		if attempt == r.cfg.MaxAttempts {
			break
		}

		delay := r.backoff(attempt, retryAfter)
		r.log.Warn("mint attempt failed, retrying",
			"digest", digest,
			"attempt", attempt,
			"delay", delay,
			"error", err,
		)
		if err := r.sleep(ctx, delay); err != nil {
			return "", &MintError{Digest: digest, Attempts: attempt, Retryable: true, Err: ctxErr(ctx, err)}
		}
	}

	metrics.MintRequests.WithLabelValues("exhausted").Inc()
	return "", &MintError{Digest: digest, Attempts: r.cfg.MaxAttempts, Retryable: true, Err: lastErr}
}

// backoff returns max(retryAfter, RetryDelay * 2^(attempt-1)) capped at MaxRetryDelay
func (r *Registry) backoff(attempt int, retryAfter time.Duration) time.Duration {
	d := r.cfg.RetryDelay
	for i := 1; i < attempt && d < r.cfg.MaxRetryDelay; i++ {
		d *= 2
	}
	if retryAfter > d {
		d = retryAfter
	}
	if r.cfg.MaxRetryDelay > 0 && d > r.cfg.MaxRetryDelay {
		d = r.cfg.MaxRetryDelay
	}
	return d
}

func retryableError(err error) (bool, time.Duration) {
	var (
		se *clients.StatusError
		te *clients.TransportError
	)
	switch {
	case errors.As(err, &se):
		return se.Retryable(), se.RetryAfter
	case errors.As(err, &te):
		return true, 0
	}
	return false, 0
}

// ctxErr makes sure a cancellation stays visible to errors.Is
func ctxErr(ctx context.Context, err error) error {
	if cerr := ctx.Err(); cerr != nil && !errors.Is(err, cerr) {
		return errors.Join(cerr, err)
	}
	return err
}
