package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chittyos/evidence-ledger/common/cache"
	"github.com/chittyos/evidence-ledger/common/clients"
	"github.com/chittyos/evidence-ledger/common/hasher"
	"github.com/chittyos/evidence-ledger/common/ledger"
	"github.com/chittyos/evidence-ledger/common/logger"
	"github.com/chittyos/evidence-ledger/common/models"
)

// scriptedMinter replays a list of errors, then succeeds
type scriptedMinter struct {
	mu     sync.Mutex
	errs   []error
	calls  int
	id     string
	before func()
}

func (m *scriptedMinter) Mint(ctx context.Context, meta models.EntityMetadata) (string, error) {
	if m.before != nil {
		m.before()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if len(m.errs) > 0 {
		err := m.errs[0]
		m.errs = m.errs[1:]
		return "", err
	}
	return m.id, nil
}

func (m *scriptedMinter) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// recordingLocker counts obtained locks
type recordingLocker struct {
	obtained atomic.Int32
	released atomic.Int32
	err      error
}

func (l *recordingLocker) Obtain(ctx context.Context, key string) (func(context.Context) error, error) {
	if l.err != nil {
		return nil, l.err
	}
	l.obtained.Add(1)
	return func(context.Context) error {
		l.released.Add(1)
		return nil
	}, nil
}

func registryWithSleeps(m Minter, cfg RegistryConfig) (*Registry, *[]time.Duration) {
	reg := NewRegistry(m, cache.NewMemoryCache(100, time.Hour, logger.Discard()), cfg, logger.Discard())
	var slept []time.Duration
	reg.sleep = func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}
	return reg, &slept
}

func TestMintIdentifier_RetriesThrottling(t *testing.T) {
	m := &scriptedMinter{
		id: "CT-1",
		errs: []error{
			&clients.StatusError{StatusCode: 429, RetryAfter: 10 * time.Second},
			&clients.TransportError{Err: errors.New("connection reset")},
		},
	}
	reg, slept := registryWithSleeps(m, RegistryConfig{MaxAttempts: 4, RetryDelay: 2 * time.Second, MaxRetryDelay: 30 * time.Second})

	id, err := reg.MintIdentifier(context.Background(), "sha256:aa", models.EntityMetadata{})
	require.NoError(t, err)
	assert.Equal(t, "CT-1", id)
	assert.Equal(t, 3, m.count())
	assert.Equal(t, []time.Duration{10 * time.Second, 4 * time.Second}, *slept)
}

func TestMintIdentifier_NonRetryable(t *testing.T) {
	m := &scriptedMinter{errs: []error{&clients.StatusError{StatusCode: 401, Body: "bad token"}}}
	reg, slept := registryWithSleeps(m, RegistryConfig{MaxAttempts: 4, RetryDelay: time.Second, MaxRetryDelay: time.Minute})

	_, err := reg.MintIdentifier(context.Background(), "sha256:aa", models.EntityMetadata{})
	var me *MintError
	require.ErrorAs(t, err, &me)
	assert.False(t, me.Retryable)
	assert.Equal(t, 1, me.Attempts)
	assert.Equal(t, "sha256:aa", me.Digest)
	assert.Empty(t, *slept)
	assert.Equal(t, ErrorKindMint, Classify(err))
}

func TestMintIdentifier_ExhaustedIsNotCached(t *testing.T) {
	unavailable := &clients.StatusError{StatusCode: 503}
	m := &scriptedMinter{id: "CT-2", errs: []error{unavailable, unavailable}}
	reg, _ := registryWithSleeps(m, RegistryConfig{MaxAttempts: 2, RetryDelay: time.Millisecond, MaxRetryDelay: time.Millisecond})

	_, err := reg.MintIdentifier(context.Background(), "sha256:aa", models.EntityMetadata{})
	var me *MintError
	require.ErrorAs(t, err, &me)
	assert.True(t, me.Retryable)
	assert.Equal(t, 2, me.Attempts)

	_, ok := reg.Lookup(context.Background(), "sha256:aa")
	assert.False(t, ok)

	id, err := reg.MintIdentifier(context.Background(), "sha256:aa", models.EntityMetadata{})
	require.NoError(t, err)
	assert.Equal(t, "CT-2", id)
	assert.Equal(t, 3, m.count())
}

func TestMintIdentifier_CacheHitSkipsNetwork(t *testing.T) {
	m := &scriptedMinter{id: "CT-3"}
	reg, _ := registryWithSleeps(m, RegistryConfig{MaxAttempts: 1})
	ctx := context.Background()

	reg.Prime(ctx, "sha256:bb", "CT-known")
	id, err := reg.MintIdentifier(ctx, "sha256:bb", models.EntityMetadata{})
	require.NoError(t, err)
	assert.Equal(t, "CT-known", id)
	assert.Equal(t, 0, m.count())

	_, err = reg.MintIdentifier(ctx, "sha256:cc", models.EntityMetadata{})
	require.NoError(t, err)
	_, err = reg.MintIdentifier(ctx, "sha256:cc", models.EntityMetadata{})
	require.NoError(t, err)
	assert.Equal(t, 1, m.count())
}

func TestMintIdentifier_ConcurrentCallersShareOneMint(t *testing.T) {
	release := make(chan struct{})
	m := &scriptedMinter{id: "CT-4", before: func() { <-release }}
	reg, _ := registryWithSleeps(m, RegistryConfig{MaxAttempts: 1})

	const callers = 16
	var wg sync.WaitGroup
	ids := make([]string, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id, err := reg.MintIdentifier(context.Background(), "sha256:dd", models.EntityMetadata{})
			assert.NoError(t, err)
			ids[i] = id
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, 1, m.count())
	for _, id := range ids {
		assert.Equal(t, "CT-4", id)
	}
}

func TestMintIdentifier_Canceled(t *testing.T) {
	m := &scriptedMinter{errs: []error{&clients.StatusError{StatusCode: 503}}}
	reg := NewRegistry(m, nil, RegistryConfig{MaxAttempts: 3, RetryDelay: time.Hour, MaxRetryDelay: time.Hour}, logger.Discard())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := reg.MintIdentifier(ctx, "sha256:ee", models.EntityMetadata{})
	var me *MintError
	require.ErrorAs(t, err, &me)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, ErrorKindCanceled, Classify(err))
}

func TestMintIdentifier_UsesLocker(t *testing.T) {
	m := &scriptedMinter{id: "CT-5"}
	reg, _ := registryWithSleeps(m, RegistryConfig{MaxAttempts: 1})
	lk := &recordingLocker{}
	reg.WithLocker(lk)

	_, err := reg.MintIdentifier(context.Background(), "sha256:ff", models.EntityMetadata{})
	require.NoError(t, err)
	assert.Equal(t, int32(1), lk.obtained.Load())
	assert.Equal(t, int32(1), lk.released.Load())

	lk.err = errors.New("redis down")
	_, err = reg.MintIdentifier(context.Background(), "sha256:00", models.EntityMetadata{})
	var me *MintError
	require.ErrorAs(t, err, &me)
	assert.True(t, me.Retryable)
	assert.Equal(t, 1, m.count())
}

// countingMinter hands out a fresh id on every call
type countingMinter struct {
	calls atomic.Int32
}

func (m *countingMinter) Mint(ctx context.Context, meta models.EntityMetadata) (string, error) {
	return fmt.Sprintf("CT-%04d", m.calls.Add(1)), nil
}

func TestMintIdentifier_WithoutCacheMintsOnce(t *testing.T) {
	m := &countingMinter{}
	reg := NewRegistry(m, nil, RegistryConfig{MaxAttempts: 1}, logger.Discard())
	ctx := context.Background()

	first, err := reg.MintIdentifier(ctx, "sha256:x", models.EntityMetadata{})
	require.NoError(t, err)
	second, err := reg.MintIdentifier(ctx, "sha256:x", models.EntityMetadata{})
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, int32(1), m.calls.Load())
}

func TestMintIdentifier_EvictedEntryFallsBackToLedger(t *testing.T) {
	ctx := context.Background()
	store, err := ledger.OpenLogStore(t.TempDir(), ledger.LogStoreOptions{CompactEvery: -1}, logger.Discard())
	require.NoError(t, err)
	l := ledger.New(store, logger.Discard())
	t.Cleanup(func() { _ = l.Close() })

	_, _, err = l.Upsert(ctx, ledger.Observation{Digest: "sha256:y", Path: "/e/y.pdf", Size: 1})
	require.NoError(t, err)
	_, err = l.MarkMinted(ctx, "sha256:y", "CT-LEDGER", uuid.Nil)
	require.NoError(t, err)

	// A one-entry cache that has long since evicted sha256:y
	c := cache.NewMemoryCache(1, time.Hour, logger.Discard())
	m := &countingMinter{}
	reg := NewRegistry(m, c, RegistryConfig{MaxAttempts: 1, CacheTTL: time.Hour}, logger.Discard()).
		WithRecordedID(l.ExternalID)
	reg.Prime(ctx, "sha256:other", "CT-OTHER")

	id, err := reg.MintIdentifier(ctx, "sha256:y", models.EntityMetadata{})
	require.NoError(t, err)
	assert.Equal(t, "CT-LEDGER", id)
	assert.Zero(t, m.calls.Load())

	cached, ok := reg.Lookup(ctx, "sha256:y")
	assert.True(t, ok)
	assert.Equal(t, "CT-LEDGER", cached)
}

func TestMintIdentifier_LedgerLookupFailureIsRetryable(t *testing.T) {
	m := &countingMinter{}
	reg := NewRegistry(m, nil, RegistryConfig{MaxAttempts: 1}, logger.Discard()).
		WithRecordedID(func(context.Context, string) (string, bool, error) {
			return "", false, errors.New("ledger unavailable")
		})

	_, err := reg.MintIdentifier(context.Background(), "sha256:z", models.EntityMetadata{})
	var me *MintError
	require.ErrorAs(t, err, &me)
	assert.True(t, me.Retryable)
	assert.Zero(t, m.calls.Load(), "never mint blind")
}

// gatedMinter holds its first call until that call's context ends
type gatedMinter struct {
	calls atomic.Int32
}

func (m *gatedMinter) Mint(ctx context.Context, meta models.EntityMetadata) (string, error) {
	if m.calls.Add(1) == 1 {
		<-ctx.Done()
		return "", ctx.Err()
	}
	return "CT-6", nil
}

func TestMintIdentifier_CanceledCallerDoesNotFailOthers(t *testing.T) {
	m := &gatedMinter{}
	reg := NewRegistry(m, nil, RegistryConfig{MaxAttempts: 1}, logger.Discard())

	leadCtx, cancelLead := context.WithCancel(context.Background())
	leadErr := make(chan error, 1)
	go func() {
		_, err := reg.MintIdentifier(leadCtx, "sha256:ab", models.EntityMetadata{})
		leadErr <- err
	}()
	require.Eventually(t, func() bool { return m.calls.Load() == 1 }, 5*time.Second, time.Millisecond)

	waiterID := make(chan string, 1)
	go func() {
		id, err := reg.MintIdentifier(context.Background(), "sha256:ab", models.EntityMetadata{})
		assert.NoError(t, err)
		waiterID <- id
	}()
	// Let the waiter join the flight in progress
	time.Sleep(20 * time.Millisecond)

	cancelLead()
	assert.ErrorIs(t, <-leadErr, context.Canceled)

	select {
	case id := <-waiterID:
		assert.Equal(t, "CT-6", id)
	case <-time.After(5 * time.Second):
		t.Fatal("waiter never got an id")
	}
	assert.Equal(t, int32(2), m.calls.Load())
}

func TestBackoff(t *testing.T) {
	reg := NewRegistry(&scriptedMinter{}, nil, RegistryConfig{
		MaxAttempts:   6,
		RetryDelay:    2 * time.Second,
		MaxRetryDelay: 30 * time.Second,
	}, logger.Discard())

	tests := []struct {
		attempt    int
		retryAfter time.Duration
		want       time.Duration
	}{
		{1, 0, 2 * time.Second},
		{2, 0, 4 * time.Second},
		{3, 0, 8 * time.Second},
		{5, 0, 30 * time.Second},
		{1, 5 * time.Second, 5 * time.Second},
		{2, time.Minute, 30 * time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, reg.backoff(tt.attempt, tt.retryAfter), "attempt %d", tt.attempt)
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{"nil", nil, ""},
		{"io", &hasher.IOError{Path: "/x", Op: "open", Err: errors.New("denied")}, ErrorKindIO},
		{"mint", &MintError{Digest: "d", Err: errors.New("nope")}, ErrorKindMint},
		{"transition", &ledger.InvalidTransitionError{Digest: "d"}, ErrorKindTransition},
		{"storage", &ledger.StorageError{Op: "upsert", Err: errors.New("disk")}, ErrorKindStorage},
		{"canceled storage", &ledger.StorageError{Op: "upsert", Err: context.Canceled}, ErrorKindCanceled},
		{"deadline", context.DeadlineExceeded, ErrorKindCanceled},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}
