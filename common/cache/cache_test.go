package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chittyos/evidence-ledger/common/logger"
)

func TestMemoryCache(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache(2, time.Hour, logger.Discard())

	require.NoError(t, c.Set(ctx, "a", []byte("1"), 0))
	require.NoError(t, c.Set(ctx, "b", []byte("2"), 0))

	v, ok, err := c.Get(ctx, "a")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte("1"), v)

	// "b" is now least recently used and gets evicted
	require.NoError(t, c.Set(ctx, "c", []byte("3"), 0))
	_, ok, _ = c.Get(ctx, "b")
	assert.False(t, ok)
	assert.Equal(t, 2, c.Len())

	require.NoError(t, c.Delete(ctx, "a"))
	_, ok, _ = c.Get(ctx, "a")
	assert.False(t, ok)

	require.NoError(t, c.Close())
	assert.Equal(t, 0, c.Len())
}

func TestMemoryCacheExpiry(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache(10, 20*time.Millisecond, logger.Discard())

	require.NoError(t, c.Set(ctx, "k", []byte("v"), 0))
	assert.Eventually(t, func() bool {
		_, ok, _ := c.Get(ctx, "k")
		return !ok
	}, time.Second, 10*time.Millisecond)
}

type failingCache struct{}

func (failingCache) Get(context.Context, string) ([]byte, bool, error) {
	return nil, false, errors.New("down")
}
func (failingCache) Set(context.Context, string, []byte, time.Duration) error {
	return errors.New("down")
}
func (failingCache) Delete(context.Context, string) error { return errors.New("down") }
func (failingCache) Close() error                         { return nil }

func TestTieredFillsLocal(t *testing.T) {
	ctx := context.Background()
	local := NewMemoryCache(10, time.Hour, logger.Discard())
	shared := NewMemoryCache(10, time.Hour, logger.Discard())
	tc := NewTiered(local, shared, logger.Discard())

	require.NoError(t, shared.Set(ctx, "k", []byte("v"), 0))

	v, ok, err := tc.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte("v"), v)

	_, ok, _ = local.Get(ctx, "k")
	assert.True(t, ok, "shared hit should populate the local tier")
}

func TestTieredSurvivesSharedOutage(t *testing.T) {
	ctx := context.Background()
	local := NewMemoryCache(10, time.Hour, logger.Discard())
	tc := NewTiered(local, failingCache{}, logger.Discard())

	require.NoError(t, tc.Set(ctx, "k", []byte("v"), time.Minute))

	v, ok, err := tc.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte("v"), v)

	_, ok, err = tc.Get(ctx, "other")
	require.NoError(t, err)
	assert.False(t, ok)
}
