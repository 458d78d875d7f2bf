package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/chittyos/evidence-ledger/common/logger"
)

func TestBurstThenReject(t *testing.T) {
	rl := NewRateLimiter(1, 2, logger.Discard())
	now := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

	assert.True(t, rl.check("10.0.0.1", now).Allowed)
	assert.True(t, rl.check("10.0.0.1", now).Allowed)

	res := rl.check("10.0.0.1", now)
	assert.False(t, res.Allowed)
	assert.InDelta(t, time.Second, res.RetryAfter, float64(10*time.Millisecond))

	// A rejected check does not consume a token
	assert.True(t, rl.check("10.0.0.1", now.Add(time.Second)).Allowed)
}

func TestKeysAreIndependent(t *testing.T) {
	rl := NewRateLimiter(1, 1, logger.Discard())
	now := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

	assert.True(t, rl.check("a", now).Allowed)
	assert.False(t, rl.check("a", now).Allowed)
	assert.True(t, rl.check("b", now).Allowed)
	assert.Equal(t, 2, rl.Keys())
}
