package ratelimit

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"
)

// Logger interface for logging
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

// RateLimitResult contains the result of a rate limit check
type RateLimitResult struct {
	Allowed    bool          // Whether the request is allowed
	Limit      float64       // Sustained requests per second
	Burst      int           // Bucket size
	RetryAfter time.Duration // Wait before the next token (0 if allowed)
}

// maxKeys bounds the number of tracked clients
const maxKeys = 10_000

// RateLimiter keeps one token bucket per key. Least recently seen keys are
// evicted so an address scan cannot grow memory without bound.
type RateLimiter struct {
	limit  rate.Limit
	burst  int
	logger Logger

	mu      sync.Mutex
	buckets *lru.Cache[string, *rate.Limiter]
}

// NewRateLimiter creates a limiter granting perSecond requests per key with
// the given burst
func NewRateLimiter(perSecond float64, burst int, logger Logger) *RateLimiter {
	buckets, _ := lru.New[string, *rate.Limiter](maxKeys)
	if burst < 1 {
		burst = 1
	}
	return &RateLimiter{
		limit:   rate.Limit(perSecond),
		burst:   burst,
		logger:  logger,
		buckets: buckets,
	}
}

func (r *RateLimiter) bucket(key string) *rate.Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.buckets.Get(key); ok {
		return b
	}
	b := rate.NewLimiter(r.limit, r.burst)
	r.buckets.Add(key, b)
	return b
}

// Check consumes one token for key if available
func (r *RateLimiter) Check(key string) *RateLimitResult {
	return r.check(key, time.Now())
}

func (r *RateLimiter) check(key string, now time.Time) *RateLimitResult {
	result := &RateLimitResult{Limit: float64(r.limit), Burst: r.burst}

	res := r.bucket(key).ReserveN(now, 1)
	if !res.OK() {
		result.RetryAfter = time.Second
		return result
	}
	if delay := res.DelayFrom(now); delay > 0 {
		res.CancelAt(now)
		result.RetryAfter = delay
		r.logger.Warn("rate limit exceeded", "key", key, "retry_after", delay)
		return result
	}

	result.Allowed = true
	return result
}

// Keys returns the number of tracked keys
func (r *RateLimiter) Keys() int {
	return r.buckets.Len()
}
