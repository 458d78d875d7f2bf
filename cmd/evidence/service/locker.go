package service

import (
	"context"
	"time"

	"github.com/bsm/redislock"
	goredis "github.com/redis/go-redis/v9"
)

// Locker serializes minting of one digest across processes
type Locker interface {
	Obtain(ctx context.Context, key string) (release func(context.Context) error, err error)
}

// RedisLocker implements Locker with redis SET NX locks
type RedisLocker struct {
	client *redislock.Client
	ttl    time.Duration
}

// NewRedisLocker creates a locker whose locks expire after ttl
func NewRedisLocker(rdb *goredis.Client, ttl time.Duration) *RedisLocker {
	return &RedisLocker{
		client: redislock.New(rdb),
		ttl:    ttl,
	}
}

// Obtain blocks, retrying with backoff, until the lock is held or ctx ends
func (l *RedisLocker) Obtain(ctx context.Context, key string) (func(context.Context) error, error) {
	lock, err := l.client.Obtain(ctx, key, l.ttl, &redislock.Options{
		RetryStrategy: redislock.ExponentialBackoff(50*time.Millisecond, 2*time.Second),
	})
	if err != nil {
		return nil, err
	}
	return lock.Release, nil
}
