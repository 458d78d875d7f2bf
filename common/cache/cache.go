package cache

import (
	"context"
	"errors"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/chittyos/evidence-ledger/common/logger"
	"github.com/chittyos/evidence-ledger/common/redis"
)

// Cache interface for key-value storage
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Close() error
}

// MemoryCache is a bounded in-process LRU. Entries expire after the TTL
// the cache was created with; the per-call ttl is ignored.
type MemoryCache struct {
	lru *expirable.LRU[string, []byte]
	log *logger.Logger
}

// NewMemoryCache creates an LRU holding at most size entries
func NewMemoryCache(size int, ttl time.Duration, log *logger.Logger) *MemoryCache {
	return &MemoryCache{
		lru: expirable.NewLRU[string, []byte](size, nil, ttl),
		log: log,
	}
}

// Get retrieves a value from cache
func (c *MemoryCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	v, ok := c.lru.Get(key)
	return v, ok, nil
}

// Set stores a value in cache
func (c *MemoryCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	c.lru.Add(key, value)
	return nil
}

// Delete removes a value from cache
func (c *MemoryCache) Delete(ctx context.Context, key string) error {
	c.lru.Remove(key)
	return nil
}

// Close purges the cache
func (c *MemoryCache) Close() error {
	c.lru.Purge()
	c.log.Debug("memory cache closed")
	return nil
}

// Len returns the number of live entries
func (c *MemoryCache) Len() int {
	return c.lru.Len()
}

// RedisCache shares entries between processes
type RedisCache struct {
	client *redis.Client
	prefix string
}

// NewRedisCache creates a cache storing keys under prefix
func NewRedisCache(client *redis.Client, prefix string) *RedisCache {
	return &RedisCache{client: client, prefix: prefix}
}

// Get retrieves a value from redis
func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	v, err := c.client.Get(ctx, c.prefix+key)
	if errors.Is(err, redis.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return []byte(v), true, nil
}

// Set stores a value in redis with TTL
func (c *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return c.client.SetWithExpiry(ctx, c.prefix+key, string(value), ttl)
}

// Delete removes a value from redis
func (c *RedisCache) Delete(ctx context.Context, key string) error {
	return c.client.Delete(ctx, c.prefix+key)
}

// Close is a no-op; the client is owned by bootstrap
func (c *RedisCache) Close() error {
	return nil
}

// Tiered reads through a fast local cache into a shared one. Shared-tier
// errors degrade to misses so a redis outage only costs extra lookups.
type Tiered struct {
	local  Cache
	shared Cache
	log    *logger.Logger
}

// NewTiered combines local and shared caches
func NewTiered(local, shared Cache, log *logger.Logger) *Tiered {
	return &Tiered{local: local, shared: shared, log: log}
}

// Get checks local first, then shared, filling local on a shared hit
func (t *Tiered) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if v, ok, _ := t.local.Get(ctx, key); ok {
		return v, true, nil
	}
	v, ok, err := t.shared.Get(ctx, key)
	if err != nil {
		t.log.Warn("shared cache read failed", "key", key, "error", err)
		return nil, false, nil
	}
	if ok {
		_ = t.local.Set(ctx, key, v, 0)
	}
	return v, ok, nil
}

// Set writes both tiers
func (t *Tiered) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	_ = t.local.Set(ctx, key, value, ttl)
	if err := t.shared.Set(ctx, key, value, ttl); err != nil {
		t.log.Warn("shared cache write failed", "key", key, "error", err)
	}
	return nil
}

// Delete removes key from both tiers
func (t *Tiered) Delete(ctx context.Context, key string) error {
	_ = t.local.Delete(ctx, key)
	return t.shared.Delete(ctx, key)
}

// Close closes both tiers
func (t *Tiered) Close() error {
	return errors.Join(t.local.Close(), t.shared.Close())
}
