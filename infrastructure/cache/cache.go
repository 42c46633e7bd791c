// Package cache provides a Redis-backed cache with TTL and versioned
// invalidation, used as the basis for the relay cache store.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// Config configures the Redis-backed cache.
type Config struct {
	Addr       string
	Password   string
	DB         int
	PoolSize   int
	KeyPrefix  string
	DefaultTTL time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Addr:       "localhost:6379",
		PoolSize:   10,
		KeyPrefix:  "fusion:",
		DefaultTTL: 5 * time.Minute,
	}
}

// Cache wraps a go-redis client with a versioned key prefix so that
// InvalidateVersion can drop an entire generation of entries without
// scanning the keyspace: every physical key is namespaced by the current
// version, and bumping the version orphans the previous generation, which
// Redis reclaims naturally as TTLs expire.
type Cache struct {
	client  *redis.Client
	prefix  string
	ttl     time.Duration
	version int64
}

// NewCache creates a Cache backed by a new go-redis client.
func NewCache(cfg Config) *Cache {
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = 10
	}
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = 5 * time.Minute
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})

	return &Cache{
		client: client,
		prefix: cfg.KeyPrefix,
		ttl:    cfg.DefaultTTL,
	}
}

// NewCacheFromClient wraps an existing go-redis client, useful for tests
// against miniredis or a shared connection pool.
func NewCacheFromClient(client *redis.Client, prefix string, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Cache{client: client, prefix: prefix, ttl: ttl}
}

func (c *Cache) versionedKey(key string) string {
	return fmt.Sprintf("%sv%d:%s", c.prefix, c.version, key)
}

// Get retrieves and JSON-decodes a value into dest. Returns false on miss.
func (c *Cache) Get(ctx context.Context, key string, dest interface{}) (bool, error) {
	raw, err := c.client.Get(ctx, c.versionedKey(key)).Bytes()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		return false, err
	}
	return true, nil
}

// Set JSON-encodes value and stores it with the given TTL. ttl == 0 uses the
// cache's default TTL; a negative TTL stores the value without expiration.
func (c *Cache) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	if ttl == 0 {
		ttl = c.ttl
	}
	if ttl < 0 {
		ttl = 0
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, c.versionedKey(key), raw, ttl).Err()
}

// Invalidate deletes a single key.
func (c *Cache) Invalidate(ctx context.Context, key string) error {
	return c.client.Del(ctx, c.versionedKey(key)).Err()
}

// InvalidatePattern deletes every key under the current version whose suffix
// matches a glob pattern (Redis SCAN, non-blocking).
func (c *Cache) InvalidatePattern(ctx context.Context, pattern string) error {
	match := fmt.Sprintf("%sv%d:%s", c.prefix, c.version, pattern)
	iter := c.client.Scan(ctx, 0, match, 0).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	return c.client.Del(ctx, keys...).Err()
}

// InvalidateVersion bumps the cache generation, orphaning every key written
// under the previous version without issuing a single delete.
func (c *Cache) InvalidateVersion() {
	c.version++
}

// CurrentVersion returns the active cache generation.
func (c *Cache) CurrentVersion() int64 {
	return c.version
}

// AddToSet adds a member to a Redis set (used for index sets such as
// relay:pending and relay:status:{S}).
func (c *Cache) AddToSet(ctx context.Context, key, member string) error {
	return c.client.SAdd(ctx, c.versionedKey(key), member).Err()
}

// RemoveFromSet removes a member from a Redis set.
func (c *Cache) RemoveFromSet(ctx context.Context, key, member string) error {
	return c.client.SRem(ctx, c.versionedKey(key), member).Err()
}

// SetMembers returns every member of a Redis set.
func (c *Cache) SetMembers(ctx context.Context, key string) ([]string, error) {
	return c.client.SMembers(ctx, c.versionedKey(key)).Result()
}

// AddToTimeline adds a member to a sorted set scored by a Unix timestamp,
// used for the metrics timeline index (time-range queries without a
// relational store).
func (c *Cache) AddToTimeline(ctx context.Context, key string, score float64, member string) error {
	return c.client.ZAdd(ctx, c.versionedKey(key), &redis.Z{Score: score, Member: member}).Err()
}

// TimelineRange returns members scored within [min, max], used to serve
// metrics range queries when no truth store is configured.
func (c *Cache) TimelineRange(ctx context.Context, key string, min, max float64) ([]string, error) {
	return c.client.ZRangeByScore(ctx, c.versionedKey(key), &redis.ZRangeBy{
		Min: fmt.Sprintf("%f", min),
		Max: fmt.Sprintf("%f", max),
	}).Result()
}

// Ping verifies connectivity, used by the connection manager's health check.
func (c *Cache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close releases the underlying connection pool.
func (c *Cache) Close() error {
	return c.client.Close()
}

// PoolStats exposes raw pool counters for the connection manager's
// per-endpoint metrics.
func (c *Cache) PoolStats() *redis.PoolStats {
	return c.client.PoolStats()
}
