package resolve

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCache is a Cache backed by Redis, for deployments where several
// coordinator processes share one cache. Entries are stored as JSON under
// a namespaced key; Redis expiry is the TTL deadline plus a stale window
// so last-resort stale serves still work across processes.
type RedisCache struct {
	client     *redis.Client
	keyPrefix  string
	staleGrace time.Duration
}

// NewRedisCache creates a Redis-backed cache from a redis:// URL.
// staleGrace is how long past the TTL deadline an entry remains fetchable
// for stale serving before Redis drops it.
func NewRedisCache(url string, staleGrace time.Duration) (*RedisCache, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis cache: parse url: %w", err)
	}
	if staleGrace <= 0 {
		staleGrace = time.Hour
	}
	return &RedisCache{
		client:     redis.NewClient(opts),
		keyPrefix:  "agrimind:cache:",
		staleGrace: staleGrace,
	}, nil
}

// Get fetches and decodes the entry for domain/key.
func (c *RedisCache) Get(ctx context.Context, domain, key string) (CacheEntry, bool, error) {
	raw, err := c.client.Get(ctx, c.keyPrefix+cacheKey(domain, key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return CacheEntry{}, false, nil
	}
	if err != nil {
		return CacheEntry{}, false, fmt.Errorf("redis cache: get: %w", err)
	}
	var e CacheEntry
	if err := json.Unmarshal(raw, &e); err != nil {
		// Corrupt entry: report a miss rather than poisoning the resolve.
		return CacheEntry{}, false, nil
	}
	return e, true, nil
}

// Set stores the entry with expiry past the stale window.
func (c *RedisCache) Set(ctx context.Context, domain, key string, e CacheEntry) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("redis cache: marshal: %w", err)
	}
	expiry := time.Until(e.TTLDeadline) + c.staleGrace
	if expiry <= 0 {
		expiry = c.staleGrace
	}
	if err := c.client.Set(ctx, c.keyPrefix+cacheKey(domain, key), raw, expiry).Err(); err != nil {
		return fmt.Errorf("redis cache: set: %w", err)
	}
	return nil
}

// Close releases the underlying connection pool.
func (c *RedisCache) Close() error { return c.client.Close() }
