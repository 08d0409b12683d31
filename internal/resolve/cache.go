package resolve

import (
	"context"
	"sync"
	"time"

	"github.com/abdrafdev/agrimind/internal/model"
)

// CacheEntry is one cached observation with its freshness window.
type CacheEntry struct {
	Value       float64          `json:"value"`
	ObservedAt  time.Time        `json:"observed_at"`
	TTLDeadline time.Time        `json:"ttl_deadline"`
	SourceTier  model.SourceTier `json:"source_tier"`
	Provider    string           `json:"provider,omitempty"`
}

// Fresh reports whether the entry is within its TTL window at now.
func (e CacheEntry) Fresh(now time.Time) bool {
	return !now.After(e.TTLDeadline)
}

// Cache is the read-through store consulted between the api and simulation
// tiers and populated after any dataset or api success. Implementations
// must be safe for concurrent use; a write racing a read for the same key
// must never expose a partially written entry.
type Cache interface {
	// Get returns the entry for domain/key, whether one exists, and any
	// backend error. Stale entries are returned too; the caller decides
	// whether staleness is acceptable.
	Get(ctx context.Context, domain, key string) (CacheEntry, bool, error)

	// Set stores an entry, replacing any previous one for domain/key.
	Set(ctx context.Context, domain, key string, e CacheEntry) error
}

// MemoryCache is the in-process Cache. Entries live in a map under an
// RWMutex; values are copied whole on read and write, so readers never see
// a torn entry.
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string]CacheEntry
}

// NewMemoryCache creates an empty in-process cache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: make(map[string]CacheEntry)}
}

func cacheKey(domain, key string) string { return domain + "/" + key }

// Get returns the cached entry for domain/key.
func (c *MemoryCache) Get(_ context.Context, domain, key string) (CacheEntry, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[cacheKey(domain, key)]
	return e, ok, nil
}

// Set stores an entry.
func (c *MemoryCache) Set(_ context.Context, domain, key string, e CacheEntry) error {
	c.mu.Lock()
	c.entries[cacheKey(domain, key)] = e
	c.mu.Unlock()
	return nil
}

// Evict removes entries whose TTL deadline passed more than keepStale ago.
// Stale-but-recent entries are kept for last-resort serving.
func (c *MemoryCache) Evict(now time.Time, keepStale time.Duration) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for k, e := range c.entries {
		if now.After(e.TTLDeadline.Add(keepStale)) {
			delete(c.entries, k)
			n++
		}
	}
	return n
}
