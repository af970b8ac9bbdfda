package cache

import (
	"context"
	"sync"
	"time"

	"github.com/photonworks/spectro-service/internal/measurement"
)

// Cache defines the interface for measurement snapshot caching implementations.
// Get returns the cached result if present and not expired, Set stores a result with TTL.
type Cache interface {
	Get(ctx context.Context, key string) (*measurement.Result, bool, error)
	Set(ctx context.Context, key string, value *measurement.Result, ttl time.Duration) error
}

// LatestKey is the snapshot slot holding the most recent measurement.
const LatestKey = "latest"

// InMemoryCache implements Cache using an in-memory map with TTL-based expiration.
// Expired entries are removed on access. Safe for concurrent use.
type InMemoryCache struct {
	mu   sync.Mutex
	data map[string]cacheEntry
}

// cacheEntry stores a cached measurement with expiration timestamp.
type cacheEntry struct {
	value     *measurement.Result
	expiresAt time.Time
}

// NewInMemoryCache creates a new in-memory cache instance.
func NewInMemoryCache() *InMemoryCache {
	return &InMemoryCache{
		data: make(map[string]cacheEntry),
	}
}

// Get retrieves the cached measurement for the key if present and not expired.
// Returns (result, true, nil) on cache hit, (nil, false, nil) on miss or expiration.
// Expired entries are automatically removed from cache.
func (c *InMemoryCache) Get(ctx context.Context, key string) (*measurement.Result, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.data[key]
	if !ok {
		return nil, false, nil
	}

	if time.Now().After(entry.expiresAt) {
		delete(c.data, key)
		return nil, false, nil
	}

	return entry.value, true, nil
}

// Set stores a measurement in cache with the specified TTL duration.
// Entry expires after TTL elapses and will be removed on next Get access.
func (c *InMemoryCache) Set(ctx context.Context, key string, value *measurement.Result, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.data[key] = cacheEntry{
		value:     value,
		expiresAt: time.Now().Add(ttl),
	}
	return nil
}
