// Package cache holds recently fetched ciphertext chunks in memory, keyed by
// content address.
package cache

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/kenneth/sealvault/internal/config"
)

const (
	defaultMaxItems = 256
	defaultMaxSize  = 256 << 20
	defaultTTL      = 10 * time.Minute
)

// Stats holds cache statistics.
type Stats struct {
	Size      int64
	Items     int
	Hits      int64
	Misses    int64
	Evictions int64
}

// ChunkCache is a bounded LRU of verified ciphertext. Content addresses never
// change meaning, so entries are never invalidated, only evicted. Returned
// slices are shared and must not be modified.
//
// A nil *ChunkCache is valid and caches nothing.
type ChunkCache struct {
	lru     *expirable.LRU[string, []byte]
	maxSize int64

	// mu serializes insertions so size is charged once per entry.
	mu sync.Mutex

	size      atomic.Int64
	hits      atomic.Int64
	misses    atomic.Int64
	evictions atomic.Int64
}

// New returns a chunk cache, or nil when caching is disabled.
func New(cfg config.CacheConfig) *ChunkCache {
	if !cfg.Enabled {
		return nil
	}
	maxItems := cfg.MaxItems
	if maxItems <= 0 {
		maxItems = defaultMaxItems
	}
	maxSize := cfg.MaxSize
	if maxSize <= 0 {
		maxSize = defaultMaxSize
	}
	ttl := cfg.DefaultTTL
	if ttl <= 0 {
		ttl = defaultTTL
	}

	c := &ChunkCache{maxSize: maxSize}
	c.lru = expirable.NewLRU[string, []byte](maxItems, c.onEvict, ttl)
	return c
}

func (c *ChunkCache) onEvict(_ string, data []byte) {
	c.size.Add(-int64(len(data)))
	c.evictions.Add(1)
}

// Get returns the cached chunk for address.
func (c *ChunkCache) Get(address string) ([]byte, bool) {
	if c == nil {
		return nil, false
	}
	data, ok := c.lru.Get(address)
	if !ok {
		c.misses.Add(1)
		return nil, false
	}
	c.hits.Add(1)
	return data, true
}

// Add caches data under address. Chunks larger than the whole cache are
// ignored.
func (c *ChunkCache) Add(address string, data []byte) {
	if c == nil || int64(len(data)) > c.maxSize {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lru.Contains(address) {
		return
	}
	c.size.Add(int64(len(data)))
	c.lru.Add(address, data)
	for c.size.Load() > c.maxSize {
		if _, _, ok := c.lru.RemoveOldest(); !ok {
			break
		}
	}
}

// Remove drops address from the cache.
func (c *ChunkCache) Remove(address string) {
	if c == nil {
		return
	}
	c.lru.Remove(address)
}

// Purge empties the cache and resets statistics.
func (c *ChunkCache) Purge() {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Purge()
	c.size.Store(0)
	c.hits.Store(0)
	c.misses.Store(0)
	c.evictions.Store(0)
}

// Stats returns cache statistics.
func (c *ChunkCache) Stats() Stats {
	if c == nil {
		return Stats{}
	}
	return Stats{
		Size:      c.size.Load(),
		Items:     c.lru.Len(),
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Evictions: c.evictions.Load(),
	}
}
