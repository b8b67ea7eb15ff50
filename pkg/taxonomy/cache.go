package taxonomy

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/shelfsight/insight-engine/pkg/apperrors"
)

// Cache is a lazily-populated read-through cache in front of a Resolver.
// Both hits and confirmed misses are cached so retired tags do not trigger a
// lookup per prediction. Entries expire after ttl; Refresh drops everything
// at once (taxonomy redeploys).
type Cache struct {
	inner Resolver
	ttl   time.Duration

	mu      sync.RWMutex
	entries map[cacheKey]cacheEntry
}

type cacheKey struct {
	taxonomy string
	tag      string
}

type cacheEntry struct {
	node    *Node // nil = confirmed miss
	fetched time.Time
}

// NewCache wraps inner with a read-through cache.
func NewCache(inner Resolver, ttl time.Duration) *Cache {
	return &Cache{
		inner:   inner,
		ttl:     ttl,
		entries: make(map[cacheKey]cacheEntry),
	}
}

var _ Resolver = (*Cache)(nil)

func (c *Cache) Resolve(ctx context.Context, taxonomyName, tag string) (*Node, error) {
	key := cacheKey{taxonomy: taxonomyName, tag: tag}

	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()

	if ok && time.Since(entry.fetched) < c.ttl {
		if entry.node == nil {
			return nil, apperrors.ErrNotFound
		}
		return entry.node, nil
	}

	node, err := c.inner.Resolve(ctx, taxonomyName, tag)
	switch {
	case err == nil:
		c.store(key, node)
		return node, nil
	case errors.Is(err, apperrors.ErrNotFound):
		c.store(key, nil)
		return nil, apperrors.ErrNotFound
	default:
		// Transport failure: do not cache, and serve a stale entry if we
		// have one rather than failing the whole generation run.
		if ok && entry.node != nil {
			return entry.node, nil
		}
		return nil, err
	}
}

func (c *Cache) store(key cacheKey, node *Node) {
	c.mu.Lock()
	c.entries[key] = cacheEntry{node: node, fetched: time.Now()}
	c.mu.Unlock()
}

// Refresh drops all cached entries.
func (c *Cache) Refresh() {
	c.mu.Lock()
	c.entries = make(map[cacheKey]cacheEntry)
	c.mu.Unlock()
}

// Len returns the number of cached entries (for tests and diagnostics).
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
