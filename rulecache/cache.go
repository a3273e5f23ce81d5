// Package rulecache is a bounded, TTL-expiring, LRU-evicting cache of
// rule sets, with concurrent misses for the same id coalesced into
// one upstream load. It holds read-only references; a reload
// replaces an entry wholesale, it never mutates a cached RuleSet.
package rulecache

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/fluxgate/fluxgate/metrics"
	"github.com/fluxgate/fluxgate/model"
	"golang.org/x/sync/singleflight"
)

type entry struct {
	key     string
	cached  *model.CacheEntry
	element *list.Element
}

// Loader fetches a RuleSet from the backing store on a cache miss.
// It must return model.ErrRuleSetMissing for a confirmed absence so
// the cache can record a negative entry.
type Loader func(ctx context.Context, ruleSetID string) (*model.RuleSet, error)

// Cache is a thread-safe, bounded LRU+TTL cache of rule sets, with a
// distinct negative-entry state for confirmed-absent ids.
type Cache struct {
	mu          sync.RWMutex
	entries     map[string]*entry
	lru         *list.List
	maxEntries  int
	ttl         time.Duration
	negativeTTL time.Duration

	group singleflight.Group
	load  Loader

	metrics metrics.Recorder
	now     func() time.Time
}

// New builds a Cache with the given capacity, positive TTL, negative
// (miss) TTL, and Loader used to fill misses.
func New(maxEntries int, ttl, negativeTTL time.Duration, load Loader) *Cache {
	return &Cache{
		entries:     make(map[string]*entry, maxEntries),
		lru:         list.New(),
		maxEntries:  maxEntries,
		ttl:         ttl,
		negativeTTL: negativeTTL,
		load:        load,
		metrics:     metrics.Noop{},
		now:         time.Now,
	}
}

// WithMetrics routes hit/miss counts to rec. Must be called before
// the cache is shared across goroutines.
func (c *Cache) WithMetrics(rec metrics.Recorder) *Cache {
	if rec != nil {
		c.metrics = rec
	}
	return c
}

// Get returns the rule set for ruleSetID, loading it through Loader
// on a miss. Concurrent Get calls for the same missing id share one
// Loader invocation via singleflight. A confirmed absence is cached
// as a negative entry and reported as model.ErrRuleSetMissing on
// every subsequent Get until the negative TTL expires.
func (c *Cache) Get(ctx context.Context, ruleSetID string) (*model.RuleSet, error) {
	if cached, ok := c.lookup(ruleSetID); ok {
		if cached.Negative {
			c.metrics.CacheNegativeHit()
			return nil, model.ErrRuleSetMissing
		}
		c.metrics.CacheHit()
		return cached.RuleSet, nil
	}
	c.metrics.CacheMiss()

	v, err, _ := c.group.Do(ruleSetID, func() (interface{}, error) {
		rs, err := c.load(ctx, ruleSetID)
		if err != nil {
			if err == model.ErrRuleSetMissing {
				c.storeNegative(ruleSetID)
				return nil, model.ErrRuleSetMissing
			}
			return nil, err
		}
		c.store(ruleSetID, rs)
		return rs, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*model.RuleSet), nil
}

// Invalidate removes a single cached entry, positive or negative.
func (c *Cache) Invalidate(ruleSetID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deleteUnsafe(ruleSetID)
}

// InvalidateAll clears the entire cache, used when a reload signal
// carries no specific rule-set id.
func (c *Cache) InvalidateAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*entry, c.maxEntries)
	c.lru = list.New()
}

func (c *Cache) lookup(key string) (*model.CacheEntry, bool) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok {
		return nil, false
	}

	now := c.now()
	if e.cached.IsExpired(now) {
		c.mu.Lock()
		c.deleteUnsafe(key)
		c.mu.Unlock()
		return nil, false
	}

	c.mu.Lock()
	c.lru.MoveToFront(e.element)
	c.mu.Unlock()
	e.cached.Touch()
	return e.cached, true
}

func (c *Cache) store(key string, rs *model.RuleSet) {
	now := c.now()
	c.setUnsafe(key, &model.CacheEntry{
		RuleSet:   rs,
		CachedAt:  now,
		ExpiresAt: now.Add(c.ttl),
	})
}

func (c *Cache) storeNegative(key string) {
	now := c.now()
	c.setUnsafe(key, &model.CacheEntry{
		Negative:  true,
		CachedAt:  now,
		ExpiresAt: now.Add(c.negativeTTL),
	})
}

func (c *Cache) setUnsafe(key string, ce *model.CacheEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, exists := c.entries[key]; exists {
		e.cached = ce
		c.lru.MoveToFront(e.element)
		return
	}

	if c.lru.Len() >= c.maxEntries {
		c.evictLRUUnsafe()
	}

	e := &entry{key: key, cached: ce}
	e.element = c.lru.PushFront(e)
	c.entries[key] = e
}

func (c *Cache) deleteUnsafe(key string) bool {
	e, ok := c.entries[key]
	if !ok {
		return false
	}
	c.lru.Remove(e.element)
	delete(c.entries, key)
	return true
}

func (c *Cache) evictLRUUnsafe() {
	oldest := c.lru.Back()
	if oldest == nil {
		return
	}
	e := oldest.Value.(*entry)
	c.lru.Remove(oldest)
	delete(c.entries, e.key)
}

// Size reports the number of entries currently cached, positive or
// negative.
func (c *Cache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
