package cache

import (
	"context"
	"sync"

	"entitycore.org/internal/obs"
)

// Memory is a concurrency-safe in-process cache with a secondary index from
// principal to held keys, so principal-scoped invalidation is O(keys held by
// that principal) instead of a full scan.
type Memory struct {
	mu        sync.Mutex
	store     map[Key]bool
	principal map[string]map[Key]struct{}
}

// NewMemory creates an empty in-process cache.
func NewMemory() *Memory {
	return &Memory{
		store:     make(map[Key]bool),
		principal: make(map[string]map[Key]struct{}),
	}
}

func (c *Memory) Get(ctx context.Context, key Key) (bool, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	value, ok := c.store[key]
	if ok {
		obs.CacheLookups.WithLabelValues("memory", "hit").Inc()
	} else {
		obs.CacheLookups.WithLabelValues("memory", "miss").Inc()
	}
	return value, ok
}

func (c *Memory) Set(ctx context.Context, key Key, value bool, principalID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.store[key] = value
	keys, ok := c.principal[principalID]
	if !ok {
		keys = make(map[Key]struct{})
		c.principal[principalID] = keys
	}
	keys[key] = struct{}{}
}

func (c *Memory) Invalidate(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.store = make(map[Key]bool)
	c.principal = make(map[string]map[Key]struct{})
}

func (c *Memory) InvalidateForPrincipal(ctx context.Context, principalID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key := range c.principal[principalID] {
		delete(c.store, key)
	}
	delete(c.principal, principalID)
}
