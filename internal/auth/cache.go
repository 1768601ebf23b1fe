package auth

import (
	"sync"
	"sync/atomic"
	"time"
)

// Cache is a TTL-based in-memory cache for authenticated principals.
// Uses sync.Map for lock-free reads on the hot path.
//
// Stale-while-revalidate: an expired entry is still returned immediately
// while exactly one caller is signalled to refresh it in the background, so
// no request blocks on DB + bcrypt after cold start.
type Cache struct {
	store sync.Map // map[string]*cacheEntry
	ttl   time.Duration
}

type cacheEntry struct {
	principal  *Principal
	expiresAt  time.Time
	refreshing atomic.Bool
}

// NewCache creates a cache with the given TTL.
func NewCache(ttl time.Duration) *Cache {
	return &Cache{ttl: ttl}
}

// GetResult holds the result of a cache lookup.
type GetResult struct {
	Principal    *Principal
	Hit          bool
	NeedsRefresh bool
}

// Get looks up a token. A stale hit returns the old value and signals
// exactly one caller to refresh.
func (c *Cache) Get(token string) GetResult {
	val, ok := c.store.Load(token)
	if !ok {
		return GetResult{}
	}
	entry := val.(*cacheEntry)

	if time.Now().Before(entry.expiresAt) {
		return GetResult{Principal: entry.principal, Hit: true}
	}

	needsRefresh := entry.refreshing.CompareAndSwap(false, true)
	return GetResult{
		Principal:    entry.principal,
		Hit:          true,
		NeedsRefresh: needsRefresh,
	}
}

// Set stores a principal with a fresh TTL.
func (c *Cache) Set(token string, p *Principal) {
	c.store.Store(token, &cacheEntry{
		principal: p,
		expiresAt: time.Now().Add(c.ttl),
	})
}

// Delete removes an entry.
func (c *Cache) Delete(token string) {
	c.store.Delete(token)
}
