package tenant

import (
	"sync"
	"time"
)

type cacheEntry struct {
	tenant   *Tenant
	cachedAt time.Time
}

// entryCache is a TTL map of api key to tenant.
type entryCache struct {
	mu      sync.RWMutex
	ttl     time.Duration
	entries map[string]cacheEntry
	now     func() time.Time
}

func newEntryCache(ttl time.Duration) *entryCache {
	return &entryCache{
		ttl:     ttl,
		entries: make(map[string]cacheEntry),
		now:     time.Now,
	}
}

func (c *entryCache) get(key string) (*Tenant, bool) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok || c.now().Sub(e.cachedAt) > c.ttl {
		return nil, false
	}
	return e.tenant, true
}

func (c *entryCache) put(key string, t *Tenant) {
	c.mu.Lock()
	c.entries[key] = cacheEntry{tenant: t, cachedAt: c.now()}
	c.mu.Unlock()
}
