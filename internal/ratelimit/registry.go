package ratelimit

import "sync"

// Registry holds one bucket per tenant. It is constructed once at service
// start and passed to the components that need it; there is no package
// global.
type Registry struct {
	mu       sync.Mutex
	buckets  map[string]*Bucket
	defaults Config
}

// NewRegistry creates a registry. Tenants without their own config get
// defaults.
func NewRegistry(defaults Config) *Registry {
	return &Registry{
		buckets:  make(map[string]*Bucket),
		defaults: defaults.normalized(),
	}
}

// Get returns the tenant's bucket, creating it with the default config on
// first use.
func (r *Registry) Get(tenantID string) *Bucket {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.buckets[tenantID]
	if !ok {
		b = NewBucket(r.defaults)
		r.buckets[tenantID] = b
	}
	return b
}

// Configure creates or reconfigures the tenant's bucket with a
// tenant-specific config.
func (r *Registry) Configure(tenantID string, cfg Config) *Bucket {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.buckets[tenantID]
	if !ok {
		b = NewBucket(cfg)
		r.buckets[tenantID] = b
		return b
	}
	b.UpdateConfig(cfg)
	return b
}
