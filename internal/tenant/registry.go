package tenant

import (
	"context"
	"sync"

	"go.mongodb.org/mongo-driver/mongo"

	"github.com/sourabh1428/easybill-engine/internal/ratelimit"
	"github.com/sourabh1428/easybill-engine/internal/store"
)

// Registry bundles the per-tenant resources: the directory, database
// handles on the tenant cluster, and rate limiter buckets. One registry
// is constructed in main and passed to every component that needs
// tenant-scoped access; nothing here is a package global.
type Registry struct {
	directory *Directory
	client    *mongo.Client
	limits    *ratelimit.Registry

	mu     sync.Mutex
	stores map[string]*store.Store
}

// NewRegistry wires the registry over the tenant cluster client.
func NewRegistry(directory *Directory, client *mongo.Client, limits *ratelimit.Registry) *Registry {
	return &Registry{
		directory: directory,
		client:    client,
		limits:    limits,
		stores:    make(map[string]*store.Store),
	}
}

// Directory exposes the underlying directory.
func (r *Registry) Directory() *Directory { return r.directory }

// Resolve maps an API key to its tenant.
func (r *Registry) Resolve(ctx context.Context, apiKey string) (*Tenant, error) {
	return r.directory.Resolve(ctx, apiKey)
}

// GetByID loads one tenant by id.
func (r *Registry) GetByID(ctx context.Context, tenantID string) (*Tenant, error) {
	return r.directory.GetByID(ctx, tenantID)
}

// ListActive enumerates active tenants.
func (r *Registry) ListActive(ctx context.Context) ([]Tenant, error) {
	return r.directory.ListActive(ctx)
}

// Store returns the tenant's database store, cached per database name.
func (r *Registry) Store(t *Tenant) *store.Store {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.stores[t.DBName]
	if !ok {
		s = store.New(r.client.Database(t.DBName), t.ID)
		r.stores[t.DBName] = s
	}
	return s
}

// Limiter returns the tenant's token bucket, applying the tenant's own
// rate limit settings when it has any.
func (r *Registry) Limiter(t *Tenant) *ratelimit.Bucket {
	if t.RateLimit != nil {
		return r.limits.Configure(t.ID, t.RateLimit.Config())
	}
	return r.limits.Get(t.ID)
}
