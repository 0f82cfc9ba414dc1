// Package tenant resolves API keys to tenants and bundles the per-tenant
// resources (database handle, rate limiter) behind one registry.
package tenant

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/sourabh1428/easybill-engine/internal/ratelimit"
)

// ErrUnknownTenant means the API key resolves to no active tenant.
var ErrUnknownTenant = errors.New("unknown tenant")

// CollTenants is the directory collection inside the admin database.
const CollTenants = "tenants"

// RateLimitSettings is a tenant's own bucket configuration, overriding
// the process defaults when present.
type RateLimitSettings struct {
	TokensPerInterval float64 `bson:"tokensPerInterval" json:"tokensPerInterval"`
	IntervalMS        int64   `bson:"intervalMs" json:"intervalMs"`
	Enabled           bool    `bson:"enabled" json:"enabled"`
}

// Config converts the stored settings to a bucket config.
func (s RateLimitSettings) Config() ratelimit.Config {
	return ratelimit.Config{
		TokensPerInterval: s.TokensPerInterval,
		Interval:          time.Duration(s.IntervalMS) * time.Millisecond,
		Enabled:           s.Enabled,
	}
}

// WhatsAppSettings is a tenant's own provider configuration.
type WhatsAppSettings struct {
	AppID             string `bson:"appId,omitempty" json:"appId,omitempty"`
	SourcePhoneNumber string `bson:"sourcePhoneNumber,omitempty" json:"sourcePhoneNumber,omitempty"`
	DefaultCountry    string `bson:"defaultCountryCode,omitempty" json:"defaultCountryCode,omitempty"`
}

// Tenant is one directory entry.
type Tenant struct {
	ID        string             `bson:"_id,omitempty" json:"id"`
	Name      string             `bson:"name,omitempty" json:"name,omitempty"`
	APIKey    string             `bson:"apiKey" json:"-"`
	DBName    string             `bson:"dbName" json:"dbName"`
	Status    string             `bson:"status" json:"status"`
	RateLimit *RateLimitSettings `bson:"rateLimit,omitempty" json:"rateLimit,omitempty"`
	WhatsApp  *WhatsAppSettings  `bson:"whatsapp,omitempty" json:"whatsapp,omitempty"`
}

// Directory resolves API keys against the admin database, caching entries
// so the hot path does not hit Mongo on every request. Config edits take
// effect within the cache TTL (15 minutes by default).
type Directory struct {
	adminDB *mongo.Database
	cache   *entryCache
}

// NewDirectory creates a directory over the admin database. A zero ttl
// defaults to 15 minutes.
func NewDirectory(adminDB *mongo.Database, ttl time.Duration) *Directory {
	if ttl == 0 {
		ttl = 15 * time.Minute
	}
	return &Directory{
		adminDB: adminDB,
		cache:   newEntryCache(ttl),
	}
}

// Resolve maps an API key to its active tenant.
func (d *Directory) Resolve(ctx context.Context, apiKey string) (*Tenant, error) {
	if t, ok := d.cache.get(apiKey); ok {
		return t, nil
	}

	var t Tenant
	err := d.adminDB.Collection(CollTenants).
		FindOne(ctx, bson.M{"apiKey": apiKey, "status": "active"}).
		Decode(&t)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrUnknownTenant
	}
	if err != nil {
		return nil, fmt.Errorf("resolve tenant: %w", err)
	}

	d.cache.put(apiKey, &t)
	return &t, nil
}

// GetByID loads one tenant by id, for queue handlers that carry a tenant
// id instead of an API key.
func (d *Directory) GetByID(ctx context.Context, tenantID string) (*Tenant, error) {
	cacheKey := "id:" + tenantID
	if t, ok := d.cache.get(cacheKey); ok {
		return t, nil
	}

	var t Tenant
	err := d.adminDB.Collection(CollTenants).
		FindOne(ctx, bson.M{"_id": tenantID, "status": "active"}).
		Decode(&t)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrUnknownTenant
	}
	if err != nil {
		return nil, fmt.Errorf("get tenant %s: %w", tenantID, err)
	}

	d.cache.put(cacheKey, &t)
	return &t, nil
}

// ListActive enumerates all active tenants, for the segment worker and
// the scheduler refresh.
func (d *Directory) ListActive(ctx context.Context) ([]Tenant, error) {
	cur, err := d.adminDB.Collection(CollTenants).Find(ctx, bson.M{"status": "active"})
	if err != nil {
		return nil, fmt.Errorf("list tenants: %w", err)
	}
	var tenants []Tenant
	if err := cur.All(ctx, &tenants); err != nil {
		return nil, fmt.Errorf("decode tenants: %w", err)
	}
	return tenants, nil
}
