// Package dedup is the TTL-backed delivery cache that keeps a recipient
// from being sent the same campaign or segment twice within the window.
package dedup

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/sourabh1428/easybill-engine/internal/pkg/logger"
)

// Config controls cache behavior.
//
// FailClosed flips the availability tradeoff: by default a cache error on
// the history check is treated as "not yet received" so an outage never
// blocks sends; with FailClosed the same error suppresses the send.
//
// Atomic replaces the separate check-then-record calls with a single SET NX
// reservation, closing the window where two concurrent dispatches for the
// same recipient both pass the check. Off by default: the reference
// behavior tolerates that race.
type Config struct {
	TTL        time.Duration
	FailClosed bool
	Atomic     bool
}

// Cache records deliveries per (tenant, campaign-or-segment, recipient).
type Cache struct {
	client *redis.Client
	cfg    Config
}

// New creates a delivery cache. A zero TTL defaults to 30 days.
func New(client *redis.Client, cfg Config) *Cache {
	if cfg.TTL == 0 {
		cfg.TTL = 30 * 24 * time.Hour
	}
	return &Cache{client: client, cfg: cfg}
}

// Atomic reports whether reservations should be used instead of
// check-then-record.
func (c *Cache) Atomic() bool {
	return c.cfg.Atomic
}

// Two keys per delivery: one scoped to the campaign, one to the segment,
// so a recipient who got this campaign OR any recent send from the segment
// is suppressed.
func (c *Cache) keys(tenantKey, segmentID, recipient string) (string, string) {
	campaignKey := fmt.Sprintf("campaign:%s:segment:%s:user:%s", tenantKey, segmentID, recipient)
	segmentKey := fmt.Sprintf("segment:%s:%s:user:%s", tenantKey, segmentID, recipient)
	return campaignKey, segmentKey
}

// HasReceived reports whether the recipient already got a send for this
// campaign or segment within the TTL. Cache errors follow the configured
// fail-open/fail-closed policy and are logged, never returned.
func (c *Cache) HasReceived(ctx context.Context, tenantKey, segmentID, recipient string) bool {
	campaignKey, segmentKey := c.keys(tenantKey, segmentID, recipient)

	n, err := c.client.Exists(ctx, campaignKey, segmentKey).Result()
	if err != nil {
		logger.Warn("delivery cache check failed", "error", err.Error(),
			"tenant", tenantKey, "segment", segmentID, "recipient", recipient)
		return c.cfg.FailClosed
	}
	return n > 0
}

// RecordDelivery writes both delivery keys with the configured TTL. A
// write failure is swallowed and logged; under a cache outage duplicates
// are possible.
func (c *Cache) RecordDelivery(ctx context.Context, tenantKey, segmentID, recipient string) {
	campaignKey, segmentKey := c.keys(tenantKey, segmentID, recipient)

	pipe := c.client.Pipeline()
	pipe.Set(ctx, campaignKey, "1", c.cfg.TTL)
	pipe.Set(ctx, segmentKey, "1", c.cfg.TTL)
	if _, err := pipe.Exec(ctx); err != nil {
		logger.Warn("delivery cache record failed", "error", err.Error(),
			"tenant", tenantKey, "segment", segmentID, "recipient", recipient)
	}
}

// Reserve atomically claims the delivery slot with SET NX. Returns false
// when the recipient was already recorded. Used instead of
// HasReceived/RecordDelivery when Atomic is enabled; the reservation
// happens before the send, so a gateway failure after a reservation leaves
// the recipient suppressed for the window.
func (c *Cache) Reserve(ctx context.Context, tenantKey, segmentID, recipient string) bool {
	campaignKey, segmentKey := c.keys(tenantKey, segmentID, recipient)

	ok, err := c.client.SetNX(ctx, campaignKey, "1", c.cfg.TTL).Result()
	if err != nil {
		logger.Warn("delivery cache reserve failed", "error", err.Error(),
			"tenant", tenantKey, "segment", segmentID, "recipient", recipient)
		return !c.cfg.FailClosed
	}
	// the segment key is advisory for cross-campaign suppression
	if err := c.client.SetNX(ctx, segmentKey, "1", c.cfg.TTL).Err(); err != nil {
		logger.Warn("delivery cache reserve failed", "error", err.Error(),
			"tenant", tenantKey, "segment", segmentID, "recipient", recipient)
	}
	return ok
}
