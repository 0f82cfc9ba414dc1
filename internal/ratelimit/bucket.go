// Package ratelimit implements the per-tenant token bucket that gates
// outbound sends.
package ratelimit

import (
	"math"
	"sync"
	"time"
)

// Config describes one tenant's bucket. MaxTokens defaults to
// TokensPerInterval when zero. A non-positive TokensPerInterval means
// no refill rate is configured and disables the bucket.
type Config struct {
	TokensPerInterval float64       `yaml:"tokens_per_interval" json:"tokensPerInterval"`
	Interval          time.Duration `yaml:"interval" json:"interval"`
	MaxTokens         float64       `yaml:"max_tokens" json:"maxTokens"`
	Enabled           bool          `yaml:"enabled" json:"enabled"`
}

func (c Config) normalized() Config {
	if c.TokensPerInterval <= 0 {
		c.Enabled = false
	}
	if c.MaxTokens == 0 {
		c.MaxTokens = c.TokensPerInterval
	}
	if c.Interval == 0 {
		c.Interval = time.Minute
	}
	return c
}

// Bucket is a continuously-refilling token bucket. Safe for concurrent use.
// State lives in process memory; for shared enforcement across instances
// use RedisBucket.
type Bucket struct {
	mu         sync.Mutex
	cfg        Config
	tokens     float64
	lastRefill time.Time
	now        func() time.Time
}

// NewBucket creates a bucket starting full.
func NewBucket(cfg Config) *Bucket {
	cfg = cfg.normalized()
	b := &Bucket{
		cfg: cfg,
		now: time.Now,
	}
	b.tokens = cfg.MaxTokens
	b.lastRefill = b.now()
	return b
}

// refill credits tokens for time elapsed since the last refill. A full
// interval or more resets the bucket to MaxTokens; a partial interval
// credits proportionally. Caller holds mu.
func (b *Bucket) refill() {
	now := b.now()
	elapsed := now.Sub(b.lastRefill)
	if elapsed >= b.cfg.Interval {
		b.tokens = b.cfg.MaxTokens
	} else {
		credit := float64(elapsed) * b.cfg.TokensPerInterval / float64(b.cfg.Interval)
		b.tokens = math.Min(b.cfg.MaxTokens, b.tokens+credit)
	}
	b.lastRefill = now
}

// TryConsume takes n tokens if available. Always allows when the bucket is
// disabled.
func (b *Bucket) TryConsume(n float64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.cfg.Enabled {
		return true
	}
	b.refill()
	if b.tokens >= n {
		b.tokens -= n
		return true
	}
	return false
}

// WaitTime returns how long until n tokens will be available at the
// configured refill rate. Zero when n tokens are already available or the
// bucket is disabled.
func (b *Bucket) WaitTime(n float64) time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.cfg.Enabled {
		return 0
	}
	b.refill()
	if b.tokens >= n {
		return 0
	}
	ms := math.Ceil((n - b.tokens) * float64(b.cfg.Interval.Milliseconds()) / b.cfg.TokensPerInterval)
	return time.Duration(ms) * time.Millisecond
}

// SetEnabled toggles rate limiting for this bucket. A bucket with no
// refill rate stays disabled.
func (b *Bucket) SetEnabled(enabled bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cfg.Enabled = enabled && b.cfg.TokensPerInterval > 0
}

// UpdateConfig replaces the bucket's configuration. Tokens are clamped to
// the new maximum so a shrunk limit takes effect immediately.
func (b *Bucket) UpdateConfig(cfg Config) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cfg = cfg.normalized()
	if b.tokens > b.cfg.MaxTokens {
		b.tokens = b.cfg.MaxTokens
	}
}

// Tokens returns the current token count after refill. Intended for
// status endpoints and tests.
func (b *Bucket) Tokens() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refill()
	return b.tokens
}
