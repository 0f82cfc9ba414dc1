// Package scheduler maintains one cron registration per (tenant,
// automation) for schedule-triggered automations and raises their ticks
// into the automation engine.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"

	"github.com/sourabh1428/easybill-engine/internal/pkg/distlock"
	"github.com/sourabh1428/easybill-engine/internal/pkg/logger"
)

// ErrBadSchedule means the automation's cron expression does not parse.
// The automation is skipped; the rest of the refresh proceeds.
var ErrBadSchedule = errors.New("invalid cron expression")

// Entry is one schedule registration.
type Entry struct {
	TenantID     string
	AutomationID string
	Expression   string
}

// Source enumerates the schedule-triggered automations of all active
// tenants. Implemented over the tenant registry and stores in main.
type Source interface {
	ListSchedules(ctx context.Context) ([]Entry, error)
}

// FireFunc receives one synthesized schedule tick, shaped exactly like an
// application event reaching the engine.
type FireFunc func(ctx context.Context, tenantID, automationID string, firedAt time.Time)

// Config controls the scheduler.
type Config struct {
	RefreshCron string        // daily full refresh, default midnight
	TickLockTTL time.Duration // per-tick distributed lock TTL
	TickTimeout time.Duration // context deadline handed to fire
}

// Scheduler owns the cron runner. A full refresh tears down every
// registration and recreates it from the source; that keeps registrations
// consistent after manual automation edits at the cost of a daily
// rebuild.
type Scheduler struct {
	cron   *cron.Cron
	client *redis.Client
	source Source
	fire   FireFunc
	cfg    Config

	mu      sync.Mutex
	entries map[string]cron.EntryID
	running bool
}

// New creates a scheduler. The redis client guards ticks with a per
// (tenant, automation, minute) lock so multiple instances do not
// double-fire; pass nil to skip locking in single-instance deployments.
func New(client *redis.Client, source Source, fire FireFunc, cfg Config) *Scheduler {
	if cfg.RefreshCron == "" {
		cfg.RefreshCron = "0 0 * * *"
	}
	if cfg.TickLockTTL == 0 {
		cfg.TickLockTTL = 55 * time.Second
	}
	if cfg.TickTimeout == 0 {
		cfg.TickTimeout = time.Minute
	}
	return &Scheduler{
		cron:    cron.New(),
		client:  client,
		source:  source,
		fire:    fire,
		cfg:     cfg,
		entries: make(map[string]cron.EntryID),
	}
}

// Start performs the initial refresh, installs the daily refresh and
// starts the cron runner.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = true
	s.mu.Unlock()

	if err := s.RefreshAll(ctx); err != nil {
		return err
	}

	if _, err := s.cron.AddFunc(s.cfg.RefreshCron, func() {
		refreshCtx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		if err := s.RefreshAll(refreshCtx); err != nil {
			logger.Error("scheduler refresh failed", "error", err.Error())
		}
	}); err != nil {
		return fmt.Errorf("install refresh cron: %w", err)
	}

	s.cron.Start()
	logger.Info("scheduler started", "refresh", s.cfg.RefreshCron)
	return nil
}

// Stop halts the cron runner and waits for in-flight ticks.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	<-s.cron.Stop().Done()
	logger.Info("scheduler stopped")
}

// RefreshAll tears down all registrations and recreates them from the
// source. One malformed cron expression skips that automation only.
func (s *Scheduler) RefreshAll(ctx context.Context) error {
	entries, err := s.source.ListSchedules(ctx)
	if err != nil {
		return fmt.Errorf("list schedules: %w", err)
	}

	s.mu.Lock()
	for key, id := range s.entries {
		s.cron.Remove(id)
		delete(s.entries, key)
	}
	s.mu.Unlock()

	registered := 0
	for _, e := range entries {
		if err := s.RegisterSchedule(e.TenantID, e.AutomationID, e.Expression); err != nil {
			logger.Warn("skipping automation schedule",
				"tenant", e.TenantID, "automation", e.AutomationID,
				"expression", e.Expression, "error", err.Error())
			continue
		}
		registered++
	}
	logger.Info("schedules refreshed", "registered", registered, "total", len(entries))
	return nil
}

// RegisterSchedule installs one cron registration, replacing any existing
// one for the same (tenant, automation).
func (s *Scheduler) RegisterSchedule(tenantID, automationID, expression string) error {
	id, err := s.cron.AddFunc(expression, func() {
		s.tick(tenantID, automationID)
	})
	if err != nil {
		return fmt.Errorf("%w: %q: %v", ErrBadSchedule, expression, err)
	}

	key := scheduleKey(tenantID, automationID)
	s.mu.Lock()
	if old, ok := s.entries[key]; ok {
		s.cron.Remove(old)
	}
	s.entries[key] = id
	s.mu.Unlock()
	return nil
}

// UnregisterAll removes every registration for a tenant.
func (s *Scheduler) UnregisterAll(tenantID string) {
	prefix := tenantID + "/"
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, id := range s.entries {
		if len(key) > len(prefix) && key[:len(prefix)] == prefix {
			s.cron.Remove(id)
			delete(s.entries, key)
		}
	}
}

// Registered returns the number of live registrations.
func (s *Scheduler) Registered() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// tick fires one schedule trigger. With a redis client configured, a per
// (tenant, automation, minute) lock lets exactly one instance fire; the
// lock is never released so it expires on its own after the TTL.
func (s *Scheduler) tick(tenantID, automationID string) {
	firedAt := time.Now().UTC()
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.TickTimeout)
	defer cancel()

	if s.client != nil {
		key := fmt.Sprintf("scheduler:%s:%s:%d", tenantID, automationID, firedAt.Unix()/60)
		lock := distlock.NewLock(s.client, key, s.cfg.TickLockTTL)
		acquired, err := lock.Acquire(ctx)
		if err != nil {
			// lock errors fall back to firing; a duplicate run beats a missed one
			logger.Warn("scheduler tick lock failed",
				"tenant", tenantID, "automation", automationID, "error", err.Error())
		} else if !acquired {
			return
		}
	}

	s.fire(ctx, tenantID, automationID, firedAt)
}

func scheduleKey(tenantID, automationID string) string {
	return tenantID + "/" + automationID
}
