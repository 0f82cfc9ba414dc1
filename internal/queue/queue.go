// Package queue is the redis-backed delayed job queue: per-tenant sorted
// sets scored by due time, atomic claims, exponential-backoff retries.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/sourabh1428/easybill-engine/internal/pkg/logger"
)

// Job types routed by the worker.
const (
	JobDispatchSegment = "dispatch_segment"
	JobRunAutomation   = "run_automation"
	JobDelayedMessage  = "delayed_message"
	JobTrackingEvent   = "tracking_event"
)

const tenantsKey = "queue:tenants"

// Job is one unit of queued work.
type Job struct {
	ID          string          `json:"id"`
	TenantID    string          `json:"tenantId"`
	Type        string          `json:"type"`
	Payload     json.RawMessage `json:"payload"`
	Attempt     int             `json:"attempt"`
	MaxAttempts int             `json:"maxAttempts"`
	EnqueuedAt  int64           `json:"enqueuedAt"`
}

// Options tune one enqueue.
type Options struct {
	Delay    time.Duration
	Attempts int // overrides the queue default when > 0
}

// Config holds queue defaults.
type Config struct {
	Attempts    int           // default 3
	BackoffBase time.Duration // default 5s, doubled per retry
}

// Queue enqueues and claims jobs. Each tenant gets its own sorted set so
// one tenant's backlog cannot starve another's scan.
type Queue struct {
	client *redis.Client
	cfg    Config
	now    func() time.Time
}

// New creates a queue.
func New(client *redis.Client, cfg Config) *Queue {
	if cfg.Attempts == 0 {
		cfg.Attempts = 3
	}
	if cfg.BackoffBase == 0 {
		cfg.BackoffBase = 5 * time.Second
	}
	return &Queue{client: client, cfg: cfg, now: time.Now}
}

func jobsKey(tenantID string) string {
	return fmt.Sprintf("queue:%s:jobs", tenantID)
}

func deadKey(tenantID string) string {
	return fmt.Sprintf("queue:%s:dead", tenantID)
}

// Enqueue schedules a job, optionally delayed. Returns the job id.
func (q *Queue) Enqueue(ctx context.Context, tenantID, jobType string, payload any, opts Options) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}

	attempts := q.cfg.Attempts
	if opts.Attempts > 0 {
		attempts = opts.Attempts
	}
	job := Job{
		ID:          uuid.NewString(),
		TenantID:    tenantID,
		Type:        jobType,
		Payload:     raw,
		Attempt:     1,
		MaxAttempts: attempts,
		EnqueuedAt:  q.now().UnixMilli(),
	}
	if err := q.push(ctx, job, q.now().Add(opts.Delay)); err != nil {
		return "", err
	}
	return job.ID, nil
}

func (q *Queue) push(ctx context.Context, job Job, runAt time.Time) error {
	member, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	pipe := q.client.Pipeline()
	pipe.ZAdd(ctx, jobsKey(job.TenantID), redis.Z{Score: float64(runAt.UnixMilli()), Member: member})
	pipe.SAdd(ctx, tenantsKey, job.TenantID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("enqueue job: %w", err)
	}
	return nil
}

// claimScript pops the earliest due member atomically so concurrent
// workers never claim the same job.
var claimScript = redis.NewScript(`
local due = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1], "LIMIT", 0, 1)
if #due == 0 then
	return false
end
redis.call("ZREM", KEYS[1], due[1])
return due[1]
`)

// ClaimDue pops one due job for the tenant, or nil when none is due.
func (q *Queue) ClaimDue(ctx context.Context, tenantID string) (*Job, error) {
	raw, err := claimScript.Run(ctx, q.client, []string{jobsKey(tenantID)}, q.now().UnixMilli()).Text()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim job: %w", err)
	}
	var job Job
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		return nil, fmt.Errorf("decode job: %w", err)
	}
	return &job, nil
}

// Retry re-schedules a failed job with exponential backoff, or moves it
// to the dead list once attempts are exhausted. Returns true when the job
// will run again.
func (q *Queue) Retry(ctx context.Context, job Job, cause error) (bool, error) {
	if job.Attempt >= job.MaxAttempts {
		member, err := json.Marshal(job)
		if err != nil {
			return false, fmt.Errorf("marshal dead job: %w", err)
		}
		if err := q.client.LPush(ctx, deadKey(job.TenantID), member).Err(); err != nil {
			return false, fmt.Errorf("push dead job: %w", err)
		}
		logger.Error("job exhausted retries",
			"tenant", job.TenantID, "job", job.ID, "type", job.Type,
			"attempts", job.Attempt, "error", cause.Error())
		return false, nil
	}

	backoff := q.cfg.BackoffBase << (job.Attempt - 1)
	job.Attempt++
	if err := q.push(ctx, job, q.now().Add(backoff)); err != nil {
		return false, err
	}
	logger.Warn("job retry scheduled",
		"tenant", job.TenantID, "job", job.ID, "type", job.Type,
		"attempt", job.Attempt, "backoff", backoff.String(), "error", cause.Error())
	return true, nil
}

// Tenants lists tenants with queued work.
func (q *Queue) Tenants(ctx context.Context) ([]string, error) {
	tenants, err := q.client.SMembers(ctx, tenantsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("list queue tenants: %w", err)
	}
	return tenants, nil
}
