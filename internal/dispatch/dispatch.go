// Package dispatch batches a resolved audience through the dedup cache,
// rate limiter and message gateway, reporting a per-recipient outcome.
package dispatch

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sourabh1428/easybill-engine/internal/dedup"
	"github.com/sourabh1428/easybill-engine/internal/gateway"
	"github.com/sourabh1428/easybill-engine/internal/pkg/logger"
)

// Per-recipient outcomes. DuplicateSuppressed and RateLimited are policy
// outcomes, counted separately from failures.
const (
	OutcomeSent                = "sent"
	OutcomeDuplicateSuppressed = "duplicate_suppressed"
	OutcomeRateLimited         = "rate_limited"
	OutcomeFailed              = "failed"
)

// Recipient is one audience member.
type Recipient struct {
	ID          string
	Destination string
}

// Result is one recipient's outcome.
type Result struct {
	RecipientID string
	Destination string
	Outcome     string
	MessageID   string
	Error       string
}

// Report summarizes one dispatch run. The counters always sum to
// len(Results).
type Report struct {
	Results             []Result
	Sent                int
	DuplicateSuppressed int
	RateLimited         int
	Failed              int
	Batches             int
	Stopped             bool
}

func (r *Report) count(res Result) {
	r.Results = append(r.Results, res)
	switch res.Outcome {
	case OutcomeSent:
		r.Sent++
	case OutcomeDuplicateSuppressed:
		r.DuplicateSuppressed++
	case OutcomeRateLimited:
		r.RateLimited++
	case OutcomeFailed:
		r.Failed++
	}
}

// Limiter is the slice of the token bucket the batcher needs. Satisfied
// by *ratelimit.Bucket.
type Limiter interface {
	TryConsume(n float64) bool
	WaitTime(n float64) time.Duration
}

// Recorder persists post-run bookkeeping. Satisfied by *store.Store.
// Write failures are logged, never rolled back into send outcomes.
type Recorder interface {
	MarkSegmentProcessed(ctx context.Context, segmentID string, userIDs []string) error
	IncCampaignAnalytics(ctx context.Context, campaignID string, impressions, delivered, failed int) error
}

// Template is the message shape sent to every recipient; only the
// destination varies per member.
type Template struct {
	Channel    string
	TemplateID string
	Params     []string
	Subject    string
	Body       string
	MediaURL   string
	MediaType  string
}

// Job is one dispatch run.
type Job struct {
	TenantKey  string
	SegmentID  string // scopes the dedup keys and processedUsers update
	CampaignID string // analytics target, may be empty for raw segment sends
	Template   Template
	Audience   []Recipient
	Limiter    Limiter
	Recorder   Recorder
}

// Config controls batching.
type Config struct {
	BatchSize           int           // default 10
	InterBatchDelay     time.Duration // default 1s
	WaitWhenRateLimited bool          // wait out the bucket instead of failing with RateLimited
}

// Batcher runs dispatch jobs. One batcher is shared process-wide; its
// shutdown flag stops in-flight runs before their next batch.
type Batcher struct {
	sender       gateway.Sender
	cache        *dedup.Cache
	cfg          Config
	shuttingDown atomic.Bool
}

// NewBatcher creates a batcher sending through the gateway, guarded by
// the delivery cache.
func NewBatcher(sender gateway.Sender, cache *dedup.Cache, cfg Config) *Batcher {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.InterBatchDelay == 0 {
		cfg.InterBatchDelay = time.Second
	}
	return &Batcher{sender: sender, cache: cache, cfg: cfg}
}

// Shutdown stops in-flight dispatch runs before their next batch.
// Already-sent deliveries stay recorded; the unsent remainder is not
// attempted.
func (b *Batcher) Shutdown() {
	b.shuttingDown.Store(true)
}

// Dispatch sends the job's audience at most once per recipient. The
// input is deduplicated by destination (first occurrence wins), split
// into fixed-size batches whose members send concurrently, with a fixed
// delay between batches to smooth outbound load.
func (b *Batcher) Dispatch(ctx context.Context, job Job) *Report {
	audience := dedupeAudience(job.Audience)
	report := &Report{}

	for start := 0; start < len(audience); start += b.cfg.BatchSize {
		if b.shuttingDown.Load() || ctx.Err() != nil {
			report.Stopped = true
			logger.Info("dispatch stopped before next batch",
				"tenant", job.TenantKey, "segment", job.SegmentID,
				"attempted", len(report.Results), "audience", len(audience))
			break
		}

		if report.Batches > 0 {
			if !sleepCtx(ctx, b.cfg.InterBatchDelay) {
				report.Stopped = true
				break
			}
		}

		end := start + b.cfg.BatchSize
		if end > len(audience) {
			end = len(audience)
		}
		batch := audience[start:end]
		report.Batches++

		results := make([]Result, len(batch))
		var wg sync.WaitGroup
		for i, rcpt := range batch {
			wg.Add(1)
			go func(i int, rcpt Recipient) {
				defer wg.Done()
				results[i] = b.sendOne(ctx, job, rcpt)
			}(i, rcpt)
		}
		wg.Wait()

		for _, res := range results {
			report.count(res)
		}
	}

	b.record(ctx, job, report)
	return report
}

// sendOne runs the per-member pipeline: dedup check, rate limit, gateway
// send, delivery record. A failure here never aborts the batch.
func (b *Batcher) sendOne(ctx context.Context, job Job, rcpt Recipient) Result {
	res := Result{RecipientID: rcpt.ID, Destination: rcpt.Destination}

	if b.cache.Atomic() {
		if !b.cache.Reserve(ctx, job.TenantKey, job.SegmentID, rcpt.Destination) {
			res.Outcome = OutcomeDuplicateSuppressed
			return res
		}
	} else if b.cache.HasReceived(ctx, job.TenantKey, job.SegmentID, rcpt.Destination) {
		res.Outcome = OutcomeDuplicateSuppressed
		return res
	}

	if job.Limiter != nil && !job.Limiter.TryConsume(1) {
		if !b.cfg.WaitWhenRateLimited {
			res.Outcome = OutcomeRateLimited
			return res
		}
		wait := job.Limiter.WaitTime(1)
		if !sleepCtx(ctx, wait) || !job.Limiter.TryConsume(1) {
			res.Outcome = OutcomeRateLimited
			return res
		}
	}

	receipt, err := b.sender.Send(ctx, gateway.Message{
		Channel:     job.Template.Channel,
		Destination: rcpt.Destination,
		TemplateID:  job.Template.TemplateID,
		Params:      job.Template.Params,
		Subject:     job.Template.Subject,
		Body:        job.Template.Body,
		MediaURL:    job.Template.MediaURL,
		MediaType:   job.Template.MediaType,
	})
	if err != nil {
		res.Outcome = OutcomeFailed
		res.Error = err.Error()
		return res
	}

	res.Outcome = OutcomeSent
	res.MessageID = receipt.MessageID
	if !b.cache.Atomic() {
		b.cache.RecordDelivery(ctx, job.TenantKey, job.SegmentID, rcpt.Destination)
	}
	return res
}

// record applies the post-run segment and campaign updates. These happen
// whether or not every member succeeded; write failures are logged only.
func (b *Batcher) record(ctx context.Context, job Job, report *Report) {
	if job.Recorder == nil {
		return
	}

	var delivered []string
	for _, res := range report.Results {
		if res.Outcome == OutcomeSent || res.Outcome == OutcomeDuplicateSuppressed {
			delivered = append(delivered, res.RecipientID)
		}
	}
	if len(delivered) > 0 && job.SegmentID != "" {
		if err := job.Recorder.MarkSegmentProcessed(ctx, job.SegmentID, delivered); err != nil {
			logger.Error("failed to update processedUsers",
				"tenant", job.TenantKey, "segment", job.SegmentID, "error", err.Error())
		}
	}
	if job.CampaignID != "" {
		if err := job.Recorder.IncCampaignAnalytics(ctx, job.CampaignID, 0, report.Sent, report.Failed); err != nil {
			logger.Error("failed to update campaign analytics",
				"tenant", job.TenantKey, "campaign", job.CampaignID, "error", err.Error())
		}
	}
}

// dedupeAudience drops repeated destinations, first occurrence wins.
func dedupeAudience(in []Recipient) []Recipient {
	seen := make(map[string]struct{}, len(in))
	out := make([]Recipient, 0, len(in))
	for _, r := range in {
		if r.Destination == "" {
			continue
		}
		if _, ok := seen[r.Destination]; ok {
			continue
		}
		seen[r.Destination] = struct{}{}
		out = append(out, r)
	}
	return out
}

// sleepCtx sleeps for d, returning false if the context ended first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}
