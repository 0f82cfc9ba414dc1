// Package worker hosts the background processing loops: the periodic
// segment dispatch pass and the queue job handlers.
package worker

import (
	"context"
	"errors"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sourabh1428/easybill-engine/internal/automation"
	"github.com/sourabh1428/easybill-engine/internal/dispatch"
	"github.com/sourabh1428/easybill-engine/internal/segment"
	"github.com/sourabh1428/easybill-engine/internal/store"
	"github.com/sourabh1428/easybill-engine/internal/tenant"
)

// Tenants is the slice of the tenant registry the workers need.
// Satisfied by *tenant.Registry.
type Tenants interface {
	GetByID(ctx context.Context, tenantID string) (*tenant.Tenant, error)
	ListActive(ctx context.Context) ([]tenant.Tenant, error)
}

// Store is the per-tenant persistence surface the workers use.
// Satisfied by *store.Store.
type Store interface {
	automation.Store
	dispatch.Recorder

	GetSegment(ctx context.Context, id string) (*segment.Segment, error)
	ListActiveSegments(ctx context.Context) ([]segment.Segment, error)
	ResolveAudience(ctx context.Context, seg segment.Segment) ([]store.User, error)
	GetCampaign(ctx context.Context, id string) (*store.Campaign, error)
	GetAutomation(ctx context.Context, id string) (*automation.Automation, error)
	ListAutomationsByTrigger(ctx context.Context, triggerType, event string) ([]automation.Automation, error)
	InsertEvent(ctx context.Context, ev store.Event) (string, error)
}

// Deps bundles the tenant-scoped lookups shared by the segment worker
// and the queue handlers.
type Deps struct {
	Tenants  Tenants
	Stores   func(*tenant.Tenant) Store
	Limiters func(*tenant.Tenant) dispatch.Limiter
}

// SegmentWorker periodically enumerates active tenants and pushes each
// active segment's audience through the dispatch batcher.
type SegmentWorker struct {
	deps     Deps
	batcher  *dispatch.Batcher
	interval time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	segmentsProcessed atomic.Int64
	usersDispatched   atomic.Int64

	mu      sync.Mutex
	running bool
}

// NewSegmentWorker creates the worker. Interval defaults to a minute.
func NewSegmentWorker(deps Deps, batcher *dispatch.Batcher, interval time.Duration) *SegmentWorker {
	if interval <= 0 {
		interval = time.Minute
	}
	return &SegmentWorker{
		deps:     deps,
		batcher:  batcher,
		interval: interval,
	}
}

// Start launches the processing loop.
func (w *SegmentWorker) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return
	}
	w.running = true
	w.ctx, w.cancel = context.WithCancel(context.Background())

	w.wg.Add(1)
	go w.loop()
	log.Printf("[SegmentWorker] Started (interval=%s)", w.interval)
}

// Stop signals shutdown and waits for the in-flight pass. The batcher's
// own shutdown flag stops dispatch runs between batches.
func (w *SegmentWorker) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.mu.Unlock()

	w.cancel()
	w.batcher.Shutdown()
	w.wg.Wait()
	log.Printf("[SegmentWorker] Stopped (segments=%d users=%d)",
		w.segmentsProcessed.Load(), w.usersDispatched.Load())
}

func (w *SegmentWorker) loop() {
	defer w.wg.Done()

	// first pass immediately, then on the interval
	w.ProcessAll(w.ctx)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			w.ProcessAll(w.ctx)
		}
	}
}

// ProcessAll runs one full pass over every active tenant's active
// segments. Per-segment failures are logged and never abort the pass.
func (w *SegmentWorker) ProcessAll(ctx context.Context) {
	tenants, err := w.deps.Tenants.ListActive(ctx)
	if err != nil {
		log.Printf("[SegmentWorker] Failed to list tenants: %v", err)
		return
	}

	for i := range tenants {
		if ctx.Err() != nil {
			return
		}
		w.processTenant(ctx, &tenants[i])
	}
}

func (w *SegmentWorker) processTenant(ctx context.Context, t *tenant.Tenant) {
	st := w.deps.Stores(t)
	segments, err := st.ListActiveSegments(ctx)
	if err != nil {
		log.Printf("[SegmentWorker] tenant=%s: failed to list segments: %v", t.ID, err)
		return
	}

	for _, seg := range segments {
		if ctx.Err() != nil {
			return
		}
		report, err := w.ProcessSegment(ctx, t, st, seg)
		if err != nil {
			log.Printf("[SegmentWorker] tenant=%s segment=%s: %v", t.ID, seg.ID, err)
			continue
		}
		w.segmentsProcessed.Add(1)
		w.usersDispatched.Add(int64(report.Sent))
		if report.Sent+report.Failed > 0 {
			log.Printf("[SegmentWorker] tenant=%s segment=%s sent=%d dup=%d limited=%d failed=%d",
				t.ID, seg.ID, report.Sent, report.DuplicateSuppressed, report.RateLimited, report.Failed)
		}
	}
}

// ProcessSegment resolves one segment's audience and dispatches it. A
// CompileError means the stored definition is unusable; it is returned to
// the caller rather than treated as an empty audience.
func (w *SegmentWorker) ProcessSegment(ctx context.Context, t *tenant.Tenant, st Store, seg segment.Segment) (*dispatch.Report, error) {
	users, err := st.ResolveAudience(ctx, seg)
	if err != nil {
		var ce *segment.CompileError
		if errors.As(err, &ce) {
			return nil, ce
		}
		return nil, err
	}

	audience := make([]dispatch.Recipient, 0, len(users))
	for _, u := range users {
		audience = append(audience, dispatch.Recipient{
			ID:          u.ID,
			Destination: u.DestinationFor(seg.Channel),
		})
	}

	report := w.batcher.Dispatch(ctx, dispatch.Job{
		TenantKey: t.ID,
		SegmentID: seg.ID,
		Template: dispatch.Template{
			Channel:    seg.Channel,
			TemplateID: seg.TemplateID,
		},
		Audience: audience,
		Limiter:  w.deps.Limiters(t),
		Recorder: st,
	})
	return report, nil
}
