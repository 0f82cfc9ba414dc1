package queue

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"
)

// Handler processes one claimed job. Handlers must be idempotent-safe:
// dispatch and automation jobs ultimately pass through the delivery
// cache, so a retried job does not double-send.
type Handler func(ctx context.Context, job Job) error

// Worker polls every tenant's queue and routes claimed jobs to handlers
// by job type.
type Worker struct {
	queue        *Queue
	handlers     map[string]Handler
	concurrency  int
	pollInterval time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	processed atomic.Int64
	failed    atomic.Int64

	mu      sync.Mutex
	running bool
}

// NewWorker creates a queue worker.
func NewWorker(queue *Queue, handlers map[string]Handler, concurrency int, pollInterval time.Duration) *Worker {
	if concurrency <= 0 {
		concurrency = 4
	}
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	return &Worker{
		queue:        queue,
		handlers:     handlers,
		concurrency:  concurrency,
		pollInterval: pollInterval,
	}
}

// Start launches the polling goroutines.
func (w *Worker) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return
	}
	w.running = true
	w.ctx, w.cancel = context.WithCancel(context.Background())

	for i := 0; i < w.concurrency; i++ {
		w.wg.Add(1)
		go w.loop()
	}
	log.Printf("[QueueWorker] Started with %d workers", w.concurrency)
}

// Stop signals the goroutines and waits for in-flight jobs to finish.
func (w *Worker) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.mu.Unlock()

	w.cancel()
	w.wg.Wait()
	log.Printf("[QueueWorker] Stopped (processed=%d failed=%d)", w.processed.Load(), w.failed.Load())
}

// Stats returns processed and terminally failed job counts.
func (w *Worker) Stats() (processed, failed int64) {
	return w.processed.Load(), w.failed.Load()
}

func (w *Worker) loop() {
	defer w.wg.Done()
	for {
		worked, err := w.pollOnce(w.ctx)
		if err != nil && w.ctx.Err() == nil {
			log.Printf("[QueueWorker] Poll error: %v", err)
		}
		if worked {
			continue
		}
		select {
		case <-w.ctx.Done():
			return
		case <-time.After(w.pollInterval):
		}
	}
}

// pollOnce scans all tenants once, processing at most one job per tenant.
// Reports whether any job was processed.
func (w *Worker) pollOnce(ctx context.Context) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	tenants, err := w.queue.Tenants(ctx)
	if err != nil {
		return false, err
	}

	worked := false
	for _, tenantID := range tenants {
		if ctx.Err() != nil {
			return worked, ctx.Err()
		}
		job, err := w.queue.ClaimDue(ctx, tenantID)
		if err != nil {
			return worked, err
		}
		if job == nil {
			continue
		}
		w.process(ctx, *job)
		worked = true
	}
	return worked, nil
}

func (w *Worker) process(ctx context.Context, job Job) {
	handler, ok := w.handlers[job.Type]
	if !ok {
		w.failed.Add(1)
		log.Printf("[QueueWorker] No handler for job type %q (tenant=%s job=%s)", job.Type, job.TenantID, job.ID)
		return
	}

	if err := w.handle(ctx, handler, job); err != nil {
		retrying, retryErr := w.queue.Retry(ctx, job, err)
		if retryErr != nil {
			log.Printf("[QueueWorker] Retry scheduling failed (tenant=%s job=%s): %v", job.TenantID, job.ID, retryErr)
		}
		if !retrying {
			w.failed.Add(1)
		}
		return
	}
	w.processed.Add(1)
}

// handle runs the handler, converting a panic into a job failure so one
// bad payload cannot take the worker down.
func (w *Worker) handle(ctx context.Context, handler Handler, job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler(ctx, job)
}
