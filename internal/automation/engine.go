package automation

import (
	"context"
	"time"

	"github.com/sourabh1428/easybill-engine/internal/gateway"
	"github.com/sourabh1428/easybill-engine/internal/pkg/logger"
)

// OutcomeConditionsNotMet is the normal early-exit outcome when a run's
// conditions fail. It is not an error and does not bump runCount.
const OutcomeConditionsNotMet = "conditions_not_met"

// Store is the persistence surface the engine needs. Implemented by the
// tenant-scoped Mongo store.
type Store interface {
	InsertExecution(ctx context.Context, rec ExecutionHistory) (string, error)
	CompleteExecution(ctx context.Context, historyID, status string, results []ActionResult, errMsg string) error
	BumpAutomationRun(ctx context.Context, automationID string, at time.Time) error
	InsertTask(ctx context.Context, task Task) (string, error)
	AddContactTag(ctx context.Context, contactID, tag string) error
}

// Outcome is the terminal result of one run.
type Outcome struct {
	Status  string
	Results []ActionResult
	Error   string
}

// Run is the handle returned by Engine.Run: the caller gets the history id
// immediately and can Await the terminal outcome when it needs one.
type Run struct {
	HistoryID string
	done      chan struct{}
	outcome   Outcome
}

// Await blocks until the run reaches a terminal state or the context is
// cancelled. The run itself keeps executing on cancellation; only the
// wait is abandoned.
func (r *Run) Await(ctx context.Context) (Outcome, error) {
	select {
	case <-r.done:
		return r.outcome, nil
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
}

// Done exposes the completion channel for select loops.
func (r *Run) Done() <-chan struct{} { return r.done }

// Config holds engine-wide settings applied to every run.
type Config struct {
	DefaultCountry string
	WaitPolicy     WaitPolicy
}

// Engine executes automations. Runs for different automations and tenants
// interleave freely; within one run, actions execute strictly in order.
type Engine struct {
	sender gateway.Sender
	queue  Enqueuer
	cfg    Config
}

// NewEngine creates an engine sending through the given gateway.
func NewEngine(sender gateway.Sender, cfg Config) *Engine {
	return &Engine{sender: sender, cfg: cfg}
}

// SetQueue wires a work queue for deferred sends. Without one, send
// actions carrying waitSeconds send immediately.
func (e *Engine) SetQueue(q Enqueuer) {
	e.queue = q
}

// MatchesTrigger reports whether the automation should run for an
// incoming trigger. Event triggers must match the event name and every
// trigger-level condition against the payload; schedule and manual
// triggers match on kind alone.
func MatchesTrigger(auto Automation, kind, event string, payload Context) bool {
	if !auto.Active {
		return false
	}
	if auto.Trigger.Type != kind {
		return false
	}
	if kind == TriggerEvent && auto.Trigger.Event != event {
		return false
	}
	return EvalConditions(auto.Trigger.Conditions, payload)
}

// Run starts one automation run. The ExecutionHistory record is inserted
// synchronously so the returned handle always carries a valid history id;
// action execution proceeds on its own goroutine. Once started a run
// always reaches a terminal state.
func (e *Engine) Run(ctx context.Context, st Store, auto Automation, runCtx Context) (*Run, error) {
	rec := ExecutionHistory{
		AutomationID: auto.ID,
		TenantID:     auto.TenantID,
		Status:       StatusRunning,
		Results:      []ActionResult{},
		Timestamp:    time.Now().UTC(),
	}
	historyID, err := st.InsertExecution(ctx, rec)
	if err != nil {
		return nil, err
	}

	run := &Run{HistoryID: historyID, done: make(chan struct{})}
	go func() {
		defer close(run.done)
		// detach from the caller's deadline; a started run must finish
		run.outcome = e.execute(context.WithoutCancel(ctx), st, auto, historyID, runCtx)
	}()
	return run, nil
}

func (e *Engine) execute(ctx context.Context, st Store, auto Automation, historyID string, runCtx Context) Outcome {
	if !EvalConditions(auto.Conditions, runCtx) {
		logger.Info("automation conditions not met",
			"tenant", auto.TenantID, "automation", auto.ID, "history", historyID)
		e.complete(ctx, st, historyID, StatusCompleted, nil, "")
		return Outcome{Status: OutcomeConditionsNotMet}
	}

	deps := &Deps{
		Sender:         e.sender,
		Queue:          e.queue,
		Store:          st,
		TenantID:       auto.TenantID,
		AutomationID:   auto.ID,
		DefaultCountry: e.cfg.DefaultCountry,
		WaitPolicy:     e.cfg.WaitPolicy,
	}

	actions, err := CompileAll(auto.Actions)
	if err != nil {
		e.complete(ctx, st, historyID, StatusFailed, nil, err.Error())
		e.bump(ctx, st, auto.ID)
		return Outcome{Status: StatusFailed, Error: err.Error()}
	}

	var results []ActionResult
	for _, action := range actions {
		res := action.run(ctx, deps, runCtx)
		results = append(results, res)
		if !res.Success {
			logger.Warn("automation action failed",
				"tenant", auto.TenantID, "automation", auto.ID,
				"action", res.Action, "error", res.Error)
			e.complete(ctx, st, historyID, StatusFailed, results, res.Error)
			e.bump(ctx, st, auto.ID)
			return Outcome{Status: StatusFailed, Results: results, Error: res.Error}
		}
	}

	e.complete(ctx, st, historyID, StatusCompleted, results, "")
	e.bump(ctx, st, auto.ID)
	return Outcome{Status: StatusCompleted, Results: results}
}

// complete and bump log store failures instead of propagating them; a
// successful send is never rolled back over a bookkeeping write.
func (e *Engine) complete(ctx context.Context, st Store, historyID, status string, results []ActionResult, errMsg string) {
	if err := st.CompleteExecution(ctx, historyID, status, results, errMsg); err != nil {
		logger.Error("failed to finalize execution history", "history", historyID, "error", err.Error())
	}
}

func (e *Engine) bump(ctx context.Context, st Store, automationID string) {
	if err := st.BumpAutomationRun(ctx, automationID, time.Now().UTC()); err != nil {
		logger.Error("failed to bump automation run count", "automation", automationID, "error", err.Error())
	}
}
