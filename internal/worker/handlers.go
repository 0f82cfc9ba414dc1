package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/sourabh1428/easybill-engine/internal/automation"
	"github.com/sourabh1428/easybill-engine/internal/dispatch"
	"github.com/sourabh1428/easybill-engine/internal/queue"
	"github.com/sourabh1428/easybill-engine/internal/store"
	"github.com/sourabh1428/easybill-engine/internal/tenant"
)

// dispatchSegmentPayload is queued by the campaign dispatch endpoint.
type dispatchSegmentPayload struct {
	CampaignID string `json:"campaignId"`
	SegmentID  string `json:"segmentId"`
}

// trackingEventPayload mirrors the ingest endpoint's request body.
type trackingEventPayload struct {
	Event   string         `json:"event"`
	UserID  string         `json:"userId,omitempty"`
	Payload map[string]any `json:"payload,omitempty"`
}

// runAutomationPayload fires one automation with a caller-supplied context.
type runAutomationPayload struct {
	AutomationID string             `json:"automationId"`
	Context      automation.Context `json:"context,omitempty"`
}

// delayedMessagePayload is a single-recipient send scheduled for later.
type delayedMessagePayload struct {
	Channel     string   `json:"channel"`
	Destination string   `json:"destination"`
	RecipientID string   `json:"recipientId,omitempty"`
	SegmentID   string   `json:"segmentId,omitempty"`
	TemplateID  string   `json:"templateId,omitempty"`
	Params      []string `json:"params,omitempty"`
	Subject     string   `json:"subject,omitempty"`
	Body        string   `json:"body,omitempty"`
	MediaURL    string   `json:"mediaUrl,omitempty"`
	MediaType   string   `json:"mediaType,omitempty"`
}

// QueueHandlers wires the queue job types to their processors. Handlers
// return errors for transient failures so the queue retries; permanently
// unusable jobs are logged and dropped by returning nil.
func QueueHandlers(deps Deps, engine *automation.Engine, batcher *dispatch.Batcher) map[string]queue.Handler {
	h := &handlers{deps: deps, engine: engine, batcher: batcher}
	return map[string]queue.Handler{
		queue.JobDispatchSegment: h.dispatchSegment,
		queue.JobTrackingEvent:   h.trackingEvent,
		queue.JobRunAutomation:   h.runAutomation,
		queue.JobDelayedMessage:  h.delayedMessage,
	}
}

type handlers struct {
	deps    Deps
	engine  *automation.Engine
	batcher *dispatch.Batcher
}

func (h *handlers) resolve(ctx context.Context, job queue.Job) (*tenant.Tenant, Store, error) {
	t, err := h.deps.Tenants.GetByID(ctx, job.TenantID)
	if err != nil {
		return nil, nil, fmt.Errorf("resolve tenant %s: %w", job.TenantID, err)
	}
	return t, h.deps.Stores(t), nil
}

func (h *handlers) dispatchSegment(ctx context.Context, job queue.Job) error {
	var p dispatchSegmentPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		log.Printf("[Queue] job=%s: bad dispatch_segment payload: %v", job.ID, err)
		return nil
	}

	t, st, err := h.resolve(ctx, job)
	if err != nil {
		return err
	}
	seg, err := st.GetSegment(ctx, p.SegmentID)
	if err != nil {
		return fmt.Errorf("load segment %s: %w", p.SegmentID, err)
	}

	users, err := st.ResolveAudience(ctx, *seg)
	if err != nil {
		return fmt.Errorf("resolve audience for segment %s: %w", p.SegmentID, err)
	}

	tmpl := dispatch.Template{Channel: seg.Channel, TemplateID: seg.TemplateID}
	if p.CampaignID != "" {
		camp, err := st.GetCampaign(ctx, p.CampaignID)
		if err != nil {
			return fmt.Errorf("load campaign %s: %w", p.CampaignID, err)
		}
		if camp.Channel != "" {
			tmpl.Channel = camp.Channel
		}
		if camp.TemplateID != "" {
			tmpl.TemplateID = camp.TemplateID
		}
	}

	audience := make([]dispatch.Recipient, 0, len(users))
	for _, u := range users {
		audience = append(audience, dispatch.Recipient{
			ID:          u.ID,
			Destination: u.DestinationFor(tmpl.Channel),
		})
	}

	report := h.batcher.Dispatch(ctx, dispatch.Job{
		TenantKey:  t.ID,
		SegmentID:  seg.ID,
		CampaignID: p.CampaignID,
		Template:   tmpl,
		Audience:   audience,
		Limiter:    h.deps.Limiters(t),
		Recorder:   st,
	})
	log.Printf("[Queue] job=%s dispatched campaign=%s segment=%s sent=%d dup=%d limited=%d failed=%d",
		job.ID, p.CampaignID, seg.ID, report.Sent, report.DuplicateSuppressed, report.RateLimited, report.Failed)
	return nil
}

func (h *handlers) trackingEvent(ctx context.Context, job queue.Job) error {
	var p trackingEventPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil || p.Event == "" {
		log.Printf("[Queue] job=%s: bad tracking_event payload: %v", job.ID, err)
		return nil
	}

	_, st, err := h.resolve(ctx, job)
	if err != nil {
		return err
	}

	if _, err := st.InsertEvent(ctx, store.Event{
		UserID:    p.UserID,
		EventName: p.Event,
		Payload:   p.Payload,
		CreatedAt: time.Now().UnixMilli(),
	}); err != nil {
		return fmt.Errorf("store event %s: %w", p.Event, err)
	}

	autos, err := st.ListAutomationsByTrigger(ctx, automation.TriggerEvent, p.Event)
	if err != nil {
		return fmt.Errorf("list automations for event %s: %w", p.Event, err)
	}

	runCtx := automation.Context{"event": p.Event}
	if p.UserID != "" {
		runCtx["userId"] = p.UserID
	}
	for k, v := range p.Payload {
		runCtx[k] = v
	}

	for _, auto := range autos {
		if !automation.MatchesTrigger(auto, automation.TriggerEvent, p.Event, runCtx) {
			continue
		}
		if _, err := h.engine.Run(ctx, st, auto, runCtx); err != nil {
			log.Printf("[Queue] job=%s: automation %s failed to start: %v", job.ID, auto.ID, err)
		}
	}
	return nil
}

func (h *handlers) runAutomation(ctx context.Context, job queue.Job) error {
	var p runAutomationPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil || p.AutomationID == "" {
		log.Printf("[Queue] job=%s: bad run_automation payload: %v", job.ID, err)
		return nil
	}

	_, st, err := h.resolve(ctx, job)
	if err != nil {
		return err
	}
	auto, err := st.GetAutomation(ctx, p.AutomationID)
	if err != nil {
		return fmt.Errorf("load automation %s: %w", p.AutomationID, err)
	}
	if !auto.Active {
		log.Printf("[Queue] job=%s: automation %s is inactive, skipping", job.ID, auto.ID)
		return nil
	}

	run, err := h.engine.Run(ctx, st, *auto, p.Context)
	if err != nil {
		return fmt.Errorf("start automation %s: %w", p.AutomationID, err)
	}
	// Wait out the run so the job slot is not released while actions are
	// still executing. Action failures are recorded in execution history
	// and do not requeue the job; a retry would repeat completed actions.
	if _, err := run.Await(ctx); err != nil {
		return err
	}
	return nil
}

func (h *handlers) delayedMessage(ctx context.Context, job queue.Job) error {
	var p delayedMessagePayload
	if err := json.Unmarshal(job.Payload, &p); err != nil || p.Destination == "" {
		log.Printf("[Queue] job=%s: bad delayed_message payload: %v", job.ID, err)
		return nil
	}

	t, st, err := h.resolve(ctx, job)
	if err != nil {
		return err
	}

	report := h.batcher.Dispatch(ctx, dispatch.Job{
		TenantKey: t.ID,
		SegmentID: p.SegmentID,
		Template: dispatch.Template{
			Channel:    p.Channel,
			TemplateID: p.TemplateID,
			Params:     p.Params,
			Subject:    p.Subject,
			Body:       p.Body,
			MediaURL:   p.MediaURL,
			MediaType:  p.MediaType,
		},
		Audience: []dispatch.Recipient{{ID: p.RecipientID, Destination: p.Destination}},
		Limiter:  h.deps.Limiters(t),
		Recorder: st,
	})
	if report.Failed > 0 {
		return fmt.Errorf("delayed message to %s failed: %s", p.Destination, report.Results[0].Error)
	}
	return nil
}
