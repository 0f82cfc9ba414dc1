package automation

import (
	"context"
	"fmt"
	"time"

	"github.com/sourabh1428/easybill-engine/internal/gateway"
	"github.com/sourabh1428/easybill-engine/internal/queue"
)

// Action kinds
const (
	ActionSendEmail    = "send_email"
	ActionSendWhatsApp = "send_whatsapp"
	ActionCreateTask   = "create_task"
	ActionTagContact   = "tag_contact"
	ActionWait         = "wait"
)

// WaitPolicy decides what a wait action does with its computed duration.
type WaitPolicy int

const (
	// WaitPolicyReport records the computed wait without blocking the run.
	WaitPolicyReport WaitPolicy = iota
	// WaitPolicyBlock sleeps the run for the duration, honoring context
	// cancellation.
	WaitPolicyBlock
)

// Action is one executable workflow step. The interface is closed: the
// unexported run method keeps the variant set to the types in this
// package, so an unknown action type is a Compile error rather than a
// runtime surprise mid-run.
type Action interface {
	Kind() string
	run(ctx context.Context, deps *Deps, runCtx Context) ActionResult
}

// Enqueuer defers sends into the work queue. Satisfied by *queue.Queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, tenantID, jobType string, payload any, opts queue.Options) (string, error)
}

/// Deps carries what actions need to execute: the outbound gateway, the
// store for side records, the queue for deferred sends, and per-run
// identity.
type Deps struct {
	Sender         gateway.Sender
	Store          Store
	Queue          Enqueuer
	TenantID       string
	AutomationID   string
	DefaultCountry string
	WaitPolicy     WaitPolicy
}

// enqueueDelayed schedules a send action's message for later delivery.
func enqueueDelayed(ctx context.Context, deps *Deps, kind string, waitSeconds int, msg gateway.Message) ActionResult {
	jobID, err := deps.Queue.Enqueue(ctx, deps.TenantID, queue.JobDelayedMessage, map[string]any{
		"channel":     msg.Channel,
		"destination": msg.Destination,
		"templateId":  msg.TemplateID,
		"params":      msg.Params,
		"subject":     msg.Subject,
		"body":        msg.Body,
		"mediaUrl":    msg.MediaURL,
		"mediaType":   msg.MediaType,
	}, queue.Options{Delay: time.Duration(waitSeconds) * time.Second})
	if err != nil {
		return ActionResult{Action: kind, Error: err.Error()}
	}
	return ActionResult{Action: kind, Success: true, Output: map[string]any{
		"jobId":        jobID,
		"delaySeconds": waitSeconds,
	}}
}

// Compile turns a persisted action spec into its concrete variant.
func Compile(spec ActionSpec) (Action, error) {
	switch spec.Type {
	case ActionSendEmail:
		return &SendEmailAction{
			To:          spec.To,
			Subject:     spec.Subject,
			Body:        spec.Body,
			TemplateID:  spec.TemplateID,
			Params:      spec.Params,
			WaitSeconds: spec.WaitSeconds,
		}, nil
	case ActionSendWhatsApp:
		return &SendWhatsAppAction{
			Phone:       spec.Phone,
			TemplateID:  spec.TemplateID,
			Params:      spec.Params,
			ParamCount:  spec.ParamCount,
			MediaURL:    spec.MediaURL,
			MediaType:   spec.MediaType,
			WaitSeconds: spec.WaitSeconds,
		}, nil
	case ActionCreateTask:
		return &CreateTaskAction{
			Title:       spec.Title,
			Description: spec.Description,
			Assignee:    spec.Assignee,
		}, nil
	case ActionTagContact:
		return &TagContactAction{
			ContactID: spec.ContactID,
			Tag:       spec.Tag,
		}, nil
	case ActionWait:
		return &WaitAction{
			Duration: spec.Duration,
			Unit:     spec.Unit,
		}, nil
	}
	return nil, fmt.Errorf("unknown action type %q", spec.Type)
}

// CompileAll compiles an automation's action list, failing on the first
// unknown type.
func CompileAll(specs []ActionSpec) ([]Action, error) {
	actions := make([]Action, 0, len(specs))
	for i, spec := range specs {
		a, err := Compile(spec)
		if err != nil {
			return nil, fmt.Errorf("action %d: %w", i, err)
		}
		actions = append(actions, a)
	}
	return actions, nil
}

// SendEmailAction sends one email through the gateway. To, Subject and
// Body support template substitution from the run context. A non-zero
// WaitSeconds turns the send into a delayed queue job instead.
type SendEmailAction struct {
	To          string
	Subject     string
	Body        string
	TemplateID  string
	Params      []string
	WaitSeconds int
}

func (a *SendEmailAction) Kind() string { return ActionSendEmail }

func (a *SendEmailAction) run(ctx context.Context, deps *Deps, runCtx Context) ActionResult {
	to := Render(a.To, runCtx)
	if to == "" {
		return ActionResult{Action: a.Kind(), Error: "no recipient email"}
	}

	msg := gateway.Message{
		Channel:     gateway.ChannelEmail,
		Destination: to,
		Subject:     Render(a.Subject, runCtx),
		Body:        Render(a.Body, runCtx),
		TemplateID:  a.TemplateID,
		Params:      renderAll(a.Params, runCtx),
	}
	if a.WaitSeconds > 0 && deps.Queue != nil {
		return enqueueDelayed(ctx, deps, a.Kind(), a.WaitSeconds, msg)
	}

	receipt, err := deps.Sender.Send(ctx, msg)
	if err != nil {
		return ActionResult{Action: a.Kind(), Error: err.Error()}
	}
	return ActionResult{Action: a.Kind(), Success: true, Output: map[string]any{"messageId": receipt.MessageID}}
}

// SendWhatsAppAction sends one WhatsApp template message. The destination
// phone is normalized to +country-code form and params are padded to the
// template's arity. A non-zero WaitSeconds turns the send into a delayed
// queue job instead.
type SendWhatsAppAction struct {
	Phone       string
	TemplateID  string
	Params      []string
	ParamCount  int
	MediaURL    string
	MediaType   string
	WaitSeconds int
}

func (a *SendWhatsAppAction) Kind() string { return ActionSendWhatsApp }

func (a *SendWhatsAppAction) run(ctx context.Context, deps *Deps, runCtx Context) ActionResult {
	phone := gateway.NormalizePhone(Render(a.Phone, runCtx), deps.DefaultCountry)
	if phone == "" {
		return ActionResult{Action: a.Kind(), Error: "no phone"}
	}

	msg := gateway.Message{
		Channel:     gateway.ChannelWhatsApp,
		Destination: phone,
		TemplateID:  a.TemplateID,
		Params:      gateway.PadParams(renderAll(a.Params, runCtx), a.ParamCount),
		MediaURL:    a.MediaURL,
		MediaType:   a.MediaType,
	}
	if a.WaitSeconds > 0 && deps.Queue != nil {
		return enqueueDelayed(ctx, deps, a.Kind(), a.WaitSeconds, msg)
	}

	receipt, err := deps.Sender.Send(ctx, msg)
	if err != nil {
		return ActionResult{Action: a.Kind(), Error: err.Error()}
	}
	return ActionResult{Action: a.Kind(), Success: true, Output: map[string]any{"messageId": receipt.MessageID}}
}

// CreateTaskAction persists a task side record.
type CreateTaskAction struct {
	Title       string
	Description string
	Assignee    string
}

func (a *CreateTaskAction) Kind() string { return ActionCreateTask }

func (a *CreateTaskAction) run(ctx context.Context, deps *Deps, runCtx Context) ActionResult {
	task := Task{
		TenantID:     deps.TenantID,
		AutomationID: deps.AutomationID,
		Title:        Render(a.Title, runCtx),
		Description:  Render(a.Description, runCtx),
		Assignee:     a.Assignee,
		Status:       "open",
		CreatedAt:    time.Now().UTC(),
	}
	id, err := deps.Store.InsertTask(ctx, task)
	if err != nil {
		return ActionResult{Action: a.Kind(), Error: err.Error()}
	}
	return ActionResult{Action: a.Kind(), Success: true, Output: map[string]any{"taskId": id}}
}

// TagContactAction adds a tag to a contact record.
type TagContactAction struct {
	ContactID string
	Tag       string
}

func (a *TagContactAction) Kind() string { return ActionTagContact }

func (a *TagContactAction) run(ctx context.Context, deps *Deps, runCtx Context) ActionResult {
	contactID := Render(a.ContactID, runCtx)
	if contactID == "" {
		return ActionResult{Action: a.Kind(), Error: "no contact id"}
	}
	if err := deps.Store.AddContactTag(ctx, contactID, a.Tag); err != nil {
		return ActionResult{Action: a.Kind(), Error: err.Error()}
	}
	return ActionResult{Action: a.Kind(), Success: true, Output: map[string]any{"contactId": contactID, "tag": a.Tag}}
}

// WaitAction computes a wait duration from {duration, unit}. Under
// WaitPolicyReport it only records the computed milliseconds; under
// WaitPolicyBlock it sleeps, failing the action if the context is
// cancelled first.
type WaitAction struct {
	Duration float64
	Unit     string
}

func (a *WaitAction) Kind() string { return ActionWait }

// WaitDuration converts {duration, unit} to a duration. Unknown units
// fall back to minutes.
func (a *WaitAction) WaitDuration() time.Duration {
	var unit time.Duration
	switch a.Unit {
	case "hours":
		unit = time.Hour
	case "days":
		unit = 24 * time.Hour
	default:
		unit = time.Minute
	}
	return time.Duration(a.Duration * float64(unit))
}

func (a *WaitAction) run(ctx context.Context, deps *Deps, runCtx Context) ActionResult {
	wait := a.WaitDuration()
	out := map[string]any{"waitMs": wait.Milliseconds()}

	if deps.WaitPolicy == WaitPolicyBlock {
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return ActionResult{Action: a.Kind(), Output: out, Error: ctx.Err().Error()}
		}
	}
	return ActionResult{Action: a.Kind(), Success: true, Output: out}
}
