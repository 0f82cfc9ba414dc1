// Package automation implements the trigger/condition/action workflow
// engine and its execution history.
package automation

import (
	"time"
)

// Trigger types
const (
	TriggerEvent    = "event"
	TriggerSchedule = "schedule"
	TriggerManual   = "manual"
)

// Execution statuses
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Condition operators
const (
	OpEquals      = "equals"
	OpNotEquals   = "not_equals"
	OpContains    = "contains"
	OpNotContains = "not_contains"
	OpGreaterThan = "greater_than"
	OpLessThan    = "less_than"
	OpExists      = "exists"
	OpNotExists   = "not_exists"
	OpIn          = "in"
)

// Trigger describes when an automation fires. Schedule triggers carry a
// cron expression; event triggers carry the event name plus optional
// field conditions matched against the event payload.
type Trigger struct {
	Type       string      `bson:"type" json:"type"`
	Event      string      `bson:"event,omitempty" json:"event,omitempty"`
	Schedule   string      `bson:"schedule,omitempty" json:"schedule,omitempty"`
	Conditions []Condition `bson:"conditions,omitempty" json:"conditions,omitempty"`
}

// Condition is one field test against the run context.
type Condition struct {
	Field    string `bson:"field" json:"field"`
	Operator string `bson:"operator" json:"operator"`
	Value    any    `bson:"value,omitempty" json:"value,omitempty"`
}

// Automation is a stored workflow definition.
type Automation struct {
	ID         string       `bson:"_id,omitempty" json:"id"`
	TenantID   string       `bson:"tenantId" json:"tenantId"`
	Name       string       `bson:"name,omitempty" json:"name,omitempty"`
	Trigger    Trigger      `bson:"trigger" json:"trigger"`
	Conditions []Condition  `bson:"conditions,omitempty" json:"conditions,omitempty"`
	Actions    []ActionSpec `bson:"actions" json:"actions"`
	Active     bool         `bson:"active" json:"active"`
	RunCount   int64        `bson:"runCount" json:"runCount"`
	LastRunAt  time.Time    `bson:"lastRunAt,omitempty" json:"lastRunAt,omitempty"`
}

// ActionSpec is the persisted shape of one action: a type tag plus the
// union of the variants' fields. Compile turns it into the concrete
// Action variant.
type ActionSpec struct {
	Type string `bson:"type" json:"type"`

	// send_email / send_whatsapp. WaitSeconds defers the send into the
	// work queue as a delayed job instead of sending inline.
	To          string   `bson:"to,omitempty" json:"to,omitempty"`
	Subject     string   `bson:"subject,omitempty" json:"subject,omitempty"`
	Body        string   `bson:"body,omitempty" json:"body,omitempty"`
	TemplateID  string   `bson:"templateId,omitempty" json:"templateId,omitempty"`
	Params      []string `bson:"params,omitempty" json:"params,omitempty"`
	ParamCount  int      `bson:"paramCount,omitempty" json:"paramCount,omitempty"`
	Phone       string   `bson:"phone,omitempty" json:"phone,omitempty"`
	MediaURL    string   `bson:"mediaUrl,omitempty" json:"mediaUrl,omitempty"`
	MediaType   string   `bson:"mediaType,omitempty" json:"mediaType,omitempty"`
	WaitSeconds int      `bson:"waitSeconds,omitempty" json:"waitSeconds,omitempty"`

	// wait
	Duration float64 `bson:"duration,omitempty" json:"duration,omitempty"`
	Unit     string  `bson:"unit,omitempty" json:"unit,omitempty"`

	// create_task
	Title       string `bson:"title,omitempty" json:"title,omitempty"`
	Description string `bson:"description,omitempty" json:"description,omitempty"`
	Assignee    string `bson:"assignee,omitempty" json:"assignee,omitempty"`

	// tag_contact
	ContactID string `bson:"contactId,omitempty" json:"contactId,omitempty"`
	Tag       string `bson:"tag,omitempty" json:"tag,omitempty"`
}

// ActionResult is one entry in an execution's results, appended in
// execution order whether the action succeeded or failed.
type ActionResult struct {
	Action  string         `bson:"action" json:"action"`
	Success bool           `bson:"success" json:"success"`
	Output  map[string]any `bson:"output,omitempty" json:"output,omitempty"`
	Error   string         `bson:"error,omitempty" json:"error,omitempty"`
}

// ExecutionHistory is the append-only record of one run. It is immutable
// once terminal; the only transition is running to completed or failed.
type ExecutionHistory struct {
	ID           string         `bson:"_id,omitempty" json:"id"`
	AutomationID string         `bson:"automationId" json:"automationId"`
	TenantID     string         `bson:"tenantId" json:"tenantId"`
	Status       string         `bson:"status" json:"status"`
	Results      []ActionResult `bson:"results" json:"results"`
	Error        string         `bson:"error,omitempty" json:"error,omitempty"`
	Timestamp    time.Time      `bson:"timestamp" json:"timestamp"`
	CompletedAt  time.Time      `bson:"completedAt,omitempty" json:"completedAt,omitempty"`
}

// Task is the side record a create_task action persists.
type Task struct {
	ID           string    `bson:"_id,omitempty" json:"id"`
	TenantID     string    `bson:"tenantId" json:"tenantId"`
	AutomationID string    `bson:"automationId,omitempty" json:"automationId,omitempty"`
	Title        string    `bson:"title" json:"title"`
	Description  string    `bson:"description,omitempty" json:"description,omitempty"`
	Assignee     string    `bson:"assignee,omitempty" json:"assignee,omitempty"`
	Status       string    `bson:"status" json:"status"`
	CreatedAt    time.Time `bson:"createdAt" json:"createdAt"`
}

// Context is the run context: trigger payload fields plus any contact
// attributes, used for condition evaluation and template substitution.
type Context map[string]any
