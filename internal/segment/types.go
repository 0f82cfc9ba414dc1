// Package segment defines audience segments and compiles their stored
// definitions into Mongo queries.
//
// A segment filters either on a user attribute (matched against the Users
// collection) or on an event name (matched against userEvent, with the
// resolver joining matching owners back to Users). The value list is either
// a flat list of scalars or a list of {type, value} pairs forming a
// disjunction of typed conditions.
package segment

import (
	"fmt"
	"time"
)

// Segment statuses
const (
	StatusActive    = "active"
	StatusPaused    = "paused"
	StatusCompleted = "completed"
)

// Channels a segment can dispatch on
const (
	ChannelWhatsApp = "whatsapp"
	ChannelEmail    = "email"
)

// Segment is a stored audience definition. Exactly one of Attribute/Event
// is meaningful; ProcessedUsers only grows across repeated processing.
type Segment struct {
	ID             string    `bson:"_id,omitempty" json:"id"`
	TenantID       string    `bson:"tenantId" json:"tenantId"`
	Attribute      string    `bson:"attribute,omitempty" json:"attribute,omitempty"`
	Event          string    `bson:"event,omitempty" json:"event,omitempty"`
	Value          []any     `bson:"value" json:"value"`
	Channel        string    `bson:"channel" json:"channel"`
	TemplateID     string    `bson:"templateId" json:"templateId"`
	ProcessedUsers []string  `bson:"processedUsers,omitempty" json:"processedUsers,omitempty"`
	LastProcessed  time.Time `bson:"lastProcessed,omitempty" json:"lastProcessed,omitempty"`
	Status         string    `bson:"status" json:"status"`
}

// IsEventBased reports whether the segment filters on events rather than
// user attributes.
func (s Segment) IsEventBased() bool {
	return s.Event != ""
}

// CompileError means the segment definition itself is unusable. Callers
// must distinguish this from a valid query that matches zero users.
type CompileError struct {
	SegmentID string
	Reason    string
}

func (e *CompileError) Error() string {
	if e.SegmentID == "" {
		return fmt.Sprintf("segment compile: %s", e.Reason)
	}
	return fmt.Sprintf("segment %s compile: %s", e.SegmentID, e.Reason)
}
