// Package store is the tenant-scoped Mongo persistence layer. Each tenant
// owns one database; the admin directory maps API keys to database names.
package store

import (
	"github.com/sourabh1428/easybill-engine/internal/gateway"
)

// Collection names inside a tenant database.
const (
	CollUsers      = "Users"
	CollUserEvents = "userEvent"
	CollSegments   = "segments"
	CollCampaigns  = "campaigns"
	CollAutomation = "automations"
	CollExecutions = "executionHistory"
	CollTasks      = "tasks"
	CollContacts   = "contacts"
)

// User is one stored recipient record. Arbitrary attributes beyond the
// named fields stay queryable through the inline map.
type User struct {
	ID         string         `bson:"_id,omitempty" json:"id"`
	Name       string         `bson:"name,omitempty" json:"name,omitempty"`
	Email      string         `bson:"email,omitempty" json:"email,omitempty"`
	Phone      string         `bson:"mobile_number,omitempty" json:"mobileNumber,omitempty"`
	Attributes map[string]any `bson:",inline" json:"attributes,omitempty"`
}

// DestinationFor returns the delivery address for a channel, empty when
// the user has none.
func (u User) DestinationFor(channel string) string {
	switch channel {
	case gateway.ChannelWhatsApp:
		return u.Phone
	case gateway.ChannelEmail:
		return u.Email
	}
	return ""
}

// Analytics is a campaign's running delivery counters.
type Analytics struct {
	Impression int64 `bson:"impression" json:"impression"`
	Delivered  int64 `bson:"delivered" json:"delivered"`
	Failed     int64 `bson:"failed" json:"failed"`
}

// Campaign is a stored send of a template to one segment's audience.
type Campaign struct {
	ID         string    `bson:"_id,omitempty" json:"id"`
	TenantID   string    `bson:"tenantId" json:"tenantId"`
	Name       string    `bson:"name,omitempty" json:"name,omitempty"`
	SegmentID  string    `bson:"segmentId" json:"segmentId"`
	Channel    string    `bson:"channel" json:"channel"`
	TemplateID string    `bson:"templateId" json:"templateId"`
	Analytics  Analytics `bson:"analytics" json:"analytics"`
	Status     string    `bson:"status" json:"status"`
}

// Event is one ingested application event, stored for event-based
// segments and replayed into automation triggers.
type Event struct {
	ID        string         `bson:"_id,omitempty" json:"id"`
	UserID    string         `bson:"user_id,omitempty" json:"userId,omitempty"`
	EventName string         `bson:"event_name" json:"eventName"`
	Payload   map[string]any `bson:"payload,omitempty" json:"payload,omitempty"`
	CreatedAt int64          `bson:"createdAt" json:"createdAt"`
}
