// Package gateway sends single templated messages through the configured
// providers: Gupshup for WhatsApp template messages and the internal email
// service for email.
package gateway

import (
	"context"
	"fmt"
)

// Channels
const (
	ChannelWhatsApp = "whatsapp"
	ChannelEmail    = "email"
)

// Message is one outbound templated message.
type Message struct {
	Channel     string
	Destination string // phone for whatsapp, address for email
	TemplateID  string
	Params      []string
	MediaURL    string
	MediaType   string // image, video, document
	Subject     string // email only
	Body        string // email only
	TrackingKey string
}

// Receipt is the provider's acknowledgment of an accepted message.
type Receipt struct {
	MessageID string
	Provider  string
}

// Error wraps a provider failure. Retryable errors (timeouts, 429, 5xx)
// may be re-attempted by the work queue; the rest are permanent for this
// message.
type Error struct {
	Provider   string
	StatusCode int
	Message    string
	Retryable  bool
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: status %d: %s", e.Provider, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Provider, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Sender sends one message and returns the provider receipt.
type Sender interface {
	Send(ctx context.Context, msg Message) (*Receipt, error)
}

// Router picks a Sender by channel.
type Router struct {
	whatsapp Sender
	email    Sender
}

// NewRouter wires channel senders. Either may be nil when the channel is
// not configured.
func NewRouter(whatsapp, email Sender) *Router {
	return &Router{whatsapp: whatsapp, email: email}
}

// Send dispatches to the channel's sender.
func (r *Router) Send(ctx context.Context, msg Message) (*Receipt, error) {
	var s Sender
	switch msg.Channel {
	case ChannelWhatsApp:
		s = r.whatsapp
	case ChannelEmail:
		s = r.email
	}
	if s == nil {
		return nil, &Error{Provider: "router", Message: fmt.Sprintf("no sender for channel %q", msg.Channel)}
	}
	return s.Send(ctx, msg)
}
