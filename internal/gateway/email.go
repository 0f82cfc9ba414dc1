package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sourabh1428/easybill-engine/internal/pkg/httpretry"
)

// EmailServiceClient posts messages to the internal email service, which
// owns template rendering for stored templates and open/click tracking.
type EmailServiceClient struct {
	baseURL    string
	httpClient httpretry.Doer
}

// NewEmailServiceClient creates an email sender for the service at baseURL.
func NewEmailServiceClient(baseURL string, timeout time.Duration) *EmailServiceClient {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &EmailServiceClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpretry.New(&http.Client{Timeout: timeout}, 2, 250*time.Millisecond),
	}
}

type emailRequest struct {
	To          string   `json:"to"`
	Subject     string   `json:"subject,omitempty"`
	Body        string   `json:"body,omitempty"`
	TemplateID  string   `json:"templateId,omitempty"`
	Params      []string `json:"params,omitempty"`
	TrackingKey string   `json:"trackingKey,omitempty"`
}

type emailResponse struct {
	MessageID string `json:"messageId"`
	Error     string `json:"error"`
}

// Send posts one email to the service.
func (c *EmailServiceClient) Send(ctx context.Context, msg Message) (*Receipt, error) {
	payload, err := json.Marshal(emailRequest{
		To:          msg.Destination,
		Subject:     msg.Subject,
		Body:        msg.Body,
		TemplateID:  msg.TemplateID,
		Params:      msg.Params,
		TrackingKey: msg.TrackingKey,
	})
	if err != nil {
		return nil, &Error{Provider: "email-service", Message: "marshal request", Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/send", bytes.NewReader(payload))
	if err != nil {
		return nil, &Error{Provider: "email-service", Message: "build request", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &Error{Provider: "email-service", Message: err.Error(), Retryable: true, Err: err}
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &Error{
			Provider:   "email-service",
			StatusCode: resp.StatusCode,
			Message:    strings.TrimSpace(string(body)),
			Retryable:  resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500,
		}
	}

	var parsed emailResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, &Error{Provider: "email-service", StatusCode: resp.StatusCode, Message: "unparseable response", Err: err}
	}
	if parsed.Error != "" {
		return nil, &Error{Provider: "email-service", StatusCode: resp.StatusCode, Message: parsed.Error}
	}
	return &Receipt{MessageID: parsed.MessageID, Provider: "email-service"}, nil
}
