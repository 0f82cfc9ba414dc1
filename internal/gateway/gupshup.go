package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sourabh1428/easybill-engine/internal/pkg/httpretry"
)

// GupshupConfig holds the Gupshup template-message API settings.
type GupshupConfig struct {
	BaseURL           string
	APIKey            string
	AppID             string
	SourcePhoneNumber string
	DefaultCountry    string
	Timeout           time.Duration
}

// GupshupClient sends WhatsApp template messages through Gupshup's
// template/msg endpoint (form-encoded POST, template id + params JSON).
type GupshupClient struct {
	cfg        GupshupConfig
	httpClient httpretry.Doer
}

// NewGupshupClient creates a WhatsApp sender. Transient provider
// failures are retried in the client before the caller sees them.
func NewGupshupClient(cfg GupshupConfig) *GupshupClient {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.gupshup.io/wa/api/v1"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Second
	}
	return &GupshupClient{
		cfg:        cfg,
		httpClient: httpretry.New(&http.Client{Timeout: cfg.Timeout}, 2, 250*time.Millisecond),
	}
}

type gupshupResponse struct {
	Status    string `json:"status"`
	MessageID string `json:"messageId"`
	Message   string `json:"message"`
}

// Send posts one template message. The destination is normalized to
// +country-code form before the call.
func (c *GupshupClient) Send(ctx context.Context, msg Message) (*Receipt, error) {
	dest := NormalizePhone(msg.Destination, c.cfg.DefaultCountry)
	if dest == "" {
		return nil, &Error{Provider: "gupshup", Message: "empty destination phone"}
	}

	template, err := json.Marshal(map[string]any{
		"id":     msg.TemplateID,
		"params": msg.Params,
	})
	if err != nil {
		return nil, &Error{Provider: "gupshup", Message: "marshal template", Err: err}
	}

	form := url.Values{}
	form.Set("channel", "whatsapp")
	form.Set("source", c.cfg.SourcePhoneNumber)
	form.Set("destination", dest)
	form.Set("src.name", c.cfg.AppID)
	form.Set("template", string(template))

	if msg.MediaURL != "" {
		mediaType := msg.MediaType
		if mediaType == "" {
			mediaType = "image"
		}
		media, err := json.Marshal(map[string]any{
			"type": mediaType,
			mediaType: map[string]string{
				"link": msg.MediaURL,
			},
		})
		if err != nil {
			return nil, &Error{Provider: "gupshup", Message: "marshal media", Err: err}
		}
		form.Set("message", string(media))
	}

	endpoint := strings.TrimRight(c.cfg.BaseURL, "/") + "/template/msg"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, &Error{Provider: "gupshup", Message: "build request", Err: err}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("apikey", c.cfg.APIKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &Error{Provider: "gupshup", Message: err.Error(), Retryable: true, Err: err}
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &Error{
			Provider:   "gupshup",
			StatusCode: resp.StatusCode,
			Message:    strings.TrimSpace(string(body)),
			Retryable:  resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500,
		}
	}

	var parsed gupshupResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, &Error{Provider: "gupshup", StatusCode: resp.StatusCode, Message: "unparseable response", Err: err}
	}
	if parsed.MessageID == "" {
		return nil, &Error{
			Provider:   "gupshup",
			StatusCode: resp.StatusCode,
			Message:    fmt.Sprintf("rejected: %s", parsed.Message),
		}
	}
	return &Receipt{MessageID: parsed.MessageID, Provider: "gupshup"}, nil
}
