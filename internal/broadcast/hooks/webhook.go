// Webhook hook: POSTs event JSON to a configured URL.
package hooks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// WebhookHook sends HTTP POST requests to a webhook URL when events occur.
type WebhookHook struct {
	id      string
	url     string
	headers map[string]string
	client  *http.Client
}

// NewWebhookHook creates a webhook hook.
func NewWebhookHook(id, url string, timeout time.Duration) *WebhookHook {
	return &WebhookHook{
		id:      id,
		url:     url,
		headers: make(map[string]string),
		client: &http.Client{
			Timeout: timeout,
		},
	}
}

// SetHeaders replaces the custom HTTP headers sent with each request.
func (h *WebhookHook) SetHeaders(headers map[string]string) *WebhookHook {
	h.headers = headers
	return h
}

// AddHeader adds a single HTTP header.
func (h *WebhookHook) AddHeader(key, value string) *WebhookHook {
	if h.headers == nil {
		h.headers = make(map[string]string)
	}
	h.headers[key] = value
	return h
}

// Execute sends the event as JSON to the webhook URL. Any non-2xx response
// is an error.
func (h *WebhookHook) Execute(ctx context.Context, event Event) error {
	jsonData, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("webhook hook %s: marshal: %w", h.id, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(jsonData))
	if err != nil {
		return fmt.Errorf("webhook hook %s: build request: %w", h.id, err)
	}

	req.Header.Set("Content-Type", "application/json")
	for key, value := range h.headers {
		req.Header.Set(key, value)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook hook %s: request failed: %w", h.id, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook hook %s: server returned status %d", h.id, resp.StatusCode)
	}

	return nil
}

// Type returns the hook type.
func (h *WebhookHook) Type() string { return "webhook" }

// ID returns the hook id.
func (h *WebhookHook) ID() string { return h.id }
