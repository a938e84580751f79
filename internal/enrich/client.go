// Package enrich notifies the external enrichment service about newly
// created groups. Delivery is best-effort: failures are logged and counted,
// never retried.
package enrich

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// KeyHeader carries the shared webhook key.
const KeyHeader = "X-N8N-Key"

var (
	ErrWebhookStatus    = errors.New("enrichment webhook returned non-2xx status")
	ErrQueueFull        = errors.New("enrichment queue full")
	ErrDispatcherClosed = errors.New("enrichment dispatcher closed")
)

// Notification is the webhook body.
type Notification struct {
	GroupID  uuid.UUID `json:"group_id"`
	Enhanced bool      `json:"enhanced"`
}

// Sender delivers one notification.
type Sender interface {
	Send(ctx context.Context, n Notification) error
}

// Client posts notifications to the enrichment webhook.
type Client struct {
	url        string
	key        string
	httpClient *http.Client
}

// NewClient creates a webhook client with the given request timeout.
func NewClient(url, key string, timeout time.Duration) *Client {
	return &Client{
		url:        url,
		key:        key,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Send posts n to the webhook. Any 2xx status is success; the body is ignored.
func (c *Client) Send(ctx context.Context, n Notification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshaling notification: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.key != "" {
		req.Header.Set(KeyHeader, c.key)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("posting to enrichment webhook: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%w: %d", ErrWebhookStatus, resp.StatusCode)
	}
	return nil
}
