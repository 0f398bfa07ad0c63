// Package notify delivers lifecycle events to an external webhook.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Kind classifies a lifecycle event
type Kind string

const (
	KindStarted    Kind = "started"
	KindRestarted  Kind = "restarted"
	KindSyncFailed Kind = "sync-failed"
)

// Event is one lifecycle notification
type Event struct {
	Kind    Kind
	Message string
}

// Notifier delivers events to an external collaborator. Delivery failures
// are reported to the caller but are never fatal to the supervisor.
type Notifier interface {
	Notify(ctx context.Context, event Event) error
}

// Nop discards all events
type Nop struct{}

// Notify implements Notifier
func (Nop) Notify(context.Context, Event) error {
	return nil
}

// payload is the Discord-compatible webhook body. Mentions are always
// disarmed since event messages can carry arbitrary upstream text.
type payload struct {
	Content         string          `json:"content"`
	AllowedMentions allowedMentions `json:"allowed_mentions"`
}

type allowedMentions struct {
	Parse []string `json:"parse"`
}

// Webhook posts events as JSON to a single URL
type Webhook struct {
	url    string
	client *http.Client
}

// NewWebhook creates a webhook notifier
func NewWebhook(url string) *Webhook {
	return &Webhook{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Notify implements Notifier
func (w *Webhook) Notify(ctx context.Context, event Event) error {
	body, err := json.Marshal(payload{
		Content:         event.Message,
		AllowedMentions: allowedMentions{Parse: []string{}},
	})
	if err != nil {
		return fmt.Errorf("failed to encode notification: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build notification request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to post notification: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("notification rejected with status %s", resp.Status)
	}
	return nil
}
