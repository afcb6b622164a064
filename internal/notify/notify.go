// Package notify delivers fire-and-forget transfer notifications. Delivery
// failures are logged and dropped; a transfer never fails because its
// notification did.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"
)

// Notifier delivers a best-effort notification.
type Notifier interface {
	Notify(ctx context.Context, subject, body string)
}

// Nop discards notifications.
type Nop struct{}

func (Nop) Notify(context.Context, string, string) {}

// Webhook posts notifications as JSON to a configured URL.
type Webhook struct {
	url    string
	client *http.Client
	log    *slog.Logger
}

// NewWebhook builds a webhook notifier. An empty URL yields a notifier that
// drops everything.
func NewWebhook(url string, log *slog.Logger) *Webhook {
	if log == nil {
		log = slog.Default()
	}
	return &Webhook{
		url:    url,
		client: &http.Client{Timeout: 5 * time.Second},
		log:    log,
	}
}

type payload struct {
	Subject string `json:"subject"`
	Body    string `json:"body"`
	SentAt  string `json:"sent_at"`
}

func (w *Webhook) Notify(ctx context.Context, subject, body string) {
	if w == nil || w.url == "" {
		return
	}

	data, err := json.Marshal(payload{
		Subject: subject,
		Body:    body,
		SentAt:  time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		w.log.Debug("notification encode failed", "error", err)
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(data))
	if err != nil {
		w.log.Debug("notification request failed", "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		w.log.Debug("notification delivery failed", "url", w.url, "error", err)
		return
	}
	resp.Body.Close()
	if resp.StatusCode >= 300 {
		w.log.Debug("notification rejected", "url", w.url, "status", resp.StatusCode)
	}
}
