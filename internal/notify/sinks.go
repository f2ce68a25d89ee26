package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

func newDeliveryID() string {
	return uuid.New().String()
}

// LogSink writes notifications to the structured log.
type LogSink struct {
	Logger *zap.Logger
}

// Deliver implements Sink.
func (s LogSink) Deliver(ctx context.Context, n Notification) error {
	if s.Logger == nil {
		return nil
	}
	s.Logger.Info("notification",
		zap.String("id", n.ID),
		zap.String("title", n.Title),
		zap.String("body", n.Body))
	return nil
}

// WebhookSink posts notifications as JSON to a URL.
type WebhookSink struct {
	url    string
	client *http.Client
}

// NewWebhookSink returns a WebhookSink with the given per-request timeout.
func NewWebhookSink(url string, timeout time.Duration) *WebhookSink {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &WebhookSink{url: url, client: &http.Client{Timeout: timeout}}
}

// Deliver implements Sink.
func (s *WebhookSink) Deliver(ctx context.Context, n Notification) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Correlation-ID", n.ID)

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook: HTTP %d", resp.StatusCode)
	}
	return nil
}

// MultiSink fans a notification out to every sink and returns the first error.
type MultiSink []Sink

// Deliver implements Sink.
func (m MultiSink) Deliver(ctx context.Context, n Notification) error {
	var first error
	for _, s := range m {
		if err := s.Deliver(ctx, n); err != nil && first == nil {
			first = err
		}
	}
	return first
}
