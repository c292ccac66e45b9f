// Package analytics emits fire-and-forget usage events. Delivery failures
// are logged and never affect the user-facing path.
package analytics

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"
)

// DefaultTimeout bounds one event delivery.
const DefaultTimeout = 5 * time.Second

// Event is one tracked occurrence.
type Event struct {
	Name       string         `json:"event"`
	UserID     string         `json:"user_id"`
	Properties map[string]any `json:"properties,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
}

// Sink receives events.
type Sink interface {
	Track(ctx context.Context, e Event)
}

// HTTPSink posts events to a collector endpoint without blocking the caller
// on failures.
type HTTPSink struct {
	url    string
	token  string
	client *http.Client
}

// NewHTTPSink creates a sink for the given collector URL.
func NewHTTPSink(url, token string) *HTTPSink {
	return &HTTPSink{
		url:    url,
		token:  token,
		client: &http.Client{Timeout: DefaultTimeout},
	}
}

// Track delivers one event. Errors are logged and swallowed.
func (s *HTTPSink) Track(ctx context.Context, e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	body, err := json.Marshal(e)
	if err != nil {
		slog.Warn("Analytics event not serializable", "event", e.Name, "error", err)
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		slog.Warn("Analytics request build failed", "event", e.Name, "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		slog.Warn("Analytics delivery failed", "event", e.Name, "error", err)
		return
	}
	resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		slog.Warn("Analytics collector rejected event", "event", e.Name, "status", resp.StatusCode)
	}
}

// NopSink discards events.
type NopSink struct{}

// Track discards the event.
func (NopSink) Track(ctx context.Context, e Event) {}
