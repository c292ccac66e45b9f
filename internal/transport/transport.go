// Package transport delivers outbound messages to the chat adapter. The
// adapter owns the messenger specifics; this client only speaks the small
// HTTP contract: chat id, HTML text, optional inline keyboard.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/initio/assistant/internal/models"
)

// Client defaults.
const (
	DefaultTimeout     = 10 * time.Second
	retryBackoff       = 200 * time.Millisecond
	maxResponsePreview = 512
)

// Message is one outbound delivery.
type Message struct {
	ChatID  string             `json:"chat_id"`
	HTML    string             `json:"html_text"`
	Buttons []models.ButtonRow `json:"buttons,omitempty"`
}

// Sender delivers messages to users.
type Sender interface {
	Send(ctx context.Context, m Message) error
}

// Opts holds configuration for sender construction.
type Opts struct {
	URL      string
	APIToken string
	Timeout  time.Duration
}

// Option configures sender construction.
type Option func(*Opts)

// WithURL sets the adapter endpoint.
func WithURL(url string) Option {
	return func(o *Opts) { o.URL = url }
}

// WithAPIToken sets the bearer token for the adapter.
func WithAPIToken(token string) Option {
	return func(o *Opts) { o.APIToken = token }
}

// WithTimeout bounds each send.
func WithTimeout(d time.Duration) Option {
	return func(o *Opts) { o.Timeout = d }
}

// HTTPSender posts messages to the transport adapter.
type HTTPSender struct {
	url    string
	token  string
	client *http.Client
}

// NewHTTPSender creates a sender based on provided options.
func NewHTTPSender(opts ...Option) (*HTTPSender, error) {
	cfg := Opts{Timeout: DefaultTimeout}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.URL == "" {
		return nil, fmt.Errorf("transport URL not set")
	}
	return &HTTPSender{
		url:    cfg.URL,
		token:  cfg.APIToken,
		client: &http.Client{Timeout: cfg.Timeout},
	}, nil
}

// Send posts the message, retrying once after a short backoff on transport
// failure. A non-2xx reply is a send failure.
func (s *HTTPSender) Send(ctx context.Context, m Message) error {
	body, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}

	err = s.post(ctx, body)
	if err != nil && ctx.Err() == nil {
		slog.Warn("Transport send failed, retrying", "error", err, "chatID", m.ChatID)
		select {
		case <-time.After(retryBackoff):
		case <-ctx.Done():
			return fmt.Errorf("%w: %v", models.ErrTransportSend, ctx.Err())
		}
		err = s.post(ctx, body)
	}
	if err != nil {
		slog.Error("Transport send failed", "error", err, "chatID", m.ChatID)
		return fmt.Errorf("%w: %v", models.ErrTransportSend, err)
	}
	slog.Debug("Transport message sent", "chatID", m.ChatID)
	return nil
}

func (s *HTTPSender) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		preview, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponsePreview))
		return fmt.Errorf("adapter returned %d: %s", resp.StatusCode, preview)
	}
	return nil
}

// NoopSender discards messages; used in tests and when no adapter is
// configured.
type NoopSender struct{}

// Send discards the message.
func (NoopSender) Send(ctx context.Context, m Message) error {
	slog.Debug("NoopSender discarding message", "chatID", m.ChatID)
	return nil
}
