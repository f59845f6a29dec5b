package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// Severity levels carried on outgoing alerts.
const (
	LevelInfo     = "info"
	LevelWarning  = "warning"
	LevelCritical = "critical"
)

// Event is one operational alert.
type Event struct {
	Title    string         `json:"title"`
	Message  string         `json:"message"`
	Level    string         `json:"level"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Sink delivers alerts. Delivery is best effort; callers never fail on
// a sink error.
type Sink interface {
	Send(ctx context.Context, ev Event) error
}

// Webhook posts alerts as JSON to a configured endpoint.
type Webhook struct {
	url    string
	client *http.Client
	log    zerolog.Logger
}

func NewWebhook(url string, log zerolog.Logger) *Webhook {
	return &Webhook{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
		log:    log,
	}
}

func (w *Webhook) Send(ctx context.Context, ev Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build alert request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("post alert: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("alert webhook returned %d", resp.StatusCode)
	}
	return nil
}

// Nop discards alerts. Used when no webhook is configured.
type Nop struct{}

func (Nop) Send(context.Context, Event) error { return nil }
