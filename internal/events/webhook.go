package events

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/example/ridesaver/internal/observability"
)

// WebhookPublisher posts ride events as JSON to an HTTP endpoint, such as a
// push-notification relay that tells evicted passengers their ride is gone.
type WebhookPublisher struct {
	Endpoint string
	Key      string
	Client   *http.Client
}

func NewWebhookPublisher(endpoint, key string) *WebhookPublisher {
	return &WebhookPublisher{Endpoint: endpoint, Key: key, Client: &http.Client{Timeout: 3 * time.Second}}
}

func (w *WebhookPublisher) Publish(ctx context.Context, ev RideEvent) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.Endpoint, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Event-Kind", string(ev.Kind))
	if w.Key != "" {
		req.Header.Set("Authorization", "Bearer "+w.Key)
	}
	resp, err := w.Client.Do(req)
	if err == nil {
		resp.Body.Close()
		if resp.StatusCode >= 300 {
			err = fmt.Errorf("webhook status %d", resp.StatusCode)
		}
	}
	if err != nil {
		observability.EventsPublished.WithLabelValues("webhook", "error").Inc()
		return err
	}
	observability.EventsPublished.WithLabelValues("webhook", "ok").Inc()
	return nil
}
