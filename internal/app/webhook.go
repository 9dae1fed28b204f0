// Package app wires configuration, adapters and pipelines into runnable
// processes, and hosts cross-cutting services (webhook notifier, health
// snapshot, readiness checks).
package app

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/iconicxs/relicxs-workers/internal/domain"
)

// WebhookNotifier posts lifecycle events to the configured endpoint.
// Delivery is best-effort: failures log and drop, they never propagate.
type WebhookNotifier struct {
	URL string
	hc  *http.Client
}

// NewWebhookNotifier returns a notifier, or nil when no URL is set so
// callers can pass it straight into optional ports.
func NewWebhookNotifier(url string) *WebhookNotifier {
	if url == "" {
		return nil
	}
	return &WebhookNotifier{URL: url, hc: &http.Client{Timeout: 10 * time.Second}}
}

// Notify posts one event document.
func (n *WebhookNotifier) Notify(ctx domain.Context, event string, payload map[string]any) {
	if n == nil {
		return
	}
	doc := map[string]any{
		"event": event,
		"at":    time.Now().UTC().Format(time.RFC3339Nano),
		"data":  payload,
	}
	body, err := json.Marshal(doc)
	if err != nil {
		slog.Debug("webhook encode failed", slog.Any("error", err))
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.URL, bytes.NewReader(body))
	if err != nil {
		slog.Debug("webhook request build failed", slog.Any("error", err))
		return
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := n.hc.Do(req)
	if err != nil {
		slog.Warn("webhook delivery failed", slog.String("event", event), slog.Any("error", err))
		return
	}
	_ = resp.Body.Close()
	if resp.StatusCode >= 300 {
		slog.Warn("webhook rejected", slog.String("event", event), slog.Int("status", resp.StatusCode))
	}
}
