package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/edgewatch/popwatch/internal/config"
	"github.com/edgewatch/popwatch/internal/models"
)

// webhookPayload is the JSON body posted for each lifecycle transition.
type webhookPayload struct {
	Event  string             `json:"event"`
	Alert  models.AlertRecord `json:"alert"`
	SentAt time.Time          `json:"sent_at"`
}

// Webhook posts alert lifecycle transitions to an external endpoint. Delivery
// is best effort: failures are logged and never surfaced to the caller.
type Webhook struct {
	logger *slog.Logger
	url    string
	client *http.Client
}

// NewWebhook constructs a notifier. With no URL configured every Notify call
// is a no-op.
func NewWebhook(logger *slog.Logger, cfg config.NotifyConfig) *Webhook {
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Webhook{
		logger: logger,
		url:    cfg.WebhookURL,
		client: &http.Client{Timeout: timeout},
	}
}

// Notify posts the alert record to the configured endpoint.
func (w *Webhook) Notify(ctx context.Context, rec models.AlertRecord) {
	if w.url == "" {
		return
	}

	event := "alert.created"
	if rec.Status == models.StatusResolved {
		event = "alert.resolved"
	}

	body, err := json.Marshal(webhookPayload{Event: event, Alert: rec, SentAt: time.Now().UTC()})
	if err != nil {
		w.logger.Error("encode webhook payload", slog.Any("error", err))
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		w.logger.Error("build webhook request", slog.Any("error", err))
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		w.logger.Warn("webhook delivery failed",
			slog.String("alert_id", rec.ID), slog.Any("error", err))
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		w.logger.Warn("webhook rejected",
			slog.String("alert_id", rec.ID), slog.Int("status", resp.StatusCode))
		return
	}
	w.logger.Debug("webhook delivered",
		slog.String("alert_id", rec.ID), slog.String("event", event))
}
