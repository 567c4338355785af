package store

import (
	"bytes"
	"encoding/json"
	"net/http"
	"time"

	"github.com/medibridge/dicom-bridge/pkg/logger"
	"github.com/medibridge/dicom-bridge/pkg/types"
)

// WebhookAlerter posts failed copy events to an external alerting channel.
// Delivery is best effort; failures are logged and never propagated.
type WebhookAlerter struct {
	url    string
	client *http.Client
	logger *logger.Logger
}

// NewWebhookAlerter creates an alerter posting to the given webhook URL
func NewWebhookAlerter(url string, timeout time.Duration, log *logger.Logger) *WebhookAlerter {
	return &WebhookAlerter{
		url:    url,
		client: &http.Client{Timeout: timeout},
		logger: log,
	}
}

// Notify delivers one failed copy event to the webhook
func (a *WebhookAlerter) Notify(event types.CopyEvent) {
	payload := map[string]interface{}{
		"kind":       "copy_event_error",
		"request_id": event.RequestID,
		"error":      event.Error,
		"started_at": event.StartedAt,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		a.logger.WithComponent("alerter").WithError(err).Warn("Failed to encode alert payload")
		return
	}

	resp, err := a.client.Post(a.url, "application/json", bytes.NewReader(body))
	if err != nil {
		a.logger.WithComponent("alerter").WithError(err).
			Warn("Failed to deliver copy event alert")
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		a.logger.WithComponent("alerter").WithFields(map[string]interface{}{
			"status":     resp.StatusCode,
			"request_id": event.RequestID,
		}).Warn("Alert webhook rejected copy event alert")
	}
}
