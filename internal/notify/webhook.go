package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"
)

// Webhook posts messages as JSON to a single URL, compatible with
// Slack-style incoming webhooks
type Webhook struct {
	url    string
	client *http.Client
	logger *log.Logger
}

// NewWebhook creates a webhook notifier for url
func NewWebhook(url string, logger *log.Logger) *Webhook {
	return &Webhook{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
		logger: logger,
	}
}

// Notify implements Notifier. Webhooks have no threading; threadKey is
// ignored.
func (w *Webhook) Notify(ctx context.Context, threadKey, message string) {
	body, err := json.Marshal(map[string]string{"text": message})
	if err != nil {
		w.logger.Printf("Failed to encode webhook payload: %v", err)
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		w.logger.Printf("Failed to build webhook request: %v", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		w.logger.Printf("Failed to send webhook notification: %v", err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		w.logger.Printf("Webhook notification rejected: %s", fmt.Sprintf("status %d", resp.StatusCode))
	}
}
