package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"argus/config"
	"argus/core"
	"go.uber.org/zap"
)

// WebhookChannel POSTs alert notifications as JSON to a configured endpoint.
type WebhookChannel struct {
	url    string
	client *http.Client
	logger *zap.SugaredLogger
}

// NewWebhookChannel creates the webhook channel from config.
func NewWebhookChannel(cfg config.NotificationSettings, logger *zap.SugaredLogger) (*WebhookChannel, error) {
	u, err := url.Parse(cfg.Webhook.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, fmt.Errorf("invalid webhook url %q", cfg.Webhook.URL)
	}
	return &WebhookChannel{
		url:    cfg.Webhook.URL,
		client: &http.Client{Timeout: cfg.Webhook.Timeout},
		logger: logger,
	}, nil
}

func (c *WebhookChannel) Name() string { return "webhook" }

// Send posts the notification payload. Any non-2xx response is a failure so
// the circuit breaker sees flapping endpoints.
func (c *WebhookChannel) Send(ctx context.Context, req core.NotificationRequest) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build webhook request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	c.logger.Infow("Alert webhook delivered", "alert", req.AlertID, "status", resp.StatusCode)
	return nil
}
