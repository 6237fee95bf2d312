package notify

import (
	"context"
	"fmt"
	"time"

	"argus/config"
	"argus/core"
	"argus/metrics"
	"argus/storage"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Channel is one outbound delivery transport.
type Channel interface {
	Name() string
	Send(ctx context.Context, req core.NotificationRequest) error
}

// Notifier fans a triggered alert out to all configured channels, guarded by
// a shared rate limiter and a per-channel circuit breaker. Delivery outcomes
// are written back to the alert store with a compare-and-swap, so a recovery
// sweep and a live delivery never both claim the same alert.
type Notifier struct {
	alerts   storage.AlertStore
	channels []Channel
	breakers map[string]*core.CircuitBreaker
	limiter  *rate.Limiter
	logger   *zap.SugaredLogger
}

// NewNotifier wires the enabled channels from config.
func NewNotifier(cfg config.NotificationSettings, alerts storage.AlertStore, logger *zap.SugaredLogger) (*Notifier, error) {
	var channels []Channel
	if cfg.Email.Enabled {
		channels = append(channels, NewEmailChannel(cfg, logger))
	}
	if cfg.Webhook.Enabled {
		ch, err := NewWebhookChannel(cfg, logger)
		if err != nil {
			return nil, err
		}
		channels = append(channels, ch)
	}
	return NewNotifierWithChannels(cfg, alerts, logger, channels...)
}

// NewNotifierWithChannels wires explicit channels, used by tests.
func NewNotifierWithChannels(cfg config.NotificationSettings, alerts storage.AlertStore,
	logger *zap.SugaredLogger, channels ...Channel) (*Notifier, error) {
	breakerCfg := core.CircuitBreakerConfig{
		MaxFailures:         uint32(cfg.CircuitBreaker.MaxFailures),
		Timeout:             time.Duration(cfg.CircuitBreaker.TimeoutSeconds) * time.Second,
		MaxHalfOpenRequests: uint32(cfg.CircuitBreaker.MaxHalfOpenRequests),
	}
	breakers := make(map[string]*core.CircuitBreaker, len(channels))
	for _, ch := range channels {
		cb, err := core.NewCircuitBreaker(breakerCfg)
		if err != nil {
			return nil, fmt.Errorf("failed to create circuit breaker for %s: %w", ch.Name(), err)
		}
		breakers[ch.Name()] = cb
	}

	limit := rate.Limit(cfg.RateLimit)
	if cfg.RateLimit <= 0 {
		limit = rate.Inf
	}
	burst := cfg.RateBurst
	if burst <= 0 {
		burst = 1
	}

	return &Notifier{
		alerts:   alerts,
		channels: channels,
		breakers: breakers,
		limiter:  rate.NewLimiter(limit, burst),
		logger:   logger,
	}, nil
}

// Dispatch delivers one alert and records the outcome. With no channels
// configured the alert is marked sent immediately; with every channel's
// breaker open it stays pending for the recovery sweep.
func (n *Notifier) Dispatch(ctx context.Context, alert *core.Alert, rule *core.AlertRule) {
	req := core.NewNotificationRequest(alert, rule)

	if len(n.channels) == 0 {
		n.markStatus(ctx, alert, core.NotificationSent)
		return
	}

	if err := n.limiter.Wait(ctx); err != nil {
		n.logger.Warnw("Notification rate limit wait aborted", "alert", alert.ID, "error", err)
		return
	}

	sent, failed, skipped := 0, 0, 0
	for _, ch := range n.channels {
		breaker := n.breakers[ch.Name()]
		if err := breaker.Allow(); err != nil {
			metrics.NotificationsSent.WithLabelValues(ch.Name(), "skipped").Inc()
			n.logger.Warnw("Notification channel skipped, circuit open",
				"channel", ch.Name(), "alert", alert.ID)
			skipped++
			continue
		}

		if err := ch.Send(ctx, req); err != nil {
			breaker.RecordFailure()
			metrics.NotificationsSent.WithLabelValues(ch.Name(), "failed").Inc()
			n.logger.Errorw("Notification delivery failed",
				"channel", ch.Name(), "alert", alert.ID, "error", err)
			failed++
			continue
		}
		breaker.RecordSuccess()
		metrics.NotificationsSent.WithLabelValues(ch.Name(), "sent").Inc()
		sent++
	}

	switch {
	case sent > 0:
		n.markStatus(ctx, alert, core.NotificationSent)
	case failed > 0:
		n.markStatus(ctx, alert, core.NotificationFailed)
	default:
		// Every channel was skipped: leave the alert pending so the sweep
		// retries once a breaker closes.
		n.logger.Warnw("All notification channels unavailable, alert stays pending",
			"alert", alert.ID, "skipped", skipped)
	}
}

func (n *Notifier) markStatus(ctx context.Context, alert *core.Alert, status string) {
	err := n.alerts.UpdateNotificationStatus(ctx, alert.ID, core.NotificationPending, status)
	if err != nil {
		// A concurrent dispatch already claimed the alert.
		n.logger.Debugw("Alert status already transitioned",
			"alert", alert.ID, "wanted", status, "error", err)
	}
}
