package notify

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/smtp"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"argus/config"
	"argus/core"
	"argus/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeChannel struct {
	name string
	err  error

	mu   sync.Mutex
	sent []core.NotificationRequest
}

func (c *fakeChannel) Name() string { return c.name }

func (c *fakeChannel) Send(ctx context.Context, req core.NotificationRequest) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.sent = append(c.sent, req)
	return nil
}

func (c *fakeChannel) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}

func notifierSettings() config.NotificationSettings {
	var cfg config.NotificationSettings
	cfg.RateLimit = 0 // unlimited in tests
	cfg.RateBurst = 1
	cfg.CircuitBreaker.MaxFailures = 2
	cfg.CircuitBreaker.TimeoutSeconds = 60
	cfg.CircuitBreaker.MaxHalfOpenRequests = 1
	return cfg
}

func notifierFixture(t *testing.T, channels ...Channel) (*Notifier, *storage.SQLiteAlertStore, *core.Alert, *core.AlertRule) {
	t.Helper()
	logger := zap.NewNop().Sugar()
	db, err := storage.NewSQLite(filepath.Join(t.TempDir(), "argus.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	alerts := storage.NewSQLiteAlertStore(db, logger)

	n, err := NewNotifierWithChannels(notifierSettings(), alerts, logger, channels...)
	require.NoError(t, err)

	rule := &core.AlertRule{
		ID:               "rule-1",
		Name:             "SSH brute force",
		Type:             core.RuleTypeThreshold,
		FilterExpression: `event_type = "ssh_login_failed"`,
		ThresholdCount:   3,
		TimeWindow:       5 * time.Minute,
		Recipients:       []string{"soc@example.com"},
		IsActive:         true,
	}
	alert := core.NewAlert(rule, time.Now(), []string{"e1", "e2", "e3"})
	require.NoError(t, alerts.Insert(context.Background(), alert))
	return n, alerts, alert, rule
}

func TestDispatchMarksAlertSent(t *testing.T) {
	ch := &fakeChannel{name: "fake"}
	n, alerts, alert, rule := notifierFixture(t, ch)

	n.Dispatch(context.Background(), alert, rule)

	require.Equal(t, 1, ch.count())
	assert.Equal(t, alert.ID, ch.sent[0].AlertID)
	assert.Equal(t, rule.Recipients, ch.sent[0].Recipients)
	assert.Equal(t, 3, ch.sent[0].EventCount)

	got, err := alerts.Get(context.Background(), alert.ID)
	require.NoError(t, err)
	assert.Equal(t, core.NotificationSent, got.NotificationStatus)
}

func TestDispatchMarksAlertFailed(t *testing.T) {
	ch := &fakeChannel{name: "fake", err: errors.New("smtp down")}
	n, alerts, alert, rule := notifierFixture(t, ch)

	n.Dispatch(context.Background(), alert, rule)

	got, err := alerts.Get(context.Background(), alert.ID)
	require.NoError(t, err)
	assert.Equal(t, core.NotificationFailed, got.NotificationStatus)
}

func TestDispatchOneChannelSucceedingIsEnough(t *testing.T) {
	bad := &fakeChannel{name: "bad", err: errors.New("down")}
	good := &fakeChannel{name: "good"}
	n, alerts, alert, rule := notifierFixture(t, bad, good)

	n.Dispatch(context.Background(), alert, rule)

	got, err := alerts.Get(context.Background(), alert.ID)
	require.NoError(t, err)
	assert.Equal(t, core.NotificationSent, got.NotificationStatus)
}

func TestDispatchWithNoChannelsMarksSent(t *testing.T) {
	n, alerts, alert, rule := notifierFixture(t)

	n.Dispatch(context.Background(), alert, rule)

	got, err := alerts.Get(context.Background(), alert.ID)
	require.NoError(t, err)
	assert.Equal(t, core.NotificationSent, got.NotificationStatus)
}

func TestDispatchLeavesAlertPendingWhenCircuitOpen(t *testing.T) {
	ch := &fakeChannel{name: "fake", err: errors.New("down")}
	n, alerts, alert, rule := notifierFixture(t, ch)
	ctx := context.Background()

	// Two failures open the breaker (MaxFailures = 2); the failed status is
	// claimed on the first dispatch.
	n.Dispatch(ctx, alert, rule)
	n.Dispatch(ctx, alert, rule)

	require.Equal(t, core.CircuitBreakerStateOpen, n.breakers["fake"].State())

	// A fresh alert hitting the open breaker stays pending for the sweep.
	fresh := core.NewAlert(rule, time.Now(), []string{"e9"})
	require.NoError(t, alerts.Insert(ctx, fresh))
	n.Dispatch(ctx, fresh, rule)

	got, err := alerts.Get(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, core.NotificationPending, got.NotificationStatus)
}

func TestWebhookChannelDelivers(t *testing.T) {
	var gotBody []byte
	var gotContentType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotContentType = r.Header.Get("Content-Type")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	cfg := notifierSettings()
	cfg.Webhook.Enabled = true
	cfg.Webhook.URL = srv.URL
	cfg.Webhook.Timeout = 2 * time.Second

	ch, err := NewWebhookChannel(cfg, zap.NewNop().Sugar())
	require.NoError(t, err)

	req := core.NotificationRequest{AlertID: "a1", RuleName: "r", EventCount: 3}
	require.NoError(t, ch.Send(context.Background(), req))
	assert.Equal(t, "application/json", gotContentType)
	assert.Contains(t, string(gotBody), `"alert_id":"a1"`)
}

func TestWebhookChannelRejectsServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	cfg := notifierSettings()
	cfg.Webhook.URL = srv.URL
	cfg.Webhook.Timeout = 2 * time.Second
	ch, err := NewWebhookChannel(cfg, zap.NewNop().Sugar())
	require.NoError(t, err)

	err = ch.Send(context.Background(), core.NotificationRequest{AlertID: "a1"})
	assert.ErrorContains(t, err, "status 500")
}

func TestWebhookChannelRejectsBadURL(t *testing.T) {
	cfg := notifierSettings()
	cfg.Webhook.URL = "not a url"
	_, err := NewWebhookChannel(cfg, zap.NewNop().Sugar())
	assert.Error(t, err)
}

func TestEmailChannelBuildsMessage(t *testing.T) {
	cfg := notifierSettings()
	cfg.Email.SMTPHost = "mail.example.com"
	cfg.Email.SMTPPort = 587
	cfg.Email.From = "argus@example.com"

	ch := NewEmailChannel(cfg, zap.NewNop().Sugar())
	var gotAddr, gotFrom string
	var gotTo []string
	var gotMsg []byte
	ch.sendMail = func(addr string, a smtp.Auth, from string, to []string, msg []byte) error {
		gotAddr, gotFrom, gotTo, gotMsg = addr, from, to, msg
		return nil
	}

	req := core.NotificationRequest{
		AlertID:        "a1",
		RuleName:       "SSH brute force",
		Recipients:     []string{"soc@example.com"},
		EventCount:     10,
		SampleEventIDs: []string{"e1", "e2"},
	}
	require.NoError(t, ch.Send(context.Background(), req))

	assert.Equal(t, "mail.example.com:587", gotAddr)
	assert.Equal(t, "argus@example.com", gotFrom)
	assert.Equal(t, []string{"soc@example.com"}, gotTo)
	body := string(gotMsg)
	assert.Contains(t, body, "Subject: [argus] Alert: SSH brute force")
	assert.Contains(t, body, "10 matching events")
	assert.Contains(t, body, "e1")
}

func TestEmailChannelSkipsWithoutRecipients(t *testing.T) {
	cfg := notifierSettings()
	ch := NewEmailChannel(cfg, zap.NewNop().Sugar())
	called := false
	ch.sendMail = func(addr string, a smtp.Auth, from string, to []string, msg []byte) error {
		called = true
		return nil
	}

	require.NoError(t, ch.Send(context.Background(), core.NotificationRequest{AlertID: "a1"}))
	assert.False(t, called)
}
