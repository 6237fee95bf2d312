package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"argus/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestDB(t *testing.T) *SQLite {
	t.Helper()
	db, err := NewSQLite(filepath.Join(t.TempDir(), "argus.db"), zap.NewNop().Sugar())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func testEnrichedEvent(rawID string, ts time.Time) *core.EnrichedEvent {
	ev := core.NewEnrichedEvent(core.Event{
		RawID:     rawID,
		Timestamp: ts.UTC(),
		Source:    "syslog",
		Host:      "web-01",
		EventType: "ssh_login_failed",
		Message:   "Failed password for root from 10.0.0.5",
		Fields:    map[string]interface{}{"user": "root", "src_ip": "10.0.0.5"},
	})
	ev.Enrichment.ThreatTags = []string{"malicious_ip"}
	return ev
}

func TestEventStoreInsertIsIdempotent(t *testing.T) {
	db := newTestDB(t)
	store := NewSQLiteEventStore(db, zap.NewNop().Sugar())
	ctx := context.Background()
	ts := time.Date(2026, 7, 6, 12, 34, 56, 0, time.UTC)

	ev := testEnrichedEvent("raw-1", ts)
	require.NoError(t, store.InsertEnriched(ctx, ev))
	require.NoError(t, store.InsertEnriched(ctx, ev))

	n, err := store.CountRange(ctx, ts.Add(-time.Hour), ts.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestEventStoreQueryRangeIsHalfOpen(t *testing.T) {
	db := newTestDB(t)
	store := NewSQLiteEventStore(db, zap.NewNop().Sugar())
	ctx := context.Background()
	base := time.Date(2026, 7, 6, 0, 0, 0, 0, time.UTC)

	for i, rawID := range []string{"a", "b", "c"} {
		require.NoError(t, store.InsertEnriched(ctx, testEnrichedEvent(rawID, base.Add(time.Duration(i)*time.Hour))))
	}

	// [base, base+2h) must exclude the event at exactly base+2h.
	events, err := store.QueryRange(ctx, base, base.Add(2*time.Hour))
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "a", events[0].Event.RawID)
	assert.Equal(t, "b", events[1].Event.RawID)
	assert.Equal(t, "root", events[0].Event.Fields["user"])
	assert.Equal(t, []string{"malicious_ip"}, events[0].Enrichment.ThreatTags)
}

func TestEventStoreQueryFilters(t *testing.T) {
	db := newTestDB(t)
	store := NewSQLiteEventStore(db, zap.NewNop().Sugar())
	ctx := context.Background()
	base := time.Date(2026, 7, 6, 0, 0, 0, 0, time.UTC)

	tagged := testEnrichedEvent("a", base)
	require.NoError(t, store.InsertEnriched(ctx, tagged))

	clean := core.NewEnrichedEvent(core.Event{
		RawID:     "b",
		Timestamp: base.Add(time.Minute).UTC(),
		Source:    "nginx",
		Host:      "web-02",
		EventType: "web_access",
		Fields:    map[string]interface{}{"status": "200"},
	})
	require.NoError(t, store.InsertEnriched(ctx, clean))

	start, end := base.Add(-time.Hour), base.Add(time.Hour)

	events, err := store.Query(ctx, start, end, EventFilter{EventType: "ssh_login_failed"})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "a", events[0].Event.RawID)

	events, err = store.Query(ctx, start, end, EventFilter{Source: "nginx", Host: "web-02"})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "b", events[0].Event.RawID)

	events, err = store.Query(ctx, start, end, EventFilter{ThreatTag: "malicious_ip"})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "a", events[0].Event.RawID)

	events, err = store.Query(ctx, start, end, EventFilter{EventType: "web_access", ThreatTag: "malicious_ip"})
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestEventStoreDeleteRange(t *testing.T) {
	db := newTestDB(t)
	store := NewSQLiteEventStore(db, zap.NewNop().Sugar())
	ctx := context.Background()
	base := time.Date(2026, 7, 6, 0, 0, 0, 0, time.UTC)

	require.NoError(t, store.InsertEnriched(ctx, testEnrichedEvent("a", base)))
	require.NoError(t, store.InsertEnriched(ctx, testEnrichedEvent("b", base.Add(time.Hour))))

	deleted, err := store.DeleteRange(ctx, base, base.Add(30*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	n, err := store.CountRange(ctx, base, base.Add(24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func testRule(id string) *core.AlertRule {
	return &core.AlertRule{
		ID:               id,
		Name:             "SSH brute force",
		Description:      "Repeated failed SSH logins",
		Type:             core.RuleTypeThreshold,
		FilterExpression: `event_type = "ssh_login_failed"`,
		ThresholdCount:   10,
		TimeWindow:       5 * time.Minute,
		Recipients:       []string{"soc@example.com"},
		IsActive:         true,
	}
}

func TestRuleStoreCRUD(t *testing.T) {
	db := newTestDB(t)
	store := NewSQLiteRuleStore(db, zap.NewNop().Sugar())
	ctx := context.Background()

	rule := testRule("rule-1")
	require.NoError(t, store.Create(ctx, rule))

	got, err := store.Get(ctx, "rule-1")
	require.NoError(t, err)
	assert.Equal(t, rule.Name, got.Name)
	assert.Equal(t, 5*time.Minute, got.TimeWindow)
	assert.Equal(t, []string{"soc@example.com"}, got.Recipients)
	assert.True(t, got.IsActive)

	got.ThresholdCount = 20
	got.IsActive = false
	require.NoError(t, store.Update(ctx, got))

	updated, err := store.Get(ctx, "rule-1")
	require.NoError(t, err)
	assert.Equal(t, 20, updated.ThresholdCount)
	assert.False(t, updated.IsActive)
	assert.True(t, updated.UpdatedAt.After(updated.CreatedAt) || updated.UpdatedAt.Equal(updated.CreatedAt))

	active, err := store.ListActive(ctx)
	require.NoError(t, err)
	assert.Empty(t, active)

	all, err := store.ListAll(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)

	require.NoError(t, store.Delete(ctx, "rule-1"))
	_, err = store.Get(ctx, "rule-1")
	assert.ErrorIs(t, err, ErrRuleNotFound)
	assert.ErrorIs(t, store.Delete(ctx, "rule-1"), ErrRuleNotFound)
}

func TestRuleStoreRejectsInvalidRule(t *testing.T) {
	db := newTestDB(t)
	store := NewSQLiteRuleStore(db, zap.NewNop().Sugar())

	bad := testRule("rule-bad")
	bad.ThresholdCount = 0
	assert.Error(t, store.Create(context.Background(), bad))
}

func TestAlertStoreStatusCAS(t *testing.T) {
	db := newTestDB(t)
	store := NewSQLiteAlertStore(db, zap.NewNop().Sugar())
	ctx := context.Background()

	rule := testRule("rule-1")
	alert := core.NewAlert(rule, time.Now(), []string{"e1", "e2"})
	require.NoError(t, store.Insert(ctx, alert))
	require.NoError(t, store.Insert(ctx, alert)) // retry is a no-op

	got, err := store.Get(ctx, alert.ID)
	require.NoError(t, err)
	assert.Equal(t, core.NotificationPending, got.NotificationStatus)
	assert.Equal(t, []string{"e1", "e2"}, got.MatchedEventIDs)

	require.NoError(t, store.UpdateNotificationStatus(ctx, alert.ID, core.NotificationPending, core.NotificationSent))

	// A second claimer loses the race.
	err = store.UpdateNotificationStatus(ctx, alert.ID, core.NotificationPending, core.NotificationSent)
	assert.ErrorIs(t, err, ErrAlertNotFound)

	got, err = store.Get(ctx, alert.ID)
	require.NoError(t, err)
	assert.Equal(t, core.NotificationSent, got.NotificationStatus)
}

func TestAlertStoreListPendingBefore(t *testing.T) {
	db := newTestDB(t)
	store := NewSQLiteAlertStore(db, zap.NewNop().Sugar())
	ctx := context.Background()
	rule := testRule("rule-1")
	now := time.Now().UTC()

	stale := core.NewAlert(rule, now.Add(-10*time.Minute), []string{"e1"})
	fresh := core.NewAlert(rule, now, []string{"e2"})
	sent := core.NewAlert(rule, now.Add(-10*time.Minute), []string{"e3"})
	require.NoError(t, store.Insert(ctx, stale))
	require.NoError(t, store.Insert(ctx, fresh))
	require.NoError(t, store.Insert(ctx, sent))
	require.NoError(t, store.UpdateNotificationStatus(ctx, sent.ID, core.NotificationPending, core.NotificationSent))

	pending, err := store.ListPendingBefore(ctx, now.Add(-5*time.Minute))
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, stale.ID, pending[0].ID)
}

func TestAlertStoreDeleteBefore(t *testing.T) {
	db := newTestDB(t)
	store := NewSQLiteAlertStore(db, zap.NewNop().Sugar())
	ctx := context.Background()
	rule := testRule("rule-1")
	now := time.Now().UTC()

	old := core.NewAlert(rule, now.Add(-48*time.Hour), []string{"e1"})
	recent := core.NewAlert(rule, now, []string{"e2"})
	require.NoError(t, store.Insert(ctx, old))
	require.NoError(t, store.Insert(ctx, recent))

	n, err := store.DeleteBefore(ctx, now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	remaining, err := store.ListByRule(ctx, "rule-1", 10)
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Equal(t, recent.ID, remaining[0].ID)
}

func TestQuarantineStoreLifecycle(t *testing.T) {
	db := newTestDB(t)
	store := NewSQLiteQuarantineStore(db, zap.NewNop().Sugar())
	ctx := context.Background()

	raw := core.RawEvent{
		ID:         "raw-q1",
		ReceivedAt: time.Now().UTC(),
		Source:     "syslog",
		Payload:    "\xff\xfe not utf8",
	}
	q := core.NewQuarantinedEvent(raw, core.QuarantineReasonDecode, assert.AnError)
	require.NoError(t, store.Add(ctx, q))
	require.NoError(t, store.Add(ctx, q)) // redelivered poison message

	got, err := store.Get(ctx, "raw-q1")
	require.NoError(t, err)
	assert.Equal(t, core.QuarantineStatusPending, got.Status)
	assert.Equal(t, core.QuarantineReasonDecode, got.Reason)
	assert.Equal(t, raw.Payload, got.Raw.Payload)

	pending, err := store.List(ctx, core.QuarantineStatusPending, 10)
	require.NoError(t, err)
	assert.Len(t, pending, 1)

	require.NoError(t, store.IncrementRetries(ctx, "raw-q1"))
	require.NoError(t, store.UpdateStatus(ctx, "raw-q1", core.QuarantineStatusReplayed))

	got, err = store.Get(ctx, "raw-q1")
	require.NoError(t, err)
	assert.Equal(t, 1, got.RetryCount)
	assert.Equal(t, core.QuarantineStatusReplayed, got.Status)

	assert.Error(t, store.UpdateStatus(ctx, "raw-q1", "bogus"))
	assert.ErrorIs(t, store.UpdateStatus(ctx, "missing", core.QuarantineStatusDiscarded), ErrQuarantineNotFound)
}

func TestPartitionStoreEnsureDailyIsIdempotent(t *testing.T) {
	db := newTestDB(t)
	store := NewSQLitePartitionStore(db, zap.NewNop().Sugar())
	ctx := context.Background()
	day := time.Date(2026, 7, 6, 15, 30, 0, 0, time.UTC)

	p1, err := store.EnsureDaily(ctx, "events_enriched", day)
	require.NoError(t, err)
	p2, err := store.EnsureDaily(ctx, "events_enriched", day.Add(2*time.Hour))
	require.NoError(t, err)

	assert.Equal(t, p1.ID, p2.ID)
	assert.Equal(t, core.TierHot, p1.Tier)
	assert.Equal(t, time.Date(2026, 7, 6, 0, 0, 0, 0, time.UTC), p1.RangeStart)
	assert.Equal(t, time.Date(2026, 7, 7, 0, 0, 0, 0, time.UTC), p1.RangeEnd)
	assert.True(t, p1.Covers(day))
	assert.False(t, p1.Covers(p1.RangeEnd))
}

func TestPartitionStoreTransitionTierCAS(t *testing.T) {
	db := newTestDB(t)
	store := NewSQLitePartitionStore(db, zap.NewNop().Sugar())
	ctx := context.Background()

	p, err := store.EnsureDaily(ctx, "events_enriched", time.Date(2026, 7, 6, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)

	require.NoError(t, store.TransitionTier(ctx, p.ID, core.TierHot, core.TierArchive, "/archive/obj.jsonl.gz"))

	// A second scheduler run expecting hot finds the tier already moved.
	err = store.TransitionTier(ctx, p.ID, core.TierHot, core.TierArchive, "/archive/other")
	assert.ErrorIs(t, err, ErrPartitionTierConflict)

	err = store.TransitionTier(ctx, "missing", core.TierHot, core.TierArchive, "")
	assert.ErrorIs(t, err, ErrPartitionNotFound)

	archived, err := store.ListByTier(ctx, core.TierArchive)
	require.NoError(t, err)
	require.Len(t, archived, 1)
	assert.Equal(t, "/archive/obj.jsonl.gz", archived[0].StorageLocation)

	cutoff := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	ending, err := store.ListByTierEndingBefore(ctx, core.TierArchive, cutoff)
	require.NoError(t, err)
	assert.Len(t, ending, 1)
}
