package core

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func validRule() *AlertRule {
	return &AlertRule{
		ID:               "rule-1",
		Name:             "SSH brute force",
		Type:             RuleTypeThreshold,
		FilterExpression: `event_type = "ssh_login_failed"`,
		ThresholdCount:   10,
		TimeWindow:       5 * time.Minute,
		IsActive:         true,
	}
}

func TestAlertRule_Validate(t *testing.T) {
	assert.NoError(t, validRule().Validate())

	r := validRule()
	r.ID = ""
	assert.Error(t, r.Validate())

	r = validRule()
	r.Name = "  "
	assert.Error(t, r.Validate())

	r = validRule()
	r.Type = "anomaly"
	assert.Error(t, r.Validate())

	r = validRule()
	r.FilterExpression = ""
	assert.Error(t, r.Validate())

	r = validRule()
	r.ThresholdCount = 0
	assert.Error(t, r.Validate())

	r = validRule()
	r.TimeWindow = 0
	assert.Error(t, r.Validate())
}

func TestAlertRule_EffectiveCooldown(t *testing.T) {
	r := validRule()
	assert.Equal(t, 5*time.Minute, r.EffectiveCooldown())

	r.Cooldown = 30 * time.Minute
	assert.Equal(t, 30*time.Minute, r.EffectiveCooldown())
}

func TestNewEnrichedEvent_DeterministicID(t *testing.T) {
	ev := Event{RawID: "raw-42", EventType: "ssh_login_failed"}

	a := NewEnrichedEvent(ev)
	b := NewEnrichedEvent(ev)
	assert.Equal(t, a.EventID, b.EventID, "same raw id must map to same event id")

	other := NewEnrichedEvent(Event{RawID: "raw-43"})
	assert.NotEqual(t, a.EventID, other.EventID)
}

func TestNewAlert(t *testing.T) {
	rule := validRule()
	ids := []string{"e1", "e2", "e3"}
	now := time.Date(2025, 7, 6, 12, 34, 56, 0, time.UTC)

	alert := NewAlert(rule, now, ids)
	assert.Equal(t, rule.ID, alert.RuleID)
	assert.Equal(t, rule.Name, alert.RuleName)
	assert.Equal(t, now, alert.TriggeredAt)
	assert.Equal(t, 3, alert.EventCount)
	assert.Equal(t, NotificationPending, alert.NotificationStatus)

	// The alert keeps its own copy of the matched ids.
	ids[0] = "mutated"
	assert.Equal(t, "e1", alert.MatchedEventIDs[0])
}

func TestNewNotificationRequest_SampleCap(t *testing.T) {
	rule := validRule()
	rule.Recipients = []string{"soc@example.com"}

	ids := make([]string, 25)
	for i := range ids {
		ids[i] = "event"
	}
	alert := NewAlert(rule, time.Now(), ids)

	req := NewNotificationRequest(alert, rule)
	assert.Equal(t, 25, req.EventCount)
	assert.Len(t, req.SampleEventIDs, maxSampleEventIDs)
	assert.Equal(t, rule.Recipients, req.Recipients)
}
