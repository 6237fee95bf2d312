package core

import (
	"time"

	"github.com/google/uuid"
)

// NotificationStatus values for Alert.NotificationStatus. An alert is
// created pending; a recovery sweep resends alerts still pending after a
// timeout, so a crash between alert persistence and notification delivery
// loses nothing.
const (
	NotificationPending = "pending"
	NotificationSent    = "sent"
	NotificationFailed  = "failed"
)

// Alert records one threshold transition of a rule from not-met to met.
// Immutable after creation except for NotificationStatus updates.
type Alert struct {
	ID                 string    `json:"id"`
	RuleID             string    `json:"rule_id"`
	RuleName           string    `json:"rule_name"`
	TriggeredAt        time.Time `json:"triggered_at"`
	MatchedEventIDs    []string  `json:"matched_event_ids"`
	EventCount         int       `json:"event_count"`
	NotificationStatus string    `json:"notification_status"`
}

// NewAlert creates a pending alert for a rule trigger.
func NewAlert(rule *AlertRule, triggeredAt time.Time, matchedEventIDs []string) *Alert {
	ids := make([]string, len(matchedEventIDs))
	copy(ids, matchedEventIDs)
	return &Alert{
		ID:                 uuid.New().String(),
		RuleID:             rule.ID,
		RuleName:           rule.Name,
		TriggeredAt:        triggeredAt.UTC(),
		MatchedEventIDs:    ids,
		EventCount:         len(ids),
		NotificationStatus: NotificationPending,
	}
}

// maxSampleEventIDs bounds the number of event ids carried on an outbound
// notification request.
const maxSampleEventIDs = 10

// NotificationRequest is the payload handed to the notification boundary.
// The actual transport (email, webhook) is external to the engine.
type NotificationRequest struct {
	AlertID        string   `json:"alert_id"`
	RuleName       string   `json:"rule_name"`
	Recipients     []string `json:"recipients"`
	EventCount     int      `json:"event_count"`
	SampleEventIDs []string `json:"sample_event_ids"`
}

// NewNotificationRequest builds the outbound request for an alert.
func NewNotificationRequest(alert *Alert, rule *AlertRule) NotificationRequest {
	sample := alert.MatchedEventIDs
	if len(sample) > maxSampleEventIDs {
		sample = sample[:maxSampleEventIDs]
	}
	return NotificationRequest{
		AlertID:        alert.ID,
		RuleName:       rule.Name,
		Recipients:     rule.Recipients,
		EventCount:     alert.EventCount,
		SampleEventIDs: sample,
	}
}
