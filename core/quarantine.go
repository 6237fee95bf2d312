package core

import "time"

// Quarantine statuses. Quarantined events start pending; an operator either
// replays them after fixing the pattern library or discards them.
const (
	QuarantineStatusPending   = "pending"
	QuarantineStatusReplayed  = "replayed"
	QuarantineStatusDiscarded = "discarded"
)

// Quarantine reasons recorded alongside the failed payload.
const (
	QuarantineReasonNormalize  = "normalize_failed"
	QuarantineReasonDecode     = "decode_failed"
	QuarantineReasonOversized  = "payload_oversized"
	QuarantineReasonDeadLetter = "max_deliveries_exceeded"
)

// QuarantinedEvent is a raw event the pipeline could not process, parked
// with enough context to diagnose and replay it. Quarantine is terminal for
// the hot path: the event is acked from the queue once parked.
type QuarantinedEvent struct {
	ID           string    `json:"id"`
	Raw          RawEvent  `json:"raw"`
	Reason       string    `json:"reason"`
	ErrorMessage string    `json:"error_message"`
	Status       string    `json:"status"`
	RetryCount   int       `json:"retry_count"`
	QuarantinedAt time.Time `json:"quarantined_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// NewQuarantinedEvent parks a raw event with a reason and the error that
// caused it.
func NewQuarantinedEvent(raw RawEvent, reason string, err error) *QuarantinedEvent {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	now := time.Now().UTC()
	return &QuarantinedEvent{
		ID:            raw.ID,
		Raw:           raw,
		Reason:        reason,
		ErrorMessage:  msg,
		Status:        QuarantineStatusPending,
		QuarantinedAt: now,
		UpdatedAt:     now,
	}
}
