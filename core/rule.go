package core

import (
	"fmt"
	"strings"
	"time"
)

// Rule types. Threshold rules count events matching a single filter;
// correlation rules use the same window mechanism but their filter may
// combine sub-conditions with and/or across fields of the same event.
const (
	RuleTypeThreshold   = "threshold"
	RuleTypeCorrelation = "correlation"
)

// AlertRule is a detection rule evaluated by the correlation engine against
// a sliding time window of enriched events. Rules are mutated only through
// the administrative interface; the engine treats loaded rules as read-only
// snapshots and picks up changes by polling the rule store.
type AlertRule struct {
	ID               string        `json:"id"`
	Name             string        `json:"name"`
	Description      string        `json:"description,omitempty"`
	Type             string        `json:"type"` // threshold or correlation
	FilterExpression string        `json:"filter_expression"`
	ThresholdCount   int           `json:"threshold_count"`
	TimeWindow       time.Duration `json:"time_window"`
	// Cooldown suppresses further alerts after a trigger. Zero means
	// "same as TimeWindow".
	Cooldown   time.Duration `json:"cooldown,omitempty"`
	Recipients []string      `json:"recipients,omitempty"`
	IsActive   bool          `json:"is_active"`
	CreatedAt  time.Time     `json:"created_at"`
	UpdatedAt  time.Time     `json:"updated_at"`
}

// EffectiveCooldown returns the suppression interval to apply after a
// trigger, defaulting to the rule's time window.
func (r *AlertRule) EffectiveCooldown() time.Duration {
	if r.Cooldown > 0 {
		return r.Cooldown
	}
	return r.TimeWindow
}

// Validate checks structural validity of a rule. It does not compile the
// filter expression; the engine does that and treats a compile failure as a
// RuleDefinitionError disabling only this rule.
func (r *AlertRule) Validate() error {
	if r == nil {
		return fmt.Errorf("cannot validate nil rule")
	}
	if strings.TrimSpace(r.ID) == "" {
		return fmt.Errorf("rule id cannot be empty")
	}
	if strings.TrimSpace(r.Name) == "" {
		return fmt.Errorf("rule name cannot be empty")
	}
	switch r.Type {
	case RuleTypeThreshold, RuleTypeCorrelation:
	default:
		return fmt.Errorf("unknown rule type: %q (must be %s or %s)", r.Type, RuleTypeThreshold, RuleTypeCorrelation)
	}
	if strings.TrimSpace(r.FilterExpression) == "" {
		return fmt.Errorf("rule %s: filter expression cannot be empty", r.ID)
	}
	if r.ThresholdCount < 1 {
		return fmt.Errorf("rule %s: threshold count must be at least 1", r.ID)
	}
	if r.TimeWindow <= 0 {
		return fmt.Errorf("rule %s: time window must be positive", r.ID)
	}
	return nil
}
