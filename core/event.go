package core

import (
	"time"

	"github.com/google/uuid"
)

// EventTypeUnknown is assigned when no format or pattern recognized a payload.
const EventTypeUnknown = "unknown"

// eventNamespace seeds deterministic event ids so re-deliveries of the same
// raw event produce the same enriched event id (idempotent storage writes).
var eventNamespace = uuid.MustParse("9fb1fb2e-60cb-4e67-9b54-8c7a5a1d8f33")

// RawEvent is an unprocessed log payload as received from the ingestion
// boundary. Immutable once written to the queue.
type RawEvent struct {
	ID         string    `json:"id" msgpack:"id"`
	ReceivedAt time.Time `json:"received_at" msgpack:"received_at"`
	Source     string    `json:"source" msgpack:"source"`
	Host       string    `json:"host,omitempty" msgpack:"host,omitempty"`
	Payload    string    `json:"payload" msgpack:"payload"`
}

// Event is the canonical, normalized representation of a raw event.
// Timestamp is always UTC. Fields keys are lower-cased and alias-folded so
// downstream rule filters match uniformly.
type Event struct {
	RawID     string                 `json:"raw_id"`
	Timestamp time.Time              `json:"timestamp"`
	Source    string                 `json:"source"`
	Host      string                 `json:"host"`
	EventType string                 `json:"event_type"`
	Fields    map[string]interface{} `json:"fields"`
	Message   string                 `json:"message"`
}

// GeoIPInfo holds the subset of the offline geolocation record we keep.
type GeoIPInfo struct {
	Country     string  `json:"country,omitempty"`
	CountryCode string  `json:"country_code,omitempty"`
	City        string  `json:"city,omitempty"`
	Latitude    float64 `json:"latitude,omitempty"`
	Longitude   float64 `json:"longitude,omitempty"`
	IsPrivate   bool    `json:"is_private,omitempty"`
}

// Enrichment carries contextual annotations attached by the enricher.
// Every field is optional: absence means the lookup was attempted and failed,
// timed out, or was skipped - never a processing failure.
type Enrichment struct {
	GeoIP      map[string]*GeoIPInfo `json:"geoip,omitempty"`    // keyed by field name (src_ip, dst_ip, ...)
	Hostnames  map[string]string     `json:"dns,omitempty"`      // reverse-DNS results keyed by field name
	ThreatTags []string              `json:"threat_tags,omitempty"`
}

// EnrichedEvent is the durable, queryable unit: a canonical event plus its
// enrichment. EventID is the storage key, derived deterministically from the
// raw event id so redelivered raw events overwrite rather than duplicate.
//
// Enrichment is not guaranteed repeatable across time for the same input:
// DNS and threat-intel caches expire and their sources drift. Treat two
// enrichment passes over the same event as equivalent, not identical.
type EnrichedEvent struct {
	EventID    string                 `json:"event_id"`
	Event      Event                  `json:"event"`
	Enrichment Enrichment             `json:"enrichment"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}

// NewEnrichedEvent wraps a canonical event with a deterministic storage id.
func NewEnrichedEvent(ev Event) *EnrichedEvent {
	return &EnrichedEvent{
		EventID: uuid.NewSHA1(eventNamespace, []byte(ev.RawID)).String(),
		Event:   ev,
	}
}

// HasThreatTag reports whether the enrichment carries the given tag.
func (e *EnrichedEvent) HasThreatTag(tag string) bool {
	for _, t := range e.Enrichment.ThreatTags {
		if t == tag {
			return true
		}
	}
	return false
}
