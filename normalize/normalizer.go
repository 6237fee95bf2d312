package normalize

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"

	"argus/core"
	"argus/metrics"
	"go.uber.org/zap"
)

// fieldAliases folds common field name variants onto canonical names so rule
// filters match uniformly regardless of which pattern produced the event.
var fieldAliases = map[string]string{
	"source_ip":   "src_ip",
	"dest_ip":     "dst_ip",
	"source_port": "src_port",
	"dest_port":   "dst_port",
}

// Normalizer converts raw payloads into canonical events. Normalization is a
// pure function of the raw event plus the loaded pattern library: the same
// input always yields the same output, which keeps redeliveries idempotent.
type Normalizer struct {
	patterns        *PatternLibrary
	maxPayloadBytes int
	logger          *zap.SugaredLogger
}

// NewNormalizer creates a normalizer over a compiled pattern library.
func NewNormalizer(patterns *PatternLibrary, maxPayloadBytes int, logger *zap.SugaredLogger) *Normalizer {
	return &Normalizer{
		patterns:        patterns,
		maxPayloadBytes: maxPayloadBytes,
		logger:          logger,
	}
}

// Normalize produces a canonical event from a raw event. Unrecognized
// payloads are not errors: they become events with EventType "unknown" and
// the raw text preserved. Only hard failures (oversized payload, invalid
// UTF-8, pattern engine timeout) quarantine the event; exactly one of the
// two return values is non-nil.
func (n *Normalizer) Normalize(raw core.RawEvent) (*core.Event, *core.QuarantinedEvent) {
	if n.maxPayloadBytes > 0 && len(raw.Payload) > n.maxPayloadBytes {
		metrics.EventsQuarantined.WithLabelValues(core.QuarantineReasonOversized).Inc()
		return nil, core.NewQuarantinedEvent(raw, core.QuarantineReasonOversized,
			fmt.Errorf("payload is %d bytes, limit is %d", len(raw.Payload), n.maxPayloadBytes))
	}
	if !utf8.ValidString(raw.Payload) {
		metrics.EventsQuarantined.WithLabelValues(core.QuarantineReasonDecode).Inc()
		return nil, core.NewQuarantinedEvent(raw, core.QuarantineReasonDecode,
			fmt.Errorf("payload is not valid UTF-8"))
	}

	ev := &core.Event{
		RawID:   raw.ID,
		Source:  raw.Source,
		Host:    raw.Host,
		Message: raw.Payload,
		Fields:  map[string]interface{}{},
	}

	payload := strings.TrimSpace(raw.Payload)

	// Structured payloads short-circuit the pattern library.
	if jsonFields, ok := tryParseJSON(payload); ok {
		n.normalizeJSON(ev, raw, jsonFields)
		metrics.EventsNormalized.WithLabelValues(ev.EventType).Inc()
		return ev, nil
	}

	match, err := n.patterns.Match(payload)
	if err != nil {
		n.logger.Warnw("Pattern engine failed on payload", "raw_id", raw.ID, "error", err)
		metrics.EventsQuarantined.WithLabelValues(core.QuarantineReasonNormalize).Inc()
		return nil, core.NewQuarantinedEvent(raw, core.QuarantineReasonNormalize, err)
	}

	if match == nil {
		ev.EventType = core.EventTypeUnknown
		ev.Timestamp = raw.ReceivedAt.UTC()
		ev.Fields["raw"] = payload
		metrics.EventsNormalized.WithLabelValues(ev.EventType).Inc()
		return ev, nil
	}

	ev.EventType = match.EventType
	for k, v := range match.Fields {
		switch k {
		case "timestamp":
			// Consumed below, not a data field.
		case "host":
			ev.Host = v
		case "message":
			ev.Fields[k] = v
		default:
			ev.Fields[canonicalFieldName(k)] = v
		}
	}
	ev.Timestamp = ParseTimestamp(match.Fields["timestamp"], raw.ReceivedAt)

	metrics.EventsNormalized.WithLabelValues(ev.EventType).Inc()
	return ev, nil
}

// normalizeJSON maps a decoded JSON object onto the canonical event.
func (n *Normalizer) normalizeJSON(ev *core.Event, raw core.RawEvent, fields map[string]interface{}) {
	ev.EventType = "json_event"
	if et, ok := fields["event_type"].(string); ok && et != "" {
		ev.EventType = et
	}

	tsValue := ""
	if ts, ok := fields["timestamp"].(string); ok {
		tsValue = ts
	}
	ev.Timestamp = ParseTimestamp(tsValue, raw.ReceivedAt)

	if host, ok := fields["host"].(string); ok && host != "" {
		ev.Host = host
	}

	for k, v := range fields {
		switch k {
		case "event_type", "timestamp", "host":
			continue
		}
		ev.Fields[canonicalFieldName(k)] = v
	}
}

// canonicalFieldName lower-cases a field key and folds known aliases.
func canonicalFieldName(name string) string {
	name = strings.ToLower(name)
	if alias, ok := fieldAliases[name]; ok {
		return alias
	}
	return name
}

// tryParseJSON returns the decoded object when the payload is a JSON object.
// Scalars and arrays are valid JSON but not structured log events; they fall
// through to the pattern library.
func tryParseJSON(payload string) (map[string]interface{}, bool) {
	if len(payload) == 0 || payload[0] != '{' {
		return nil, false
	}
	var fields map[string]interface{}
	if err := json.Unmarshal([]byte(payload), &fields); err != nil {
		return nil, false
	}
	return fields, true
}
