package queue

import (
	"fmt"

	"argus/core"
	"github.com/vmihailenco/msgpack/v5"
)

// payloadKey is the stream entry field holding the msgpack body.
const payloadKey = "payload"

// EncodeRaw serializes a raw event for stream transport.
func EncodeRaw(raw *core.RawEvent) ([]byte, error) {
	data, err := msgpack.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to encode raw event %s: %w", raw.ID, err)
	}
	return data, nil
}

// DecodeRaw deserializes a raw event from a stream entry value.
func DecodeRaw(data []byte) (*core.RawEvent, error) {
	var raw core.RawEvent
	if err := msgpack.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to decode raw event: %w", err)
	}
	return &raw, nil
}

// EncodeEnriched serializes an enriched event for the downstream stream.
func EncodeEnriched(ev *core.EnrichedEvent) ([]byte, error) {
	data, err := msgpack.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("failed to encode enriched event %s: %w", ev.EventID, err)
	}
	return data, nil
}

// DecodeEnriched deserializes an enriched event from a stream entry value.
func DecodeEnriched(data []byte) (*core.EnrichedEvent, error) {
	var ev core.EnrichedEvent
	if err := msgpack.Unmarshal(data, &ev); err != nil {
		return nil, fmt.Errorf("failed to decode enriched event: %w", err)
	}
	return &ev, nil
}
