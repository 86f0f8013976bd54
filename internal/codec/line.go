package codec

import (
	"bytes"
	"encoding/json"

	"github.com/arkilian/memlog/pkg/types"
)

// LineCodec encodes each envelope as one JSON document terminated by a
// newline. Event payloads are JSON documents embedded as-is.
type LineCodec struct {
	registry *Registry
}

// NewLineCodec creates a line codec over reg.
func NewLineCodec(reg *Registry) *LineCodec {
	return &LineCodec{registry: reg}
}

// lineEnvelope keeps JSON payloads readable; anything else falls back to
// base64 in payload_raw.
type lineEnvelope struct {
	EventType    string          `json:"event_type"`
	EventID      string          `json:"event_id"`
	Timestamp    int64           `json:"timestamp"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	PayloadRaw   []byte          `json:"payload_raw,omitempty"`
	AggregateID  string          `json:"aggregate_id,omitempty"`
	EventHash    string          `json:"event_hash"`
	PreviousHash string          `json:"previous_hash,omitempty"`
}

func (c *LineCodec) Name() string { return NameLine }

func (c *LineCodec) MarshalEvent(ev Event) ([]byte, error) {
	if ev == nil {
		return nil, encodeErr("nil event", nil)
	}
	if _, err := c.registry.New(ev.EventType()); err != nil {
		return nil, err
	}
	b, err := json.Marshal(ev)
	if err != nil {
		return nil, encodeErr("encode "+ev.EventType(), err)
	}
	return b, nil
}

func (c *LineCodec) UnmarshalEvent(eventType string, data []byte) (Event, error) {
	ev, err := c.registry.New(eventType)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, ev); err != nil {
		return nil, decodeErr("decode "+eventType, err)
	}
	return ev, nil
}

func (c *LineCodec) MarshalEnvelope(env *types.Envelope) ([]byte, error) {
	if env == nil {
		return nil, encodeErr("nil envelope", nil)
	}
	le := lineEnvelope{
		EventType:    env.EventType,
		EventID:      env.EventID,
		Timestamp:    env.Timestamp,
		AggregateID:  env.AggregateID,
		EventHash:    env.EventHash,
		PreviousHash: env.PreviousHash,
	}
	if len(env.Payload) > 0 {
		if isCompactJSON(env.Payload) {
			le.Payload = env.Payload
		} else {
			le.PayloadRaw = env.Payload
		}
	}
	b, err := json.Marshal(le)
	if err != nil {
		return nil, encodeErr("encode envelope", err)
	}
	return append(b, '\n'), nil
}

func (c *LineCodec) UnmarshalEnvelope(data []byte) (*types.Envelope, error) {
	var le lineEnvelope
	if err := json.Unmarshal(bytes.TrimSuffix(data, []byte{'\n'}), &le); err != nil {
		return nil, decodeErr("decode envelope", err)
	}
	if le.EventType == "" || le.EventID == "" {
		return nil, decodeErr("envelope missing type or id", nil)
	}
	env := &types.Envelope{
		EventType:    le.EventType,
		EventID:      le.EventID,
		Timestamp:    le.Timestamp,
		AggregateID:  le.AggregateID,
		EventHash:    le.EventHash,
		PreviousHash: le.PreviousHash,
	}
	switch {
	case len(le.Payload) > 0:
		env.Payload = []byte(le.Payload)
	case len(le.PayloadRaw) > 0:
		env.Payload = le.PayloadRaw
	}
	return env, nil
}

// isCompactJSON reports whether b survives being embedded as a raw JSON
// value byte for byte. encoding/json compacts raw values and escapes HTML
// characters and line separators inside them, so those are excluded.
func isCompactJSON(b []byte) bool {
	if !json.Valid(b) || bytes.ContainsAny(b, "<>&\u2028\u2029") {
		return false
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, b); err != nil {
		return false
	}
	return bytes.Equal(buf.Bytes(), b)
}
