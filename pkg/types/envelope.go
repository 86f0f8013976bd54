package types

import (
	"bytes"
	"strings"
)

// Envelope is the durable unit of the log. It wraps one codec-encoded
// domain event with identity, timing, routing and integrity metadata.
// Envelopes are immutable once written.
type Envelope struct {
	EventType    string `json:"event_type"`
	EventID      string `json:"event_id"`
	Timestamp    int64  `json:"timestamp"` // milliseconds since epoch
	Payload      []byte `json:"payload"`
	AggregateID  string `json:"aggregate_id,omitempty"`
	EventHash    string `json:"event_hash"`
	PreviousHash string `json:"previous_hash,omitempty"` // empty for the genesis envelope
}

// AggregateType returns the entity type encoded in the aggregate id.
func (e *Envelope) AggregateType() string {
	return AggregateType(e.AggregateID)
}

// IsGenesis reports whether the envelope starts a chain.
func (e *Envelope) IsGenesis() bool {
	return e.PreviousHash == ""
}

// Clone returns a deep copy of the envelope.
func (e *Envelope) Clone() *Envelope {
	if e == nil {
		return nil
	}
	c := *e
	if e.Payload != nil {
		c.Payload = append([]byte(nil), e.Payload...)
	}
	return &c
}

// Equal reports whether two envelopes carry identical fields.
func (e *Envelope) Equal(o *Envelope) bool {
	if e == nil || o == nil {
		return e == o
	}
	return e.EventType == o.EventType &&
		e.EventID == o.EventID &&
		e.Timestamp == o.Timestamp &&
		bytes.Equal(e.Payload, o.Payload) &&
		e.AggregateID == o.AggregateID &&
		e.EventHash == o.EventHash &&
		e.PreviousHash == o.PreviousHash
}

// AggregateType extracts the type prefix of an aggregate id of the form
// "type:id". Ids without a separator have no type.
func AggregateType(aggregateID string) string {
	typ, _, ok := strings.Cut(aggregateID, ":")
	if !ok {
		return ""
	}
	return typ
}
