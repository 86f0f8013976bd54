package codec

import (
	"github.com/arkilian/memlog/pkg/types"
	"google.golang.org/protobuf/encoding/protowire"
)

// Envelope field numbers of the binary encoding.
const (
	fieldEventType    protowire.Number = 1
	fieldEventID      protowire.Number = 2
	fieldTimestamp    protowire.Number = 3
	fieldPayload      protowire.Number = 4
	fieldAggregateID  protowire.Number = 5
	fieldEventHash    protowire.Number = 6
	fieldPreviousHash protowire.Number = 7
)

// BinaryCodec encodes with protobuf wire format without generated code.
type BinaryCodec struct {
	registry *Registry
}

// NewBinaryCodec creates a binary codec over reg.
func NewBinaryCodec(reg *Registry) *BinaryCodec {
	return &BinaryCodec{registry: reg}
}

func (c *BinaryCodec) Name() string { return NameBinary }

func (c *BinaryCodec) MarshalEvent(ev Event) ([]byte, error) {
	if ev == nil {
		return nil, encodeErr("nil event", nil)
	}
	if _, err := c.registry.New(ev.EventType()); err != nil {
		return nil, err
	}
	return ev.MarshalWire(nil), nil
}

func (c *BinaryCodec) UnmarshalEvent(eventType string, data []byte) (Event, error) {
	ev, err := c.registry.New(eventType)
	if err != nil {
		return nil, err
	}
	if err := ev.UnmarshalWire(data); err != nil {
		return nil, decodeErr("decode "+eventType, err)
	}
	return ev, nil
}

func (c *BinaryCodec) MarshalEnvelope(env *types.Envelope) ([]byte, error) {
	if env == nil {
		return nil, encodeErr("nil envelope", nil)
	}
	b := make([]byte, 0, 96+len(env.Payload))
	b = appendString(b, fieldEventType, env.EventType)
	b = appendString(b, fieldEventID, env.EventID)
	if env.Timestamp != 0 {
		b = protowire.AppendTag(b, fieldTimestamp, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeZigZag(env.Timestamp))
	}
	if len(env.Payload) > 0 {
		b = protowire.AppendTag(b, fieldPayload, protowire.BytesType)
		b = protowire.AppendBytes(b, env.Payload)
	}
	b = appendString(b, fieldAggregateID, env.AggregateID)
	b = appendString(b, fieldEventHash, env.EventHash)
	b = appendString(b, fieldPreviousHash, env.PreviousHash)
	return b, nil
}

func (c *BinaryCodec) UnmarshalEnvelope(data []byte) (*types.Envelope, error) {
	env := &types.Envelope{}
	err := walkFields(data, func(f wireField) error {
		switch {
		case f.is(fieldEventType, protowire.BytesType):
			env.EventType = string(f.bytes)
		case f.is(fieldEventID, protowire.BytesType):
			env.EventID = string(f.bytes)
		case f.is(fieldTimestamp, protowire.VarintType):
			env.Timestamp = protowire.DecodeZigZag(f.varint)
		case f.is(fieldPayload, protowire.BytesType):
			env.Payload = append([]byte(nil), f.bytes...)
		case f.is(fieldAggregateID, protowire.BytesType):
			env.AggregateID = string(f.bytes)
		case f.is(fieldEventHash, protowire.BytesType):
			env.EventHash = string(f.bytes)
		case f.is(fieldPreviousHash, protowire.BytesType):
			env.PreviousHash = string(f.bytes)
		}
		return nil
	})
	if err != nil {
		return nil, decodeErr("decode envelope", err)
	}
	if env.EventType == "" || env.EventID == "" {
		return nil, decodeErr("envelope missing type or id", nil)
	}
	return env, nil
}
