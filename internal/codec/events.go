package codec

import (
	"fmt"
	"sort"

	"google.golang.org/protobuf/encoding/protowire"
)

// Domain event tags.
const (
	TypeEntityCreated = "entity.created"
	TypeEntityUpdated = "entity.updated"
	TypeEntityDeleted = "entity.deleted"
)

// Event is one domain event variant. Variants are a closed set resolved
// through a Registry by their tag.
type Event interface {
	EventType() string
	AggregateID() string
	Validate() error
	MarshalWire(b []byte) []byte
	UnmarshalWire(b []byte) error
}

// EntityCreated creates (or resets) an entity.
type EntityCreated struct {
	ID     string            `json:"id"`
	Fields map[string]string `json:"fields,omitempty"`
}

func (e *EntityCreated) EventType() string   { return TypeEntityCreated }
func (e *EntityCreated) AggregateID() string { return e.ID }
func (e *EntityCreated) Validate() error     { return requireID(e.ID) }

func (e *EntityCreated) MarshalWire(b []byte) []byte {
	b = appendString(b, 1, e.ID)
	return appendFields(b, 2, e.Fields)
}

func (e *EntityCreated) UnmarshalWire(b []byte) error {
	return walkFields(b, func(f wireField) error {
		switch {
		case f.is(1, protowire.BytesType):
			e.ID = string(f.bytes)
		case f.is(2, protowire.BytesType):
			if e.Fields == nil {
				e.Fields = map[string]string{}
			}
			return consumeField(f.bytes, e.Fields)
		}
		return nil
	})
}

// EntityUpdated sets and removes fields of an existing entity.
type EntityUpdated struct {
	ID    string            `json:"id"`
	Set   map[string]string `json:"set,omitempty"`
	Unset []string          `json:"unset,omitempty"`
}

func (e *EntityUpdated) EventType() string   { return TypeEntityUpdated }
func (e *EntityUpdated) AggregateID() string { return e.ID }
func (e *EntityUpdated) Validate() error     { return requireID(e.ID) }

func (e *EntityUpdated) MarshalWire(b []byte) []byte {
	b = appendString(b, 1, e.ID)
	b = appendFields(b, 2, e.Set)
	for _, k := range e.Unset {
		b = protowire.AppendTag(b, 3, protowire.BytesType)
		b = protowire.AppendString(b, k)
	}
	return b
}

func (e *EntityUpdated) UnmarshalWire(b []byte) error {
	return walkFields(b, func(f wireField) error {
		switch {
		case f.is(1, protowire.BytesType):
			e.ID = string(f.bytes)
		case f.is(2, protowire.BytesType):
			if e.Set == nil {
				e.Set = map[string]string{}
			}
			return consumeField(f.bytes, e.Set)
		case f.is(3, protowire.BytesType):
			e.Unset = append(e.Unset, string(f.bytes))
		}
		return nil
	})
}

// EntityDeleted removes an entity.
type EntityDeleted struct {
	ID string `json:"id"`
}

func (e *EntityDeleted) EventType() string   { return TypeEntityDeleted }
func (e *EntityDeleted) AggregateID() string { return e.ID }
func (e *EntityDeleted) Validate() error     { return requireID(e.ID) }

func (e *EntityDeleted) MarshalWire(b []byte) []byte {
	return appendString(b, 1, e.ID)
}

func (e *EntityDeleted) UnmarshalWire(b []byte) error {
	return walkFields(b, func(f wireField) error {
		if f.is(1, protowire.BytesType) {
			e.ID = string(f.bytes)
		}
		return nil
	})
}

func requireID(id string) error {
	if id == "" {
		return fmt.Errorf("entity id is required")
	}
	return nil
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

// appendFields writes a string map as repeated {1: key, 2: value}
// sub-messages in key order so encodings are deterministic.
func appendFields(b []byte, num protowire.Number, m map[string]string) []byte {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		var entry []byte
		entry = protowire.AppendTag(entry, 1, protowire.BytesType)
		entry = protowire.AppendString(entry, k)
		entry = protowire.AppendTag(entry, 2, protowire.BytesType)
		entry = protowire.AppendString(entry, m[k])
		b = protowire.AppendTag(b, num, protowire.BytesType)
		b = protowire.AppendBytes(b, entry)
	}
	return b
}

func consumeField(b []byte, into map[string]string) error {
	var key, value string
	err := walkFields(b, func(f wireField) error {
		switch {
		case f.is(1, protowire.BytesType):
			key = string(f.bytes)
		case f.is(2, protowire.BytesType):
			value = string(f.bytes)
		}
		return nil
	})
	if err != nil {
		return err
	}
	into[key] = value
	return nil
}

// wireField is one decoded protowire field. bytes is set for
// length-delimited fields, varint for varint fields.
type wireField struct {
	num    protowire.Number
	typ    protowire.Type
	bytes  []byte
	varint uint64
}

func (f wireField) is(num protowire.Number, typ protowire.Type) bool {
	return f.num == num && f.typ == typ
}

// walkFields visits every field of a protowire message in order. Fields
// the visitor does not recognise are ignored.
func walkFields(b []byte, visit func(wireField) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		f := wireField{num: num, typ: typ}
		switch typ {
		case protowire.BytesType:
			f.bytes, n = protowire.ConsumeBytes(b)
		case protowire.VarintType:
			f.varint, n = protowire.ConsumeVarint(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		if err := visit(f); err != nil {
			return err
		}
	}
	return nil
}
