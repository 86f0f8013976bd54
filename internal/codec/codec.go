// Package codec turns domain events and envelopes into bytes and back.
// Two encodings are provided: a compact binary form built on protowire
// field encoding and a line-delimited JSON form for human inspection.
package codec

import (
	"fmt"

	"github.com/golang/snappy"

	"github.com/arkilian/memlog/internal/errors"
	"github.com/arkilian/memlog/pkg/types"
)

// Codec names accepted by New.
const (
	NameBinary = "binary"
	NameLine   = "line"
)

// Codec serializes domain events (the envelope payload) and envelopes
// (the frame payload).
type Codec interface {
	Name() string
	MarshalEvent(ev Event) ([]byte, error)
	UnmarshalEvent(eventType string, data []byte) (Event, error)
	MarshalEnvelope(env *types.Envelope) ([]byte, error)
	UnmarshalEnvelope(data []byte) (*types.Envelope, error)
}

// New builds a codec by name. compress wraps envelope bytes in snappy.
func New(name string, reg *Registry, compress bool) (Codec, error) {
	if reg == nil {
		reg = DefaultRegistry()
	}
	var c Codec
	switch name {
	case NameBinary, "":
		c = &BinaryCodec{registry: reg}
	case NameLine:
		c = &LineCodec{registry: reg}
	default:
		return nil, errors.NewValidationError(errors.CodeInvalidConfig, fmt.Sprintf("unknown codec %q", name))
	}
	if compress {
		c = &snappyCodec{Codec: c}
	}
	return c, nil
}

// snappyCodec compresses envelope bytes. Event payloads are left as the
// inner codec produced them so the hash input does not depend on framing.
type snappyCodec struct {
	Codec
}

func (c *snappyCodec) Name() string { return c.Codec.Name() + "+snappy" }

func (c *snappyCodec) MarshalEnvelope(env *types.Envelope) ([]byte, error) {
	b, err := c.Codec.MarshalEnvelope(env)
	if err != nil {
		return nil, err
	}
	return snappy.Encode(nil, b), nil
}

func (c *snappyCodec) UnmarshalEnvelope(data []byte) (*types.Envelope, error) {
	raw, err := snappy.Decode(nil, data)
	if err != nil {
		return nil, errors.NewSerializationError(errors.CodeDecodeFailed, "decompress envelope", err)
	}
	return c.Codec.UnmarshalEnvelope(raw)
}

func encodeErr(msg string, err error) error {
	return errors.NewSerializationError(errors.CodeEncodeFailed, msg, err)
}

func decodeErr(msg string, err error) error {
	return errors.NewSerializationError(errors.CodeDecodeFailed, msg, err)
}
