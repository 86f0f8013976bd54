// Package snapshot writes and loads point-in-time copies of the
// materialized state, and compacts the log segments they cover.
//
// File layout:
//
//	magic "MLSNAP" | version u16 | body length u64 | body | meta length u32 | meta | sha256
//
// body is snappy-compressed JSON of the entities and applied event ids;
// meta is JSON carrying the snapshot id and the recovery marker. The
// trailing SHA-256 covers every preceding byte.
package snapshot

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"github.com/golang/snappy"

	storeerrors "github.com/arkilian/memlog/internal/errors"
	"github.com/arkilian/memlog/pkg/types"
)

const (
	magic         = "MLSNAP"
	formatVersion = uint16(1)
	headerSize    = len(magic) + 2 + 8
)

// Snapshot is the decoded content of a snapshot file.
type Snapshot struct {
	ID        string
	NodeID    string
	CreatedAt time.Time
	Marker    types.Marker
	Entities  []*types.Entity
	Applied   []string // event ids reflected in the state
}

type body struct {
	Entities []*types.Entity `json:"entities"`
	Applied  []string        `json:"applied"`
}

type meta struct {
	ID        string       `json:"id"`
	NodeID    string       `json:"node_id,omitempty"`
	CreatedAt time.Time    `json:"created_at"`
	Marker    types.Marker `json:"marker"`
}

// Encode serializes s.
func Encode(s *Snapshot) ([]byte, error) {
	raw, err := json.Marshal(body{Entities: s.Entities, Applied: s.Applied})
	if err != nil {
		return nil, storeerrors.NewSerializationError(storeerrors.CodeEncodeFailed, "failed to encode snapshot body", err)
	}
	compressed := snappy.Encode(nil, raw)

	m, err := json.Marshal(meta{ID: s.ID, NodeID: s.NodeID, CreatedAt: s.CreatedAt.UTC(), Marker: s.Marker})
	if err != nil {
		return nil, storeerrors.NewSerializationError(storeerrors.CodeEncodeFailed, "failed to encode snapshot marker", err)
	}

	var buf bytes.Buffer
	buf.Grow(headerSize + len(compressed) + 4 + len(m) + sha256.Size)
	buf.WriteString(magic)
	binary.Write(&buf, binary.LittleEndian, formatVersion)
	binary.Write(&buf, binary.LittleEndian, uint64(len(compressed)))
	buf.Write(compressed)
	binary.Write(&buf, binary.LittleEndian, uint32(len(m)))
	buf.Write(m)
	sum := sha256.Sum256(buf.Bytes())
	buf.Write(sum[:])
	return buf.Bytes(), nil
}

// Decode verifies the checksum and decodes a snapshot. Any structural
// problem is reported as SNAPSHOT_CORRUPT.
func Decode(data []byte) (*Snapshot, error) {
	m, bodyBytes, err := split(data)
	if err != nil {
		return nil, err
	}
	raw, err := snappy.Decode(nil, bodyBytes)
	if err != nil {
		return nil, corrupt("body decompression failed: %v", err)
	}
	var b body
	if err := json.Unmarshal(raw, &b); err != nil {
		return nil, corrupt("body decode failed: %v", err)
	}
	return &Snapshot{
		ID:        m.ID,
		NodeID:    m.NodeID,
		CreatedAt: m.CreatedAt,
		Marker:    m.Marker.Clone(),
		Entities:  b.Entities,
		Applied:   b.Applied,
	}, nil
}

// DecodeMarker verifies the checksum and returns only the metadata.
func DecodeMarker(data []byte) (id string, marker types.Marker, err error) {
	m, _, err := split(data)
	if err != nil {
		return "", types.Marker{}, err
	}
	return m.ID, m.Marker.Clone(), nil
}

func split(data []byte) (*meta, []byte, error) {
	if len(data) < headerSize+4+sha256.Size {
		return nil, nil, corrupt("file too short (%d bytes)", len(data))
	}
	payload, trailer := data[:len(data)-sha256.Size], data[len(data)-sha256.Size:]
	if sum := sha256.Sum256(payload); !bytes.Equal(sum[:], trailer) {
		return nil, nil, corrupt("checksum mismatch")
	}
	if string(payload[:len(magic)]) != magic {
		return nil, nil, corrupt("bad magic")
	}
	if v := binary.LittleEndian.Uint16(payload[len(magic):]); v != formatVersion {
		return nil, nil, corrupt("unsupported version %d", v)
	}
	bodyLen := binary.LittleEndian.Uint64(payload[len(magic)+2:])
	rest := payload[headerSize:]
	if bodyLen > uint64(len(rest))-4 {
		return nil, nil, corrupt("body length %d exceeds file", bodyLen)
	}
	bodyBytes := rest[:bodyLen]
	rest = rest[bodyLen:]
	metaLen := binary.LittleEndian.Uint32(rest)
	rest = rest[4:]
	if uint64(metaLen) != uint64(len(rest)) {
		return nil, nil, corrupt("marker length %d does not match %d trailing bytes", metaLen, len(rest))
	}
	var m meta
	if err := json.Unmarshal(rest, &m); err != nil {
		return nil, nil, corrupt("marker decode failed: %v", err)
	}
	return &m, bodyBytes, nil
}

func corrupt(format string, args ...interface{}) error {
	return storeerrors.NewIntegrityError(storeerrors.CodeSnapshotCorrupt, fmt.Sprintf(format, args...))
}
