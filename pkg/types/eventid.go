package types

import (
	"crypto/rand"
	"sync"
	"time"
)

// EventID is a 128-bit time-ordered identifier: 48 bits of millisecond
// timestamp followed by 80 random bits. Its canonical form is the
// 26-character Crockford base32 string, which sorts in generation order.
type EventID [16]byte

const crockfordBase32 = "0123456789ABCDEFGHJKMNPQRSTVWXYZ"

// EventIDLength is the length of the string form of an EventID.
const EventIDLength = 26

// IDGenerator produces EventIDs that are strictly increasing, including
// within a single millisecond.
type IDGenerator struct {
	mu            sync.Mutex
	lastTimestamp uint64
	lastRandom    [10]byte
}

// NewIDGenerator creates a new generator.
func NewIDGenerator() *IDGenerator {
	return &IDGenerator{}
}

var defaultGenerator = NewIDGenerator()

// NewEventID returns a fresh event id string from the process-wide generator.
func NewEventID() string {
	id, err := defaultGenerator.Generate()
	if err != nil {
		panic(err)
	}
	return id.String()
}

// Generate creates an id stamped with the current time.
func (g *IDGenerator) Generate() (EventID, error) {
	return g.GenerateAt(time.Now())
}

// GenerateAt creates an id stamped with t. Calls with a timestamp equal to
// the previous one increment the random part instead of drawing new bytes.
func (g *IDGenerator) GenerateAt(t time.Time) (EventID, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	ts := uint64(t.UnixMilli())
	var id EventID
	for i := 0; i < 6; i++ {
		id[i] = byte(ts >> (40 - 8*i))
	}

	if ts == g.lastTimestamp {
		for i := 9; i >= 0; i-- {
			g.lastRandom[i]++
			if g.lastRandom[i] != 0 {
				break
			}
		}
	} else {
		if _, err := rand.Read(g.lastRandom[:]); err != nil {
			return EventID{}, err
		}
		g.lastTimestamp = ts
	}
	copy(id[6:], g.lastRandom[:])
	return id, nil
}

// Timestamp returns the millisecond timestamp embedded in the id.
func (id EventID) Timestamp() int64 {
	var ts uint64
	for i := 0; i < 6; i++ {
		ts = ts<<8 | uint64(id[i])
	}
	return int64(ts)
}

// String encodes the id as 26 base32 characters, 5 bits per character,
// with the 128 bits right-aligned in 130 bits of output.
func (id EventID) String() string {
	var buf [EventIDLength]byte
	for i := EventIDLength - 1; i >= 0; i-- {
		bit := (EventIDLength-1-i)*5 // bit offset from the least significant end
		buf[i] = crockfordBase32[extractBits(id, bit)]
	}
	return string(buf[:])
}

func extractBits(id EventID, bit int) byte {
	var v uint16
	for k := 0; k < 5; k++ {
		b := bit + k
		if b >= 128 {
			break
		}
		byteIdx := 15 - b/8
		if id[byteIdx]&(1<<(b%8)) != 0 {
			v |= 1 << k
		}
	}
	return byte(v)
}

// ParseEventID decodes the string form of an EventID.
func ParseEventID(s string) (EventID, error) {
	var id EventID
	if len(s) != EventIDLength {
		return id, ErrInvalidEventIDLength
	}
	if decodeBase32(s[0]) > 7 {
		return id, ErrInvalidEventIDCharacter
	}
	for i := 0; i < EventIDLength; i++ {
		v := decodeBase32(s[i])
		if v == 0xFF {
			return id, ErrInvalidEventIDCharacter
		}
		bit := (EventIDLength - 1 - i) * 5
		for k := 0; k < 5; k++ {
			b := bit + k
			if b >= 128 || v&(1<<k) == 0 {
				continue
			}
			id[15-b/8] |= 1 << (b % 8)
		}
	}
	return id, nil
}

func decodeBase32(c byte) byte {
	if c >= 'a' && c <= 'z' {
		c -= 'a' - 'A'
	}
	for i := 0; i < len(crockfordBase32); i++ {
		if crockfordBase32[i] == c {
			return byte(i)
		}
	}
	return 0xFF
}
