package types

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventID_StringRoundTrip(t *testing.T) {
	g := NewIDGenerator()
	id, err := g.Generate()
	require.NoError(t, err)

	s := id.String()
	assert.Len(t, s, EventIDLength)

	parsed, err := ParseEventID(s)
	require.NoError(t, err)
	assert.Equal(t, id, parsed)
}

func TestParseEventID_Invalid(t *testing.T) {
	_, err := ParseEventID("short")
	assert.ErrorIs(t, err, ErrInvalidEventIDLength)

	_, err = ParseEventID("0000000000000000000000000U")
	assert.ErrorIs(t, err, ErrInvalidEventIDCharacter)

	_, err = ParseEventID("Z0000000000000000000000000")
	assert.ErrorIs(t, err, ErrInvalidEventIDCharacter)
}

func TestParseEventID_Lowercase(t *testing.T) {
	id, err := NewIDGenerator().Generate()
	require.NoError(t, err)

	lower := []byte(id.String())
	for i, c := range lower {
		if c >= 'A' && c <= 'Z' {
			lower[i] = c + ('a' - 'A')
		}
	}
	parsed, err := ParseEventID(string(lower))
	require.NoError(t, err)
	assert.Equal(t, id, parsed)
}

func TestProperty_EventIDOrdering(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("ids generated later sort after earlier ids", prop.ForAll(
		func(t1, t2 int64) bool {
			if t1 >= t2 {
				t1, t2 = t2, t1+1
			}
			g := NewIDGenerator()
			a, err := g.GenerateAt(time.UnixMilli(t1))
			if err != nil {
				return false
			}
			b, err := g.GenerateAt(time.UnixMilli(t2))
			if err != nil {
				return false
			}
			return a.String() < b.String() && a.Timestamp() == t1 && b.Timestamp() == t2
		},
		gen.Int64Range(1000000000000, 2000000000000),
		gen.Int64Range(1000000000000, 2000000000000),
	))

	properties.Property("ids within one millisecond are strictly increasing", prop.ForAll(
		func(ts int64, count int) bool {
			g := NewIDGenerator()
			at := time.UnixMilli(ts)
			prev := ""
			for i := 0; i < count; i++ {
				id, err := g.GenerateAt(at)
				if err != nil {
					return false
				}
				s := id.String()
				if s <= prev {
					return false
				}
				prev = s
			}
			return true
		},
		gen.Int64Range(1000000000000, 2000000000000),
		gen.IntRange(2, 200),
	))

	properties.TestingRun(t)
}

func TestAggregateType(t *testing.T) {
	assert.Equal(t, "order", AggregateType("order:42"))
	assert.Equal(t, "order", AggregateType("order:42:line:1"))
	assert.Equal(t, "", AggregateType("plain"))
	assert.Equal(t, "", AggregateType(""))
}

func TestEnvelope_CloneIsIndependent(t *testing.T) {
	env := &Envelope{EventType: "entity.created", EventID: "x", Payload: []byte("abc")}
	c := env.Clone()
	c.Payload[0] = 'z'
	assert.Equal(t, byte('a'), env.Payload[0])
	assert.False(t, env.Equal(c))
}
