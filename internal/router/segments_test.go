package router

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arkilian/memlog/internal/errors"
)

func TestSegmentRouter_SingleMode(t *testing.T) {
	r, err := NewSegmentRouter(ModeSingle, nil)
	require.NoError(t, err)

	for _, id := range []string{"order:1", "user:2", "plain"} {
		name, err := r.RouteFor(id, "entity.created")
		require.NoError(t, err)
		assert.Equal(t, MainRoute, name)
	}
	assert.Equal(t, []string{MainRoute}, r.Names())
}

func TestSegmentRouter_MultiMode(t *testing.T) {
	r, err := NewSegmentRouter(ModeMulti, []RouteConfig{
		{Name: "sales", AggregateTypes: []string{"order", "invoice"}},
		{Name: "people", AggregateTypes: []string{"user"}, EventTypes: []string{"entity.created", "entity.updated"}},
	})
	require.NoError(t, err)

	assert.Equal(t, "sales", r.RouteOf("order:1"))
	assert.Equal(t, "sales", r.RouteOf("invoice:9"))
	assert.Equal(t, "people", r.RouteOf("user:7"))
	assert.Equal(t, DefaultRoute, r.RouteOf("ticket:3"))
	assert.Equal(t, DefaultRoute, r.RouteOf("untyped"))
	assert.Equal(t, []string{DefaultRoute, "people", "sales"}, r.Names())

	_, err = r.RouteFor("user:7", "entity.deleted")
	assert.Equal(t, errors.CodeUnauthorizedEventType, errors.GetCode(err))

	metas := r.Metas()
	require.Len(t, metas, 3)
	assert.Equal(t, "people", metas[1].Name)
	assert.True(t, metas[1].Authorizes("entity.updated"))
}

func TestSegmentRouter_RejectsSplitAggregateType(t *testing.T) {
	_, err := NewSegmentRouter(ModeMulti, []RouteConfig{
		{Name: "a", AggregateTypes: []string{"order"}},
		{Name: "b", AggregateTypes: []string{"order"}},
	})
	assert.Equal(t, errors.CodeInvalidConfig, errors.GetCode(err))
}

func TestSegmentRouter_RejectsBadNames(t *testing.T) {
	for _, name := range []string{"", "../etc", "Upper", "a/b"} {
		_, err := NewSegmentRouter(ModeMulti, []RouteConfig{{Name: name}})
		assert.Error(t, err, name)
	}
	_, err := NewSegmentRouter(ModeMulti, []RouteConfig{{Name: "x"}, {Name: "x"}})
	assert.Error(t, err)
	_, err = NewSegmentRouter("sharded", nil)
	assert.Error(t, err)
}
