// Package types holds the data types shared by the store, the codecs and
// replication: entities, envelopes, event ids and log markers.
package types

import "maps"

// Entity is one materialized aggregate owned by the state engine.
// Entities are treated as immutable values: the engine replaces rather
// than mutates them.
type Entity struct {
	ID        string            `json:"id"`
	Type      string            `json:"type"`
	Version   uint64            `json:"version"`
	Fields    map[string]string `json:"fields"`
	CreatedAt int64             `json:"created_at"`
	UpdatedAt int64             `json:"updated_at"`
}

// Clone returns a copy with its own field map.
func (e *Entity) Clone() *Entity {
	if e == nil {
		return nil
	}
	c := *e
	c.Fields = maps.Clone(e.Fields)
	if c.Fields == nil {
		c.Fields = map[string]string{}
	}
	return &c
}

// Equal compares two entities by value.
func (e *Entity) Equal(o *Entity) bool {
	if e == nil || o == nil {
		return e == o
	}
	return e.ID == o.ID && e.Type == o.Type && e.Version == o.Version &&
		e.CreatedAt == o.CreatedAt && e.UpdatedAt == o.UpdatedAt &&
		maps.Equal(e.Fields, o.Fields)
}
