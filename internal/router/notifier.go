// Package router maps envelopes to the route (segment log) that stores
// them and carries the in-process notification bus for store events.
package router

import (
	"strings"
	"sync"

	"github.com/google/uuid"
)

// NotificationType represents the type of notification.
type NotificationType int

const (
	EventsCommitted NotificationType = iota
	SnapshotCreated
	CompactionComplete
	IntegrityFailure
)

func (t NotificationType) String() string {
	switch t {
	case EventsCommitted:
		return "events_committed"
	case SnapshotCreated:
		return "snapshot_created"
	case CompactionComplete:
		return "compaction_complete"
	case IntegrityFailure:
		return "integrity_failure"
	default:
		return "unknown"
	}
}

// Notification describes something the store did.
type Notification struct {
	Type         NotificationType
	Route        string
	Events       int
	LastEventID  string
	SnapshotID   string
	AppliedIndex uint64
	Timestamp    int64
}

// Notifier provides an in-process pub/sub bus. Publishing never blocks.
type Notifier struct {
	subscribers sync.Map
	bufferSize  int
}

// NewNotifier creates a new notifier instance.
func NewNotifier(bufferSize int) *Notifier {
	return &Notifier{
		bufferSize: bufferSize,
	}
}

// Publish sends a notification to all subscribers.
// Non-blocking: if a subscriber's channel is full, the notification is dropped.
func (n *Notifier) Publish(notif Notification) {
	n.subscribers.Range(func(key, value interface{}) bool {
		sub := value.(*Subscriber)
		if sub.matches(notif) {
			select {
			case sub.Ch <- notif:
			default:
			}
		}
		return true
	})
}

// Subscribe adds a subscriber. Route prefixes in filters restrict which
// notifications it receives; no filters receives everything.
func (n *Notifier) Subscribe(id string, filters []string, types ...NotificationType) *Subscriber {
	if id == "" {
		id = "sub_" + uuid.NewString()
	}
	sub := &Subscriber{
		ID:      id,
		Filters: filters,
		Types:   types,
		Ch:      make(chan Notification, n.bufferSize),
	}
	n.subscribers.Store(sub.ID, sub)
	return sub
}

// Unsubscribe removes a subscriber from the notifier and closes their channel.
func (n *Notifier) Unsubscribe(subID string) {
	if value, ok := n.subscribers.LoadAndDelete(subID); ok {
		sub := value.(*Subscriber)
		close(sub.Ch)
	}
}

// Subscriber represents a notification subscriber.
type Subscriber struct {
	ID      string
	Filters []string
	Types   []NotificationType
	Ch      chan Notification
}

func (s *Subscriber) matches(notif Notification) bool {
	if len(s.Types) > 0 {
		ok := false
		for _, t := range s.Types {
			if t == notif.Type {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if len(s.Filters) == 0 {
		return true
	}
	for _, filter := range s.Filters {
		if filter == "" || strings.HasPrefix(notif.Route, filter) {
			return true
		}
	}
	return false
}
