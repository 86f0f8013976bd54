package router

import (
	"testing"
	"time"
)

func TestNotifier_PublishNoSubscribers(t *testing.T) {
	n := NewNotifier(100)
	// Should not panic and should not block
	n.Publish(Notification{Type: EventsCommitted, Route: "main", Events: 1, Timestamp: time.Now().UnixNano()})
}

func TestNotifier_SubscribeReceivesNotification(t *testing.T) {
	n := NewNotifier(100)
	sub := n.Subscribe("sub-1", nil)

	n.Publish(Notification{Type: EventsCommitted, Route: "orders", Events: 3})

	select {
	case notif := <-sub.Ch:
		if notif.Route != "orders" || notif.Events != 3 {
			t.Errorf("unexpected notification %+v", notif)
		}
	case <-time.After(time.Second):
		t.Fatal("subscriber did not receive notification within timeout")
	}
}

func TestNotifier_FilterExcludesNonMatching(t *testing.T) {
	n := NewNotifier(100)
	sub := n.Subscribe("sub-2", []string{"ord"})

	n.Publish(Notification{Type: EventsCommitted, Route: "users"})
	n.Publish(Notification{Type: EventsCommitted, Route: "orders"})

	select {
	case notif := <-sub.Ch:
		if notif.Route != "orders" {
			t.Errorf("expected orders, got %s", notif.Route)
		}
	case <-time.After(time.Second):
		t.Fatal("expected matching notification")
	}
	select {
	case notif := <-sub.Ch:
		t.Errorf("unexpected notification %+v", notif)
	default:
	}
}

func TestNotifier_TypeFilter(t *testing.T) {
	n := NewNotifier(10)
	sub := n.Subscribe("", nil, SnapshotCreated)
	if sub.ID == "" {
		t.Fatal("expected generated subscriber id")
	}

	n.Publish(Notification{Type: EventsCommitted})
	n.Publish(Notification{Type: SnapshotCreated, AppliedIndex: 9})

	notif := <-sub.Ch
	if notif.Type != SnapshotCreated || notif.AppliedIndex != 9 {
		t.Errorf("unexpected notification %+v", notif)
	}
}

func TestNotifier_FullChannelDoesNotBlock(t *testing.T) {
	n := NewNotifier(1)
	n.Subscribe("slow", nil)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			n.Publish(Notification{Type: EventsCommitted})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a full subscriber")
	}
}

func TestNotifier_Unsubscribe(t *testing.T) {
	n := NewNotifier(10)
	sub := n.Subscribe("gone", nil)
	n.Unsubscribe("gone")

	if _, ok := <-sub.Ch; ok {
		t.Error("channel should be closed after Unsubscribe")
	}
	n.Publish(Notification{Type: EventsCommitted})
	n.Unsubscribe("gone")
}
