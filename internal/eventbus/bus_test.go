package eventbus

import (
	"testing"
	"time"
)

func recvEvent(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for event")
		return Event{}
	}
}

func TestBusPrefixFiltering(t *testing.T) {
	t.Parallel()
	b := New()

	taskCh, unsubTask := b.Subscribe("task.", 8)
	defer unsubTask()
	allCh, unsubAll := b.Subscribe("*", 8)
	defer unsubAll()

	b.Publish(Event{Type: "task.finished", Data: 1})
	b.Publish(Event{Type: "lane.suspended", Data: 2})

	ev := recvEvent(t, taskCh)
	if ev.Type != "task.finished" {
		t.Fatalf("task subscriber got %q", ev.Type)
	}
	select {
	case ev := <-taskCh:
		t.Fatalf("task subscriber received non-task event %q", ev.Type)
	default:
	}

	first := recvEvent(t, allCh)
	second := recvEvent(t, allCh)
	if first.Type != "task.finished" || second.Type != "lane.suspended" {
		t.Fatalf("wildcard subscriber got %q, %q", first.Type, second.Type)
	}
}

func TestBusStampsTime(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe("", 1)
	defer unsub()

	b.Publish(Event{Type: "task.started"})
	if ev := recvEvent(t, ch); ev.Time.IsZero() {
		t.Fatalf("event time not stamped")
	}
}

func TestBusDropsWhenSubscriberFull(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe("", 1)
	defer unsub()

	b.Publish(Event{Type: "a"})
	b.Publish(Event{Type: "b"}) // dropped, buffer full

	if ev := recvEvent(t, ch); ev.Type != "a" {
		t.Fatalf("got %q, want the first event", ev.Type)
	}
	select {
	case ev := <-ch:
		t.Fatalf("unexpected second event %q", ev.Type)
	default:
	}
}

func TestBusPublishAfterUnsubscribe(t *testing.T) {
	t.Parallel()
	b := New()
	_, unsub := b.Subscribe("", 1)
	unsub()
	unsub() // idempotent

	// Must not panic or block.
	b.Publish(Event{Type: "task.finished"})
}
