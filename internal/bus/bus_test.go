package bus

import (
	"testing"
	"time"
)

func TestSubscribeDeliversSynchronously(t *testing.T) {
	b := New()
	var got []string
	unsub := b.Subscribe("chat.", func(evt Event) {
		got = append(got, evt.Kind)
	})
	defer unsub()

	b.Publish(Event{Kind: ChatCreated, Timestamp: time.Now()})
	b.Publish(Event{Kind: MessageAdded})
	b.Publish(Event{Kind: ChatSynced})

	// No waiting: delivery happened before Publish returned.
	if len(got) != 2 || got[0] != ChatCreated || got[1] != ChatSynced {
		t.Fatalf("got %v, want [%s %s]", got, ChatCreated, ChatSynced)
	}
}

func TestSubscribeOrder(t *testing.T) {
	b := New()
	var order []int
	for i := 0; i < 5; i++ {
		i := i
		b.Subscribe("", func(Event) { order = append(order, i) })
	}

	b.Publish(Event{Kind: "anything"})

	for i, v := range order {
		if v != i {
			t.Fatalf("handler order = %v, want registration order", order)
		}
	}
	if len(order) != 5 {
		t.Fatalf("got %d deliveries, want 5", len(order))
	}
}

func TestUnsubscribeHandler(t *testing.T) {
	b := New()
	calls := 0
	unsub := b.Subscribe("message.", func(Event) { calls++ })

	b.Publish(Event{Kind: MessageAdded})
	unsub()
	unsub()
	b.Publish(Event{Kind: MessageAdded})

	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestPanickingHandlerDoesNotStopOthers(t *testing.T) {
	b := New()
	b.Subscribe("", func(Event) { panic("bad observer") })
	delivered := false
	b.Subscribe("", func(Event) { delivered = true })

	b.Publish(Event{Kind: ChatUpdated})

	if !delivered {
		t.Error("second handler was not called after first panicked")
	}
}

func TestHandlerMayUnsubscribeItself(t *testing.T) {
	b := New()
	calls := 0
	var unsub func()
	unsub = b.Subscribe("", func(Event) {
		calls++
		unsub()
	})

	b.Publish(Event{Kind: "a"})
	b.Publish(Event{Kind: "b"})

	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestWatch(t *testing.T) {
	b := New()
	ch, unsub := b.Watch("session.", 10)
	defer unsub()

	b.Publish(Event{Kind: SessionSignedIn, Timestamp: time.Now(), Payload: "u1"})

	select {
	case evt := <-ch:
		if evt.Kind != SessionSignedIn {
			t.Errorf("got kind %q, want %s", evt.Kind, SessionSignedIn)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestWatchNamespaceFiltering(t *testing.T) {
	b := New()
	ch, unsub := b.Watch("sync.", 10)
	defer unsub()

	b.Publish(Event{Kind: SessionSignedOut})
	b.Publish(Event{Kind: SyncStarted})

	select {
	case evt := <-ch:
		if evt.Kind != SyncStarted {
			t.Errorf("got kind %q, want %s", evt.Kind, SyncStarted)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}

	// Ensure session event was not delivered.
	select {
	case evt := <-ch:
		t.Errorf("unexpected event: %v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestWatchUnsubscribe(t *testing.T) {
	b := New()
	ch, unsub := b.Watch("session.", 10)
	unsub()

	b.Publish(Event{Kind: SessionSignedIn})

	select {
	case evt := <-ch:
		t.Errorf("received event after unsubscribe: %v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestWatchDropOnFullBuffer(t *testing.T) {
	b := New()
	ch, unsub := b.Watch("test.", 1)
	defer unsub()

	b.Publish(Event{Kind: "test.one"})
	// This should be dropped (non-blocking).
	b.Publish(Event{Kind: "test.two"})

	evt := <-ch
	if evt.Kind != "test.one" {
		t.Errorf("got %q, want test.one", evt.Kind)
	}
	select {
	case evt := <-ch:
		t.Errorf("unexpected second event %q", evt.Kind)
	default:
	}
}
