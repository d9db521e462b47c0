// internal/bus/bus_test.go
package bus

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/user/agentlens/internal/types"
)

func event(session types.SessionID) types.Event {
	return types.Event{
		Type:      types.EventUserMessage,
		SessionID: session,
		Timestamp: time.Now(),
		Source:    types.SourceServer,
	}
}

func TestFanOut(t *testing.T) {
	b := New()

	all := make(chan types.Event, 10)
	scoped := make(chan types.Event, 10)

	unsubAll := b.SubscribeAll(func(ev types.Event) { all <- ev })
	defer unsubAll()
	unsubScoped := b.SubscribeSession("s1", func(ev types.Event) { scoped <- ev })
	defer unsubScoped()

	b.Publish(event("s1"))
	b.Publish(event("s2"))

	for i := 0; i < 2; i++ {
		select {
		case <-all:
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for all-events subscriber")
		}
	}

	select {
	case ev := <-scoped:
		if ev.SessionID != "s1" {
			t.Errorf("scoped subscriber got session %s", ev.SessionID)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for session subscriber")
	}

	select {
	case ev := <-scoped:
		t.Errorf("scoped subscriber got unexpected event for session %s", ev.SessionID)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestUnsubscribe(t *testing.T) {
	b := New()

	var delivered atomic.Int32
	unsub := b.SubscribeAll(func(types.Event) { delivered.Add(1) })

	b.Publish(event("s1"))
	time.Sleep(50 * time.Millisecond)

	unsub()
	unsub() // idempotent

	if b.SubscriberCount() != 0 {
		t.Errorf("expected 0 subscribers, got %d", b.SubscriberCount())
	}

	b.Publish(event("s1"))
	time.Sleep(50 * time.Millisecond)

	if n := delivered.Load(); n != 1 {
		t.Errorf("expected 1 delivery, got %d", n)
	}
}

func TestSlowSubscriberDoesNotBlockPublisher(t *testing.T) {
	b := New()

	block := make(chan struct{})
	unsub := b.SubscribeAll(func(types.Event) { <-block })
	defer unsub()
	defer close(block)

	// Saturate the lane well past its buffer; Publish must return anyway.
	done := make(chan struct{})
	go func() {
		for i := 0; i < laneSize*3; i++ {
			b.Publish(event("s1"))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publisher blocked on slow subscriber")
	}
}

func TestNoReplayForLateSubscriber(t *testing.T) {
	b := New()
	b.Publish(event("s1"))

	got := make(chan types.Event, 1)
	unsub := b.SubscribeAll(func(ev types.Event) { got <- ev })
	defer unsub()

	select {
	case <-got:
		t.Error("late subscriber received replayed event")
	case <-time.After(100 * time.Millisecond):
	}
}
