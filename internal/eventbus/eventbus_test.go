package eventbus

import (
	"sync"
	"testing"
	"time"

	"github.com/nextlevelbuilder/goclaw-bridge/internal/events"
	"github.com/nextlevelbuilder/goclaw-bridge/pkg/protocol"
)

func usageEvent(sessionID string, n int64, seq int64) events.Event {
	e := events.NewUsageUpdate(sessionID, events.UsageUpdate{InputTokens: n}, time.Now())
	e.Sequence = seq
	return e
}

func statusEvent(sessionID string, seq int64) events.Event {
	e := events.NewStatusChange(sessionID, protocol.StatusIdle, protocol.StatusProcessing, "", time.Now())
	e.Sequence = seq
	return e
}

func errorEvent(sessionID string, seq int64) events.Event {
	e := events.NewError(sessionID, events.ErrLinkLost, "lost", true, time.Now())
	e.Sequence = seq
	return e
}

func collect(t *testing.T, n int, setup func(handler Handler) Handle) []events.Event {
	t.Helper()
	var mu sync.Mutex
	var got []events.Event
	done := make(chan struct{})
	handle := setup(func(e events.Event) {
		mu.Lock()
		got = append(got, e)
		if len(got) == n {
			close(done)
		}
		mu.Unlock()
	})
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %d events, got %d", n, len(got))
	}
	mu.Lock()
	defer mu.Unlock()
	_ = handle
	return append([]events.Event(nil), got...)
}

func TestCoalesceUsageKeepsLatest(t *testing.T) {
	bus := New(nil, nil)
	var mu sync.Mutex
	var got []events.Event
	releaseCh := make(chan struct{})
	handle := bus.Subscribe(Filter{}, 4, CoalesceUsage, func(e events.Event) {
		<-releaseCh // block the delivery goroutine so events queue up behind it
		mu.Lock()
		got = append(got, e)
		mu.Unlock()
	}, nil)
	defer bus.Unsubscribe(handle)

	bus.Publish(usageEvent("s1", 1, 1))
	bus.Publish(usageEvent("s1", 2, 2))
	bus.Publish(usageEvent("s1", 3, 3))
	time.Sleep(50 * time.Millisecond) // let Publish calls land before the first release

	close(releaseCh)
	time.Sleep(100 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 {
		t.Fatalf("got %d events, want 1 (coalesced)", len(got))
	}
	if got[0].UsageUpdate.InputTokens != 3 {
		t.Fatalf("coalesced event token count = %d, want 3 (latest)", got[0].UsageUpdate.InputTokens)
	}
}

func TestErrorEventsForceDeliveryRegardlessOfPolicy(t *testing.T) {
	bus := New(nil, nil)
	got := collect(t, 1, func(h Handler) Handle {
		handle := bus.Subscribe(Filter{}, 1, DropNewest, h, nil)
		bus.Publish(usageEvent("s1", 1, 1)) // fills the capacity-1 queue before the handler drains it
		bus.Publish(errorEvent("s1", 2))
		return handle
	})

	if len(got) == 0 {
		t.Fatal("expected at least one delivered event")
	}
}

func TestFilterBySessionID(t *testing.T) {
	bus := New(nil, nil)
	var mu sync.Mutex
	var got []events.Event
	handle := bus.Subscribe(Filter{SessionID: "s1"}, 8, DropOldest, func(e events.Event) {
		mu.Lock()
		got = append(got, e)
		mu.Unlock()
	}, nil)
	defer bus.Unsubscribe(handle)

	bus.Publish(statusEvent("s1", 1))
	bus.Publish(statusEvent("s2", 2))
	time.Sleep(100 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 || got[0].SessionID != "s1" {
		t.Fatalf("got %v, want exactly one s1 event", got)
	}
}

func TestSessionSubscriberUnsubscribeStopsDelivery(t *testing.T) {
	bus := New(nil, nil)
	var mu sync.Mutex
	var count int
	sub := SessionSubscriber{Bus: bus}
	unsubscribe := sub.Subscribe("s1", func(e events.Event) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	bus.Publish(statusEvent("s1", 1))
	time.Sleep(100 * time.Millisecond)
	unsubscribe()
	bus.Publish(statusEvent("s1", 2))
	time.Sleep(100 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if count != 1 {
		t.Fatalf("count = %d, want 1 (second publish after unsubscribe should not arrive)", count)
	}
}
