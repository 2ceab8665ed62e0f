package bus

import (
	"sync"
	"testing"
	"time"

	"github.com/nextlevelbuilder/goclaw-bridge/internal/events"
	"github.com/nextlevelbuilder/goclaw-bridge/internal/eventbus"
	"github.com/nextlevelbuilder/goclaw-bridge/pkg/protocol"
)

func TestTopicForMapsKinds(t *testing.T) {
	cases := []struct {
		event events.Event
		want  string
	}{
		{events.NewUsageUpdate("s1", events.UsageUpdate{}, time.Now()), protocol.TopicUsage},
		{events.NewStatusChange("s1", protocol.StatusIdle, protocol.StatusReady, "", time.Now()), protocol.TopicEventStatus},
		{events.NewError("s1", events.ErrLinkLost, "boom", true, time.Now()), protocol.TopicError},
		{events.NewAssistantText("s1", "hi", true, time.Now()), protocol.TopicMessage},
	}
	for _, c := range cases {
		if got := topicFor(c.event); got != c.want {
			t.Errorf("topicFor(%s) = %q, want %q", c.event.Kind, got, c.want)
		}
	}
}

func TestSubscribeReceivesTranslatedFrame(t *testing.T) {
	eb := eventbus.New(nil, nil)
	pub := NewEventBusPublisher(eb)

	frames := make(chan protocol.Frame, 1)
	pub.Subscribe("client1", func(f protocol.Frame) { frames <- f })
	defer pub.Unsubscribe("client1")

	eb.Publish(events.NewStatusChange("s1", protocol.StatusIdle, protocol.StatusProcessing, "", time.Now()))

	select {
	case f := <-frames:
		if f.Topic != protocol.TopicEventStatus {
			t.Fatalf("topic = %q, want %q", f.Topic, protocol.TopicEventStatus)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for translated frame")
	}
}

func TestBroadcastReachesEveryDirectSubscriber(t *testing.T) {
	eb := eventbus.New(nil, nil)
	pub := NewEventBusPublisher(eb)

	var mu sync.Mutex
	received := map[string]bool{}
	for _, id := range []string{"a", "b"} {
		id := id
		pub.Subscribe(id, func(f protocol.Frame) {
			mu.Lock()
			received[id] = true
			mu.Unlock()
		})
	}

	pub.Broadcast(protocol.Frame{Topic: "daemon:startProgress"})

	mu.Lock()
	defer mu.Unlock()
	if !received["a"] || !received["b"] {
		t.Fatalf("received = %v, want both a and b", received)
	}
}

func TestUnsubscribeStopsBothPaths(t *testing.T) {
	eb := eventbus.New(nil, nil)
	pub := NewEventBusPublisher(eb)

	var mu sync.Mutex
	count := 0
	pub.Subscribe("client1", func(f protocol.Frame) {
		mu.Lock()
		count++
		mu.Unlock()
	})
	pub.Unsubscribe("client1")

	pub.Broadcast(protocol.Frame{Topic: "daemon:startProgress"})
	eb.Publish(events.NewStatusChange("s1", protocol.StatusIdle, protocol.StatusReady, "", time.Now()))
	time.Sleep(100 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if count != 0 {
		t.Fatalf("count = %d, want 0 after unsubscribe", count)
	}
}
