package bus

import (
	"sync"

	"github.com/nextlevelbuilder/goclaw-bridge/internal/events"
	"github.com/nextlevelbuilder/goclaw-bridge/internal/eventbus"
	"github.com/nextlevelbuilder/goclaw-bridge/pkg/protocol"
)

// topicFor maps an AgentEvent's Kind to the WS topic it is forwarded under
// (§6 Local WebSocket). Every forwarded topic is also a MessageLedger-backed
// event, so this is purely a presentation-layer translation.
func topicFor(e events.Event) string {
	switch e.Kind {
	case protocol.KindUsageUpdate:
		return protocol.TopicUsage
	case protocol.KindStatusChange:
		return protocol.TopicEventStatus
	case protocol.KindError:
		return protocol.TopicError
	default:
		return protocol.TopicMessage
	}
}

// EventBusPublisher adapts an eventbus.Bus (internal, per-session,
// fingerprint-deduplicated) to the gateway's EventPublisher contract
// (global, per-WebSocket-client, topic-framed). It also lets gateway code
// push ad hoc frames (e.g. daemon:* topics with no backing AgentEvent)
// directly to subscribers via Broadcast.
type EventBusPublisher struct {
	bus *eventbus.Bus

	mu      sync.Mutex
	handles map[string]eventbus.Handle
	direct  map[string]FrameHandler
}

// NewEventBusPublisher wraps bus for WebSocket fan-out.
func NewEventBusPublisher(bus *eventbus.Bus) *EventBusPublisher {
	return &EventBusPublisher{
		bus:     bus,
		handles: make(map[string]eventbus.Handle),
		direct:  make(map[string]FrameHandler),
	}
}

// Subscribe registers clientID for every session's events, translated to
// frames. Local UIs are expected to filter by sessionId client-side if they
// only care about one session at a time.
func (p *EventBusPublisher) Subscribe(clientID string, handler FrameHandler) {
	h := p.bus.Subscribe(eventbus.Filter{}, 256, eventbus.DropOldest, func(e events.Event) {
		handler(protocol.Frame{Topic: topicFor(e), Data: e})
	}, nil)

	p.mu.Lock()
	p.handles[clientID] = h
	p.direct[clientID] = handler
	p.mu.Unlock()
}

// Unsubscribe tears down clientID's subscription.
func (p *EventBusPublisher) Unsubscribe(clientID string) {
	p.mu.Lock()
	h, ok := p.handles[clientID]
	delete(p.handles, clientID)
	delete(p.direct, clientID)
	p.mu.Unlock()
	if ok {
		p.bus.Unsubscribe(h)
	}
}

// Broadcast pushes frame directly to every currently-subscribed client,
// bypassing the AgentEvent ledger — used for daemon:startProgress and other
// frames that have no MessageLedger-backed representation.
func (p *EventBusPublisher) Broadcast(frame protocol.Frame) {
	p.mu.Lock()
	handlers := make([]FrameHandler, 0, len(p.direct))
	for _, h := range p.direct {
		handlers = append(handlers, h)
	}
	p.mu.Unlock()
	for _, h := range handlers {
		h(frame)
	}
}
