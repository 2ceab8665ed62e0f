// Package eventbus fans out AgentEvents (and the handful of infrastructure
// events — daemon progress, workspace change) to an arbitrary number of
// subscribers with bounded per-subscriber memory and an explicit drop
// policy, replacing the ambient process-wide emitter pattern the teacher
// inherited from its own upstream.
package eventbus

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/nextlevelbuilder/goclaw-bridge/internal/events"
	"github.com/nextlevelbuilder/goclaw-bridge/pkg/protocol"
)

// DropPolicy selects how a subscriber's bounded queue behaves on overflow.
type DropPolicy int

const (
	DropNewest DropPolicy = iota
	DropOldest
	CoalesceUsage
)

// Filter selects which events a subscription receives. An empty SessionID
// matches every session; a nil/empty Kinds matches every kind.
type Filter struct {
	SessionID string
	Kinds     map[protocol.AgentEventKind]struct{}
}

func (f Filter) matches(e events.Event) bool {
	if f.SessionID != "" && f.SessionID != e.SessionID {
		return false
	}
	if len(f.Kinds) > 0 {
		if _, ok := f.Kinds[e.Kind]; !ok {
			return false
		}
	}
	return true
}

// Handle identifies a live subscription.
type Handle struct {
	id string
}

// Handler receives in-order events for a subscription. GapHandler is called
// whenever one or more events were dropped before the next delivered event.
type Handler func(events.Event)
type GapHandler func(events.Gap)

type queueItem struct {
	event events.Event
	isGap bool
	gap   events.Gap
}

type subscription struct {
	id         string
	filter     Filter
	policy     DropPolicy
	capacity   int
	handler    Handler
	gapHandler GapHandler

	mu      sync.Mutex
	cond    *sync.Cond
	items   []queueItem
	closed  bool
	lastSeq int64
}

func newSubscription(id string, filter Filter, capacity int, policy DropPolicy, h Handler, gh GapHandler) *subscription {
	s := &subscription{id: id, filter: filter, capacity: capacity, policy: policy, handler: h, gapHandler: gh}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// enqueue applies the subscriber's drop policy. force bypasses the
// subscriber's own policy and always makes room via drop-oldest semantics;
// it is used for Error events so "the most recent error always arrives"
// regardless of the subscription's configured policy.
func (s *subscription) enqueue(e events.Event, force bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	if force {
		s.enqueueDropOldestLocked(e)
		s.cond.Signal()
		return
	}

	switch s.policy {
	case CoalesceUsage:
		if e.Kind == protocol.KindUsageUpdate {
			for i, it := range s.items {
				if !it.isGap && it.event.Kind == protocol.KindUsageUpdate {
					s.items[i] = queueItem{event: e}
					s.cond.Signal()
					return
				}
			}
			// No queued usage event to supersede: falls through to
			// ordinary bounded append below.
		}
		s.enqueueDropOldestLocked(e)
	case DropOldest:
		s.enqueueDropOldestLocked(e)
	default: // DropNewest
		if len(s.items) >= s.capacity {
			// Record the gap so the next delivered event is preceded by a
			// Gap marker carrying the dropped event's sequence.
			s.recordGapLocked(e.Sequence, e.Sequence)
			return
		}
		s.items = append(s.items, queueItem{event: e})
	}
	s.cond.Signal()
}

func (s *subscription) enqueueDropOldestLocked(e events.Event) {
	if len(s.items) >= s.capacity {
		evicted := s.items[0]
		s.items = s.items[1:]
		if !evicted.isGap {
			s.recordGapLocked(evicted.event.Sequence, evicted.event.Sequence)
		}
	}
	s.items = append(s.items, queueItem{event: e})
}

// recordGapLocked merges an adjacent gap marker into the trailing one if
// present, otherwise appends a new Gap item. Caller holds s.mu.
func (s *subscription) recordGapLocked(from, to int64) {
	if n := len(s.items); n > 0 && s.items[n-1].isGap {
		if from < s.items[n-1].gap.From {
			s.items[n-1].gap.From = from
		}
		if to > s.items[n-1].gap.To {
			s.items[n-1].gap.To = to
		}
		return
	}
	s.items = append(s.items, queueItem{isGap: true, gap: events.Gap{From: from, To: to}})
}

func (s *subscription) loop() {
	for {
		s.mu.Lock()
		for len(s.items) == 0 && !s.closed {
			s.cond.Wait()
		}
		if s.closed && len(s.items) == 0 {
			s.mu.Unlock()
			return
		}
		item := s.items[0]
		s.items = s.items[1:]
		s.mu.Unlock()

		if item.isGap {
			if s.gapHandler != nil {
				s.gapHandler(item.gap)
			}
			continue
		}
		s.handler(item.event)
		atomic.StoreInt64(&s.lastSeq, item.event.Sequence)
	}
}

func (s *subscription) close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cond.Broadcast()
}

// Replayer is the subset of the ledger used to serve replay-on-subscribe
// requests atomically with live publication (see ledger.ReplaySubscribe).
type Replayer interface {
	ReplaySubscribe(sessionID string, fromSequence int64, register func(snapshot []events.Event, cursor int64))
}

// Bus is the fan-out hub. Safe for concurrent use.
type Bus struct {
	log     *slog.Logger
	replay  Replayer
	mu      sync.RWMutex
	subs    map[string]*subscription
}

// New constructs a Bus. replay may be nil; Replay then only re-delivers
// events seen after the call (no ledger-backed history).
func New(replay Replayer, log *slog.Logger) *Bus {
	if log == nil {
		log = slog.Default()
	}
	return &Bus{log: log, replay: replay, subs: make(map[string]*subscription)}
}

// Subscribe registers a new subscription and starts its delivery worker.
func (b *Bus) Subscribe(filter Filter, queueCapacity int, policy DropPolicy, h Handler, gh GapHandler) Handle {
	if queueCapacity <= 0 {
		queueCapacity = 256
	}
	id := uuid.NewString()
	sub := newSubscription(id, filter, queueCapacity, policy, h, gh)
	b.mu.Lock()
	b.subs[id] = sub
	b.mu.Unlock()
	go sub.loop()
	return Handle{id: id}
}

// Unsubscribe stops delivery and releases the subscription. Idempotent.
func (b *Bus) Unsubscribe(h Handle) {
	b.mu.Lock()
	sub, ok := b.subs[h.id]
	if ok {
		delete(b.subs, h.id)
	}
	b.mu.Unlock()
	if ok {
		sub.close()
	}
}

// Publish is non-blocking: it applies each matching subscriber's drop
// policy on overflow rather than waiting for room.
func (b *Bus) Publish(e events.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if !sub.filter.matches(e) {
			continue
		}
		force := e.Kind == protocol.KindError
		sub.enqueue(e, force)
	}
}

// Replay re-emits matching ledger entries from fromSequence atomically with
// resuming live delivery: the snapshot and the subscription's registration
// happen inside the ledger's per-session critical section (see
// ledger.ReplaySubscribe), so no event is ever missed or duplicated across
// the handoff.
func (b *Bus) Replay(sessionID string, fromSequence int64, filter Filter, queueCapacity int, policy DropPolicy, h Handler, gh GapHandler) Handle {
	if b.replay == nil {
		return b.Subscribe(filter, queueCapacity, policy, h, gh)
	}
	var handle Handle
	b.replay.ReplaySubscribe(sessionID, fromSequence, func(snapshot []events.Event, cursor int64) {
		handle = b.Subscribe(filter, queueCapacity, policy, h, gh)
		b.mu.RLock()
		sub := b.subs[handle.id]
		b.mu.RUnlock()
		if sub == nil {
			return
		}
		for _, e := range snapshot {
			if filter.matches(e) {
				sub.enqueue(e, e.Kind == protocol.KindError)
			}
		}
	})
	return handle
}

// SessionSubscriber adapts a Bus to channelbridge.Subscriber: one
// session-scoped subscription per call, torn down via the returned
// unsubscribe func.
type SessionSubscriber struct {
	Bus *Bus
}

// Subscribe implements channelbridge.Subscriber.
func (s SessionSubscriber) Subscribe(sessionID string, onEvent func(events.Event)) func() {
	handle := s.Bus.Subscribe(Filter{SessionID: sessionID}, 256, DropOldest, onEvent, nil)
	return func() { s.Bus.Unsubscribe(handle) }
}
