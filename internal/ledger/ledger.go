// Package ledger implements the bounded, ordered, de-duplicated per-session
// record of AgentEvents used for late-subscriber replay and crash-tolerant
// UI refresh.
package ledger

import (
	"container/list"
	"log/slog"
	"sync"
	"time"

	"github.com/nextlevelbuilder/goclaw-bridge/internal/events"
)

// Store persists ledger entries best-effort (see internal/store). A nil
// Store is valid: the ledger then holds only the in-memory ring buffer and
// restart loses history, which the Non-goals explicitly allow.
type Store interface {
	Persist(sessionID string, e events.Event)
}

// Bus is the subset of EventBus the ledger publishes into. Kept as a small
// interface (mirroring the teacher's bus.EventPublisher) so tests can inject
// a fake without constructing a real EventBus.
type Bus interface {
	Publish(e events.Event)
}

// Limits bounds a single session's retained history (see §3 Ledger entry).
type Limits struct {
	MaxEntries int
	MaxAge     time.Duration
}

// DefaultLimits matches the specification's stated defaults.
func DefaultLimits() Limits {
	return Limits{MaxEntries: 5000, MaxAge: 120 * time.Minute}
}

type session struct {
	mu           sync.Mutex
	order        *list.List // of events.Event, front = oldest
	fingerprints map[string]time.Time
	oldestSeq    int64
	newestSeq    int64
}

func newSession() *session {
	return &session{order: list.New(), fingerprints: make(map[string]time.Time)}
}

// Ledger is safe for concurrent use. Each session is guarded by its own
// mutex so unrelated sessions never contend.
type Ledger struct {
	limits Limits
	bus    Bus
	store  Store
	log    *slog.Logger

	mu       sync.RWMutex
	sessions map[string]*session
}

// New constructs a Ledger. bus and store may be nil for standalone use
// (e.g. unit tests exercising only Append/Snapshot).
func New(limits Limits, bus Bus, store Store, log *slog.Logger) *Ledger {
	if log == nil {
		log = slog.Default()
	}
	return &Ledger{limits: limits, bus: bus, store: store, log: log, sessions: make(map[string]*session)}
}

func (l *Ledger) sessionFor(sessionID string) *session {
	l.mu.RLock()
	s, ok := l.sessions[sessionID]
	l.mu.RUnlock()
	if ok {
		return s
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if s, ok = l.sessions[sessionID]; ok {
		return s
	}
	s = newSession()
	l.sessions[sessionID] = s
	return s
}

// Append records an event, returning false if it was a duplicate (same
// fingerprint already held for this session) and true if it was newly
// stored and published. Idempotent on fingerprint per §4.5.
//
// The sequence cursor is read and the event is handed to the bus inside the
// same per-session critical section used by ReplaySubscribe, so a
// concurrent subscriber never observes a torn view (§4.5 invariant 5).
func (l *Ledger) Append(e events.Event) bool {
	s := l.sessionFor(e.SessionID)
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, dup := s.fingerprints[e.Fingerprint]; dup {
		l.log.Debug("ledger: dropped duplicate fingerprint", "sessionId", e.SessionID, "kind", e.Kind)
		return false
	}

	s.fingerprints[e.Fingerprint] = time.Now()
	s.order.PushBack(e)
	if s.oldestSeq == 0 || e.Sequence < s.oldestSeq {
		if s.order.Len() == 1 {
			s.oldestSeq = e.Sequence
		}
	}
	s.newestSeq = e.Sequence

	l.trimLocked(s)

	if l.store != nil {
		l.store.Persist(e.SessionID, e)
	}
	if l.bus != nil {
		l.bus.Publish(e)
	}
	return true
}

// trimLocked evicts from the front only, per invariant 4: entries beyond
// MaxEntries, and entries older than MaxAge, unconditionally, regardless of
// count. Caller must hold s.mu.
func (l *Ledger) trimLocked(s *session) {
	for s.order.Len() > l.limits.MaxEntries {
		l.evictFrontLocked(s)
	}
	cutoff := time.Now().Add(-l.limits.MaxAge)
	for s.order.Len() > 0 {
		front := s.order.Front().Value.(events.Event)
		if front.Timestamp.After(cutoff) {
			break
		}
		l.evictFrontLocked(s)
	}
	if front := s.order.Front(); front != nil {
		s.oldestSeq = front.Value.(events.Event).Sequence
	}
}

func (l *Ledger) evictFrontLocked(s *session) {
	front := s.order.Front()
	if front == nil {
		return
	}
	ev := front.Value.(events.Event)
	delete(s.fingerprints, ev.Fingerprint)
	s.order.Remove(front)
}

// Snapshot returns the retained events for a session with sequence >
// fromSequence, in order. A fromSequence of 0 returns the full retained
// window.
func (l *Ledger) Snapshot(sessionID string, fromSequence int64) []events.Event {
	var out []events.Event
	s := l.sessionFor(sessionID)
	s.mu.Lock()
	defer s.mu.Unlock()
	for e := s.order.Front(); e != nil; e = e.Next() {
		ev := e.Value.(events.Event)
		if ev.Sequence > fromSequence {
			out = append(out, ev)
		}
	}
	return out
}

// ReplaySubscribe atomically takes a snapshot and registers a live
// subscriber in the same critical section used by Append, implementing the
// §4.5 atomicity guarantee: register is invoked with the cursor (the
// sequence of the last snapshot entry, or fromSequence if none), and
// whatever register arranges to deliver live (sequence > cursor) will never
// race a concurrent Append for this session, because Append takes the same
// per-session lock before publishing.
func (l *Ledger) ReplaySubscribe(sessionID string, fromSequence int64, register func(snapshot []events.Event, cursor int64)) {
	s := l.sessionFor(sessionID)
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []events.Event
	cursor := fromSequence
	for e := s.order.Front(); e != nil; e = e.Next() {
		ev := e.Value.(events.Event)
		if ev.Sequence > fromSequence {
			out = append(out, ev)
			cursor = ev.Sequence
		}
	}
	register(out, cursor)
}

// Clear discards all retained entries for a session.
func (l *Ledger) Clear(sessionID string) {
	s := l.sessionFor(sessionID)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.order.Init()
	s.fingerprints = make(map[string]time.Time)
	s.oldestSeq, s.newestSeq = 0, 0
}

// Size reports the current retained window for a session.
func (l *Ledger) Size(sessionID string) (count int, oldest, newest int64) {
	s := l.sessionFor(sessionID)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.order.Len(), s.oldestSeq, s.newestSeq
}
