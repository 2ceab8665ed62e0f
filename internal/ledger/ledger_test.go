package ledger

import (
	"testing"
	"time"

	"github.com/nextlevelbuilder/goclaw-bridge/internal/events"
	"github.com/nextlevelbuilder/goclaw-bridge/pkg/protocol"
)

func seqEvent(sessionID string, seq int64, ts time.Time) events.Event {
	e := events.NewStatusChange(sessionID, protocol.StatusIdle, protocol.StatusReady, "", ts)
	e.Sequence = seq
	e.Fingerprint = e.Fingerprint + "-" + time.Duration(seq).String() // vary fingerprint per call
	return e
}

func TestAppendReturnsFalseOnDuplicateFingerprint(t *testing.T) {
	l := New(DefaultLimits(), nil, nil, nil)
	e := events.NewAssistantText("s1", "hi", false, time.Now())
	e.Sequence = 1

	if !l.Append(e) {
		t.Fatal("expected first append to succeed")
	}
	dup := e
	dup.Sequence = 2 // fingerprint unchanged; still a dup of the same content
	if l.Append(dup) {
		t.Fatal("expected duplicate fingerprint to be rejected")
	}
	if count, _, _ := l.Size("s1"); count != 1 {
		t.Fatalf("size = %d, want 1", count)
	}
}

func TestSnapshotReturnsOnlyEventsAfterCursor(t *testing.T) {
	l := New(DefaultLimits(), nil, nil, nil)
	now := time.Now()
	l.Append(seqEvent("s1", 1, now))
	l.Append(seqEvent("s1", 2, now))
	l.Append(seqEvent("s1", 3, now))

	out := l.Snapshot("s1", 1)
	if len(out) != 2 {
		t.Fatalf("snapshot len = %d, want 2", len(out))
	}
	if out[0].Sequence != 2 || out[1].Sequence != 3 {
		t.Fatalf("snapshot sequences = %d,%d, want 2,3", out[0].Sequence, out[1].Sequence)
	}
}

func TestTrimEvictsOldestBeyondMaxEntries(t *testing.T) {
	l := New(Limits{MaxEntries: 2, MaxAge: time.Hour}, nil, nil, nil)
	now := time.Now()
	l.Append(seqEvent("s1", 1, now))
	l.Append(seqEvent("s1", 2, now))
	l.Append(seqEvent("s1", 3, now))

	count, oldest, newest := l.Size("s1")
	if count != 2 {
		t.Fatalf("count = %d, want 2", count)
	}
	if oldest != 2 || newest != 3 {
		t.Fatalf("oldest,newest = %d,%d, want 2,3", oldest, newest)
	}
}

func TestTrimEvictsEntriesOlderThanMaxAge(t *testing.T) {
	l := New(Limits{MaxEntries: 1000, MaxAge: time.Minute}, nil, nil, nil)
	old := time.Now().Add(-time.Hour)
	recent := time.Now()
	l.Append(seqEvent("s1", 1, old))
	l.Append(seqEvent("s1", 2, recent))

	count, _, newest := l.Size("s1")
	if count != 1 {
		t.Fatalf("count = %d, want 1 (stale entry evicted)", count)
	}
	if newest != 2 {
		t.Fatalf("newest = %d, want 2", newest)
	}
}

func TestClearRemovesAllRetainedEntries(t *testing.T) {
	l := New(DefaultLimits(), nil, nil, nil)
	l.Append(seqEvent("s1", 1, time.Now()))
	l.Clear("s1")

	count, oldest, newest := l.Size("s1")
	if count != 0 || oldest != 0 || newest != 0 {
		t.Fatalf("after Clear: count=%d oldest=%d newest=%d, want all zero", count, oldest, newest)
	}
}

func TestReplaySubscribeDeliversSnapshotAndCursor(t *testing.T) {
	l := New(DefaultLimits(), nil, nil, nil)
	now := time.Now()
	l.Append(seqEvent("s1", 1, now))
	l.Append(seqEvent("s1", 2, now))

	var gotSnapshot []events.Event
	var gotCursor int64
	l.ReplaySubscribe("s1", 0, func(snapshot []events.Event, cursor int64) {
		gotSnapshot = snapshot
		gotCursor = cursor
	})

	if len(gotSnapshot) != 2 {
		t.Fatalf("snapshot len = %d, want 2", len(gotSnapshot))
	}
	if gotCursor != 2 {
		t.Fatalf("cursor = %d, want 2", gotCursor)
	}
}

type recordingBus struct {
	published []events.Event
}

func (b *recordingBus) Publish(e events.Event) { b.published = append(b.published, e) }

type recordingStore struct {
	persisted []events.Event
}

func (s *recordingStore) Persist(sessionID string, e events.Event) { s.persisted = append(s.persisted, e) }

func TestAppendPublishesToBusAndPersistsToStore(t *testing.T) {
	bus := &recordingBus{}
	store := &recordingStore{}
	l := New(DefaultLimits(), bus, store, nil)

	l.Append(seqEvent("s1", 1, time.Now()))

	if len(bus.published) != 1 {
		t.Fatalf("bus received %d events, want 1", len(bus.published))
	}
	if len(store.persisted) != 1 {
		t.Fatalf("store received %d events, want 1", len(store.persisted))
	}
}
