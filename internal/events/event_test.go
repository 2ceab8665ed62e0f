package events

import (
	"testing"
	"time"

	"github.com/nextlevelbuilder/goclaw-bridge/pkg/protocol"
)

func TestFingerprintIsDeterministicAcrossTimestamps(t *testing.T) {
	a := NewAssistantText("s1", "hello", false, time.Now())
	b := NewAssistantText("s1", "hello", false, time.Now().Add(time.Hour))

	if a.Fingerprint != b.Fingerprint {
		t.Fatalf("fingerprints differ for identical content: %q vs %q", a.Fingerprint, b.Fingerprint)
	}
}

func TestFingerprintDiffersOnFinalFlag(t *testing.T) {
	a := NewAssistantText("s1", "hello", false, time.Now())
	b := NewAssistantText("s1", "hello", true, time.Now())

	if a.Fingerprint == b.Fingerprint {
		t.Fatal("expected different fingerprints for isFinal=false vs true")
	}
}

func TestFingerprintIgnoresSessionID(t *testing.T) {
	a := NewAssistantText("s1", "hello", false, time.Now())
	b := NewAssistantText("s2", "hello", false, time.Now())

	if a.Fingerprint != b.Fingerprint {
		t.Fatal("fingerprint is content-derived and should not vary by session")
	}
}

func TestFingerprintDistinguishesToolCallState(t *testing.T) {
	base := ToolCall{ToolID: "t1", Name: "bash", State: protocol.ToolRunning}
	running := NewToolCall("s1", base, time.Now())

	done := base
	done.State = protocol.ToolSucceeded
	finishedAt := time.Now()
	done.FinishedAt = &finishedAt
	complete := NewToolCall("s1", done, time.Now())

	if running.Fingerprint == complete.Fingerprint {
		t.Fatal("expected distinct fingerprints for running vs completed tool call states")
	}
}

func TestFingerprintDistinguishesUsageTotals(t *testing.T) {
	a := NewUsageUpdate("s1", UsageUpdate{InputTokens: 10, OutputTokens: 5}, time.Now())
	b := NewUsageUpdate("s1", UsageUpdate{InputTokens: 11, OutputTokens: 5}, time.Now())

	if a.Fingerprint == b.Fingerprint {
		t.Fatal("expected distinct fingerprints for differing usage totals")
	}
}

func TestFingerprintDistinguishesErrorKind(t *testing.T) {
	a := NewError("s1", ErrLinkLost, "lost", true, time.Now())
	b := NewError("s1", ErrNetworkUnavailable, "lost", true, time.Now())

	if a.Fingerprint == b.Fingerprint {
		t.Fatal("expected distinct fingerprints for differing error kinds")
	}
}

func TestNewConstructorsSetKindAndSequenceZero(t *testing.T) {
	e := NewStatusChange("s1", protocol.StatusIdle, protocol.StatusReady, "", time.Now())
	if e.Kind != protocol.KindStatusChange {
		t.Fatalf("kind = %v, want %v", e.Kind, protocol.KindStatusChange)
	}
	if e.Sequence != 0 {
		t.Fatalf("sequence = %d, want 0 (assigned later by AgentSession)", e.Sequence)
	}
	if e.StatusChange == nil || e.StatusChange.To != protocol.StatusReady {
		t.Fatal("expected populated StatusChange payload")
	}
}
