package permissions

import (
	"testing"
	"time"
)

func TestResolveTransitionsState(t *testing.T) {
	b := New()
	p := &Prompt{SessionID: "s1", PromptID: "p1", RegisteredAt: time.Now()}
	b.Register(p)

	if got := p.State(); got != StatePending {
		t.Fatalf("state = %v, want pending", got)
	}

	if err := b.Resolve("p1", DecisionAllow, nil, nil); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got := p.State(); got != StateAllowed {
		t.Fatalf("state = %v, want allowed", got)
	}
}

func TestResolveTwiceFails(t *testing.T) {
	b := New()
	p := &Prompt{SessionID: "s1", PromptID: "p1", RegisteredAt: time.Now()}
	b.Register(p)

	if err := b.Resolve("p1", DecisionDeny, nil, nil); err != nil {
		t.Fatalf("first resolve: %v", err)
	}
	if err := b.Resolve("p1", DecisionAllow, nil, nil); err != ErrAlreadyResolved {
		t.Fatalf("second resolve = %v, want ErrAlreadyResolved", err)
	}
}

func TestResolveUnknownPrompt(t *testing.T) {
	b := New()
	if err := b.Resolve("missing", DecisionAllow, nil, nil); err != ErrUnknownPrompt {
		t.Fatalf("resolve unknown = %v, want ErrUnknownPrompt", err)
	}
}

func TestExpireOlderThanOnlyExpiresDeadlinedPending(t *testing.T) {
	b := New()
	past := time.Now().Add(-time.Hour)
	noDeadline := &Prompt{SessionID: "s1", PromptID: "no-deadline", RegisteredAt: past}
	withDeadline := &Prompt{SessionID: "s1", PromptID: "with-deadline", RegisteredAt: past, Deadline: &past}
	b.Register(noDeadline)
	b.Register(withDeadline)

	b.ExpireOlderThan(time.Now())

	if got := noDeadline.State(); got != StatePending {
		t.Fatalf("no-deadline prompt state = %v, want still pending", got)
	}
	if got := withDeadline.State(); got != StateTimedOut {
		t.Fatalf("deadlined prompt state = %v, want timed-out", got)
	}
}

func TestSessionDisconnectedDeniesPending(t *testing.T) {
	b := New()
	p := &Prompt{SessionID: "s1", PromptID: "p1", RegisteredAt: time.Now()}
	b.Register(p)

	b.SessionDisconnected("s1")

	if got := p.State(); got != StateDenied {
		t.Fatalf("state = %v, want denied", got)
	}
}

func TestForgetRemovesOnlyTerminalPrompts(t *testing.T) {
	b := New()
	pending := &Prompt{SessionID: "s1", PromptID: "pending", RegisteredAt: time.Now()}
	resolved := &Prompt{SessionID: "s1", PromptID: "resolved", RegisteredAt: time.Now()}
	b.Register(pending)
	b.Register(resolved)
	if err := b.Resolve("resolved", DecisionAllow, nil, nil); err != nil {
		t.Fatalf("resolve: %v", err)
	}

	b.Forget("s1")

	remaining := b.List("s1")
	if len(remaining) != 1 || remaining[0].PromptID != "pending" {
		t.Fatalf("remaining = %v, want only the pending prompt", remaining)
	}
	if err := b.Resolve("resolved", DecisionAllow, nil, nil); err != ErrUnknownPrompt {
		t.Fatalf("resolve forgotten prompt = %v, want ErrUnknownPrompt", err)
	}
}
