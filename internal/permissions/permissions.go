// Package permissions holds open permission prompts so an out-of-band
// decision (arriving from any channel or the local API) can resolve them.
package permissions

import (
	"fmt"
	"sync"
	"time"

	"github.com/nextlevelbuilder/goclaw-bridge/pkg/protocol"
)

// State is a prompt's lifecycle position: pending → (allowed|denied|timed-out).
type State string

const (
	StatePending  State = "pending"
	StateAllowed  State = "allowed"
	StateDenied   State = "denied"
	StateTimedOut State = "timed-out"
)

// Decision is the caller's resolution choice.
type Decision string

const (
	DecisionAllow Decision = "allow"
	DecisionDeny  Decision = "deny"
)

// ErrAlreadyResolved is returned when a second resolver targets a prompt
// that has already left the pending state.
var ErrAlreadyResolved = fmt.Errorf("permission prompt already resolved")

// ErrUnknownPrompt is returned when promptId has no registered prompt.
var ErrUnknownPrompt = fmt.Errorf("unknown permission prompt")

// Prompt is one open permission request.
type Prompt struct {
	SessionID    string
	PromptID     string
	ToolName     string
	Input        map[string]any
	ProposedMode protocol.PermissionMode
	RegisteredAt time.Time
	Deadline     *time.Time // nil: no timeout (default)

	mu           sync.Mutex
	state        State
	mode         protocol.PermissionMode
	allowedTools []string
	reason       string
}

// State returns the prompt's current lifecycle state.
func (p *Prompt) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Broker indexes pending prompts by (sessionId, promptId). Access is
// guarded by a single map lock; each Prompt's own fields are guarded
// independently so resolution doesn't block unrelated lookups.
type Broker struct {
	mu      sync.RWMutex
	byID    map[string]*Prompt // promptId -> Prompt (promptId assumed globally unique)
	bySess  map[string][]*Prompt
}

// New constructs an empty Broker.
func New() *Broker {
	return &Broker{byID: make(map[string]*Prompt), bySess: make(map[string][]*Prompt)}
}

// Register records a new pending prompt.
func (b *Broker) Register(p *Prompt) {
	p.state = StatePending
	b.mu.Lock()
	defer b.mu.Unlock()
	b.byID[p.PromptID] = p
	b.bySess[p.SessionID] = append(b.bySess[p.SessionID], p)
}

// Resolve transitions a prompt from pending to allowed or denied. A prompt
// resolves at most once; a second resolver receives ErrAlreadyResolved.
func (b *Broker) Resolve(promptID string, decision Decision, mode *protocol.PermissionMode, allowedTools []string) error {
	b.mu.RLock()
	p, ok := b.byID[promptID]
	b.mu.RUnlock()
	if !ok {
		return ErrUnknownPrompt
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != StatePending {
		return ErrAlreadyResolved
	}
	switch decision {
	case DecisionAllow:
		p.state = StateAllowed
	case DecisionDeny:
		p.state = StateDenied
	default:
		return fmt.Errorf("invalid decision %q", decision)
	}
	if mode != nil {
		p.mode = *mode
	}
	p.allowedTools = allowedTools
	return nil
}

// List returns prompts for a session, or all prompts if sessionID is empty.
func (b *Broker) List(sessionID string) []*Prompt {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if sessionID == "" {
		out := make([]*Prompt, 0, len(b.byID))
		for _, p := range b.byID {
			out = append(out, p)
		}
		return out
	}
	out := make([]*Prompt, len(b.bySess[sessionID]))
	copy(out, b.bySess[sessionID])
	return out
}

// ExpireOlderThan transitions every still-pending prompt whose own Deadline
// is before deadline to timed-out. Only prompts with an explicit Deadline opt in
// (default: none, per §4.7).
func (b *Broker) ExpireOlderThan(deadline time.Time) {
	b.mu.RLock()
	prompts := make([]*Prompt, 0, len(b.byID))
	for _, p := range b.byID {
		prompts = append(prompts, p)
	}
	b.mu.RUnlock()

	for _, p := range prompts {
		p.mu.Lock()
		if p.state == StatePending && p.Deadline != nil && p.Deadline.Before(deadline) {
			p.state = StateTimedOut
		}
		p.mu.Unlock()
	}
}

// SessionDisconnected denies every pending prompt for a session with reason
// "session-gone", per §4.7's disconnect cascade.
func (b *Broker) SessionDisconnected(sessionID string) {
	b.mu.RLock()
	prompts := make([]*Prompt, len(b.bySess[sessionID]))
	copy(prompts, b.bySess[sessionID])
	b.mu.RUnlock()

	for _, p := range prompts {
		p.mu.Lock()
		if p.state == StatePending {
			p.state = StateDenied
			p.reason = "session-gone"
		}
		p.mu.Unlock()
	}
}

// Forget removes terminal prompts for a session from the index, bounding
// Broker memory. Safe to call periodically from the Supervisor sweep.
func (b *Broker) Forget(sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	remaining := b.bySess[sessionID][:0]
	for _, p := range b.bySess[sessionID] {
		if p.State() == StatePending {
			remaining = append(remaining, p)
			continue
		}
		delete(b.byID, p.PromptID)
	}
	if len(remaining) == 0 {
		delete(b.bySess, sessionID)
	} else {
		b.bySess[sessionID] = remaining
	}
}
