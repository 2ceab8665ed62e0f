// Package sessionrouter maps session names to live AgentSessions, serializes
// hot workspace switches, and tracks which session is "current" for clients
// that don't address a session by name explicitly.
package sessionrouter

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/nextlevelbuilder/goclaw-bridge/internal/agentsession"
	"github.com/nextlevelbuilder/goclaw-bridge/pkg/protocol"
)

// ErrDirectoryNotCreatable and ErrAgentStartFailed name the two documented
// switchWorkspace failure modes (§4.2).
var (
	ErrDirectoryNotCreatable = fmt.Errorf("directory not creatable")
	ErrAgentStartFailed      = fmt.Errorf("agent start failed")
	ErrSwitchInProgress      = fmt.Errorf("switch in progress")
)

// Factory builds a fresh AgentSession for a session name. Injected so tests
// can substitute an in-memory transport/sink without constructing the real
// agentsession.Transport.
type Factory func(name string) *agentsession.AgentSession

// Session is the router's view of one named session: the live link plus
// the identity/workspace metadata §3 requires alongside it.
type Session struct {
	Name           string
	WorkspaceDir   string
	PermissionMode protocol.PermissionMode
	Agent          *agentsession.AgentSession
}

type entry struct {
	session      *Session
	switchMu     sync.Mutex // serializes switchWorkspace per invariant 2
}

// Router owns the set of named sessions. At most one current session is
// tracked; "current" means most recently used or explicitly selected.
type Router struct {
	mu       sync.RWMutex
	sessions map[string]*entry
	current  string
	factory  Factory
	log      *slog.Logger
}

// New constructs a Router.
func New(factory Factory, log *slog.Logger) *Router {
	if log == nil {
		log = slog.Default()
	}
	return &Router{sessions: make(map[string]*entry), factory: factory, log: log}
}

// Connect returns the session handle for name, creating and connecting it
// if this is the first caller for that name. Concurrent callers for the
// same name observe the same Session handle and the underlying link is
// established exactly once (testable property 5).
func (r *Router) Connect(ctx context.Context, name, workspaceDir string, mode protocol.PermissionMode) (*Session, error) {
	r.mu.Lock()
	e, ok := r.sessions[name]
	if !ok {
		e = &entry{session: &Session{Name: name, WorkspaceDir: workspaceDir, PermissionMode: mode}}
		e.session.Agent = r.factory(name)
		r.sessions[name] = e
	}
	r.current = name
	r.mu.Unlock()

	if _, err := e.session.Agent.Connect(ctx, workspaceDir, mode); err != nil {
		return nil, err
	}
	return e.session, nil
}

// Current returns the currently active session, or nil if none has ever
// connected.
func (r *Router) Current() *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.current == "" {
		return nil
	}
	if e, ok := r.sessions[r.current]; ok {
		return e.session
	}
	return nil
}

// Get looks up a session by name without side effects.
func (r *Router) Get(name string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.sessions[name]
	if !ok {
		return nil, false
	}
	return e.session, true
}

// SwitchWorkspace atomically stops the current session's agent link, moves
// its workspace pointer, restarts the link, and keeps it registered under
// the same name. Concurrent callers for the same session observe a single
// transition (invariant 2); the per-entry switchMu enforces this without
// blocking unrelated sessions.
func (r *Router) SwitchWorkspace(ctx context.Context, name, newPath string) (*Session, error) {
	r.mu.RLock()
	e, ok := r.sessions[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: unknown session %q", ErrAgentStartFailed, name)
	}

	e.switchMu.Lock()
	defer e.switchMu.Unlock()

	if err := ensureDirectory(newPath); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDirectoryNotCreatable, err)
	}

	e.session.Agent.Disconnect()

	r.mu.Lock()
	e.session.WorkspaceDir = newPath
	r.mu.Unlock()

	sessionID, err := e.session.Agent.Connect(ctx, newPath, e.session.PermissionMode)
	if err != nil || sessionID == "" {
		return nil, fmt.Errorf("%w: %v", ErrAgentStartFailed, err)
	}
	return e.session, nil
}

func ensureDirectory(path string) error {
	if path == "" {
		return fmt.Errorf("empty path")
	}
	return os.MkdirAll(path, 0o755)
}

// DisconnectAll tears down every session's link and forgets the current
// pointer. Used on process exit.
func (r *Router) DisconnectAll() {
	r.mu.Lock()
	entries := make([]*entry, 0, len(r.sessions))
	for _, e := range r.sessions {
		entries = append(entries, e)
	}
	r.sessions = make(map[string]*entry)
	r.current = ""
	r.mu.Unlock()

	for _, e := range entries {
		e.session.Agent.Close()
	}
}

// Names lists all known session names.
func (r *Router) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.sessions))
	for n := range r.sessions {
		out = append(out, n)
	}
	return out
}

// defaultGracePeriod matches the Supervisor's graceful-stop default; kept
// here only as documentation for callers wiring timeouts around Connect.
const defaultGracePeriod = 10 * time.Second
