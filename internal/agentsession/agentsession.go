// Package agentsession maintains the duplex link to a single remote agent,
// decodes its wire events into the AgentEvent tagged union, and emits them
// in order with stable, locally-assigned sequence numbers.
//
// Each AgentSession is a single-owner worker: all external calls are
// marshalled onto one goroutine's mailbox, so the session's state (lifecycle,
// tool-call table, sequence counter) is never touched concurrently from two
// goroutines (see the concurrency model's "one long-lived worker per live
// session" rule).
package agentsession

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nextlevelbuilder/goclaw-bridge/internal/events"
	"github.com/nextlevelbuilder/goclaw-bridge/internal/tracing"
	"github.com/nextlevelbuilder/goclaw-bridge/pkg/protocol"
	"go.opentelemetry.io/otel/attribute"
)

// WireFrame is the JSON envelope exchanged with the remote agent:
// {"type": "...", "seq": <remote seq, informational only>, "payload": {...}}.
type WireFrame struct {
	Type    string          `json:"type"`
	Seq     int64           `json:"seq,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Conn is one live duplex connection to the remote agent.
type Conn interface {
	Send(ctx context.Context, v any) error
	Recv(ctx context.Context) (WireFrame, error)
	Close() error
}

// Transport dials a fresh Conn. Implementations wrap coder/websocket for
// production use; tests substitute an in-memory fake, matching the
// teacher's pattern of injecting small interfaces (bus.MessageRouter,
// bus.EventPublisher) instead of concrete transport types.
type Transport interface {
	Dial(ctx context.Context, serverURL string, sessionName string) (Conn, error)
}

// SessionError wraps one of the ErrorKind values from the specification's
// error taxonomy so callers can switch on Kind without string matching.
type SessionError struct {
	Kind events.ErrorKind
	Err  error
}

func (e *SessionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return string(e.Kind)
}

func (e *SessionError) Unwrap() error { return e.Err }

// Config tunes the backoff, heartbeat, and timeout policies from §4.1 and §5.
type Config struct {
	ServerURL          string
	HeartbeatTimeout   time.Duration
	ReconnectBase      time.Duration
	ReconnectCap       time.Duration
	ReconnectMaxTries  int
	ReconnectCycleCap  time.Duration
	MailboxCapacity    int
}

// DefaultConfig matches the specification's stated defaults.
func DefaultConfig(serverURL string) Config {
	return Config{
		ServerURL:         serverURL,
		HeartbeatTimeout:  60 * time.Second,
		ReconnectBase:     time.Second,
		ReconnectCap:      30 * time.Second,
		ReconnectMaxTries: 5,
		ReconnectCycleCap: 5 * time.Minute,
		MailboxCapacity:   64,
	}
}

// Sink receives fully-assembled, sequenced AgentEvents. internal/ledger.Ledger
// satisfies this.
type Sink interface {
	Append(e events.Event) bool
}

// Snapshot is the externally-visible, point-in-time state of a session.
type Snapshot struct {
	SessionID      string
	WorkspaceDir   string
	PermissionMode protocol.PermissionMode
	Usage          events.UsageUpdate
	Status         protocol.EventStatus
	Lifecycle      protocol.LifecycleState
}

type mailboxJob func()

// AgentSession owns the duplex link for one named session.
type AgentSession struct {
	name string
	cfg  Config
	tr   Transport
	sink Sink
	log  *slog.Logger

	mailbox chan mailboxJob
	stop    chan struct{}
	stopped sync.WaitGroup

	tracer *tracing.Provider

	// Fields below are only ever touched from the worker goroutine
	// (run()), per the single-owner-worker rule, except where guarded by
	// mu for snapshot reads from other goroutines.
	conn           Conn
	sessionID      string
	workspaceDir   string
	permissionMode protocol.PermissionMode
	seq            int64
	toolStates     map[string]protocol.ToolState
	currentInput   map[string]map[string]any
	seenFP         map[string]struct{}
	seenFPOrder    []string
	lastHeartbeat  time.Time
	connectedOnce  bool
	disconnecting  bool

	mu       sync.RWMutex
	status   protocol.EventStatus
	lifeSt   protocol.LifecycleState
	usage    events.UsageUpdate
}

// New constructs an AgentSession. It does not connect; call Connect.
func New(name string, cfg Config, tr Transport, sink Sink, log *slog.Logger) *AgentSession {
	if log == nil {
		log = slog.Default()
	}
	if cfg.MailboxCapacity <= 0 {
		cfg.MailboxCapacity = 64
	}
	s := &AgentSession{
		name:       name,
		cfg:        cfg,
		tr:         tr,
		sink:       sink,
		log:        log.With("session", name),
		mailbox:    make(chan mailboxJob, cfg.MailboxCapacity),
		stop:       make(chan struct{}),
		toolStates: make(map[string]protocol.ToolState),
		currentInput: make(map[string]map[string]any),
		seenFP:     make(map[string]struct{}),
		lifeSt:     protocol.LifecycleUnconnected,
		status:     protocol.StatusIdle,
	}
	s.stopped.Add(1)
	go s.run()
	return s
}

// SetTracer wires span export for this session's public operations (§4.1).
// Nil is valid and leaves spans disabled.
func (s *AgentSession) SetTracer(p *tracing.Provider) {
	s.tracer = p
}

// startSpan begins name as a child span when a tracer is wired, returning a
// no-op end func otherwise so call sites don't need a nil check.
func (s *AgentSession) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func()) {
	if s.tracer == nil {
		return ctx, func() {}
	}
	ctx, span := s.tracer.StartSpan(ctx, name)
	if len(attrs) > 0 {
		span.SetAttributes(attrs...)
	}
	return ctx, func() { span.End() }
}

// Snapshot returns a point-in-time copy of the session's externally-visible
// state. Safe to call from any goroutine.
func (s *AgentSession) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Snapshot{
		SessionID:      s.sessionID,
		WorkspaceDir:   s.workspaceDir,
		PermissionMode: s.permissionMode,
		Usage:          s.usage,
		Status:         s.status,
		Lifecycle:      s.lifeSt,
	}
}

func (s *AgentSession) setLifecycle(l protocol.LifecycleState) {
	s.mu.Lock()
	s.lifeSt = l
	s.mu.Unlock()
}

func (s *AgentSession) setStatus(v protocol.EventStatus) {
	s.mu.Lock()
	s.status = v
	s.mu.Unlock()
}

// submit enqueues a job on the mailbox and blocks until it has run,
// returning whatever the job returned via the supplied pointer semantics.
// Every public method below is implemented in terms of this so session
// state is exclusively mutated by the one worker goroutine.
func (s *AgentSession) submit(job func()) {
	done := make(chan struct{})
	wrapped := func() {
		defer close(done)
		job()
	}
	select {
	case s.mailbox <- wrapped:
	case <-s.stop:
		close(done)
		return
	}
	<-done
}

// Connect establishes the link. See §4.1 for the failure taxonomy.
func (s *AgentSession) Connect(ctx context.Context, workspaceDir string, mode protocol.PermissionMode) (string, error) {
	ctx, end := s.startSpan(ctx, "agentsession.Connect", attribute.String("session", s.name))
	defer end()

	var sessionID string
	var err error
	s.submit(func() {
		if s.lifeSt == protocol.LifecycleConnected || s.lifeSt == protocol.LifecycleConnecting {
			sessionID = s.sessionID
			return
		}
		s.workspaceDir = workspaceDir
		s.permissionMode = mode
		s.setLifecycle(protocol.LifecycleConnecting)

		conn, dialErr := s.tr.Dial(ctx, s.cfg.ServerURL, s.name)
		if dialErr != nil {
			s.setLifecycle(protocol.LifecycleUnconnected)
			err = &SessionError{Kind: events.ErrNetworkUnavailable, Err: dialErr}
			return
		}
		s.conn = conn
		s.sessionID = uuid.NewString()
		s.lastHeartbeat = time.Now()
		s.connectedOnce = true
		s.setLifecycle(protocol.LifecycleConnected)
		s.setStatus(protocol.StatusReady)
		sessionID = s.sessionID

		go s.readLoop(conn)
	})
	return sessionID, err
}

// SendUserMessage enqueues a message toward the agent and returns
// immediately with a requestId used to correlate the eventual reply.
func (s *AgentSession) SendUserMessage(ctx context.Context, text string, metadata map[string]any) (string, error) {
	requestID := uuid.NewString()
	ctx, end := s.startSpan(ctx, "agentsession.SendUserMessage", attribute.String("session", s.name), attribute.String("requestId", requestID))
	defer end()

	var err error
	s.submit(func() {
		if s.lifeSt != protocol.LifecycleConnected {
			err = &SessionError{Kind: "NotConnected"}
			return
		}
		payload := map[string]any{
			"requestId": requestID,
			"text":      text,
			"metadata":  metadata,
		}
		s.setStatus(protocol.StatusProcessing)
		if sendErr := s.conn.Send(ctx, WireFrame{Type: "userMessage", Payload: mustJSON(payload)}); sendErr != nil {
			err = &SessionError{Kind: events.ErrNetworkUnavailable, Err: sendErr}
		}
	})
	return requestID, err
}

// ResolvePermission forwards a permission decision to the remote agent.
// The PermissionBroker, not AgentSession, is the source of truth for
// whether promptId is known; AgentSession only forwards the decision.
func (s *AgentSession) ResolvePermission(ctx context.Context, promptID string, decision string, mode *protocol.PermissionMode, allowedTools []string) error {
	var err error
	s.submit(func() {
		if s.lifeSt != protocol.LifecycleConnected {
			err = &SessionError{Kind: "NotConnected"}
			return
		}
		payload := map[string]any{
			"promptId":     promptID,
			"decision":     decision,
			"allowedTools": allowedTools,
		}
		if mode != nil {
			payload["mode"] = *mode
		}
		if sendErr := s.conn.Send(ctx, WireFrame{Type: "resolvePermission", Payload: mustJSON(payload)}); sendErr != nil {
			err = &SessionError{Kind: events.ErrNetworkUnavailable, Err: sendErr}
		}
	})
	return err
}

// Abort cancels the in-flight turn (or the one named by requestId).
// Idempotent; succeeds even if the turn already completed.
func (s *AgentSession) Abort(ctx context.Context, requestID string) error {
	ctx, end := s.startSpan(ctx, "agentsession.Abort", attribute.String("session", s.name), attribute.String("requestId", requestID))
	defer end()

	s.submit(func() {
		if s.lifeSt != protocol.LifecycleConnected {
			return
		}
		_ = s.conn.Send(ctx, WireFrame{Type: "abort", Payload: mustJSON(map[string]any{"requestId": requestID})})
		s.emit(events.NewStatusChange(s.sessionID, protocol.StatusProcessing, protocol.StatusReady, "aborted", time.Now()))
		s.setStatus(protocol.StatusReady)
	})
	return nil
}

// Disconnect tears down the link. Safe to call in any state.
func (s *AgentSession) Disconnect() {
	s.submit(func() {
		s.disconnecting = true
		s.setLifecycle(protocol.LifecycleDisconnecting)
		if s.conn != nil {
			_ = s.conn.Close()
			s.conn = nil
		}
		s.setLifecycle(protocol.LifecycleUnconnected)
		s.disconnecting = false
	})
}

// Close permanently stops the session's worker goroutine. Call once the
// session is being destroyed (SessionRouter.disconnectAll, process exit).
func (s *AgentSession) Close() {
	s.Disconnect()
	close(s.stop)
	s.stopped.Wait()
}

func (s *AgentSession) run() {
	defer s.stopped.Done()
	for {
		select {
		case job := <-s.mailbox:
			job()
		case <-s.stop:
			return
		}
	}
}

// emit assigns a sequence number and hands the event to the sink, unless a
// duplicate fingerprint has already been seen for this session — duplicates
// are filtered before sequence assignment so a remote retry never burns a
// sequence number.
func (s *AgentSession) emit(e events.Event) {
	if _, dup := s.seenFP[e.Fingerprint]; dup {
		return
	}
	s.rememberFingerprint(e.Fingerprint)
	s.seq++
	e.Sequence = s.seq
	if s.sink != nil {
		s.sink.Append(e)
	}
}

const maxRememberedFingerprints = 4096

func (s *AgentSession) rememberFingerprint(fp string) {
	s.seenFP[fp] = struct{}{}
	s.seenFPOrder = append(s.seenFPOrder, fp)
	if len(s.seenFPOrder) > maxRememberedFingerprints {
		oldest := s.seenFPOrder[0]
		s.seenFPOrder = s.seenFPOrder[1:]
		delete(s.seenFP, oldest)
	}
}

// readLoop pulls wire frames off the connection and hands each to the
// worker mailbox for decoding and sequencing, preserving single-owner
// mutation of session state even though the socket read itself happens on
// its own goroutine (required because Recv blocks).
func (s *AgentSession) readLoop(conn Conn) {
	ctx := context.Background()
	idle := time.NewTimer(s.cfg.HeartbeatTimeout)
	defer idle.Stop()

	frames := make(chan WireFrame)
	readErrs := make(chan error, 1)
	go func() {
		for {
			f, err := conn.Recv(ctx)
			if err != nil {
				readErrs <- err
				return
			}
			frames <- f
		}
	}()

	for {
		select {
		case f := <-frames:
			if !idle.Stop() {
				<-idle.C
			}
			idle.Reset(s.cfg.HeartbeatTimeout)
			frame := f
			s.submit(func() { s.handleFrame(frame) })
		case <-idle.C:
			s.submit(func() {
				if s.conn != conn || s.disconnecting {
					return
				}
				s.emit(events.NewError(s.sessionID, events.ErrLinkLost, "no frames received within heartbeat window", true, time.Now()))
				s.setLifecycle(protocol.LifecycleConnecting)
			})
			go s.reconnect(conn)
			return
		case err := <-readErrs:
			s.submit(func() {
				if s.conn != conn || s.disconnecting {
					return
				}
				s.emit(events.NewError(s.sessionID, events.ErrLinkLost, err.Error(), true, time.Now()))
				s.setLifecycle(protocol.LifecycleConnecting)
			})
			go s.reconnect(conn)
			return
		case <-s.stop:
			return
		}
	}
}

// reconnect retries with exponential backoff and jitter (base 1s, cap 30s,
// 5 attempts) unless Disconnect() has been called meanwhile.
func (s *AgentSession) reconnect(stale Conn) {
	_ = stale.Close()

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ReconnectCycleCap)
	defer cancel()

	base := s.cfg.ReconnectBase
	ceiling := s.cfg.ReconnectCap
	for attempt := 1; attempt <= s.cfg.ReconnectMaxTries; attempt++ {
		var abort bool
		s.submit(func() {
			if s.disconnecting {
				abort = true
			}
		})
		if abort {
			return
		}

		wait := backoffWithJitter(base, ceiling, attempt)
		select {
		case <-time.After(wait):
		case <-s.stop:
			return
		}

		conn, err := s.tr.Dial(ctx, s.cfg.ServerURL, s.name)
		if err != nil {
			s.log.Warn("reconnect attempt failed", "attempt", attempt, "err", err)
			continue
		}

		var accepted bool
		s.submit(func() {
			if s.disconnecting {
				accepted = false
				return
			}
			s.conn = conn
			s.lastHeartbeat = time.Now()
			s.setLifecycle(protocol.LifecycleConnected)
			s.setStatus(protocol.StatusReady)
			accepted = true
		})
		if !accepted {
			_ = conn.Close()
			return
		}
		go s.readLoop(conn)
		return
	}

	s.submit(func() {
		s.emit(events.NewError(s.sessionID, events.ErrReconnectExhausted, "exhausted reconnect attempts", false, time.Now()))
		s.setLifecycle(protocol.LifecycleUnconnected)
	})
}

func backoffWithJitter(base, ceiling time.Duration, attempt int) time.Duration {
	d := base * time.Duration(1<<uint(attempt-1))
	if d > ceiling || d <= 0 {
		d = ceiling
	}
	jitter := time.Duration(rand.Int63n(int64(d) / 2 + 1))
	return d/2 + jitter
}

// handleFrame decodes one wire frame into the AgentEvent union. Invoked
// only from the worker goroutine (via the mailbox), so toolStates and the
// fingerprint cache need no additional locking.
func (s *AgentSession) handleFrame(f WireFrame) {
	s.lastHeartbeat = time.Now()
	now := time.Now()

	switch f.Type {
	case "assistantText":
		var p struct {
			Content string `json:"content"`
			IsFinal bool   `json:"isFinal"`
		}
		if err := json.Unmarshal(f.Payload, &p); err != nil {
			s.log.Warn("malformed assistantText frame", "err", err)
			return
		}
		fp := events.Fingerprint(protocol.KindAssistantText, "", p.Content, p.IsFinal)
		e := events.NewAssistantText(s.sessionID, p.Content, p.IsFinal, now)
		e.Fingerprint = fp
		s.emit(e)

	case "toolCall":
		var p struct {
			ToolID string             `json:"toolId"`
			Name   string             `json:"name"`
			Input  map[string]any     `json:"input"`
			State  protocol.ToolState `json:"state"`
			Result string             `json:"result"`
			Error  string             `json:"error"`
		}
		if err := json.Unmarshal(f.Payload, &p); err != nil {
			s.log.Warn("malformed toolCall frame", "err", err)
			return
		}
		if p.Input != nil {
			s.currentInput[p.ToolID] = p.Input
		}
		prev := s.toolStates[p.ToolID]
		if !toolStateAdvances(prev, p.State) {
			return // regression: dropped per §4.1
		}
		s.toolStates[p.ToolID] = p.State

		tc := events.ToolCall{
			ToolID:    p.ToolID,
			Name:      p.Name,
			Input:     s.currentInput[p.ToolID],
			State:     p.State,
			StartedAt: now,
			Result:    p.Result,
			Error:     p.Error,
		}
		if p.State == protocol.ToolSucceeded || p.State == protocol.ToolFailed {
			ft := now
			tc.FinishedAt = &ft
		}
		e := events.NewToolCall(s.sessionID, tc, now)
		s.emit(e)

	case "permissionPrompt":
		var p struct {
			PromptID     string                  `json:"promptId"`
			ToolName     string                  `json:"toolName"`
			Input        map[string]any          `json:"input"`
			ProposedMode protocol.PermissionMode `json:"proposedMode"`
		}
		if err := json.Unmarshal(f.Payload, &p); err != nil {
			s.log.Warn("malformed permissionPrompt frame", "err", err)
			return
		}
		s.emit(events.NewPermissionPrompt(s.sessionID, events.PermissionPrompt{
			PromptID: p.PromptID, ToolName: p.ToolName, Input: p.Input, ProposedMode: p.ProposedMode,
		}, now))

	case "usageUpdate":
		var u events.UsageUpdate
		if err := json.Unmarshal(f.Payload, &u); err != nil {
			s.log.Warn("malformed usageUpdate frame", "err", err)
			return
		}
		s.mu.Lock()
		s.usage = u
		s.mu.Unlock()
		s.emit(events.NewUsageUpdate(s.sessionID, u, now))

	case "statusChange":
		var p struct {
			From protocol.EventStatus `json:"from"`
			To   protocol.EventStatus `json:"to"`
		}
		if err := json.Unmarshal(f.Payload, &p); err != nil {
			s.log.Warn("malformed statusChange frame", "err", err)
			return
		}
		s.setStatus(p.To)
		s.emit(events.NewStatusChange(s.sessionID, p.From, p.To, "", now))

	case "error":
		var p struct {
			Kind      events.ErrorKind `json:"kind"`
			Message   string           `json:"message"`
			Retriable bool             `json:"retriable"`
		}
		if err := json.Unmarshal(f.Payload, &p); err != nil {
			s.log.Warn("malformed error frame", "err", err)
			return
		}
		if p.Kind == events.ErrCredentialsInvalid {
			s.emit(events.NewError(s.sessionID, p.Kind, p.Message, false, now))
			s.disconnecting = true
			if s.conn != nil {
				_ = s.conn.Close()
			}
			s.setLifecycle(protocol.LifecycleUnconnected)
			return
		}
		s.emit(events.NewError(s.sessionID, p.Kind, p.Message, p.Retriable, now))

	default:
		s.log.Debug("unrecognized wire frame type", "type", f.Type)
	}
}

// toolStateAdvances enforces the monotonic state machine from §4.1:
// running → (awaiting-permission →)? (succeeded | failed). Regressions
// (e.g. succeeded → running) are rejected.
func toolStateAdvances(prev, next protocol.ToolState) bool {
	if prev == "" {
		return true
	}
	rank := map[protocol.ToolState]int{
		protocol.ToolRunning:            0,
		protocol.ToolAwaitingPermission: 1,
		protocol.ToolSucceeded:          2,
		protocol.ToolFailed:             2,
	}
	pr, pok := rank[prev]
	nr, nok := rank[next]
	if !pok || !nok {
		return false
	}
	if pr == 2 {
		return false // terminal states never advance further
	}
	return nr >= pr
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage("null")
	}
	return b
}
