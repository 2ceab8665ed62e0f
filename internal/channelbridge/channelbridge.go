// Package channelbridge decouples external messaging channels from the
// agent. It is the only component channel adapters ever talk to: it
// multiplexes inbound messages from heterogeneous channels into a single
// agent session while preserving per-channel reply routing.
package channelbridge

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/time/rate"

	"github.com/nextlevelbuilder/goclaw-bridge/internal/events"
	"github.com/nextlevelbuilder/goclaw-bridge/internal/tracing"
	"github.com/nextlevelbuilder/goclaw-bridge/pkg/protocol"
)

// ChannelMessage is the inbound payload from an external channel (§3).
type ChannelMessage struct {
	ChannelID  string
	SessionKey string
	MessageID  string
	SenderID   string
	Text       string
	ReplyToID  string
	Metadata   map[string]any
}

// ChannelAdapter is the capability set the bridge requires from a channel.
// Every call must be idempotent with respect to network retries.
type ChannelAdapter interface {
	ChannelID() string
	SendText(ctx context.Context, to, text string) error
	ReplyText(ctx context.Context, replyToID, text string) error
	SendTyping(ctx context.Context, to string) error
}

// Policy gates an inbound message before it is routed. Decorative rejections
// (e.g. "bot not mentioned") are archived into scrollback; hostile
// rejections (explicit deny rules) are not.
type Policy interface {
	Check(msg ChannelMessage) (allow bool, archiveOnReject bool, reason string)
}

// AgentSender is the narrow capability the bridge needs from a session's
// agent link. Kept minimal so tests can fake it without constructing a real
// agentsession.AgentSession.
type AgentSender interface {
	SendUserMessage(ctx context.Context, text string, metadata map[string]any) (string, error)
}

// SessionResolver maps a channel's sessionKey to the session identity and
// agent link that should receive the message. The returned identity is used
// consistently for both dispatch and later deliverOutbound correlation —
// callers should supply a stable session name rather than an agent-issued
// sessionId that can change across reconnects.
type SessionResolver interface {
	Resolve(ctx context.Context, msg ChannelMessage) (sessionIdentity string, agent AgentSender, err error)
}

// Subscriber lets the bridge listen for AgentEvents on a session without
// depending on a concrete eventbus.Bus, matching the teacher's preference
// for small injected interfaces over concrete singletons.
type Subscriber interface {
	Subscribe(sessionID string, onEvent func(events.Event)) (unsubscribe func())
}

// ErrorKind values returned by HandleInbound.
var (
	ErrSessionUnavailable = fmt.Errorf("session unavailable")
	ErrPolicyRejected     = fmt.Errorf("policy rejected")
	ErrThrottled          = fmt.Errorf("throttled")
)

const (
	defaultTurnTimeout   = 120 * time.Second
	defaultScrollbackCap = 20
)

type pendingRequest struct {
	requestID        string
	channelID        string
	channelMessageID string
	sessionIdentity  string
	submittedAt      time.Time
	adapter          ChannelAdapter
	agent            AgentSender
	text             string
	metadata         map[string]any
	deliverTo        string
	timer            *time.Timer // armed only once this request becomes the session's active turn
	seq              int64       // acceptance order within channelID, see channelSequencer
}

// channelSequencer preserves deliverOutbound ordering across the many
// sessions a single channel can host concurrently (e.g. a Discord/Telegram
// channelID fans out into one session per chat). Sessions finish their
// turns independently, so a reply can be ready before an earlier-accepted
// reply from a different session on the same channel; the sequencer holds
// finished replies back until every earlier-numbered one has been released,
// so the channel's deliverOutbound order always matches acceptance order.
type channelSequencer struct {
	mu          sync.Mutex
	nextSeq     int64
	nextRelease int64
	ready       map[int64]func()
}

// insertAndDrain registers seq's job and returns, in release order, every
// now-contiguous job starting at nextRelease (seq's own job included if it
// was next up). Callers submit the returned jobs to the channel's worker
// themselves so every release, real delivery or skipped slot alike, goes
// through the same channelWorker serialization.
func (seqr *channelSequencer) insertAndDrain(seq int64, job func()) []func() {
	seqr.mu.Lock()
	defer seqr.mu.Unlock()
	seqr.ready[seq] = job
	var runnable []func()
	for {
		j, ok := seqr.ready[seqr.nextRelease]
		if !ok {
			break
		}
		delete(seqr.ready, seqr.nextRelease)
		runnable = append(runnable, j)
		seqr.nextRelease++
	}
	return runnable
}

type sessionQueue struct {
	mu      sync.Mutex
	pending []*pendingRequest // unresolved requests, the active one included, FIFO by submittedAt
	active  *pendingRequest   // the turn currently in flight with the remote agent, if any
	buffer  strings.Builder
}

type channelWorker struct {
	jobs chan func()
	stop chan struct{}
}

func newChannelWorker() *channelWorker {
	w := &channelWorker{jobs: make(chan func(), 256), stop: make(chan struct{})}
	go w.run()
	return w
}

func (w *channelWorker) run() {
	for {
		select {
		case job := <-w.jobs:
			job()
		case <-w.stop:
			return
		}
	}
}

func (w *channelWorker) submit(job func()) {
	select {
	case w.jobs <- job:
	case <-w.stop:
	}
}

func (w *channelWorker) close() { close(w.stop) }

// Bridge is the channel-bridge core. Safe for concurrent use.
type Bridge struct {
	log         *slog.Logger
	resolver    SessionResolver
	subscriber  Subscriber
	turnTimeout time.Duration
	tracer      *tracing.Provider

	adaptersMu sync.RWMutex
	adapters   map[string]ChannelAdapter
	policies   map[string]Policy
	limiters   map[string]*rate.Limiter
	workers    map[string]*channelWorker
	sequencers map[string]*channelSequencer

	sessionsMu sync.Mutex
	sessions   map[string]*sessionQueue // keyed by sessionIdentity
	sessionSub map[string]func()        // keyed by sessionIdentity, unsubscribe from Subscriber

	scrollbackMu sync.Mutex
	scrollback   map[string][]ChannelMessage // keyed by channelId+":"+sessionKey
}

// New constructs a Bridge.
func New(resolver SessionResolver, subscriber Subscriber, turnTimeout time.Duration, log *slog.Logger) *Bridge {
	if log == nil {
		log = slog.Default()
	}
	if turnTimeout <= 0 {
		turnTimeout = defaultTurnTimeout
	}
	return &Bridge{
		log:         log,
		resolver:    resolver,
		subscriber:  subscriber,
		turnTimeout: turnTimeout,
		adapters:    make(map[string]ChannelAdapter),
		policies:    make(map[string]Policy),
		limiters:    make(map[string]*rate.Limiter),
		workers:     make(map[string]*channelWorker),
		sequencers:  make(map[string]*channelSequencer),
		sessions:    make(map[string]*sessionQueue),
		sessionSub:  make(map[string]func()),
		scrollback:  make(map[string][]ChannelMessage),
	}
}

// SetTracer wires span export for HandleInbound (§4.3). Nil is valid and
// leaves spans disabled.
func (b *Bridge) SetTracer(p *tracing.Provider) {
	b.tracer = p
}

// startSpan begins name as a child span when a tracer is wired, returning a
// no-op end func otherwise so call sites don't need a nil check.
func (b *Bridge) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func()) {
	if b.tracer == nil {
		return ctx, func() {}
	}
	ctx, span := b.tracer.StartSpan(ctx, name)
	if len(attrs) > 0 {
		span.SetAttributes(attrs...)
	}
	return ctx, func() { span.End() }
}

// RegisterChannel registers an adapter under channelId. Rejects if already
// registered; the adapter registry is guarded by a single writer lock.
func (b *Bridge) RegisterChannel(channelID string, adapter ChannelAdapter, policy Policy, limiter *rate.Limiter) error {
	b.adaptersMu.Lock()
	defer b.adaptersMu.Unlock()
	if _, exists := b.adapters[channelID]; exists {
		return fmt.Errorf("channel %q already registered", channelID)
	}
	b.adapters[channelID] = adapter
	if policy != nil {
		b.policies[channelID] = policy
	}
	if limiter != nil {
		b.limiters[channelID] = limiter
	}
	b.workers[channelID] = newChannelWorker()
	b.sequencers[channelID] = &channelSequencer{ready: make(map[int64]func())}
	return nil
}

// UnregisterChannel removes an adapter and stops its delivery worker.
func (b *Bridge) UnregisterChannel(channelID string) {
	b.adaptersMu.Lock()
	defer b.adaptersMu.Unlock()
	if w, ok := b.workers[channelID]; ok {
		w.close()
		delete(b.workers, channelID)
	}
	delete(b.adapters, channelID)
	delete(b.policies, channelID)
	delete(b.limiters, channelID)
	delete(b.sequencers, channelID)
}

func (b *Bridge) adapterFor(channelID string) (ChannelAdapter, *channelWorker, bool) {
	b.adaptersMu.RLock()
	defer b.adaptersMu.RUnlock()
	a, ok := b.adapters[channelID]
	if !ok {
		return nil, nil, false
	}
	return a, b.workers[channelID], true
}

func (b *Bridge) sequencerFor(channelID string) *channelSequencer {
	b.adaptersMu.RLock()
	defer b.adaptersMu.RUnlock()
	return b.sequencers[channelID]
}

// nextChannelSeq assigns the acceptance-order position of a newly accepted
// request within its channel, across all of the channel's sessions.
func (b *Bridge) nextChannelSeq(channelID string) int64 {
	seqr := b.sequencerFor(channelID)
	if seqr == nil {
		return 0
	}
	seqr.mu.Lock()
	defer seqr.mu.Unlock()
	seq := seqr.nextSeq
	seqr.nextSeq++
	return seq
}

// scheduleDelivery holds job back until every earlier-accepted request on
// channelID has already been released, then submits job and any
// now-unblocked later jobs to worker in acceptance order. This is what keeps
// deliverOutbound ordered per channel even though the channel's sessions
// (one per chat) finish their turns independently of each other.
func (b *Bridge) scheduleDelivery(channelID string, seq int64, worker *channelWorker, job func()) {
	seqr := b.sequencerFor(channelID)
	if seqr == nil {
		worker.submit(job)
		return
	}
	for _, j := range seqr.insertAndDrain(seq, job) {
		worker.submit(j)
	}
}

// releaseDelivery marks seq as resolved without producing a delivery (the
// request never reached a reply, e.g. SendUserMessage failed outright), so
// the channel's ordering doesn't stall waiting on a slot that will never
// otherwise be released.
func (b *Bridge) releaseDelivery(channelID string, seq int64, worker *channelWorker) {
	seqr := b.sequencerFor(channelID)
	if seqr == nil {
		return
	}
	for _, j := range seqr.insertAndDrain(seq, func() {}) {
		if worker != nil {
			worker.submit(j)
		}
	}
}

// HandleInbound is the adapter's entry point: "a user sent a message on my
// channel; please route it."
func (b *Bridge) HandleInbound(ctx context.Context, msg ChannelMessage) (requestID string, accepted bool, err error) {
	ctx, end := b.startSpan(ctx, "channelbridge.HandleInbound", attribute.String("channelId", msg.ChannelID))
	defer end()

	b.adaptersMu.RLock()
	adapter, ok := b.adapters[msg.ChannelID]
	limiter := b.limiters[msg.ChannelID]
	policy := b.policies[msg.ChannelID]
	b.adaptersMu.RUnlock()
	if !ok {
		return "", false, fmt.Errorf("%w: channel %q not registered", ErrSessionUnavailable, msg.ChannelID)
	}

	if limiter != nil && !limiter.Allow() {
		return "", false, ErrThrottled
	}

	if policy != nil {
		if allow, archive, reason := policy.Check(msg); !allow {
			if archive {
				b.archive(msg)
			}
			b.log.Info("inbound rejected by policy", "channel", msg.ChannelID, "reason", reason, "archived", archive)
			return "", false, ErrPolicyRejected
		}
	}

	sessionIdentity, agent, err := b.resolver.Resolve(ctx, msg)
	if err != nil {
		return "", false, fmt.Errorf("%w: %v", ErrSessionUnavailable, err)
	}

	requestID = uuid.NewString()
	pr := &pendingRequest{
		requestID:        requestID,
		channelID:        msg.ChannelID,
		channelMessageID: msg.MessageID,
		sessionIdentity:  sessionIdentity,
		submittedAt:      time.Now(),
		adapter:          adapter,
		agent:            agent,
		text:             msg.Text,
		metadata:         map[string]any{"requestId": requestID},
		deliverTo:        msg.SenderID,
		seq:              b.nextChannelSeq(msg.ChannelID),
	}

	// Only one turn per session is ever in flight with the remote agent at a
	// time (see dispatchReply/timeoutPending): a session can have no requestId
	// to correlate a reply against, so letting two turns overlap makes a late
	// reply to one attributable to whichever is merely first in the queue.
	// Requests accepted while another is active wait here and are sent once
	// it resolves (advance).
	q := b.queueFor(sessionIdentity)
	q.mu.Lock()
	q.pending = append(q.pending, pr)
	becomeActive := q.active == nil
	if becomeActive {
		q.active = pr
	}
	q.mu.Unlock()

	b.ensureSessionSubscription(sessionIdentity)

	if !becomeActive {
		return requestID, true, nil
	}

	if sendErr := b.sendActive(ctx, pr); sendErr != nil {
		return "", false, fmt.Errorf("%w: %v", ErrSessionUnavailable, sendErr)
	}

	return requestID, true, nil
}

// sendActive delivers pr to the remote agent and, on success, arms its
// timeout timer. ctx is only used for this one call; advance uses a fresh
// bounded context instead, since the original HandleInbound caller's ctx may
// already be gone by the time a queued request's turn comes up.
func (b *Bridge) sendActive(ctx context.Context, pr *pendingRequest) error {
	if _, err := pr.agent.SendUserMessage(ctx, pr.text, pr.metadata); err != nil {
		b.resolveActive(pr.sessionIdentity, pr)
		_, worker, ok := b.adapterFor(pr.channelID)
		if ok {
			b.releaseDelivery(pr.channelID, pr.seq, worker)
		}
		b.advance(pr.sessionIdentity)
		return err
	}
	pr.timer = time.AfterFunc(b.turnTimeout, func() { b.timeoutPending(pr.sessionIdentity, pr) })
	return nil
}

// resolveActive clears pr as the session's active turn and drops it from the
// pending queue, wherever it is in each. Safe to call even if pr has already
// been resolved by a concurrent dispatchReply/timeoutPending.
func (b *Bridge) resolveActive(sessionIdentity string, pr *pendingRequest) {
	q := b.queueFor(sessionIdentity)
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.active == pr {
		q.active = nil
	}
	for i, p := range q.pending {
		if p == pr {
			q.pending = append(q.pending[:i], q.pending[i+1:]...)
			break
		}
	}
}

// advance starts the next queued request on sessionIdentity as its new
// active turn, if one is waiting and no turn is currently in flight.
func (b *Bridge) advance(sessionIdentity string) {
	q := b.queueFor(sessionIdentity)
	q.mu.Lock()
	if q.active != nil || len(q.pending) == 0 {
		q.mu.Unlock()
		return
	}
	next := q.pending[0]
	q.active = next
	q.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	_ = b.sendActive(ctx, next) // failures self-heal via resolveActive+advance inside sendActive
}

func (b *Bridge) archive(msg ChannelMessage) {
	key := msg.ChannelID + ":" + msg.SessionKey
	b.scrollbackMu.Lock()
	defer b.scrollbackMu.Unlock()
	buf := append(b.scrollback[key], msg)
	if len(buf) > defaultScrollbackCap {
		buf = buf[len(buf)-defaultScrollbackCap:]
	}
	b.scrollback[key] = buf
}

// Scrollback returns the retained, non-forwarded inbounds for a chat.
func (b *Bridge) Scrollback(channelID, sessionKey string) []ChannelMessage {
	key := channelID + ":" + sessionKey
	b.scrollbackMu.Lock()
	defer b.scrollbackMu.Unlock()
	out := make([]ChannelMessage, len(b.scrollback[key]))
	copy(out, b.scrollback[key])
	return out
}

func (b *Bridge) queueFor(sessionIdentity string) *sessionQueue {
	b.sessionsMu.Lock()
	defer b.sessionsMu.Unlock()
	q, ok := b.sessions[sessionIdentity]
	if !ok {
		q = &sessionQueue{}
		b.sessions[sessionIdentity] = q
	}
	return q
}

func (b *Bridge) ensureSessionSubscription(sessionIdentity string) {
	b.sessionsMu.Lock()
	_, already := b.sessionSub[sessionIdentity]
	if already {
		b.sessionsMu.Unlock()
		return
	}
	b.sessionSub[sessionIdentity] = func() {} // placeholder to prevent races before Subscribe returns
	b.sessionsMu.Unlock()

	unsub := b.subscriber.Subscribe(sessionIdentity, func(e events.Event) {
		b.onEvent(sessionIdentity, e)
	})

	b.sessionsMu.Lock()
	b.sessionSub[sessionIdentity] = unsub
	b.sessionsMu.Unlock()
}

func (b *Bridge) onEvent(sessionIdentity string, e events.Event) {
	q := b.queueFor(sessionIdentity)

	switch e.Kind {
	case protocol.KindAssistantText:
		q.mu.Lock()
		q.buffer.WriteString(e.AssistantText.Content)
		q.mu.Unlock()

	case protocol.KindStatusChange:
		if e.StatusChange.To != protocol.StatusReady {
			return
		}
		b.dispatchReply(sessionIdentity)

	case protocol.KindError:
		if e.Error.Kind == events.ErrLinkLost || e.Error.Kind == events.ErrReconnectExhausted {
			b.failAllPending(sessionIdentity, localize("", "connection-lost"))
		}
	}
}

// dispatchReply implements §4.3 step 3: resolve the session's active turn,
// reply via its adapter, and start the next queued request (if any). The
// AgentEvent data model carries no requestId on AssistantText/StatusChange,
// so correlation to a specific pendingRequest relies on there only ever
// being one turn in flight per session at a time (see sendActive/advance) —
// q.active is resolved and cleared atomically with q.buffer under q.mu, so a
// timeoutPending racing this same turn can't also consume the buffer and
// hand its content to an unrelated later request.
func (b *Bridge) dispatchReply(sessionIdentity string) {
	q := b.queueFor(sessionIdentity)
	q.mu.Lock()
	pr := q.active
	if pr == nil {
		q.buffer.Reset()
		q.mu.Unlock()
		return
	}
	q.active = nil
	for i, p := range q.pending {
		if p == pr {
			q.pending = append(q.pending[:i], q.pending[i+1:]...)
			break
		}
	}
	text := q.buffer.String()
	q.buffer.Reset()
	q.mu.Unlock()

	if pr.timer != nil {
		pr.timer.Stop()
	}

	if _, worker, ok := b.adapterFor(pr.channelID); ok {
		b.scheduleDelivery(pr.channelID, pr.seq, worker, func() {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := pr.adapter.ReplyText(ctx, pr.channelMessageID, text); err != nil {
				b.log.Warn("reply delivery failed", "channel", pr.channelID, "err", err)
			}
		})
	}
	b.advance(sessionIdentity)
}

// timeoutPending fires turnTimeout after pr became the session's active
// turn. If dispatchReply already resolved pr (q.active no longer == pr) this
// is a no-op: the real reply won, and its own q.buffer read already happened
// inside dispatchReply's lock before this could race it.
func (b *Bridge) timeoutPending(sessionIdentity string, pr *pendingRequest) {
	q := b.queueFor(sessionIdentity)
	q.mu.Lock()
	if q.active != pr {
		q.mu.Unlock()
		return
	}
	q.active = nil
	for i, p := range q.pending {
		if p == pr {
			q.pending = append(q.pending[:i], q.pending[i+1:]...)
			break
		}
	}
	q.buffer.Reset() // any partial text belongs to the turn that just timed out
	q.mu.Unlock()

	if _, worker, ok := b.adapterFor(pr.channelID); ok {
		b.scheduleDelivery(pr.channelID, pr.seq, worker, func() {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := pr.adapter.SendText(ctx, pr.deliverTo, localize(pr.channelID, "timeout")); err != nil {
				b.log.Warn("timeout notice delivery failed", "channel", pr.channelID, "err", err)
			}
		})
	}
	b.advance(sessionIdentity)
}

func (b *Bridge) failAllPending(sessionIdentity, message string) {
	q := b.queueFor(sessionIdentity)
	q.mu.Lock()
	pending := q.pending
	q.pending = nil
	q.active = nil
	q.buffer.Reset()
	q.mu.Unlock()

	for _, pr := range pending {
		if pr.timer != nil {
			pr.timer.Stop()
		}
		_, worker, ok := b.adapterFor(pr.channelID)
		if !ok {
			continue
		}
		pr := pr
		b.scheduleDelivery(pr.channelID, pr.seq, worker, func() {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			_ = pr.adapter.SendText(ctx, pr.deliverTo, message)
		})
	}
}

// localize renders a stable message key per channel. Only English is
// implemented; a richer per-channel locale table is a straightforward
// extension point that doesn't change the bridge's control flow.
func localize(_ string, key string) string {
	switch key {
	case "timeout":
		return "Sorry, that's taking longer than expected. Please try again."
	case "connection-lost":
		return "The connection to the assistant was lost. Please try again shortly."
	default:
		return key
	}
}
