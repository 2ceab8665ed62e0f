// Package events defines the AgentEvent tagged union emitted by an
// AgentSession and carried through the MessageLedger and EventBus.
//
// Matching the TS bridge's untyped `{type, ...}` records, but specified as a
// single struct with one populated payload field per kind instead of ad-hoc
// `data.metadata?.x || data.y` fallbacks — downstream code switches on Kind
// and reads the matching payload directly.
package events

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/nextlevelbuilder/goclaw-bridge/pkg/protocol"
)

// AssistantText is a streaming assistant reply fragment.
type AssistantText struct {
	Content string `json:"content"`
	IsFinal bool   `json:"isFinal"`
}

// ToolCall describes a tool invocation and its current lifecycle state.
type ToolCall struct {
	ToolID     string               `json:"toolId"`
	Name       string               `json:"name"`
	Input      map[string]any       `json:"input,omitempty"`
	State      protocol.ToolState   `json:"state"`
	StartedAt  time.Time            `json:"startedAt"`
	FinishedAt *time.Time           `json:"finishedAt,omitempty"`
	Result     string               `json:"result,omitempty"`
	Error      string               `json:"error,omitempty"`
}

// PermissionPrompt signals a tool call awaiting a user decision.
type PermissionPrompt struct {
	PromptID     string                  `json:"promptId"`
	ToolName     string                  `json:"toolName"`
	Input        map[string]any          `json:"input,omitempty"`
	ProposedMode protocol.PermissionMode `json:"proposedMode"`
}

// UsageUpdate reports the session's running token accounting.
type UsageUpdate struct {
	InputTokens      int64 `json:"inputTokens"`
	OutputTokens     int64 `json:"outputTokens"`
	CacheReadTokens  int64 `json:"cacheReadTokens"`
	ContextSize      int64 `json:"contextSize"`
}

// StatusChange reports a session processing-state transition.
type StatusChange struct {
	From   protocol.EventStatus `json:"from"`
	To     protocol.EventStatus `json:"to"`
	Reason string               `json:"reason,omitempty"`
}

// ErrorKind enumerates the taxonomy from §7 of the specification.
type ErrorKind string

const (
	ErrLinkLost            ErrorKind = "LinkLost"
	ErrNetworkUnavailable  ErrorKind = "NetworkUnavailable"
	ErrServerRejected      ErrorKind = "ServerRejected"
	ErrCredentialsMissing  ErrorKind = "CredentialsMissing"
	ErrCredentialsInvalid  ErrorKind = "CredentialsInvalid"
	ErrUnknownChannel      ErrorKind = "UnknownChannel"
	ErrUnknownSession      ErrorKind = "UnknownSession"
	ErrUnknownPrompt       ErrorKind = "UnknownPrompt"
	ErrAlreadyResolved     ErrorKind = "AlreadyResolved"
	ErrPolicyRejected      ErrorKind = "PolicyRejected"
	ErrThrottled           ErrorKind = "Throttled"
	ErrSwitchInProgress    ErrorKind = "SwitchInProgress"
	ErrTurnTimeout         ErrorKind = "TurnTimeout"
	ErrReconnectExhausted  ErrorKind = "ReconnectExhausted"
	ErrGracefulStopTimeout ErrorKind = "GracefulStopTimeout"
	ErrAgentStartFailed    ErrorKind = "AgentStartFailed"
	ErrCrashLoop           ErrorKind = "CrashLoop"
)

// ErrorEvent reports a failure condition to subscribers.
type ErrorEvent struct {
	Kind      ErrorKind `json:"kind"`
	Message   string    `json:"message"`
	Retriable bool      `json:"retriable"`
}

// Event is the AgentEvent tagged union. Exactly one of the typed payload
// fields is populated, matching Kind.
type Event struct {
	SessionID string               `json:"sessionId"`
	Sequence  int64                `json:"sequence"`
	Timestamp time.Time            `json:"timestamp"`
	Kind      protocol.AgentEventKind `json:"kind"`

	AssistantText    *AssistantText    `json:"assistantText,omitempty"`
	ToolCall         *ToolCall         `json:"toolCall,omitempty"`
	PermissionPrompt *PermissionPrompt `json:"permissionPrompt,omitempty"`
	UsageUpdate      *UsageUpdate      `json:"usageUpdate,omitempty"`
	StatusChange     *StatusChange     `json:"statusChange,omitempty"`
	Error            *ErrorEvent       `json:"error,omitempty"`

	// Fingerprint is content-derived and used to dedupe remote retries.
	// It is computed before sequence assignment so a resent fragment and
	// the original collapse to the same identity regardless of when each
	// arrived. Not serialized: it's a local bookkeeping field.
	Fingerprint string `json:"-"`
}

// Gap is an out-of-band marker spliced into a subscription's delivery
// stream when its drop policy (drop-newest, or drop-oldest eviction)
// discarded one or more events for that subscriber.
type Gap struct {
	From int64 `json:"from"`
	To   int64 `json:"to"`
}

// Fingerprint computes the content-derived de-duplication key for an event
// BEFORE it has been assigned a sequence number. kind||toolId||fragment||final
// per §4.1: two wire retries of the same fragment hash identically.
func Fingerprint(kind protocol.AgentEventKind, toolID, fragment string, final bool) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s|%t", kind, toolID, fragment, final)
	return hex.EncodeToString(h.Sum(nil))
}

// fingerprintFor derives the event's dedupe key from its own payload.
func fingerprintFor(e Event) string {
	switch e.Kind {
	case protocol.KindAssistantText:
		return Fingerprint(e.Kind, "", e.AssistantText.Content, e.AssistantText.IsFinal)
	case protocol.KindToolCall:
		return Fingerprint(e.Kind, e.ToolCall.ToolID, string(e.ToolCall.State), e.ToolCall.FinishedAt != nil)
	case protocol.KindPermissionPrompt:
		return Fingerprint(e.Kind, e.PermissionPrompt.PromptID, e.PermissionPrompt.ToolName, false)
	case protocol.KindUsageUpdate:
		return Fingerprint(e.Kind, "", fmt.Sprintf("%d/%d/%d/%d", e.UsageUpdate.InputTokens, e.UsageUpdate.OutputTokens, e.UsageUpdate.CacheReadTokens, e.UsageUpdate.ContextSize), false)
	case protocol.KindStatusChange:
		return Fingerprint(e.Kind, "", string(e.StatusChange.From)+">"+string(e.StatusChange.To), false)
	case protocol.KindError:
		return Fingerprint(e.Kind, "", string(e.Error.Kind)+"|"+e.Error.Message, e.Error.Retriable)
	default:
		return Fingerprint(e.Kind, "", "", false)
	}
}

// NewAssistantText builds an AssistantText event with its fingerprint set.
// Sequence is left at zero; AgentSession assigns it at emit time.
func NewAssistantText(sessionID, content string, isFinal bool, ts time.Time) Event {
	e := Event{SessionID: sessionID, Timestamp: ts, Kind: protocol.KindAssistantText, AssistantText: &AssistantText{Content: content, IsFinal: isFinal}}
	e.Fingerprint = fingerprintFor(e)
	return e
}

// NewToolCall builds a ToolCall event with its fingerprint set.
func NewToolCall(sessionID string, tc ToolCall, ts time.Time) Event {
	e := Event{SessionID: sessionID, Timestamp: ts, Kind: protocol.KindToolCall, ToolCall: &tc}
	e.Fingerprint = fingerprintFor(e)
	return e
}

// NewPermissionPrompt builds a PermissionPrompt event with its fingerprint set.
func NewPermissionPrompt(sessionID string, p PermissionPrompt, ts time.Time) Event {
	e := Event{SessionID: sessionID, Timestamp: ts, Kind: protocol.KindPermissionPrompt, PermissionPrompt: &p}
	e.Fingerprint = fingerprintFor(e)
	return e
}

// NewUsageUpdate builds a UsageUpdate event with its fingerprint set.
func NewUsageUpdate(sessionID string, u UsageUpdate, ts time.Time) Event {
	e := Event{SessionID: sessionID, Timestamp: ts, Kind: protocol.KindUsageUpdate, UsageUpdate: &u}
	e.Fingerprint = fingerprintFor(e)
	return e
}

// NewStatusChange builds a StatusChange event with its fingerprint set.
func NewStatusChange(sessionID string, from, to protocol.EventStatus, reason string, ts time.Time) Event {
	e := Event{SessionID: sessionID, Timestamp: ts, Kind: protocol.KindStatusChange, StatusChange: &StatusChange{From: from, To: to, Reason: reason}}
	e.Fingerprint = fingerprintFor(e)
	return e
}

// NewError builds an Error event with its fingerprint set.
func NewError(sessionID string, kind ErrorKind, message string, retriable bool, ts time.Time) Event {
	e := Event{SessionID: sessionID, Timestamp: ts, Kind: protocol.KindError, Error: &ErrorEvent{Kind: kind, Message: message, Retriable: retriable}}
	e.Fingerprint = fingerprintFor(e)
	return e
}
