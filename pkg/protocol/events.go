// Package protocol defines the wire-level constants shared by the local
// HTTP/WebSocket API, the browser-extension control plane, and the event bus.
// It has no dependency on any other internal package so every component
// (including tests that fake out the transport) can import it.
package protocol

// WebSocket topic names pushed from the daemon to local subscribers
// (desktop UI, web UI). Topics forwarded from AgentEvents (happy:message,
// happy:error, happy:eventStatus, happy:usage) are backed by MessageLedger
// entries; frames pushed directly through the gateway's Broadcast (e.g.
// happy:secretChanged, happy:workspaceFileChanged, daemon:startProgress)
// are not recorded in the ledger.
const (
	TopicStatus           = "happy:status"
	TopicConnected        = "happy:connected"
	TopicDisconnected     = "happy:disconnected"
	TopicMessage          = "happy:message"
	TopicError            = "happy:error"
	TopicEventStatus      = "happy:eventStatus"
	TopicUsage            = "happy:usage"
	TopicMessagesRestored = "happy:messagesRestored"
	TopicSecretChanged    = "happy:secretChanged"
	TopicWorkDirSwitched  = "happy:workDirSwitched"
	TopicInitialized      = "happy:initialized"
	TopicDaemonStatus     = "daemon:statusChanged"
	TopicDaemonProgress   = "daemon:startProgress"
	TopicWorkspaceChanged = "happy:workspaceFileChanged"
)

// Frame is the envelope for every message pushed over the local WebSocket.
type Frame struct {
	Topic string      `json:"topic"`
	Data  interface{} `json:"data"`
}

// NewFrame wraps a payload for a given topic.
func NewFrame(topic string, data interface{}) *Frame {
	return &Frame{Topic: topic, Data: data}
}

// AgentEventKind tags the AgentEvent union variant.
type AgentEventKind string

const (
	KindAssistantText    AgentEventKind = "assistantText"
	KindToolCall         AgentEventKind = "toolCall"
	KindPermissionPrompt AgentEventKind = "permissionPrompt"
	KindUsageUpdate      AgentEventKind = "usageUpdate"
	KindStatusChange     AgentEventKind = "statusChange"
	KindError            AgentEventKind = "error"
)

// ToolState enumerates the lifecycle of a single tool invocation.
type ToolState string

const (
	ToolRunning            ToolState = "running"
	ToolAwaitingPermission ToolState = "awaiting-permission"
	ToolSucceeded          ToolState = "succeeded"
	ToolFailed             ToolState = "failed"
)

// EventStatus enumerates a session's current processing state.
type EventStatus string

const (
	StatusIdle       EventStatus = "idle"
	StatusProcessing EventStatus = "processing"
	StatusThinking   EventStatus = "thinking"
	StatusReady      EventStatus = "ready"
)

// LifecycleState enumerates a session's connection lifecycle.
type LifecycleState string

const (
	LifecycleUnconnected   LifecycleState = "unconnected"
	LifecycleConnecting    LifecycleState = "connecting"
	LifecycleConnected     LifecycleState = "connected"
	LifecycleDisconnecting LifecycleState = "disconnecting"
)

// PermissionMode enumerates the modes the remote agent can run tools under.
type PermissionMode string

const (
	PermissionDefault           PermissionMode = "default"
	PermissionPlan              PermissionMode = "plan"
	PermissionAcceptEdits       PermissionMode = "acceptEdits"
	PermissionBypassPermissions PermissionMode = "bypassPermissions"
)
