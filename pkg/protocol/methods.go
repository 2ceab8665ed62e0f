package protocol

// ProtocolVersion is bumped whenever a breaking wire change lands.
const ProtocolVersion = 1

// HTTP route paths for the local API.
const (
	RouteStatus            = "/api/status"
	RouteAIStatus          = "/api/ai/status"
	RouteAIConnect         = "/api/ai/connect"
	RouteAIDisconnect      = "/api/ai/disconnect"
	RouteAIMessage         = "/api/ai/message"
	RouteAIMessages        = "/api/ai/messages"
	RouteAIUsage           = "/api/ai/usage"
	RouteAIPermissionAllow = "/api/ai/permission/allow"
	RouteAIPermissionDeny  = "/api/ai/permission/deny"
	RouteAIAbort           = "/api/ai/abort"
	RouteAISessions        = "/api/ai/sessions"
	RouteAISessionPrefix   = "/api/ai/session/" // + {name} or {name}/reconnect
	RouteDaemonPrefix      = "/api/daemon/"
	RouteSettingsPrefix    = "/api/settings/"
)

// Exit codes for the CLI surface (see §6 External Interfaces).
const (
	ExitSuccess      = 0
	ExitGenericError = 1
	ExitInvalidArgs  = 2
	ExitUnreachable  = 3
)
