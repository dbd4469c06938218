package protocol

// WebSocket event names pushed from server to clients.
const (
	EventHealth          = "health"
	EventChat            = "chat"
	EventAgent           = "agent"
	EventPresence        = "presence"
	EventShutdown        = "shutdown"
	EventExecApprovalReq = "exec.approval.requested"
	EventExecApprovalRes = "exec.approval.resolved"
	EventExecDenied      = "exec.denied"
	EventConfigChanged   = "config.changed"
	EventRestartPending  = "restart.pending"
)

// Agent event subtypes (in payload.type).
const (
	AgentEventRunStarted   = "run.started"
	AgentEventRunCompleted = "run.completed"
	AgentEventRunFailed    = "run.failed"
	AgentEventRunRetrying  = "run.retrying"
	AgentEventToolCall     = "tool.call"
	AgentEventToolResult   = "tool.result"
)

// Chat event subtypes (in payload.type).
const (
	ChatEventChunk   = "chunk"
	ChatEventBlock   = "block"
	ChatEventMessage = "message"
)
