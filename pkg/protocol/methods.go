package protocol

// RPC method name constants exposed by the gateway.

// Connection lifecycle
const (
	MethodConnect = "connect"
	MethodHello   = "hello"
	MethodHealth  = "health"
	MethodStatus  = "status"
)

// Chat
const (
	MethodChatSend    = "chat.send"
	MethodChatAbort   = "chat.abort"
	MethodChatHistory = "chat.history"
)

// Config
const (
	MethodConfigGet    = "config.get"
	MethodConfigSet    = "config.set"
	MethodConfigPatch  = "config.patch"
	MethodConfigApply  = "config.apply"
	MethodConfigSchema = "config.schema"
)

// Sessions
const (
	MethodSessionsList   = "sessions.list"
	MethodSessionsReset  = "sessions.reset"
	MethodSessionsDelete = "sessions.delete"
)

// Node hosts
const (
	MethodNodeList   = "node.list"
	MethodNodeInvoke = "node.invoke"
)

// Exec approvals
const (
	MethodApprovalRequest = "exec.approval.request"
	MethodApprovalResolve = "exec.approval.resolve"
	MethodApprovalsGet    = "exec.approvals.get"
	MethodApprovalsSet    = "exec.approvals.set"
)

// Node-side commands forwarded via node.invoke. system.execApprovals.set is
// never forwardable — approvals mutate only through the gateway methods above.
const (
	NodeCommandSystemRun        = "system.run"
	NodeCommandExecApprovalsSet = "system.execApprovals.set"
)

// Capabilities attached to operator connections.
const (
	CapOperatorRead      = "operator.read"
	CapOperatorWrite     = "operator.write"
	CapOperatorApprovals = "operator.approvals"
)
