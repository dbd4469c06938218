// Package protocol defines the gateway wire protocol: JSON request/response
// frames over WebSocket plus server-pushed events with a per-connection
// monotone sequence number.
package protocol

import "encoding/json"

// ProtocolVersion is bumped on breaking frame or method changes.
const ProtocolVersion = 3

// RequestFrame is a client → server RPC call.
type RequestFrame struct {
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// ResponseFrame is the server's reply to a RequestFrame with the same ID.
type ResponseFrame struct {
	ID      string          `json:"id"`
	OK      bool            `json:"ok"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   *ErrorInfo      `json:"error,omitempty"`
}

// EventFrame is a server → client push. Seq is monotone per connection so
// clients can detect gaps after reconnect.
type EventFrame struct {
	Name    string      `json:"name"`
	Payload interface{} `json:"payload,omitempty"`
	Seq     uint64      `json:"seq"`
}

// ErrorInfo carries a machine-readable code and a human message.
type ErrorInfo struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func (e *ErrorInfo) Error() string { return e.Code + ": " + e.Message }

// Error kinds (ErrorInfo.Code). The taxonomy is deliberately small; callers
// branch on kind, not message text.
const (
	ErrInvalidRequest = "INVALID_REQUEST"
	ErrUnauthorized   = "UNAUTHORIZED"
	ErrUnavailable    = "UNAVAILABLE"
	ErrConflict       = "CONFLICT"
	ErrTimeout        = "TIMEOUT"
	ErrInternal       = "INTERNAL"
)

// Exec-approval rejection codes (ErrorInfo.Details["code"] under
// ErrUnavailable / ErrInvalidRequest).
const (
	ApprovalMissingRunID       = "MISSING_RUN_ID"
	ApprovalUnknownID          = "UNKNOWN_APPROVAL_ID"
	ApprovalExpired            = "APPROVAL_EXPIRED"
	ApprovalDeviceMismatch     = "APPROVAL_DEVICE_MISMATCH"
	ApprovalRequestMismatch    = "APPROVAL_REQUEST_MISMATCH"
	ApprovalRequired           = "APPROVAL_REQUIRED"
	ApprovalRawCommandMismatch = "RAW_COMMAND_MISMATCH"
)

// NewError builds an ErrorInfo with an optional detail code.
func NewError(kind, message string, detailCode string) *ErrorInfo {
	e := &ErrorInfo{Code: kind, Message: message}
	if detailCode != "" {
		e.Details = map[string]interface{}{"code": detailCode}
	}
	return e
}

// NewEvent builds an EventFrame without a sequence number; the connection
// write path stamps Seq just before send.
func NewEvent(name string, payload interface{}) *EventFrame {
	return &EventFrame{Name: name, Payload: payload}
}

// DetailCode extracts Details["code"] if present.
func (e *ErrorInfo) DetailCode() string {
	if e == nil || e.Details == nil {
		return ""
	}
	if c, ok := e.Details["code"].(string); ok {
		return c
	}
	return ""
}
