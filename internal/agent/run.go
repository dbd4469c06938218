// Package agent defines the seam between the gateway and the LLM agent
// runner. The runtime invokes an opaque RunFunc that streams partial, block,
// and tool events through a capability struct of callbacks.
package agent

import (
	"context"
	"strings"
)

// RunRequest is one agent invocation.
type RunRequest struct {
	SessionKey string
	SessionID  string
	AgentID    string
	Prompt     string

	// SteeringInput carries text merged in when a running turn was
	// cancelled with steer or steer+backlog.
	SteeringInput string
}

// RunResult is the terminal outcome of a completed run.
type RunResult struct {
	Text         string
	InputTokens  int64
	OutputTokens int64
	Aborted      bool
}

// RunHooks is the capability set a run may call back into. Every field is
// optional; nil hooks are skipped.
type RunHooks struct {
	OnPartialReply          func(text string)
	OnBlockReply            func(text string)
	OnToolResult            func(name, output string)
	OnAssistantMessageStart func()
	OnReasoningStream       func(text string)
	OnAgentEvent            func(name string, payload any)

	// ShouldEmitToolResult is polled whenever a tool event would be shown,
	// so verbosity changes take effect mid-run.
	ShouldEmitToolResult func() bool
}

// RunFunc executes one agent turn. Cancellation is delivered through ctx; a
// cancelled run returns promptly with Aborted set or ctx.Err().
type RunFunc func(ctx context.Context, req RunRequest, hooks RunHooks) (RunResult, error)

// SilentReply is the sentinel terminal text that suppresses outbound
// delivery while keeping session bookkeeping.
const SilentReply = "NO_REPLY"

// IsSilentReply reports whether text carries the silent sentinel: exactly,
// or at either end with a non-word boundary next to it.
func IsSilentReply(text string) bool {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return false
	}
	if trimmed == SilentReply {
		return true
	}
	if rest, ok := strings.CutPrefix(trimmed, SilentReply); ok {
		if rest == "" || !isWordChar(rune(rest[0])) {
			return true
		}
	}
	if before, ok := strings.CutSuffix(trimmed, SilentReply); ok {
		if before == "" || !isWordChar(rune(before[len(before)-1])) {
			return true
		}
	}
	return false
}

func isWordChar(r rune) bool {
	return r == '_' ||
		(r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
}
