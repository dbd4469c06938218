package agent

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"
)

// ErrorKind classifies agent-transport failures by recovery strategy.
type ErrorKind int

const (
	// ErrorOther is anything without a known recovery path.
	ErrorOther ErrorKind = iota
	// ErrorContextOverflow means the context window cannot hold the turn.
	// Recovery: archive the transcript and reset the session.
	ErrorContextOverflow
	// ErrorRoleOrdering is a persistent message-ordering conflict in the
	// transcript. Recovery: reset the session.
	ErrorRoleOrdering
	// ErrorCorruptTranscript is unreadable or inconsistent history.
	// Recovery: reset the session.
	ErrorCorruptTranscript
	// ErrorTransient is a retryable transport failure (5xx, 429, rate
	// limit). Retried with jittered backoff; never resets the session.
	ErrorTransient
)

// Substrings observed from agent transports. Classification is substring
// based because the upstream SDKs do not expose typed errors for these.
var (
	overflowMarkers = []string{
		"prompt is too long",
		"context window",
		"maximum context length",
	}
	roleOrderingMarkers = []string{
		"role ordering",
		"unexpected role",
		"messages: roles must alternate",
	}
	corruptMarkers = []string{
		"corrupt",
		"invalid transcript",
		"unable to parse session",
	}
	transientMarkers = []string{
		"rate limit",
		"429",
		"overloaded",
		"500",
		"502",
		"503",
		"504",
		"timeout",
		"connection reset",
	}
)

// Classify maps an agent run error to its recovery kind.
func Classify(err error) ErrorKind {
	if err == nil {
		return ErrorOther
	}
	msg := strings.ToLower(err.Error())
	for _, m := range overflowMarkers {
		if strings.Contains(msg, m) {
			return ErrorContextOverflow
		}
	}
	for _, m := range roleOrderingMarkers {
		if strings.Contains(msg, m) {
			return ErrorRoleOrdering
		}
	}
	for _, m := range corruptMarkers {
		if strings.Contains(msg, m) {
			return ErrorCorruptTranscript
		}
	}
	for _, m := range transientMarkers {
		if strings.Contains(msg, m) {
			return ErrorTransient
		}
	}
	return ErrorOther
}

const (
	maxAttempts  = 3
	retryBase    = 500 * time.Millisecond
	retryCeiling = 8 * time.Second
)

// RunWithRetry invokes run, retrying transient failures with jittered
// exponential backoff. Non-transient errors and cancellations return
// immediately.
func RunWithRetry(ctx context.Context, run RunFunc, req RunRequest, hooks RunHooks) (RunResult, error) {
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			delay := retryBase << (attempt - 1)
			if delay > retryCeiling {
				delay = retryCeiling
			}
			delay += time.Duration(rand.Int63n(int64(delay) / 2))
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return RunResult{}, ctx.Err()
			}
		}
		res, err := run(ctx, req, hooks)
		if err == nil {
			return res, nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return RunResult{}, err
		}
		if Classify(err) != ErrorTransient {
			return RunResult{}, err
		}
		lastErr = err
	}
	return RunResult{}, fmt.Errorf("agent run failed after %d attempts: %w", maxAttempts, lastErr)
}

// FriendlyMessage rewrites known ugly transport errors into a short message
// suitable for delivery to the chat surface. Unknown errors pass through.
func FriendlyMessage(err error) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	if strings.Contains(msg, "connection was closed unexpectedly") {
		return fmt.Sprintf("LLM connection failed:\n> %s", msg)
	}
	switch Classify(err) {
	case ErrorContextOverflow:
		return "Context limit exceeded; session was reset. Please resend your message."
	case ErrorRoleOrdering:
		return "Message ordering conflict; session was reset. Please resend your message."
	case ErrorCorruptTranscript:
		return "Conversation history was corrupted; session was reset. Please resend your message."
	}
	return msg
}
