// Package channels is the adapter layer between messaging platforms and the
// gateway runtime. Adapters normalize webhook payloads into envelopes on the
// way in and render reply payloads on the way out.
package channels

import (
	"context"
	"strings"

	"github.com/nextlevelbuilder/clawgate/internal/bus"
	"github.com/nextlevelbuilder/clawgate/internal/envelope"
)

// Delivery addresses one outbound payload.
type Delivery struct {
	ChatID    string
	ThreadID  string
	ReplyToID string
}

// Adapter is one platform integration.
type Adapter interface {
	// Name is the channel identifier ("telegram", "webhook", ...).
	Name() string

	// Start brings up any long-lived platform resources. Non-blocking after
	// setup.
	Start(ctx context.Context) error

	// Stop shuts the adapter down.
	Stop(ctx context.Context) error

	// Running reports whether the adapter is processing messages.
	Running() bool

	// Parse normalizes one verified webhook body into envelopes. A body can
	// carry zero envelopes (status callbacks, edits we ignore).
	Parse(body []byte) ([]envelope.Envelope, error)

	// Deliver renders and sends one reply payload.
	Deliver(ctx context.Context, to Delivery, payload bus.ReplyPayload) error
}

// SenderAllowed checks a sender against a channel allowlist. Entries and
// sender ids may use the compound "id|username" form; either side matching
// either part accepts. An empty allowlist accepts everyone.
func SenderAllowed(allowList []string, senderID string) bool {
	if len(allowList) == 0 {
		return true
	}

	idPart := senderID
	userPart := ""
	if idx := strings.IndexByte(senderID, '|'); idx > 0 {
		idPart = senderID[:idx]
		userPart = senderID[idx+1:]
	}

	for _, allowed := range allowList {
		trimmed := strings.TrimPrefix(allowed, "@")
		allowedID := trimmed
		allowedUser := ""
		if idx := strings.IndexByte(trimmed, '|'); idx > 0 {
			allowedID = trimmed[:idx]
			allowedUser = trimmed[idx+1:]
		}

		if senderID == allowed ||
			senderID == trimmed ||
			idPart == trimmed ||
			idPart == allowedID ||
			(allowedUser != "" && senderID == allowedUser) ||
			(userPart != "" && (userPart == trimmed || userPart == allowedUser)) {
			return true
		}
	}
	return false
}
