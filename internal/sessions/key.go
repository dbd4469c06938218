// Package sessions — session key builder/parser and the durable session
// metadata store.
//
// Session keys follow the canonical route-identifier grammar:
//
//	agent:{agentId}:{channel}:{scope}:{scopeId}[:thread:{tid}]
//
// Where {scope} is one of:
//
//	dm       — direct message, scopeId is the peer id
//	group    — multi-party chat, scopeId is the group id
//	channel  — broadcast-style channel, scopeId is the channel id
//	topic    — forum topic inside a group (Telegram), tid via ":topic:"
//
// Examples:
//
//	agent:default:telegram:dm:386246614
//	agent:default:discord:group:9912:thread:7741
//	agent:default:telegram:group:-100123456:topic:99
//
// ":topic:" and ":thread:" carry the same meaning; topic is emitted only for
// the forum channel tag, thread everywhere else. Lookup accepts both.
package sessions

import (
	"errors"
	"fmt"
	"strings"
)

// Scope is the conversation shape segment of a session key.
type Scope string

const (
	ScopeDM      Scope = "dm"
	ScopeChannel Scope = "channel"
	ScopeGroup   Scope = "group"
	ScopeTopic   Scope = "topic"
)

// ErrInvalidKey is returned when a session key is missing segments or uses
// an unknown scope.
var ErrInvalidKey = errors.New("invalid session key")

// forumChannel is the one channel whose thread suffix is spelled ":topic:".
const forumChannel = "telegram"

// Key is the parsed form of a session key.
type Key struct {
	AgentID  string
	Channel  string
	Scope    Scope
	ScopeID  string
	ThreadID string // empty outside threads/topics
}

// BuildKey renders the canonical session key.
func BuildKey(agentID, channel string, scope Scope, scopeID string) string {
	return fmt.Sprintf("agent:%s:%s:%s:%s", agentID, channel, scope, scopeID)
}

// BuildThreadKey renders a session key with a thread/topic suffix. The
// suffix token is ":topic:" for the forum channel and ":thread:" otherwise.
func BuildThreadKey(agentID, channel string, scope Scope, scopeID, threadID string) string {
	base := BuildKey(agentID, channel, scope, scopeID)
	if threadID == "" {
		return base
	}
	token := "thread"
	if channel == forumChannel {
		token = "topic"
	}
	return fmt.Sprintf("%s:%s:%s", base, token, threadID)
}

// ParseKey parses a canonical session key back into its segments.
func ParseKey(key string) (Key, error) {
	parts := strings.Split(key, ":")
	if len(parts) < 5 || parts[0] != "agent" {
		return Key{}, fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}

	k := Key{
		AgentID: parts[1],
		Channel: parts[2],
		Scope:   Scope(parts[3]),
		ScopeID: parts[4],
	}
	if k.AgentID == "" || k.Channel == "" || k.ScopeID == "" {
		return Key{}, fmt.Errorf("%w: empty segment in %q", ErrInvalidKey, key)
	}
	switch k.Scope {
	case ScopeDM, ScopeChannel, ScopeGroup, ScopeTopic:
	default:
		return Key{}, fmt.Errorf("%w: unknown scope %q", ErrInvalidKey, k.Scope)
	}

	rest := parts[5:]
	switch len(rest) {
	case 0:
		return k, nil
	case 2:
		if rest[0] != "thread" && rest[0] != "topic" {
			return Key{}, fmt.Errorf("%w: unexpected suffix %q", ErrInvalidKey, rest[0])
		}
		if rest[1] == "" {
			return Key{}, fmt.Errorf("%w: empty thread id in %q", ErrInvalidKey, key)
		}
		k.ThreadID = rest[1]
		return k, nil
	default:
		return Key{}, fmt.Errorf("%w: trailing segments in %q", ErrInvalidKey, key)
	}
}

// AgentID extracts just the agent segment, or "" if the key is malformed.
func AgentID(key string) string {
	parts := strings.SplitN(key, ":", 3)
	if len(parts) < 3 || parts[0] != "agent" {
		return ""
	}
	return parts[1]
}

// ScopeFromGroup maps the adapter's group flag to a scope.
func ScopeFromGroup(isGroup bool) Scope {
	if isGroup {
		return ScopeGroup
	}
	return ScopeDM
}
