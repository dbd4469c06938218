// Package envelope defines the normalized inbound message record shared by
// all channel adapters, and the identifier rules built on top of it: the
// coalesce key used by the inbound debouncer and the prompt header markers.
package envelope

import (
	"fmt"
	"time"
)

// AttachmentKind tags a normalized attachment.
type AttachmentKind string

const (
	AttachmentImage   AttachmentKind = "image"
	AttachmentAudio   AttachmentKind = "audio"
	AttachmentVideo   AttachmentKind = "video"
	AttachmentSticker AttachmentKind = "sticker"
	AttachmentFile    AttachmentKind = "file"
)

// Attachment is one media item carried by an envelope. Index is the sequence
// position; it survives coalescing (re-indexed globally) so downstream
// consumers can address attachments unambiguously.
type Attachment struct {
	Kind  AttachmentKind `json:"kind"`
	Path  string         `json:"path,omitempty"`
	URL   string         `json:"url,omitempty"`
	MIME  string         `json:"mime,omitempty"`
	Index int            `json:"index"`
}

// ReplyRef points at the message this envelope replies to.
type ReplyRef struct {
	ID     string `json:"id"`
	Body   string `json:"body,omitempty"`
	Sender string `json:"sender,omitempty"`
}

// Scope distinguishes conversation shapes.
type Scope string

const (
	ScopeDM      Scope = "dm"
	ScopeGroup   Scope = "group"
	ScopeChannel Scope = "channel"
	ScopeTopic   Scope = "topic"
)

// Envelope is one inbound unit after normalization. It carries enough to
// reconstruct a deterministic coalesce key without re-reading adapter state.
type Envelope struct {
	Channel    string `json:"channel"`
	AccountID  string `json:"accountId,omitempty"`
	SenderID   string `json:"senderId"`
	SenderName string `json:"senderName,omitempty"`

	Scope   Scope  `json:"scope"`
	ChatID  string `json:"chatId,omitempty"`
	GroupID string `json:"groupId,omitempty"`
	// ThreadID is the forum topic / thread identifier, empty outside threads.
	ThreadID string `json:"threadId,omitempty"`
	// ChatGUID / ChatIdentifier: provider-specific stable conversation ids
	// (iMessage bridges expose both); used only for coalesce-key fallback.
	ChatGUID       string `json:"chatGuid,omitempty"`
	ChatIdentifier string `json:"chatIdentifier,omitempty"`

	MessageID string `json:"messageId,omitempty"`
	Text      string `json:"text,omitempty"`

	Attachments []Attachment `json:"attachments,omitempty"`
	ReplyTo     *ReplyRef    `json:"replyTo,omitempty"`

	ReceivedAt   time.Time `json:"receivedAt"`
	FromMe       bool      `json:"fromMe,omitempty"`
	WasMentioned bool      `json:"wasMentioned,omitempty"`

	// Balloon carriers: link-preview and sticker events arrive as separate
	// webhook messages bound to the text part via these ids.
	BalloonBundleID     string `json:"balloonBundleId,omitempty"`
	AssociatedMessageID string `json:"associatedMessageId,omitempty"`
}

// CoalesceKey derives the debouncer bucket key. Preference order:
//
//  1. balloon carrier → "<channel>:<account>:balloon:<associatedMessageId>"
//  2. stable message id → "<channel>:<account>:msg:<messageId>"
//  3. scope fallback → "<channel>:<account>:<scopeKey>:<senderId>"
//
// scopeKey is the first non-empty of chatGuid, chatIdentifier, chatId, "dm".
func (e *Envelope) CoalesceKey() string {
	if e.BalloonBundleID != "" && e.AssociatedMessageID != "" {
		return fmt.Sprintf("%s:%s:balloon:%s", e.Channel, e.AccountID, e.AssociatedMessageID)
	}
	if e.MessageID != "" {
		return fmt.Sprintf("%s:%s:msg:%s", e.Channel, e.AccountID, e.MessageID)
	}
	scopeKey := e.ChatGUID
	if scopeKey == "" {
		scopeKey = e.ChatIdentifier
	}
	if scopeKey == "" {
		scopeKey = e.ChatID
	}
	if scopeKey == "" {
		scopeKey = "dm"
	}
	return fmt.Sprintf("%s:%s:%s:%s", e.Channel, e.AccountID, scopeKey, e.SenderID)
}

// DedupeKey identifies a single provider message for the inbound dedupe
// cache. Empty when the provider supplies no stable message id.
func (e *Envelope) DedupeKey() string {
	if e.MessageID == "" {
		return ""
	}
	return fmt.Sprintf("%s|%s|%s|%s", e.Channel, e.SenderID, e.ChatID, e.MessageID)
}

// IsGroup reports whether the envelope belongs to a multi-party scope.
func (e *Envelope) IsGroup() bool {
	return e.Scope == ScopeGroup || e.Scope == ScopeChannel || e.Scope == ScopeTopic
}
