package client

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nextlevelbuilder/clawgate/pkg/protocol"
)

// Status is the gateway status payload.
type Status struct {
	Queued         int            `json:"queued"`
	PendingReplies int            `json:"pendingReplies"`
	Clients        int            `json:"clients"`
	UptimeMs       int64          `json:"uptimeMs"`
	Channels       map[string]any `json:"channels,omitempty"`
}

// SessionInfo is one sessions.list record, keyed by session key in the
// response map.
type SessionInfo struct {
	SessionID    string `json:"sessionId"`
	UpdatedAt    string `json:"updatedAt,omitempty"`
	TotalTokens  int64  `json:"totalTokens,omitempty"`
	InputTokens  int64  `json:"inputTokens,omitempty"`
	OutputTokens int64  `json:"outputTokens,omitempty"`
	LastChannel  string `json:"lastChannel,omitempty"`
}

// ConfigDocument is the config.get payload.
type ConfigDocument struct {
	Config json.RawMessage `json:"config"`
	Valid  bool            `json:"valid"`
	Issues []string        `json:"issues,omitempty"`
	Raw    string          `json:"raw"`
	Hash   string          `json:"hash"`
}

func (c *Client) call(ctx context.Context, method string, params, out any) error {
	payload, err := c.Call(ctx, method, params)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("decode %s payload: %w", method, err)
	}
	return nil
}

// Status fetches runtime counters.
func (c *Client) Status(ctx context.Context) (*Status, error) {
	var st Status
	if err := c.call(ctx, protocol.MethodStatus, nil, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// ChatSend submits a message to a session. idempotencyKey deduplicates
// retries of the same logical send.
func (c *Client) ChatSend(ctx context.Context, sessionKey, text, idempotencyKey string) (json.RawMessage, error) {
	return c.Call(ctx, protocol.MethodChatSend, map[string]any{
		"sessionKey":     sessionKey,
		"text":           text,
		"idempotencyKey": idempotencyKey,
	})
}

// ChatAbort stops the active run for a session.
func (c *Client) ChatAbort(ctx context.Context, sessionKey string) (bool, error) {
	var out struct {
		Aborted bool `json:"aborted"`
	}
	err := c.call(ctx, protocol.MethodChatAbort, map[string]any{"sessionKey": sessionKey}, &out)
	return out.Aborted, err
}

// SessionsList returns session metadata keyed by session key.
func (c *Client) SessionsList(ctx context.Context) (map[string]SessionInfo, error) {
	var out struct {
		Sessions map[string]SessionInfo `json:"sessions"`
	}
	if err := c.call(ctx, protocol.MethodSessionsList, nil, &out); err != nil {
		return nil, err
	}
	return out.Sessions, nil
}

// SessionsReset archives the transcript and issues a fresh session id.
func (c *Client) SessionsReset(ctx context.Context, key string) error {
	return c.call(ctx, protocol.MethodSessionsReset, map[string]any{"sessionKey": key}, nil)
}

// SessionsDelete removes a session and its idempotency records.
func (c *Client) SessionsDelete(ctx context.Context, key string) error {
	return c.call(ctx, protocol.MethodSessionsDelete, map[string]any{"sessionKey": key}, nil)
}

// ConfigGet fetches the redacted config document with its concurrency hash.
func (c *Client) ConfigGet(ctx context.Context) (*ConfigDocument, error) {
	var doc ConfigDocument
	if err := c.call(ctx, protocol.MethodConfigGet, nil, &doc); err != nil {
		return nil, err
	}
	return &doc, nil
}

// ConfigSet replaces the config document. baseHash guards against lost
// updates; pass the hash from the ConfigGet the edit was based on.
func (c *Client) ConfigSet(ctx context.Context, raw, baseHash string) error {
	return c.call(ctx, protocol.MethodConfigSet, map[string]any{
		"raw":      raw,
		"baseHash": baseHash,
	}, nil)
}

// ConfigPatch applies an RFC 7386 merge patch against the stored config.
func (c *Client) ConfigPatch(ctx context.Context, patch json.RawMessage, baseHash string) error {
	return c.call(ctx, protocol.MethodConfigPatch, map[string]any{
		"patch":    patch,
		"baseHash": baseHash,
	}, nil)
}

// ApprovalResolve answers a pending exec approval.
func (c *Client) ApprovalResolve(ctx context.Context, approvalID, decision string) error {
	return c.call(ctx, protocol.MethodApprovalResolve, map[string]any{
		"id":       approvalID,
		"decision": decision,
	}, nil)
}
