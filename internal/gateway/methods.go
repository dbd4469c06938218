package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/nextlevelbuilder/clawgate/internal/approvals"
	"github.com/nextlevelbuilder/clawgate/internal/bus"
	"github.com/nextlevelbuilder/clawgate/internal/config"
	"github.com/nextlevelbuilder/clawgate/internal/restart"
	"github.com/nextlevelbuilder/clawgate/internal/sessions"
	"github.com/nextlevelbuilder/clawgate/pkg/protocol"
)

func busEvent(name string, payload any) bus.Event {
	return bus.Event{Name: name, Payload: payload}
}

func (s *Server) registerMethods() {
	r := s.router
	r.Register(protocol.MethodConnect, s.handleConnect)
	r.Register(protocol.MethodHello, s.handleHello)
	r.Register(protocol.MethodHealth, s.handleHealthRPC)
	r.Register(protocol.MethodStatus, s.handleStatus)

	r.Register(protocol.MethodChatSend, s.handleChatSend)
	r.Register(protocol.MethodChatAbort, s.handleChatAbort)
	r.Register(protocol.MethodChatHistory, s.handleChatHistory)

	r.Register(protocol.MethodConfigGet, s.handleConfigGet)
	r.Register(protocol.MethodConfigSet, s.handleConfigSet)
	r.Register(protocol.MethodConfigPatch, s.handleConfigPatch)
	r.Register(protocol.MethodConfigApply, s.handleConfigApply)
	r.Register(protocol.MethodConfigSchema, s.handleConfigSchema)

	r.Register(protocol.MethodSessionsList, s.handleSessionsList)
	r.Register(protocol.MethodSessionsReset, s.handleSessionsReset)
	r.Register(protocol.MethodSessionsDelete, s.handleSessionsDelete)

	r.Register(protocol.MethodNodeList, s.handleNodeList)
	r.Register(protocol.MethodNodeInvoke, s.handleNodeInvoke)

	r.Register(protocol.MethodApprovalRequest, s.handleApprovalRequest)
	r.Register(protocol.MethodApprovalResolve, s.handleApprovalResolve)
	r.Register(protocol.MethodApprovalsGet, s.handleApprovalsGet)
	r.Register(protocol.MethodApprovalsSet, s.handleApprovalsSet)
}

func invalidParams(err error) *protocol.ErrorInfo {
	return protocol.NewError(protocol.ErrInvalidRequest, "invalid params: "+err.Error(), "")
}

// connect negotiates protocol version and capabilities.
func (s *Server) handleConnect(ctx context.Context, c *Client, params json.RawMessage) (any, *protocol.ErrorInfo) {
	var p struct {
		MinProtocol  int      `json:"minProtocol,omitempty"`
		Capabilities []string `json:"capabilities,omitempty"`
		DeviceID     string   `json:"deviceId,omitempty"`
	}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, invalidParams(err)
		}
	}
	if p.MinProtocol > protocol.ProtocolVersion {
		return nil, protocol.NewError(protocol.ErrInvalidRequest,
			"client requires a newer protocol than this gateway speaks", "")
	}
	if p.DeviceID != "" && c.identity.DeviceID == "" {
		c.identity.DeviceID = p.DeviceID
	}
	caps := p.Capabilities
	if len(caps) == 0 {
		caps = []string{protocol.CapOperatorRead, protocol.CapOperatorWrite, protocol.CapOperatorApprovals}
	}
	c.GrantCapabilities(caps)

	granted := make([]string, 0, 3)
	for _, cap := range []string{protocol.CapOperatorRead, protocol.CapOperatorWrite, protocol.CapOperatorApprovals} {
		if c.Has(cap) {
			granted = append(granted, cap)
		}
	}
	return map[string]any{
		"protocol":     protocol.ProtocolVersion,
		"connectionId": c.ID(),
		"capabilities": granted,
	}, nil
}

func (s *Server) handleHello(ctx context.Context, c *Client, params json.RawMessage) (any, *protocol.ErrorInfo) {
	return map[string]any{"protocol": protocol.ProtocolVersion, "ts": time.Now().UnixMilli()}, nil
}

func (s *Server) handleHealthRPC(ctx context.Context, c *Client, params json.RawMessage) (any, *protocol.ErrorInfo) {
	return map[string]any{"status": "ok", "uptimeMs": time.Since(s.startedAt).Milliseconds()}, nil
}

func (s *Server) handleStatus(ctx context.Context, c *Client, params json.RawMessage) (any, *protocol.ErrorInfo) {
	queued, pending := 0, 0
	if s.deps.QueueSize != nil {
		queued = s.deps.QueueSize()
	}
	if s.deps.PendingReplies != nil {
		pending = s.deps.PendingReplies()
	}
	s.mu.RLock()
	clients := len(s.clients)
	s.mu.RUnlock()
	return map[string]any{
		"queued":         queued,
		"pendingReplies": pending,
		"clients":        clients,
		"uptimeMs":       time.Since(s.startedAt).Milliseconds(),
	}, nil
}

func (s *Server) handleChatSend(ctx context.Context, c *Client, params json.RawMessage) (any, *protocol.ErrorInfo) {
	if !c.Has(protocol.CapOperatorWrite) {
		return nil, protocol.NewError(protocol.ErrUnauthorized, "operator.write required", "")
	}
	var req ChatSendRequest
	if err := json.Unmarshal(params, &req); err != nil {
		return nil, invalidParams(err)
	}
	if req.SessionKey == "" || req.Text == "" {
		return nil, protocol.NewError(protocol.ErrInvalidRequest, "sessionKey and text are required", "")
	}

	if req.IdempotencyKey != "" {
		status, payload, first := s.idempotency.Begin(req.SessionKey, req.IdempotencyKey)
		if !first {
			if payload != nil {
				var prev ChatSendResult
				if json.Unmarshal(payload, &prev) == nil {
					prev.Status = string(status)
					return prev, nil
				}
			}
			return ChatSendResult{Status: string(status)}, nil
		}
	}

	result, err := s.deps.Chat.Send(ctx, req)
	if req.IdempotencyKey != "" {
		data, _ := json.Marshal(result)
		s.idempotency.Complete(req.SessionKey, req.IdempotencyKey, err == nil, data)
	}
	if err != nil {
		return nil, protocol.NewError(protocol.ErrInternal, err.Error(), "")
	}
	if result.Status == "" {
		result.Status = string(StatusOK)
	}
	return result, nil
}

func (s *Server) handleChatAbort(ctx context.Context, c *Client, params json.RawMessage) (any, *protocol.ErrorInfo) {
	if !c.Has(protocol.CapOperatorWrite) {
		return nil, protocol.NewError(protocol.ErrUnauthorized, "operator.write required", "")
	}
	var p struct {
		SessionKey string `json:"sessionKey"`
		RunID      string `json:"runId,omitempty"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, invalidParams(err)
	}
	if p.SessionKey == "" {
		return nil, protocol.NewError(protocol.ErrInvalidRequest, "sessionKey is required", "")
	}
	aborted := s.deps.Chat.Abort(p.SessionKey, p.RunID)
	return map[string]any{"aborted": aborted}, nil
}

func (s *Server) handleChatHistory(ctx context.Context, c *Client, params json.RawMessage) (any, *protocol.ErrorInfo) {
	if !c.Has(protocol.CapOperatorRead) {
		return nil, protocol.NewError(protocol.ErrUnauthorized, "operator.read required", "")
	}
	var p struct {
		SessionKey string `json:"sessionKey"`
		Limit      int    `json:"limit,omitempty"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, invalidParams(err)
	}
	entries, err := s.deps.Chat.History(p.SessionKey, p.Limit)
	if err != nil {
		return nil, protocol.NewError(protocol.ErrInternal, err.Error(), "")
	}
	return map[string]any{"messages": entries}, nil
}

func (s *Server) handleConfigGet(ctx context.Context, c *Client, params json.RawMessage) (any, *protocol.ErrorInfo) {
	if !c.Has(protocol.CapOperatorRead) {
		return nil, protocol.NewError(protocol.ErrUnauthorized, "operator.read required", "")
	}
	snap, err := s.deps.ConfigManager.Load()
	if err != nil {
		return nil, protocol.NewError(protocol.ErrInternal, err.Error(), "")
	}
	return map[string]any{
		"config": snap.Config,
		"valid":  snap.Valid,
		"issues": snap.Issues,
		"raw":    config.Redact(snap.Raw),
		"hash":   snap.Hash,
	}, nil
}

type configMutation struct {
	Raw            string          `json:"raw,omitempty"`
	Patch          json.RawMessage `json:"patch,omitempty"`
	BaseHash       string          `json:"baseHash"`
	SessionKey     string          `json:"sessionKey,omitempty"`
	Note           string          `json:"note,omitempty"`
	RestartDelayMs int             `json:"restartDelayMs,omitempty"`
}

func (s *Server) applyConfigMutation(p configMutation, usePatch bool) (config.Snapshot, *protocol.ErrorInfo) {
	if p.BaseHash == "" {
		return config.Snapshot{}, protocol.NewError(protocol.ErrInvalidRequest, "baseHash is required", "")
	}
	var snap config.Snapshot
	var err error
	if usePatch {
		snap, err = s.deps.ConfigManager.Patch(p.Patch, p.BaseHash)
	} else {
		snap, err = s.deps.ConfigManager.Set(p.Raw, p.BaseHash)
	}
	if err != nil {
		if errors.Is(err, config.ErrHashMismatch) {
			return config.Snapshot{}, protocol.NewError(protocol.ErrInvalidRequest,
				"config changed; re-run config.get and retry", "")
		}
		return config.Snapshot{}, protocol.NewError(protocol.ErrInvalidRequest, err.Error(), "")
	}
	return snap, nil
}

func (s *Server) handleConfigSet(ctx context.Context, c *Client, params json.RawMessage) (any, *protocol.ErrorInfo) {
	return s.configMutationHandler(c, params, false, false)
}

func (s *Server) handleConfigPatch(ctx context.Context, c *Client, params json.RawMessage) (any, *protocol.ErrorInfo) {
	return s.configMutationHandler(c, params, true, false)
}

func (s *Server) handleConfigApply(ctx context.Context, c *Client, params json.RawMessage) (any, *protocol.ErrorInfo) {
	return s.configMutationHandler(c, params, false, true)
}

func (s *Server) configMutationHandler(c *Client, params json.RawMessage, usePatch, withRestart bool) (any, *protocol.ErrorInfo) {
	if !c.Has(protocol.CapOperatorWrite) {
		return nil, protocol.NewError(protocol.ErrUnauthorized, "operator.write required", "")
	}
	var p configMutation
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, invalidParams(err)
	}
	if usePatch && len(p.Patch) == 0 {
		return nil, protocol.NewError(protocol.ErrInvalidRequest, "patch is required", "")
	}

	var snap config.Snapshot
	if !usePatch && p.Raw == "" && withRestart {
		// Bare apply: restart on the config already on disk.
		var err error
		snap, err = s.deps.ConfigManager.Load()
		if err != nil {
			return nil, protocol.NewError(protocol.ErrInternal, err.Error(), "")
		}
	} else {
		var errInfo *protocol.ErrorInfo
		snap, errInfo = s.applyConfigMutation(p, usePatch)
		if errInfo != nil {
			return nil, errInfo
		}
		s.deps.Events.Broadcast(busEvent(protocol.EventConfigChanged, map[string]any{
			"hash": snap.Hash,
			"note": p.Note,
		}))
	}

	result := map[string]any{
		"ok":     true,
		"path":   s.deps.ConfigManager.Path(),
		"config": snap.Config,
		"hash":   snap.Hash,
	}
	if withRestart && s.deps.Restart != nil {
		sentinel := restart.Sentinel{
			Kind:       "config-apply",
			SessionKey: p.SessionKey,
			Message:    "gateway restarted to apply configuration",
		}
		s.deps.Restart.Schedule(context.Background(), time.Duration(p.RestartDelayMs)*time.Millisecond, sentinel)
		s.deps.Events.Broadcast(busEvent(protocol.EventRestartPending, map[string]any{
			"delayMs": p.RestartDelayMs,
		}))
		result["restart"] = true
		result["sentinel"] = sentinel
	}
	return result, nil
}

func (s *Server) handleConfigSchema(ctx context.Context, c *Client, params json.RawMessage) (any, *protocol.ErrorInfo) {
	if !c.Has(protocol.CapOperatorRead) {
		return nil, protocol.NewError(protocol.ErrUnauthorized, "operator.read required", "")
	}
	return configSchema(), nil
}

func (s *Server) handleSessionsList(ctx context.Context, c *Client, params json.RawMessage) (any, *protocol.ErrorInfo) {
	if !c.Has(protocol.CapOperatorRead) {
		return nil, protocol.NewError(protocol.ErrUnauthorized, "operator.read required", "")
	}
	entries, err := s.deps.Sessions.Load()
	if err != nil {
		return nil, protocol.NewError(protocol.ErrInternal, err.Error(), "")
	}
	return map[string]any{"sessions": entries}, nil
}

func (s *Server) handleSessionsReset(ctx context.Context, c *Client, params json.RawMessage) (any, *protocol.ErrorInfo) {
	return s.sessionMutationHandler(c, params, false)
}

func (s *Server) handleSessionsDelete(ctx context.Context, c *Client, params json.RawMessage) (any, *protocol.ErrorInfo) {
	return s.sessionMutationHandler(c, params, true)
}

func (s *Server) sessionMutationHandler(c *Client, params json.RawMessage, del bool) (any, *protocol.ErrorInfo) {
	if !c.Has(protocol.CapOperatorWrite) {
		return nil, protocol.NewError(protocol.ErrUnauthorized, "operator.write required", "")
	}
	var p struct {
		SessionKey string `json:"sessionKey"`
		AgentID    string `json:"agentId,omitempty"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, invalidParams(err)
	}
	if p.SessionKey == "" {
		return nil, protocol.NewError(protocol.ErrInvalidRequest, "sessionKey is required", "")
	}
	agentID := p.AgentID
	if agentID == "" {
		agentID = s.deps.Config.Agents.Default
	}

	if del {
		if old, ok := s.deps.Sessions.Get(p.SessionKey); ok && old.SessionID != "" {
			s.deps.Sessions.Archive(old.SessionID, agentID, sessions.ArchiveDeleted)
		}
		if _, err := s.deps.Sessions.Mutate(p.SessionKey, func(*sessions.Entry) *sessions.Entry { return nil }); err != nil {
			return nil, protocol.NewError(protocol.ErrInternal, err.Error(), "")
		}
		s.idempotency.Forget(p.SessionKey)
		return map[string]any{"deleted": true}, nil
	}

	entry, err := s.deps.Sessions.ResetSession(p.SessionKey, agentID, sessions.ArchiveReset)
	if err != nil {
		return nil, protocol.NewError(protocol.ErrInternal, err.Error(), "")
	}
	s.idempotency.Forget(p.SessionKey)
	return map[string]any{"sessionId": entry.SessionID}, nil
}

func (s *Server) handleNodeList(ctx context.Context, c *Client, params json.RawMessage) (any, *protocol.ErrorInfo) {
	if !c.Has(protocol.CapOperatorRead) {
		return nil, protocol.NewError(protocol.ErrUnauthorized, "operator.read required", "")
	}
	nodes := []map[string]string{}
	if s.deps.Nodes != nil {
		for _, n := range s.deps.Nodes.List() {
			nodes = append(nodes, map[string]string{"id": n.ID(), "displayName": n.DisplayName()})
		}
	}
	return map[string]any{"nodes": nodes}, nil
}

func (s *Server) handleNodeInvoke(ctx context.Context, c *Client, params json.RawMessage) (any, *protocol.ErrorInfo) {
	if !c.Has(protocol.CapOperatorWrite) {
		return nil, protocol.NewError(protocol.ErrUnauthorized, "operator.write required", "")
	}
	var p struct {
		NodeID  string         `json:"nodeId"`
		Command string         `json:"command"`
		Params  map[string]any `json:"params,omitempty"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, invalidParams(err)
	}
	if p.Command == "" {
		return nil, protocol.NewError(protocol.ErrInvalidRequest, "command is required", "")
	}

	// Approvals mutate only through the dedicated gateway methods; a node
	// invoke must never smuggle an allowlist write.
	if p.Command == protocol.NodeCommandExecApprovalsSet {
		return nil, protocol.NewError(protocol.ErrInvalidRequest,
			"use exec.approvals.set to mutate approvals", "")
	}

	forwarded := p.Params
	if p.Command == protocol.NodeCommandSystemRun {
		rebuilt, errInfo := s.guardSystemRun(p.Params, c)
		if errInfo != nil {
			return nil, errInfo
		}
		forwarded = rebuilt
	}

	if s.deps.Nodes == nil {
		return nil, protocol.NewError(protocol.ErrUnavailable, "no node hosts connected", "")
	}
	node, ok := s.deps.Nodes.Get(p.NodeID)
	if !ok {
		return nil, protocol.NewError(protocol.ErrUnavailable, "node offline", "")
	}
	result, err := node.Invoke(ctx, p.Command, forwarded)
	if err != nil {
		return nil, protocol.NewError(protocol.ErrInternal, err.Error(), "")
	}
	return result, nil
}

// guardSystemRun enforces the approval ledger before a system.run reaches a
// node host, and rebuilds the forwarded params from the allowlist.
func (s *Server) guardSystemRun(clientParams map[string]any, c *Client) (map[string]any, *protocol.ErrorInfo) {
	approved, _ := clientParams["approved"].(bool)
	decisionStr, _ := clientParams["approvalDecision"].(string)
	runID, _ := clientParams["runId"].(string)
	command := anyStrings(clientParams["command"])

	// Allowlisted commands bypass the ask step entirely.
	if !approved && decisionStr == "" {
		agentID, _ := clientParams["agentId"].(string)
		if s.deps.ApprovalsFile != nil {
			if matched, _ := s.deps.ApprovalsFile.MatchAllowlist(agentID, command); matched {
				rebuilt, err := approvals.RebuildParams(clientParams, approvals.DecisionAllowAlways)
				if err != nil {
					return nil, approvalErrorInfo(err)
				}
				return rebuilt, nil
			}
		}
		s.denyExec(clientParams, "approval-required")
		return nil, protocol.NewError(protocol.ErrUnavailable, "command requires approval", protocol.ApprovalRequired)
	}

	invoke := approvals.InvokeParams{
		RunID:            runID,
		Approved:         approved,
		ApprovalDecision: approvals.Decision(decisionStr),
		Host:             stringOr(clientParams["host"]),
		Command:          command,
		RawCommand:       stringOr(clientParams["rawCommand"]),
		Cwd:              stringOr(clientParams["cwd"]),
		AgentID:          stringOr(clientParams["agentId"]),
		SessionKey:       stringOr(clientParams["sessionKey"]),
	}
	caller := approvals.Caller{
		DeviceID:     c.DeviceID(),
		ConnectionID: c.ID(),
		CanApprove:   c.Has(protocol.CapOperatorApprovals),
	}

	decision, err := s.deps.Ledger.Authorize(invoke, caller)
	if err != nil {
		s.denyExec(clientParams, "approval-required")
		return nil, approvalErrorInfo(err)
	}

	rebuilt, err := approvals.RebuildParams(clientParams, decision)
	if err != nil {
		return nil, approvalErrorInfo(err)
	}
	return rebuilt, nil
}

func (s *Server) denyExec(params map[string]any, reason string) {
	s.deps.Events.Broadcast(busEvent(protocol.EventExecDenied, map[string]any{
		"reason":  reason,
		"command": anyStrings(params["command"]),
	}))
}

func approvalErrorInfo(err error) *protocol.ErrorInfo {
	var ae *approvals.Error
	if errors.As(err, &ae) {
		kind := protocol.ErrUnavailable
		switch ae.Code {
		case protocol.ApprovalMissingRunID, protocol.ApprovalRawCommandMismatch:
			kind = protocol.ErrInvalidRequest
		}
		return protocol.NewError(kind, ae.Message, ae.Code)
	}
	return protocol.NewError(protocol.ErrInternal, err.Error(), "")
}

func (s *Server) handleApprovalRequest(ctx context.Context, c *Client, params json.RawMessage) (any, *protocol.ErrorInfo) {
	if !c.Has(protocol.CapOperatorWrite) {
		return nil, protocol.NewError(protocol.ErrUnauthorized, "operator.write required", "")
	}
	var p struct {
		ID        string            `json:"id,omitempty"`
		Request   approvals.Request `json:"request"`
		TimeoutMs int               `json:"timeoutMs,omitempty"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, invalidParams(err)
	}
	if p.Request.DeviceID == "" {
		p.Request.DeviceID = c.DeviceID()
	}
	rec := s.deps.Ledger.Request(p.ID, p.Request, time.Duration(p.TimeoutMs)*time.Millisecond)

	s.deps.Events.Broadcast(busEvent(protocol.EventExecApprovalReq, map[string]any{
		"id":        rec.ID,
		"request":   rec.Request,
		"expiresAt": rec.ExpiresAt.UnixMilli(),
	}))

	// Arm the server-side timeout so an unanswered ask resolves visibly.
	// The timer outlives the requesting connection: a disconnect before
	// expiry must not swallow the timeout broadcast. Timeout is a no-op on
	// an already-resolved record.
	go func(id string, expires time.Time) {
		timer := time.NewTimer(time.Until(expires))
		defer timer.Stop()
		<-timer.C
		if rec, err := s.deps.Ledger.Timeout(id); err == nil {
			s.deps.Events.Broadcast(busEvent(protocol.EventExecApprovalRes, map[string]any{
				"id": rec.ID, "timedOut": true,
			}))
		}
	}(rec.ID, rec.ExpiresAt)

	return map[string]any{"id": rec.ID, "expiresAt": rec.ExpiresAt.UnixMilli()}, nil
}

func (s *Server) handleApprovalResolve(ctx context.Context, c *Client, params json.RawMessage) (any, *protocol.ErrorInfo) {
	if !c.Has(protocol.CapOperatorApprovals) {
		return nil, protocol.NewError(protocol.ErrUnauthorized, "operator.approvals required", "")
	}
	var p struct {
		ID       string `json:"id"`
		Decision string `json:"decision"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, invalidParams(err)
	}
	switch approvals.Decision(p.Decision) {
	case approvals.DecisionAllowOnce, approvals.DecisionAllowAlways, approvals.DecisionDeny:
	default:
		return nil, protocol.NewError(protocol.ErrInvalidRequest, "unknown decision "+p.Decision, "")
	}
	rec, err := s.deps.Ledger.Resolve(p.ID, approvals.Decision(p.Decision))
	if err != nil {
		return nil, protocol.NewError(protocol.ErrInvalidRequest, err.Error(), "")
	}
	s.deps.Events.Broadcast(busEvent(protocol.EventExecApprovalRes, map[string]any{
		"id": rec.ID, "decision": string(rec.Decision),
	}))
	return map[string]any{"id": rec.ID, "decision": string(rec.Decision)}, nil
}

func (s *Server) handleApprovalsGet(ctx context.Context, c *Client, params json.RawMessage) (any, *protocol.ErrorInfo) {
	if !c.Has(protocol.CapOperatorRead) {
		return nil, protocol.NewError(protocol.ErrUnauthorized, "operator.read required", "")
	}
	file, hash, err := s.deps.ApprovalsFile.Get()
	if err != nil {
		return nil, protocol.NewError(protocol.ErrInternal, err.Error(), "")
	}
	return map[string]any{"file": file, "hash": hash}, nil
}

func (s *Server) handleApprovalsSet(ctx context.Context, c *Client, params json.RawMessage) (any, *protocol.ErrorInfo) {
	if !c.Has(protocol.CapOperatorApprovals) {
		return nil, protocol.NewError(protocol.ErrUnauthorized, "operator.approvals required", "")
	}
	var p struct {
		File     approvals.File `json:"file"`
		BaseHash string         `json:"baseHash"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, invalidParams(err)
	}
	hash, err := s.deps.ApprovalsFile.Set(p.File, p.BaseHash)
	if err != nil {
		if errors.Is(err, approvals.ErrHashMismatch) {
			return nil, protocol.NewError(protocol.ErrInvalidRequest, "approvals file changed; reload and retry", "")
		}
		return nil, protocol.NewError(protocol.ErrInternal, err.Error(), "")
	}
	return map[string]any{"hash": hash}, nil
}

func stringOr(v any) string {
	s, _ := v.(string)
	return s
}

func anyStrings(v any) []string {
	switch t := v.(type) {
	case []string:
		return t
	case []any:
		out := make([]string, 0, len(t))
		for _, e := range t {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
