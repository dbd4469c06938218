package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/clawgate/internal/approvals"
	"github.com/nextlevelbuilder/clawgate/internal/bus"
	"github.com/nextlevelbuilder/clawgate/internal/config"
	"github.com/nextlevelbuilder/clawgate/internal/sessions"
	"github.com/nextlevelbuilder/clawgate/pkg/protocol"
)

// fakeChat records calls and returns canned results.
type fakeChat struct {
	sends   []ChatSendRequest
	aborted []string
	err     error
}

func (f *fakeChat) Send(ctx context.Context, req ChatSendRequest) (ChatSendResult, error) {
	f.sends = append(f.sends, req)
	if f.err != nil {
		return ChatSendResult{}, f.err
	}
	return ChatSendResult{RunID: fmt.Sprintf("run-%d", len(f.sends)), Status: "ok"}, nil
}

func (f *fakeChat) Abort(sessionKey, runID string) bool {
	f.aborted = append(f.aborted, sessionKey)
	return sessionKey == "live"
}

func (f *fakeChat) History(sessionKey string, limit int) ([]json.RawMessage, error) {
	return []json.RawMessage{json.RawMessage(`{"role":"user","text":"hi"}`)}, nil
}

// fakeNode is a connected node host.
type fakeNode struct {
	id      string
	invoked []map[string]any
}

func (n *fakeNode) ID() string          { return n.id }
func (n *fakeNode) DisplayName() string { return "node " + n.id }
func (n *fakeNode) Invoke(ctx context.Context, command string, params map[string]any) (any, error) {
	n.invoked = append(n.invoked, params)
	return map[string]any{"stdout": "done"}, nil
}

type fakeDirectory struct{ nodes map[string]*fakeNode }

func (d *fakeDirectory) List() []NodeHost {
	out := make([]NodeHost, 0, len(d.nodes))
	for _, n := range d.nodes {
		out = append(out, n)
	}
	return out
}

func (d *fakeDirectory) Get(id string) (NodeHost, bool) {
	n, ok := d.nodes[id]
	return n, ok
}

type testHarness struct {
	server *Server
	chat   *fakeChat
	node   *fakeNode
	events *bus.MessageBus
	addr   string
	cancel context.CancelFunc
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()
	dir := t.TempDir()

	cfg := config.Default()
	cfg.Gateway.Auth = config.AuthConfig{Mode: "token", Token: "test-token"}
	cfg.Gateway.RateLimit.PerMinute = 0
	cfg.Sessions.StorePath = filepath.Join(dir, "sessions.json")
	cfg.Sessions.BaseDir = dir

	configPath := filepath.Join(dir, "clawgate.json")
	if err := os.WriteFile(configPath, []byte(`{"gateway": {"port": 18789}}`), 0o600); err != nil {
		t.Fatal(err)
	}

	chat := &fakeChat{}
	node := &fakeNode{id: "mac-mini"}
	events := bus.NewMessageBus()

	deps := Deps{
		Config:         cfg,
		ConfigManager:  config.NewManager(configPath),
		Events:         events,
		Chat:           chat,
		Nodes:          &fakeDirectory{nodes: map[string]*fakeNode{"mac-mini": node}},
		Ledger:         approvals.NewLedger(),
		ApprovalsFile:  approvals.NewFileStore(filepath.Join(dir, "approvals.json")),
		Sessions:       sessions.NewStore(cfg.Sessions.StorePath, cfg.Sessions.BaseDir),
		QueueSize:      func() int { return 0 },
		PendingReplies: func() int { return 0 },
	}
	s := NewServer(deps)

	ctx, cancel := context.WithCancel(context.Background())
	addr, start := StartTestServer(s, ctx)
	go start()
	t.Cleanup(cancel)

	return &testHarness{server: s, chat: chat, node: node, events: events, addr: addr, cancel: cancel}
}

// wsSession wraps a dialed operator connection for request/response tests.
type wsSession struct {
	t    *testing.T
	conn *websocket.Conn
	next int
}

func (h *testHarness) dial(t *testing.T) *wsSession {
	t.Helper()
	url := "ws://" + h.addr + "/ws?token=test-token"
	var conn *websocket.Conn
	var err error
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		conn, _, err = websocket.DefaultDialer.Dial(url, nil)
		if err == nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return &wsSession{t: t, conn: conn}
}

// call sends one request and waits for its response, skipping interleaved
// event frames.
func (ws *wsSession) call(method string, params any) protocol.ResponseFrame {
	ws.t.Helper()
	ws.next++
	id := fmt.Sprintf("req-%d", ws.next)

	var raw json.RawMessage
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			ws.t.Fatalf("marshal params: %v", err)
		}
		raw = data
	}
	if err := ws.conn.WriteJSON(protocol.RequestFrame{ID: id, Method: method, Params: raw}); err != nil {
		ws.t.Fatalf("write: %v", err)
	}

	ws.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		var frame struct {
			Type string `json:"type"`
			protocol.ResponseFrame
		}
		if err := ws.conn.ReadJSON(&frame); err != nil {
			ws.t.Fatalf("read: %v", err)
		}
		if frame.Type == "res" && frame.ID == id {
			return frame.ResponseFrame
		}
	}
}

func (ws *wsSession) mustOK(method string, params any) json.RawMessage {
	ws.t.Helper()
	res := ws.call(method, params)
	if !res.OK {
		ws.t.Fatalf("%s failed: %+v", method, res.Error)
	}
	return res.Payload
}

func (ws *wsSession) connect() {
	ws.t.Helper()
	ws.mustOK(protocol.MethodConnect, map[string]any{"deviceId": "dev-1"})
}

func TestMethods_ConnectGrantsCapabilities(t *testing.T) {
	h := newHarness(t)
	ws := h.dial(t)

	payload := ws.mustOK(protocol.MethodConnect, map[string]any{
		"capabilities": []string{protocol.CapOperatorRead},
	})
	var got struct {
		Protocol     int      `json:"protocol"`
		Capabilities []string `json:"capabilities"`
	}
	if err := json.Unmarshal(payload, &got); err != nil {
		t.Fatal(err)
	}
	if got.Protocol != protocol.ProtocolVersion {
		t.Errorf("protocol = %d", got.Protocol)
	}
	if len(got.Capabilities) != 1 || got.Capabilities[0] != protocol.CapOperatorRead {
		t.Errorf("capabilities = %v", got.Capabilities)
	}

	// Read-only connection cannot send chat.
	res := ws.call(protocol.MethodChatSend, map[string]any{"sessionKey": "s", "text": "hi"})
	if res.OK || res.Error.Code != protocol.ErrUnauthorized {
		t.Errorf("chat.send on read-only = %+v", res)
	}
}

func TestMethods_UnknownMethod(t *testing.T) {
	h := newHarness(t)
	ws := h.dial(t)
	res := ws.call("no.such.method", nil)
	if res.OK || res.Error.Code != protocol.ErrInvalidRequest {
		t.Errorf("res = %+v", res)
	}
}

func TestMethods_ChatSendIdempotency(t *testing.T) {
	h := newHarness(t)
	ws := h.dial(t)
	ws.connect()

	params := map[string]any{"sessionKey": "s1", "text": "hello", "idempotencyKey": "k1"}
	var first ChatSendResult
	if err := json.Unmarshal(ws.mustOK(protocol.MethodChatSend, params), &first); err != nil {
		t.Fatal(err)
	}
	if first.RunID == "" {
		t.Fatal("no run id")
	}

	// The replay returns the original result without re-executing.
	var replay ChatSendResult
	if err := json.Unmarshal(ws.mustOK(protocol.MethodChatSend, params), &replay); err != nil {
		t.Fatal(err)
	}
	if replay.RunID != first.RunID {
		t.Errorf("replay run id = %q, want %q", replay.RunID, first.RunID)
	}
	if len(h.chat.sends) != 1 {
		t.Errorf("chat.Send calls = %d, want 1", len(h.chat.sends))
	}
}

func TestMethods_ChatAbort(t *testing.T) {
	h := newHarness(t)
	ws := h.dial(t)
	ws.connect()

	var got struct {
		Aborted bool `json:"aborted"`
	}
	if err := json.Unmarshal(ws.mustOK(protocol.MethodChatAbort, map[string]any{"sessionKey": "live"}), &got); err != nil {
		t.Fatal(err)
	}
	if !got.Aborted {
		t.Error("live run should report aborted")
	}

	if err := json.Unmarshal(ws.mustOK(protocol.MethodChatAbort, map[string]any{"sessionKey": "idle"}), &got); err != nil {
		t.Fatal(err)
	}
	if got.Aborted {
		t.Error("idle session should not report aborted")
	}
}

func TestMethods_ConfigRoundTrip(t *testing.T) {
	h := newHarness(t)
	ws := h.dial(t)
	ws.connect()

	var snap struct {
		Hash string `json:"hash"`
		Raw  string `json:"raw"`
	}
	if err := json.Unmarshal(ws.mustOK(protocol.MethodConfigGet, nil), &snap); err != nil {
		t.Fatal(err)
	}
	if snap.Hash == "" {
		t.Fatal("empty hash")
	}

	ws.mustOK(protocol.MethodConfigSet, map[string]any{
		"raw":      `{"gateway": {"port": 9999}}`,
		"baseHash": snap.Hash,
	})

	// Stale hash must be rejected after the write.
	res := ws.call(protocol.MethodConfigSet, map[string]any{
		"raw":      `{"gateway": {"port": 1111}}`,
		"baseHash": snap.Hash,
	})
	if res.OK || res.Error.Code != protocol.ErrInvalidRequest {
		t.Errorf("stale set = %+v", res)
	}
	if res.Error.Message != "config changed; re-run config.get and retry" {
		t.Errorf("message = %q", res.Error.Message)
	}
}

func TestMethods_ConfigPatch(t *testing.T) {
	h := newHarness(t)
	ws := h.dial(t)
	ws.connect()

	var snap struct {
		Hash string `json:"hash"`
	}
	json.Unmarshal(ws.mustOK(protocol.MethodConfigGet, nil), &snap)

	payload := ws.mustOK(protocol.MethodConfigPatch, map[string]any{
		"patch":    map[string]any{"gateway": map[string]any{"host": "0.0.0.0"}},
		"baseHash": snap.Hash,
	})
	var result struct {
		Config *config.Config `json:"config"`
	}
	if err := json.Unmarshal(payload, &result); err != nil {
		t.Fatal(err)
	}
	if result.Config.Gateway.Host != "0.0.0.0" {
		t.Errorf("host = %q after patch", result.Config.Gateway.Host)
	}
	if result.Config.Gateway.Port != 18789 {
		t.Errorf("port = %d, patch should not clobber siblings", result.Config.Gateway.Port)
	}
}

func TestMethods_SessionsResetAndDelete(t *testing.T) {
	h := newHarness(t)
	ws := h.dial(t)
	ws.connect()

	var created struct {
		SessionID string `json:"sessionId"`
	}
	if err := json.Unmarshal(ws.mustOK(protocol.MethodSessionsReset, map[string]any{"sessionKey": "tg:42"}), &created); err != nil {
		t.Fatal(err)
	}
	if created.SessionID == "" {
		t.Fatal("reset minted no session id")
	}

	var listed struct {
		Sessions map[string]sessions.Entry `json:"sessions"`
	}
	json.Unmarshal(ws.mustOK(protocol.MethodSessionsList, nil), &listed)
	if _, ok := listed.Sessions["tg:42"]; !ok {
		t.Fatalf("sessions = %v", listed.Sessions)
	}

	ws.mustOK(protocol.MethodSessionsDelete, map[string]any{"sessionKey": "tg:42"})
	listed.Sessions = nil // Unmarshal merges into a non-nil map; start fresh
	json.Unmarshal(ws.mustOK(protocol.MethodSessionsList, nil), &listed)
	if _, ok := listed.Sessions["tg:42"]; ok {
		t.Error("session survived delete")
	}
}

func TestMethods_NodeInvokeRequiresApproval(t *testing.T) {
	h := newHarness(t)
	ws := h.dial(t)
	ws.connect()

	res := ws.call(protocol.MethodNodeInvoke, map[string]any{
		"nodeId":  "mac-mini",
		"command": protocol.NodeCommandSystemRun,
		"params": map[string]any{
			"command": []string{"rm", "-rf", "/tmp/x"},
			"agentId": "default",
		},
	})
	if res.OK {
		t.Fatal("unapproved system.run forwarded")
	}
	if res.Error.DetailCode() != protocol.ApprovalRequired {
		t.Errorf("detail = %q, want APPROVAL_REQUIRED", res.Error.DetailCode())
	}
	if len(h.node.invoked) != 0 {
		t.Error("node received the unapproved command")
	}
}

func TestMethods_NodeInvokeApprovedFlow(t *testing.T) {
	h := newHarness(t)
	ws := h.dial(t)
	ws.connect()

	request := map[string]any{
		"request": map[string]any{
			"host":       "mac-mini",
			"command":    []string{"ls", "-la"},
			"cwd":        "/tmp",
			"agentId":    "default",
			"sessionKey": "tg:42",
		},
	}
	var asked struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(ws.mustOK(protocol.MethodApprovalRequest, request), &asked); err != nil {
		t.Fatal(err)
	}

	ws.mustOK(protocol.MethodApprovalResolve, map[string]any{
		"id":       asked.ID,
		"decision": "allow-once",
	})

	payload := ws.mustOK(protocol.MethodNodeInvoke, map[string]any{
		"nodeId":  "mac-mini",
		"command": protocol.NodeCommandSystemRun,
		"params": map[string]any{
			"runId":            asked.ID,
			"approved":         true,
			"approvalDecision": "allow-once",
			"host":             "mac-mini",
			"command":          []string{"ls", "-la"},
			"cwd":              "/tmp",
			"agentId":          "default",
			"sessionKey":       "tg:42",
			"maliciousExtra":   "ignored",
		},
	})
	var out struct {
		Stdout string `json:"stdout"`
	}
	if err := json.Unmarshal(payload, &out); err != nil {
		t.Fatal(err)
	}
	if out.Stdout != "done" {
		t.Errorf("stdout = %q", out.Stdout)
	}

	if len(h.node.invoked) != 1 {
		t.Fatalf("node invoked %d times", len(h.node.invoked))
	}
	forwarded := h.node.invoked[0]
	if _, leaked := forwarded["maliciousExtra"]; leaked {
		t.Error("unknown field forwarded to node")
	}
	if forwarded["approved"] != true {
		t.Error("approved flag missing from rebuilt params")
	}
}

func TestMethods_NodeInvokeBlocksApprovalsMutation(t *testing.T) {
	h := newHarness(t)
	ws := h.dial(t)
	ws.connect()

	res := ws.call(protocol.MethodNodeInvoke, map[string]any{
		"nodeId":  "mac-mini",
		"command": protocol.NodeCommandExecApprovalsSet,
		"params":  map[string]any{},
	})
	if res.OK || res.Error.Code != protocol.ErrInvalidRequest {
		t.Errorf("res = %+v", res)
	}
	if len(h.node.invoked) != 0 {
		t.Error("approvals mutation reached the node")
	}
}

func TestMethods_ApprovalsFileRoundTrip(t *testing.T) {
	h := newHarness(t)
	ws := h.dial(t)
	ws.connect()

	var got struct {
		File approvals.File `json:"file"`
		Hash string         `json:"hash"`
	}
	if err := json.Unmarshal(ws.mustOK(protocol.MethodApprovalsGet, nil), &got); err != nil {
		t.Fatal(err)
	}

	next := got.File
	if next.Agents == nil {
		next.Agents = map[string]approvals.AgentApprovals{}
	}
	next.Agents["default"] = approvals.AgentApprovals{
		Allowlist: []approvals.AllowlistEntry{{Pattern: "/bin/ls *"}},
	}
	ws.mustOK(protocol.MethodApprovalsSet, map[string]any{"file": next, "baseHash": got.Hash})

	// Stale write after the mutation is refused.
	res := ws.call(protocol.MethodApprovalsSet, map[string]any{"file": next, "baseHash": got.Hash})
	if res.OK || res.Error.Code != protocol.ErrInvalidRequest {
		t.Errorf("stale approvals set = %+v", res)
	}
}

func TestHealthEndpoint(t *testing.T) {
	h := newHarness(t)
	deadline := time.Now().Add(2 * time.Second)
	var resp *http.Response
	var err error
	for time.Now().Before(deadline) {
		resp, err = http.Get("http://" + h.addr + "/health")
		if err == nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}
}

func TestWebSocket_RejectsBadToken(t *testing.T) {
	h := newHarness(t)
	// Let the listener come up first.
	h.dial(t)

	_, resp, err := websocket.DefaultDialer.Dial("ws://"+h.addr+"/ws?token=wrong", nil)
	if err == nil {
		t.Fatal("bad token accepted")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("resp = %+v", resp)
	}
}

func TestMethods_ApprovalTimeoutSurvivesDisconnect(t *testing.T) {
	h := newHarness(t)
	ws := h.dial(t)
	ws.connect()

	broadcasts := make(chan bus.Event, 8)
	h.events.Subscribe("timeout-test", func(e bus.Event) { broadcasts <- e })

	var asked struct {
		ID string `json:"id"`
	}
	payload := ws.mustOK(protocol.MethodApprovalRequest, map[string]any{
		"timeoutMs": 60,
		"request": map[string]any{
			"host":       "mac-mini",
			"command":    []string{"ls"},
			"agentId":    "default",
			"sessionKey": "tg:42",
		},
	})
	if err := json.Unmarshal(payload, &asked); err != nil {
		t.Fatal(err)
	}

	// The asking operator goes away before the approval expires.
	ws.conn.Close()

	deadline := time.After(2 * time.Second)
	for {
		select {
		case e := <-broadcasts:
			if e.Name != protocol.EventExecApprovalRes {
				continue
			}
			m, ok := e.Payload.(map[string]any)
			if !ok {
				t.Fatalf("payload type %T", e.Payload)
			}
			if m["id"] != asked.ID || m["timedOut"] != true {
				t.Fatalf("payload = %v", m)
			}
			return
		case <-deadline:
			t.Fatal("timeout broadcast never arrived after disconnect")
		}
	}
}
