package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/clawgate/pkg/protocol"
)

// fakeGateway speaks the server side of the wire protocol with a per-method
// handler table, mirroring how the gateway frames responses and events.
type fakeGateway struct {
	t        *testing.T
	handlers map[string]func(params json.RawMessage) (any, *protocol.ErrorInfo)

	mu   sync.Mutex
	conn *websocket.Conn
	seq  uint64
}

func newFakeGateway(t *testing.T) (*fakeGateway, string) {
	t.Helper()
	fg := &fakeGateway{t: t, handlers: map[string]func(json.RawMessage) (any, *protocol.ErrorInfo){}}
	fg.handlers[protocol.MethodConnect] = func(json.RawMessage) (any, *protocol.ErrorInfo) {
		return map[string]any{
			"protocol":     protocol.ProtocolVersion,
			"connectionId": "conn-1",
			"capabilities": []string{protocol.CapOperatorRead, protocol.CapOperatorWrite},
		}, nil
	}

	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		fg.mu.Lock()
		fg.conn = conn
		fg.mu.Unlock()
		fg.serve(conn)
	}))
	t.Cleanup(srv.Close)
	return fg, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func (fg *fakeGateway) serve(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var req protocol.RequestFrame
		if err := json.Unmarshal(data, &req); err != nil {
			continue
		}
		handler := fg.handlers[req.Method]
		res := map[string]any{"type": "res", "id": req.ID}
		if handler == nil {
			res["ok"] = false
			res["error"] = protocol.NewError(protocol.ErrInvalidRequest, "unknown method "+req.Method, "")
		} else if payload, errInfo := handler(req.Params); errInfo != nil {
			res["ok"] = false
			res["error"] = errInfo
		} else {
			res["ok"] = true
			res["payload"] = payload
		}
		fg.mu.Lock()
		conn.WriteJSON(res)
		fg.mu.Unlock()
	}
}

func (fg *fakeGateway) pushEvent(name string, payload any) {
	fg.mu.Lock()
	defer fg.mu.Unlock()
	fg.seq++
	fg.conn.WriteJSON(map[string]any{"type": "event", "name": name, "payload": payload, "seq": fg.seq})
}

func dialTest(t *testing.T, fg *fakeGateway, url string, onEvent func(protocol.EventFrame)) *Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := Dial(ctx, Options{URL: url, Token: "t", DeviceID: "dev-1", OnEvent: onEvent})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestDial_Handshake(t *testing.T) {
	fg, url := newFakeGateway(t)
	c := dialTest(t, fg, url, nil)

	if c.ConnectionID() != "conn-1" {
		t.Errorf("connectionId = %q", c.ConnectionID())
	}
	caps := c.Capabilities()
	if len(caps) != 2 || caps[0] != protocol.CapOperatorRead {
		t.Errorf("capabilities = %v", caps)
	}
}

func TestCall_RoundTrip(t *testing.T) {
	fg, url := newFakeGateway(t)
	fg.handlers[protocol.MethodStatus] = func(json.RawMessage) (any, *protocol.ErrorInfo) {
		return map[string]any{"queued": 3, "pendingReplies": 1, "clients": 2, "uptimeMs": 5000}, nil
	}
	c := dialTest(t, fg, url, nil)

	st, err := c.Status(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if st.Queued != 3 || st.Clients != 2 {
		t.Errorf("status = %+v", st)
	}
}

func TestCall_ServerError(t *testing.T) {
	fg, url := newFakeGateway(t)
	fg.handlers[protocol.MethodChatAbort] = func(json.RawMessage) (any, *protocol.ErrorInfo) {
		return nil, protocol.NewError(protocol.ErrUnauthorized, "operator.write required", "")
	}
	c := dialTest(t, fg, url, nil)

	_, err := c.ChatAbort(context.Background(), "telegram:1")
	var errInfo *protocol.ErrorInfo
	if !asErrorInfo(err, &errInfo) || errInfo.Code != protocol.ErrUnauthorized {
		t.Fatalf("err = %v, want UNAUTHORIZED ErrorInfo", err)
	}
}

func asErrorInfo(err error, out **protocol.ErrorInfo) bool {
	e, ok := err.(*protocol.ErrorInfo)
	if ok {
		*out = e
	}
	return ok
}

func TestCall_ParamsForwarded(t *testing.T) {
	fg, url := newFakeGateway(t)
	var got map[string]any
	fg.handlers[protocol.MethodChatSend] = func(params json.RawMessage) (any, *protocol.ErrorInfo) {
		json.Unmarshal(params, &got)
		return map[string]any{"runId": "r1", "status": "ok"}, nil
	}
	c := dialTest(t, fg, url, nil)

	if _, err := c.ChatSend(context.Background(), "telegram:1", "hello", "idem-1"); err != nil {
		t.Fatal(err)
	}
	if got["sessionKey"] != "telegram:1" || got["text"] != "hello" || got["idempotencyKey"] != "idem-1" {
		t.Errorf("params = %+v", got)
	}
}

func TestEvents_Dispatched(t *testing.T) {
	events := make(chan protocol.EventFrame, 4)
	fg, url := newFakeGateway(t)
	dialTest(t, fg, url, func(e protocol.EventFrame) { events <- e })

	fg.pushEvent("exec.denied", map[string]any{"reason": "approval-required"})

	select {
	case e := <-events:
		if e.Name != "exec.denied" || e.Seq != 1 {
			t.Errorf("event = %+v", e)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("event not delivered")
	}
}

func TestCall_AfterClose(t *testing.T) {
	fg, url := newFakeGateway(t)
	c := dialTest(t, fg, url, nil)
	c.Close()

	// The read loop shuts down; pending and new calls must fail, not hang.
	time.Sleep(50 * time.Millisecond)
	if _, err := c.Call(context.Background(), protocol.MethodStatus, nil); err == nil {
		t.Error("call on closed connection succeeded")
	}
}
