// Package client is the operator-side WebSocket client used by the CLI. It
// speaks the gateway protocol: JSON request frames out, typed response and
// event frames back, with a pending-call table keyed by request id.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/nextlevelbuilder/clawgate/pkg/protocol"
)

const (
	readLimit   = 1 << 20
	callTimeout = 30 * time.Second
)

// Options configures a gateway connection.
type Options struct {
	// URL is the gateway endpoint, e.g. "ws://127.0.0.1:18789/ws".
	URL string

	// Token authenticates token mode; Password authenticates password mode.
	Token    string
	Password string

	// DeviceID identifies the operator device for exec approvals.
	DeviceID string

	// Capabilities requested at connect; empty requests the full set.
	Capabilities []string

	// OnEvent receives server pushes. Called from the read loop; handlers
	// needing to block should dispatch to their own goroutine.
	OnEvent func(protocol.EventFrame)
}

// Client is one operator connection.
type Client struct {
	conn *websocket.Conn
	opts Options

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan protocol.ResponseFrame
	closed  bool

	connectionID string
	capabilities []string

	done chan struct{}
}

// serverFrame is the tagged union the gateway writes.
type serverFrame struct {
	Type string `json:"type"`

	// res fields
	ID      string              `json:"id,omitempty"`
	OK      bool                `json:"ok,omitempty"`
	Payload json.RawMessage     `json:"payload,omitempty"`
	Error   *protocol.ErrorInfo `json:"error,omitempty"`

	// event fields
	Name string `json:"name,omitempty"`
	Seq  uint64 `json:"seq,omitempty"`
}

// Dial connects, performs the protocol handshake, and starts the read loop.
func Dial(ctx context.Context, opts Options) (*Client, error) {
	header := http.Header{}
	// Token and password modes both present the credential as a bearer token.
	credential := opts.Token
	if credential == "" {
		credential = opts.Password
	}
	if credential != "" {
		header.Set("Authorization", "Bearer "+credential)
	}
	if opts.DeviceID != "" {
		header.Set("X-Clawgate-Device", opts.DeviceID)
	}

	conn, _, err := websocket.Dial(ctx, opts.URL, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		return nil, fmt.Errorf("dial gateway: %w", err)
	}
	conn.SetReadLimit(readLimit)

	c := &Client{
		conn:    conn,
		opts:    opts,
		pending: make(map[string]chan protocol.ResponseFrame),
		done:    make(chan struct{}),
	}
	go c.readLoop()

	payload, err := c.Call(ctx, protocol.MethodConnect, map[string]any{
		"minProtocol":  protocol.ProtocolVersion,
		"deviceId":     opts.DeviceID,
		"capabilities": opts.Capabilities,
	})
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("connect handshake: %w", err)
	}
	var connected struct {
		Protocol     int      `json:"protocol"`
		ConnectionID string   `json:"connectionId"`
		Capabilities []string `json:"capabilities"`
	}
	if err := json.Unmarshal(payload, &connected); err != nil {
		c.Close()
		return nil, fmt.Errorf("decode connect payload: %w", err)
	}
	c.mu.Lock()
	c.connectionID = connected.ConnectionID
	c.capabilities = connected.Capabilities
	c.mu.Unlock()
	return c, nil
}

// ConnectionID is the server-assigned id from the handshake.
func (c *Client) ConnectionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectionID
}

// Capabilities is the granted capability set from the handshake.
func (c *Client) Capabilities() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.capabilities...)
}

// Call sends one request and waits for its response. A response with
// ok=false returns the server's ErrorInfo as the error.
func (c *Client) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	var raw json.RawMessage
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("encode params: %w", err)
		}
		raw = data
	}
	req := protocol.RequestFrame{ID: uuid.NewString(), Method: method, Params: raw}

	ch := make(chan protocol.ResponseFrame, 1)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, fmt.Errorf("connection closed")
	}
	c.pending[req.ID] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, req.ID)
		c.mu.Unlock()
	}()

	if err := c.write(ctx, req); err != nil {
		return nil, fmt.Errorf("send %s: %w", method, err)
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, callTimeout)
		defer cancel()
	}

	select {
	case res := <-ch:
		if !res.OK {
			if res.Error != nil {
				return nil, res.Error
			}
			return nil, fmt.Errorf("%s failed", method)
		}
		return res.Payload, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, fmt.Errorf("connection closed")
	}
}

func (c *Client) write(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.Write(ctx, websocket.MessageText, data)
}

func (c *Client) readLoop() {
	defer close(c.done)
	ctx := context.Background()
	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			c.failPending(err)
			return
		}
		var frame serverFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			slog.Debug("malformed gateway frame", "error", err)
			continue
		}
		switch frame.Type {
		case "res":
			c.mu.Lock()
			ch := c.pending[frame.ID]
			c.mu.Unlock()
			if ch != nil {
				ch <- protocol.ResponseFrame{ID: frame.ID, OK: frame.OK, Payload: frame.Payload, Error: frame.Error}
			}
		case "event":
			if c.opts.OnEvent != nil {
				c.opts.OnEvent(protocol.EventFrame{Name: frame.Name, Payload: frame.Payload, Seq: frame.Seq})
			}
		}
	}
}

func (c *Client) failPending(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	for id, ch := range c.pending {
		select {
		case ch <- protocol.ResponseFrame{ID: id, OK: false,
			Error: &protocol.ErrorInfo{Code: protocol.ErrUnavailable, Message: err.Error()}}:
		default:
		}
	}
}

// Close shuts the connection down cleanly.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	return c.conn.Close(websocket.StatusNormalClosure, "bye")
}
