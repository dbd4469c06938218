package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/clawgate/pkg/protocol"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 50 * time.Second
	maxMessageSize = 1 << 20
	sendBuffer     = 64
)

// Client is one operator WebSocket connection.
type Client struct {
	id       string
	identity Identity
	conn     *websocket.Conn
	server   *Server

	send chan []byte
	seq  atomic.Uint64

	mu           sync.Mutex
	capabilities map[string]bool
	closed       bool
}

func NewClient(conn *websocket.Conn, identity Identity, s *Server) *Client {
	return &Client{
		id:           uuid.NewString(),
		identity:     identity,
		conn:         conn,
		server:       s,
		send:         make(chan []byte, sendBuffer),
		capabilities: make(map[string]bool),
	}
}

// ID is the connection id, used as the device fallback for approvals.
func (c *Client) ID() string { return c.id }

// DeviceID is the stable operator device identity, when presented.
func (c *Client) DeviceID() string { return c.identity.DeviceID }

// GrantCapabilities records the capability set negotiated at connect.
func (c *Client) GrantCapabilities(caps []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, cap := range caps {
		switch cap {
		case protocol.CapOperatorRead, protocol.CapOperatorWrite, protocol.CapOperatorApprovals:
			c.capabilities[cap] = true
		}
	}
}

// Has reports whether the client holds a capability.
func (c *Client) Has(capability string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.capabilities[capability]
}

// SendEvent stamps the per-connection sequence and queues the frame. A slow
// client drops events rather than blocking the broadcaster; the gap shows up
// in Seq on the client side.
func (c *Client) SendEvent(event protocol.EventFrame) {
	event.Seq = c.seq.Add(1)
	data, err := json.Marshal(struct {
		Type string `json:"type"`
		protocol.EventFrame
	}{Type: "event", EventFrame: event})
	if err != nil {
		return
	}
	select {
	case c.send <- data:
	default:
		slog.Warn("dropping event for slow client", "client", c.id, "event", event.Name)
	}
}

func (c *Client) sendResponse(res protocol.ResponseFrame) {
	data, err := json.Marshal(struct {
		Type string `json:"type"`
		protocol.ResponseFrame
	}{Type: "res", ResponseFrame: res})
	if err != nil {
		return
	}
	select {
	case c.send <- data:
	default:
		slog.Warn("dropping response for slow client", "client", c.id, "request", res.ID)
	}
}

// Run pumps the connection until it closes or ctx is done.
func (c *Client) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go c.writePump(ctx)
	c.readPump(ctx)
}

func (c *Client) readPump(ctx context.Context) {
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Debug("client read error", "client", c.id, "error", err)
			}
			return
		}
		var req protocol.RequestFrame
		if err := json.Unmarshal(data, &req); err != nil || req.Method == "" {
			c.sendResponse(protocol.ResponseFrame{
				ID:    req.ID,
				OK:    false,
				Error: protocol.NewError(protocol.ErrInvalidRequest, "malformed request frame", ""),
			})
			continue
		}
		c.server.router.Dispatch(ctx, c, req)
	}
}

func (c *Client) writePump(ctx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case data := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Close shuts the underlying connection.
func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()
	c.conn.Close()
}
