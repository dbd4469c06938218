// Package gateway is the operator control plane: a WebSocket RPC surface
// with server-pushed events, channel webhook ingestion, and the approval and
// config mutation methods.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/clawgate/internal/approvals"
	"github.com/nextlevelbuilder/clawgate/internal/bus"
	"github.com/nextlevelbuilder/clawgate/internal/config"
	"github.com/nextlevelbuilder/clawgate/internal/restart"
	"github.com/nextlevelbuilder/clawgate/internal/sessions"
	"github.com/nextlevelbuilder/clawgate/pkg/protocol"
)

// ChatSendRequest is the chat.send surface.
type ChatSendRequest struct {
	SessionKey     string `json:"sessionKey"`
	Text           string `json:"text"`
	IdempotencyKey string `json:"idempotencyKey,omitempty"`
}

// ChatSendResult reports run admission.
type ChatSendResult struct {
	RunID  string `json:"runId,omitempty"`
	Status string `json:"status"`
}

// ChatService is the scheduler-facing seam the chat methods call into.
type ChatService interface {
	Send(ctx context.Context, req ChatSendRequest) (ChatSendResult, error)
	Abort(sessionKey, runID string) bool
	History(sessionKey string, limit int) ([]json.RawMessage, error)
}

// NodeHost is one connected node a system.run can be forwarded to.
type NodeHost interface {
	ID() string
	DisplayName() string
	Invoke(ctx context.Context, command string, params map[string]any) (any, error)
}

// NodeDirectory tracks connected node hosts.
type NodeDirectory interface {
	List() []NodeHost
	Get(id string) (NodeHost, bool)
}

// WebhookSink receives a verified raw webhook body for a channel.
type WebhookSink func(channel string, body []byte) error

// Deps wires the server to the rest of the runtime.
type Deps struct {
	Config        *config.Config
	ConfigManager *config.Manager
	Events        bus.EventPublisher
	Chat          ChatService
	Nodes         NodeDirectory
	Ledger        *approvals.Ledger
	ApprovalsFile *approvals.FileStore
	Restart       *restart.Scheduler
	Sessions      *sessions.Store
	Webhook       WebhookSink
	// QueueSize reports scheduler backlog for the status method.
	QueueSize func() int
	// PendingReplies reports dispatcher reservations for the status method.
	PendingReplies func() int
}

// Server is the gateway control-plane server.
type Server struct {
	deps        Deps
	auth        *Authenticator
	rateLimiter *RateLimiter
	router      *MethodRouter
	idempotency *IdempotencyMap
	upgrader    websocket.Upgrader

	mu      sync.RWMutex
	clients map[string]*Client

	httpServer *http.Server
	mux        *http.ServeMux
	startedAt  time.Time
}

func NewServer(deps Deps) *Server {
	s := &Server{
		deps:        deps,
		auth:        NewAuthenticator(deps.Config.Gateway.Auth),
		rateLimiter: NewRateLimiter(deps.Config.Gateway.RateLimit.PerMinute, deps.Config.Gateway.RateLimit.Burst),
		router:      NewMethodRouter(),
		idempotency: NewIdempotencyMap(),
		clients:     make(map[string]*Client),
		startedAt:   time.Now(),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		// Non-browser operator clients; no cookie-bearing origins exist.
		CheckOrigin: func(*http.Request) bool { return true },
	}
	s.registerMethods()
	return s
}

// Router exposes the method router for additional handlers.
func (s *Server) Router() *MethodRouter { return s.router }

// BuildMux creates and caches the HTTP mux. Call before Start when the mux
// is needed for extra listeners (tsnet).
func (s *Server) BuildMux() *http.ServeMux {
	if s.mux != nil {
		return s.mux
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	for name, ch := range s.deps.Config.Channels {
		if !ch.Enabled || ch.WebhookPath == "" {
			continue
		}
		mux.HandleFunc(ch.WebhookPath, s.webhookHandler(name, ch))
	}
	s.mux = mux
	return mux
}

// Start listens until ctx is done.
func (s *Server) Start(ctx context.Context) error {
	mux := s.BuildMux()
	addr := fmt.Sprintf("%s:%d", s.deps.Config.Gateway.Host, s.deps.Config.Gateway.Port)
	s.httpServer = &http.Server{Addr: addr, Handler: mux}

	slog.Info("gateway starting", "addr", addr, "protocol", protocol.ProtocolVersion)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("gateway server: %w", err)
	}
	return nil
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ip := ClientIP(r, s.deps.Config.Gateway.Auth.TrustedProxies)
	if res := s.rateLimiter.Check(ip, "ws"); !res.Allowed {
		w.Header().Set("Retry-After", fmt.Sprintf("%d", res.RetryAfterMs/1000))
		http.Error(w, "rate limited", http.StatusTooManyRequests)
		return
	}

	identity, failure := s.auth.Authenticate(r)
	if failure != "" {
		s.rateLimiter.RecordFailure(ip, "ws")
		slog.Warn("websocket auth failed", "ip", ip, "reason", string(failure))
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", "error", err)
		return
	}

	client := NewClient(conn, identity, s)
	s.registerClient(client)
	defer func() {
		s.unregisterClient(client)
		client.Close()
	}()
	client.Run(r.Context())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"status":"ok","protocol":%d}`, protocol.ProtocolVersion)
}

// BroadcastEvent fans an event out to every connected client. Each client
// stamps its own sequence.
func (s *Server) BroadcastEvent(event protocol.EventFrame) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, client := range s.clients {
		client.SendEvent(event)
	}
}

func (s *Server) registerClient(c *Client) {
	s.mu.Lock()
	s.clients[c.id] = c
	s.mu.Unlock()

	s.deps.Events.Subscribe(c.id, func(event bus.Event) {
		c.SendEvent(*protocol.NewEvent(event.Name, event.Payload))
	})
	slog.Info("client connected", "id", c.id, "via", c.identity.Via)
}

func (s *Server) unregisterClient(c *Client) {
	s.mu.Lock()
	delete(s.clients, c.id)
	s.mu.Unlock()
	s.deps.Events.Unsubscribe(c.id)
	slog.Info("client disconnected", "id", c.id)
}

// StartTestServer listens on a random loopback port and returns the address
// and a start function. Integration-test helper.
func StartTestServer(s *Server, ctx context.Context) (addr string, start func()) {
	mux := s.BuildMux()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		panic("listen: " + err.Error())
	}
	s.httpServer = &http.Server{Handler: mux}
	addr = ln.Addr().String()
	start = func() {
		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			s.httpServer.Shutdown(shutdownCtx)
		}()
		s.httpServer.Serve(ln)
	}
	return addr, start
}
