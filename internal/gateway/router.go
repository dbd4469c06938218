package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"runtime/debug"
	"sync"

	"github.com/nextlevelbuilder/clawgate/pkg/protocol"
)

// HandlerFunc handles one RPC method. Returning a non-nil error frame wins
// over the payload.
type HandlerFunc func(ctx context.Context, c *Client, params json.RawMessage) (any, *protocol.ErrorInfo)

// MethodRouter dispatches request frames to registered handlers.
type MethodRouter struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

func NewMethodRouter() *MethodRouter {
	return &MethodRouter{handlers: make(map[string]HandlerFunc)}
}

// Register binds a handler to a method name, replacing any previous one.
func (r *MethodRouter) Register(method string, h HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[method] = h
}

// Dispatch runs the handler for req and sends the response on c. Handler
// panics become INTERNAL errors instead of tearing down the connection.
func (r *MethodRouter) Dispatch(ctx context.Context, c *Client, req protocol.RequestFrame) {
	r.mu.RLock()
	h, ok := r.handlers[req.Method]
	r.mu.RUnlock()
	if !ok {
		c.sendResponse(protocol.ResponseFrame{
			ID:    req.ID,
			OK:    false,
			Error: protocol.NewError(protocol.ErrInvalidRequest, "unknown method "+req.Method, ""),
		})
		return
	}

	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				slog.Error("handler panic", "method", req.Method, "panic", rec, "stack", string(debug.Stack()))
				c.sendResponse(protocol.ResponseFrame{
					ID:    req.ID,
					OK:    false,
					Error: protocol.NewError(protocol.ErrInternal, "internal error", ""),
				})
			}
		}()

		payload, errInfo := h(ctx, c, req.Params)
		if errInfo != nil {
			c.sendResponse(protocol.ResponseFrame{ID: req.ID, OK: false, Error: errInfo})
			return
		}
		data, err := json.Marshal(payload)
		if err != nil {
			c.sendResponse(protocol.ResponseFrame{
				ID:    req.ID,
				OK:    false,
				Error: protocol.NewError(protocol.ErrInternal, "payload encode failed", ""),
			})
			return
		}
		c.sendResponse(protocol.ResponseFrame{ID: req.ID, OK: true, Payload: data})
	}()
}
