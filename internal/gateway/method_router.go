package gateway

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/opsnomad/gatewayd/pkg/protocol"
)

// HandlerFunc answers one decoded method call. Returning a *MethodError
// produces a coded failure response; any other error is reported as
// INTERNAL_ERROR with the error's message.
type HandlerFunc func(ctx context.Context, c *Client, params json.RawMessage) (interface{}, error)

// MethodError is a handler error carrying a specific protocol error code.
type MethodError struct {
	Code    string
	Message string
}

func (e *MethodError) Error() string { return e.Message }

func NewMethodError(code, message string) *MethodError {
	return &MethodError{Code: code, Message: message}
}

// idempotentMethods lists side-effecting methods whose (client, request id)
// result is cached for idempotentTTL so a retransmitted request doesn't
// re-execute, per spec.md §4.1.
var idempotentMethods = map[string]bool{
	protocol.MethodChatSend:      true,
	protocol.MethodCronCreate:    true,
	protocol.MethodCronDelete:    true,
	protocol.MethodSessionsDelete: true,
	protocol.MethodSend:          true,
}

const idempotentTTL = 60 * time.Second

type idemEntry struct {
	res     *protocol.ResFrame
	expires time.Time
}

// MethodRouter maps method names to handlers, composed once at server
// construction time so handlers can close over the subsystems they need.
type MethodRouter struct {
	handlers map[string]HandlerFunc

	mu    sync.Mutex
	cache map[string]idemEntry // "clientID:requestID" -> cached response
}

func NewMethodRouter(s *Server) *MethodRouter {
	r := &MethodRouter{
		handlers: make(map[string]HandlerFunc),
		cache:    make(map[string]idemEntry),
	}
	go r.cleanupLoop()
	return r
}

// Register installs a handler for a method name, overwriting any prior one.
func (r *MethodRouter) Register(method string, fn HandlerFunc) {
	r.handlers[method] = fn
}

// Dispatch resolves and invokes the handler for req, applying the
// idempotency cache for side-effecting methods.
func (r *MethodRouter) Dispatch(ctx context.Context, c *Client, req *protocol.ReqFrame) *protocol.ResFrame {
	cacheKey := c.id + ":" + req.ID
	if idempotentMethods[req.Method] {
		r.mu.Lock()
		if e, ok := r.cache[cacheKey]; ok && time.Now().Before(e.expires) {
			r.mu.Unlock()
			return e.res
		}
		r.mu.Unlock()
	}

	fn, ok := r.handlers[req.Method]
	if !ok {
		return protocol.NewError(req.ID, protocol.ErrUnknownMethod, "unknown method: "+req.Method)
	}

	payload, err := fn(ctx, c, req.Params)
	var res *protocol.ResFrame
	switch {
	case err == nil:
		res = protocol.NewOK(req.ID, payload)
	default:
		if me, ok := err.(*MethodError); ok {
			res = protocol.NewError(req.ID, me.Code, me.Message)
		} else {
			res = protocol.NewError(req.ID, protocol.ErrInternal, err.Error())
		}
	}

	if idempotentMethods[req.Method] {
		r.mu.Lock()
		r.cache[cacheKey] = idemEntry{res: res, expires: time.Now().Add(idempotentTTL)}
		r.mu.Unlock()
	}
	return res
}

func (r *MethodRouter) cleanupLoop() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for range ticker.C {
		now := time.Now()
		r.mu.Lock()
		for k, e := range r.cache {
			if now.After(e.expires) {
				delete(r.cache, k)
			}
		}
		r.mu.Unlock()
	}
}
