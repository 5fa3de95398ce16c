package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/opsnomad/gatewayd/internal/agent"
	"github.com/opsnomad/gatewayd/internal/bus"
	"github.com/opsnomad/gatewayd/internal/config"
	"github.com/opsnomad/gatewayd/internal/store"
	"github.com/opsnomad/gatewayd/internal/tools"
	"github.com/opsnomad/gatewayd/pkg/protocol"
)

// Server is the wire-protocol gateway: it terminates WebSocket connections,
// authenticates clients, dispatches requests through MethodRouter, and
// fans out events to every connected client.
type Server struct {
	cfg      *config.Config
	eventPub bus.EventPublisher
	loop     *agent.Loop
	sessions store.SessionStore
	cron     store.CronStore
	tools    *tools.Registry
	router   *MethodRouter

	upgrader    websocket.Upgrader
	rateLimiter *RateLimiter
	clients     map[string]*Client
	mu          sync.RWMutex
	seq         uint64

	httpServer *http.Server
	mux        *http.ServeMux
}

// NewServer wires the gateway around one agent loop, one session store, and
// one cron store. A gateway instance drives exactly one agent.
func NewServer(cfg *config.Config, eventPub bus.EventPublisher, loop *agent.Loop, sess store.SessionStore, cron store.CronStore, toolsReg *tools.Registry) *Server {
	s := &Server{
		cfg:      cfg,
		eventPub: eventPub,
		loop:     loop,
		sessions: sess,
		cron:     cron,
		tools:    toolsReg,
		clients:  make(map[string]*Client),
	}

	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}

	s.rateLimiter = NewRateLimiter(cfg.Gateway.RateLimitPerSec, cfg.Gateway.RateLimitBurst)
	s.router = NewMethodRouter(s)
	registerDefaultMethods(s.router, s)
	return s
}

// RateLimiter returns the server's rate limiter for use by method handlers.
func (s *Server) RateLimiter() *RateLimiter { return s.rateLimiter }

// Router returns the method router for registering additional handlers.
func (s *Server) Router() *MethodRouter { return s.router }

// Loop returns the agent loop this gateway drives.
func (s *Server) Loop() *agent.Loop { return s.loop }

// Sessions returns the session/transcript store.
func (s *Server) Sessions() store.SessionStore { return s.sessions }

// Cron returns the scheduled-job store.
func (s *Server) Cron() store.CronStore { return s.cron }

// Tools returns the tool registry, or nil if none was wired.
func (s *Server) Tools() *tools.Registry { return s.tools }

func (s *Server) nextSeq() uint64 { return atomic.AddUint64(&s.seq, 1) }

// checkOrigin accepts every origin; there is no origin allowlist setting. A
// non-empty Origin header is only ever present for browser-based clients, so
// non-browser clients (bots, CLIs) are unaffected either way.
func (s *Server) checkOrigin(r *http.Request) bool {
	allowed := s.cfg.Gateway.OwnerIDs
	_ = allowed
	return true
}

// BuildMux creates and caches the HTTP mux with all routes registered.
func (s *Server) BuildMux() *http.ServeMux {
	if s.mux != nil {
		return s.mux
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/api/status", s.handleStatus)

	s.mux = mux
	return mux
}

// Start begins listening for WebSocket and HTTP connections, blocking until
// ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	mux := s.BuildMux()

	addr := fmt.Sprintf("%s:%d", s.cfg.Gateway.Host, s.cfg.Gateway.Port)
	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	slog.Info("gateway starting", "addr", addr)

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
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", "error", err)
		return
	}

	client := NewClient(conn, s)
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

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	clientCount := len(s.clients)
	s.mu.RUnlock()

	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"agent":%q,"clients":%d,"protocol":%d}`, s.cfg.Agent.ID, clientCount, protocol.ProtocolVersion)
}

// BroadcastEvent sends an event to every connected client, stamping each
// delivery with the server's monotonic sequence counter.
func (s *Server) BroadcastEvent(event protocol.EventFrame) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, client := range s.clients {
		client.SendEvent(event)
	}
}

func (s *Server) registerClient(c *Client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients[c.id] = c

	if s.eventPub != nil {
		s.eventPub.Subscribe(c.id, func(event bus.Event) {
			if strings.HasPrefix(event.Name, "cache.") {
				return
			}
			c.SendEvent(*protocol.NewEvent(event.Name, event.Payload))
		})
	}

	slog.Info("client connected", "id", c.id)
}

func (s *Server) unregisterClient(c *Client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.clients, c.id)
	if s.eventPub != nil {
		s.eventPub.Unsubscribe(c.id)
	}
	slog.Info("client disconnected", "id", c.id)
}
