package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/opsnomad/gatewayd/pkg/protocol"
)

// sendQueueSize bounds a client's outbound event buffer; once full, further
// events are dropped for that client per spec.md's backpressure rule.
const sendQueueSize = 256

// Client is one authenticated (or pending) duplex connection.
type Client struct {
	id          string
	conn        *websocket.Conn
	server      *Server
	send        chan []byte
	limiter     *rate.Limiter

	mu            sync.Mutex
	authenticated bool
	role          string
	device        string
	connectedAt   time.Time

	closeOnce sync.Once
	closed    chan struct{}
}

// NewClient wraps a freshly-upgraded websocket connection.
func NewClient(conn *websocket.Conn, s *Server) *Client {
	c := &Client{
		id:          uuid.NewString(),
		conn:        conn,
		server:      s,
		send:        make(chan []byte, sendQueueSize),
		connectedAt: time.Now(),
		closed:      make(chan struct{}),
	}
	if s.rateLimiter != nil {
		c.limiter = s.rateLimiter.NewLimiter()
	}
	return c
}

// Run starts the client's write pump in its own goroutine and drives the
// read loop until the connection closes.
func (c *Client) Run(ctx context.Context) {
	go c.writePump()

	c.conn.SetReadLimit(4 << 20)
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		c.handleFrame(ctx, raw)
	}
}

func (c *Client) handleFrame(ctx context.Context, raw []byte) {
	var head struct {
		Type   string `json:"type"`
		ID     string `json:"id"`
		Method string `json:"method"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		c.writeRes(protocol.NewError("", protocol.ErrInvalidFrame, "malformed JSON frame"))
		c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(4001, "protocol violation"), time.Now().Add(time.Second))
		c.Close()
		return
	}
	if head.Type != protocol.FrameReq {
		// Clients only ever send req frames; anything else is a violation.
		c.writeRes(protocol.NewError(head.ID, protocol.ErrInvalidFrame, "expected a req frame"))
		return
	}

	c.mu.Lock()
	authed := c.authenticated
	c.mu.Unlock()

	if !authed && head.Method != protocol.MethodConnect {
		c.writeRes(protocol.NewError(head.ID, protocol.ErrAuthRequired, "connect must be the first request"))
		c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(4001, "auth required"), time.Now().Add(time.Second))
		c.Close()
		return
	}

	if c.limiter != nil && !c.limiter.Allow() {
		c.writeRes(protocol.NewError(head.ID, protocol.ErrRateLimited, "request rate exceeded"))
		return
	}

	var req protocol.ReqFrame
	if err := json.Unmarshal(raw, &req); err != nil {
		c.writeRes(protocol.NewError(head.ID, protocol.ErrInvalidFrame, "malformed request frame"))
		return
	}

	res := c.server.router.Dispatch(ctx, c, &req)
	c.writeRes(res)
}

func (c *Client) writeRes(res *protocol.ResFrame) {
	data, err := json.Marshal(res)
	if err != nil {
		slog.Error("gateway: failed to encode response frame", "error", err)
		return
	}
	c.enqueue(data)
}

// SendEvent pushes a server-initiated event to this client, dropping it if
// the client's send buffer is saturated.
func (c *Client) SendEvent(ev protocol.EventFrame) {
	ev.Seq = c.server.nextSeq()
	data, err := json.Marshal(&ev)
	if err != nil {
		slog.Error("gateway: failed to encode event frame", "error", err)
		return
	}
	c.enqueue(data)
}

func (c *Client) enqueue(data []byte) {
	select {
	case c.send <- data:
	default:
		slog.Warn("gateway: client send buffer saturated, dropping frame", "client", c.id)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case data, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.closed:
			return
		}
	}
}

// Authenticate marks the client authenticated with the given role/device,
// taken from its connect request params.
func (c *Client) Authenticate(role, device string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.authenticated = true
	c.role = role
	c.device = device
}

func (c *Client) Role() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.role
}

func (c *Client) IsAuthenticated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.authenticated
}

// Close releases the underlying connection. Safe to call multiple times.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		close(c.send)
		c.conn.Close()
	})
}
