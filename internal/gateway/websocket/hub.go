// Package websocket is an in-process push gateway: it accepts websocket
// connections, assigns each a connection id and implements gateway.Gateway
// by writing to the matching socket.
package websocket

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/syntrixbase/broker/internal/gateway"
	"github.com/syntrixbase/broker/pkg/model"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 64 * 1024

	sendBuffer = 256
)

// ErrSendBufferFull is returned when a client is not draining its socket.
var ErrSendBufferFull = errors.New("websocket: send buffer full")

// Lifecycle receives connection events. Connected may reject a connection
// by returning an error, which closes the socket.
type Lifecycle interface {
	Connected(ctx context.Context, evt model.ConnectEvent) error
	Disconnected(ctx context.Context, connectionID string) error
	Received(ctx context.Context, connectionID string, data []byte) error
}

type Options struct {
	// Endpoint is reported in ConnectEvents; Push ignores it since the hub
	// only reaches its own sockets.
	Endpoint       string
	AllowedOrigins []string
	Logger         *slog.Logger
}

// Hub tracks live sockets by connection id.
type Hub struct {
	endpoint  string
	lifecycle Lifecycle
	upgrader  websocket.Upgrader
	logger    *slog.Logger

	mu      sync.RWMutex
	clients map[string]*client
}

var _ gateway.Gateway = (*Hub)(nil)

func NewHub(lifecycle Lifecycle, opts Options) *Hub {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	h := &Hub{
		endpoint:  opts.Endpoint,
		lifecycle: lifecycle,
		logger:    logger.With("component", "websocket-gateway"),
		clients:   make(map[string]*client),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     checkOrigin(opts.AllowedOrigins),
	}
	return h
}

func checkOrigin(allowed []string) func(r *http.Request) bool {
	if len(allowed) == 0 {
		return func(r *http.Request) bool { return true }
	}
	set := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		set[o] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || set["*"] || set[origin]
	}
}

// SetLifecycle replaces the lifecycle. It must be called before the hub
// serves its first request.
func (h *Hub) SetLifecycle(l Lifecycle) {
	h.lifecycle = l
}

func (h *Hub) Endpoint() string {
	return h.endpoint
}

// ServeHTTP upgrades the request and runs the socket until it closes.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("Upgrade failed", "error", err)
		return
	}

	c := &client{
		id:   uuid.NewString(),
		hub:  h,
		conn: conn,
		send: make(chan []byte, sendBuffer),
		done: make(chan struct{}),
	}

	ctx := context.WithoutCancel(r.Context())
	h.mu.Lock()
	h.clients[c.id] = c
	h.mu.Unlock()

	if h.lifecycle != nil {
		if err := h.lifecycle.Connected(ctx, model.ConnectEvent{ConnectionID: c.id, Endpoint: h.endpoint}); err != nil {
			h.logger.Error("Connect rejected", "connectionId", c.id, "error", err)
			h.remove(c)
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "connect failed"),
				time.Now().Add(writeWait))
			conn.Close()
			return
		}
	}
	h.logger.Info("Connection established", "connectionId", c.id)

	go c.writePump()
	go c.readPump(ctx)
}

func (h *Hub) lookup(id string) (*client, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.clients[id]
	return c, ok
}

// remove reports whether c was still registered.
func (h *Hub) remove(c *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if cur, ok := h.clients[c.id]; ok && cur == c {
		delete(h.clients, c.id)
		c.close()
		return true
	}
	return false
}

// Push queues data for the connection. Unknown or closing connections are Gone.
func (h *Hub) Push(ctx context.Context, endpoint, connectionID string, data []byte) error {
	c, ok := h.lookup(connectionID)
	if !ok {
		return gateway.ErrGone
	}
	msg := append([]byte(nil), data...)
	select {
	case <-c.done:
		return gateway.ErrGone
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	select {
	case c.send <- msg:
		return nil
	case <-c.done:
		return gateway.ErrGone
	default:
		return ErrSendBufferFull
	}
}

// Terminate closes the socket from the server side. The read loop then
// observes the close and reports Disconnected.
func (h *Hub) Terminate(ctx context.Context, endpoint, connectionID string) error {
	c, ok := h.lookup(connectionID)
	if !ok {
		return nil
	}
	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "terminated"), deadline)
	c.close()
	return c.conn.Close()
}

// Len returns the number of live connections.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Shutdown terminates every connection.
func (h *Hub) Shutdown(ctx context.Context) {
	h.mu.RLock()
	ids := make([]string, 0, len(h.clients))
	for id := range h.clients {
		ids = append(ids, id)
	}
	h.mu.RUnlock()
	for _, id := range ids {
		h.Terminate(ctx, h.endpoint, id)
	}
}
