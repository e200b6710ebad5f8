package websocket

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// client is a middleman between one socket and the hub.
type client struct {
	id   string
	hub  *Hub
	conn *websocket.Conn

	// Buffered channel of outbound messages.
	send chan []byte

	done      chan struct{}
	closeOnce sync.Once
}

func (c *client) close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// readPump owns all reads on the socket. When it exits the connection is
// removed and the lifecycle is told once.
func (c *client) readPump(ctx context.Context) {
	defer func() {
		c.hub.remove(c)
		c.conn.Close()
		if c.hub.lifecycle != nil {
			if err := c.hub.lifecycle.Disconnected(ctx, c.id); err != nil {
				c.hub.logger.Error("Disconnect cleanup failed", "connectionId", c.id, "error", err)
			}
		}
		c.hub.logger.Info("Connection closed", "connectionId", c.id)
	}()
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error { c.conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("Connection closed unexpectedly", "connectionId", c.id, "error", err)
			}
			return
		}
		if c.hub.lifecycle == nil {
			continue
		}
		if err := c.hub.lifecycle.Received(ctx, c.id, message); err != nil {
			c.hub.logger.Warn("Message handling failed", "connectionId", c.id, "error", err)
		}
	}
}

// writePump owns all data writes on the socket.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}
