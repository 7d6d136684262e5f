package gateway

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"chatrelay/internal/chat"
)

// client is one connected viewer. Outbound messages go through a buffered
// channel; the write pump is the only goroutine touching the connection for
// writes, so broadcasts never block on a slow socket.
type client struct {
	id      string
	conn    *websocket.Conn
	send    chan chat.Message
	limiter *rate.Limiter

	closeOnce sync.Once
	closed    chan struct{}

	connectedAt  time.Time
	messageCount int
}

func newClient(id string, conn *websocket.Conn, sendBuf int, msgRate float64, msgBurst int) *client {
	if sendBuf <= 0 {
		sendBuf = 100
	}
	return &client{
		id:          id,
		conn:        conn,
		send:        make(chan chat.Message, sendBuf),
		limiter:     rate.NewLimiter(rate.Limit(msgRate), msgBurst),
		closed:      make(chan struct{}),
		connectedAt: time.Now(),
	}
}

// passesRateLimit reports whether the viewer may send another message now.
func (c *client) passesRateLimit() bool {
	return c.limiter.Allow()
}

// enqueue offers a message to the outbound buffer without blocking.
// A full buffer means the viewer cannot keep up; the caller drops the client.
func (c *client) enqueue(msg chat.Message) bool {
	select {
	case <-c.closed:
		return false
	default:
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

func (c *client) close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		_ = c.conn.Close()
	})
}

// writePump drains the outbound buffer and keeps the connection alive with
// pings. It exits when the client closes or a write fails.
func (c *client) writePump(pingEvery, writeTimeout time.Duration) {
	ticker := time.NewTicker(pingEvery)
	defer ticker.Stop()
	defer c.close()

	for {
		select {
		case <-c.closed:
			return
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				return
			}
		}
	}
}
