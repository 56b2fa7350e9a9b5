package fanout

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/edgewatch/popwatch/internal/models"
)

// WSConn adapts a gorilla websocket connection to the Conn interface. Writes
// are serialized; gorilla allows only one concurrent writer.
type WSConn struct {
	id           string
	ws           *websocket.Conn
	writeTimeout time.Duration

	mu     sync.Mutex
	closed bool
}

// NewWSConn wraps an upgraded websocket connection.
func NewWSConn(ws *websocket.Conn, writeTimeout time.Duration) *WSConn {
	if writeTimeout <= 0 {
		writeTimeout = 10 * time.Second
	}
	return &WSConn{
		id:           uuid.NewString(),
		ws:           ws,
		writeTimeout: writeTimeout,
	}
}

// ID returns the connection's assigned identifier.
func (c *WSConn) ID() string { return c.id }

// Send writes one event frame. After any write failure the connection is
// marked closed and all further sends return ErrClosed.
func (c *WSConn) Send(event models.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}
	if err := c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		c.closed = true
		return fmt.Errorf("%w: %v", ErrClosed, err)
	}
	if err := c.ws.WriteJSON(event); err != nil {
		c.closed = true
		return fmt.Errorf("%w: %v", ErrClosed, err)
	}
	return nil
}

// Ping writes a control ping so listen-only peers can prove liveness via the
// pong response. Returns ErrClosed once the transport is gone.
func (c *WSConn) Ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}
	if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.writeTimeout)); err != nil {
		c.closed = true
		return fmt.Errorf("%w: %v", ErrClosed, err)
	}
	return nil
}

// Close shuts the transport down. Safe to call more than once.
func (c *WSConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	return c.ws.Close()
}
