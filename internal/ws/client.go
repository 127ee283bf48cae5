package ws

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/emailpad/emailpad/internal/bus"
)

// State is the lifecycle state of a Client.
type State int32

const (
	StateOpen State = iota
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

const maxMessageSize = 512

var refreshFrame = []byte(RefreshMessage)

// Client is one live websocket subscriber of a pad.
type Client struct {
	id     string
	pad    string
	remote string
	conn   *websocket.Conn
	m      *Manager

	handle bus.Handle
	state  atomic.Int32
	once   sync.Once

	// mu orders enqueues against closing the send channel.
	mu   sync.RWMutex
	send chan []byte
}

func newClient(m *Manager, id, padName string, conn *websocket.Conn) *Client {
	return &Client{
		id:     id,
		pad:    padName,
		remote: conn.RemoteAddr().String(),
		conn:   conn,
		m:      m,
		send:   make(chan []byte, m.cfg.SendBuffer),
	}
}

func (c *Client) ID() string         { return c.id }
func (c *Client) Pad() string        { return c.pad }
func (c *Client) RemoteAddr() string { return c.remote }
func (c *Client) State() State       { return State(c.state.Load()) }

// notify is the bus listener for the client's pad.
func (c *Client) notify(string) error {
	if err := c.enqueue(refreshFrame); err != nil {
		c.m.metrics.SendFailed()
		return fmt.Errorf("%w: conn %s: %w", ErrSendFailed, c.id, err)
	}
	return nil
}

// enqueue queues msg without blocking. A full queue already holds a pending
// refresh, so the client still reloads.
func (c *Client) enqueue(msg []byte) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if State(c.state.Load()) != StateOpen {
		return ErrClientClosed
	}
	select {
	case c.send <- msg:
		return nil
	default:
		return fmt.Errorf("send queue full (%d)", cap(c.send))
	}
}

// writePump drains the send queue and pings the peer. Any write error
// closes the client.
func (c *Client) writePump() {
	ticker := time.NewTicker(c.m.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
		c.m.Close(c)
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.m.cfg.WriteTimeout))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.m.log.Debug().Err(err).Str("conn", c.id).Msg("write failed")
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.m.cfg.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// ReadLoop consumes client messages until the connection fails. Pongs
// extend the read deadline. The caller must Close the client afterwards.
func (c *Client) ReadLoop() {
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(c.m.cfg.PongTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.m.cfg.PongTimeout))
	})

	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.m.log.Debug().Err(err).Str("conn", c.id).Msg("read failed")
			}
			return
		}
		c.m.log.Debug().Str("pad", c.pad).Str("conn", c.id).Str("message", string(msg)).Msg("client message")
	}
}
