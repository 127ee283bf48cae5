package ws

import (
	"errors"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"
	"github.com/puzpuzpuz/xsync/v4"
	"github.com/rs/zerolog"

	"github.com/emailpad/emailpad/internal/bus"
	"github.com/emailpad/emailpad/internal/metrics"
	"github.com/emailpad/emailpad/internal/pad"
)

var (
	// ErrTooManyConnections is returned by Open when the connection limit
	// has been reached.
	ErrTooManyConnections = errors.New("ws: too many connections")

	// ErrSendFailed is returned when a refresh signal cannot be queued for
	// a client. It only affects that client.
	ErrSendFailed = errors.New("ws: send failed")

	// ErrClientClosed is returned when queueing to a client that is
	// closing or closed.
	ErrClientClosed = errors.New("ws: client closed")
)

// RefreshMessage is the text frame sent to subscribers when their pad
// changed.
const RefreshMessage = "refresh"

const (
	DefaultSendBuffer   = 16
	DefaultWriteTimeout = 10 * time.Second
	DefaultPingInterval = 30 * time.Second
	DefaultPongTimeout  = 60 * time.Second
)

// ManagerConfig bounds per-client resources. Zero values use the defaults.
type ManagerConfig struct {
	MaxConnections int // 0 means unlimited
	SendBuffer     int
	WriteTimeout   time.Duration
	PingInterval   time.Duration
	PongTimeout    time.Duration
}

func (c ManagerConfig) withDefaults() ManagerConfig {
	if c.SendBuffer <= 0 {
		c.SendBuffer = DefaultSendBuffer
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	if c.PingInterval <= 0 {
		c.PingInterval = DefaultPingInterval
	}
	if c.PongTimeout <= 0 {
		c.PongTimeout = DefaultPongTimeout
	}
	return c
}

// Kicker starts polling for a pad that just got its first subscriber.
type Kicker interface {
	Kick(name string)
}

// Manager accepts and tears down subscriber connections. It ties each
// connection to the pad registry and to a bus listener for its pad.
type Manager struct {
	cfg      ManagerConfig
	registry *pad.Registry
	bus      *bus.Bus
	kicker   Kicker
	metrics  metrics.Recorder
	log      zerolog.Logger

	clients *xsync.Map[string, *Client]
	count   atomic.Int64
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

func WithLogger(l zerolog.Logger) ManagerOption { return func(m *Manager) { m.log = l } }

func WithMetrics(r metrics.Recorder) ManagerOption { return func(m *Manager) { m.metrics = r } }

func NewManager(cfg ManagerConfig, registry *pad.Registry, b *bus.Bus, kicker Kicker, opts ...ManagerOption) *Manager {
	m := &Manager{
		cfg:      cfg.withDefaults(),
		registry: registry,
		bus:      b,
		kicker:   kicker,
		metrics:  metrics.Nop{},
		log:      zerolog.Nop(),
		clients:  xsync.NewMap[string, *Client](),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Open registers conn as a subscriber of padName and starts its writer.
// The caller runs the read loop (see Client.ReadLoop) and must call Close
// when it returns.
func (m *Manager) Open(padName string, conn *websocket.Conn) (*Client, error) {
	if !m.reserve() {
		m.metrics.ConnectionRejected()
		m.log.Warn().Str("pad", padName).Int("max", m.cfg.MaxConnections).Msg("connection limit reached")
		return nil, ErrTooManyConnections
	}

	c := newClient(m, ulid.Make().String(), padName, conn)

	// Listener first, so a change detected right after subscribing is not
	// missed.
	c.handle = m.bus.On(padName, c.notify)

	first, err := m.registry.Subscribe(padName, c)
	if err != nil {
		m.bus.Off(c.handle)
		m.count.Add(-1)
		return nil, err
	}

	m.clients.Store(c.id, c)
	m.metrics.ConnectionOpened()
	m.log.Debug().Str("pad", padName).Str("conn", c.id).Str("remote", c.remote).
		Bool("first", first).Msg("subscriber connected")

	go c.writePump()

	if first && m.kicker != nil {
		m.kicker.Kick(padName)
	}
	return c, nil
}

// reserve takes a connection slot, honouring MaxConnections.
func (m *Manager) reserve() bool {
	if m.cfg.MaxConnections <= 0 {
		m.count.Add(1)
		return true
	}
	for {
		n := m.count.Load()
		if n >= int64(m.cfg.MaxConnections) {
			return false
		}
		if m.count.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

// Close tears c down exactly once: the bus listener goes first so no signal
// reaches c after close is observed, then the registry subscription, then
// the send queue. It reports whether this call performed the close.
func (m *Manager) Close(c *Client) bool {
	closed := false
	c.once.Do(func() {
		closed = true
		c.state.Store(int32(StateClosing))

		m.bus.Off(c.handle)
		if _, err := m.registry.Unsubscribe(c.pad, c.id); err != nil {
			m.log.Warn().Err(err).Str("pad", c.pad).Str("conn", c.id).Msg("unsubscribe failed")
		}

		c.mu.Lock()
		c.state.Store(int32(StateClosed))
		close(c.send)
		c.mu.Unlock()

		m.clients.Delete(c.id)
		m.count.Add(-1)
		m.metrics.ConnectionClosed()
		m.log.Debug().Str("pad", c.pad).Str("conn", c.id).Msg("subscriber disconnected")
	})
	return closed
}

// CloseAll closes every open client. Used on shutdown.
func (m *Manager) CloseAll() {
	m.clients.Range(func(_ string, c *Client) bool {
		m.Close(c)
		return true
	})
}

// ClientCount returns the number of open connections.
func (m *Manager) ClientCount() int {
	return int(m.count.Load())
}

// Client returns the open client with the given id.
func (m *Manager) Client(id string) (*Client, bool) {
	return m.clients.Load(id)
}
