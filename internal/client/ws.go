package client

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	reconnectBaseDelay = 1 * time.Second
	reconnectMaxDelay  = 30 * time.Second
	writeTimeout       = 10 * time.Second
	pongTimeout        = 60 * time.Second
	pingInterval       = 30 * time.Second
)

// refreshMessage is the frame the server sends when a pad changed.
const refreshMessage = "refresh"

// WSClient subscribes to refresh signals of one pad.
type WSClient struct {
	url    string
	pad    string
	dialer *websocket.Dialer
	log    zerolog.Logger

	baseDelay time.Duration
	maxDelay  time.Duration
}

// WSOption configures a WSClient.
type WSOption func(*WSClient)

func WithLogger(l zerolog.Logger) WSOption { return func(c *WSClient) { c.log = l } }

// WithBackoff overrides the reconnect delays.
func WithBackoff(base, maxDelay time.Duration) WSOption {
	return func(c *WSClient) {
		c.baseDelay = base
		c.maxDelay = maxDelay
	}
}

// NewWSClient creates a client for padName on the server at baseURL
// (e.g. "http://127.0.0.1:3000").
func NewWSClient(baseURL, padName, token string, opts ...WSOption) (*WSClient, error) {
	u, err := SocketURL(baseURL, padName, token)
	if err != nil {
		return nil, err
	}
	c := &WSClient{
		url:       u,
		pad:       padName,
		dialer:    websocket.DefaultDialer,
		log:       zerolog.Nop(),
		baseDelay: reconnectBaseDelay,
		maxDelay:  reconnectMaxDelay,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// SocketURL maps an http(s) base URL to the pad's websocket endpoint.
func SocketURL(baseURL, padName, token string) (string, error) {
	u, err := url.Parse(strings.TrimSuffix(baseURL, "/"))
	if err != nil {
		return "", fmt.Errorf("parse %q: %w", baseURL, err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.RawPath = u.EscapedPath() + "/sockets/" + url.PathEscape(padName)
	u.Path += "/sockets/" + padName
	if token != "" {
		q := u.Query()
		q.Set("token", token)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// Watch connects and delivers connection and refresh events until ctx is
// done, reconnecting with exponential backoff. The channel is closed when
// Watch stops.
func (c *WSClient) Watch(ctx context.Context) <-chan Event {
	events := make(chan Event, 16)
	go func() {
		defer close(events)

		delay := c.baseDelay
		for {
			conn, _, err := c.dialer.DialContext(ctx, c.url, nil)
			if err == nil {
				delay = c.baseDelay
				if !send(ctx, events, Event{Kind: EventConnected, Pad: c.pad}) {
					conn.Close()
					return
				}
				err = c.readLoop(ctx, conn, events)
			}
			if ctx.Err() != nil {
				return
			}

			c.log.Debug().Err(err).Str("pad", c.pad).Dur("retry", delay).Msg("ws disconnected")
			if !send(ctx, events, Event{Kind: EventDisconnected, Pad: c.pad, Err: err, Retry: delay}) {
				return
			}

			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			delay = min(delay*2, c.maxDelay)
		}
	}()
	return events
}

func (c *WSClient) readLoop(ctx context.Context, conn *websocket.Conn, events chan<- Event) error {
	done := make(chan struct{})
	defer close(done)

	go func() {
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(time.Second))
				conn.Close()
				return
			case <-done:
				conn.Close()
				return
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
					return
				}
			}
		}
	}()

	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongTimeout))
	})
	_ = conn.SetReadDeadline(time.Now().Add(pongTimeout))

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongTimeout))
		if string(data) != refreshMessage {
			continue
		}
		if !send(ctx, events, Event{Kind: EventRefresh, Pad: c.pad}) {
			return ctx.Err()
		}
	}
}

func send(ctx context.Context, ch chan<- Event, ev Event) bool {
	select {
	case ch <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}
