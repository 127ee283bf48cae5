// Package feed publishes pad change events on NATS so other services can
// react to edits without polling Etherpad themselves. Publishing is best
// effort: a failed publish is logged and counted, never retried.
package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/emailpad/emailpad/internal/metrics"
	"github.com/emailpad/emailpad/internal/padsync"
)

// ErrNotConnected is returned when publishing without a live connection.
var ErrNotConnected = errors.New("feed: not connected")

// Publisher announces change events on <prefix>.<pad>.changed.
type Publisher struct {
	nc      *nats.Conn
	owned   bool
	prefix  string
	metrics metrics.Recorder
	log     zerolog.Logger
}

// Option configures a Publisher.
type Option func(*Publisher)

func WithLogger(l zerolog.Logger) Option { return func(p *Publisher) { p.log = l } }

func WithMetrics(r metrics.Recorder) Option { return func(p *Publisher) { p.metrics = r } }

// Connect dials url and returns a Publisher owning the connection.
func Connect(url, prefix string, opts ...Option) (*Publisher, error) {
	p := newPublisher(prefix, opts)
	nc, err := nats.Connect(url,
		nats.Name("emailpad"),
		nats.Timeout(2*time.Second),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				p.log.Warn().Err(err).Msg("feed disconnected")
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			p.log.Info().Str("url", c.ConnectedUrl()).Msg("feed reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("feed: connect %s: %w", url, err)
	}
	p.nc = nc
	p.owned = true
	return p, nil
}

// New wraps an existing connection. Close does not close it.
func New(nc *nats.Conn, prefix string, opts ...Option) *Publisher {
	p := newPublisher(prefix, opts)
	p.nc = nc
	return p
}

func newPublisher(prefix string, opts []Option) *Publisher {
	p := &Publisher{
		prefix:  strings.TrimSuffix(prefix, "."),
		metrics: metrics.Nop{},
		log:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Subject returns the subject change events for padName are published on.
// NATS tokens cannot contain '.', '*', '>' or whitespace, so those are
// replaced with '_'.
func (p *Publisher) Subject(padName string) string {
	return p.prefix + "." + subjectToken(padName) + ".changed"
}

// Publish sends ev. It does not wait for the server to acknowledge.
func (p *Publisher) Publish(ev padsync.ChangeEvent) error {
	if p.nc == nil || p.nc.IsClosed() {
		return ErrNotConnected
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("feed: encode %s: %w", ev.Pad, err)
	}
	if err := p.nc.Publish(p.Subject(ev.Pad), data); err != nil {
		return fmt.Errorf("feed: publish %s: %w", ev.Pad, err)
	}
	return nil
}

// Hook adapts the publisher to the scheduler's change hook.
func (p *Publisher) Hook() padsync.ChangeHook {
	return func(_ context.Context, ev padsync.ChangeEvent) {
		err := p.Publish(ev)
		p.metrics.FeedPublished(err == nil)
		if err != nil {
			p.log.Warn().Err(err).Str("pad", ev.Pad).Msg("change feed publish failed")
		}
	}
}

// Close flushes pending publishes and closes an owned connection.
func (p *Publisher) Close() {
	if p.nc == nil || !p.owned {
		return
	}
	if err := p.nc.FlushTimeout(time.Second); err != nil {
		p.log.Debug().Err(err).Msg("feed flush failed")
	}
	p.nc.Close()
}

// Subscribe delivers decoded change events for padName ("" or "*" for all
// pads) to fn until the returned function is called.
func Subscribe(nc *nats.Conn, prefix, padName string, fn func(padsync.ChangeEvent)) (func() error, error) {
	token := "*"
	if padName != "" && padName != "*" {
		token = subjectToken(padName)
	}
	subject := strings.TrimSuffix(prefix, ".") + "." + token + ".changed"

	sub, err := nc.Subscribe(subject, func(msg *nats.Msg) {
		var ev padsync.ChangeEvent
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			return
		}
		fn(ev)
	})
	if err != nil {
		return nil, fmt.Errorf("feed: subscribe %s: %w", subject, err)
	}
	return sub.Unsubscribe, nil
}

func subjectToken(name string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\r', '\n':
			return '_'
		}
		return r
	}, name)
}
