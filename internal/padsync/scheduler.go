// Package padsync drives the per-pad poll cycle: fetch the pad's text,
// detect a change, update the cache, then signal subscribers. A pad is only
// polled while somebody is subscribed to it.
package padsync

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
	"github.com/rs/zerolog"

	"github.com/emailpad/emailpad/internal/bus"
	"github.com/emailpad/emailpad/internal/etherpad"
	"github.com/emailpad/emailpad/internal/metrics"
	"github.com/emailpad/emailpad/internal/pad"
)

// DefaultInterval matches the refresh interval of the pad frontend.
const DefaultInterval = 4 * time.Second

// Config is the runtime configuration of a Scheduler.
type Config struct {
	Interval           time.Duration
	FailureThreshold   int
	NotifyOnFirstFetch bool
}

// ChangeEvent describes a detected content change.
type ChangeEvent struct {
	Pad         string    `json:"pad"`
	Fingerprint string    `json:"fingerprint"`
	Previous    string    `json:"previous,omitempty"`
	Size        int       `json:"size"`
	ChangedAt   time.Time `json:"changedAt"`
}

// ChangeHook is called after subscribers were signalled for a change.
type ChangeHook func(ctx context.Context, ev ChangeEvent)

// CycleResult is the outcome of one poll cycle.
type CycleResult struct {
	Pad         string
	Skipped     bool // timer fired with nobody subscribed
	Fetched     bool
	Changed     bool
	Fingerprint string
	Notified    int
	Err         error
	Duration    time.Duration
}

// Scheduler runs at most one poll cycle chain per ACTIVE pad. Cycles for a
// pad never overlap: the next one is only armed when the previous finished.
type Scheduler struct {
	cfg      Config
	registry *pad.Registry
	fetcher  etherpad.Fetcher
	bus      *bus.Bus
	metrics  metrics.Recorder
	log      zerolog.Logger
	hooks    []ChangeHook
	observe  func(CycleResult)
	now      func() time.Time

	health *xsync.Map[string, *padHealth]

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex // guards closed and wg.Add
	closed bool
	wg     sync.WaitGroup
}

// Option configures a Scheduler.
type Option func(*Scheduler)

func WithLogger(l zerolog.Logger) Option { return func(s *Scheduler) { s.log = l } }

func WithMetrics(m metrics.Recorder) Option { return func(s *Scheduler) { s.metrics = m } }

// WithChangeHook adds a hook run after each notified change.
func WithChangeHook(h ChangeHook) Option {
	return func(s *Scheduler) { s.hooks = append(s.hooks, h) }
}

// WithCycleObserver registers fn to receive every CycleResult.
func WithCycleObserver(fn func(CycleResult)) Option {
	return func(s *Scheduler) { s.observe = fn }
}

func WithClock(now func() time.Time) Option { return func(s *Scheduler) { s.now = now } }

// New creates a scheduler. Nothing runs until Kick is called for a pad.
func New(cfg Config, registry *pad.Registry, fetcher etherpad.Fetcher, b *bus.Bus, opts ...Option) (*Scheduler, error) {
	if registry == nil || fetcher == nil || b == nil {
		return nil, errors.New("padsync: registry, fetcher and bus are required")
	}
	if cfg.Interval <= 0 {
		return nil, errors.New("padsync: interval must be > 0")
	}
	if cfg.FailureThreshold < 0 {
		return nil, errors.New("padsync: failure threshold must be >= 0")
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		cfg:      cfg,
		registry: registry,
		fetcher:  fetcher,
		bus:      b,
		metrics:  metrics.Nop{},
		log:      zerolog.Nop(),
		now:      time.Now,
		health:   xsync.NewMap[string, *padHealth](),
		ctx:      ctx,
		cancel:   cancel,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Kick starts the first cycle for a pad that just became ACTIVE. Callers
// must only kick when pad.Registry.Subscribe reported first == true.
func (s *Scheduler) Kick(name string) {
	p, ok := s.registry.Lookup(name)
	if !ok {
		return
	}
	if !s.enter() {
		s.registry.Abandon(p)
		return
	}
	h := newPadHealth()
	s.health.Store(name, h)
	s.log.Debug().Str("pad", name).Msg("pad active, polling")
	go func() {
		defer s.wg.Done()
		s.cycle(p, h)
	}()
}

// fire is the timer callback for the next cycle of p.
func (s *Scheduler) fire(p *pad.Pad, h *padHealth) {
	if !s.enter() {
		s.registry.Abandon(p)
		return
	}
	defer s.wg.Done()
	s.cycle(p, h)
}

// enter registers a running cycle unless the scheduler is shut down.
func (s *Scheduler) enter() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.wg.Add(1)
	return true
}

// cycle runs one poll of p. h is the health record of the chain of cycles
// started by the Kick that made p ACTIVE.
func (s *Scheduler) cycle(p *pad.Pad, h *padHealth) {
	name := p.Name()

	var res CycleResult
	if s.registry.BeginCycle(p) {
		res = s.pollOnce(p, h)
	} else {
		res = CycleResult{Pad: name, Skipped: true}
		s.log.Debug().Str("pad", name).Msg("no subscribers, skipping poll")
	}
	s.record(res)

	if res.Skipped || !s.registry.Rearm(p, s.cfg.Interval, func() { s.fire(p, h) }) {
		s.dropHealth(name, h)
		s.log.Debug().Str("pad", name).Msg("pad idle, polling stopped")
	}
}

// PollOnce performs exactly one fetch-detect-cache-notify sequence for p.
// A fetch failure leaves the cache untouched.
func (s *Scheduler) PollOnce(p *pad.Pad) CycleResult {
	return s.pollOnce(p, s.healthFor(p.Name()))
}

func (s *Scheduler) pollOnce(p *pad.Pad, h *padHealth) CycleResult {
	name := p.Name()
	res := CycleResult{Pad: name}

	s.log.Debug().Str("pad", name).Int("subscribers", p.SubscriberCount()).Msg("polling pad")

	start := s.now()
	text, err := s.fetcher.Fetch(s.ctx, name)
	res.Duration = s.now().Sub(start)
	if err != nil {
		res.Err = err
		h.recordFailure(err, s.now())
		s.log.Info().Err(err).Str("pad", name).Msg("failed collecting pad")
		s.reportHealth(name, h)
		return res
	}
	h.recordSuccess(s.now())
	s.reportHealth(name, h)
	res.Fetched = true

	obs := s.registry.Observe(p, text)
	res.Changed = obs.Changed
	res.Fingerprint = obs.Fingerprint

	if !obs.Changed && !(obs.First && s.cfg.NotifyOnFirstFetch) {
		return res
	}

	// The cache is already updated, so anyone reacting to the signal reads
	// this content or a newer one.
	res.Notified = s.bus.Emit(name)
	s.metrics.Notified(res.Notified)
	s.log.Info().Str("pad", name).Str("fingerprint", obs.Fingerprint).
		Int("notified", res.Notified).Msg("pad changed, notified subscribers")

	ev := ChangeEvent{
		Pad:         name,
		Fingerprint: obs.Fingerprint,
		Previous:    obs.Previous,
		Size:        obs.Size,
		ChangedAt:   s.now(),
	}
	for _, hook := range s.hooks {
		hook(s.ctx, ev)
	}
	return res
}

func (s *Scheduler) record(res CycleResult) {
	switch {
	case res.Skipped:
		s.metrics.CycleCompleted(metrics.ResultSkipped, 0)
	case res.Err != nil:
		s.metrics.CycleCompleted(metrics.ResultFailed, res.Duration)
	case res.Changed:
		s.metrics.CycleCompleted(metrics.ResultChanged, res.Duration)
	default:
		s.metrics.CycleCompleted(metrics.ResultUnchanged, res.Duration)
	}
	if s.observe != nil {
		s.observe(res)
	}
}

func (s *Scheduler) healthFor(name string) *padHealth {
	h, _ := s.health.LoadOrStore(name, newPadHealth())
	return h
}

// dropHealth removes the health entry of name only while it is still h. A
// pad that went IDLE and was kicked again already holds a fresh entry.
func (s *Scheduler) dropHealth(name string, h *padHealth) {
	s.health.Compute(name, func(old *padHealth, loaded bool) (*padHealth, xsync.ComputeOp) {
		if loaded && old == h {
			return nil, xsync.DeleteOp
		}
		return old, xsync.CancelOp
	})
}

// reportHealth logs health status transitions once, not on every cycle.
func (s *Scheduler) reportHealth(name string, h *padHealth) {
	status, changed := h.transition(s.cfg.FailureThreshold)
	if !changed {
		return
	}
	snap := h.snapshot(name, s.cfg.FailureThreshold)
	if status == StatusFailing {
		s.log.Warn().Str("pad", name).Int("failures", snap.ConsecutiveFailures).
			Str("last_error", snap.LastError).Msg("pad fetches failing")
		return
	}
	s.log.Info().Str("pad", name).Msg("pad fetches recovered")
}

// Health returns the fetch health of an ACTIVE pad.
func (s *Scheduler) Health(name string) (Health, bool) {
	h, ok := s.health.Load(name)
	if !ok {
		return Health{}, false
	}
	if p, found := s.registry.Lookup(name); !found || !p.Polling() {
		return Health{}, false
	}
	return h.snapshot(name, s.cfg.FailureThreshold), true
}

// Shutdown stops pending timers, cancels in-flight fetches and waits for
// running cycles to finish or ctx to expire. Later kicks are ignored.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	s.registry.Halt()
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
