package pad

import (
	"errors"
	"sort"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
)

var (
	// ErrNotSubscribed is returned when unsubscribing a connection the pad
	// does not know. Duplicate close events from the transport produce it.
	ErrNotSubscribed = errors.New("pad: connection not subscribed")

	// ErrAlreadySubscribed is returned when the same connection id
	// subscribes twice.
	ErrAlreadySubscribed = errors.New("pad: connection already subscribed")
)

// Registry maps pad names to pad state. Lookups and inserts for different
// pads never contend on a shared lock; each pad serialises its own state.
type Registry struct {
	pads      *xsync.Map[string, *Pad]
	evictIdle bool
	closed    atomic.Bool
	now       func() time.Time
	onActive  func(name string)
	onIdle    func(name string)
}

// Option configures a Registry.
type Option func(*Registry)

// WithEvictIdle drops a pad from the registry as soon as it has no
// subscribers and no pending poll cycle.
func WithEvictIdle(evict bool) Option {
	return func(r *Registry) { r.evictIdle = evict }
}

// WithClock overrides the time source used for cache timestamps.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// WithTransitions registers callbacks run when a pad moves from IDLE to
// ACTIVE and back. They run outside the pad lock and must not block.
func WithTransitions(onActive, onIdle func(name string)) Option {
	return func(r *Registry) {
		if onActive != nil {
			r.onActive = onActive
		}
		if onIdle != nil {
			r.onIdle = onIdle
		}
	}
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		pads:     xsync.NewMap[string, *Pad](),
		now:      time.Now,
		onActive: func(string) {},
		onIdle:   func(string) {},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// GetOrCreate returns the pad for name, creating it on first use. Repeated
// calls return the same *Pad until it is evicted.
func (r *Registry) GetOrCreate(name string) *Pad {
	var p *Pad
	r.pads.Compute(name, func(old *Pad, loaded bool) (*Pad, xsync.ComputeOp) {
		if loaded {
			p = old
			return old, xsync.CancelOp
		}
		p = newPad(name)
		return p, xsync.UpdateOp
	})
	return p
}

// Lookup returns the pad for name without creating it.
func (r *Registry) Lookup(name string) (*Pad, bool) {
	return r.pads.Load(name)
}

// Subscribe adds sub to the named pad. first is true when the pad moved from
// IDLE to ACTIVE, in which case the caller must start a poll cycle.
func (r *Registry) Subscribe(name string, sub Subscriber) (first bool, err error) {
	for {
		p := r.GetOrCreate(name)

		p.mu.Lock()
		if p.evicted {
			// Lost a race with eviction; the next GetOrCreate makes a new pad.
			p.mu.Unlock()
			continue
		}
		if _, dup := p.subscribers[sub.ID()]; dup {
			p.mu.Unlock()
			return false, ErrAlreadySubscribed
		}
		p.subscribers[sub.ID()] = sub
		if !p.polling {
			p.polling = true
			first = true
		}
		p.mu.Unlock()
		if first {
			r.onActive(name)
		}
		return first, nil
	}
}

// Unsubscribe removes the subscriber with the given id. When the last
// subscriber leaves while the next cycle is only pending, the timer is
// stopped and the pad goes IDLE at once.
func (r *Registry) Unsubscribe(name, id string) (remaining int, err error) {
	p, ok := r.Lookup(name)
	if !ok {
		return 0, ErrNotSubscribed
	}

	p.mu.Lock()
	if _, ok := p.subscribers[id]; !ok {
		remaining = len(p.subscribers)
		p.mu.Unlock()
		return remaining, ErrNotSubscribed
	}
	delete(p.subscribers, id)
	remaining = len(p.subscribers)
	stopped := false
	if remaining == 0 && p.timer != nil && p.timer.Stop() {
		p.timer = nil
		p.polling = false
		stopped = true
	}
	idle := p.idleLocked()
	p.mu.Unlock()

	if stopped {
		r.onIdle(name)
	}
	if idle {
		r.release(p)
	}
	return remaining, nil
}

// UpdateCache records text as the latest content of the named pad.
func (r *Registry) UpdateCache(name, text string) Observation {
	return r.GetOrCreate(name).Observe(text, r.now())
}

// Observe records text on an existing pad using the registry clock.
func (r *Registry) Observe(p *Pad, text string) Observation {
	return p.Observe(text, r.now())
}

// ReadCache returns the last observed snapshot. ok is false for pads that
// were never fetched successfully. It never blocks on network I/O.
func (r *Registry) ReadCache(name string) (snap Snapshot, ok bool) {
	p, found := r.Lookup(name)
	if !found {
		return Snapshot{}, false
	}
	snap = p.Snapshot()
	return snap, snap.Cached
}

// BeginCycle must be called at the start of every poll cycle for p. It
// returns false, leaving the pad IDLE, when nobody is subscribed any more;
// the cycle must then do no fetch and no notification.
func (r *Registry) BeginCycle(p *Pad) bool {
	if p.beginCycle() {
		return true
	}
	r.onIdle(p.name)
	r.release(p)
	return false
}

// Rearm schedules fn to run after d for p, unless p has no subscribers left
// or the registry is closed. Returns false when the pad went IDLE.
func (r *Registry) Rearm(p *Pad, d time.Duration, fn func()) bool {
	if r.closed.Load() {
		p.mu.Lock()
		p.polling = false
		p.timer = nil
		p.mu.Unlock()
		r.onIdle(p.name)
		return false
	}
	if p.rearm(d, fn) {
		return true
	}
	r.onIdle(p.name)
	r.release(p)
	return false
}

// Halt stops every pending poll timer and refuses further rearming. Used on
// shutdown.
func (r *Registry) Halt() {
	r.closed.Store(true)
	r.pads.Range(func(_ string, p *Pad) bool {
		if p.halt() {
			r.onIdle(p.name)
		}
		return true
	})
}

// Abandon returns p to IDLE when its next cycle will never run, such as a
// first subscription that arrives after shutdown.
func (r *Registry) Abandon(p *Pad) {
	if p.deactivate() {
		r.onIdle(p.name)
	}
	r.release(p)
}

// Len returns the number of pads currently held.
func (r *Registry) Len() int {
	return r.pads.Size()
}

// Snapshots returns the state of every pad, sorted by name.
func (r *Registry) Snapshots() []Snapshot {
	out := make([]Snapshot, 0, r.pads.Size())
	r.pads.Range(func(_ string, p *Pad) bool {
		out = append(out, p.Snapshot())
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// release evicts p if eviction is enabled and p is still idle.
func (r *Registry) release(p *Pad) {
	if !r.evictIdle {
		return
	}

	p.mu.Lock()
	if !p.idleLocked() || p.evicted {
		p.mu.Unlock()
		return
	}
	p.evicted = true
	p.mu.Unlock()

	r.pads.Compute(p.name, func(old *Pad, loaded bool) (*Pad, xsync.ComputeOp) {
		if loaded && old == p {
			return old, xsync.DeleteOp
		}
		return old, xsync.CancelOp
	})
}
