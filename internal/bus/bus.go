// Package bus is a per-pad publish/subscribe bus. Emitting a pad name calls
// every listener registered for that name, synchronously and in
// registration order. Nothing is queued: a signal with no listeners is lost.
package bus

import (
	"fmt"
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v4"
	"github.com/rs/zerolog"
)

// Listener reacts to a change signal for pad. A returned error (or a panic)
// is logged and does not stop delivery to the remaining listeners.
type Listener func(pad string) error

// Handle identifies one registration and is passed to Off.
type Handle struct {
	pad string
	id  uint64
}

// Pad returns the pad name the handle was registered for.
func (h Handle) Pad() string { return h.pad }

type entry struct {
	id uint64
	fn Listener
}

// Bus fans out change signals keyed by pad name. Listener lists are
// replaced on write, so Emit works on an immutable snapshot and never holds
// a lock while calling listeners.
type Bus struct {
	topics *xsync.Map[string, []entry]
	nextID atomic.Uint64
	log    zerolog.Logger

	emitted atomic.Uint64
	failed  atomic.Uint64
}

// New creates an empty bus.
func New(logger zerolog.Logger) *Bus {
	return &Bus{
		topics: xsync.NewMap[string, []entry](),
		log:    logger,
	}
}

// On registers fn for pad and returns its handle.
func (b *Bus) On(pad string, fn Listener) Handle {
	id := b.nextID.Add(1)
	b.topics.Compute(pad, func(old []entry, _ bool) ([]entry, xsync.ComputeOp) {
		next := make([]entry, len(old), len(old)+1)
		copy(next, old)
		return append(next, entry{id: id, fn: fn}), xsync.UpdateOp
	})
	return Handle{pad: pad, id: id}
}

// Off removes a registration. It reports false if the handle was unknown or
// already removed. The pad's table is dropped with its last listener.
func (b *Bus) Off(h Handle) bool {
	removed := false
	b.topics.Compute(h.pad, func(old []entry, loaded bool) ([]entry, xsync.ComputeOp) {
		if !loaded {
			return old, xsync.CancelOp
		}
		next := make([]entry, 0, len(old))
		for _, e := range old {
			if e.id == h.id {
				removed = true
				continue
			}
			next = append(next, e)
		}
		if !removed {
			return old, xsync.CancelOp
		}
		if len(next) == 0 {
			return nil, xsync.DeleteOp
		}
		return next, xsync.UpdateOp
	})
	return removed
}

// Emit calls every listener registered for pad and returns how many of them
// completed without error.
func (b *Bus) Emit(pad string) int {
	listeners, ok := b.topics.Load(pad)
	if !ok {
		return 0
	}
	b.emitted.Add(1)

	delivered := 0
	for _, e := range listeners {
		if err := b.call(pad, e.fn); err != nil {
			b.failed.Add(1)
			b.log.Warn().Err(err).Str("pad", pad).Uint64("listener", e.id).Msg("listener failed")
			continue
		}
		delivered++
	}
	return delivered
}

// call runs fn, converting a panic into an error.
func (b *Bus) call(pad string, fn Listener) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("listener panic: %v", r)
		}
	}()
	return fn(pad)
}

// Listeners returns the number of listeners registered for pad.
func (b *Bus) Listeners(pad string) int {
	listeners, _ := b.topics.Load(pad)
	return len(listeners)
}

// Topics returns the number of pads with at least one listener.
func (b *Bus) Topics() int {
	return b.topics.Size()
}

// Stats returns the number of emits that reached listeners and the number of
// failed listener calls since creation.
func (b *Bus) Stats() (emitted, failed uint64) {
	return b.emitted.Load(), b.failed.Load()
}
