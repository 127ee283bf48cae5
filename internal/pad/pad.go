// Package pad holds the in-memory state of every watched pad: who is
// subscribed, the last observed content and its fingerprint, and whether a
// poll cycle is running or pending.
package pad

import (
	"sync"
	"time"
)

// Subscriber is a live connection interested in one pad. The pad only keeps
// a reference for membership; the transport owns the connection.
type Subscriber interface {
	ID() string
}

// Pad is one remote document being watched. All fields are guarded by mu,
// which serialises subscribe, unsubscribe and poll-cycle bookkeeping for
// this pad only.
type Pad struct {
	name string

	mu          sync.Mutex
	subscribers map[string]Subscriber
	fingerprint string
	content     string
	cached      bool
	updatedAt   time.Time
	checkedAt   time.Time
	polling     bool        // ACTIVE: a cycle is running or timer is pending
	timer       *time.Timer // pending next cycle; nil while running or idle
	evicted     bool
}

func newPad(name string) *Pad {
	return &Pad{
		name:        name,
		subscribers: make(map[string]Subscriber),
	}
}

// Name returns the pad's immutable name.
func (p *Pad) Name() string { return p.name }

// SubscriberCount returns the number of live subscribers.
func (p *Pad) SubscriberCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.subscribers)
}

// Polling reports whether the pad is ACTIVE.
func (p *Pad) Polling() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.polling
}

// Observation is the outcome of recording one fetched snapshot.
type Observation struct {
	Changed     bool   // fingerprint differs from a previous one
	First       bool   // no fingerprint was known before
	Fingerprint string // new fingerprint
	Previous    string // fingerprint before this observation, "" if none
	Size        int
}

// Observe runs change detection against the stored fingerprint and replaces
// content and fingerprint together. The cache is updated even on the first
// observation, which is never reported as a change.
func (p *Pad) Observe(text string, now time.Time) Observation {
	p.mu.Lock()
	defer p.mu.Unlock()

	changed, fp := Detect(p.fingerprint, text)
	obs := Observation{
		Changed:     changed,
		First:       p.fingerprint == "",
		Fingerprint: fp,
		Previous:    p.fingerprint,
		Size:        len(text),
	}

	p.checkedAt = now
	if changed || !p.cached {
		p.content = text
		p.fingerprint = fp
		p.cached = true
		p.updatedAt = now
	}
	return obs
}

// beginCycle clears the fired timer and reports whether the cycle should do
// any work; with no subscribers left the pad goes IDLE and false is returned.
func (p *Pad) beginCycle() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.timer = nil
	if len(p.subscribers) == 0 {
		p.polling = false
		return false
	}
	return true
}

// rearm schedules fn after d if subscribers remain, otherwise marks the pad
// IDLE and returns false.
func (p *Pad) rearm(d time.Duration, fn func()) (armed bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.subscribers) == 0 {
		p.polling = false
		p.timer = nil
		return false
	}
	p.timer = time.AfterFunc(d, fn)
	return true
}

// halt stops a pending timer and reports whether it did. A cycle that is
// already running is not interrupted; it finds the registry closed when it
// tries to rearm.
func (p *Pad) halt() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.timer != nil && p.timer.Stop() {
		p.timer = nil
		p.polling = false
		return true
	}
	return false
}

// deactivate stops any pending timer and clears the polling flag. Reports
// whether the pad was polling.
func (p *Pad) deactivate() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	was := p.polling
	p.polling = false
	return was
}

// idleLocked reports whether the pad can be dropped. Caller must hold p.mu.
func (p *Pad) idleLocked() bool {
	return len(p.subscribers) == 0 && !p.polling
}

// Snapshot is a consistent copy of a pad's observable state.
type Snapshot struct {
	Name        string    `json:"pad"`
	Content     string    `json:"content"`
	Fingerprint string    `json:"fingerprint"`
	UpdatedAt   time.Time `json:"updatedAt"`
	CheckedAt   time.Time `json:"checkedAt"`
	Subscribers int       `json:"subscribers"`
	Polling     bool      `json:"polling"`
	Cached      bool      `json:"cached"`
}

// Snapshot returns a copy of the pad's state taken under its lock.
func (p *Pad) Snapshot() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Snapshot{
		Name:        p.name,
		Content:     p.content,
		Fingerprint: p.fingerprint,
		UpdatedAt:   p.updatedAt,
		CheckedAt:   p.checkedAt,
		Subscribers: len(p.subscribers),
		Polling:     p.polling,
		Cached:      p.cached,
	}
}
