package padsync

import (
	"sync"
	"time"
)

// HealthStatus summarises recent fetch outcomes for one pad.
type HealthStatus string

const (
	StatusHealthy HealthStatus = "healthy"
	StatusFailing HealthStatus = "failing"
)

// Health is a point-in-time copy of a pad's fetch health.
type Health struct {
	Pad                 string       `json:"pad"`
	Status              HealthStatus `json:"status"`
	ConsecutiveFailures int          `json:"consecutiveFailures"`
	LastError           string       `json:"lastError,omitempty"`
	LastFailure         time.Time    `json:"lastFailure,omitempty"`
	LastSuccess         time.Time    `json:"lastSuccess,omitempty"`
}

// padHealth tracks consecutive fetch failures for a single pad. Cycles for
// one pad are sequential, but the status endpoint reads concurrently, so
// fields are guarded by mu.
type padHealth struct {
	mu                sync.Mutex
	failures          int
	lastErr           string
	lastFail          time.Time
	lastSuccess       time.Time
	lastEmittedStatus HealthStatus
}

func newPadHealth() *padHealth {
	return &padHealth{lastEmittedStatus: StatusHealthy}
}

func (h *padHealth) recordSuccess(now time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failures = 0
	h.lastErr = ""
	h.lastSuccess = now
}

func (h *padHealth) recordFailure(err error, now time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failures++
	h.lastErr = err.Error()
	h.lastFail = now
}

// statusLocked computes health status. Caller must hold h.mu.
func (h *padHealth) statusLocked(threshold int) HealthStatus {
	if threshold > 0 && h.failures >= threshold {
		return StatusFailing
	}
	return StatusHealthy
}

// transition reports the current status and whether it differs from the
// last one reported, updating the latter in the same critical section.
func (h *padHealth) transition(threshold int) (status HealthStatus, changed bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	status = h.statusLocked(threshold)
	changed = status != h.lastEmittedStatus
	if changed {
		h.lastEmittedStatus = status
	}
	return status, changed
}

func (h *padHealth) snapshot(pad string, threshold int) Health {
	h.mu.Lock()
	defer h.mu.Unlock()
	return Health{
		Pad:                 pad,
		Status:              h.statusLocked(threshold),
		ConsecutiveFailures: h.failures,
		LastError:           h.lastErr,
		LastFailure:         h.lastFail,
		LastSuccess:         h.lastSuccess,
	}
}
