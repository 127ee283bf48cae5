// Package metrics records poll, fetch, notification and connection
// activity. Recorder is the interface the rest of the service depends on;
// Nop discards everything and Prometheus exports it.
package metrics

import (
	"time"
)

// Cycle outcomes used as the "result" label.
const (
	ResultChanged   = "changed"
	ResultUnchanged = "unchanged"
	ResultFailed    = "failed"
	ResultSkipped   = "skipped"
)

// Recorder receives service events. Implementations must be safe for
// concurrent use.
type Recorder interface {
	// CycleCompleted is called once per poll cycle with its outcome and the
	// fetch duration.
	CycleCompleted(result string, fetch time.Duration)

	// Notified counts refresh signals delivered by one emit.
	Notified(delivered int)

	// SendFailed counts refresh signals that could not be queued.
	SendFailed()

	// PadActivated and PadIdled track the number of ACTIVE pads.
	PadActivated()
	PadIdled()

	// ConnectionOpened and ConnectionClosed track live subscribers.
	ConnectionOpened()
	ConnectionClosed()

	// ConnectionRejected counts subscriptions refused at the limit.
	ConnectionRejected()

	// FeedPublished counts change feed publishes by success.
	FeedPublished(ok bool)
}

// Nop is a Recorder that discards all events.
type Nop struct{}

var _ Recorder = Nop{}

func (Nop) CycleCompleted(string, time.Duration) {}
func (Nop) Notified(int)                         {}
func (Nop) SendFailed()                          {}
func (Nop) PadActivated()                        {}
func (Nop) PadIdled()                            {}
func (Nop) ConnectionOpened()                    {}
func (Nop) ConnectionClosed()                    {}
func (Nop) ConnectionRejected()                  {}
func (Nop) FeedPublished(bool)                   {}
