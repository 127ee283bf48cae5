package client

import "time"

// PadStatus mirrors an entry of GET /api/pads.
type PadStatus struct {
	Pad         string     `json:"pad"`
	Subscribers int        `json:"subscribers"`
	Polling     bool       `json:"polling"`
	Cached      bool       `json:"cached"`
	Fingerprint string     `json:"fingerprint,omitempty"`
	UpdatedAt   time.Time  `json:"updatedAt,omitempty"`
	CheckedAt   time.Time  `json:"checkedAt,omitempty"`
	Health      *PadHealth `json:"health,omitempty"`
}

// PadHealth mirrors the poll health of an active pad.
type PadHealth struct {
	Status              string    `json:"status"`
	ConsecutiveFailures int       `json:"consecutiveFailures"`
	LastError           string    `json:"lastError,omitempty"`
	LastFailure         time.Time `json:"lastFailure,omitempty"`
	LastSuccess         time.Time `json:"lastSuccess,omitempty"`
}

// PadContent mirrors GET /api/pads/{pad}.
type PadContent struct {
	Pad         string    `json:"pad"`
	Content     string    `json:"content"`
	Fingerprint string    `json:"fingerprint"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// EventKind classifies a watch Event.
type EventKind int

const (
	EventConnected EventKind = iota
	EventDisconnected
	EventRefresh
)

func (k EventKind) String() string {
	switch k {
	case EventConnected:
		return "connected"
	case EventDisconnected:
		return "disconnected"
	case EventRefresh:
		return "refresh"
	}
	return "unknown"
}

// Event is delivered by WSClient.Watch.
type Event struct {
	Kind  EventKind
	Pad   string
	Err   error         // set on EventDisconnected
	Retry time.Duration // delay before the next dial, on EventDisconnected
}
