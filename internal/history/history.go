package history

import (
	"context"
	"time"
)

// EventType defines the kind of lifecycle event.
type EventType string

const (
	EventAllocate   EventType = "allocate"
	EventRelease    EventType = "release"
	EventRegister   EventType = "register"
	EventUnregister EventType = "unregister"
	EventStatus     EventType = "status"
)

// Event represents an allocation or registry lifecycle event to be
// exported to external systems for auditing and analytics.
type Event struct {
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Identity   string    `json:"identity"`
	Port       int       `json:"port,omitempty"`
	Detail     string    `json:"detail,omitempty"` // e.g. "running->unhealthy"
}

// Sink is a destination for history events (analytics/statistics systems).
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}
