// Package pubsub fans typed events out to any number of subscribers.
// The orchestrator's components each publish their own payload type
// (orchestrator events, sub-task changes, health signals, log entries)
// through their own broker instance.
package pubsub

import "time"

// EventType says what happened to the payload.
type EventType string

const (
	CreatedEvent EventType = "created"
	UpdatedEvent EventType = "updated"
)

// Event wraps a payload with its type and publish time.
type Event[T any] struct {
	Type      EventType
	Payload   T
	Timestamp time.Time
}
