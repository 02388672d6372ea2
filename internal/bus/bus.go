// Package bus provides the event tap for the agent. Session lifecycle and
// turn telemetry are published here for observers (debug server, journal);
// the client notification path never routes through the bus.
package bus

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Event types published by the agent.
const (
	SessionCreated = "session.created"
	SessionRemoved = "session.removed"

	TurnStarted   = "turn.started"
	TurnCompleted = "turn.completed"

	PermissionRequested = "permission.requested"
	PermissionResolved  = "permission.resolved"
)

// Event represents a message on the event bus.
type Event struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Source    string         `json:"source"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data"`
}

// NewEvent creates a new event with a UUID and current timestamp.
func NewEvent(eventType, source string, data map[string]any) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Source:    source,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// EventHandler is a function that handles an event.
type EventHandler func(ctx context.Context, event *Event) error

// Subscription represents an active subscription.
type Subscription interface {
	Unsubscribe() error
	IsValid() bool
}

// EventBus interface for event bus operations.
type EventBus interface {
	// Publish sends an event to a subject.
	Publish(ctx context.Context, subject string, event *Event) error

	// Subscribe creates a subscription to a subject pattern.
	// NATS-style wildcards are supported: * for one token, > for the rest.
	Subscribe(subject string, handler EventHandler) (Subscription, error)

	// Close closes the connection.
	Close()

	// IsConnected returns connection status.
	IsConnected() bool
}
