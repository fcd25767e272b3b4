// Package eventbus publishes workflow execution lifecycle events and lets
// other services subscribe to them.
package eventbus

import (
	"context"

	"github.com/dukex/flowtrack/pkg/events"
)

type Event interface {
	GetType() events.EventType
}

type EventPublisher interface {
	Publish(ctx context.Context, key string, event Event) error
}

type EventSubscriber interface {
	Handle(eventType events.EventType, handler EventHandler) error
	Subscribe(ctx context.Context) error
}

type EventHandler func(ctx context.Context, event any) error

type EventBus interface {
	EventPublisher
	EventSubscriber
	Close() error
	GenerateID() string
}

// Noop drops every event. It stands in when no bus is configured.
type Noop struct{}

func (Noop) Publish(context.Context, string, Event) error { return nil }
