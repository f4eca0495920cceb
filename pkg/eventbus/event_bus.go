// Package eventbus provides the event dispatch infrastructure the engine
// publishes domain notifications through.
package eventbus

import (
	"context"

	"github.com/dukex/procession/pkg/events"
)

// Event is anything carrying a domain event type tag.
type Event interface {
	GetType() events.EventType
}

// EventPublisher is the engine-facing side: commands flush their buffered
// events through it after commit.
type EventPublisher interface {
	Publish(ctx context.Context, key string, event Event) error
}

// EventSubscriber is the consumer-facing side: register per-type handlers,
// then start the subscription loop.
type EventSubscriber interface {
	Handle(eventType events.EventType, handler EventHandler) error
	Subscribe(ctx context.Context) error
}

type EventHandler func(ctx context.Context, event interface{}) error

type EventBus interface {
	EventPublisher
	EventSubscriber
	Close() error
	GenerateID() string
}
