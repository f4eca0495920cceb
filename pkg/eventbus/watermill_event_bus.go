package eventbus

import (
	"context"
	"encoding/json"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/dukex/procession/pkg/events"
)

// WatermillEventBus carries domain events over any watermill pub/sub pair.
type WatermillEventBus struct {
	publisher     message.Publisher
	subscriber    message.Subscriber
	subscriptions map[events.EventType]EventHandler
}

func NewWatermillEventBus(pub message.Publisher, sub message.Subscriber) EventBus {
	return &WatermillEventBus{
		publisher:     pub,
		subscriber:    sub,
		subscriptions: make(map[events.EventType]EventHandler),
	}
}

func (eb *WatermillEventBus) GenerateID() string {
	return watermill.NewULID()
}

// Publish serializes the event and sends it on the engine topic. The key ends
// up in message metadata so partitioned transports group by process instance.
func (eb *WatermillEventBus) Publish(ctx context.Context, key string, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}

	msg := message.NewMessage("msg-"+eb.GenerateID(), payload)
	msg.Metadata.Set(events.EventMetadataKey, key)
	msg.Metadata.Set(events.EventTypeMetadataKey, string(event.GetType()))

	return eb.publisher.Publish(events.Topic, msg)
}

// decodeEvent instantiates the concrete event struct for a type tag. Unknown
// tags return nil.
func decodeEvent(eventType events.EventType) any {
	switch eventType {
	case events.ExecutionCreatedEvent:
		return &events.ExecutionCreated{}
	case events.ExecutionDeletedEvent:
		return &events.ExecutionDeleted{}
	case events.ActivityErrorReceivedEvent:
		return &events.ActivityErrorReceived{}
	case events.ProcessCompletedWithErrorEvent:
		return &events.ProcessCompletedWithError{}
	case events.SubscriptionCreatedEvent:
		return &events.SubscriptionCreated{}
	case events.SubscriptionConsumedEvent:
		return &events.SubscriptionConsumed{}
	case events.CompensationTriggeredEvent:
		return &events.CompensationTriggered{}
	case events.StateMigratedEvent:
		return &events.StateMigrated{}
	case events.JobExhaustedEvent:
		return &events.JobExhausted{}
	default:
		return nil
	}
}

// Subscribe starts the consumption loop. Messages without a registered
// handler are acked and dropped; undecodable or failed messages are nacked
// for redelivery.
func (eb *WatermillEventBus) Subscribe(ctx context.Context) error {
	messages, err := eb.subscriber.Subscribe(ctx, events.Topic)
	if err != nil {
		return err
	}

	go eb.consume(ctx, messages)

	return nil
}

func (eb *WatermillEventBus) consume(ctx context.Context, messages <-chan *message.Message) {
	for msg := range messages {
		eventType := events.EventType(msg.Metadata.Get(events.EventTypeMetadataKey))

		handler, exists := eb.subscriptions[eventType]
		if !exists {
			msg.Ack()

			continue
		}

		event := decodeEvent(eventType)
		if event == nil {
			msg.Nack()

			continue
		}

		if err := json.Unmarshal(msg.Payload, event); err != nil {
			msg.Nack()

			continue
		}

		if err := handler(ctx, event); err != nil {
			msg.Nack()

			continue
		}

		msg.Ack()
	}
}

func (eb *WatermillEventBus) Handle(eventType events.EventType, handler EventHandler) error {
	eb.subscriptions[eventType] = handler

	return nil
}

func (eb *WatermillEventBus) Close() error {
	if err := eb.publisher.Close(); err != nil {
		return err
	}

	return eb.subscriber.Close()
}
