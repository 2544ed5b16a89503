package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/kursadbilgin/sms-dispatch/internal/domain"
	amqp "github.com/rabbitmq/amqp091-go"
)

// RabbitMQEventBus publishes delivery events to the sms.events topic exchange.
type RabbitMQEventBus struct {
	client *RabbitMQ
}

func NewRabbitMQEventBus(client *RabbitMQ) *RabbitMQEventBus {
	return &RabbitMQEventBus{client: client}
}

func (b *RabbitMQEventBus) Publish(ctx context.Context, event domain.DeliveryEvent) error {
	if b == nil || b.client == nil {
		return fmt.Errorf("event bus is not initialized")
	}
	if !event.Subject.IsValid() {
		return fmt.Errorf("invalid event subject %q", event.Subject)
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal delivery event: %w", err)
	}

	ch, err := b.client.channel(ctx)
	if err != nil {
		return err
	}
	defer ch.Close()

	publishing := amqp.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		Timestamp:     time.Now().UTC(),
		CorrelationId: event.MotechID,
		Type:          event.Subject.String(),
		Body:          payload,
	}

	routingKey := EventRoutingKey(event.Subject)
	if err := ch.PublishWithContext(ctx, EventsExchange, routingKey, false, false, publishing); err != nil {
		return fmt.Errorf("failed to publish event %q: %w", routingKey, err)
	}

	return nil
}
