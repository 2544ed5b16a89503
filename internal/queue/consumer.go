package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/kursadbilgin/sms-dispatch/internal/observability"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

type RabbitMQConsumer struct {
	client   *RabbitMQ
	prefetch int
	logger   *zap.Logger
}

func NewRabbitMQConsumer(client *RabbitMQ, prefetch int, logger *zap.Logger) *RabbitMQConsumer {
	if prefetch < 1 {
		prefetch = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &RabbitMQConsumer{
		client:   client,
		prefetch: prefetch,
		logger:   logger,
	}
}

func (c *RabbitMQConsumer) Consume(ctx context.Context, queue string, handler MessageHandler) error {
	if c == nil || c.client == nil {
		return fmt.Errorf("consumer is not initialized")
	}
	if queue == "" {
		return fmt.Errorf("queue name is required")
	}
	if handler == nil {
		return fmt.Errorf("message handler is required")
	}

	backoff := reconnectBackoff
	for {
		err := c.consumeOnce(ctx, queue, handler)
		if ctx.Err() != nil {
			return nil
		}
		if err == nil {
			backoff = reconnectBackoff
			continue
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

func (c *RabbitMQConsumer) consumeOnce(ctx context.Context, queue string, handler MessageHandler) error {
	ch, err := c.client.channel(ctx)
	if err != nil {
		return err
	}
	defer ch.Close() //nolint:errcheck // best-effort channel close

	if err := ch.Qos(c.prefetch, 0, false); err != nil {
		return fmt.Errorf("failed to set qos: %w", err)
	}

	deliveries, err := ch.Consume(
		queue,
		"",
		false,
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		return fmt.Errorf("failed to consume queue %q: %w", queue, err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("delivery channel closed")
			}

			if err := c.handleDelivery(ctx, d, handler); err != nil {
				return err
			}
		}
	}
}

// handleDelivery acks sent messages, requeues transient failures and
// dead-letters payloads that can never be sent.
func (c *RabbitMQConsumer) handleDelivery(ctx context.Context, d amqp.Delivery, handler MessageHandler) error {
	logger := c.logger.With(deliveryFields(d)...)

	msg, err := decodeMessage(d.Body)
	if err != nil {
		logger.Warn("sms message rejected: invalid payload", zap.Error(err))
		if rejectErr := d.Reject(false); rejectErr != nil {
			return fmt.Errorf("failed to reject invalid sms message: %w", rejectErr)
		}
		return nil
	}

	ctx = observability.WithCorrelationID(ctx, d.CorrelationId)
	err = handler(ctx, msg)
	switch {
	case err == nil:
		if ackErr := d.Ack(false); ackErr != nil {
			return fmt.Errorf("failed to ack sms message: %w", ackErr)
		}
	case IsPermanent(err):
		logger.Warn("sms message dead-lettered",
			zap.String("config", msg.Config),
			zap.Strings("recipients", msg.Recipients),
			zap.Error(err),
		)
		if rejectErr := d.Reject(false); rejectErr != nil {
			return fmt.Errorf("dispatch failed and reject failed: %w", rejectErr)
		}
	default:
		logger.Warn("sms message requeued", zap.Error(err))
		if nackErr := d.Nack(false, true); nackErr != nil {
			return fmt.Errorf("dispatch failed and nack failed: %w", nackErr)
		}
	}
	return nil
}

func deliveryFields(d amqp.Delivery) []zap.Field {
	fields := []zap.Field{
		zap.String("queue", d.RoutingKey),
		zap.Bool("redelivered", d.Redelivered),
	}
	if d.CorrelationId != "" {
		fields = append(fields, zap.String("motechId", d.CorrelationId))
	}
	if count, ok := failureCountHeader(d.Headers); ok {
		fields = append(fields, zap.Int("failureCount", count))
	}
	return fields
}

func (c *RabbitMQConsumer) Close() error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Close()
}
