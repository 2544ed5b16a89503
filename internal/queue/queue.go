package queue

import (
	"context"
	"errors"
	"strings"

	"github.com/kursadbilgin/sms-dispatch/internal/domain"
)

const (
	// SendQueue carries send attempts to the worker.
	SendQueue = "sms.send"
	// SendDLQ receives send attempts rejected as permanently undeliverable.
	SendDLQ = "dlq.sms.send"
	// EventsExchange is the topic exchange delivery events are published to.
	EventsExchange = "sms.events"

	dlxExchangeName = "sms.dlx"
	eventKeyPrefix  = "sms.outbound."
)

// Publisher publishes send attempts to a queue.
type Publisher interface {
	Publish(ctx context.Context, queue string, msg domain.OutgoingSMS) error
	Close() error
}

// MessageHandler handles a consumed send attempt.
type MessageHandler func(ctx context.Context, msg domain.OutgoingSMS) error

// Consumer consumes send attempts from a queue.
type Consumer interface {
	Consume(ctx context.Context, queue string, handler MessageHandler) error
	Close() error
}

// EventRoutingKey returns the topic routing key for a delivery status, e.g.
// sms.outbound.dispatched.
func EventRoutingKey(status domain.DeliveryStatus) string {
	return eventKeyPrefix + strings.ToLower(status.String())
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }

func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks a handler error as not worth redelivering. The consumer
// dead-letters such messages instead of requeueing them.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}
