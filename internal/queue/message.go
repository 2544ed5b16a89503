package queue

import (
	"encoding/json"
	"fmt"

	"github.com/kursadbilgin/sms-dispatch/internal/domain"
	amqp "github.com/rabbitmq/amqp091-go"
)

const headerFailureCount = "x-failure-count"

func encodeMessage(msg domain.OutgoingSMS) ([]byte, error) {
	if err := msg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid sms message: %w", err)
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal sms message: %w", err)
	}
	return payload, nil
}

func decodeMessage(body []byte) (domain.OutgoingSMS, error) {
	var msg domain.OutgoingSMS
	if err := json.Unmarshal(body, &msg); err != nil {
		return domain.OutgoingSMS{}, fmt.Errorf("invalid JSON: %w", err)
	}
	if err := msg.Validate(); err != nil {
		return msg, err
	}
	return msg, nil
}

// failureCountHeader reads the attempt number stamped by the publisher.
func failureCountHeader(headers amqp.Table) (int, bool) {
	switch v := headers[headerFailureCount].(type) {
	case int8:
		return int(v), true
	case int16:
		return int(v), true
	case int32:
		return int(v), true
	case int64:
		return int(v), true
	case int:
		return v, true
	default:
		return 0, false
	}
}
