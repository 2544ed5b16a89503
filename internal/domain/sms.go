package domain

import (
	"fmt"
	"strings"
	"time"
)

// DeliveryStatus represents the outcome recorded for an outbound SMS.
type DeliveryStatus string

const (
	StatusDispatched DeliveryStatus = "DISPATCHED"
	StatusRetrying   DeliveryStatus = "RETRYING"
	StatusAborted    DeliveryStatus = "ABORTED"
)

func (s DeliveryStatus) String() string { return string(s) }

func (s DeliveryStatus) IsValid() bool {
	switch s {
	case StatusDispatched, StatusRetrying, StatusAborted:
		return true
	}
	return false
}

func ParseStatusFromString(s string) (DeliveryStatus, error) {
	st := DeliveryStatus(strings.ToUpper(strings.TrimSpace(s)))
	if !st.IsValid() {
		return "", fmt.Errorf("%w: invalid status %q", ErrValidation, s)
	}
	return st, nil
}

// Direction of an audited SMS. Only outbound traffic is produced here.
type Direction string

const DirectionOutbound Direction = "OUTBOUND"

// FailureKind classifies why a send attempt did not dispatch.
type FailureKind string

const (
	FailureTransport   FailureKind = "transport"
	FailureRejected    FailureKind = "rejected"
	FailureUnparseable FailureKind = "unparseable"
)

// MaxMessageLength bounds the message body accepted for a single send.
const MaxMessageLength = 1600

// OutgoingSMS is one immutable send attempt. Retries are new snapshots built
// with Retry, never mutations of the original.
type OutgoingSMS struct {
	Recipients   []string   `json:"recipients"`
	Message      string     `json:"message"`
	Config       string     `json:"config,omitempty"`
	MotechID     string     `json:"motechId,omitempty"`
	DeliveryTime *time.Time `json:"deliveryTime,omitempty"`
	FailureCount int        `json:"failureCount"`
}

func (m *OutgoingSMS) Validate() error {
	if len(m.Recipients) == 0 {
		return fmt.Errorf("%w: at least one recipient is required", ErrValidation)
	}
	for i, r := range m.Recipients {
		if strings.TrimSpace(r) == "" {
			return fmt.Errorf("%w: recipient %d is empty", ErrValidation, i)
		}
	}
	if strings.TrimSpace(m.Message) == "" {
		return fmt.Errorf("%w: message is required", ErrValidation)
	}
	if n := len([]rune(m.Message)); n > MaxMessageLength {
		return fmt.Errorf("%w: message exceeds %d characters (got %d)", ErrValidation, MaxMessageLength, n)
	}
	if m.FailureCount < 0 {
		return fmt.Errorf("%w: failureCount must be >= 0", ErrValidation)
	}
	return nil
}

// Retry returns the snapshot for the next attempt covering recipients.
func (m OutgoingSMS) Retry(recipients []string, failureCount int) OutgoingSMS {
	next := m
	next.Recipients = append([]string(nil), recipients...)
	next.FailureCount = failureCount
	next.DeliveryTime = nil
	return next
}

// WithRecipients returns a copy addressed to recipients only.
func (m OutgoingSMS) WithRecipients(recipients []string) OutgoingSMS {
	next := m
	next.Recipients = append([]string(nil), recipients...)
	return next
}
