package domain

import "time"

// AuditRecord is an append-only outcome entry for one recipient, or for a
// whole batch when the failure was not attributable to a single recipient.
type AuditRecord struct {
	ID                string
	Config            string
	Direction         Direction
	Recipient         string
	Message           string
	Timestamp         time.Time
	Status            DeliveryStatus
	ProviderMessageID *string
	MotechID          string
	FailureReason     *string
	FailureCount      int
}

// DeliveryEvent announces one logical outcome to downstream subscribers.
type DeliveryEvent struct {
	Subject           DeliveryStatus `json:"subject"`
	Config            string         `json:"config"`
	Recipients        []string       `json:"recipients"`
	Message           string         `json:"message"`
	MotechID          string         `json:"motechId"`
	ProviderMessageID string         `json:"providerMessageId,omitempty"`
	DeliveryTime      *time.Time     `json:"deliveryTime,omitempty"`
	FailureCount      int            `json:"failureCount"`
	FailureReason     string         `json:"failureReason,omitempty"`
}

// AuditCriteria filters audit log queries.
type AuditCriteria struct {
	Config    string
	Recipient string
	MotechID  string
	Statuses  []DeliveryStatus
	From      *time.Time
	To        *time.Time
	Page      int
	PageSize  int
}
