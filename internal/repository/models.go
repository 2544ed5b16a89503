package repository

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/kursadbilgin/sms-dispatch/internal/domain"
)

// SmsRecordModel is the persistence model for the sms_records audit table.
type SmsRecordModel struct {
	ID                string                `gorm:"type:uuid;primaryKey"`
	Config            string                `gorm:"type:varchar(100);not null"`
	Direction         domain.Direction      `gorm:"type:varchar(10);not null"`
	Recipient         string                `gorm:"type:text;not null"`
	Message           string                `gorm:"type:text;not null"`
	LoggedAt          time.Time             `gorm:"type:timestamptz;not null"`
	Status            domain.DeliveryStatus `gorm:"type:varchar(20);not null"`
	ProviderMessageID *string               `gorm:"type:varchar(255)"`
	MotechID          string                `gorm:"type:varchar(100)"`
	FailureReason     *string               `gorm:"type:text"`
	FailureCount      int                   `gorm:"not null;default:0"`
	CreatedAt         time.Time
}

func (SmsRecordModel) TableName() string {
	return "sms_records"
}

// ScheduledSMSModel is the persistence model for scheduled_sms. The message
// snapshot is stored as JSON so retries keep their failure count.
type ScheduledSMSModel struct {
	ID        string    `gorm:"type:uuid;primaryKey"`
	RunAt     time.Time `gorm:"type:timestamptz;not null"`
	Config    string    `gorm:"type:varchar(100)"`
	MotechID  string    `gorm:"type:varchar(100)"`
	Payload   []byte    `gorm:"type:jsonb;not null"`
	CreatedAt time.Time
}

func (ScheduledSMSModel) TableName() string {
	return "scheduled_sms"
}

func smsRecordModelFromDomain(r *domain.AuditRecord) *SmsRecordModel {
	if r == nil {
		return nil
	}

	return &SmsRecordModel{
		ID:                r.ID,
		Config:            r.Config,
		Direction:         r.Direction,
		Recipient:         r.Recipient,
		Message:           r.Message,
		LoggedAt:          r.Timestamp,
		Status:            r.Status,
		ProviderMessageID: r.ProviderMessageID,
		MotechID:          r.MotechID,
		FailureReason:     r.FailureReason,
		FailureCount:      r.FailureCount,
	}
}

func smsRecordModelToDomain(m *SmsRecordModel) *domain.AuditRecord {
	if m == nil {
		return nil
	}

	return &domain.AuditRecord{
		ID:                m.ID,
		Config:            m.Config,
		Direction:         m.Direction,
		Recipient:         m.Recipient,
		Message:           m.Message,
		Timestamp:         m.LoggedAt,
		Status:            m.Status,
		ProviderMessageID: m.ProviderMessageID,
		MotechID:          m.MotechID,
		FailureReason:     m.FailureReason,
		FailureCount:      m.FailureCount,
	}
}

func scheduledModelFromDomain(s *domain.ScheduledSMS) (*ScheduledSMSModel, error) {
	if s == nil {
		return nil, nil
	}

	payload, err := json.Marshal(s.Message)
	if err != nil {
		return nil, fmt.Errorf("failed to encode scheduled sms: %w", err)
	}

	return &ScheduledSMSModel{
		ID:        s.ID,
		RunAt:     s.RunAt,
		Config:    s.Message.Config,
		MotechID:  s.Message.MotechID,
		Payload:   payload,
		CreatedAt: s.CreatedAt,
	}, nil
}

func scheduledModelToDomain(m *ScheduledSMSModel) (*domain.ScheduledSMS, error) {
	if m == nil {
		return nil, nil
	}

	var msg domain.OutgoingSMS
	if err := json.Unmarshal(m.Payload, &msg); err != nil {
		return nil, fmt.Errorf("failed to decode scheduled sms %s: %w", m.ID, err)
	}

	return &domain.ScheduledSMS{
		ID:        m.ID,
		RunAt:     m.RunAt,
		Message:   msg,
		CreatedAt: m.CreatedAt,
	}, nil
}
