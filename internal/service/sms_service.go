package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kursadbilgin/sms-dispatch/internal/dispatch"
	"github.com/kursadbilgin/sms-dispatch/internal/domain"
	"github.com/kursadbilgin/sms-dispatch/internal/observability"
	"github.com/kursadbilgin/sms-dispatch/internal/repository"
	"go.uber.org/zap"
)

type AuditReader interface {
	Find(ctx context.Context, criteria domain.AuditCriteria) ([]domain.AuditRecord, int64, error)
}

// SmsService accepts outbound SMS requests and answers audit queries.
type SmsService struct {
	configs   dispatch.ConfigSource
	templates dispatch.TemplateSource
	scheduler dispatch.Scheduler
	audit     AuditReader
	logger    *zap.Logger
	now       func() time.Time
	newID     func() string
}

func NewSmsService(
	configs dispatch.ConfigSource,
	templates dispatch.TemplateSource,
	scheduler dispatch.Scheduler,
	audit AuditReader,
	logger *zap.Logger,
) (*SmsService, error) {
	if configs == nil || templates == nil {
		return nil, fmt.Errorf("config and template sources are required")
	}
	if scheduler == nil {
		return nil, fmt.Errorf("scheduler is required")
	}
	if audit == nil {
		return nil, fmt.Errorf("audit reader is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &SmsService{
		configs:   configs,
		templates: templates,
		scheduler: scheduler,
		audit:     audit,
		logger:    logger,
		now:       time.Now,
		newID:     uuid.NewString,
	}, nil
}

// Send splits msg into the provider calls its template allows and hands each
// one to the scheduler. It returns the queued messages.
func (s *SmsService) Send(ctx context.Context, msg domain.OutgoingSMS) ([]domain.OutgoingSMS, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	prepareOutgoing(&msg)
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	if msg.FailureCount != 0 {
		return nil, fmt.Errorf("%w: failureCount must not be set on new messages", domain.ErrValidation)
	}
	if msg.MotechID == "" {
		msg.MotechID = s.newID()
	}

	cfg, err := s.configs.Config(msg.Config)
	if err != nil {
		return nil, err
	}
	tmpl, err := s.templates.Template(cfg.TemplateName)
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", cfg.Name, err)
	}
	msg.Config = cfg.Name

	var delay time.Duration
	if msg.DeliveryTime != nil {
		delay = msg.DeliveryTime.Sub(s.now())
	}

	batches := tmpl.Batches(msg.Recipients)
	queued := make([]domain.OutgoingSMS, 0, len(batches))
	for _, recipients := range batches {
		part := msg.WithRecipients(recipients)
		if err := s.scheduler.Enqueue(ctx, part, delay); err != nil {
			return queued, err
		}
		queued = append(queued, part)
	}

	observability.ContextLogger(ctx, s.logger).Info("sms accepted",
		zap.String("motechId", msg.MotechID),
		zap.String("config", msg.Config),
		zap.Int("recipients", len(msg.Recipients)),
		zap.Int("batches", len(queued)),
		zap.Duration("delay", max(delay, 0)),
	)
	return queued, nil
}

// Log returns one page of audit records and the total matching count.
func (s *SmsService) Log(ctx context.Context, criteria domain.AuditCriteria) ([]domain.AuditRecord, int64, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	for _, status := range criteria.Statuses {
		if !status.IsValid() {
			return nil, 0, fmt.Errorf("%w: invalid status %q", domain.ErrValidation, status)
		}
	}
	if criteria.From != nil && criteria.To != nil && criteria.From.After(*criteria.To) {
		return nil, 0, fmt.Errorf("%w: from must not be after to", domain.ErrValidation)
	}
	criteria.Page, criteria.PageSize = repository.NormalizePage(criteria.Page, criteria.PageSize)

	return s.audit.Find(ctx, criteria)
}

func prepareOutgoing(msg *domain.OutgoingSMS) {
	recipients := make([]string, 0, len(msg.Recipients))
	for _, recipient := range msg.Recipients {
		recipients = append(recipients, strings.TrimSpace(recipient))
	}
	msg.Recipients = recipients
	msg.Config = strings.TrimSpace(msg.Config)
	msg.MotechID = strings.TrimSpace(msg.MotechID)
	if msg.DeliveryTime != nil {
		deliveryTime := msg.DeliveryTime.UTC()
		msg.DeliveryTime = &deliveryTime
	}
}
