package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/kursadbilgin/sms-dispatch/internal/domain"
	"github.com/kursadbilgin/sms-dispatch/internal/queue"
	"github.com/kursadbilgin/sms-dispatch/internal/repository"
	"go.uber.org/zap"
)

const (
	defaultSchedulerScanInterval = 5 * time.Second
	defaultSchedulerScanLimit    = 100
)

// SmsScheduler hands send attempts to the worker queue, parking the ones
// that are not due yet in the scheduled_sms table until their run time.
type SmsScheduler struct {
	scheduled repository.ScheduledRepository
	publisher queue.Publisher
	logger    *zap.Logger
	interval  time.Duration
	limit     int
	now       func() time.Time
	newID     func() string
}

func NewSmsScheduler(
	scheduled repository.ScheduledRepository,
	publisher queue.Publisher,
	interval time.Duration,
	limit int,
	logger *zap.Logger,
) (*SmsScheduler, error) {
	if scheduled == nil {
		return nil, fmt.Errorf("scheduled repository is required")
	}
	if publisher == nil {
		return nil, fmt.Errorf("publisher is required")
	}
	if interval <= 0 {
		interval = defaultSchedulerScanInterval
	}
	if limit <= 0 {
		limit = defaultSchedulerScanLimit
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &SmsScheduler{
		scheduled: scheduled,
		publisher: publisher,
		logger:    logger,
		interval:  interval,
		limit:     limit,
		now:       time.Now,
		newID:     uuid.NewString,
	}, nil
}

// Enqueue publishes msg now when delay has elapsed, otherwise stores it for
// the scan loop.
func (s *SmsScheduler) Enqueue(ctx context.Context, msg domain.OutgoingSMS, delay time.Duration) error {
	if ctx == nil {
		ctx = context.Background()
	}

	if delay <= 0 {
		if err := s.publisher.Publish(ctx, queue.SendQueue, msg); err != nil {
			return fmt.Errorf("failed to enqueue sms: %w", err)
		}
		return nil
	}

	scheduled := &domain.ScheduledSMS{
		ID:      s.newID(),
		RunAt:   s.now().Add(delay).UTC(),
		Message: msg,
	}
	if err := s.scheduled.Create(ctx, scheduled); err != nil {
		return fmt.Errorf("failed to schedule sms: %w", err)
	}

	s.logger.Debug("sms scheduled",
		zap.String("motechId", msg.MotechID),
		zap.Time("runAt", scheduled.RunAt),
		zap.Int("failureCount", msg.FailureCount),
	)
	return nil
}

func (s *SmsScheduler) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	if err := s.scanDue(ctx); err != nil && ctx.Err() == nil {
		s.logger.Error("scheduler initial scan failed", zap.Error(err))
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := s.scanDue(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				s.logger.Error("scheduler scan failed", zap.Error(err))
			}
		}
	}
}

func (s *SmsScheduler) scanDue(ctx context.Context) error {
	published, err := s.scheduled.ProcessDue(ctx, s.limit, func(ctx context.Context, scheduled domain.ScheduledSMS) error {
		if err := s.publisher.Publish(ctx, queue.SendQueue, scheduled.Message); err != nil {
			s.logger.Error("failed to enqueue scheduled sms",
				zap.String("scheduledId", scheduled.ID),
				zap.String("motechId", scheduled.Message.MotechID),
				zap.Error(err),
			)
			return err
		}
		return nil
	})
	if published > 0 {
		s.logger.Info("scheduled sms enqueued", zap.Int("count", published))
	}
	if err != nil {
		return fmt.Errorf("failed to process due scheduled sms: %w", err)
	}
	return nil
}
