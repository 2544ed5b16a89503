package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/kursadbilgin/sms-dispatch/internal/domain"
	"github.com/kursadbilgin/sms-dispatch/internal/observability"
	"github.com/kursadbilgin/sms-dispatch/internal/queue"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const minWorkerConcurrency = 1

// Sender performs one send attempt.
type Sender interface {
	Send(ctx context.Context, msg domain.OutgoingSMS) error
}

type WorkerService struct {
	sender      Sender
	consumer    queue.Consumer
	logger      *zap.Logger
	metrics     *observability.Metrics
	concurrency int
}

func NewWorkerService(
	sender Sender,
	consumer queue.Consumer,
	concurrency int,
	logger *zap.Logger,
) (*WorkerService, error) {
	if sender == nil {
		return nil, fmt.Errorf("sender is required")
	}
	if consumer == nil {
		return nil, fmt.Errorf("consumer is required")
	}
	if concurrency < minWorkerConcurrency {
		concurrency = minWorkerConcurrency
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &WorkerService{
		sender:      sender,
		consumer:    consumer,
		logger:      logger,
		concurrency: concurrency,
	}, nil
}

// Start consumes the send queue and dispatches messages until context cancellation.
func (s *WorkerService) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	g, groupCtx := errgroup.WithContext(ctx)
	for i := 0; i < s.concurrency; i++ {
		workerID := i + 1

		g.Go(func() error {
			s.logger.Info("worker started",
				zap.Int("workerId", workerID),
				zap.String("queue", queue.SendQueue),
			)

			err := s.consumer.Consume(groupCtx, queue.SendQueue, s.processMessage)
			if err != nil {
				s.logger.Error("worker stopped with error",
					zap.Int("workerId", workerID),
					zap.String("queue", queue.SendQueue),
					zap.Error(err),
				)
				return err
			}

			s.logger.Info("worker stopped",
				zap.Int("workerId", workerID),
				zap.String("queue", queue.SendQueue),
			)
			return nil
		})
	}

	return g.Wait()
}

func (s *WorkerService) processMessage(ctx context.Context, msg domain.OutgoingSMS) error {
	s.metrics.IncWorkerInFlight(queue.SendQueue)
	defer s.metrics.DecWorkerInFlight(queue.SendQueue)

	err := s.sender.Send(ctx, msg)
	if err == nil {
		return nil
	}

	if errors.Is(err, domain.ErrValidation) || errors.Is(err, domain.ErrConfiguration) {
		s.logger.Error("sms cannot be dispatched",
			zap.String("motechId", msg.MotechID),
			zap.String("config", msg.Config),
			zap.Error(err),
		)
		return queue.Permanent(err)
	}

	// Delivery failures are already audited and rescheduled by the sender.
	s.logger.Error("sms dispatch failed",
		zap.String("motechId", msg.MotechID),
		zap.Error(err),
	)
	return nil
}

func (s *WorkerService) SetMetrics(metrics *observability.Metrics) {
	if s == nil {
		return
	}
	s.metrics = metrics
}
