package dispatch

import (
	"context"
	"strings"
	"time"

	"github.com/kursadbilgin/sms-dispatch/internal/domain"
	"github.com/kursadbilgin/sms-dispatch/internal/provider"
	"github.com/kursadbilgin/sms-dispatch/internal/template"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type dispatchGroup struct {
	messageID  string
	recipients []string
}

type recipientFailure struct {
	recipient string
	reason    string
	kind      domain.FailureKind
}

// reconcile turns an interpreted outcome into audit records, events and the
// retry decision. Audit records for an outcome are written before its event.
func (d *Dispatcher) reconcile(
	ctx context.Context,
	msg domain.OutgoingSMS,
	cfg *provider.Config,
	tmpl *template.Template,
	outcome template.Outcome,
	logger *zap.Logger,
	span trace.Span,
) {
	// Sink writes must land even when the caller is shutting down.
	sinkCtx := context.WithoutCancel(ctx)

	var (
		groups       []*dispatchGroup
		groupByID    = make(map[string]*dispatchGroup)
		delivered    = make(map[string]struct{})
		failures     []recipientFailure
		batchReason  = outcome.GeneralFailure
		batchKind    = outcome.GeneralKind
		dispatchedAt = d.now().UTC()
	)

	for _, result := range outcome.Results {
		switch {
		case result.Delivered:
			group, ok := groupByID[result.MessageID]
			if !ok {
				group = &dispatchGroup{messageID: result.MessageID}
				groupByID[result.MessageID] = group
				groups = append(groups, group)
			}
			group.recipients = append(group.recipients, result.Recipient)
			delivered[result.Recipient] = struct{}{}
		case result.Recipient == template.AllRecipients:
			batchReason = result.FailureReason
			batchKind = result.Kind
		default:
			failures = append(failures, recipientFailure{
				recipient: result.Recipient,
				reason:    result.FailureReason,
				kind:      result.Kind,
			})
		}
	}

	// A recipient dispatched by another line of the same response is done.
	failures = withoutDelivered(failures, delivered)
	if batchReason == "" {
		if missing := unaccounted(msg.Recipients, delivered, failures); len(missing) > 0 {
			logger.Warn("provider response did not mention every recipient",
				zap.Strings("recipients", missing),
			)
		}
	}

	for _, group := range groups {
		for _, recipient := range group.recipients {
			logger.Info("sms dispatched",
				zap.String("recipient", recipient),
				zap.String("providerMessageId", group.messageID),
			)
			d.writeAudit(sinkCtx, logger, &domain.AuditRecord{
				Config:            cfg.Name,
				Recipient:         recipient,
				Message:           msg.Message,
				Timestamp:         dispatchedAt,
				Status:            domain.StatusDispatched,
				ProviderMessageID: optional(group.messageID),
				MotechID:          msg.MotechID,
				FailureCount:      msg.FailureCount,
			})
		}
		d.publish(sinkCtx, logger, domain.DeliveryEvent{
			Subject:           domain.StatusDispatched,
			Config:            cfg.Name,
			Recipients:        append([]string(nil), group.recipients...),
			Message:           msg.Message,
			MotechID:          msg.MotechID,
			ProviderMessageID: group.messageID,
			DeliveryTime:      msg.DeliveryTime,
			FailureCount:      msg.FailureCount,
		})
	}
	d.metrics.AddDispatched(cfg.Name, len(delivered))

	if batchReason == "" && len(failures) == 0 {
		span.SetAttributes(attribute.String("sms.status", domain.StatusDispatched.String()))
		return
	}

	pending := pendingRecipients(msg.Recipients, delivered, failures, batchReason != "")
	if len(pending) == 0 {
		logger.Error("unattributed provider failure after every recipient was dispatched",
			zap.String("reason", batchReason),
		)
		return
	}

	failureCount := msg.FailureCount + 1
	status := domain.StatusAborted
	if failureCount < cfg.MaxRetries {
		status = domain.StatusRetrying
	}
	span.SetAttributes(attribute.String("sms.status", status.String()))

	kind := batchKind
	eventReason := batchReason
	if batchReason != "" {
		d.writeAudit(sinkCtx, logger, &domain.AuditRecord{
			Config:        cfg.Name,
			Recipient:     strings.Join(pending, ","),
			Message:       msg.Message,
			Timestamp:     dispatchedAt,
			Status:        status,
			MotechID:      msg.MotechID,
			FailureReason: optional(batchReason),
			FailureCount:  failureCount,
		})
	} else {
		kind = failures[0].kind
		if len(failures) == 1 {
			eventReason = failures[0].reason
		}
		for _, failure := range failures {
			d.writeAudit(sinkCtx, logger, &domain.AuditRecord{
				Config:        cfg.Name,
				Recipient:     failure.recipient,
				Message:       msg.Message,
				Timestamp:     dispatchedAt,
				Status:        status,
				MotechID:      msg.MotechID,
				FailureReason: optional(failure.reason),
				FailureCount:  failureCount,
			})
		}
	}

	d.publish(sinkCtx, logger, domain.DeliveryEvent{
		Subject:       status,
		Config:        cfg.Name,
		Recipients:    pending,
		Message:       msg.Message,
		MotechID:      msg.MotechID,
		DeliveryTime:  msg.DeliveryTime,
		FailureCount:  failureCount,
		FailureReason: eventReason,
	})
	d.metrics.IncFailed(cfg.Name, status.String(), string(kind))

	if status == domain.StatusAborted {
		logger.Error("sms delivery abandoned, maximum retries reached",
			zap.Strings("recipients", pending),
			zap.Int("failureCount", failureCount),
			zap.Int("maxRetries", cfg.MaxRetries),
			zap.String("reason", eventReason),
		)
		return
	}

	next := msg.Retry(pending, failureCount)
	next.Config = cfg.Name
	delay := d.retryDelay(tmpl, failureCount)

	logger.Warn("sms delivery failed, retrying",
		zap.Strings("recipients", pending),
		zap.Int("attempt", failureCount),
		zap.Int("maxRetries", cfg.MaxRetries),
		zap.Duration("delay", delay),
		zap.String("reason", eventReason),
	)

	if err := d.scheduler.Enqueue(sinkCtx, next, delay); err != nil {
		logger.Error("failed to schedule sms retry", zap.Error(err))
		d.metrics.IncSinkError("scheduler")
		return
	}
	d.metrics.IncRetryScheduled(cfg.Name)
}

func (d *Dispatcher) retryDelay(tmpl *template.Template, failureCount int) time.Duration {
	if !tmpl.Outgoing.ExponentialBackOffRetries {
		return 0
	}
	return d.computeRetryDelay(failureCount)
}

func (d *Dispatcher) writeAudit(ctx context.Context, logger *zap.Logger, record *domain.AuditRecord) {
	if record.ID == "" {
		record.ID = d.newID()
	}
	record.Direction = domain.DirectionOutbound

	if err := d.audit.Log(ctx, record); err != nil {
		logger.Error("failed to write sms audit record",
			zap.String("recipient", record.Recipient),
			zap.String("status", record.Status.String()),
			zap.Error(err),
		)
		d.metrics.IncSinkError("audit")
	}
}

func (d *Dispatcher) publish(ctx context.Context, logger *zap.Logger, event domain.DeliveryEvent) {
	if err := d.events.Publish(ctx, event); err != nil {
		logger.Error("failed to publish sms delivery event",
			zap.String("subject", event.Subject.String()),
			zap.Error(err),
		)
		d.metrics.IncSinkError("events")
	}
}

// pendingRecipients lists who still needs the message. An unattributed
// failure covers every recipient that was not dispatched.
func pendingRecipients(
	recipients []string,
	delivered map[string]struct{},
	failures []recipientFailure,
	unattributed bool,
) []string {
	seen := make(map[string]struct{}, len(recipients))
	pending := make([]string, 0, len(recipients))
	add := func(recipient string) {
		if _, ok := delivered[recipient]; ok {
			return
		}
		if _, ok := seen[recipient]; ok {
			return
		}
		seen[recipient] = struct{}{}
		pending = append(pending, recipient)
	}

	for _, failure := range failures {
		add(failure.recipient)
	}
	if unattributed {
		for _, recipient := range recipients {
			add(recipient)
		}
	}
	return pending
}

func withoutDelivered(failures []recipientFailure, delivered map[string]struct{}) []recipientFailure {
	var kept []recipientFailure
	for _, failure := range failures {
		if _, ok := delivered[failure.recipient]; ok {
			continue
		}
		kept = append(kept, failure)
	}
	return kept
}

// unaccounted lists recipients the response neither dispatched nor failed.
func unaccounted(recipients []string, delivered map[string]struct{}, failures []recipientFailure) []string {
	failed := make(map[string]struct{}, len(failures))
	for _, failure := range failures {
		failed[failure.recipient] = struct{}{}
	}

	var missing []string
	for _, recipient := range recipients {
		if _, ok := delivered[recipient]; ok {
			continue
		}
		if _, ok := failed[recipient]; ok {
			continue
		}
		missing = append(missing, recipient)
	}
	return missing
}

func optional(value string) *string {
	if value == "" {
		return nil
	}
	return &value
}
