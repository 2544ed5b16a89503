package handler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/kursadbilgin/sms-dispatch/internal/domain"
	"github.com/kursadbilgin/sms-dispatch/internal/observability"
)

const (
	defaultPage     = 1
	defaultPageSize = 50
	maxPageSize     = 100
)

type SmsService interface {
	Send(ctx context.Context, msg domain.OutgoingSMS) ([]domain.OutgoingSMS, error)
	Log(ctx context.Context, criteria domain.AuditCriteria) ([]domain.AuditRecord, int64, error)
}

type SmsHandler struct {
	service SmsService
}

func NewSmsHandler(service SmsService) (*SmsHandler, error) {
	if service == nil {
		return nil, fmt.Errorf("sms service is required")
	}
	return &SmsHandler{service: service}, nil
}

func RegisterSmsRoutes(router fiber.Router, service SmsService) error {
	h, err := NewSmsHandler(service)
	if err != nil {
		return err
	}

	v1 := router.Group("/v1")
	v1.Post("/sms", h.SendSMS)
	v1.Get("/sms/log", h.ListLog)

	return nil
}

type sendSMSRequest struct {
	Recipients   []string `json:"recipients"`
	Message      string   `json:"message"`
	Config       string   `json:"config"`
	MotechID     string   `json:"motechId"`
	DeliveryTime string   `json:"deliveryTime"`
}

type queuedMessageResponse struct {
	MotechID     string     `json:"motechId"`
	Recipients   []string   `json:"recipients"`
	Config       string     `json:"config"`
	DeliveryTime *time.Time `json:"deliveryTime,omitempty"`
}

type sendSMSResponse struct {
	Messages []queuedMessageResponse `json:"messages"`
}

type auditRecordResponse struct {
	ID                string    `json:"id"`
	Config            string    `json:"config"`
	Direction         string    `json:"direction"`
	Recipient         string    `json:"recipient"`
	Message           string    `json:"message"`
	Timestamp         time.Time `json:"timestamp"`
	Status            string    `json:"status"`
	ProviderMessageID *string   `json:"providerMessageId,omitempty"`
	MotechID          string    `json:"motechId"`
	FailureReason     *string   `json:"failureReason,omitempty"`
	FailureCount      int       `json:"failureCount"`
}

type listLogResponse struct {
	Data []auditRecordResponse `json:"data"`
	Meta listMeta              `json:"meta"`
}

type listMeta struct {
	Page     int   `json:"page"`
	PageSize int   `json:"pageSize"`
	Total    int64 `json:"total"`
}

func (h *SmsHandler) SendSMS(c *fiber.Ctx) error {
	var req sendSMSRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}

	deliveryTime, err := parseRFC3339Query(req.DeliveryTime, "deliveryTime")
	if err != nil {
		return toHTTPError(err)
	}

	msg := domain.OutgoingSMS{
		Recipients:   req.Recipients,
		Message:      req.Message,
		Config:       req.Config,
		MotechID:     strings.TrimSpace(req.MotechID),
		DeliveryTime: deliveryTime,
	}
	if msg.MotechID == "" {
		msg.MotechID = requestCorrelationID(c)
	}

	ctx := observability.WithCorrelationID(c.UserContext(), msg.MotechID)
	queued, err := h.service.Send(ctx, msg)
	if err != nil {
		return toHTTPError(err)
	}

	messages := make([]queuedMessageResponse, 0, len(queued))
	for _, q := range queued {
		messages = append(messages, queuedMessageResponse{
			MotechID:     q.MotechID,
			Recipients:   q.Recipients,
			Config:       q.Config,
			DeliveryTime: q.DeliveryTime,
		})
	}

	return c.Status(fiber.StatusAccepted).JSON(sendSMSResponse{Messages: messages})
}

func (h *SmsHandler) ListLog(c *fiber.Ctx) error {
	criteria, err := parseAuditCriteria(c)
	if err != nil {
		return toHTTPError(err)
	}

	records, total, err := h.service.Log(c.UserContext(), criteria)
	if err != nil {
		return toHTTPError(err)
	}

	data := make([]auditRecordResponse, 0, len(records))
	for _, r := range records {
		data = append(data, toAuditRecordResponse(r))
	}

	return c.Status(fiber.StatusOK).JSON(listLogResponse{
		Data: data,
		Meta: listMeta{
			Page:     criteria.Page,
			PageSize: criteria.PageSize,
			Total:    total,
		},
	})
}

func parseAuditCriteria(c *fiber.Ctx) (domain.AuditCriteria, error) {
	criteria := domain.AuditCriteria{
		Config:    strings.TrimSpace(c.Query("config")),
		Recipient: strings.TrimSpace(c.Query("recipient")),
		MotechID:  strings.TrimSpace(c.Query("motechId")),
		Page:      c.QueryInt("page", defaultPage),
		PageSize:  c.QueryInt("pageSize", defaultPageSize),
	}

	if criteria.Page < 1 {
		return domain.AuditCriteria{}, fmt.Errorf("%w: page must be >= 1", domain.ErrValidation)
	}
	if criteria.PageSize < 1 || criteria.PageSize > maxPageSize {
		return domain.AuditCriteria{}, fmt.Errorf("%w: pageSize must be between 1 and %d", domain.ErrValidation, maxPageSize)
	}

	for _, raw := range strings.Split(c.Query("status"), ",") {
		if strings.TrimSpace(raw) == "" {
			continue
		}
		status, err := domain.ParseStatusFromString(raw)
		if err != nil {
			return domain.AuditCriteria{}, err
		}
		criteria.Statuses = append(criteria.Statuses, status)
	}

	from, err := parseRFC3339Query(c.Query("from"), "from")
	if err != nil {
		return domain.AuditCriteria{}, err
	}
	to, err := parseRFC3339Query(c.Query("to"), "to")
	if err != nil {
		return domain.AuditCriteria{}, err
	}
	criteria.From = from
	criteria.To = to

	return criteria, nil
}

func parseRFC3339Query(value string, field string) (*time.Time, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, nil
	}

	t, err := time.Parse(time.RFC3339, trimmed)
	if err != nil {
		return nil, fmt.Errorf("%w: %s must be RFC3339", domain.ErrValidation, field)
	}
	return &t, nil
}

func requestCorrelationID(c *fiber.Ctx) string {
	if value := strings.TrimSpace(c.Get(fiber.HeaderXRequestID)); value != "" {
		return value
	}
	if value, ok := c.Locals("requestid").(string); ok {
		return strings.TrimSpace(value)
	}
	return ""
}

func toAuditRecordResponse(r domain.AuditRecord) auditRecordResponse {
	return auditRecordResponse{
		ID:                r.ID,
		Config:            r.Config,
		Direction:         string(r.Direction),
		Recipient:         r.Recipient,
		Message:           r.Message,
		Timestamp:         r.Timestamp,
		Status:            string(r.Status),
		ProviderMessageID: r.ProviderMessageID,
		MotechID:          r.MotechID,
		FailureReason:     r.FailureReason,
		FailureCount:      r.FailureCount,
	}
}

func toHTTPError(err error) error {
	switch {
	case errors.Is(err, domain.ErrValidation):
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrNotFound):
		return fiber.NewError(fiber.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrConfiguration):
		return fiber.NewError(fiber.StatusUnprocessableEntity, err.Error())
	default:
		return err
	}
}
