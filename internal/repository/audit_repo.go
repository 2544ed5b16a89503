package repository

import (
	"context"
	"strings"

	"github.com/kursadbilgin/sms-dispatch/internal/domain"
	"gorm.io/gorm"
)

const (
	defaultPageSize = 50
	maxPageSize     = 100
)

type AuditRepository interface {
	Log(ctx context.Context, record *domain.AuditRecord) error
	Find(ctx context.Context, criteria domain.AuditCriteria) ([]domain.AuditRecord, int64, error)
}

type GormAuditRepo struct {
	db *gorm.DB
}

func NewGormAuditRepo(db *gorm.DB) *GormAuditRepo {
	return &GormAuditRepo{db: db}
}

func (r *GormAuditRepo) Log(ctx context.Context, record *domain.AuditRecord) error {
	model := smsRecordModelFromDomain(record)
	if model == nil {
		return nil
	}
	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		return err
	}
	*record = *smsRecordModelToDomain(model)
	return nil
}

// Find returns one page of audit records, newest first, and the total count.
// A recipient filter also matches batch records that list the recipient.
func (r *GormAuditRepo) Find(ctx context.Context, criteria domain.AuditCriteria) ([]domain.AuditRecord, int64, error) {
	query := r.db.WithContext(ctx).Model(&SmsRecordModel{})

	if config := strings.TrimSpace(criteria.Config); config != "" {
		query = query.Where("config = ?", config)
	}
	if recipient := strings.TrimSpace(criteria.Recipient); recipient != "" {
		patterns := recipientPatterns(recipient)
		query = query.Where(
			"recipient = ? OR recipient LIKE ? OR recipient LIKE ? OR recipient LIKE ?",
			recipient, patterns[0], patterns[1], patterns[2],
		)
	}
	if motechID := strings.TrimSpace(criteria.MotechID); motechID != "" {
		query = query.Where("motech_id = ?", motechID)
	}
	if len(criteria.Statuses) > 0 {
		query = query.Where("status IN ?", criteria.Statuses)
	}
	if criteria.From != nil {
		query = query.Where("logged_at >= ?", *criteria.From)
	}
	if criteria.To != nil {
		query = query.Where("logged_at <= ?", *criteria.To)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	page, pageSize := NormalizePage(criteria.Page, criteria.PageSize)

	var models []SmsRecordModel
	err := query.
		Order("logged_at DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&models).Error
	if err != nil {
		return nil, 0, err
	}

	records := make([]domain.AuditRecord, 0, len(models))
	for i := range models {
		records = append(records, *smsRecordModelToDomain(&models[i]))
	}

	return records, total, nil
}

// NormalizePage applies the default and maximum page size.
func NormalizePage(page int, pageSize int) (int, int) {
	page = max(page, 1)
	if pageSize < 1 {
		pageSize = defaultPageSize
	}
	return page, min(pageSize, maxPageSize)
}

func recipientPatterns(recipient string) [3]string {
	escaped := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(recipient)
	return [3]string{escaped + ",%", "%," + escaped, "%," + escaped + ",%"}
}
