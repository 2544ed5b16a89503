package repository

import (
	"context"
	"errors"
	"time"

	"github.com/kursadbilgin/sms-dispatch/internal/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// DueHandler receives one due message. Returning an error keeps the row for
// the next pass.
type DueHandler func(ctx context.Context, scheduled domain.ScheduledSMS) error

type ScheduledRepository interface {
	Create(ctx context.Context, s *domain.ScheduledSMS) error
	ProcessDue(ctx context.Context, limit int, handle DueHandler) (int, error)
}

type GormScheduledRepo struct {
	db  *gorm.DB
	now func() time.Time
}

func NewGormScheduledRepo(db *gorm.DB) *GormScheduledRepo {
	return &GormScheduledRepo{db: db, now: time.Now}
}

func (r *GormScheduledRepo) Create(ctx context.Context, s *domain.ScheduledSMS) error {
	model, err := scheduledModelFromDomain(s)
	if err != nil || model == nil {
		return err
	}
	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		return err
	}
	s.CreatedAt = model.CreatedAt
	return nil
}

// ProcessDue locks up to limit due rows, hands each to handle and deletes the
// rows that were handled. Rows locked by another scanner are skipped.
func (r *GormScheduledRepo) ProcessDue(ctx context.Context, limit int, handle DueHandler) (int, error) {
	var (
		processed int
		errs      []error
	)

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var models []ScheduledSMSModel
		err := tx.
			Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where("run_at <= ?", r.now().UTC()).
			Order("run_at ASC").
			Limit(limit).
			Find(&models).Error
		if err != nil {
			return err
		}

		for i := range models {
			// Undecodable rows are dropped so they cannot block the queue head.
			scheduled, err := scheduledModelToDomain(&models[i])
			if err != nil {
				errs = append(errs, err)
			} else {
				if err := handle(ctx, *scheduled); err != nil {
					errs = append(errs, err)
					continue
				}
				processed++
			}

			if err := tx.Delete(&ScheduledSMSModel{}, "id = ?", models[i].ID).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return processed, err
	}

	return processed, errors.Join(errs...)
}
