package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"github.com/kursadbilgin/sms-dispatch/internal/repository"
	"gorm.io/gorm"
)

func createSmsRecordsTable() *gormigrate.Migration {
	return &gormigrate.Migration{
		ID: "000001_create_sms_records",
		Migrate: func(tx *gorm.DB) error {
			if err := tx.AutoMigrate(&repository.SmsRecordModel{}); err != nil {
				return err
			}
			indexes := []string{
				`CREATE INDEX IF NOT EXISTS idx_sms_records_config_logged ON sms_records (config, logged_at DESC)`,
				`CREATE INDEX IF NOT EXISTS idx_sms_records_status_logged ON sms_records (status, logged_at DESC)`,
				`CREATE INDEX IF NOT EXISTS idx_sms_records_recipient ON sms_records (recipient)`,
				`CREATE INDEX IF NOT EXISTS idx_sms_records_motech_id ON sms_records (motech_id) WHERE motech_id <> ''`,
			}
			for _, sql := range indexes {
				if err := tx.Exec(sql).Error; err != nil {
					return err
				}
			}
			return nil
		},
		Rollback: func(tx *gorm.DB) error {
			return tx.Migrator().DropTable(&repository.SmsRecordModel{})
		},
	}
}
