package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/parley/internal/messages"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationBackfillMessageType = "2026-09-14_backfill_message_type"
	migrationClearBlankTempIDs   = "2026-09-21_clear_blank_temp_ids"
)

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationBackfillMessageType, apply: backfillMessageType},
		{name: migrationClearBlankTempIDs, apply: clearBlankTempIDs},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := migration.apply(db); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// Rows written before the type column was enforced carry an empty type.
func backfillMessageType(db *gorm.DB) error {
	return db.Model(&messages.Message{}).
		Where("message_type = '' OR message_type IS NULL").
		Update("message_type", messages.MessageTypeText).Error
}

// An empty temp id would collide on the idempotency index; it means "no temp id".
func clearBlankTempIDs(db *gorm.DB) error {
	return db.Model(&messages.Message{}).
		Where("client_temp_id = ''").
		Update("client_temp_id", nil).Error
}
