package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/gather/backend/internal/conversations"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationBackfillParticipantJoinedAt = "2026-09-14_backfill_participant_joined_at"

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
		{name: migrationBackfillParticipantJoinedAt, apply: backfillParticipantJoinedAt},
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

// Participants written before joined_at_s existed take the conversation's creation time.
func backfillParticipantJoinedAt(db *gorm.DB) error {
	return db.Model(&conversations.Participant{}).
		Where("joined_at_s = 0").
		Update("joined_at_s", gorm.Expr(
			"(SELECT created_at_s FROM conversations WHERE conversations.conversation_id = conversation_participants.conversation_id)",
		)).Error
}
