package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/campusmarket/client/internal/identity/localidp"
	"github.com/MarcoPoloResearchLab/campusmarket/client/internal/profiles"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationBackfillProfileFullName = "2026-02-10_backfill_profile_full_name"
	migrationLowercaseAuthEmails     = "2026-02-24_lowercase_auth_emails"
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
		{name: migrationBackfillProfileFullName, apply: backfillProfileFullName},
		{name: migrationLowercaseAuthEmails, apply: lowercaseAuthEmails},
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

func backfillProfileFullName(db *gorm.DB) error {
	return db.Model(&profiles.Profile{}).
		Where("full_name IS NULL OR full_name = ''").
		Update("full_name", gorm.Expr("TRIM(COALESCE(first_name, '') || ' ' || COALESCE(last_name, ''))")).Error
}

func lowercaseAuthEmails(db *gorm.DB) error {
	return db.Model(&localidp.Account{}).
		Where("email <> LOWER(email)").
		Update("email", gorm.Expr("LOWER(email)")).Error
}
