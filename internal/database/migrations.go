package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/claimsync/internal/claims"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationBackfillRecordVersions = "2026-09-01_backfill_record_versions"
	migrationTrimProviderIDs        = "2026-09-14_trim_provider_ids"
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
		{name: migrationBackfillRecordVersions, apply: backfillRecordVersions},
		{name: migrationTrimProviderIDs, apply: trimProviderIDs},
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

// Rows written before versioning carry version 0.
func backfillRecordVersions(db *gorm.DB) error {
	return db.Model(&claims.Record{}).
		Where("version < ?", 1).
		Update("version", 1).Error
}

func trimProviderIDs(db *gorm.DB) error {
	if err := db.Exec("UPDATE claim_records SET provider_id = trim(provider_id) WHERE provider_id <> trim(provider_id);").Error; err != nil {
		return err
	}
	return db.Exec("UPDATE claim_record_changes SET provider_id = trim(provider_id) WHERE provider_id <> trim(provider_id);").Error
}
