package database

import (
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationNormalizeFingerprintTables = "2026-01-15_normalize_fingerprint_tables"

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
		{name: migrationNormalizeFingerprintTables, apply: normalizeFingerprintTables},
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

// normalizeFingerprintTables lowercases table names written before session keys were
// normalized. Rows that would collide with an already normalized row are dropped.
func normalizeFingerprintTables(db *gorm.DB) error {
	return db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Exec(`DELETE FROM session_fingerprints
			WHERE table_name <> lower(trim(table_name))
			AND EXISTS (
				SELECT 1 FROM session_fingerprints AS normalized
				WHERE normalized.session_id = session_fingerprints.session_id
				AND normalized.table_name = lower(trim(session_fingerprints.table_name))
			)`).Error; err != nil {
			return err
		}
		return tx.Exec(`UPDATE session_fingerprints
			SET table_name = lower(trim(table_name))
			WHERE table_name <> lower(trim(table_name))`).Error
	})
}
