package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/contextseq/internal/counters"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationDispatchLookupIndex = "2026-10-01_dispatch_lookup_index"
	dispatchLookupIndexName      = "idx_counter_definitions_dispatch"
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
		{name: migrationDispatchLookupIndex, apply: createDispatchLookupIndex},
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

// createDispatchLookupIndex covers the per-write lookup of active definitions of a
// collection in counter id order.
func createDispatchLookupIndex(db *gorm.DB) error {
	table := counters.Definition{}.TableName()
	return db.Exec("CREATE INDEX IF NOT EXISTS " + dispatchLookupIndexName +
		" ON " + table + " (target_collection, active, counter_id)").Error
}
