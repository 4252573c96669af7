package gormstore

import (
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// SchemaVersion is bumped whenever the table layout changes. Serving refuses
// to start against a database that has not been migrated to this version, so
// the engine never probes for optional columns at runtime.
const SchemaVersion = 1

// ErrSchemaOutOfDate signals that Migrate must run before serving.
var ErrSchemaOutOfDate = errors.New("schema out of date, run migrate")

// Migrate applies the table layout and records the schema version.
func Migrate(db *gorm.DB) error {
	err := db.AutoMigrate(
		&CustomerRecord{},
		&AccountRecord{},
		&ChargeRecord{},
		&LedgerLineRecord{},
		&SchemaMigrationRecord{},
	)
	if err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	record := SchemaMigrationRecord{Version: SchemaVersion, AppliedAt: time.Now().UTC()}
	if err := db.Clauses(clause.OnConflict{DoNothing: true}).Create(&record).Error; err != nil {
		return fmt.Errorf("record schema version: %w", err)
	}
	return nil
}

// VerifySchema checks that the database carries the expected schema version.
func VerifySchema(db *gorm.DB) error {
	if !db.Migrator().HasTable(&SchemaMigrationRecord{}) {
		return ErrSchemaOutOfDate
	}
	var record SchemaMigrationRecord
	err := db.Where("version = ?", SchemaVersion).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrSchemaOutOfDate
	}
	if err != nil {
		return fmt.Errorf("verify schema: %w", err)
	}
	return nil
}
