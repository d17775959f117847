package database

import (
	"fmt"

	"github.com/ksred/klear-dex/internal/custody"
	"github.com/ksred/klear-dex/internal/database/migrations"
	"github.com/ksred/klear-dex/internal/registry"
	"github.com/ksred/klear-dex/internal/trading"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// NewDatabase opens the sqlite database at path and brings its schema up to date
func NewDatabase(path string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := Migrate(db); err != nil {
		return nil, err
	}
	return db, nil
}

// Migrate runs the versioned migrations, then auto-migrates the remaining schemas
func Migrate(db *gorm.DB) error {
	if err := migrations.AddStatusHistory(db); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	if err := migrations.AddFeeSchedule(db); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	err := db.AutoMigrate(
		&registry.PairRecord{},
		&custody.BalanceRecord{},
		&trading.IdempotencyRecord{},
	)
	if err != nil {
		return fmt.Errorf("failed to auto-migrate: %w", err)
	}

	return nil
}
