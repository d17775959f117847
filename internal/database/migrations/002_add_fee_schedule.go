package migrations

import (
	"github.com/ksred/klear-dex/internal/fees"
	"gorm.io/gorm"
)

// AddFeeSchedule creates the per-trader rate override and zero fee account
// tables.
func AddFeeSchedule(db *gorm.DB) error {
	if err := db.AutoMigrate(&fees.RateOverride{}, &fees.ExemptAccount{}); err != nil {
		return err
	}

	// Overrides are loaded per pair when a pair's schedule is inspected
	return db.Exec(`CREATE INDEX IF NOT EXISTS idx_rate_overrides_pair
		 ON rate_overrides(pair_id)`).Error
}
