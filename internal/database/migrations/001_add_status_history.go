package migrations

import (
	"github.com/ksred/klear-dex/internal/trading"
	"gorm.io/gorm"
)

// AddStatusHistory creates the order status history and fill tables and the
// indexes the per-trader history queries use.
func AddStatusHistory(db *gorm.DB) error {
	if err := db.AutoMigrate(&trading.StatusChangeRecord{}, &trading.FillRecord{}); err != nil {
		return err
	}

	indexes := []string{
		// Per-trader history, newest first
		`CREATE INDEX IF NOT EXISTS idx_status_change_records_trader
		 ON status_change_records(trader_id, id)`,

		`CREATE INDEX IF NOT EXISTS idx_status_change_records_order
		 ON status_change_records(order_id)`,

		`CREATE INDEX IF NOT EXISTS idx_status_change_records_pair_status
		 ON status_change_records(pair_id, status)`,

		// Fills are looked up from either side
		`CREATE INDEX IF NOT EXISTS idx_fill_records_maker
		 ON fill_records(maker_trader_id, id)`,

		`CREATE INDEX IF NOT EXISTS idx_fill_records_taker
		 ON fill_records(taker_trader_id, id)`,

		`CREATE INDEX IF NOT EXISTS idx_fill_records_pair_timestamp
		 ON fill_records(pair_id, timestamp)`,
	}

	for _, idx := range indexes {
		if err := db.Exec(idx).Error; err != nil {
			return err
		}
	}

	return nil
}
