package custody

import (
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

// SaveBalances upserts the given checkpoints in a single transaction.
func (d *Database) SaveBalances(records []BalanceRecord) error {
	if len(records) == 0 {
		return nil
	}
	return d.db.Transaction(func(tx *gorm.DB) error {
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "trader_id"}, {Name: "currency"}},
			DoUpdates: clause.AssignmentColumns([]string{"available", "locked", "updated_at"}),
		}).Create(&records).Error
	})
}

func (d *Database) GetBalances() ([]BalanceRecord, error) {
	var records []BalanceRecord
	if err := d.db.Order("trader_id, currency").Find(&records).Error; err != nil {
		return nil, err
	}
	return records, nil
}

func (d *Database) GetTraderBalances(traderID string) ([]BalanceRecord, error) {
	var records []BalanceRecord
	if err := d.db.Where("trader_id = ?", traderID).Order("currency").Find(&records).Error; err != nil {
		return nil, err
	}
	return records, nil
}
