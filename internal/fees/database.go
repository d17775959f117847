package fees

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

func (d *Database) SaveOverride(o *RateOverride) error {
	return d.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "trader_id"}, {Name: "pair_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"maker_bps", "taker_bps", "updated_at"}),
	}).Create(o).Error
}

func (d *Database) DeleteOverride(traderID, pairID string) error {
	return d.db.Unscoped().Where("trader_id = ? AND pair_id = ?", traderID, pairID).Delete(&RateOverride{}).Error
}

func (d *Database) GetOverrides() ([]RateOverride, error) {
	var overrides []RateOverride
	if err := d.db.Find(&overrides).Error; err != nil {
		return nil, err
	}
	return overrides, nil
}

func (d *Database) SaveExempt(account string) error {
	return d.db.Clauses(clause.OnConflict{DoNothing: true}).Create(&ExemptAccount{Account: account}).Error
}

func (d *Database) DeleteExempt(account string) error {
	return d.db.Unscoped().Where("account = ?", account).Delete(&ExemptAccount{}).Error
}

func (d *Database) GetExempt() ([]ExemptAccount, error) {
	var accounts []ExemptAccount
	if err := d.db.Find(&accounts).Error; err != nil {
		return nil, err
	}
	return accounts, nil
}
