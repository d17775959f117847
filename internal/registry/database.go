package registry

import (
	"github.com/ksred/klear-dex/internal/types"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

func (d *Database) SavePair(p types.TradePair) error {
	record := PairRecord{PairID: p.ID, Config: p}
	return d.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "pair_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"config", "updated_at"}),
	}).Create(&record).Error
}

func (d *Database) DeletePair(pairID string) error {
	return d.db.Unscoped().Where("pair_id = ?", pairID).Delete(&PairRecord{}).Error
}

func (d *Database) GetPairs() ([]types.TradePair, error) {
	var records []PairRecord
	if err := d.db.Order("pair_id").Find(&records).Error; err != nil {
		return nil, err
	}
	pairs := make([]types.TradePair, 0, len(records))
	for _, r := range records {
		pairs = append(pairs, r.Config)
	}
	return pairs, nil
}
