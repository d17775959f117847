package trading

import (
	"errors"
	"time"

	"github.com/ksred/klear-dex/internal/types"
	"gorm.io/gorm"
)

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

// SaveReport appends one committed transaction's changes and fills.
func (d *Database) SaveReport(report types.Report) error {
	if len(report.Changes) == 0 && len(report.Fills) == 0 {
		return nil
	}
	return d.db.Transaction(func(tx *gorm.DB) error {
		if len(report.Changes) > 0 {
			records := make([]StatusChangeRecord, 0, len(report.Changes))
			for _, c := range report.Changes {
				records = append(records, StatusChangeRecord{
					Seq:           c.Seq,
					PairID:        c.PairID,
					TraderID:      c.TraderID,
					ClientOrderID: c.ClientOrderID,
					OrderID:       c.OrderID,
					Status:        string(c.Status),
					Code:          string(c.Code),
					Order:         c.Order,
					Timestamp:     c.Timestamp,
				})
			}
			if err := tx.Create(&records).Error; err != nil {
				return err
			}
		}
		if len(report.Fills) > 0 {
			records := make([]FillRecord, 0, len(report.Fills))
			for _, f := range report.Fills {
				records = append(records, FillRecord{
					FillID:        f.ID,
					Seq:           f.Seq,
					PairID:        f.PairID,
					MakerOrderID:  f.MakerOrderID,
					TakerOrderID:  f.TakerOrderID,
					MakerTraderID: f.MakerTraderID,
					TakerTraderID: f.TakerTraderID,
					Fill:          f,
					Timestamp:     f.Timestamp,
				})
			}
			if err := tx.Create(&records).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

// GetTraderChanges returns a trader's most recent status changes, newest first.
func (d *Database) GetTraderChanges(traderID string, limit int) ([]types.StatusChange, error) {
	var records []StatusChangeRecord
	if err := d.db.Where("trader_id = ?", traderID).Order("id desc").Limit(limit).Find(&records).Error; err != nil {
		return nil, err
	}
	changes := make([]types.StatusChange, 0, len(records))
	for _, r := range records {
		changes = append(changes, r.change())
	}
	return changes, nil
}

// GetTraderFills returns fills the trader took part in on either side.
func (d *Database) GetTraderFills(traderID string, limit int) ([]types.Fill, error) {
	var records []FillRecord
	err := d.db.Where("maker_trader_id = ? OR taker_trader_id = ?", traderID, traderID).
		Order("id desc").Limit(limit).Find(&records).Error
	if err != nil {
		return nil, err
	}
	fills := make([]types.Fill, 0, len(records))
	for _, r := range records {
		fills = append(fills, r.Fill)
	}
	return fills, nil
}

// GetOrderChanges returns every recorded change of one order, oldest first.
func (d *Database) GetOrderChanges(orderID string) ([]types.StatusChange, error) {
	var records []StatusChangeRecord
	if err := d.db.Where("order_id = ?", orderID).Order("id").Find(&records).Error; err != nil {
		return nil, err
	}
	changes := make([]types.StatusChange, 0, len(records))
	for _, r := range records {
		changes = append(changes, r.change())
	}
	return changes, nil
}

// GetIdempotencyRecord returns a live record for key, or nil when there is none.
func (d *Database) GetIdempotencyRecord(key string) (*IdempotencyRecord, error) {
	var record IdempotencyRecord
	if err := d.db.Where("idempotency_key = ?", key).First(&record).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	if record.ExpiresAt.Before(time.Now()) {
		return nil, nil
	}
	return &record, nil
}

// SaveIdempotencyRecord stores a response, replacing an expired record.
func (d *Database) SaveIdempotencyRecord(record *IdempotencyRecord) error {
	return d.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Unscoped().Where("idempotency_key = ? AND expires_at < ?", record.IdempotencyKey, time.Now()).
			Delete(&IdempotencyRecord{}).Error; err != nil {
			return err
		}
		return tx.Create(record).Error
	})
}

func (r StatusChangeRecord) change() types.StatusChange {
	return types.StatusChange{
		Seq:           r.Seq,
		PairID:        r.PairID,
		TraderID:      r.TraderID,
		ClientOrderID: r.ClientOrderID,
		OrderID:       r.OrderID,
		Status:        types.Status(r.Status),
		Code:          types.Code(r.Code),
		Order:         r.Order,
		Timestamp:     r.Timestamp,
	}
}
