package custody

import (
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// BalanceRecord is the persisted checkpoint of one trader's balance in one currency.
type BalanceRecord struct {
	gorm.Model `json:"-"`
	TraderID   string          `gorm:"uniqueIndex:idx_balance_owner" json:"trader_id"`
	Currency   string          `gorm:"uniqueIndex:idx_balance_owner" json:"currency"`
	Available  decimal.Decimal `gorm:"type:text" json:"available"`
	Locked     decimal.Decimal `gorm:"type:text" json:"locked"`
}

// Balance is the live view of a single currency for a trader.
type Balance struct {
	Available decimal.Decimal `json:"available"`
	Locked    decimal.Decimal `json:"locked"`
}

func (b Balance) Total() decimal.Decimal {
	return b.Available.Add(b.Locked)
}

type AmountRequest struct {
	TraderID string          `json:"trader_id" binding:"required"`
	Currency string          `json:"currency" binding:"required"`
	Amount   decimal.Decimal `json:"amount"`
}
