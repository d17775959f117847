package fees

import "gorm.io/gorm"

// RateOverride replaces a pair's default maker/taker rates for one trader.
type RateOverride struct {
	gorm.Model `json:"-"`
	TraderID   string `gorm:"uniqueIndex:idx_rate_override" json:"trader_id"`
	PairID     string `gorm:"uniqueIndex:idx_rate_override" json:"pair_id"`
	MakerBps   uint32 `json:"maker_bps"`
	TakerBps   uint32 `json:"taker_bps"`
}

// ExemptAccount trades at zero rates on every pair.
type ExemptAccount struct {
	gorm.Model `json:"-"`
	Account    string `gorm:"uniqueIndex" json:"account"`
}
