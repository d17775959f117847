package registry

import (
	"github.com/ksred/klear-dex/internal/types"
	"gorm.io/gorm"
)

// PairRecord persists a pair's full configuration.
type PairRecord struct {
	gorm.Model `json:"-"`
	PairID     string          `gorm:"uniqueIndex" json:"pair_id"`
	Config     types.TradePair `gorm:"serializer:json;type:text" json:"config"`
}

type PairFlagRequest struct {
	Enabled bool `json:"enabled"`
}
