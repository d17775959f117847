package trading

import (
	"time"

	"github.com/ksred/klear-dex/internal/types"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// StatusChangeRecord is one row of the append-only order status history.
type StatusChangeRecord struct {
	gorm.Model    `json:"-"`
	Seq           uint64      `json:"seq"`
	PairID        string      `json:"pair_id"`
	TraderID      string      `json:"trader_id"`
	ClientOrderID string      `json:"client_order_id"`
	OrderID       string      `json:"order_id"`
	Status        string      `json:"status"`
	Code          string      `json:"code"`
	Order         types.Order `gorm:"serializer:json;type:text" json:"order"`
	Timestamp     time.Time   `json:"timestamp"`
}

type FillRecord struct {
	gorm.Model    `json:"-"`
	FillID        string     `gorm:"uniqueIndex" json:"fill_id"`
	Seq           uint64     `json:"seq"`
	PairID        string     `json:"pair_id"`
	MakerOrderID  string     `json:"maker_order_id"`
	TakerOrderID  string     `json:"taker_order_id"`
	MakerTraderID string     `json:"maker_trader_id"`
	TakerTraderID string     `json:"taker_trader_id"`
	Fill          types.Fill `gorm:"serializer:json;type:text" json:"fill"`
	Timestamp     time.Time  `json:"timestamp"`
}

// IdempotencyRecord stores the response of a keyed request so a retry gets
// the same answer instead of placing orders twice.
type IdempotencyRecord struct {
	gorm.Model
	IdempotencyKey string    `gorm:"uniqueIndex" json:"idempotency_key"`
	TraderID       string    `json:"trader_id"`
	ResourceType   string    `json:"resource_type"`
	Response       string    `gorm:"type:text" json:"response"`
	ExpiresAt      time.Time `json:"expires_at"`
}

// History is what a trader sees of their own past activity.
type History struct {
	Changes []types.StatusChange `json:"changes"`
	Fills   []types.Fill         `json:"fills"`
}

type OrderListRequest struct {
	Orders []types.NewOrder `json:"orders" binding:"required,min=1,dive"`
}

type CancelListRequest struct {
	OrderIDs []string `json:"order_ids" binding:"required,min=1"`
}

type CancelReplaceListRequest struct {
	CancelOrderIDs []string         `json:"cancel_order_ids"`
	Orders         []types.NewOrder `json:"orders" binding:"dive"`
}

type ReplaceRequest struct {
	ClientOrderID string          `json:"client_order_id" binding:"required"`
	Price         decimal.Decimal `json:"price"`
	Quantity      decimal.Decimal `json:"quantity"`
}

// ReplaceResult is the outcome of a single cancel-replace.
type ReplaceResult struct {
	Canceled    types.StatusChange `json:"canceled"`
	Replacement *types.Order       `json:"replacement,omitempty"`
}

type CancelReplaceListResult struct {
	Canceled []types.StatusChange `json:"canceled"`
	Orders   []types.Order        `json:"orders"`
}

type MassCancelRequest struct {
	Side  types.Side `json:"side" binding:"required"`
	Limit int        `json:"limit"`
}

type MatchAuctionRequest struct {
	MaxFills int `json:"max_fills"`
}

type AuctionModeRequest struct {
	Mode types.AuctionMode `json:"mode" binding:"required"`
}
