package types

import (
	"time"

	"github.com/shopspring/decimal"
)

type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Opposite returns the side a taker on s matches against.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

type OrderKind string

const (
	KindMarket OrderKind = "MARKET"
	KindLimit  OrderKind = "LIMIT"
)

type TimeInForce string

const (
	GTC      TimeInForce = "GTC"
	FOK      TimeInForce = "FOK"
	IOC      TimeInForce = "IOC"
	PostOnly TimeInForce = "PO"
)

// STPMode selects how a self-cross is resolved. The taker's mode applies.
type STPMode string

const (
	CancelTaker STPMode = "CANCEL_TAKER"
	CancelMaker STPMode = "CANCEL_MAKER"
	CancelBoth  STPMode = "CANCEL_BOTH"
	CancelNone  STPMode = "CANCEL_NONE"
)

type Status string

const (
	StatusNew            Status = "NEW"
	StatusRejected       Status = "REJECTED"
	StatusPartial        Status = "PARTIAL"
	StatusFilled         Status = "FILLED"
	StatusCanceled       Status = "CANCELED"
	StatusCancelRejected Status = "CANCEL_REJECTED"
)

// Terminal reports whether an order in this status has left the book for good.
// CANCEL_REJECTED is an operation outcome and never an order's resting state.
func (s Status) Terminal() bool {
	switch s {
	case StatusRejected, StatusFilled, StatusCanceled:
		return true
	}
	return false
}

// Order is the engine's view of a single order: identity fixed at submission,
// execution state mutated by the matching engine and lifecycle controller.
type Order struct {
	ID             string          `json:"order_id"`
	ClientOrderID  string          `json:"client_order_id"`
	TraderID       string          `json:"trader_id"`
	PairID         string          `json:"pair_id"`
	Side           Side            `json:"side"`
	Kind           OrderKind       `json:"kind"`
	TimeInForce    TimeInForce     `json:"time_in_force"`
	STP            STPMode         `json:"stp"`
	Price          decimal.Decimal `json:"price"`
	Quantity       decimal.Decimal `json:"quantity"`
	FilledQuantity decimal.Decimal `json:"filled_quantity"`
	FilledNotional decimal.Decimal `json:"filled_notional"`
	Fee            decimal.Decimal `json:"fee"`
	Status         Status          `json:"status"`
	Code           Code            `json:"code,omitempty"`
	CreateSeq      uint64          `json:"create_seq"`
	UpdateSeq      uint64          `json:"update_seq"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

func (o *Order) Remaining() decimal.Decimal {
	return o.Quantity.Sub(o.FilledQuantity)
}

// NewOrder is a submission request. TraderID is the declared owner and must
// match the submitting account.
type NewOrder struct {
	ClientOrderID string          `json:"client_order_id" binding:"required"`
	TraderID      string          `json:"trader_id"`
	PairID        string          `json:"pair_id" binding:"required"`
	Side          Side            `json:"side" binding:"required"`
	Kind          OrderKind       `json:"kind" binding:"required"`
	TimeInForce   TimeInForce     `json:"time_in_force"`
	STP           STPMode         `json:"stp"`
	Price         decimal.Decimal `json:"price"`
	Quantity      decimal.Decimal `json:"quantity"`
}

// Replacement carries the new terms of a cancel-replace.
type Replacement struct {
	OrderID       string          `json:"order_id" binding:"required"`
	ClientOrderID string          `json:"client_order_id" binding:"required"`
	Price         decimal.Decimal `json:"price"`
	Quantity      decimal.Decimal `json:"quantity"`
}

type AuctionMode string

const (
	AuctionOff         AuctionMode = "OFF"
	AuctionLiveTrading AuctionMode = "LIVETRADING"
	AuctionOpen        AuctionMode = "OPEN"
	AuctionClosing     AuctionMode = "CLOSING"
	AuctionPaused      AuctionMode = "PAUSED"
	AuctionMatching    AuctionMode = "MATCHING"
	AuctionRestricted  AuctionMode = "RESTRICTED"
)

func (m AuctionMode) Valid() bool {
	switch m {
	case AuctionOff, AuctionLiveTrading, AuctionOpen, AuctionClosing,
		AuctionPaused, AuctionMatching, AuctionRestricted:
		return true
	}
	return false
}

// TradePair is a read-only configuration snapshot of one trading pair.
type TradePair struct {
	ID                   string          `json:"pair_id" mapstructure:"id"`
	BaseSymbol           string          `json:"base_symbol" mapstructure:"base_symbol"`
	QuoteSymbol          string          `json:"quote_symbol" mapstructure:"quote_symbol"`
	BaseDecimals         int32           `json:"base_decimals" mapstructure:"base_decimals"`
	QuoteDecimals        int32           `json:"quote_decimals" mapstructure:"quote_decimals"`
	BaseDisplayDecimals  int32           `json:"base_display_decimals" mapstructure:"base_display_decimals"`
	QuoteDisplayDecimals int32           `json:"quote_display_decimals" mapstructure:"quote_display_decimals"`
	MinTradeAmount       decimal.Decimal `json:"min_trade_amount" mapstructure:"-"`
	MaxTradeAmount       decimal.Decimal `json:"max_trade_amount" mapstructure:"-"`
	MinPostAmount        decimal.Decimal `json:"min_post_amount" mapstructure:"-"`
	MakerRateBps         uint32          `json:"maker_rate_bps" mapstructure:"maker_rate_bps"`
	TakerRateBps         uint32          `json:"taker_rate_bps" mapstructure:"taker_rate_bps"`
	AllowedKinds         []OrderKind     `json:"allowed_kinds" mapstructure:"allowed_kinds"`
	AuctionMode          AuctionMode     `json:"auction_mode" mapstructure:"auction_mode"`
	AuctionPrice         decimal.Decimal `json:"auction_price" mapstructure:"-"`
	Paused               bool            `json:"paused" mapstructure:"paused"`
	AddOrderPaused       bool            `json:"add_order_paused" mapstructure:"add_order_paused"`
	PostOnly             bool            `json:"post_only" mapstructure:"post_only"`
	MaxNbrOfFills        int             `json:"max_nbr_of_fills" mapstructure:"max_nbr_of_fills"`
}

func (p TradePair) Allows(kind OrderKind) bool {
	for _, k := range p.AllowedKinds {
		if k == kind {
			return true
		}
	}
	return false
}

// Collecting reports whether the pair is in an auction phase where orders
// rest without matching.
func (p TradePair) Collecting() bool {
	switch p.AuctionMode {
	case AuctionOpen, AuctionClosing, AuctionRestricted:
		return true
	}
	return false
}

// Halted reports whether trader-initiated book mutations are blocked.
func (p TradePair) Halted() bool {
	return p.Paused || p.AuctionMode == AuctionPaused || p.AuctionMode == AuctionMatching
}

func (p TradePair) Clone() TradePair {
	c := p
	c.AllowedKinds = append([]OrderKind(nil), p.AllowedKinds...)
	return c
}
