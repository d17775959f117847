package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// StatusChange is emitted once per meaningful order transition, and once for
// every operation outcome such as CANCEL_REJECTED.
type StatusChange struct {
	Seq           uint64    `json:"seq"`
	PairID        string    `json:"pair_id"`
	TraderID      string    `json:"trader_id"`
	ClientOrderID string    `json:"client_order_id"`
	OrderID       string    `json:"order_id"`
	Status        Status    `json:"status"`
	Code          Code      `json:"code,omitempty"`
	Order         Order     `json:"order"`
	Timestamp     time.Time `json:"timestamp"`
}

// Fill is one execution between a taker and a resting maker.
type Fill struct {
	ID            string          `json:"fill_id"`
	Seq           uint64          `json:"seq"`
	PairID        string          `json:"pair_id"`
	Price         decimal.Decimal `json:"price"`
	Quantity      decimal.Decimal `json:"quantity"`
	QuoteAmount   decimal.Decimal `json:"quote_amount"`
	TakerSide     Side            `json:"taker_side"`
	MakerOrderID  string          `json:"maker_order_id"`
	TakerOrderID  string          `json:"taker_order_id"`
	MakerTraderID string          `json:"maker_trader_id"`
	TakerTraderID string          `json:"taker_trader_id"`
	MakerFee      decimal.Decimal `json:"maker_fee"`
	TakerFee      decimal.Decimal `json:"taker_fee"`
	MakerFeeCcy   string          `json:"maker_fee_currency"`
	TakerFeeCcy   string          `json:"taker_fee_currency"`
	Timestamp     time.Time       `json:"timestamp"`
}

// Settlement is what the custody collaborator moves for a single fill.
type Settlement struct {
	PairID        string
	Buyer         string
	Seller        string
	BaseCurrency  string
	QuoteCurrency string
	BaseAmount    decimal.Decimal
	QuoteAmount   decimal.Decimal
	BuyerFee      decimal.Decimal // in base
	SellerFee     decimal.Decimal // in quote
}

// Report is everything a committed call produced, in emission order.
type Report struct {
	Changes []StatusChange `json:"changes"`
	Fills   []Fill         `json:"fills"`
}

// Latest returns the last status change recorded for an order.
func (r Report) Latest(orderID string) (StatusChange, bool) {
	for i := len(r.Changes) - 1; i >= 0; i-- {
		if r.Changes[i].OrderID == orderID {
			return r.Changes[i], true
		}
	}
	return StatusChange{}, false
}

// ByClientID returns the last status change for a trader's client order id.
func (r Report) ByClientID(traderID, clientOrderID string) (StatusChange, bool) {
	for i := len(r.Changes) - 1; i >= 0; i-- {
		c := r.Changes[i]
		if c.TraderID == traderID && c.ClientOrderID == clientOrderID {
			return c, true
		}
	}
	return StatusChange{}, false
}

// BookLevel is an aggregated price level as seen from outside the engine.
type BookLevel struct {
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity"`
	Orders   int             `json:"orders"`
}
