package matching

import (
	"github.com/ksred/klear-dex/internal/orderbook"
	"github.com/ksred/klear-dex/internal/types"
	"github.com/shopspring/decimal"
)

// Submit admits, matches and resolves a single order inside the open
// transaction. Per-order outcomes are reported on the returned order; the
// error is reserved for failures that must abort the call.
func (e *Engine) Submit(submitter string, req types.NewOrder) (types.Order, error) {
	pair, err := e.pair(req.PairID)
	if err != nil {
		return types.Order{}, err
	}

	now := e.now()
	o := types.Order{
		ID:             e.newID(),
		ClientOrderID:  req.ClientOrderID,
		TraderID:       req.TraderID,
		PairID:         pair.ID,
		Side:           req.Side,
		Kind:           req.Kind,
		TimeInForce:    req.TimeInForce,
		STP:            req.STP,
		Price:          req.Price,
		Quantity:       req.Quantity,
		FilledQuantity: decimal.Zero,
		FilledNotional: decimal.Zero,
		Fee:            decimal.Zero,
		Status:         types.StatusNew,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if o.TimeInForce == "" {
		o.TimeInForce = types.GTC
	}
	if o.STP == "" {
		o.STP = types.CancelTaker
	}
	if o.Kind == types.KindMarket {
		o.Price = decimal.Zero
	}
	o.CreateSeq = e.next()
	o.UpdateSeq = o.CreateSeq

	book := e.book(pair.ID)
	if code := e.admit(pair, book, submitter, o); code != types.CodeNone {
		return e.reject(o, code), nil
	}
	if o.TimeInForce == types.PostOnly && !pair.Collecting() && e.wouldCross(book, o) {
		return e.reject(o, types.CodePostOnlyCross), nil
	}

	sp := e.mark()
	i := e.alloc(o)
	e.register(i)
	if err := e.lock(pair, i, admissionLock(pair, o)); err != nil {
		e.rollbackTo(sp)
		e.logger.Debug().Err(err).Str("order_id", o.ID).Msg("reservation failed")
		return e.reject(o, types.CodeInsufficientFunds), nil
	}

	code := types.CodeNone
	if !pair.Collecting() {
		code = e.match(pair, book, i)
	}

	t := e.slots[i].order
	remaining := t.Remaining()
	switch {
	case !remaining.IsPositive():
		e.finish(pair, i, types.StatusFilled, types.CodeNone)
	case t.TimeInForce == types.FOK:
		e.rollbackTo(sp)
		return e.reject(o, types.CodeFOKNotFilled), nil
	case code != types.CodeNone:
		e.finish(pair, i, types.StatusCanceled, code)
	case t.Kind == types.KindMarket || t.TimeInForce == types.IOC:
		e.finish(pair, i, types.StatusCanceled, types.CodeNone)
	case t.Price.Mul(remaining).LessThan(pair.MinPostAmount):
		e.finish(pair, i, types.StatusCanceled, types.CodeBelowMinPost)
	default:
		e.post(pair, i)
	}
	return e.slots[i].order, nil
}

// admit runs every check that must pass before an order may touch the book.
func (e *Engine) admit(pair types.TradePair, book *orderbook.Book, submitter string, o types.Order) types.Code {
	switch {
	case pair.Halted():
		return types.CodePairPaused
	case pair.AddOrderPaused:
		return types.CodeAddOrderPaused
	case submitter != o.TraderID:
		return types.CodeNotOwnerAdd
	case !wellFormed(o) || !pair.Allows(o.Kind):
		return types.CodeKindNotAllowed
	case pair.PostOnly && o.TimeInForce != types.PostOnly:
		return types.CodePostOnlyPair
	case o.Kind == types.KindMarket && pair.Collecting():
		return types.CodeMarketInAuction
	case !o.Quantity.IsPositive():
		return types.CodeInvalidQuantity
	case o.Kind == types.KindLimit && !o.Price.IsPositive():
		return types.CodeInvalidPrice
	case !fits(o.Price, pair.QuoteDisplayDecimals):
		return types.CodePriceDecimals
	case !fits(o.Quantity, pair.BaseDisplayDecimals):
		return types.CodeQuantityDecimals
	case o.ClientOrderID == "":
		return types.CodeDuplicateClientID
	}
	if _, taken := e.clients[o.TraderID][o.ClientOrderID]; taken {
		return types.CodeDuplicateClientID
	}

	market := o.Kind == types.KindMarket
	ref := o.Price
	if market {
		best, ok := book.Side(o.Side.Opposite()).Best()
		if !ok {
			return types.CodeMarketEmptyBook
		}
		ref = best.Price
	}
	notional := ref.Mul(o.Quantity)
	if notional.LessThan(pair.MinTradeAmount) {
		if market {
			return types.CodeMarketBelowMin
		}
		return types.CodeLimitBelowMin
	}
	if pair.MaxTradeAmount.IsPositive() && notional.GreaterThan(pair.MaxTradeAmount) {
		if market {
			return types.CodeMarketAboveMax
		}
		return types.CodeLimitAboveMax
	}
	return types.CodeNone
}

func wellFormed(o types.Order) bool {
	if !o.Side.Valid() {
		return false
	}
	switch o.Kind {
	case types.KindMarket, types.KindLimit:
	default:
		return false
	}
	switch o.TimeInForce {
	case types.GTC, types.FOK, types.IOC:
	case types.PostOnly:
		if o.Kind == types.KindMarket {
			return false
		}
	default:
		return false
	}
	switch o.STP {
	case types.CancelTaker, types.CancelMaker, types.CancelBoth, types.CancelNone:
	default:
		return false
	}
	return true
}

// fits reports whether v has at most places fractional digits.
func fits(v decimal.Decimal, places int32) bool {
	return v.Equal(v.Truncate(places))
}

// admissionLock is what an order must reserve up front. Market buys have no
// price to reserve against and lock each fill as it happens.
func admissionLock(pair types.TradePair, o types.Order) decimal.Decimal {
	if o.Side == types.SideSell {
		return o.Quantity
	}
	if o.Kind == types.KindMarket {
		return decimal.Zero
	}
	return o.Price.Mul(o.Quantity).RoundCeil(pair.QuoteDecimals)
}

func crosses(taker types.Order, makerPrice decimal.Decimal) bool {
	switch {
	case taker.Kind == types.KindMarket:
		return true
	case taker.Side == types.SideBuy:
		return taker.Price.GreaterThanOrEqual(makerPrice)
	default:
		return taker.Price.LessThanOrEqual(makerPrice)
	}
}

func (e *Engine) wouldCross(book *orderbook.Book, o types.Order) bool {
	best, ok := book.Side(o.Side.Opposite()).Best()
	return ok && crosses(o, best.Price)
}

// post rests the remainder of a taker. A buy hands back whatever it reserved
// beyond its limit price, which is what price improvement leaves behind.
func (e *Engine) post(pair types.TradePair, i int) {
	o := e.slots[i].order
	if o.Side == types.SideBuy {
		e.trimBuy(pair, i)
	}
	e.rest(i)
	status := types.StatusNew
	if o.FilledQuantity.IsPositive() {
		status = types.StatusPartial
	}
	e.transition(i, status, types.CodeNone)
}
