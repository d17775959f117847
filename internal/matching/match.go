package matching

import (
	"errors"

	"github.com/ksred/klear-dex/internal/custody"
	"github.com/ksred/klear-dex/internal/fees"
	"github.com/ksred/klear-dex/internal/orderbook"
	"github.com/ksred/klear-dex/internal/types"
	"github.com/shopspring/decimal"
)

type shortfall int

const (
	shortNone shortfall = iota
	shortMaker
	shortTaker
)

// match walks the opposite side best price first, oldest first within a
// price, until the taker is filled, stops crossing or a stop condition is
// hit. The returned code is why matching stopped with quantity outstanding.
func (e *Engine) match(pair types.TradePair, book *orderbook.Book, ti int) types.Code {
	opposite := book.Side(e.slots[ti].order.Side.Opposite())
	steps := 0
	for {
		t := e.slots[ti].order
		if !t.Remaining().IsPositive() {
			return types.CodeNone
		}
		if pair.MaxNbrOfFills > 0 && steps >= pair.MaxNbrOfFills {
			return types.CodeMaxFillsReached
		}
		makerID, ok := opposite.Front()
		if !ok {
			return types.CodeNone
		}
		mi := e.index[makerID]
		m := e.slots[mi].order
		if !crosses(t, m.Price) {
			return types.CodeNone
		}

		if m.TraderID == t.TraderID {
			switch t.STP {
			case types.CancelTaker:
				return types.CodeSelfTradeTaker
			case types.CancelMaker:
				e.finish(pair, mi, types.StatusCanceled, types.CodeSelfTradeMaker)
				// the breaker bounds matching steps, and a removed maker is one
				steps++
				continue
			case types.CancelBoth:
				e.finish(pair, mi, types.StatusCanceled, types.CodeSelfTradeBoth)
				return types.CodeSelfTradeBoth
			}
		}

		qty := decimal.Min(t.Remaining(), m.Remaining())
		makerRate, takerRate := e.rates.Rates(m.TraderID, t.TraderID, pair.ID, pair.MakerRateBps, pair.TakerRateBps)
		switch e.trade(pair, ti, mi, m.Price, qty, takerRate, makerRate) {
		case shortTaker:
			return types.CodeSettlementShortage
		case shortMaker:
			e.finish(pair, mi, types.StatusCanceled, types.CodeSettlementShortage)
		default:
			e.afterFill(pair, mi)
		}
		steps++
	}
}

// trade executes qty at price between a taker and a maker and books the fill
// on both orders. Each party's fee is charged in the currency it receives.
func (e *Engine) trade(pair types.TradePair, ti, mi int, price, qty decimal.Decimal, takerRate, makerRate uint32) shortfall {
	t := e.slots[ti].order
	m := e.slots[mi].order

	bi, si := ti, mi
	buyerRate, sellerRate := takerRate, makerRate
	if t.Side == types.SideSell {
		bi, si = mi, ti
		buyerRate, sellerRate = makerRate, takerRate
	}
	buyer := e.slots[bi].order
	seller := e.slots[si].order

	quote := fees.QuoteAmount(price, qty, pair.QuoteDecimals)
	buyerFee := fees.Fee(qty, buyerRate, pair.BaseDecimals)
	sellerFee := fees.Fee(quote, sellerRate, pair.QuoteDecimals)

	blame := func(trader string) shortfall {
		if trader == m.TraderID && trader != t.TraderID {
			return shortMaker
		}
		return shortTaker
	}

	marketBuy := buyer.Kind == types.KindMarket
	if marketBuy {
		if err := e.lock(pair, bi, quote); err != nil {
			e.logger.Debug().Err(err).Str("order_id", buyer.ID).Msg("market buy could not fund fill")
			return blame(buyer.TraderID)
		}
	}

	s := types.Settlement{
		PairID:        pair.ID,
		Buyer:         buyer.TraderID,
		Seller:        seller.TraderID,
		BaseCurrency:  pair.BaseSymbol,
		QuoteCurrency: pair.QuoteSymbol,
		BaseAmount:    qty,
		QuoteAmount:   quote,
		BuyerFee:      buyerFee,
		SellerFee:     sellerFee,
	}
	if err := e.settle(s); err != nil {
		if marketBuy {
			e.unlock(pair, bi, quote)
		}
		var ife *custody.InsufficientFundsError
		if errors.As(err, &ife) {
			e.logger.Debug().Err(err).Str("pair_id", pair.ID).Msg("settlement shortfall")
			return blame(ife.Trader)
		}
		e.logger.Error().Err(err).Str("pair_id", pair.ID).Msg("settlement failed")
		return shortTaker
	}

	e.applyFill(bi, qty, quote, buyerFee, quote)
	e.applyFill(si, qty, quote, sellerFee, qty)

	takerFee, makerFee := buyerFee, sellerFee
	takerCcy, makerCcy := pair.BaseSymbol, pair.QuoteSymbol
	if t.Side == types.SideSell {
		takerFee, makerFee = sellerFee, buyerFee
		takerCcy, makerCcy = pair.QuoteSymbol, pair.BaseSymbol
	}
	e.fills = append(e.fills, types.Fill{
		ID:            e.newID(),
		Seq:           e.next(),
		PairID:        pair.ID,
		Price:         price,
		Quantity:      qty,
		QuoteAmount:   quote,
		TakerSide:     t.Side,
		MakerOrderID:  m.ID,
		TakerOrderID:  t.ID,
		MakerTraderID: m.TraderID,
		TakerTraderID: t.TraderID,
		MakerFee:      makerFee,
		TakerFee:      takerFee,
		MakerFeeCcy:   makerCcy,
		TakerFeeCcy:   takerCcy,
		Timestamp:     e.now(),
	})
	return shortNone
}

// applyFill records a fill on one order. consumed is what left its reservation.
func (e *Engine) applyFill(i int, qty, quote, fee, consumed decimal.Decimal) {
	e.touch(i)
	s := &e.slots[i]
	s.order.FilledQuantity = s.order.FilledQuantity.Add(qty)
	s.order.FilledNotional = s.order.FilledNotional.Add(quote)
	s.order.Fee = s.order.Fee.Add(fee)
	s.locked = s.locked.Sub(consumed)
}

// afterFill reports a resting order that was just traded against.
func (e *Engine) afterFill(pair types.TradePair, i int) {
	if !e.slots[i].order.Remaining().IsPositive() {
		e.finish(pair, i, types.StatusFilled, types.CodeNone)
		return
	}
	e.transition(i, types.StatusPartial, types.CodeNone)
}

// MatchAuction uncrosses a pair at its auction price. Bids at or above the
// price trade against asks at or below it, best first, until the book no
// longer crosses or maxFills fills have been produced. Both sides pay the
// maker rate. It returns the number of fills.
func (e *Engine) MatchAuction(pairID string, maxFills int) (int, error) {
	pair, err := e.pair(pairID)
	if err != nil {
		return 0, err
	}
	if pair.AuctionMode != types.AuctionMatching {
		return 0, ErrAuctionNotMatching
	}
	price := pair.AuctionPrice
	if !price.IsPositive() {
		return 0, ErrAuctionNoPrice
	}

	book := e.book(pair.ID)
	count := 0
	for maxFills <= 0 || count < maxFills {
		bidID, ok := book.Bids.Front()
		if !ok {
			break
		}
		askID, ok := book.Asks.Front()
		if !ok {
			break
		}
		bi, ai := e.index[bidID], e.index[askID]
		bid, ask := e.slots[bi].order, e.slots[ai].order
		if bid.Price.LessThan(price) || ask.Price.GreaterThan(price) {
			break
		}

		// the later of the two counts as taker
		ti, mi := bi, ai
		if bid.CreateSeq < ask.CreateSeq {
			ti, mi = ai, bi
		}
		taker, maker := e.slots[ti].order, e.slots[mi].order
		makerRate, _ := e.rates.Rates(maker.TraderID, taker.TraderID, pair.ID, pair.MakerRateBps, pair.TakerRateBps)
		takerAsMaker, _ := e.rates.Rates(taker.TraderID, maker.TraderID, pair.ID, pair.MakerRateBps, pair.TakerRateBps)

		qty := decimal.Min(bid.Remaining(), ask.Remaining())
		switch e.trade(pair, ti, mi, price, qty, takerAsMaker, makerRate) {
		case shortTaker:
			e.finish(pair, ti, types.StatusCanceled, types.CodeSettlementShortage)
		case shortMaker:
			e.finish(pair, mi, types.StatusCanceled, types.CodeSettlementShortage)
		default:
			count++
			e.afterFill(pair, mi)
			e.afterFill(pair, ti)
			if !e.slots[bi].dead {
				e.trimBuy(pair, bi)
			}
		}
	}

	e.logger.Info().Str("pair_id", pair.ID).Int("fills", count).Str("price", price.String()).Msg("auction matched")
	return count, nil
}

// trimBuy releases a resting buy's reservation beyond what its remainder can
// still cost at its limit price.
func (e *Engine) trimBuy(pair types.TradePair, i int) {
	o := e.slots[i].order
	need := o.Price.Mul(o.Remaining()).RoundCeil(pair.QuoteDecimals)
	e.unlock(pair, i, e.slots[i].locked.Sub(need))
}
