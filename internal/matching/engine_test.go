package matching

import (
	"errors"
	"fmt"
	"testing"

	"github.com/ksred/klear-dex/internal/custody"
	"github.com/ksred/klear-dex/internal/fees"
	"github.com/ksred/klear-dex/internal/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const pairID = "AVAX/USDC"

var errUnknownPair = errors.New("unknown pair")

type staticPairs map[string]types.TradePair

func (p staticPairs) Pair(id string) (types.TradePair, error) {
	pair, ok := p[id]
	if !ok {
		return types.TradePair{}, errUnknownPair
	}
	return pair.Clone(), nil
}

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func assertDec(t *testing.T, want string, got decimal.Decimal, msgAndArgs ...interface{}) {
	t.Helper()
	assert.True(t, d(want).Equal(got), append([]interface{}{"want %s, got %s", want, got.String()}, msgAndArgs...)...)
}

type harness struct {
	t      *testing.T
	engine *Engine
	ledger *custody.Ledger
	fees   *fees.Schedule
	pairs  staticPairs
	n      int
}

func testPair() types.TradePair {
	return types.TradePair{
		ID:                   pairID,
		BaseSymbol:           "AVAX",
		QuoteSymbol:          "USDC",
		BaseDecimals:         18,
		QuoteDecimals:        6,
		BaseDisplayDecimals:  3,
		QuoteDisplayDecimals: 3,
		MinTradeAmount:       d("1"),
		MaxTradeAmount:       d("100000"),
		MinPostAmount:        decimal.Zero,
		MakerRateBps:         10,
		TakerRateBps:         20,
		AllowedKinds:         []types.OrderKind{types.KindLimit, types.KindMarket},
		AuctionMode:          types.AuctionOff,
		MaxNbrOfFills:        100,
	}
}

func newHarness(t *testing.T) *harness {
	h := &harness{
		t:      t,
		ledger: custody.NewLedger("fees"),
		fees:   fees.NewSchedule(nil),
		pairs:  staticPairs{pairID: testPair()},
	}
	h.engine = NewEngine(h.pairs, h.ledger, h.fees)
	return h
}

func (h *harness) update(fn func(*types.TradePair)) {
	p := h.pairs[pairID]
	fn(&p)
	h.pairs[pairID] = p
}

func (h *harness) fund(traders ...string) {
	for _, trader := range traders {
		require.NoError(h.t, h.ledger.Deposit(trader, "AVAX", d("1000")))
		require.NoError(h.t, h.ledger.Deposit(trader, "USDC", d("100000")))
	}
}

type option func(*types.NewOrder)

func market(r *types.NewOrder)  { r.Kind = types.KindMarket; r.Price = decimal.Zero }
func tif(v types.TimeInForce) option { return func(r *types.NewOrder) { r.TimeInForce = v } }
func stp(v types.STPMode) option     { return func(r *types.NewOrder) { r.STP = v } }
func clientID(id string) option      { return func(r *types.NewOrder) { r.ClientOrderID = id } }

func (h *harness) order(trader string, side types.Side, price, qty string, opts ...option) types.NewOrder {
	h.n++
	req := types.NewOrder{
		ClientOrderID: fmt.Sprintf("%s-%d", trader, h.n),
		TraderID:      trader,
		PairID:        pairID,
		Side:          side,
		Kind:          types.KindLimit,
		TimeInForce:   types.GTC,
		Price:         d(price),
		Quantity:      d(qty),
	}
	for _, opt := range opts {
		opt(&req)
	}
	return req
}

func assertBalances(t *testing.T, want, got map[string]custody.Balance) {
	t.Helper()
	for ccy := range got {
		if _, ok := want[ccy]; !ok {
			want[ccy] = custody.Balance{}
		}
	}
	for ccy, b := range want {
		assertDec(t, b.Available.String(), got[ccy].Available, ccy)
		assertDec(t, b.Locked.String(), got[ccy].Locked, ccy)
	}
}

func (h *harness) submit(req types.NewOrder) (types.Order, types.Report) {
	h.t.Helper()
	h.engine.Begin()
	o, err := h.engine.Submit(req.TraderID, req)
	require.NoError(h.t, err)
	return o, h.engine.Commit()
}

func (h *harness) buy(trader, price, qty string, opts ...option) (types.Order, types.Report) {
	return h.submit(h.order(trader, types.SideBuy, price, qty, opts...))
}

func (h *harness) sell(trader, price, qty string, opts ...option) (types.Order, types.Report) {
	return h.submit(h.order(trader, types.SideSell, price, qty, opts...))
}

func (h *harness) cancel(caller, orderID string) types.StatusChange {
	h.t.Helper()
	h.engine.Begin()
	change, err := h.engine.Cancel(caller, orderID, types.CodePairPausedCancel)
	require.NoError(h.t, err)
	h.engine.Commit()
	return change
}

func TestPriceTimePriority(t *testing.T) {
	h := newHarness(t)
	h.fund("alice", "bob")

	b100, _ := h.buy("alice", "100", "2")
	b99, _ := h.buy("alice", "99", "2")
	b98, _ := h.buy("alice", "98", "2")

	sell, report := h.sell("bob", "98", "3")
	assert.Equal(t, types.StatusFilled, sell.Status)
	require.Len(t, report.Fills, 2)
	assertDec(t, "100", report.Fills[0].Price)
	assertDec(t, "2", report.Fills[0].Quantity)
	assert.Equal(t, b100.ID, report.Fills[0].MakerOrderID)
	assertDec(t, "99", report.Fills[1].Price)
	assertDec(t, "1", report.Fills[1].Quantity)
	assert.Equal(t, b99.ID, report.Fills[1].MakerOrderID)

	_, ok := h.engine.Order(b100.ID)
	assert.False(t, ok)
	o, ok := h.engine.Order(b99.ID)
	require.True(t, ok)
	assert.Equal(t, types.StatusPartial, o.Status)
	assertDec(t, "1", o.Remaining())
	o, ok = h.engine.Order(b98.ID)
	require.True(t, ok)
	assert.Equal(t, types.StatusNew, o.Status)

	levels := h.engine.Depth(pairID, types.SideBuy, 0)
	require.Len(t, levels, 2)
	assertDec(t, "99", levels[0].Price)
	assertDec(t, "1", levels[0].Quantity)
	assertDec(t, "98", levels[1].Price)
	assertDec(t, "2", levels[1].Quantity)
}

func TestTimePriorityWithinLevel(t *testing.T) {
	h := newHarness(t)
	h.fund("alice", "bob", "carol")

	first, _ := h.sell("alice", "10", "1")
	second, _ := h.sell("bob", "10", "1")

	_, report := h.buy("carol", "10", "1")
	require.Len(t, report.Fills, 1)
	assert.Equal(t, first.ID, report.Fills[0].MakerOrderID)
	_, ok := h.engine.Order(second.ID)
	assert.True(t, ok)
}

func TestFeesAndSettlement(t *testing.T) {
	h := newHarness(t)
	h.fund("alice", "bob")

	_, _ = h.sell("alice", "10", "2")
	buy, report := h.buy("bob", "10", "2")
	require.Len(t, report.Fills, 1)
	f := report.Fills[0]

	// taker buyer pays 20 bps in base, maker seller 10 bps in quote
	assertDec(t, "0.004", f.TakerFee)
	assert.Equal(t, "AVAX", f.TakerFeeCcy)
	assertDec(t, "0.02", f.MakerFee)
	assert.Equal(t, "USDC", f.MakerFeeCcy)
	assertDec(t, "0.004", buy.Fee)
	assertDec(t, "20", buy.FilledNotional)

	assertDec(t, "1001.996", h.ledger.Balance("bob", "AVAX").Available)
	assertDec(t, "99980", h.ledger.Balance("bob", "USDC").Available)
	assertDec(t, "0", h.ledger.Balance("bob", "USDC").Locked)
	assertDec(t, "998", h.ledger.Balance("alice", "AVAX").Available)
	assertDec(t, "0", h.ledger.Balance("alice", "AVAX").Locked)
	assertDec(t, "100019.98", h.ledger.Balance("alice", "USDC").Available)
	assertDec(t, "0.004", h.ledger.Balance("fees", "AVAX").Available)
	assertDec(t, "0.02", h.ledger.Balance("fees", "USDC").Available)
}

func TestExemptAccountPaysNoFees(t *testing.T) {
	h := newHarness(t)
	h.fund("alice", "mm")
	require.NoError(t, h.fees.SetExempt("mm", true))

	_, _ = h.sell("mm", "10", "2")
	_, report := h.buy("alice", "10", "2")
	require.Len(t, report.Fills, 1)
	assert.True(t, report.Fills[0].MakerFee.IsZero())
	assert.True(t, report.Fills[0].TakerFee.IsZero())
}

func TestPriceImprovementReleasesReservation(t *testing.T) {
	h := newHarness(t)
	h.fund("alice", "bob")

	_, _ = h.sell("alice", "9", "1")
	buy, report := h.buy("bob", "10", "2")
	require.Len(t, report.Fills, 1)
	assertDec(t, "9", report.Fills[0].Price)
	assert.Equal(t, types.StatusPartial, buy.Status)

	bal := h.ledger.Balance("bob", "USDC")
	assertDec(t, "10", bal.Locked)
	assertDec(t, "99981", bal.Available)

	h.cancel("bob", buy.ID)
	bal = h.ledger.Balance("bob", "USDC")
	assertDec(t, "0", bal.Locked)
	assertDec(t, "99991", bal.Available)
}

func TestFOK(t *testing.T) {
	t.Run("unfillable is rejected with no side effects", func(t *testing.T) {
		h := newHarness(t)
		h.fund("alice", "bob")
		ask, _ := h.sell("alice", "10", "2")
		before := h.ledger.Balances("bob")

		fok, report := h.buy("bob", "10", "3", tif(types.FOK))
		assert.Equal(t, types.StatusRejected, fok.Status)
		assert.Equal(t, types.CodeFOKNotFilled, fok.Code)
		assert.Empty(t, report.Fills)
		require.Len(t, report.Changes, 1)
		assert.Equal(t, types.StatusRejected, report.Changes[0].Status)
		assertDec(t, "0", fok.FilledQuantity)

		assertBalances(t, before, h.ledger.Balances("bob"))
		o, ok := h.engine.Order(ask.ID)
		require.True(t, ok)
		assert.Equal(t, types.StatusNew, o.Status)
		assertDec(t, "2", o.Remaining())
		assertDec(t, "0", h.ledger.Balance("fees", "USDC").Available)
		_, ok = h.engine.OrderByClientID("bob", fok.ClientOrderID)
		assert.False(t, ok)
	})

	t.Run("fillable across levels", func(t *testing.T) {
		h := newHarness(t)
		h.fund("alice", "bob")
		_, _ = h.sell("alice", "10", "1")
		_, _ = h.sell("alice", "11", "2")

		fok, report := h.buy("bob", "11", "3", tif(types.FOK))
		assert.Equal(t, types.StatusFilled, fok.Status)
		assert.Len(t, report.Fills, 2)
		assertDec(t, "32", fok.FilledNotional)
		assertDec(t, "0", h.ledger.Balance("bob", "USDC").Locked)
	})
}

func TestPostOnly(t *testing.T) {
	h := newHarness(t)
	h.fund("alice", "bob")
	_, _ = h.sell("alice", "10", "2")

	po, report := h.buy("bob", "10", "1", tif(types.PostOnly))
	assert.Equal(t, types.StatusRejected, po.Status)
	assert.Equal(t, types.CodePostOnlyCross, po.Code)
	assert.Empty(t, report.Fills)
	assertDec(t, "0", h.ledger.Balance("bob", "USDC").Locked)

	po, _ = h.buy("bob", "9.5", "1", tif(types.PostOnly))
	assert.Equal(t, types.StatusNew, po.Status)
}

func TestIOCAndMarketRemaindersCancel(t *testing.T) {
	h := newHarness(t)
	h.fund("alice", "bob")
	_, _ = h.sell("alice", "10", "1")

	ioc, report := h.buy("bob", "10", "3", tif(types.IOC))
	assert.Equal(t, types.StatusCanceled, ioc.Status)
	assert.Equal(t, types.CodeNone, ioc.Code)
	assertDec(t, "1", ioc.FilledQuantity)
	assert.Len(t, report.Fills, 1)
	assertDec(t, "0", h.ledger.Balance("bob", "USDC").Locked)

	_, _ = h.buy("alice", "9", "1")
	mkt, report := h.sell("bob", "0", "2", market)
	assert.Equal(t, types.StatusCanceled, mkt.Status)
	assertDec(t, "1", mkt.FilledQuantity)
	assert.Len(t, report.Fills, 1)
	assertDec(t, "0", h.ledger.Balance("bob", "AVAX").Locked)
}

func TestMarketBuyLocksPerFill(t *testing.T) {
	h := newHarness(t)
	h.fund("alice")
	require.NoError(t, h.ledger.Deposit("bob", "USDC", d("25")))
	_, _ = h.sell("alice", "10", "1")
	_, _ = h.sell("alice", "12", "1")
	_, _ = h.sell("alice", "13", "1")

	mkt, report := h.buy("bob", "0", "3", market)
	require.Len(t, report.Fills, 2)
	assert.Equal(t, types.StatusCanceled, mkt.Status)
	assert.Equal(t, types.CodeSettlementShortage, mkt.Code)
	assertDec(t, "2", mkt.FilledQuantity)
	bal := h.ledger.Balance("bob", "USDC")
	assertDec(t, "3", bal.Available)
	assertDec(t, "0", bal.Locked)
}

func TestMinPostAmount(t *testing.T) {
	h := newHarness(t)
	h.fund("alice", "bob")
	_, _ = h.sell("alice", "1", "1")
	h.update(func(p *types.TradePair) { p.MinPostAmount = d("50") })

	buy, report := h.buy("bob", "1", "3")
	assert.Equal(t, types.StatusCanceled, buy.Status)
	assert.Equal(t, types.CodeBelowMinPost, buy.Code)
	assertDec(t, "1", buy.FilledQuantity)
	assert.Len(t, report.Fills, 1)
	assertDec(t, "0", h.ledger.Balance("bob", "USDC").Locked)
	assertDec(t, "1000.998", h.ledger.Balance("bob", "AVAX").Available)
}

func TestSelfTradePrevention(t *testing.T) {
	t.Run("cancel taker", func(t *testing.T) {
		h := newHarness(t)
		h.fund("alice")
		ask, _ := h.sell("alice", "10", "2")
		taker, report := h.buy("alice", "10", "2", stp(types.CancelTaker))
		assert.Equal(t, types.StatusCanceled, taker.Status)
		assert.Equal(t, types.CodeSelfTradeTaker, taker.Code)
		assert.Empty(t, report.Fills)
		o, ok := h.engine.Order(ask.ID)
		require.True(t, ok)
		assert.Equal(t, types.StatusNew, o.Status)
	})

	t.Run("cancel maker", func(t *testing.T) {
		h := newHarness(t)
		h.fund("alice", "bob")
		own, _ := h.sell("alice", "10", "2")
		other, _ := h.sell("bob", "10", "2")

		taker, report := h.buy("alice", "10", "4", stp(types.CancelMaker))
		require.Len(t, report.Fills, 1)
		assert.Equal(t, other.ID, report.Fills[0].MakerOrderID)
		change, ok := report.Latest(own.ID)
		require.True(t, ok)
		assert.Equal(t, types.StatusCanceled, change.Status)
		assert.Equal(t, types.CodeSelfTradeMaker, change.Code)
		assert.Equal(t, types.StatusPartial, taker.Status)
		assertDec(t, "2", taker.FilledQuantity)
		_, ok = h.engine.Order(own.ID)
		assert.False(t, ok)
		assertDec(t, "0", h.ledger.Balance("alice", "AVAX").Locked)
	})

	t.Run("cancel both", func(t *testing.T) {
		h := newHarness(t)
		h.fund("alice")
		ask, _ := h.sell("alice", "10", "2")
		taker, report := h.buy("alice", "10", "2", stp(types.CancelBoth))
		assert.Equal(t, types.StatusCanceled, taker.Status)
		assert.Equal(t, types.CodeSelfTradeBoth, taker.Code)
		assert.Empty(t, report.Fills)
		change, ok := report.Latest(ask.ID)
		require.True(t, ok)
		assert.Equal(t, types.CodeSelfTradeBoth, change.Code)
		assert.True(t, h.engine.BookEmpty(pairID))
	})

	t.Run("cancel none fills", func(t *testing.T) {
		h := newHarness(t)
		h.fund("alice")
		_, _ = h.sell("alice", "10", "2")
		taker, report := h.buy("alice", "10", "2", stp(types.CancelNone))
		assert.Equal(t, types.StatusFilled, taker.Status)
		assert.Len(t, report.Fills, 1)
	})
}

func TestMaxFillsCircuitBreaker(t *testing.T) {
	h := newHarness(t)
	h.fund("alice", "bob")
	h.update(func(p *types.TradePair) { p.MaxNbrOfFills = 15 })

	var last types.Order
	for i := 0; i < 16; i++ {
		last, _ = h.buy("alice", "10", "2")
	}

	sell, report := h.sell("bob", "10", "32")
	assert.Len(t, report.Fills, 15)
	assertDec(t, "30", sell.FilledQuantity)
	assert.Equal(t, types.StatusCanceled, sell.Status)
	assert.Equal(t, types.CodeMaxFillsReached, sell.Code)
	assertDec(t, "2", sell.Remaining())

	o, ok := h.engine.Order(last.ID)
	require.True(t, ok)
	assert.Equal(t, types.StatusNew, o.Status)
	assertDec(t, "0", h.ledger.Balance("bob", "AVAX").Locked)
}

func TestMaxFillsCountsSelfTradeCancels(t *testing.T) {
	h := newHarness(t)
	h.fund("alice", "bob")
	h.update(func(p *types.TradePair) { p.MaxNbrOfFills = 1 })
	own, _ := h.sell("alice", "10", "1")
	other, _ := h.sell("bob", "10", "1")

	taker, report := h.buy("alice", "10", "1", stp(types.CancelMaker))
	assert.Empty(t, report.Fills)
	assert.Equal(t, types.StatusCanceled, taker.Status)
	assert.Equal(t, types.CodeMaxFillsReached, taker.Code)

	change, ok := report.Latest(own.ID)
	require.True(t, ok)
	assert.Equal(t, types.CodeSelfTradeMaker, change.Code)
	o, ok := h.engine.Order(other.ID)
	require.True(t, ok)
	assert.Equal(t, types.StatusNew, o.Status)
}

// shortCustody fails every settlement involving one trader.
type shortCustody struct {
	*custody.Ledger
	trader string
}

func (c shortCustody) SettleFill(s types.Settlement) error {
	if s.Buyer == c.trader {
		return &custody.InsufficientFundsError{Trader: c.trader, Currency: s.QuoteCurrency, Needed: s.QuoteAmount}
	}
	if s.Seller == c.trader {
		return &custody.InsufficientFundsError{Trader: c.trader, Currency: s.BaseCurrency, Needed: s.BaseAmount}
	}
	return c.Ledger.SettleFill(s)
}

func TestMakerShortfallSkipsToNextMaker(t *testing.T) {
	h := newHarness(t)
	h.engine = NewEngine(h.pairs, shortCustody{Ledger: h.ledger, trader: "carol"}, h.fees)
	h.fund("alice", "bob", "carol")
	short, _ := h.sell("carol", "10", "2")
	next, _ := h.sell("bob", "10", "2")

	taker, report := h.buy("alice", "10", "2")
	require.Len(t, report.Fills, 1)
	assert.Equal(t, next.ID, report.Fills[0].MakerOrderID)
	assert.Equal(t, types.StatusFilled, taker.Status)

	change, ok := report.Latest(short.ID)
	require.True(t, ok)
	assert.Equal(t, types.StatusCanceled, change.Status)
	assert.Equal(t, types.CodeSettlementShortage, change.Code)
	_, ok = h.engine.Order(short.ID)
	assert.False(t, ok)
	assertDec(t, "0", h.ledger.Balance("carol", "AVAX").Locked)
	assertDec(t, "1000", h.ledger.Balance("carol", "AVAX").Available)
}

func TestTerminalOrdersAreForgotten(t *testing.T) {
	h := newHarness(t)
	h.fund("alice", "bob")
	ask, _ := h.sell("alice", "10", "1")
	_, _ = h.buy("bob", "10", "1")

	_, ok := h.engine.Order(ask.ID)
	assert.False(t, ok)
	_, ok = h.engine.OrderByClientID("alice", ask.ClientOrderID)
	assert.False(t, ok)

	change := h.cancel("alice", ask.ID)
	assert.Equal(t, types.StatusCancelRejected, change.Status)
	assert.Equal(t, types.CodeNotActive, change.Code)

	// the client order id is free again
	again, _ := h.sell("alice", "10", "1", clientID(ask.ClientOrderID))
	assert.Equal(t, types.StatusNew, again.Status)
}

func TestAdmissionRejections(t *testing.T) {
	tests := []struct {
		name   string
		setup  func(h *harness)
		req    func(h *harness) types.NewOrder
		caller string
		code   types.Code
	}{
		{
			name:  "paused",
			setup: func(h *harness) { h.update(func(p *types.TradePair) { p.Paused = true }) },
			req:   func(h *harness) types.NewOrder { return h.order("bob", types.SideBuy, "10", "1") },
			code:  types.CodePairPaused,
		},
		{
			name:  "auction paused",
			setup: func(h *harness) { h.update(func(p *types.TradePair) { p.AuctionMode = types.AuctionPaused }) },
			req:   func(h *harness) types.NewOrder { return h.order("bob", types.SideBuy, "10", "1") },
			code:  types.CodePairPaused,
		},
		{
			name:  "add paused",
			setup: func(h *harness) { h.update(func(p *types.TradePair) { p.AddOrderPaused = true }) },
			req:   func(h *harness) types.NewOrder { return h.order("bob", types.SideBuy, "10", "1") },
			code:  types.CodeAddOrderPaused,
		},
		{
			name:   "third party submission",
			req:    func(h *harness) types.NewOrder { return h.order("bob", types.SideBuy, "10", "1") },
			caller: "mallory",
			code:   types.CodeNotOwnerAdd,
		},
		{
			name: "kind not allowed",
			setup: func(h *harness) {
				h.update(func(p *types.TradePair) { p.AllowedKinds = []types.OrderKind{types.KindLimit} })
				h.sell("alice", "10", "1")
			},
			req:  func(h *harness) types.NewOrder { return h.order("bob", types.SideBuy, "0", "1", market) },
			code: types.CodeKindNotAllowed,
		},
		{
			name: "unknown time in force",
			req:  func(h *harness) types.NewOrder { return h.order("bob", types.SideBuy, "10", "1", tif("GTD")) },
			code: types.CodeKindNotAllowed,
		},
		{
			name:  "post only pair",
			setup: func(h *harness) { h.update(func(p *types.TradePair) { p.PostOnly = true }) },
			req:   func(h *harness) types.NewOrder { return h.order("bob", types.SideBuy, "10", "1") },
			code:  types.CodePostOnlyPair,
		},
		{
			name: "market during auction",
			setup: func(h *harness) {
				h.sell("alice", "10", "1")
				h.update(func(p *types.TradePair) { p.AuctionMode = types.AuctionOpen })
			},
			req:  func(h *harness) types.NewOrder { return h.order("bob", types.SideBuy, "0", "1", market) },
			code: types.CodeMarketInAuction,
		},
		{
			name: "zero quantity",
			req:  func(h *harness) types.NewOrder { return h.order("bob", types.SideBuy, "10", "0") },
			code: types.CodeInvalidQuantity,
		},
		{
			name: "zero price",
			req:  func(h *harness) types.NewOrder { return h.order("bob", types.SideBuy, "0", "1") },
			code: types.CodeInvalidPrice,
		},
		{
			name: "price decimals",
			req:  func(h *harness) types.NewOrder { return h.order("bob", types.SideBuy, "10.1234", "1") },
			code: types.CodePriceDecimals,
		},
		{
			name: "quantity decimals",
			req:  func(h *harness) types.NewOrder { return h.order("bob", types.SideBuy, "10", "1.0001") },
			code: types.CodeQuantityDecimals,
		},
		{
			name:  "duplicate client id",
			setup: func(h *harness) { h.buy("bob", "5", "1", clientID("dup")) },
			req:   func(h *harness) types.NewOrder { return h.order("bob", types.SideBuy, "6", "1", clientID("dup")) },
			code:  types.CodeDuplicateClientID,
		},
		{
			name: "market with empty book",
			req:  func(h *harness) types.NewOrder { return h.order("bob", types.SideBuy, "0", "1", market) },
			code: types.CodeMarketEmptyBook,
		},
		{
			name: "limit below min trade",
			req:  func(h *harness) types.NewOrder { return h.order("bob", types.SideBuy, "0.5", "1") },
			code: types.CodeLimitBelowMin,
		},
		{
			name: "limit above max trade",
			req:  func(h *harness) types.NewOrder { return h.order("bob", types.SideBuy, "1000", "101") },
			code: types.CodeLimitAboveMax,
		},
		{
			name:  "market below min trade",
			setup: func(h *harness) { h.sell("alice", "0.5", "10") },
			req:   func(h *harness) types.NewOrder { return h.order("bob", types.SideBuy, "0", "1", market) },
			code:  types.CodeMarketBelowMin,
		},
		{
			name:  "market above max trade",
			setup: func(h *harness) { h.buy("alice", "1000", "1") },
			req:   func(h *harness) types.NewOrder { return h.order("bob", types.SideSell, "0", "101", market) },
			code:  types.CodeMarketAboveMax,
		},
		{
			name: "insufficient funds",
			req:  func(h *harness) types.NewOrder { return h.order("pauper", types.SideBuy, "10", "1") },
			code: types.CodeInsufficientFunds,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.fund("alice", "bob")
			if tt.setup != nil {
				tt.setup(h)
			}
			req := tt.req(h)
			before := h.ledger.Balances(req.TraderID)
			caller := tt.caller
			if caller == "" {
				caller = req.TraderID
			}

			h.engine.Begin()
			o, err := h.engine.Submit(caller, req)
			require.NoError(t, err)
			report := h.engine.Commit()

			assert.Equal(t, types.StatusRejected, o.Status)
			assert.Equal(t, tt.code, o.Code)
			assert.Empty(t, report.Fills)
			require.NotEmpty(t, report.Changes)
			assert.Equal(t, tt.code, report.Changes[len(report.Changes)-1].Code)
			assertBalances(t, before, h.ledger.Balances(req.TraderID))
		})
	}
}

func TestUnknownPairIsStructural(t *testing.T) {
	h := newHarness(t)
	req := h.order("bob", types.SideBuy, "10", "1")
	req.PairID = "NOPE/USDC"
	h.engine.Begin()
	_, err := h.engine.Submit("bob", req)
	h.engine.Rollback()
	assert.ErrorIs(t, err, errUnknownPair)
}

func TestRollbackRestoresEverything(t *testing.T) {
	h := newHarness(t)
	h.fund("alice", "bob")
	ask, _ := h.sell("alice", "10", "2")
	aliceBefore := h.ledger.Balances("alice")
	bobBefore := h.ledger.Balances("bob")

	h.engine.Begin()
	buy, err := h.engine.Submit("bob", h.order("bob", types.SideBuy, "10", "3"))
	require.NoError(t, err)
	assert.Equal(t, types.StatusPartial, buy.Status)
	_, err = h.engine.Submit("bob", h.order("bob", types.SideBuy, "8", "1", clientID("later")))
	require.NoError(t, err)
	h.engine.Rollback()

	assertBalances(t, aliceBefore, h.ledger.Balances("alice"))
	assertBalances(t, bobBefore, h.ledger.Balances("bob"))
	assertDec(t, "0", h.ledger.Balance("fees", "USDC").Available)
	o, ok := h.engine.Order(ask.ID)
	require.True(t, ok)
	assertDec(t, "2", o.Remaining())
	assert.Equal(t, ask.UpdateSeq, o.UpdateSeq)
	_, ok = h.engine.Order(buy.ID)
	assert.False(t, ok)
	_, ok = h.engine.OrderByClientID("bob", "later")
	assert.False(t, ok)
	assert.Empty(t, h.engine.Depth(pairID, types.SideBuy, 0))

	next, _ := h.buy("bob", "9", "1")
	assert.Equal(t, ask.UpdateSeq+1, next.CreateSeq)
}

func TestCancel(t *testing.T) {
	h := newHarness(t)
	h.fund("alice", "bob")
	bid, _ := h.buy("alice", "10", "2")

	change := h.cancel("bob", bid.ID)
	assert.Equal(t, types.StatusCancelRejected, change.Status)
	assert.Equal(t, types.CodeNotOwnerCancel, change.Code)
	assert.Empty(t, change.ClientOrderID)

	h.update(func(p *types.TradePair) { p.Paused = true })
	change = h.cancel("alice", bid.ID)
	assert.Equal(t, types.CodePairPausedCancel, change.Code)

	h.update(func(p *types.TradePair) { p.Paused = false })
	change = h.cancel("alice", bid.ID)
	assert.Equal(t, types.StatusCanceled, change.Status)
	assert.Equal(t, bid.ClientOrderID, change.ClientOrderID)
	assertDec(t, "0", h.ledger.Balance("alice", "USDC").Locked)
	assert.True(t, h.engine.BookEmpty(pairID))
}

func TestCancelReplace(t *testing.T) {
	t.Run("replaces", func(t *testing.T) {
		h := newHarness(t)
		h.fund("alice")
		bid, _ := h.buy("alice", "10", "2")

		h.engine.Begin()
		canceled, repl, err := h.engine.CancelReplace("alice", types.Replacement{OrderID: bid.ID, ClientOrderID: "r1", Price: d("11"), Quantity: d("3")}, types.CodePairPausedCancel)
		require.NoError(t, err)
		h.engine.Commit()

		assert.Equal(t, types.StatusCanceled, canceled.Status)
		require.NotNil(t, repl)
		assert.Equal(t, types.StatusNew, repl.Status)
		assert.Equal(t, types.SideBuy, repl.Side)
		assertDec(t, "33", h.ledger.Balance("alice", "USDC").Locked)
	})

	t.Run("original not cancelable changes nothing", func(t *testing.T) {
		h := newHarness(t)
		h.fund("alice")
		h.engine.Begin()
		canceled, repl, err := h.engine.CancelReplace("alice", types.Replacement{OrderID: "missing", ClientOrderID: "r1", Price: d("11"), Quantity: d("3")}, types.CodePairPausedCancel)
		require.NoError(t, err)
		report := h.engine.Commit()
		assert.Equal(t, types.StatusCancelRejected, canceled.Status)
		assert.Nil(t, repl)
		assert.Len(t, report.Changes, 1)
	})

	t.Run("reused client id leaves original resting", func(t *testing.T) {
		h := newHarness(t)
		h.fund("alice")
		bid, _ := h.buy("alice", "10", "2")
		other, _ := h.buy("alice", "9", "1")

		for _, reused := range []string{bid.ClientOrderID, other.ClientOrderID} {
			h.engine.Begin()
			canceled, repl, err := h.engine.CancelReplace("alice", types.Replacement{OrderID: bid.ID, ClientOrderID: reused, Price: d("11"), Quantity: d("3")}, types.CodePairPausedCancel)
			var batchErr *BatchError
			require.ErrorAs(t, err, &batchErr, reused)
			assert.Equal(t, types.CodeDuplicateClientID, batchErr.Code)
			assert.Equal(t, bid.ID, batchErr.OrderID)
			assert.Empty(t, canceled.Status)
			assert.Nil(t, repl)
			h.engine.Rollback()

			o, ok := h.engine.Order(bid.ID)
			require.True(t, ok)
			assert.Equal(t, types.StatusNew, o.Status)
		}
		assertDec(t, "29", h.ledger.Balance("alice", "USDC").Locked)
	})

	t.Run("rejected replacement leaves original resting", func(t *testing.T) {
		h := newHarness(t)
		h.fund("alice")
		bid, _ := h.buy("alice", "10", "2")

		h.engine.Begin()
		_, repl, err := h.engine.CancelReplace("alice", types.Replacement{OrderID: bid.ID, ClientOrderID: "r1", Price: d("11.12345"), Quantity: d("3")}, types.CodePairPausedCancel)
		var batchErr *BatchError
		require.ErrorAs(t, err, &batchErr)
		assert.Equal(t, types.CodePriceDecimals, batchErr.Code)
		assert.Nil(t, repl)

		// restored before the caller rolls back
		o, ok := h.engine.Order(bid.ID)
		require.True(t, ok)
		assert.Equal(t, types.StatusNew, o.Status)
		_, ok = h.engine.OrderByClientID("alice", "r1")
		assert.False(t, ok)
		h.engine.Rollback()

		assertDec(t, "20", h.ledger.Balance("alice", "USDC").Locked)
		levels := h.engine.Depth(pairID, types.SideBuy, 10)
		require.Len(t, levels, 1)
		assertDec(t, "10", levels[0].Price)
	})

	t.Run("unfunded replacement still cancels original", func(t *testing.T) {
		h := newHarness(t)
		require.NoError(t, h.ledger.Deposit("alice", "USDC", d("20")))
		bid, _ := h.buy("alice", "10", "2")

		h.engine.Begin()
		canceled, repl, err := h.engine.CancelReplace("alice", types.Replacement{OrderID: bid.ID, ClientOrderID: "r1", Price: d("10"), Quantity: d("5")}, types.CodePairPausedCancel)
		require.NoError(t, err)
		h.engine.Commit()
		assert.Equal(t, types.StatusCanceled, canceled.Status)
		require.NotNil(t, repl)
		assert.Equal(t, types.StatusRejected, repl.Status)
		assert.Equal(t, types.CodeInsufficientFunds, repl.Code)
		_, ok := h.engine.Order(bid.ID)
		assert.False(t, ok)
		assertDec(t, "20", h.ledger.Balance("alice", "USDC").Available)
	})
}

func TestMassCancel(t *testing.T) {
	h := newHarness(t)
	h.fund("alice", "bob")
	_, _ = h.buy("alice", "10", "1")
	_, _ = h.buy("bob", "11", "1")
	_, _ = h.buy("alice", "9", "1")
	_, _ = h.sell("bob", "12", "1")

	h.engine.Begin()
	_, err := h.engine.MassCancel(pairID, types.SideBuy, 2)
	h.engine.Rollback()
	assert.ErrorIs(t, err, ErrPairNotPaused)

	h.update(func(p *types.TradePair) { p.Paused = true })
	h.engine.Begin()
	n, err := h.engine.MassCancel(pairID, types.SideBuy, 2)
	require.NoError(t, err)
	report := h.engine.Commit()
	assert.Equal(t, 2, n)
	require.Len(t, report.Changes, 2)
	for _, c := range report.Changes {
		assert.Equal(t, types.CodeMassCancel, c.Code)
	}

	levels := h.engine.Depth(pairID, types.SideBuy, 0)
	require.Len(t, levels, 1)
	assertDec(t, "9", levels[0].Price)
	assert.Len(t, h.engine.Depth(pairID, types.SideSell, 0), 1)
}

func TestAuction(t *testing.T) {
	h := newHarness(t)
	h.fund("alice", "bob")
	h.update(func(p *types.TradePair) { p.AuctionMode = types.AuctionOpen })

	bid, report := h.buy("alice", "11", "2")
	assert.Equal(t, types.StatusNew, bid.Status)
	ask, report := h.sell("bob", "10", "2")
	assert.Equal(t, types.StatusNew, ask.Status)
	assert.Empty(t, report.Fills)
	assert.True(t, h.engine.Crossed(pairID))

	h.engine.Begin()
	_, err := h.engine.MatchAuction(pairID, 10)
	h.engine.Rollback()
	assert.ErrorIs(t, err, ErrAuctionNotMatching)

	h.update(func(p *types.TradePair) { p.AuctionMode = types.AuctionMatching })
	h.engine.Begin()
	_, err = h.engine.MatchAuction(pairID, 10)
	h.engine.Rollback()
	assert.ErrorIs(t, err, ErrAuctionNoPrice)

	h.update(func(p *types.TradePair) { p.AuctionPrice = d("10.5") })
	h.engine.Begin()
	n, err := h.engine.MatchAuction(pairID, 10)
	require.NoError(t, err)
	report = h.engine.Commit()
	assert.Equal(t, 1, n)
	require.Len(t, report.Fills, 1)
	f := report.Fills[0]
	assertDec(t, "10.5", f.Price)
	assert.Equal(t, bid.ID, f.MakerOrderID)
	// both sides pay the 10 bps maker rate
	assertDec(t, "0.021", f.TakerFee)
	assertDec(t, "0.002", f.MakerFee)

	assert.False(t, h.engine.Crossed(pairID))
	assert.True(t, h.engine.BookEmpty(pairID))
	bal := h.ledger.Balance("alice", "USDC")
	assertDec(t, "0", bal.Locked)
	assertDec(t, "99979", bal.Available)
}

func TestSlotsAreReusedAfterCommit(t *testing.T) {
	h := newHarness(t)
	h.fund("alice")
	for i := 0; i < 5; i++ {
		o, _ := h.buy("alice", "10", "1")
		h.cancel("alice", o.ID)
	}
	assert.LessOrEqual(t, len(h.engine.slots), 2)

	o, _ := h.buy("alice", "10", "1")
	got, ok := h.engine.Order(o.ID)
	require.True(t, ok)
	assert.Equal(t, o.ID, got.ID)
	assert.Len(t, h.engine.OpenOrders("alice"), 1)
}
