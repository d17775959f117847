package matching

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/ksred/klear-dex/internal/orderbook"
	"github.com/ksred/klear-dex/internal/types"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

var (
	ErrPairNotPaused      = errors.New("pair is not paused")
	ErrAuctionNotMatching = types.NewCodeError(types.CodeAuctionNotMatching, "auction mode is not MATCHING")
	ErrAuctionNoPrice     = types.NewCodeError(types.CodeAuctionNoPrice, "auction price is not set")
)

// PairSource hands out the current configuration of a pair. It is consulted on
// every call so admin changes apply immediately.
type PairSource interface {
	Pair(id string) (types.TradePair, error)
}

// Custody holds trader balances on behalf of the engine.
type Custody interface {
	Reserve(trader, currency string, amount decimal.Decimal) error
	Release(trader, currency string, amount decimal.Decimal)
	SettleFill(s types.Settlement) error
	ReverseFill(s types.Settlement)
}

// RateLookup resolves maker and taker fee rates in basis points.
type RateLookup interface {
	Rates(maker, taker, pairID string, defaultMaker, defaultTaker uint32) (uint32, uint32)
}

// BatchError aborts a whole batch. Index is the offending member's position.
type BatchError struct {
	Index   int
	OrderID string
	Code    types.Code
}

func (e *BatchError) Error() string {
	return fmt.Sprintf("batch aborted at member %d: %s", e.Index, e.Code)
}

func (e *BatchError) OutcomeCode() string { return string(e.Code) }

// slot is one arena entry. locked is what the order still holds in custody.
type slot struct {
	order  types.Order
	locked decimal.Decimal
	dead   bool
}

type savepoint struct {
	journal int
	changes int
	fills   int
	seq     uint64
}

// Engine owns every book and every active order. It is not safe for
// concurrent use: callers serialize access and bracket each logical call with
// Begin and Commit or Rollback.
type Engine struct {
	pairs   PairSource
	custody Custody
	rates   RateLookup

	books   map[string]*orderbook.Book
	slots   []slot
	free    []int
	retired []int
	index   map[string]int
	clients map[string]map[string]string
	seq     uint64

	journal []func()
	start   savepoint
	changes []types.StatusChange
	fills   []types.Fill

	now    func() time.Time
	newID  func() string
	logger zerolog.Logger
}

func NewEngine(pairs PairSource, custody Custody, rates RateLookup) *Engine {
	return &Engine{
		pairs:   pairs,
		custody: custody,
		rates:   rates,
		books:   make(map[string]*orderbook.Book),
		index:   make(map[string]int),
		clients: make(map[string]map[string]string),
		now:     time.Now,
		newID:   uuid.NewString,
		logger:  log.With().Str("component", "matching").Logger(),
	}
}

// Begin opens a logical transaction.
func (e *Engine) Begin() {
	e.journal = e.journal[:0]
	e.changes = nil
	e.fills = nil
	e.start = e.mark()
}

// Commit makes every change since Begin permanent and returns what it produced.
func (e *Engine) Commit() types.Report {
	report := types.Report{Changes: e.changes, Fills: e.fills}
	e.free = append(e.free, e.retired...)
	e.retired = e.retired[:0]
	e.journal = e.journal[:0]
	e.changes = nil
	e.fills = nil
	return report
}

// Rollback undoes every change since Begin. Nothing is reported.
func (e *Engine) Rollback() {
	e.rollbackTo(e.start)
	e.changes = nil
	e.fills = nil
}

func (e *Engine) mark() savepoint {
	return savepoint{journal: len(e.journal), changes: len(e.changes), fills: len(e.fills), seq: e.seq}
}

func (e *Engine) rollbackTo(sp savepoint) {
	for len(e.journal) > sp.journal {
		n := len(e.journal) - 1
		undo := e.journal[n]
		e.journal = e.journal[:n]
		undo()
	}
	e.changes = e.changes[:sp.changes]
	e.fills = e.fills[:sp.fills]
	e.seq = sp.seq
}

func (e *Engine) record(undo func()) {
	e.journal = append(e.journal, undo)
}

func (e *Engine) next() uint64 {
	e.seq++
	return e.seq
}

func (e *Engine) pair(id string) (types.TradePair, error) {
	pair, err := e.pairs.Pair(id)
	if err != nil {
		return types.TradePair{}, fmt.Errorf("failed to load pair %s: %w", id, err)
	}
	return pair, nil
}

func (e *Engine) book(pairID string) *orderbook.Book {
	b, ok := e.books[pairID]
	if !ok {
		b = orderbook.NewBook(pairID)
		e.books[pairID] = b
	}
	return b
}

// arena

func (e *Engine) alloc(o types.Order) int {
	if n := len(e.free); n > 0 {
		i := e.free[n-1]
		e.free = e.free[:n-1]
		prev := e.slots[i]
		e.slots[i] = slot{order: o}
		e.record(func() {
			e.slots[i] = prev
			e.free = append(e.free, i)
		})
		return i
	}
	e.slots = append(e.slots, slot{order: o})
	i := len(e.slots) - 1
	e.record(func() { e.slots = e.slots[:i] })
	return i
}

// touch snapshots a slot before it is mutated.
func (e *Engine) touch(i int) {
	prev := e.slots[i]
	e.record(func() { e.slots[i] = prev })
}

func (e *Engine) register(i int) {
	o := e.slots[i].order
	e.index[o.ID] = i
	e.setClient(o.TraderID, o.ClientOrderID, o.ID)
	e.record(func() {
		delete(e.index, o.ID)
		e.dropClient(o.TraderID, o.ClientOrderID)
	})
}

// retire marks a slot dead and forgets its ids. The slot is reused only after
// the transaction commits.
func (e *Engine) retire(i int) {
	e.touch(i)
	e.slots[i].dead = true
	o := e.slots[i].order
	delete(e.index, o.ID)
	e.dropClient(o.TraderID, o.ClientOrderID)
	e.retired = append(e.retired, i)
	e.record(func() {
		e.retired = e.retired[:len(e.retired)-1]
		e.index[o.ID] = i
		e.setClient(o.TraderID, o.ClientOrderID, o.ID)
	})
}

func (e *Engine) setClient(trader, clientOrderID, orderID string) {
	ids, ok := e.clients[trader]
	if !ok {
		ids = make(map[string]string)
		e.clients[trader] = ids
	}
	ids[clientOrderID] = orderID
}

func (e *Engine) dropClient(trader, clientOrderID string) {
	if ids, ok := e.clients[trader]; ok {
		delete(ids, clientOrderID)
		if len(ids) == 0 {
			delete(e.clients, trader)
		}
	}
}

func (e *Engine) active(orderID string) (int, bool) {
	i, ok := e.index[orderID]
	if !ok || e.slots[i].dead {
		return -1, false
	}
	return i, true
}

// book mutations

func (e *Engine) rest(i int) {
	o := e.slots[i].order
	side := e.book(o.PairID).Side(o.Side)
	side.Push(o.Price, o.ID)
	e.record(func() { side.Remove(o.Price, o.ID) })
}

func (e *Engine) unrest(i int) {
	o := e.slots[i].order
	side := e.book(o.PairID).Side(o.Side)
	pos, ok := side.Remove(o.Price, o.ID)
	if !ok {
		return
	}
	e.record(func() { side.InsertAt(o.Price, o.ID, pos) })
}

// custody calls

func lockCurrency(pair types.TradePair, side types.Side) string {
	if side == types.SideBuy {
		return pair.QuoteSymbol
	}
	return pair.BaseSymbol
}

func (e *Engine) lock(pair types.TradePair, i int, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return nil
	}
	o := e.slots[i].order
	currency := lockCurrency(pair, o.Side)
	if err := e.custody.Reserve(o.TraderID, currency, amount); err != nil {
		return err
	}
	e.record(func() { e.custody.Release(o.TraderID, currency, amount) })
	e.touch(i)
	e.slots[i].locked = e.slots[i].locked.Add(amount)
	return nil
}

func (e *Engine) unlock(pair types.TradePair, i int, amount decimal.Decimal) {
	if !amount.IsPositive() {
		return
	}
	o := e.slots[i].order
	currency := lockCurrency(pair, o.Side)
	e.custody.Release(o.TraderID, currency, amount)
	e.record(func() {
		if err := e.custody.Reserve(o.TraderID, currency, amount); err != nil {
			e.logger.Error().Err(err).Str("order_id", o.ID).Msg("failed to restore reservation on rollback")
		}
	})
	e.touch(i)
	e.slots[i].locked = e.slots[i].locked.Sub(amount)
}

func (e *Engine) settle(s types.Settlement) error {
	if err := e.custody.SettleFill(s); err != nil {
		return err
	}
	e.record(func() { e.custody.ReverseFill(s) })
	return nil
}

// events

func (e *Engine) emit(o types.Order) {
	e.changes = append(e.changes, types.StatusChange{
		Seq:           o.UpdateSeq,
		PairID:        o.PairID,
		TraderID:      o.TraderID,
		ClientOrderID: o.ClientOrderID,
		OrderID:       o.ID,
		Status:        o.Status,
		Code:          o.Code,
		Order:         o,
		Timestamp:     o.UpdatedAt,
	})
}

func (e *Engine) transition(i int, status types.Status, code types.Code) {
	e.touch(i)
	o := &e.slots[i].order
	o.Status = status
	o.Code = code
	o.UpdateSeq = e.next()
	o.UpdatedAt = e.now()
	e.emit(*o)
}

// finish takes an order out of play for good: its reservation is returned, it
// leaves the book and its final status is reported.
func (e *Engine) finish(pair types.TradePair, i int, status types.Status, code types.Code) {
	e.unlock(pair, i, e.slots[i].locked)
	e.unrest(i)
	e.transition(i, status, code)
	e.retire(i)
}

func (e *Engine) reject(o types.Order, code types.Code) types.Order {
	o.Status = types.StatusRejected
	o.Code = code
	o.UpdateSeq = e.next()
	o.UpdatedAt = e.now()
	e.emit(o)
	e.logger.Debug().
		Str("pair_id", o.PairID).
		Str("trader", o.TraderID).
		Str("client_order_id", o.ClientOrderID).
		Str("code", string(code)).
		Msg("order rejected")
	return o
}
