package orderbook

import (
	"github.com/ksred/klear-dex/internal/types"
	"github.com/shopspring/decimal"
	"github.com/tidwall/btree"
)

// Level is a single price on one side of the book. Orders holds resting order
// ids in arrival order.
type Level struct {
	Price  decimal.Decimal
	Orders []string
}

// Side is one half of a pair's book. Levels are kept in priority order so the
// tree minimum is always the best price: highest bid, lowest ask.
type Side struct {
	side   types.Side
	levels *btree.BTreeG[*Level]
	orders int
}

func NewSide(side types.Side) *Side {
	less := func(a, b *Level) bool { return a.Price.LessThan(b.Price) }
	if side == types.SideBuy {
		less = func(a, b *Level) bool { return a.Price.GreaterThan(b.Price) }
	}
	return &Side{
		side:   side,
		levels: btree.NewBTreeGOptions(less, btree.Options{NoLocks: true}),
	}
}

func (s *Side) Side() types.Side { return s.side }

// Best returns the highest priority level.
func (s *Side) Best() (*Level, bool) {
	return s.levels.Min()
}

// Front returns the oldest order at the best price.
func (s *Side) Front() (string, bool) {
	lvl, ok := s.levels.Min()
	if !ok {
		return "", false
	}
	return lvl.Orders[0], true
}

func (s *Side) Level(price decimal.Decimal) (*Level, bool) {
	return s.levels.Get(&Level{Price: price})
}

// Push appends an order to the back of the queue at price.
func (s *Side) Push(price decimal.Decimal, orderID string) {
	s.InsertAt(price, orderID, -1)
}

// InsertAt places an order at position pos of the queue at price. A negative
// or out of range position appends.
func (s *Side) InsertAt(price decimal.Decimal, orderID string, pos int) {
	lvl, ok := s.levels.Get(&Level{Price: price})
	if !ok {
		lvl = &Level{Price: price}
		s.levels.Set(lvl)
	}
	if pos < 0 || pos >= len(lvl.Orders) {
		lvl.Orders = append(lvl.Orders, orderID)
	} else {
		lvl.Orders = append(lvl.Orders, "")
		copy(lvl.Orders[pos+1:], lvl.Orders[pos:])
		lvl.Orders[pos] = orderID
	}
	s.orders++
}

// Remove takes an order out of the queue at price and returns the position it
// held. The level is dropped once its queue is empty.
func (s *Side) Remove(price decimal.Decimal, orderID string) (int, bool) {
	lvl, ok := s.levels.Get(&Level{Price: price})
	if !ok {
		return -1, false
	}
	for i, id := range lvl.Orders {
		if id != orderID {
			continue
		}
		lvl.Orders = append(lvl.Orders[:i], lvl.Orders[i+1:]...)
		if len(lvl.Orders) == 0 {
			s.levels.Delete(lvl)
		}
		s.orders--
		return i, true
	}
	return -1, false
}

// Walk visits levels from best to worst until fn returns false.
func (s *Side) Walk(fn func(*Level) bool) {
	s.levels.Scan(fn)
}

// OrderIDs returns up to limit resting ids in priority order. A limit of zero
// or less returns all of them.
func (s *Side) OrderIDs(limit int) []string {
	var ids []string
	s.Walk(func(lvl *Level) bool {
		for _, id := range lvl.Orders {
			if limit > 0 && len(ids) == limit {
				return false
			}
			ids = append(ids, id)
		}
		return true
	})
	return ids
}

// Len is the number of resting orders.
func (s *Side) Len() int { return s.orders }

// Depth is the number of price levels.
func (s *Side) Depth() int { return s.levels.Len() }

func (s *Side) Empty() bool { return s.orders == 0 }

// Book holds both sides of a single trading pair.
type Book struct {
	PairID string
	Bids   *Side
	Asks   *Side
}

func NewBook(pairID string) *Book {
	return &Book{
		PairID: pairID,
		Bids:   NewSide(types.SideBuy),
		Asks:   NewSide(types.SideSell),
	}
}

// Side returns the resting side that holds orders of the given side.
func (b *Book) Side(side types.Side) *Side {
	if side == types.SideBuy {
		return b.Bids
	}
	return b.Asks
}

// Crossed reports whether the best bid is at or above the best ask.
func (b *Book) Crossed() bool {
	bid, ok := b.Bids.Best()
	if !ok {
		return false
	}
	ask, ok := b.Asks.Best()
	if !ok {
		return false
	}
	return bid.Price.GreaterThanOrEqual(ask.Price)
}

func (b *Book) Empty() bool {
	return b.Bids.Empty() && b.Asks.Empty()
}
