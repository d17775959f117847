package matching

import (
	"sort"

	"github.com/ksred/klear-dex/internal/orderbook"
	"github.com/ksred/klear-dex/internal/types"
	"github.com/shopspring/decimal"
)

// Order returns an active order by system id.
func (e *Engine) Order(orderID string) (types.Order, bool) {
	i, ok := e.active(orderID)
	if !ok {
		return types.Order{}, false
	}
	return e.slots[i].order, true
}

// OrderByClientID returns an active order by its owner's client order id.
func (e *Engine) OrderByClientID(traderID, clientOrderID string) (types.Order, bool) {
	id, ok := e.clients[traderID][clientOrderID]
	if !ok {
		return types.Order{}, false
	}
	return e.Order(id)
}

// OpenOrders lists a trader's active orders in admission order.
func (e *Engine) OpenOrders(traderID string) []types.Order {
	ids := e.clients[traderID]
	orders := make([]types.Order, 0, len(ids))
	for _, id := range ids {
		if o, ok := e.Order(id); ok {
			orders = append(orders, o)
		}
	}
	sort.Slice(orders, func(a, b int) bool { return orders[a].CreateSeq < orders[b].CreateSeq })
	return orders
}

// Depth aggregates up to depth levels of one side, best first. A depth of
// zero or less returns every level.
func (e *Engine) Depth(pairID string, side types.Side, depth int) []types.BookLevel {
	book, ok := e.books[pairID]
	if !ok {
		return nil
	}
	var levels []types.BookLevel
	book.Side(side).Walk(func(lvl *orderbook.Level) bool {
		if depth > 0 && len(levels) == depth {
			return false
		}
		qty := decimal.Zero
		for _, id := range lvl.Orders {
			qty = qty.Add(e.slots[e.index[id]].order.Remaining())
		}
		levels = append(levels, types.BookLevel{Price: lvl.Price, Quantity: qty, Orders: len(lvl.Orders)})
		return true
	})
	return levels
}

// Crossed reports whether a pair's best bid is at or above its best ask.
func (e *Engine) Crossed(pairID string) bool {
	book, ok := e.books[pairID]
	return ok && book.Crossed()
}

// BookEmpty reports whether a pair has no resting orders.
func (e *Engine) BookEmpty(pairID string) bool {
	book, ok := e.books[pairID]
	return !ok || book.Empty()
}

// DropBook forgets an empty book, typically after its pair was removed.
func (e *Engine) DropBook(pairID string) {
	if e.BookEmpty(pairID) {
		delete(e.books, pairID)
	}
}
