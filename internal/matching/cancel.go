package matching

import (
	"github.com/ksred/klear-dex/internal/types"
)

// CheckCancel reports why caller may not cancel orderID, or CodeNone when it
// may. pausedCode is the code used when the order's pair is halted.
func (e *Engine) CheckCancel(caller, orderID string, pausedCode types.Code) (types.Code, error) {
	i, ok := e.active(orderID)
	if !ok {
		return types.CodeNotActive, nil
	}
	o := e.slots[i].order
	if o.TraderID != caller {
		return types.CodeNotOwnerCancel, nil
	}
	pair, err := e.pair(o.PairID)
	if err != nil {
		return types.CodeNone, err
	}
	if pair.Halted() {
		return pausedCode, nil
	}
	return types.CodeNone, nil
}

// Cancel removes an active order owned by caller. When that is not possible a
// CANCEL_REJECTED change is reported instead and nothing else moves.
func (e *Engine) Cancel(caller, orderID string, pausedCode types.Code) (types.StatusChange, error) {
	code, err := e.CheckCancel(caller, orderID, pausedCode)
	if err != nil {
		return types.StatusChange{}, err
	}
	if code != types.CodeNone {
		return e.cancelRejected(caller, orderID, code), nil
	}

	i := e.index[orderID]
	pair, err := e.pair(e.slots[i].order.PairID)
	if err != nil {
		return types.StatusChange{}, err
	}
	e.finish(pair, i, types.StatusCanceled, types.CodeNone)
	return e.changes[len(e.changes)-1], nil
}

// CancelReplace cancels an order and submits a new one on the same pair and
// side with new terms. If the original cannot be canceled a CANCEL_REJECTED
// change is reported and nothing else moves. A replacement that reuses a
// client id still held by caller, or that admission rejects for any reason
// other than custody, aborts the call with a *BatchError and leaves the
// original resting. A custody rejection keeps the original canceled.
func (e *Engine) CancelReplace(caller string, r types.Replacement, pausedCode types.Code) (types.StatusChange, *types.Order, error) {
	code, err := e.CheckCancel(caller, r.OrderID, pausedCode)
	if err != nil {
		return types.StatusChange{}, nil, err
	}
	if code != types.CodeNone {
		return e.cancelRejected(caller, r.OrderID, code), nil, nil
	}
	// the original's own id counts as held until it is gone
	if _, taken := e.clients[caller][r.ClientOrderID]; taken {
		return types.StatusChange{}, nil, &BatchError{OrderID: r.OrderID, Code: types.CodeDuplicateClientID}
	}

	sp := e.mark()
	canceled, err := e.Cancel(caller, r.OrderID, pausedCode)
	if err != nil {
		return canceled, nil, err
	}

	orig := canceled.Order
	replacement, err := e.Submit(caller, types.NewOrder{
		ClientOrderID: r.ClientOrderID,
		TraderID:      orig.TraderID,
		PairID:        orig.PairID,
		Side:          orig.Side,
		Kind:          orig.Kind,
		TimeInForce:   orig.TimeInForce,
		STP:           orig.STP,
		Price:         r.Price,
		Quantity:      r.Quantity,
	})
	if err != nil {
		return canceled, nil, err
	}
	if replacement.Status == types.StatusRejected && replacement.Code != types.CodeInsufficientFunds {
		e.rollbackTo(sp)
		return types.StatusChange{}, nil, &BatchError{OrderID: r.OrderID, Code: replacement.Code}
	}
	return canceled, &replacement, nil
}

func (e *Engine) cancelRejected(caller, orderID string, code types.Code) types.StatusChange {
	change := types.StatusChange{
		Seq:       e.next(),
		TraderID:  caller,
		OrderID:   orderID,
		Status:    types.StatusCancelRejected,
		Code:      code,
		Timestamp: e.now(),
	}
	if i, ok := e.active(orderID); ok {
		o := e.slots[i].order
		change.PairID = o.PairID
		if o.TraderID == caller {
			change.ClientOrderID = o.ClientOrderID
			change.Order = o
		}
	}
	e.changes = append(e.changes, change)
	e.logger.Debug().Str("trader", caller).Str("order_id", orderID).Str("code", string(code)).Msg("cancel rejected")
	return change
}

// MassCancel removes up to limit resting orders from one side of a paused
// pair, best price first. A limit of zero or less clears the side.
func (e *Engine) MassCancel(pairID string, side types.Side, limit int) (int, error) {
	pair, err := e.pair(pairID)
	if err != nil {
		return 0, err
	}
	if !pair.Paused {
		return 0, ErrPairNotPaused
	}
	ids := e.book(pair.ID).Side(side).OrderIDs(limit)
	for _, id := range ids {
		e.finish(pair, e.index[id], types.StatusCanceled, types.CodeMassCancel)
	}
	e.logger.Info().Str("pair_id", pair.ID).Str("side", string(side)).Int("canceled", len(ids)).Msg("mass cancel")
	return len(ids), nil
}
