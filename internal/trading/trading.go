package trading

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ksred/klear-dex/internal/events"
	"github.com/ksred/klear-dex/internal/matching"
	"github.com/ksred/klear-dex/internal/metrics"
	"github.com/ksred/klear-dex/internal/registry"
	"github.com/ksred/klear-dex/internal/types"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

const (
	defaultHistoryLimit = 100
	idempotencyTTL      = 24 * time.Hour
)

var ErrOrderNotFound = errors.New("order not found")

// Service is the order lifecycle controller. It serializes every call, runs
// it as one engine transaction and publishes what the transaction produced
// only once it is committed.
type Service struct {
	mu        sync.Mutex
	engine    *matching.Engine
	registry  *registry.Registry
	publisher events.Publisher
	metrics   *metrics.Metrics
	db        *Database
	logger    zerolog.Logger
}

// NewService wires the controller. gormDB may be nil to skip status history.
func NewService(gormDB *gorm.DB, engine *matching.Engine, reg *registry.Registry, publisher events.Publisher, m *metrics.Metrics) *Service {
	s := &Service{
		engine:    engine,
		registry:  reg,
		publisher: publisher,
		metrics:   m,
		logger:    log.With().Str("component", "trading").Logger(),
	}
	if gormDB != nil {
		s.db = NewDatabase(gormDB)
	}
	return s
}

// Locker exposes the controller's serialization lock so other components can
// observe the ledger between transactions.
func (s *Service) Locker() sync.Locker {
	return &s.mu
}

// transact runs fn as one logical transaction. Any error rolls back all of
// fn's effects and nothing is published.
func (s *Service) transact(ctx context.Context, op string, fn func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.metrics != nil {
		defer s.metrics.Time(op)()
	}

	s.engine.Begin()
	if err := fn(); err != nil {
		s.engine.Rollback()
		var batchErr *matching.BatchError
		if errors.As(err, &batchErr) {
			s.logger.Info().Str("operation", op).Int("index", batchErr.Index).Str("code", string(batchErr.Code)).Msg("batch aborted")
			if s.metrics != nil {
				s.metrics.BatchAborted(op, batchErr.Code)
			}
		}
		return err
	}
	s.deliver(ctx, s.engine.Commit())
	return nil
}

// deliver records and publishes a committed report. Failures here cannot undo
// the transaction, so they are logged.
func (s *Service) deliver(ctx context.Context, report types.Report) {
	if s.metrics != nil {
		s.metrics.Observe(report)
	}
	if s.db != nil {
		if err := s.db.SaveReport(report); err != nil {
			s.logger.Error().Err(err).Int("changes", len(report.Changes)).Int("fills", len(report.Fills)).Msg("failed to persist status history")
		}
	}
	if s.publisher != nil {
		if err := s.publisher.Publish(ctx, report); err != nil {
			s.logger.Error().Err(err).Msg("failed to publish events")
		}
	}
}

// SubmitOrder places a single order.
func (s *Service) SubmitOrder(ctx context.Context, submitter string, req types.NewOrder) (types.Order, error) {
	var order types.Order
	err := s.transact(ctx, "submit", func() error {
		var err error
		order, err = s.engine.Submit(submitter, req)
		return err
	})
	return order, err
}

func (s *Service) submitAll(submitter string, reqs []types.NewOrder) ([]types.Order, error) {
	orders := make([]types.Order, 0, len(reqs))
	for i, req := range reqs {
		o, err := s.engine.Submit(submitter, req)
		if err != nil {
			return nil, fmt.Errorf("order %d: %w", i, err)
		}
		if o.Code == types.CodeFOKNotFilled {
			return nil, &matching.BatchError{Index: i, OrderID: o.ID, Code: o.Code}
		}
		orders = append(orders, o)
	}
	return orders, nil
}

// SubmitOrderList places orders in sequence, each seeing the book as the
// previous ones left it. An unfilled FOK member aborts the whole list.
func (s *Service) SubmitOrderList(ctx context.Context, submitter string, reqs []types.NewOrder) ([]types.Order, error) {
	var orders []types.Order
	err := s.transact(ctx, "order_list", func() error {
		var err error
		orders, err = s.submitAll(submitter, reqs)
		return err
	})
	return orders, err
}

// CancelOrder cancels one order. A rejected cancel is reported, not returned
// as an error.
func (s *Service) CancelOrder(ctx context.Context, caller, orderID string) (types.StatusChange, error) {
	var change types.StatusChange
	err := s.transact(ctx, "cancel", func() error {
		var err error
		change, err = s.engine.Cancel(caller, orderID, types.CodePairPausedCancel)
		return err
	})
	return change, err
}

// CancelReplace cancels an order and places its replacement.
func (s *Service) CancelReplace(ctx context.Context, caller string, r types.Replacement) (ReplaceResult, error) {
	var result ReplaceResult
	err := s.transact(ctx, "cancel_replace", func() error {
		canceled, replacement, err := s.engine.CancelReplace(caller, r, types.CodePairPausedCancel)
		result = ReplaceResult{Canceled: canceled, Replacement: replacement}
		return err
	})
	return result, err
}

// CancelList cancels what it can. Targets that cannot be canceled are
// reported individually and do not stop the rest.
func (s *Service) CancelList(ctx context.Context, caller string, orderIDs []string) ([]types.StatusChange, error) {
	var changes []types.StatusChange
	err := s.transact(ctx, "cancel_list", func() error {
		changes = make([]types.StatusChange, 0, len(orderIDs))
		for _, id := range orderIDs {
			change, err := s.engine.Cancel(caller, id, types.CodePairPausedList)
			if err != nil {
				return err
			}
			changes = append(changes, change)
		}
		return nil
	})
	return changes, err
}

// CancelReplaceList checks every cancel target first and aborts the whole
// call if any of them cannot be canceled by caller or is named twice. It then cancels all
// targets and places all new orders in sequence.
func (s *Service) CancelReplaceList(ctx context.Context, caller string, cancelIDs []string, reqs []types.NewOrder) (CancelReplaceListResult, error) {
	var result CancelReplaceListResult
	err := s.transact(ctx, "cancel_replace_list", func() error {
		seen := make(map[string]struct{}, len(cancelIDs))
		for i, id := range cancelIDs {
			// a repeated target would already be gone by its second cancel
			if _, dup := seen[id]; dup {
				return &matching.BatchError{Index: i, OrderID: id, Code: types.CodeNotActive}
			}
			seen[id] = struct{}{}
			code, err := s.engine.CheckCancel(caller, id, types.CodePairPausedList)
			if err != nil {
				return err
			}
			if code == types.CodeNotOwnerCancel {
				code = types.CodeNotOwnerCancelList
			}
			if code != types.CodeNone {
				return &matching.BatchError{Index: i, OrderID: id, Code: code}
			}
		}

		result.Canceled = make([]types.StatusChange, 0, len(cancelIDs))
		for _, id := range cancelIDs {
			change, err := s.engine.Cancel(caller, id, types.CodePairPausedList)
			if err != nil {
				return err
			}
			result.Canceled = append(result.Canceled, change)
		}

		orders, err := s.submitAll(caller, reqs)
		if err != nil {
			return err
		}
		result.Orders = orders
		return nil
	})
	return result, err
}

// MassCancel removes up to limit resting orders from one side of a paused
// pair. DEFAULT_ADMIN only.
func (s *Service) MassCancel(ctx context.Context, caller, pairID string, side types.Side, limit int) (int, error) {
	if err := s.registry.Authorize(caller, registry.RoleDefaultAdmin); err != nil {
		return 0, err
	}
	if !side.Valid() {
		return 0, fmt.Errorf("%w: unknown side %s", registry.ErrInvalidPair, side)
	}
	var n int
	err := s.transact(ctx, "mass_cancel", func() error {
		var err error
		n, err = s.engine.MassCancel(pairID, side, limit)
		return err
	})
	return n, err
}

// MatchAuction uncrosses a pair in MATCHING mode at its auction price.
// AUCTION_ADMIN only.
func (s *Service) MatchAuction(ctx context.Context, caller, pairID string, maxFills int) (int, error) {
	if err := s.registry.Authorize(caller, registry.RoleAuctionAdmin); err != nil {
		return 0, err
	}
	var n int
	err := s.transact(ctx, "match_auction", func() error {
		var err error
		n, err = s.engine.MatchAuction(pairID, maxFills)
		return err
	})
	return n, err
}

// admin runs a registry mutation between transactions, so the next call
// sees it and no call sees it half way.
func (s *Service) admin(fn func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn()
}

func (s *Service) SetPaused(caller, pairID string, paused bool) error {
	return s.admin(func() error { return s.registry.SetPaused(caller, pairID, paused) })
}

func (s *Service) SetAddOrderPaused(caller, pairID string, paused bool) error {
	return s.admin(func() error { return s.registry.SetAddOrderPaused(caller, pairID, paused) })
}

func (s *Service) SetAuctionMode(caller, pairID string, mode types.AuctionMode) error {
	return s.admin(func() error { return s.registry.SetAuctionMode(caller, pairID, mode, s.engine) })
}

func (s *Service) SetAuctionPrice(caller, pairID string, price decimal.Decimal) error {
	return s.admin(func() error { return s.registry.SetAuctionPrice(caller, pairID, price) })
}

// RemovePair deletes a pair whose book is empty.
func (s *Service) RemovePair(caller, pairID string) error {
	return s.admin(func() error {
		if err := s.registry.RemovePair(caller, pairID, s.engine); err != nil {
			return err
		}
		s.engine.DropBook(pairID)
		return nil
	})
}

// Order returns one of caller's active orders.
func (s *Service) Order(caller, orderID string) (types.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.engine.Order(orderID)
	if !ok || o.TraderID != caller {
		return types.Order{}, ErrOrderNotFound
	}
	return o, nil
}

func (s *Service) OrderByClientID(caller, clientOrderID string) (types.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.engine.OrderByClientID(caller, clientOrderID)
	if !ok {
		return types.Order{}, ErrOrderNotFound
	}
	return o, nil
}

func (s *Service) OpenOrders(caller string) []types.Order {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.engine.OpenOrders(caller)
}

// Depth returns aggregated book levels of one side of a pair.
func (s *Service) Depth(pairID string, side types.Side, depth int) ([]types.BookLevel, error) {
	if _, err := s.registry.Pair(pairID); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.engine.Depth(pairID, side, depth), nil
}

// History returns caller's recorded status changes and fills, newest first.
func (s *Service) History(caller string, limit int) (History, error) {
	if s.db == nil {
		return History{}, nil
	}
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	changes, err := s.db.GetTraderChanges(caller, limit)
	if err != nil {
		return History{}, fmt.Errorf("failed to load status history: %w", err)
	}
	fills, err := s.db.GetTraderFills(caller, limit)
	if err != nil {
		return History{}, fmt.Errorf("failed to load fills: %w", err)
	}
	return History{Changes: changes, Fills: fills}, nil
}

// Replay returns the stored response for a trader's idempotency key, or nil.
func (s *Service) Replay(caller, key string) (json.RawMessage, error) {
	if s.db == nil || key == "" {
		return nil, nil
	}
	record, err := s.db.GetIdempotencyRecord(caller + ":" + key)
	if err != nil || record == nil {
		return nil, err
	}
	return json.RawMessage(record.Response), nil
}

// Remember stores a response under a trader's idempotency key for a day.
func (s *Service) Remember(caller, key, resourceType string, resp any) error {
	if s.db == nil || key == "" {
		return nil
	}
	raw, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("failed to encode response: %w", err)
	}
	return s.db.SaveIdempotencyRecord(&IdempotencyRecord{
		IdempotencyKey: caller + ":" + key,
		TraderID:       caller,
		ResourceType:   resourceType,
		Response:       string(raw),
		ExpiresAt:      time.Now().Add(idempotencyTTL),
	})
}
