package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/ksred/klear-dex/internal/types"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

const (
	RoleDefaultAdmin = "DEFAULT_ADMIN"
	RoleAuctionAdmin = "AUCTION_ADMIN"
)

var (
	ErrPairNotFound  = errors.New("trading pair not found")
	ErrPairExists    = errors.New("trading pair already exists")
	ErrInvalidPair   = errors.New("invalid trading pair")
	ErrUnauthorized  = errors.New("caller lacks required role")
	ErrBookNotEmpty  = errors.New("trading pair has resting orders")
	ErrInvalidAmount = errors.New("invalid amount")

	ErrLimitRequired        = types.NewCodeError(types.CodeLimitNotRemovable, "LIMIT orders cannot be removed")
	ErrAuctionCrossed       = types.NewCodeError(types.CodeAuctionCrossed, "book is crossed")
	ErrAuctionPriceDecimals = types.NewCodeError(types.CodeAuctionPriceDec, "auction price has too many decimals")
)

// Authorizer answers capability checks before any administrative mutation.
type Authorizer interface {
	HasRole(account, role string) bool
}

// BookInspector exposes the book state some admin changes depend on.
type BookInspector interface {
	Crossed(pairID string) bool
	BookEmpty(pairID string) bool
}

// Registry holds the configuration of every trading pair. Readers always get a
// copy, so a snapshot handed out never changes underneath them.
type Registry struct {
	mu     sync.RWMutex
	pairs  map[string]types.TradePair
	db     *Database
	auth   Authorizer
	logger zerolog.Logger
}

// NewRegistry creates a registry. db may be nil to keep pairs in memory only.
func NewRegistry(db *Database, auth Authorizer) *Registry {
	return &Registry{
		pairs:  make(map[string]types.TradePair),
		db:     db,
		auth:   auth,
		logger: log.With().Str("component", "registry").Logger(),
	}
}

// Load reads persisted pairs, replacing any in memory with the same id.
func (r *Registry) Load() error {
	if r.db == nil {
		return nil
	}
	pairs, err := r.db.GetPairs()
	if err != nil {
		return fmt.Errorf("failed to load pairs: %w", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range pairs {
		r.pairs[p.ID] = p
	}
	r.logger.Info().Int("pairs", len(pairs)).Msg("loaded trading pairs")
	return nil
}

// Bootstrap registers configured pairs that are not known yet. It bypasses
// role checks and is meant for startup only.
func (r *Registry) Bootstrap(pairs []types.TradePair) error {
	for _, p := range pairs {
		if _, err := r.Pair(p.ID); err == nil {
			continue
		}
		if err := r.add(p); err != nil {
			return err
		}
	}
	return nil
}

func (r *Registry) Pair(id string) (types.TradePair, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.pairs[id]
	if !ok {
		return types.TradePair{}, fmt.Errorf("%w: %s", ErrPairNotFound, id)
	}
	return p.Clone(), nil
}

func (r *Registry) Pairs() []types.TradePair {
	r.mu.RLock()
	defer r.mu.RUnlock()
	pairs := make([]types.TradePair, 0, len(r.pairs))
	for _, p := range r.pairs {
		pairs = append(pairs, p.Clone())
	}
	sort.Slice(pairs, func(a, b int) bool { return pairs[a].ID < pairs[b].ID })
	return pairs
}

func (r *Registry) Authorize(caller, role string) error {
	if r.auth == nil || !r.auth.HasRole(caller, role) {
		r.logger.Warn().Str("caller", caller).Str("role", role).Msg("unauthorized admin call")
		return fmt.Errorf("%w: %s", ErrUnauthorized, role)
	}
	return nil
}

func validate(p *types.TradePair) error {
	switch {
	case p.ID == "" || p.BaseSymbol == "" || p.QuoteSymbol == "":
		return fmt.Errorf("%w: id and symbols are required", ErrInvalidPair)
	case p.BaseDisplayDecimals < 0 || p.BaseDisplayDecimals > p.BaseDecimals:
		return fmt.Errorf("%w: base display decimals must be within base decimals", ErrInvalidPair)
	case p.QuoteDisplayDecimals < 0 || p.QuoteDisplayDecimals > p.QuoteDecimals:
		return fmt.Errorf("%w: quote display decimals must be within quote decimals", ErrInvalidPair)
	case p.MinTradeAmount.IsNegative() || p.MinPostAmount.IsNegative():
		return fmt.Errorf("%w: amounts cannot be negative", ErrInvalidPair)
	case p.MaxTradeAmount.IsPositive() && p.MaxTradeAmount.LessThan(p.MinTradeAmount):
		return fmt.Errorf("%w: max trade amount below min trade amount", ErrInvalidPair)
	case p.MaxNbrOfFills < 0:
		return fmt.Errorf("%w: max fills cannot be negative", ErrInvalidPair)
	}
	if !p.Allows(types.KindLimit) {
		p.AllowedKinds = append([]types.OrderKind{types.KindLimit}, p.AllowedKinds...)
	}
	if p.AuctionMode == "" {
		p.AuctionMode = types.AuctionOff
	}
	if !p.AuctionMode.Valid() {
		return fmt.Errorf("%w: unknown auction mode %s", ErrInvalidPair, p.AuctionMode)
	}
	return nil
}

func (r *Registry) add(p types.TradePair) error {
	p = p.Clone()
	if err := validate(&p); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.pairs[p.ID]; ok {
		return fmt.Errorf("%w: %s", ErrPairExists, p.ID)
	}
	if r.db != nil {
		if err := r.db.SavePair(p); err != nil {
			return fmt.Errorf("failed to save pair: %w", err)
		}
	}
	r.pairs[p.ID] = p
	r.logger.Info().Str("pair_id", p.ID).Msg("trading pair added")
	return nil
}

// mutate applies fn to a copy of the pair and stores it once persisted.
func (r *Registry) mutate(caller, role, id string, fn func(p *types.TradePair) error) error {
	if err := r.Authorize(caller, role); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	current, ok := r.pairs[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrPairNotFound, id)
	}
	p := current.Clone()
	if err := fn(&p); err != nil {
		return err
	}
	if r.db != nil {
		if err := r.db.SavePair(p); err != nil {
			return fmt.Errorf("failed to save pair: %w", err)
		}
	}
	r.pairs[id] = p
	r.logger.Info().Str("pair_id", id).Str("caller", caller).Msg("trading pair updated")
	return nil
}

func (r *Registry) AddPair(caller string, p types.TradePair) error {
	if err := r.Authorize(caller, RoleDefaultAdmin); err != nil {
		return err
	}
	return r.add(p)
}

// RemovePair deletes a pair. A pair with resting orders cannot be removed.
func (r *Registry) RemovePair(caller, id string, books BookInspector) error {
	if err := r.Authorize(caller, RoleDefaultAdmin); err != nil {
		return err
	}
	if !books.BookEmpty(id) {
		return fmt.Errorf("%w: %s", ErrBookNotEmpty, id)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.pairs[id]; !ok {
		return fmt.Errorf("%w: %s", ErrPairNotFound, id)
	}
	if r.db != nil {
		if err := r.db.DeletePair(id); err != nil {
			return fmt.Errorf("failed to delete pair: %w", err)
		}
	}
	delete(r.pairs, id)
	r.logger.Info().Str("pair_id", id).Str("caller", caller).Msg("trading pair removed")
	return nil
}

func (r *Registry) AddOrderKind(caller, id string, kind types.OrderKind) error {
	if kind != types.KindLimit && kind != types.KindMarket {
		return fmt.Errorf("%w: unknown order kind %s", ErrInvalidPair, kind)
	}
	return r.mutate(caller, RoleDefaultAdmin, id, func(p *types.TradePair) error {
		if !p.Allows(kind) {
			p.AllowedKinds = append(p.AllowedKinds, kind)
		}
		return nil
	})
}

func (r *Registry) RemoveOrderKind(caller, id string, kind types.OrderKind) error {
	if kind == types.KindLimit {
		return ErrLimitRequired
	}
	return r.mutate(caller, RoleDefaultAdmin, id, func(p *types.TradePair) error {
		kinds := p.AllowedKinds[:0]
		for _, k := range p.AllowedKinds {
			if k != kind {
				kinds = append(kinds, k)
			}
		}
		p.AllowedKinds = kinds
		return nil
	})
}

func (r *Registry) SetPaused(caller, id string, paused bool) error {
	return r.mutate(caller, RoleDefaultAdmin, id, func(p *types.TradePair) error {
		p.Paused = paused
		return nil
	})
}

func (r *Registry) SetAddOrderPaused(caller, id string, paused bool) error {
	return r.mutate(caller, RoleDefaultAdmin, id, func(p *types.TradePair) error {
		p.AddOrderPaused = paused
		return nil
	})
}

func (r *Registry) SetPostOnly(caller, id string, postOnly bool) error {
	return r.mutate(caller, RoleDefaultAdmin, id, func(p *types.TradePair) error {
		p.PostOnly = postOnly
		return nil
	})
}

func (r *Registry) SetTradeAmounts(caller, id string, min, max decimal.Decimal) error {
	if min.IsNegative() || (max.IsPositive() && max.LessThan(min)) {
		return ErrInvalidAmount
	}
	return r.mutate(caller, RoleDefaultAdmin, id, func(p *types.TradePair) error {
		p.MinTradeAmount = min
		p.MaxTradeAmount = max
		return nil
	})
}

func (r *Registry) SetMinPostAmount(caller, id string, amount decimal.Decimal) error {
	if amount.IsNegative() {
		return ErrInvalidAmount
	}
	return r.mutate(caller, RoleDefaultAdmin, id, func(p *types.TradePair) error {
		p.MinPostAmount = amount
		return nil
	})
}

func (r *Registry) SetRates(caller, id string, makerBps, takerBps uint32) error {
	return r.mutate(caller, RoleDefaultAdmin, id, func(p *types.TradePair) error {
		p.MakerRateBps = makerBps
		p.TakerRateBps = takerBps
		return nil
	})
}

func (r *Registry) SetMaxNbrOfFills(caller, id string, max int) error {
	if max < 0 {
		return ErrInvalidAmount
	}
	return r.mutate(caller, RoleDefaultAdmin, id, func(p *types.TradePair) error {
		p.MaxNbrOfFills = max
		return nil
	})
}

// SetAuctionMode switches a pair's auction phase. Returning to continuous
// trading is refused while the book is still crossed.
func (r *Registry) SetAuctionMode(caller, id string, mode types.AuctionMode, books BookInspector) error {
	if !mode.Valid() {
		return fmt.Errorf("%w: unknown auction mode %s", ErrInvalidPair, mode)
	}
	return r.mutate(caller, RoleAuctionAdmin, id, func(p *types.TradePair) error {
		if (mode == types.AuctionOff || mode == types.AuctionLiveTrading) && books.Crossed(id) {
			return ErrAuctionCrossed
		}
		p.AuctionMode = mode
		return nil
	})
}

func (r *Registry) SetAuctionPrice(caller, id string, price decimal.Decimal) error {
	if price.IsNegative() {
		return ErrInvalidAmount
	}
	return r.mutate(caller, RoleAuctionAdmin, id, func(p *types.TradePair) error {
		if !price.Equal(price.Truncate(p.QuoteDisplayDecimals)) {
			return ErrAuctionPriceDecimals
		}
		p.AuctionPrice = price
		return nil
	})
}
