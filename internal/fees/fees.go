package fees

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// Rates are maker and taker fees in basis points.
type Rates struct {
	Maker uint32 `json:"maker_bps"`
	Taker uint32 `json:"taker_bps"`
}

type overrideKey struct {
	trader string
	pair   string
}

// Schedule resolves the fee rates applied to a fill. Exempt accounts pay
// nothing and make the whole fill free; otherwise each party's rate comes
// from its own per-pair override or the pair default.
type Schedule struct {
	mu        sync.RWMutex
	db        *Database
	overrides map[overrideKey]Rates
	exempt    map[string]struct{}
}

// NewSchedule creates a schedule. db may be nil for a purely in-memory schedule.
func NewSchedule(db *Database) *Schedule {
	return &Schedule{
		db:        db,
		overrides: make(map[overrideKey]Rates),
		exempt:    make(map[string]struct{}),
	}
}

// Load replaces the in-memory schedule with what is persisted.
func (s *Schedule) Load() error {
	if s.db == nil {
		return nil
	}
	overrides, err := s.db.GetOverrides()
	if err != nil {
		return fmt.Errorf("failed to load rate overrides: %w", err)
	}
	exempt, err := s.db.GetExempt()
	if err != nil {
		return fmt.Errorf("failed to load exempt accounts: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, o := range overrides {
		s.overrides[overrideKey{o.TraderID, o.PairID}] = Rates{Maker: o.MakerBps, Taker: o.TakerBps}
	}
	for _, a := range exempt {
		s.exempt[a.Account] = struct{}{}
	}
	log.Info().Int("overrides", len(overrides)).Int("exempt", len(exempt)).Msg("loaded fee schedule")
	return nil
}

func (s *Schedule) SetOverride(traderID, pairID string, rates Rates) error {
	if s.db != nil {
		if err := s.db.SaveOverride(&RateOverride{TraderID: traderID, PairID: pairID, MakerBps: rates.Maker, TakerBps: rates.Taker}); err != nil {
			return fmt.Errorf("failed to save rate override: %w", err)
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.overrides[overrideKey{traderID, pairID}] = rates
	return nil
}

func (s *Schedule) RemoveOverride(traderID, pairID string) error {
	if s.db != nil {
		if err := s.db.DeleteOverride(traderID, pairID); err != nil {
			return fmt.Errorf("failed to delete rate override: %w", err)
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.overrides, overrideKey{traderID, pairID})
	return nil
}

func (s *Schedule) SetExempt(account string, exempt bool) error {
	if s.db != nil {
		var err error
		if exempt {
			err = s.db.SaveExempt(account)
		} else {
			err = s.db.DeleteExempt(account)
		}
		if err != nil {
			return fmt.Errorf("failed to update exempt account: %w", err)
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if exempt {
		s.exempt[account] = struct{}{}
	} else {
		delete(s.exempt, account)
	}
	return nil
}

// Rates returns the maker and taker rates for a fill between maker and taker
// on pairID.
func (s *Schedule) Rates(maker, taker, pairID string, defaultMaker, defaultTaker uint32) (uint32, uint32) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, makerExempt := s.exempt[maker]
	_, takerExempt := s.exempt[taker]
	if makerExempt || takerExempt {
		return 0, 0
	}

	makerRate, takerRate := defaultMaker, defaultTaker
	if o, ok := s.overrides[overrideKey{maker, pairID}]; ok {
		makerRate = o.Maker
	}
	if o, ok := s.overrides[overrideKey{taker, pairID}]; ok {
		takerRate = o.Taker
	}
	return makerRate, takerRate
}

var bpsDivisor = decimal.NewFromInt(10000)

// QuoteAmount is the quote value of qty at price, floored to the quote
// currency's precision.
func QuoteAmount(price, qty decimal.Decimal, quoteDecimals int32) decimal.Decimal {
	return price.Mul(qty).RoundFloor(quoteDecimals)
}

// Fee charges bps on amount, floored to the receiving currency's precision.
func Fee(amount decimal.Decimal, bps uint32, decimals int32) decimal.Decimal {
	if bps == 0 {
		return decimal.Zero
	}
	return amount.Mul(decimal.NewFromInt(int64(bps))).Div(bpsDivisor).RoundFloor(decimals)
}
