package custody

import (
	"errors"
	"fmt"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/ksred/klear-dex/internal/types"
	"github.com/ksred/klear-dex/pkg/response"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

var (
	ErrInvalidAmount = errors.New("amount must be positive")
	ErrFeeAccount    = errors.New("fee account cannot be used for trading")
)

// InsufficientFundsError names the party that could not cover an amount.
type InsufficientFundsError struct {
	Trader    string
	Currency  string
	Needed    decimal.Decimal
	Available decimal.Decimal
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient %s for %s: need %s, have %s", e.Currency, e.Trader, e.Needed, e.Available)
}

type account struct {
	trader   string
	currency string
}

// Ledger keeps every trader's available and locked balances in memory.
// Reservations move funds from available to locked; fills draw on locked
// funds only.
type Ledger struct {
	mu         sync.RWMutex
	feeAccount string
	balances   map[account]*Balance
	dirty      map[account]struct{}
	logger     zerolog.Logger
}

func NewLedger(feeAccount string) *Ledger {
	return &Ledger{
		feeAccount: feeAccount,
		balances:   make(map[account]*Balance),
		dirty:      make(map[account]struct{}),
		logger:     log.With().Str("component", "custody").Logger(),
	}
}

func (l *Ledger) FeeAccount() string { return l.feeAccount }

// entry must be called with the lock held.
func (l *Ledger) entry(trader, currency string) *Balance {
	key := account{trader, currency}
	b, ok := l.balances[key]
	if !ok {
		b = &Balance{}
		l.balances[key] = b
	}
	l.dirty[key] = struct{}{}
	return b
}

func (l *Ledger) Deposit(trader, currency string, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	b := l.entry(trader, currency)
	b.Available = b.Available.Add(amount)
	l.logger.Info().Str("trader", trader).Str("currency", currency).Str("amount", amount.String()).Msg("deposit")
	return nil
}

func (l *Ledger) Withdraw(trader, currency string, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	b := l.entry(trader, currency)
	if b.Available.LessThan(amount) {
		return &InsufficientFundsError{Trader: trader, Currency: currency, Needed: amount, Available: b.Available}
	}
	b.Available = b.Available.Sub(amount)
	l.logger.Info().Str("trader", trader).Str("currency", currency).Str("amount", amount.String()).Msg("withdrawal")
	return nil
}

func (l *Ledger) Balance(trader, currency string) Balance {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if b, ok := l.balances[account{trader, currency}]; ok {
		return *b
	}
	return Balance{}
}

func (l *Ledger) Balances(trader string) map[string]Balance {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make(map[string]Balance)
	for key, b := range l.balances {
		if key.trader == trader {
			out[key.currency] = *b
		}
	}
	return out
}

// Reserve locks amount of the trader's available balance.
func (l *Ledger) Reserve(trader, currency string, amount decimal.Decimal) error {
	if amount.IsNegative() {
		return ErrInvalidAmount
	}
	if trader == l.feeAccount {
		return ErrFeeAccount
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	b := l.entry(trader, currency)
	if b.Available.LessThan(amount) {
		return &InsufficientFundsError{Trader: trader, Currency: currency, Needed: amount, Available: b.Available}
	}
	b.Available = b.Available.Sub(amount)
	b.Locked = b.Locked.Add(amount)
	return nil
}

// Release returns up to amount of locked funds to the available balance.
func (l *Ledger) Release(trader, currency string, amount decimal.Decimal) {
	if !amount.IsPositive() {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	b := l.entry(trader, currency)
	if b.Locked.LessThan(amount) {
		l.logger.Warn().Str("trader", trader).Str("currency", currency).
			Str("amount", amount.String()).Str("locked", b.Locked.String()).
			Msg("release exceeds locked balance")
		amount = b.Locked
	}
	b.Locked = b.Locked.Sub(amount)
	b.Available = b.Available.Add(amount)
}

// SettleFill moves one fill between buyer and seller. The buyer pays quote
// from locked funds and receives base less its fee; the seller pays base from
// locked funds and receives quote less its fee. Nothing moves when either
// side is short.
func (l *Ledger) SettleFill(s types.Settlement) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	buyerQuote := l.entry(s.Buyer, s.QuoteCurrency)
	if buyerQuote.Locked.LessThan(s.QuoteAmount) {
		return &InsufficientFundsError{Trader: s.Buyer, Currency: s.QuoteCurrency, Needed: s.QuoteAmount, Available: buyerQuote.Locked}
	}
	sellerBase := l.entry(s.Seller, s.BaseCurrency)
	if sellerBase.Locked.LessThan(s.BaseAmount) {
		return &InsufficientFundsError{Trader: s.Seller, Currency: s.BaseCurrency, Needed: s.BaseAmount, Available: sellerBase.Locked}
	}

	buyerQuote.Locked = buyerQuote.Locked.Sub(s.QuoteAmount)
	sellerBase.Locked = sellerBase.Locked.Sub(s.BaseAmount)
	l.credit(s.Buyer, s.BaseCurrency, s.BaseAmount.Sub(s.BuyerFee))
	l.credit(s.Seller, s.QuoteCurrency, s.QuoteAmount.Sub(s.SellerFee))
	l.credit(l.feeAccount, s.BaseCurrency, s.BuyerFee)
	l.credit(l.feeAccount, s.QuoteCurrency, s.SellerFee)
	return nil
}

// ReverseFill undoes a SettleFill that has not been followed by any other
// movement on the same balances.
func (l *Ledger) ReverseFill(s types.Settlement) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.credit(l.feeAccount, s.QuoteCurrency, s.SellerFee.Neg())
	l.credit(l.feeAccount, s.BaseCurrency, s.BuyerFee.Neg())
	l.credit(s.Seller, s.QuoteCurrency, s.QuoteAmount.Sub(s.SellerFee).Neg())
	l.credit(s.Buyer, s.BaseCurrency, s.BaseAmount.Sub(s.BuyerFee).Neg())

	sellerBase := l.entry(s.Seller, s.BaseCurrency)
	sellerBase.Locked = sellerBase.Locked.Add(s.BaseAmount)
	buyerQuote := l.entry(s.Buyer, s.QuoteCurrency)
	buyerQuote.Locked = buyerQuote.Locked.Add(s.QuoteAmount)
}

func (l *Ledger) credit(trader, currency string, amount decimal.Decimal) {
	if amount.IsZero() {
		return
	}
	b := l.entry(trader, currency)
	b.Available = b.Available.Add(amount)
}

// Dirty returns checkpoints for every balance touched since the last call.
func (l *Ledger) Dirty() []BalanceRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	records := make([]BalanceRecord, 0, len(l.dirty))
	for key := range l.dirty {
		b := l.balances[key]
		records = append(records, BalanceRecord{
			TraderID:  key.trader,
			Currency:  key.currency,
			Available: b.Available,
			Locked:    b.Locked,
		})
	}
	l.dirty = make(map[account]struct{})
	return records
}

// markDirty re-queues records whose checkpoint failed.
func (l *Ledger) markDirty(records []BalanceRecord) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, r := range records {
		l.dirty[account{r.TraderID, r.Currency}] = struct{}{}
	}
}

// Restore loads persisted checkpoints. Locked amounts come back as available
// because resting orders do not survive a restart.
func (l *Ledger) Restore(records []BalanceRecord) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, r := range records {
		l.balances[account{r.TraderID, r.Currency}] = &Balance{Available: r.Available.Add(r.Locked)}
	}
}

// GinHandlers contains HTTP handlers for balance endpoints
type GinHandlers struct {
	ledger *Ledger
}

func NewGinHandlers(ledger *Ledger) *GinHandlers {
	return &GinHandlers{ledger: ledger}
}

// GetBalancesHandler returns the authenticated trader's balances
func (h *GinHandlers) GetBalancesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		traderID := c.GetString("clientID")
		if traderID == "" {
			response.Unauthorized(c, "Invalid client ID in token")
			return
		}
		response.Success(c, h.ledger.Balances(traderID))
	}
}

// DepositHandler credits a trader's available balance. Internal only.
func (h *GinHandlers) DepositHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req AmountRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		if err := h.ledger.Deposit(req.TraderID, req.Currency, req.Amount); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		response.Success(c, h.ledger.Balance(req.TraderID, req.Currency))
	}
}

// WithdrawHandler debits a trader's available balance. Internal only.
func (h *GinHandlers) WithdrawHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req AmountRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		if err := h.ledger.Withdraw(req.TraderID, req.Currency, req.Amount); err != nil {
			var ife *InsufficientFundsError
			if errors.Is(err, ErrInvalidAmount) || errors.As(err, &ife) {
				response.BadRequest(c, err.Error())
				return
			}
			response.Handle(c, nil, err)
			return
		}
		response.Success(c, h.ledger.Balance(req.TraderID, req.Currency))
	}
}
