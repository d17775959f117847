package custody

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Processor periodically checkpoints touched balances to the database.
type Processor struct {
	ledger   *Ledger
	db       *Database
	interval time.Duration
	guard    sync.Locker
}

func NewProcessor(ledger *Ledger, db *Database, interval time.Duration) *Processor {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Processor{
		ledger:   ledger,
		db:       db,
		interval: interval,
	}
}

// Guard makes every checkpoint hold l, so balances are only read between
// engine transactions.
func (p *Processor) Guard(l sync.Locker) {
	p.guard = l
}

// Start runs the checkpoint loop until ctx is done, flushing once more on exit.
func (p *Processor) Start(ctx context.Context) {
	logger := log.With().Str("component", "custody_processor").Logger()
	logger.Info().Dur("interval", p.interval).Msg("starting balance checkpoint processor")

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if err := p.Checkpoint(); err != nil {
				logger.Error().Err(err).Msg("failed final balance checkpoint")
			}
			logger.Info().Msg("shutting down balance checkpoint processor")
			return
		case <-ticker.C:
			if err := p.Checkpoint(); err != nil {
				logger.Error().Err(err).Msg("failed to checkpoint balances")
			}
		}
	}
}

func (p *Processor) Checkpoint() error {
	if p.guard != nil {
		p.guard.Lock()
	}
	records := p.ledger.Dirty()
	if p.guard != nil {
		p.guard.Unlock()
	}
	if len(records) == 0 {
		return nil
	}
	if err := p.db.SaveBalances(records); err != nil {
		p.ledger.markDirty(records)
		return err
	}
	log.Debug().Int("balances", len(records)).Msg("checkpointed balances")
	return nil
}

// Recover loads the last checkpoint into the ledger.
func (p *Processor) Recover() error {
	records, err := p.db.GetBalances()
	if err != nil {
		return err
	}
	p.ledger.Restore(records)
	log.Info().Int("balances", len(records)).Msg("restored balances from checkpoint")
	return nil
}
