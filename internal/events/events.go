package events

import (
	"context"
	"errors"
	"sync"

	"github.com/ksred/klear-dex/internal/types"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Publisher receives the events of one committed transaction. Publish is only
// called after the transaction is final, so sinks never see rolled back work.
type Publisher interface {
	Publish(ctx context.Context, report types.Report) error
}

// LogSink writes every event to the structured log.
type LogSink struct {
	logger zerolog.Logger
}

func NewLogSink() *LogSink {
	return &LogSink{logger: log.With().Str("component", "events").Logger()}
}

func (s *LogSink) Publish(_ context.Context, report types.Report) error {
	for _, c := range report.Changes {
		s.logger.Debug().
			Uint64("seq", c.Seq).
			Str("pair_id", c.PairID).
			Str("trader", c.TraderID).
			Str("order_id", c.OrderID).
			Str("client_order_id", c.ClientOrderID).
			Str("status", string(c.Status)).
			Str("code", string(c.Code)).
			Msg("order status changed")
	}
	for _, f := range report.Fills {
		s.logger.Info().
			Uint64("seq", f.Seq).
			Str("pair_id", f.PairID).
			Str("price", f.Price.String()).
			Str("quantity", f.Quantity.String()).
			Str("maker_order_id", f.MakerOrderID).
			Str("taker_order_id", f.TakerOrderID).
			Msg("fill")
	}
	return nil
}

// Fanout publishes to every sink and joins their errors. A failing sink does
// not stop the others.
type Fanout []Publisher

func (f Fanout) Publish(ctx context.Context, report types.Report) error {
	var errs []error
	for _, p := range f {
		if err := p.Publish(ctx, report); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Recorder keeps every published report in memory.
type Recorder struct {
	mu      sync.Mutex
	reports []types.Report
}

func (r *Recorder) Publish(_ context.Context, report types.Report) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reports = append(r.reports, report)
	return nil
}

func (r *Recorder) Reports() []types.Report {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]types.Report(nil), r.reports...)
}

// Changes flattens all recorded status changes in publish order.
func (r *Recorder) Changes() []types.StatusChange {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []types.StatusChange
	for _, rep := range r.reports {
		out = append(out, rep.Changes...)
	}
	return out
}

func (r *Recorder) Fills() []types.Fill {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []types.Fill
	for _, rep := range r.reports {
		out = append(out, rep.Fills...)
	}
	return out
}

func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reports = nil
}
