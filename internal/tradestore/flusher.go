package tradestore

import (
	"time"

	"github.com/rs/zerolog"

	"limit-exchange/domain"
	"limit-exchange/internal/metrics"
)

// Drainer is the subset of the order book the flusher depends on —
// satisfied by *orderbook.OrderBook.
type Drainer interface {
	DrainPending() []domain.Trade
	// FlushSignal fires when the pending-trade buffer crosses the
	// configured flush threshold, forcing a flush ahead of the next
	// timer tick. May return nil (never fires) for callers that don't
	// need threshold-triggered flushing.
	FlushSignal() <-chan struct{}
}

// Flusher periodically drains the order book's pending-trade buffer
// and writes it to the Store (§4.A/§5: the flush runs off the book's
// critical section, on its own timer and whenever the book signals that
// its pending buffer has crossed the flush threshold).
type Flusher struct {
	store    *Store
	book     Drainer
	interval time.Duration
	logger   zerolog.Logger

	stop chan struct{}
	done chan struct{}

	// carry holds trades from a failed flush so the next tick retries
	// them instead of losing them (§7: ErrStoreUnavailable must not
	// drop data).
	carry []domain.Trade
}

// NewFlusher creates a flusher. Call Run in its own goroutine.
func NewFlusher(store *Store, book Drainer, interval time.Duration, logger zerolog.Logger) *Flusher {
	return &Flusher{
		store:    store,
		book:     book,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Run drives the flush loop until Stop is called: a flush happens on
// every timer tick, and also out of band whenever the book signals
// that its pending buffer has crossed the flush threshold (§4.A). On
// Stop it performs one final flush so no trade is lost at shutdown
// (§5 graceful shutdown: drain pending writes before exit).
func (f *Flusher) Run() {
	defer close(f.done)
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			f.flushOnce()
		case <-f.book.FlushSignal():
			f.flushOnce()
		case <-f.stop:
			f.flushOnce()
			return
		}
	}
}

// Stop signals Run to perform a final flush and return, then blocks
// until it has.
func (f *Flusher) Stop() {
	close(f.stop)
	<-f.done
}

func (f *Flusher) flushOnce() {
	trades := f.book.DrainPending()
	if len(f.carry) > 0 {
		trades = append(f.carry, trades...)
	}
	if len(trades) == 0 {
		return
	}
	if err := f.store.FlushBatch(trades); err != nil {
		f.carry = trades
		metrics.Get().StoreFlushFailures.Inc()
		f.logger.Warn().Err(err).Int("trades", len(trades)).Msg("trade flush failed, retrying next tick")
		return
	}
	f.carry = nil
	f.logger.Debug().Int("trades", len(trades)).Msg("trade flush succeeded")
}
