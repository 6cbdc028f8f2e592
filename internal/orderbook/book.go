// Package orderbook implements the price-time-priority limit order book
// of §3/§4.B: the matching algorithm, order lifecycle, trade generation,
// and the durable-persistence handoff (PendingTradeBuffer).
package orderbook

import (
	"time"

	"github.com/rs/zerolog"

	"limit-exchange/domain"
	"limit-exchange/internal/eventbus"
	"limit-exchange/internal/metrics"
	"limit-exchange/internal/xerrors"
)

// RestingOrder is the per-order detail exposed by Snapshot, grounded on
// the Python prototype's get_order_book_state, which serializes each
// resting order rather than only a level total (see SPEC_FULL.md
// "Supplemented features" #3).
type RestingOrder struct {
	TraderID    string
	Quantity    int64
	ArrivalTime float64
}

// BookState is the result of Snapshot (§4.B): both ladders plus recent
// trades, all observed at one linearization point.
type BookState struct {
	Bids           map[int64][]RestingOrder
	Asks           map[int64][]RestingOrder
	LastTradePrice int64
	HasLastTrade   bool
	RecentTrades   []domain.Trade
}

// Config configures a new OrderBook.
type Config struct {
	// RecentTradeRingSize bounds the in-memory trade ring (§3, K≈1000).
	RecentTradeRingSize int
	// FlushThreshold is the pending-trade count at which the book signals
	// FlushSignal for an out-of-band flush (§4.A default 100). The book
	// itself never writes to the store — see DrainPending.
	FlushThreshold int
	// Bus receives new_trades/cancel events. May be nil (events are
	// simply not published, useful in unit tests).
	Bus *eventbus.Bus
	// Now returns the current time as fractional Unix seconds. Defaults
	// to the wall clock; overridable for deterministic tests.
	Now    func() float64
	Logger zerolog.Logger
}

func defaultNow() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}

// OrderBook is a single-symbol price-time-priority limit order book.
// All state (both ladders, the registry, last trade price, the recent
// trade ring, and the pending trade buffer) is owned by one goroutine
// (run) and touched only through requests sent on reqCh — the
// structural equivalent of the single mutual-exclusion primitive §5
// requires, without an explicit mutex. Submit, Cancel, and Snapshot
// therefore compose into one linear order regardless of how many
// goroutines call them concurrently.
type OrderBook struct {
	bids     *Ladder
	asks     *Ladder
	registry map[string]*domain.Order

	lastTradePrice int64
	hasLastTrade   bool

	recent  *tradeRing
	pending []domain.Trade

	bus     *eventbus.Bus
	now     func() float64
	logger  zerolog.Logger
	metrics *metrics.Collector

	flushThreshold int
	flushNow       chan struct{}

	reqCh chan any
	done  chan struct{}
}

type submitReq struct {
	order *domain.Order
	reply chan submitResult
}

type submitResult struct {
	trades []domain.Trade
	err    error
}

type cancelReq struct {
	orderID string
	reply   chan bool
}

type snapshotReq struct {
	reply chan BookState
}

type drainReq struct {
	reply chan []domain.Trade
}

// New creates an OrderBook and starts its dedicated goroutine. Call
// Stop when done.
func New(cfg Config) *OrderBook {
	now := cfg.Now
	if now == nil {
		now = defaultNow
	}
	threshold := cfg.FlushThreshold
	if threshold <= 0 {
		threshold = 100
	}
	b := &OrderBook{
		bids:           NewLadder(true),
		asks:           NewLadder(false),
		registry:       make(map[string]*domain.Order),
		recent:         newTradeRing(cfg.RecentTradeRingSize),
		bus:            cfg.Bus,
		now:            now,
		logger:         cfg.Logger,
		metrics:        metrics.Get(),
		flushThreshold: threshold,
		flushNow:       make(chan struct{}, 1),
		reqCh:          make(chan any),
		done:           make(chan struct{}),
	}
	go b.run()
	return b
}

// Stop terminates the book's goroutine. Pending requests already sent
// are still served; no new ones should be issued afterwards.
func (b *OrderBook) Stop() {
	close(b.done)
}

func (b *OrderBook) run() {
	for {
		select {
		case <-b.done:
			return
		case req := <-b.reqCh:
			switch r := req.(type) {
			case submitReq:
				trades, err := b.handleSubmit(r.order)
				r.reply <- submitResult{trades: trades, err: err}
			case cancelReq:
				r.reply <- b.handleCancel(r.orderID)
			case snapshotReq:
				r.reply <- b.handleSnapshot()
			case drainReq:
				p := b.pending
				b.pending = nil
				r.reply <- p
			}
		}
	}
}

// Submit adds order to the book, matches it against the opposite side,
// and returns every trade the submission produced (possibly none). See
// the matching algorithm in handleSubmit.
func (b *OrderBook) Submit(order *domain.Order) ([]domain.Trade, error) {
	reply := make(chan submitResult, 1)
	b.reqCh <- submitReq{order: order, reply: reply}
	res := <-reply
	return res.trades, res.err
}

// Cancel removes a resting order. Returns true if an order was removed,
// false if the id was unknown.
func (b *OrderBook) Cancel(orderID string) bool {
	reply := make(chan bool, 1)
	b.reqCh <- cancelReq{orderID: orderID, reply: reply}
	return <-reply
}

// Snapshot returns a consistent point-in-time view of the book.
func (b *OrderBook) Snapshot() BookState {
	reply := make(chan BookState, 1)
	b.reqCh <- snapshotReq{reply: reply}
	return <-reply
}

// DrainPending extracts and clears the pending-trade buffer, for the
// periodic flusher (§4.A, §5: "extracts the PendingTradeBuffer contents,
// releases the lock, then performs the durable write").
func (b *OrderBook) DrainPending() []domain.Trade {
	reply := make(chan []domain.Trade, 1)
	b.reqCh <- drainReq{reply: reply}
	return <-reply
}

// FlushSignal fires whenever the pending-trade buffer crosses
// FlushThreshold, so the flusher can drain out of band instead of
// waiting for its next timer tick (§4.A: "a flush occurs whenever the
// buffer reaches a threshold ... or a periodic timer fires"). The
// channel is 1-buffered and never blocks the matching goroutine; a
// signal already pending when another threshold crossing happens is
// simply coalesced.
func (b *OrderBook) FlushSignal() <-chan struct{} {
	return b.flushNow
}

func (b *OrderBook) handleSubmit(order *domain.Order) ([]domain.Trade, error) {
	if order.Side != domain.SideBuy && order.Side != domain.SideSell {
		return nil, xerrors.ErrInvalidOrder
	}
	if order.Price <= 0 || order.Quantity <= 0 {
		return nil, xerrors.ErrInvalidOrder
	}
	if _, exists := b.registry[order.ID]; exists {
		return nil, xerrors.ErrDuplicateOrderID
	}

	var trades []domain.Trade
	if order.Side == domain.SideBuy {
		trades = b.match(order, b.asks, func(best, limit int64) bool { return best <= limit })
	} else {
		trades = b.match(order, b.bids, func(best, limit int64) bool { return best >= limit })
	}

	if order.Quantity > 0 {
		side := b.bids
		if order.Side == domain.SideSell {
			side = b.asks
		}
		side.Insert(order)
		b.registry[order.ID] = order
		b.metrics.RestingOrders.WithLabelValues(order.Side.String()).Inc()
	}

	if len(trades) > 0 {
		b.recordTrades(trades)
		if b.bus != nil {
			b.bus.Publish(eventbus.Event{Kind: eventbus.KindNewTrades, Trades: trades})
		}
	}

	return trades, nil
}

// match walks the opposite side from best price outward, crossing the
// incoming order against resting makers while the taker still has
// quantity and the best opposite price still crosses the taker's limit
// (crosses reports whether bestPrice still satisfies the taker's limit
// for this side). Trade price is always the maker's price (§4.B).
func (b *OrderBook) match(taker *domain.Order, opposite *Ladder, crosses func(best, limit int64) bool) []domain.Trade {
	var trades []domain.Trade
	for taker.Quantity > 0 {
		level := opposite.Best()
		if level == nil {
			break
		}
		if !crosses(level.Price, taker.Price) {
			break
		}
		maker := level.Front()
		if maker == nil {
			break
		}

		qty := taker.Quantity
		if maker.Quantity < qty {
			qty = maker.Quantity
		}

		buyerID, sellerID := taker.TraderID, maker.TraderID
		if taker.Side == domain.SideSell {
			buyerID, sellerID = maker.TraderID, taker.TraderID
		}

		trade := domain.NewTrade(level.Price, qty, buyerID, sellerID, b.now())
		trades = append(trades, trade)

		b.lastTradePrice = level.Price
		b.hasLastTrade = true

		taker.Quantity -= qty
		maker.Quantity -= qty
		opposite.DecrementVolume(level.Price, qty)

		if maker.Quantity == 0 {
			opposite.Remove(maker)
			delete(b.registry, maker.ID)
			b.metrics.RestingOrders.WithLabelValues(maker.Side.String()).Dec()
		}
	}
	return trades
}

func (b *OrderBook) handleCancel(orderID string) bool {
	order, ok := b.registry[orderID]
	if !ok {
		return false
	}
	side := b.bids
	if order.Side == domain.SideSell {
		side = b.asks
	}
	side.Remove(order)
	delete(b.registry, orderID)
	b.metrics.RestingOrders.WithLabelValues(order.Side.String()).Dec()

	if b.bus != nil {
		b.bus.Publish(eventbus.Event{Kind: eventbus.KindCancel, OrderID: orderID})
	}
	return true
}

func (b *OrderBook) handleSnapshot() BookState {
	state := BookState{
		Bids:           ladderDetail(b.bids),
		Asks:           ladderDetail(b.asks),
		LastTradePrice: b.lastTradePrice,
		HasLastTrade:   b.hasLastTrade,
		RecentTrades:   b.recent.last(10),
	}
	return state
}

func ladderDetail(lad *Ladder) map[int64][]RestingOrder {
	out := make(map[int64][]RestingOrder)
	for lvl := lad.Best(); lvl != nil; lvl = lvl.next {
		orders := make([]RestingOrder, 0, lvl.Orders.Len())
		for e := lvl.Orders.Front(); e != nil; e = e.Next() {
			o := e.Value.(*domain.Order)
			orders = append(orders, RestingOrder{
				TraderID:    o.TraderID,
				Quantity:    o.Quantity,
				ArrivalTime: o.ArrivalTime,
			})
		}
		out[lvl.Price] = orders
	}
	return out
}

func (b *OrderBook) recordTrades(trades []domain.Trade) {
	for _, t := range trades {
		b.recent.push(t)
		b.pending = append(b.pending, t)
	}
	if len(b.pending) >= b.flushThreshold {
		if b.logger.GetLevel() <= zerolog.DebugLevel {
			b.logger.Debug().Int("pending", len(b.pending)).Msg("pending trade buffer past flush threshold")
		}
		select {
		case b.flushNow <- struct{}{}:
		default:
			// A flush is already pending; this crossing rides along with it.
		}
	}
}
