// Package marketdata is the market-data distributor of §4.E: it
// tracks each session's trades/order_book subscription flags, fans
// out event-driven trade broadcasts and periodic order-book
// snapshots, and answers historical trade/OHLC queries against the
// trade store.
package marketdata

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"limit-exchange/domain"
	"limit-exchange/internal/eventbus"
	"limit-exchange/internal/metrics"
	"limit-exchange/internal/orderbook"
	"limit-exchange/internal/tradestore"
	"limit-exchange/internal/wire"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Snapshotter is the subset of *orderbook.OrderBook the distributor
// depends on.
type Snapshotter interface {
	Snapshot() orderbook.BookState
}

// History is the subset of *tradestore.Store the distributor depends
// on for historical queries.
type History interface {
	RangeTrades(fromTS, toTS float64, hasFrom, hasTo bool) ([]domain.Trade, error)
	OHLC(fromTS, toTS float64, hasFrom, hasTo bool, interval float64) ([]tradestore.Candle, error)
}

// Server is the market-data endpoint.
type Server struct {
	book   Snapshotter
	store  History
	bus    *eventbus.Bus
	logger zerolog.Logger

	snapshotInterval time.Duration

	registry *subscriberRegistry
	metrics  *metrics.Collector

	stop chan struct{}
}

// New creates a market-data Server. Call Run to start its broadcast
// loops before serving connections.
func New(book Snapshotter, store History, bus *eventbus.Bus, snapshotInterval time.Duration, logger zerolog.Logger) *Server {
	if snapshotInterval <= 0 {
		snapshotInterval = 500 * time.Millisecond
	}
	return &Server{
		book:             book,
		store:            store,
		bus:              bus,
		logger:           logger,
		snapshotInterval: snapshotInterval,
		registry:         newSubscriberRegistry(),
		metrics:          metrics.Get(),
		stop:             make(chan struct{}),
	}
}

// Run starts the two concurrent fan-out producers of §4.E: the
// event-driven trade broadcast and the periodic snapshot broadcast.
// Call it in its own goroutine; it returns when Stop is called.
func (s *Server) Run() {
	sub := s.bus.Subscribe()
	defer s.bus.Unsubscribe(sub)

	ticker := time.NewTicker(s.snapshotInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case evt, ok := <-sub.Events():
			if !ok {
				return
			}
			if evt.Kind == eventbus.KindNewTrades {
				s.broadcastTrades(evt.Trades)
			}
		case <-ticker.C:
			s.broadcastSnapshot()
		}
	}
}

// Stop ends Run.
func (s *Server) Stop() {
	close(s.stop)
}

func (s *Server) broadcastTrades(trades []domain.Trade) {
	push := wire.NewTradesPush{Type: "new_trades", Trades: toTradeViews(trades)}
	data, err := json.Marshal(push)
	if err != nil {
		return
	}
	for _, sess := range s.registry.tradeSubscribers() {
		sess.sendRaw(data)
	}
}

func (s *Server) broadcastSnapshot() {
	state := s.book.Snapshot()
	update := wire.OrderBookUpdate{Type: "order_book_update", Data: toOrderBookUpdateData(state)}
	data, err := json.Marshal(update)
	if err != nil {
		return
	}
	for _, sess := range s.registry.orderBookSubscribers() {
		sess.sendRaw(data)
	}
}

// ServeHTTP upgrades the connection and starts its control-message
// read loop. Subscription flags default to false (§4.E).
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("market-data endpoint upgrade failed")
		return
	}

	sess := newSubscriber(conn, s)
	s.registry.register(sess)
	s.metrics.MarketDataSessions.Inc()

	go sess.writePump()
	sess.readPump()
	s.metrics.MarketDataSessions.Dec()
}

func (s *Server) handleControl(sess *subscriber, raw []byte) {
	var msg wire.ControlMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return
	}
	switch msg.Type {
	case wire.TypeSubscribeTrades:
		s.registry.setTrades(sess, true)
	case wire.TypeUnsubscribeTrades:
		s.registry.setTrades(sess, false)
	case wire.TypeSubscribeOrderBook:
		s.registry.setOrderBook(sess, true)
	case wire.TypeUnsubscribeOrderBook:
		s.registry.setOrderBook(sess, false)
	case wire.TypeRequestHistorical:
		s.replyHistorical(sess, msg)
	case wire.TypeRequestHistoricalOHLC:
		s.replyHistoricalOHLC(sess, msg)
	default:
		// Unknown message types are silently ignored (§4.E).
	}
}

func (s *Server) replyHistorical(sess *subscriber, msg wire.ControlMessage) {
	fromTS, hasFrom := derefOr(msg.FromTime)
	toTS, hasTo := derefOr(msg.ToTime)
	trades, err := s.store.RangeTrades(fromTS, toTS, hasFrom, hasTo)
	if err != nil {
		s.logger.Warn().Err(err).Msg("historical trades query failed")
		return
	}
	sess.sendJSON(wire.HistoricalTradesReply{Type: "historical_trades", Trades: toTradeViews(trades)})
}

func (s *Server) replyHistoricalOHLC(sess *subscriber, msg wire.ControlMessage) {
	fromTS, hasFrom := derefOr(msg.FromTime)
	toTS, hasTo := derefOr(msg.ToTime)
	interval := 60.0
	if msg.CandleInterval != nil {
		interval = *msg.CandleInterval
	}
	candles, err := s.store.OHLC(fromTS, toTS, hasFrom, hasTo, interval)
	if err != nil {
		s.logger.Warn().Err(err).Msg("historical ohlc query failed")
		return
	}
	sess.sendJSON(wire.HistoricalOHLCReply{Type: "historical_ohlc", Data: toCandleViews(candles)})
}

func derefOr(p *float64) (float64, bool) {
	if p == nil {
		return 0, false
	}
	return *p, true
}

func toTradeViews(trades []domain.Trade) []wire.TradeView {
	out := make([]wire.TradeView, len(trades))
	for i, t := range trades {
		out[i] = wire.TradeView{Timestamp: t.Timestamp, BuyerID: t.BuyerID, SellerID: t.SellerID, Price: t.Price, Quantity: t.Quantity}
	}
	return out
}

func toCandleViews(candles []tradestore.Candle) []wire.CandleView {
	out := make([]wire.CandleView, len(candles))
	for i, c := range candles {
		out[i] = wire.CandleView{Time: c.BucketStart, Open: c.Open, High: c.High, Low: c.Low, Close: c.Close, Volume: c.Volume}
	}
	return out
}

func toOrderBookUpdateData(state orderbook.BookState) wire.OrderBookUpdateData {
	data := wire.OrderBookUpdateData{
		Bids:         toLevelViews(state.Bids),
		Asks:         toLevelViews(state.Asks),
		RecentTrades: toTradeViews(state.RecentTrades),
	}
	if state.HasLastTrade {
		price := state.LastTradePrice
		data.LastPrice = &price
	}
	return data
}

func toLevelViews(levels map[int64][]orderbook.RestingOrder) map[string][]wire.RestingOrderView {
	out := make(map[string][]wire.RestingOrderView, len(levels))
	for price, orders := range levels {
		views := make([]wire.RestingOrderView, len(orders))
		for i, o := range orders {
			views[i] = wire.RestingOrderView{TraderID: o.TraderID, Quantity: o.Quantity}
		}
		out[wire.PriceKey(price)] = views
	}
	return out
}
