// Package gateway is the order endpoint of §4.D: it terminates client
// websocket connections, assigns each a trader_id, decodes order
// requests, submits them to the order book, and routes resulting
// trades back to both sides.
//
// Session bookkeeping (register/unregister, the bidirectional
// trader_id<->session maps) follows the Hub pattern used for the
// order-book websocket fan-out elsewhere in the pack: one
// sync.RWMutex guarding plain maps, rather than another actor
// goroutine, because the gateway's own state (who is connected) is
// independent of the order book's and doesn't need to serialize with
// matching.
package gateway

import (
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"limit-exchange/domain"
	"limit-exchange/internal/metrics"
	"limit-exchange/internal/wire"
	"limit-exchange/internal/xerrors"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Book is the subset of *orderbook.OrderBook the gateway depends on.
type Book interface {
	Submit(order *domain.Order) ([]domain.Trade, error)
}

// Server is the order endpoint. It owns no order-book state; it only
// translates sessions into calls against Book.
type Server struct {
	book    Book
	logger  zerolog.Logger
	metrics *metrics.Collector

	registry *sessionRegistry
}

// New creates an order-endpoint Server backed by book.
func New(book Book, logger zerolog.Logger) *Server {
	return &Server{
		book:     book,
		logger:   logger,
		metrics:  metrics.Get(),
		registry: newSessionRegistry(),
	}
}

// ServeHTTP upgrades the connection, assigns a trader_id, and starts
// the session's read/write pumps.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("order endpoint upgrade failed")
		return
	}

	traderID := uuid.NewString()
	sess := newSession(conn, traderID, s)
	s.registry.register(sess)
	s.metrics.OrderSessions.Inc()
	s.logger.Info().Str("trader_id", traderID).Msg("order session connected")

	go sess.writePump()
	sess.readPump()
}

// submit decodes raw, builds the order, submits it to the book, and
// replies on sess with the trades it produced (or an error reply on
// rejection), then pushes each trade to its counterparty's session.
func (s *Server) submit(sess *session, raw []byte) {
	var req wire.OrderRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		sess.sendJSON(wire.ErrorReply{Error: "malformed request"})
		return
	}

	var side domain.Side
	switch req.Side {
	case "buy":
		side = domain.SideBuy
	case "sell":
		side = domain.SideSell
	default:
		s.metrics.RecordRejection("invalid_order")
		sess.sendJSON(wire.ErrorReply{Error: xerrors.ErrInvalidOrder.Error()})
		return
	}

	price := priceToTicks(req.Price)
	qty := int64(math.Round(req.Quantity))
	order := domain.NewOrder(uuid.NewString(), sess.traderID, side, price, qty, nowSeconds())

	trades, err := s.book.Submit(order)
	if err != nil {
		s.metrics.RecordRejection(rejectionReason(err))
		sess.sendJSON(wire.ErrorReply{Error: err.Error()})
		return
	}

	s.metrics.RecordOrder(req.Side)
	var volume int64
	for _, t := range trades {
		volume += t.Quantity
	}
	s.metrics.RecordTrades(len(trades), volume)

	sess.sendJSON(toTradeViews(trades))
	s.routeToCounterparties(sess.traderID, trades)
}

func rejectionReason(err error) string {
	switch {
	case errors.Is(err, xerrors.ErrDuplicateOrderID):
		return "duplicate_order_id"
	case errors.Is(err, xerrors.ErrInvalidOrder):
		return "invalid_order"
	default:
		return "unknown"
	}
}

// routeToCounterparties pushes each trade, as a single-element array,
// to the other side's session — never back to the originator (§4.D:
// "self-trade deduplication to the originator only") — if that
// session is still connected.
func (s *Server) routeToCounterparties(originator string, trades []domain.Trade) {
	for _, t := range trades {
		counterparty := t.SellerID
		if counterparty == originator {
			counterparty = t.BuyerID
		}
		if counterparty == originator {
			continue
		}
		if sess, ok := s.registry.bySessionTrader(counterparty); ok {
			sess.sendJSON(toTradeViews([]domain.Trade{t}))
		}
	}
}

func (s *Server) unregister(sess *session) {
	s.registry.unregister(sess)
	s.metrics.OrderSessions.Dec()
	s.logger.Info().Str("trader_id", sess.traderID).Msg("order session disconnected")
}

func toTradeViews(trades []domain.Trade) []wire.TradeView {
	out := make([]wire.TradeView, len(trades))
	for i, t := range trades {
		out[i] = wire.TradeView{
			Timestamp: t.Timestamp,
			BuyerID:   t.BuyerID,
			SellerID:  t.SellerID,
			Price:     t.Price,
			Quantity:  t.Quantity,
		}
	}
	return out
}

func nowSeconds() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}

// priceScale is the number of book ticks per whole unit of the wire
// price (2 decimal places, i.e. cents). Converting with round-to-
// nearest instead of a bare truncation keeps a request like 100.50
// from silently becoming tick 100 — the exact-equality contract the
// book needs still holds, since every incoming price is quantized the
// same way before it ever reaches the ladder.
const priceScale = 100

func priceToTicks(price float64) int64 {
	return int64(math.Round(price * priceScale))
}
