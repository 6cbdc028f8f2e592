package marketdata

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"limit-exchange/domain"
	"limit-exchange/internal/eventbus"
	"limit-exchange/internal/orderbook"
	"limit-exchange/internal/tradestore"
	"limit-exchange/internal/wire"
)

type fakeBook struct {
	state orderbook.BookState
}

func (f *fakeBook) Snapshot() orderbook.BookState { return f.state }

type fakeHistory struct {
	trades      []domain.Trade
	candles     []tradestore.Candle
	gotInterval float64
}

func (f *fakeHistory) RangeTrades(fromTS, toTS float64, hasFrom, hasTo bool) ([]domain.Trade, error) {
	return f.trades, nil
}

func (f *fakeHistory) OHLC(fromTS, toTS float64, hasFrom, hasTo bool, interval float64) ([]tradestore.Candle, error) {
	f.gotInterval = interval
	return f.candles, nil
}

func newTestSubscriber(srv *Server) *subscriber {
	return &subscriber{server: srv, send: make(chan []byte, 16)}
}

func TestControlMessageSubscribeTrades(t *testing.T) {
	srv := New(&fakeBook{}, &fakeHistory{}, eventbus.New(16), time.Hour, zerolog.Nop())
	sess := newTestSubscriber(srv)
	srv.registry.register(sess)

	assert.False(t, sess.wantsTrades())
	srv.handleControl(sess, []byte(`{"type":"subscribe_trades"}`))
	assert.True(t, sess.wantsTrades())

	srv.handleControl(sess, []byte(`{"type":"unsubscribe_trades"}`))
	assert.False(t, sess.wantsTrades())
}

func TestControlMessageSubscribeOrderBook(t *testing.T) {
	srv := New(&fakeBook{}, &fakeHistory{}, eventbus.New(16), time.Hour, zerolog.Nop())
	sess := newTestSubscriber(srv)
	srv.registry.register(sess)

	srv.handleControl(sess, []byte(`{"type":"subscribe_order_book"}`))
	assert.True(t, sess.wantsOrderBook())
}

func TestUnknownControlMessageIgnored(t *testing.T) {
	srv := New(&fakeBook{}, &fakeHistory{}, eventbus.New(16), time.Hour, zerolog.Nop())
	sess := newTestSubscriber(srv)
	srv.registry.register(sess)

	srv.handleControl(sess, []byte(`{"type":"do_a_barrel_roll"}`))
	assert.False(t, sess.wantsTrades())
	assert.False(t, sess.wantsOrderBook())

	select {
	case raw := <-sess.send:
		t.Fatalf("unknown message should produce no reply, got %s", raw)
	default:
	}
}

func TestBroadcastTradesOnlyReachesSubscribers(t *testing.T) {
	srv := New(&fakeBook{}, &fakeHistory{}, eventbus.New(16), time.Hour, zerolog.Nop())
	subscribed := newTestSubscriber(srv)
	unsubscribed := newTestSubscriber(srv)
	srv.registry.register(subscribed)
	srv.registry.register(unsubscribed)
	srv.registry.setTrades(subscribed, true)

	trades := []domain.Trade{{Timestamp: 1, BuyerID: "b", SellerID: "s", Price: 100, Quantity: 2}}
	srv.broadcastTrades(trades)

	var push wire.NewTradesPush
	select {
	case raw := <-subscribed.send:
		require.NoError(t, json.Unmarshal(raw, &push))
	default:
		t.Fatal("expected subscribed session to receive the broadcast")
	}
	require.Len(t, push.Trades, 1)
	assert.Equal(t, int64(100), push.Trades[0].Price)

	select {
	case raw := <-unsubscribed.send:
		t.Fatalf("unsubscribed session should not receive trades, got %s", raw)
	default:
	}
}

func TestBroadcastSnapshotKeysLevelsByStringPrice(t *testing.T) {
	state := orderbook.BookState{
		Bids: map[int64][]orderbook.RestingOrder{100: {{TraderID: "T1", Quantity: 5}}},
		Asks: map[int64][]orderbook.RestingOrder{},
	}
	srv := New(&fakeBook{state: state}, &fakeHistory{}, eventbus.New(16), time.Hour, zerolog.Nop())
	sess := newTestSubscriber(srv)
	srv.registry.register(sess)
	srv.registry.setOrderBook(sess, true)

	srv.broadcastSnapshot()

	var update wire.OrderBookUpdate
	select {
	case raw := <-sess.send:
		require.NoError(t, json.Unmarshal(raw, &update))
	default:
		t.Fatal("expected an order_book_update")
	}
	require.Contains(t, update.Data.Bids, "100")
	assert.Equal(t, "T1", update.Data.Bids["100"][0].TraderID)
}

func TestHistoricalTradesReply(t *testing.T) {
	hist := &fakeHistory{trades: []domain.Trade{{Timestamp: 1, BuyerID: "b", SellerID: "s", Price: 100, Quantity: 1}}}
	srv := New(&fakeBook{}, hist, eventbus.New(16), time.Hour, zerolog.Nop())
	sess := newTestSubscriber(srv)
	srv.registry.register(sess)

	srv.handleControl(sess, []byte(`{"type":"request_historical"}`))

	var reply wire.HistoricalTradesReply
	select {
	case raw := <-sess.send:
		require.NoError(t, json.Unmarshal(raw, &reply))
	default:
		t.Fatal("expected a historical_trades reply")
	}
	require.Len(t, reply.Trades, 1)
}

func TestHistoricalOHLCReplyDefaultsInterval(t *testing.T) {
	hist := &fakeHistory{candles: []tradestore.Candle{{BucketStart: 0, Open: 100, High: 105, Low: 99, Close: 101, Volume: 3}}}
	srv := New(&fakeBook{}, hist, eventbus.New(16), time.Hour, zerolog.Nop())
	sess := newTestSubscriber(srv)
	srv.registry.register(sess)

	srv.handleControl(sess, []byte(`{"type":"request_historical_ohlc"}`))

	var reply wire.HistoricalOHLCReply
	select {
	case raw := <-sess.send:
		require.NoError(t, json.Unmarshal(raw, &reply))
	default:
		t.Fatal("expected a historical_ohlc reply")
	}
	require.Len(t, reply.Data, 1)
	assert.Equal(t, int64(105), reply.Data[0].High)
	assert.Equal(t, 60.0, hist.gotInterval)
}
