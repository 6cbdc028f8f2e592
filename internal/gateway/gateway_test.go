package gateway

import (
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"limit-exchange/domain"
	"limit-exchange/internal/wire"
)

type fakeBook struct {
	trades []domain.Trade
	err    error
	gotOrder *domain.Order
}

func (f *fakeBook) Submit(order *domain.Order) ([]domain.Trade, error) {
	f.gotOrder = order
	return f.trades, f.err
}

func newTestSession(traderID string, srv *Server) *session {
	return &session{gateway: srv, traderID: traderID, send: make(chan []byte, 16)}
}

func TestSubmitRepliesWithTrades(t *testing.T) {
	book := &fakeBook{trades: []domain.Trade{
		{Timestamp: 1, BuyerID: "trader-a", SellerID: "trader-b", Price: 100, Quantity: 5},
	}}
	srv := New(book, zerolog.Nop())
	buyer := newTestSession("trader-a", srv)
	srv.registry.register(buyer)

	srv.submit(buyer, []byte(`{"side":"buy","price":100,"quantity":5}`))

	var got []wire.TradeView
	select {
	case raw := <-buyer.send:
		require.NoError(t, json.Unmarshal(raw, &got))
	default:
		t.Fatal("expected a reply on the originating session")
	}
	require.Len(t, got, 1)
	assert.Equal(t, int64(100), got[0].Price)
	require.NotNil(t, book.gotOrder)
	assert.Equal(t, "trader-a", book.gotOrder.TraderID)
	assert.Equal(t, domain.SideBuy, book.gotOrder.Side)
}

func TestSubmitRoutesToCounterpartyNotOriginator(t *testing.T) {
	book := &fakeBook{trades: []domain.Trade{
		{Timestamp: 1, BuyerID: "trader-a", SellerID: "trader-b", Price: 100, Quantity: 5},
	}}
	srv := New(book, zerolog.Nop())
	buyer := newTestSession("trader-a", srv)
	seller := newTestSession("trader-b", srv)
	srv.registry.register(buyer)
	srv.registry.register(seller)

	srv.submit(buyer, []byte(`{"side":"buy","price":100,"quantity":5}`))

	<-buyer.send // drain the originator's own reply

	var got []wire.TradeView
	select {
	case raw := <-seller.send:
		require.NoError(t, json.Unmarshal(raw, &got))
	default:
		t.Fatal("expected the counterparty to receive the trade")
	}
	require.Len(t, got, 1)
	assert.Equal(t, "trader-b", got[0].SellerID)

	select {
	case raw := <-buyer.send:
		t.Fatalf("originator should not receive a second push, got %s", raw)
	default:
	}
}

func TestSubmitRejectsInvalidSide(t *testing.T) {
	book := &fakeBook{}
	srv := New(book, zerolog.Nop())
	sess := newTestSession("trader-a", srv)
	srv.registry.register(sess)

	srv.submit(sess, []byte(`{"side":"sideways","price":100,"quantity":5}`))

	var got wire.ErrorReply
	select {
	case raw := <-sess.send:
		require.NoError(t, json.Unmarshal(raw, &got))
	default:
		t.Fatal("expected an error reply")
	}
	assert.NotEmpty(t, got.Error)
	assert.Nil(t, book.gotOrder)
}

func TestSubmitKeepsSessionOpenOnMalformedRequest(t *testing.T) {
	book := &fakeBook{}
	srv := New(book, zerolog.Nop())
	sess := newTestSession("trader-a", srv)
	srv.registry.register(sess)

	srv.submit(sess, []byte(`not json`))

	select {
	case raw := <-sess.send:
		var got wire.ErrorReply
		require.NoError(t, json.Unmarshal(raw, &got))
		assert.NotEmpty(t, got.Error)
	default:
		t.Fatal("expected an error reply")
	}

	// the registry should be untouched; a malformed request does not
	// tear down the connection (§4.D).
	_, ok := srv.registry.bySessionTrader("trader-a")
	assert.True(t, ok)
}

func TestUnregisterPurgesSession(t *testing.T) {
	book := &fakeBook{}
	srv := New(book, zerolog.Nop())
	sess := newTestSession("trader-a", srv)
	srv.registry.register(sess)

	srv.unregister(sess)

	_, ok := srv.registry.bySessionTrader("trader-a")
	assert.False(t, ok)
}
