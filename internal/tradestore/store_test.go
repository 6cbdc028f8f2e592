package tradestore

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"limit-exchange/domain"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "trades.db")
	s, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestFlushBatchAndRangeTrades(t *testing.T) {
	s := newTestStore(t)

	trades := []domain.Trade{
		{Timestamp: 1.0, BuyerID: "b1", SellerID: "s1", Price: 100, Quantity: 5},
		{Timestamp: 2.0, BuyerID: "b2", SellerID: "s2", Price: 101, Quantity: 3},
		{Timestamp: 3.0, BuyerID: "b3", SellerID: "s3", Price: 99, Quantity: 7},
	}
	require.NoError(t, s.FlushBatch(trades))

	all, err := s.RangeTrades(0, 0, false, false)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, int64(100), all[0].Price)
	assert.Equal(t, int64(99), all[2].Price)

	ranged, err := s.RangeTrades(1.5, 2.5, true, true)
	require.NoError(t, err)
	require.Len(t, ranged, 1)
	assert.Equal(t, int64(101), ranged[0].Price)
}

func TestFlushBatchEmptyIsNoop(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.FlushBatch(nil))

	all, err := s.RangeTrades(0, 0, false, false)
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestOHLCBucketsByInterval(t *testing.T) {
	s := newTestStore(t)

	trades := []domain.Trade{
		{Timestamp: 0, BuyerID: "b", SellerID: "s", Price: 100, Quantity: 1},
		{Timestamp: 10, BuyerID: "b", SellerID: "s", Price: 105, Quantity: 2},
		{Timestamp: 20, BuyerID: "b", SellerID: "s", Price: 95, Quantity: 3},
		{Timestamp: 65, BuyerID: "b", SellerID: "s", Price: 110, Quantity: 1},
		{Timestamp: 90, BuyerID: "b", SellerID: "s", Price: 108, Quantity: 4},
	}
	require.NoError(t, s.FlushBatch(trades))

	candles, err := s.OHLC(0, 0, false, false, 60)
	require.NoError(t, err)
	require.Len(t, candles, 2)

	first := candles[0]
	assert.Equal(t, int64(100), first.Open)
	assert.Equal(t, int64(105), first.High)
	assert.Equal(t, int64(95), first.Low)
	assert.Equal(t, int64(95), first.Close)
	assert.Equal(t, int64(6), first.Volume)

	second := candles[1]
	assert.Equal(t, int64(110), second.Open)
	assert.Equal(t, int64(108), second.Close)
	assert.Equal(t, int64(5), second.Volume)
}

func TestOHLCRejectsNonPositiveInterval(t *testing.T) {
	s := newTestStore(t)
	_, err := s.OHLC(0, 0, false, false, 0)
	assert.Error(t, err)
	_, err = s.OHLC(0, 0, false, false, -5)
	assert.Error(t, err)
}

func TestReopenIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trades.db")
	s1, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s1.FlushBatch([]domain.Trade{{Timestamp: 1, BuyerID: "b", SellerID: "s", Price: 100, Quantity: 1}}))
	require.NoError(t, s1.Close())

	s2, err := Open(path)
	require.NoError(t, err)
	defer s2.Close()

	all, err := s2.RangeTrades(0, 0, false, false)
	require.NoError(t, err)
	require.Len(t, all, 1)
}

type fakeDrainer struct {
	batches [][]domain.Trade
	idx     int
	signal  chan struct{}
}

func (f *fakeDrainer) DrainPending() []domain.Trade {
	if f.idx >= len(f.batches) {
		return nil
	}
	b := f.batches[f.idx]
	f.idx++
	return b
}

func (f *fakeDrainer) FlushSignal() <-chan struct{} {
	return f.signal
}

func TestFlusherDrainsOnStop(t *testing.T) {
	s := newTestStore(t)
	drainer := &fakeDrainer{batches: [][]domain.Trade{
		{{Timestamp: 1, BuyerID: "b", SellerID: "s", Price: 100, Quantity: 1}},
	}}

	f := NewFlusher(s, drainer, time.Hour, zerolog.Nop())
	go f.Run()
	f.Stop()

	all, err := s.RangeTrades(0, 0, false, false)
	require.NoError(t, err)
	require.Len(t, all, 1)
}

// TestFlusherFlushesOnThresholdSignal covers §4.A's threshold-triggered
// flush path: a FlushSignal must trigger a drain well before the (here,
// very long) timer interval would.
func TestFlusherFlushesOnThresholdSignal(t *testing.T) {
	s := newTestStore(t)
	drainer := &fakeDrainer{
		batches: [][]domain.Trade{
			{{Timestamp: 1, BuyerID: "b", SellerID: "s", Price: 100, Quantity: 1}},
		},
		signal: make(chan struct{}, 1),
	}

	f := NewFlusher(s, drainer, time.Hour, zerolog.Nop())
	go f.Run()
	defer f.Stop()

	drainer.signal <- struct{}{}

	require.Eventually(t, func() bool {
		all, err := s.RangeTrades(0, 0, false, false)
		return err == nil && len(all) == 1
	}, time.Second, 10*time.Millisecond, "expected the threshold signal to force a flush ahead of the timer")
}
