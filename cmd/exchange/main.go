// Command exchange runs the single-symbol simulated electronic
// exchange: one process exposing an order endpoint and a
// market-data endpoint over websockets, backed by an in-memory
// price-time-priority order book and a SQLite trade store.
//
// Process surface and graceful shutdown follow the flag +
// signal.Notify + context.WithTimeout pattern used for the API server
// elsewhere in the pack.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"limit-exchange/internal/eventbus"
	"limit-exchange/internal/gateway"
	"limit-exchange/internal/marketdata"
	"limit-exchange/internal/metrics"
	"limit-exchange/internal/orderbook"
	"limit-exchange/internal/tradestore"
)

func main() {
	orderAddr := flag.String("order-addr", "127.0.0.1:8765", "order endpoint listen address")
	marketDataAddr := flag.String("marketdata-addr", "127.0.0.1:8766", "market-data endpoint listen address")
	metricsAddr := flag.String("metrics-addr", "127.0.0.1:9090", "Prometheus metrics listen address")
	dbPath := flag.String("db", "trades.db", "trade store SQLite database path")
	snapshotInterval := flag.Duration("snapshot-interval", 750*time.Millisecond, "order-book snapshot broadcast cadence")
	flushInterval := flag.Duration("flush-interval", 5*time.Second, "trade store flush period")
	flushThreshold := flag.Int("flush-threshold", 100, "pending-trade count that should trigger an out-of-band flush")
	recentTradeRing := flag.Int("recent-trade-ring", 1000, "size of the in-memory recent-trade ring")
	eventBusBuffer := flag.Int("eventbus-buffer", 256, "per-subscriber event bus buffer size")
	logLevel := flag.String("log-level", "info", "zerolog level (debug, info, warn, error)")
	flag.Parse()

	level, err := zerolog.ParseLevel(*logLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	logger := log.Logger

	store, err := tradestore.Open(*dbPath)
	if err != nil {
		logger.Fatal().Err(err).Str("path", *dbPath).Msg("failed to open trade store")
	}
	defer store.Close()

	bus := eventbus.New(*eventBusBuffer)
	book := orderbook.New(orderbook.Config{
		RecentTradeRingSize: *recentTradeRing,
		FlushThreshold:      *flushThreshold,
		Bus:                 bus,
		Logger:              logger.With().Str("component", "orderbook").Logger(),
	})
	defer book.Stop()

	flusher := tradestore.NewFlusher(store, book, *flushInterval, logger.With().Str("component", "tradestore").Logger())
	go flusher.Run()
	defer flusher.Stop()

	gw := gateway.New(book, logger.With().Str("component", "gateway").Logger())
	orderSrv := &http.Server{Addr: *orderAddr, Handler: gw}

	md := marketdata.New(book, store, bus, *snapshotInterval, logger.With().Str("component", "marketdata").Logger())
	go md.Run()
	defer md.Stop()
	marketDataSrv := &http.Server{Addr: *marketDataAddr, Handler: md}

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", metrics.Handler())
	metricsSrv := &http.Server{Addr: *metricsAddr, Handler: metricsMux}

	errs := make(chan error, 3)
	go func() {
		logger.Info().Str("addr", *orderAddr).Msg("order endpoint listening")
		if err := orderSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errs <- err
		}
	}()
	go func() {
		logger.Info().Str("addr", *marketDataAddr).Msg("market-data endpoint listening")
		if err := marketDataSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errs <- err
		}
	}()
	go func() {
		logger.Info().Str("addr", *metricsAddr).Msg("metrics endpoint listening")
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errs <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errs:
		logger.Fatal().Err(err).Msg("fatal startup failure")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = orderSrv.Shutdown(ctx)
	_ = marketDataSrv.Shutdown(ctx)
	_ = metricsSrv.Shutdown(ctx)

	// Remaining cleanup (market-data loops, the flusher's final drain,
	// the order book, the store) runs via the deferred calls above, in
	// reverse declaration order — flusher before book before store —
	// so the last pending trades are durably written before exit.
	logger.Info().Msg("shutdown complete")
}
