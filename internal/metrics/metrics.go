// Package metrics exposes the exchange's Prometheus collectors. The
// singleton-collector-plus-recording-helpers shape, and the
// registerAll/Handler split, follow the metrics collector used
// elsewhere in the pack for an exchange-style service.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds every metric the exchange records.
type Collector struct {
	OrdersTotal        *prometheus.CounterVec
	OrdersRejected     *prometheus.CounterVec
	RestingOrders      *prometheus.GaugeVec
	TradesTotal        prometheus.Counter
	TradeVolume        prometheus.Counter
	StoreFlushFailures prometheus.Counter
	OrderSessions      prometheus.Gauge
	MarketDataSessions prometheus.Gauge
}

var (
	collector     *Collector
	collectorOnce sync.Once
)

// Get returns the process-wide metrics collector, creating and
// registering it on first use.
func Get() *Collector {
	collectorOnce.Do(func() {
		collector = newCollector()
	})
	return collector
}

func newCollector() *Collector {
	c := &Collector{
		OrdersTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "exchange",
			Subsystem: "orders",
			Name:      "total",
			Help:      "Total number of orders submitted, by side.",
		}, []string{"side"}),
		OrdersRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "exchange",
			Subsystem: "orders",
			Name:      "rejected_total",
			Help:      "Total number of orders rejected, by reason.",
		}, []string{"reason"}),
		RestingOrders: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "exchange",
			Subsystem: "book",
			Name:      "resting_orders",
			Help:      "Number of orders currently resting, by side.",
		}, []string{"side"}),
		TradesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "exchange",
			Subsystem: "trades",
			Name:      "total",
			Help:      "Total number of trades executed.",
		}),
		TradeVolume: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "exchange",
			Subsystem: "trades",
			Name:      "volume_total",
			Help:      "Total traded quantity.",
		}),
		StoreFlushFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "exchange",
			Subsystem: "tradestore",
			Name:      "flush_failures_total",
			Help:      "Total number of failed trade-store flush attempts.",
		}),
		OrderSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "exchange",
			Subsystem: "gateway",
			Name:      "sessions_active",
			Help:      "Number of connected order-endpoint sessions.",
		}),
		MarketDataSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "exchange",
			Subsystem: "marketdata",
			Name:      "sessions_active",
			Help:      "Number of connected market-data sessions.",
		}),
	}
	c.registerAll()
	return c
}

func (c *Collector) registerAll() {
	prometheus.MustRegister(
		c.OrdersTotal,
		c.OrdersRejected,
		c.RestingOrders,
		c.TradesTotal,
		c.TradeVolume,
		c.StoreFlushFailures,
		c.OrderSessions,
		c.MarketDataSessions,
	)
}

// RecordOrder records a submitted order.
func (c *Collector) RecordOrder(side string) {
	c.OrdersTotal.WithLabelValues(side).Inc()
}

// RecordRejection records a rejected order by error kind.
func (c *Collector) RecordRejection(reason string) {
	c.OrdersRejected.WithLabelValues(reason).Inc()
}

// RecordTrades records one submission's worth of executed trades.
func (c *Collector) RecordTrades(count int, volume int64) {
	if count == 0 {
		return
	}
	c.TradesTotal.Add(float64(count))
	c.TradeVolume.Add(float64(volume))
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
