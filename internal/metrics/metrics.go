// Package metrics exposes Prometheus instrumentation for the bot core.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector holds the process-wide metric vectors, labeled per bot.
type Collector struct {
	TickDuration    *prometheus.HistogramVec
	TicksSkipped    *prometheus.CounterVec
	OrdersSubmitted *prometheus.CounterVec
	OrdersDenied    *prometheus.CounterVec
	FillsProcessed  *prometheus.CounterVec
	RealizedPnL     *prometheus.GaugeVec
	CircuitState    *prometheus.GaugeVec
	BotsRunning     prometheus.Gauge
}

// NewCollector registers the metric vectors on the given registerer. Pass
// prometheus.DefaultRegisterer in production; a fresh registry in tests.
func NewCollector(reg prometheus.Registerer) *Collector {
	factory := promauto.With(reg)
	return &Collector{
		TickDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "botcore_tick_duration_seconds",
			Help:    "Duration of one engine tick.",
			Buckets: prometheus.DefBuckets,
		}, []string{"bot"}),
		TicksSkipped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "botcore_ticks_skipped_total",
			Help: "Ticks skipped because the ticker fetch failed.",
		}, []string{"bot"}),
		OrdersSubmitted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "botcore_orders_submitted_total",
			Help: "Orders accepted by the exchange.",
		}, []string{"bot", "side"}),
		OrdersDenied: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "botcore_orders_denied_total",
			Help: "Candidate orders denied before submission.",
		}, []string{"bot", "reason"}),
		FillsProcessed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "botcore_fills_processed_total",
			Help: "Order fills handled.",
		}, []string{"bot", "side"}),
		RealizedPnL: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "botcore_realized_pnl",
			Help: "Cumulative realized P&L in quote currency.",
		}, []string{"bot"}),
		CircuitState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "botcore_circuit_state",
			Help: "Circuit breaker state: 0 closed, 1 half-open, 2 open.",
		}, []string{"bot"}),
		BotsRunning: factory.NewGauge(prometheus.GaugeOpts{
			Name: "botcore_bots_running",
			Help: "Live bot loops in this process.",
		}),
	}
}
