// Package telemetry exposes the engine's prometheus surface: one custom
// registry and the gauges/counters the Auto-Trader and Position Monitor
// update on every cycle and tick.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry is the engine's own registry, never the global default one, so
// tests can spin up isolated instances.
var Registry = prometheus.NewRegistry()

var (
	CycleDuration = promauto.With(Registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "tradecore",
			Subsystem: "trader",
			Name:      "cycle_duration_seconds",
			Help:      "Auto-Trader cycle wall time",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"user_id"},
	)

	SignalsEvaluated = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tradecore",
			Subsystem: "trader",
			Name:      "signals_evaluated_total",
			Help:      "Signals seen by the validator, by outcome",
		},
		[]string{"user_id", "outcome"},
	)

	OrdersPlaced = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tradecore",
			Subsystem: "trader",
			Name:      "orders_placed_total",
			Help:      "Orders placed, by result",
		},
		[]string{"user_id", "symbol", "result"},
	)

	OpenPositions = promauto.With(Registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "tradecore",
			Subsystem: "monitor",
			Name:      "open_positions",
			Help:      "Currently open positions per user",
		},
		[]string{"user_id"},
	)

	MonitorTickDuration = promauto.With(Registry).NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "tradecore",
			Subsystem: "monitor",
			Name:      "tick_duration_seconds",
			Help:      "Position monitor tick wall time",
			Buckets:   prometheus.DefBuckets,
		},
	)

	PositionClosed = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tradecore",
			Subsystem: "monitor",
			Name:      "position_closed_total",
			Help:      "Closed positions, by reason",
		},
		[]string{"user_id", "reason"},
	)

	RealizedPnL = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tradecore",
			Subsystem: "monitor",
			Name:      "realized_pnl_usd_total",
			Help:      "Cumulative realized PnL in USD, by user",
		},
		[]string{"user_id"},
	)

	ReconciliationGhosts = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tradecore",
			Subsystem: "persistence",
			Name:      "ghost_cleanups_total",
			Help:      "Positions closed on startup because the venue no longer reports them",
		},
		[]string{"user_id"},
	)
)
