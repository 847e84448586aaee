// Package telemetry registers the Prometheus metrics for the clearing core.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RoundsCleared counts clearing rounds by outcome.
	RoundsCleared = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "auctiond_rounds_cleared_total",
		Help: "Clearing rounds executed, labeled by outcome (traded|empty|failed).",
	}, []string{"outcome"})

	// OrdersMatched counts orders filled across all rounds.
	OrdersMatched = promauto.NewCounter(prometheus.CounterOpts{
		Name: "auctiond_orders_matched_total",
		Help: "Orders that received a fill in any clearing round.",
	})

	// ClearingVolume observes per-round traded volume.
	ClearingVolume = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "auctiond_clearing_volume",
		Help:    "Traded volume per non-empty clearing round.",
		Buckets: prometheus.ExponentialBuckets(1, 4, 10),
	})

	// TickDuration observes scheduler tick wall time.
	TickDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "auctiond_scheduler_tick_seconds",
		Help:    "Wall time of one scheduler tick.",
		Buckets: prometheus.DefBuckets,
	})

	// AuctionsCollecting tracks how many auctions are accepting orders.
	AuctionsCollecting = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "auctiond_auctions_collecting",
		Help: "Auctions currently in the collecting state.",
	})
)
