// Package metrics holds the Prometheus collectors exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "chaos_exchange"

var (
	// TicksTotal counts per-symbol generation outcomes: generated, skipped, dropped.
	TicksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "generator",
		Name:      "ticks_total",
		Help:      "Per-symbol candle generation outcomes.",
	}, []string{"result"})

	TickDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "generator",
		Name:      "tick_duration_seconds",
		Help:      "Wall time of one generation tick across all symbols.",
		Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5},
	})

	CandlesAggregated = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "aggregator",
		Name:      "backfilled_buckets_total",
		Help:      "Aggregated buckets written by backfill.",
	}, []string{"timeframe"})

	CandlesPruned = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "aggregator",
		Name:      "pruned_candles_total",
		Help:      "Candles removed by retention pruning.",
	})

	PositionsOpened = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "positions",
		Name:      "opened_total",
		Help:      "Positions opened by side.",
	}, []string{"side"})

	PositionsSettled = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "positions",
		Name:      "settled_total",
		Help:      "Positions reaching a terminal state, by status and reason.",
	}, []string{"status", "reason"})

	TriggersFired = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "positions",
		Name:      "triggers_fired_total",
		Help:      "Triggers found by the monitor, by kind.",
	}, []string{"trigger"})

	EventsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "events",
		Name:      "dropped_total",
		Help:      "Events dropped because a subscriber queue was full, by event type.",
	}, []string{"type"})

	IsLeader = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "generator",
		Name:      "is_leader",
		Help:      "1 while this process holds the generation lease.",
	})
)
