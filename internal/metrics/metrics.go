package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	UpstreamCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "croprisk_upstream_calls_total",
			Help: "Total sensing vendor API calls",
		},
		[]string{"endpoint", "status"},
	)

	UpstreamLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "croprisk_upstream_latency_seconds",
			Help:    "Sensing vendor API call latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"endpoint"},
	)

	CyclesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "croprisk_cycles_total",
			Help: "Refresh cycles by update type and outcome",
		},
		[]string{"update_type", "status"},
	)

	CycleDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "croprisk_cycle_duration_seconds",
			Help:    "Refresh cycle duration in seconds",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"update_type"},
	)

	IncidentTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "croprisk_incident_transitions_total",
			Help: "Incident ledger transitions by hazard kind and action",
		},
		[]string{"kind", "action"},
	)

	LedgerConflicts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "croprisk_ledger_conflicts_total",
			Help: "Ledger writes that lost a race and were retried or failed",
		},
		[]string{"kind", "outcome"},
	)

	SignalsStored = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "croprisk_signals_stored_total",
			Help: "Signal records persisted by type",
		},
		[]string{"signal"},
	)
)
