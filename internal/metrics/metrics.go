// Package metrics defines the Prometheus instrumentation surface for the
// dispatcher, grounded on the teacher's internal/pipeline/worker/metrics.go
// (promauto-registered counters/histograms per subsystem, label sets kept
// small and cardinality-bounded).
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RegistrationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatcher_registrations_total",
			Help: "Total incomer registration attempts by outcome.",
		},
		[]string{"outcome"}, // approved, duplicate_rejected, missing_transaction, invalid_payload
	)

	EvictionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatcher_evictions_total",
			Help: "Total incomers evicted for inactivity.",
		},
		[]string{"name"},
	)

	FanOutTargetsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatcher_fanout_targets_total",
			Help: "Total dispatcher-side child transactions created by fan-out.",
		},
		[]string{"event"},
	)

	BackupParkedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatcher_backup_parked_total",
			Help: "Total fan-out transactions parked into the backup dispatcher store because no incomer subscribes to the event.",
		},
		[]string{"store"}, // dispatcher; parking done by eviction is not counted
	)

	ReconciliationPairsResolvedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dispatcher_reconciliation_pairs_resolved_total",
			Help: "Total dispatcher/incomer transaction pairs resolved by reconciliation.",
		},
	)

	ReconciliationDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "dispatcher_reconciliation_duration_seconds",
			Help:    "Wall-clock duration of a full reconciliation pass.",
			Buckets: prometheus.DefBuckets,
		},
	)

	ElectionTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatcher_election_transitions_total",
			Help: "Total leader-election role transitions.",
		},
		[]string{"role"}, // active, standby
	)

	PingsSentTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dispatcher_pings_sent_total",
			Help: "Total pings published to incomers.",
		},
	)
)
