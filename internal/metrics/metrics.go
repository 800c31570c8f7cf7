// SPDX-License-Identifier: MIT

// Package metrics provides Prometheus metrics for the voice-room control plane.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SessionsOpenedTotal counts sessions opened by the tracker.
	SessionsOpenedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "voicewarden",
		Name:      "sessions_opened_total",
		Help:      "Total number of voice sessions opened.",
	})

	// SessionsClosedTotal counts sessions closed by the tracker, by reason.
	SessionsClosedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "voicewarden",
		Name:      "sessions_closed_total",
		Help:      "Total number of voice sessions closed, by reason.",
	}, []string{"reason"})

	// RoomsCreatedTotal counts rooms created by the room creation queue.
	RoomsCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "voicewarden",
		Name:      "rooms_created_total",
		Help:      "Total number of user rooms created.",
	})

	// RoomsDeletedTotal counts rooms deleted on empty.
	RoomsDeletedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "voicewarden",
		Name:      "rooms_deleted_total",
		Help:      "Total number of user rooms deleted.",
	})

	// OwnershipTransfersTotal counts ownership transfers, by cause.
	OwnershipTransfersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "voicewarden",
		Name:      "ownership_transfers_total",
		Help:      "Total number of ownership transfers, by cause.",
	}, []string{"cause"})

	// ReconcileDriftTotal counts drift repairs performed by the reconciler, by kind.
	ReconcileDriftTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "voicewarden",
		Name:      "reconcile_drift_total",
		Help:      "Total number of drift repairs performed by the reconciler, by kind.",
	}, []string{"kind"})

	// ReconcileRunsTotal counts reconciler pass executions.
	ReconcileRunsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "voicewarden",
		Name:      "reconcile_runs_total",
		Help:      "Total number of reconciler passes executed.",
	})

	// ReconcileSkippedTotal counts reconciler passes skipped due to an in-flight run.
	ReconcileSkippedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "voicewarden",
		Name:      "reconcile_skipped_total",
		Help:      "Total number of reconciler ticks skipped because a pass was already running.",
	})

	// CacheOpsTotal counts cache operations, by backend and result.
	CacheOpsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "voicewarden",
		Name:      "cache_ops_total",
		Help:      "Total number of cache operations, by backend and result.",
	}, []string{"backend", "op", "result"})

	// RateLimitRejectedTotal counts rate-limited actions, by action.
	RateLimitRejectedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "voicewarden",
		Name:      "ratelimit_rejected_total",
		Help:      "Total number of actions refused by the per-user rate limiter.",
	}, []string{"action"})

	// CircuitBreakerState exposes the current state of a named circuit breaker (0=closed,1=open,2=half-open).
	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "voicewarden",
		Name:      "circuit_breaker_state",
		Help:      "Current circuit breaker state by name (0=closed,1=open,2=half-open).",
	}, []string{"name"})

	// CircuitBreakerTripsTotal counts circuit breaker trips, by name and cause.
	CircuitBreakerTripsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "voicewarden",
		Name:      "circuit_breaker_trips_total",
		Help:      "Total number of circuit breaker trips, by name and cause.",
	}, []string{"name", "cause"})

	// ForceResyncTotal counts per-user force-resyncs triggered by repeated handler failures.
	ForceResyncTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "voicewarden",
		Name:      "force_resync_total",
		Help:      "Total number of per-user force-resyncs triggered after repeated failures.",
	})

	// CoupOutcomesTotal counts coup resolutions, by outcome.
	CoupOutcomesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "voicewarden",
		Name:      "coup_outcomes_total",
		Help:      "Total number of coup resolutions, by outcome (succeeded/expired/refused).",
	}, []string{"outcome"})
)

// RecordCircuitBreakerTrip records a circuit breaker transition to open.
func RecordCircuitBreakerTrip(name, cause string) {
	CircuitBreakerTripsTotal.WithLabelValues(name, cause).Inc()
}

// SetCircuitBreakerState records the current numeric state of a circuit breaker.
func SetCircuitBreakerState(name string, state int) {
	CircuitBreakerState.WithLabelValues(name).Set(float64(state))
}
