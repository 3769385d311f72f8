// Package metrics provides Prometheus metrics for lyrebird.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RankChangesTotal tracks promote/demote attempts by outcome.
	RankChangesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "lyrebird",
			Subsystem: "ranking",
			Name:      "changes_total",
			Help:      "Total number of promote/demote requests by operation and result",
		},
		[]string{"op", "result"},
	)

	// MergesTotal tracks entity merges by kind and outcome.
	MergesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "lyrebird",
			Subsystem: "merge",
			Name:      "merges_total",
			Help:      "Total number of entity merges by kind and result",
		},
		[]string{"kind", "result"},
	)

	// MergeDuration tracks how long a merge transaction takes.
	MergeDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "lyrebird",
			Subsystem: "merge",
			Name:      "duration_seconds",
			Help:      "Duration of entity merge transactions in seconds",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		},
		[]string{"kind"},
	)

	// TranslationsRemoved counts duplicate translations dropped by merges.
	TranslationsRemoved = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "lyrebird",
			Subsystem: "merge",
			Name:      "translations_removed_total",
			Help:      "Total number of duplicate translations deleted while merging",
		},
	)

	// HTTPRequestsTotal tracks inbound API requests.
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "lyrebird",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of API requests by method and status code",
		},
		[]string{"method", "status_code"},
	)

	// MaintenanceRunsTotal tracks snapshot, optimize and integrity check runs.
	MaintenanceRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "lyrebird",
			Subsystem: "maintenance",
			Name:      "runs_total",
			Help:      "Total number of maintenance tasks by task and result",
		},
		[]string{"task", "result"},
	)

	// IntegrityProblems is the number of problems found by the last
	// integrity check.
	IntegrityProblems = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "lyrebird",
			Subsystem: "maintenance",
			Name:      "integrity_problems",
			Help:      "Number of problems reported by the most recent integrity check",
		},
	)
)

// Result labels.
const (
	ResultOK      = "ok"
	ResultDenied  = "denied"
	ResultFailure = "error"
)
