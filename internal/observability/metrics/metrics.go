// Package metrics holds the process-wide Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	APICalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "smmpulse_api_calls_total",
			Help: "External API calls by operation and result",
		},
		[]string{"op", "result"}, // result: ok, rate_limited, transient, credential, error
	)

	APIRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "smmpulse_api_retries_total",
			Help: "External API retries by operation and reason",
		},
		[]string{"op", "reason"},
	)

	APIBackoffSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "smmpulse_api_backoff_seconds",
			Help:    "Backoff delay applied before an external API retry",
			Buckets: []float64{1, 2, 4, 8, 16, 32, 64, 128, 300, 900},
		},
		[]string{"op"},
	)

	BreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "smmpulse_api_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	Logins = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "smmpulse_logins_total",
			Help: "Login attempts by mode (restored, fresh) and result",
		},
		[]string{"mode", "result"},
	)

	CollectedItems = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "smmpulse_collected_items_total",
			Help: "Items processed by the collection pipeline",
		},
		[]string{"kind", "outcome"}, // outcome: created, updated, skipped
	)

	JobRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "smmpulse_job_runs_total",
			Help: "Scheduler job executions by result",
		},
		[]string{"job", "result"}, // result: ok, failed, skipped
	)

	JobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "smmpulse_job_duration_seconds",
			Help:    "Scheduler job run duration",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 14),
		},
		[]string{"job"},
	)

	JobRunning = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "smmpulse_job_running",
			Help: "1 while a job is running",
		},
		[]string{"job"},
	)
)
