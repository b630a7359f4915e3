package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ExecutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sandrun_executions_total",
			Help: "Total number of jobs by outcome",
		},
		[]string{"language", "mode", "status"},
	)

	ExecutionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sandrun_execution_duration_seconds",
			Help:    "Wall-clock duration of a job, from validation to cleanup",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"language", "mode"},
	)

	ProvisionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sandrun_environment_provision_seconds",
			Help:    "Time to create an isolated environment",
			Buckets: []float64{0.05, 0.1, 0.2, 0.5, 1, 2, 5},
		},
		[]string{"backend"},
	)

	CleanupFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sandrun_cleanup_failures_total",
			Help: "Cleanup steps that failed and were only logged",
		},
		[]string{"stage"}, // stage: "environment", "workspace", "reaper"
	)

	ActiveJobs = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sandrun_active_jobs",
			Help: "Jobs currently holding a workspace",
		},
	)

	RateLimitHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sandrun_rate_limit_hits_total",
			Help: "Total number of requests rejected by the rate limiter",
		},
	)
)
