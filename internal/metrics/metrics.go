// Package metrics exposes Prometheus instrumentation for the analytics
// engine. Collectors are registered on the default registry; the HTTP server
// serves them at /metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	runsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "saturn_runs_started_total",
		Help: "Number of analytics runs started.",
	})

	runsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "saturn_runs_finished_total",
		Help: "Number of analytics runs finished, by terminal status.",
	}, []string{"status"})

	runDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "saturn_run_duration_seconds",
		Help:    "Wall-clock duration of finished runs.",
		Buckets: prometheus.ExponentialBuckets(1, 2, 12),
	})

	stageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "saturn_stage_duration_seconds",
		Help:    "Wall-clock duration of stage executions, by stage.",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
	}, []string{"stage"})

	activeRuns = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "saturn_active_runs",
		Help: "Number of runs currently executing (0 or 1).",
	})
)

// RunStarted records a run entering execution.
func RunStarted() {
	runsStarted.Inc()
	activeRuns.Set(1)
}

// RunFinished records a run reaching a terminal status.
func RunFinished(status string, d time.Duration) {
	runsFinished.WithLabelValues(status).Inc()
	runDuration.Observe(d.Seconds())
	activeRuns.Set(0)
}

// StageObserved records one stage execution.
func StageObserved(stage string, d time.Duration) {
	stageDuration.WithLabelValues(stage).Observe(d.Seconds())
}
