package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Bundle manager metrics
	BundlesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "burrow_bundles_total",
			Help: "Total number of bundles by state",
		},
		[]string{"state"},
	)

	BundlesStaged = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "burrow_bundles_staged_total",
			Help: "Total number of bundles moved from created to staged",
		},
	)

	BundlesFailed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "burrow_bundles_failed_total",
			Help: "Total number of bundle failures by reason",
		},
		[]string{"reason"},
	)

	TickDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "burrow_manager_tick_duration_seconds",
			Help:    "Bundle manager tick duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Scheduler metrics
	SchedulingLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "burrow_scheduling_latency_seconds",
			Help:    "Time taken to dispatch staged run bundles in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	BundlesDispatched = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "burrow_bundles_dispatched_total",
			Help: "Total number of run bundles dispatched to workers",
		},
	)

	DispatchReverted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "burrow_dispatch_reverted_total",
			Help: "Total number of dispatches reverted after a failed run message",
		},
	)

	WorkersAlive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "burrow_workers_alive",
			Help: "Number of workers inside the checkin timeout",
		},
	)

	WorkersCleaned = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "burrow_workers_cleaned_total",
			Help: "Total number of dead workers cleaned up",
		},
	)

	// Worker-side metrics
	RunStageTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "burrow_run_stage_transitions_total",
			Help: "Total run state machine transitions by target stage",
		},
		[]string{"stage"},
	)

	DependencyCacheBytes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "burrow_dependency_cache_bytes",
			Help: "Bytes currently held by the dependency cache",
		},
	)

	DependencyEvictions = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "burrow_dependency_evictions_total",
			Help: "Total dependency cache entries evicted",
		},
	)

	DependencyDownloads = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "burrow_dependency_downloads_total",
			Help: "Total dependency downloads by outcome",
		},
		[]string{"outcome"},
	)

	ImageCacheBytes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "burrow_image_cache_bytes",
			Help: "Virtual size of images tracked by the image cache",
		},
	)
)

func init() {
	prometheus.MustRegister(
		BundlesTotal,
		BundlesStaged,
		BundlesFailed,
		TickDuration,
		SchedulingLatency,
		BundlesDispatched,
		DispatchReverted,
		WorkersAlive,
		WorkersCleaned,
		RunStageTransitions,
		DependencyCacheBytes,
		DependencyEvictions,
		DependencyDownloads,
		ImageCacheBytes,
	)
}

// Handler returns the HTTP handler for scraping metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}
