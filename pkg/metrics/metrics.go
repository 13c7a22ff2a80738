package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Resource pool metrics
	ResourcePoolCPUsFree = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "worker_resourcepool_cpus_free",
			Help: "Number of CPU cores currently unallocated",
		},
	)

	ResourcePoolGPUsFree = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "worker_resourcepool_gpus_free",
			Help: "Number of GPUs currently unallocated",
		},
	)

	ResourcePoolMemoryFreeBytes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "worker_resourcepool_memory_free_bytes",
			Help: "Bytes of installed memory not currently requested by a live run",
		},
	)

	// Dependency cache metrics
	DependencyCacheBytes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "worker_depcache_bytes",
			Help: "Total bytes on disk occupied by the dependency cache",
		},
	)

	DependencyCacheEntries = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "worker_depcache_entries",
			Help: "Number of dependency cache entries by download state",
		},
		[]string{"state"},
	)

	DependencyCacheEvictionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "worker_depcache_evictions_total",
			Help: "Total number of dependency cache entries evicted",
		},
	)

	DependencyDownloadDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "worker_depcache_download_duration_seconds",
			Help:    "Time taken to populate a dependency cache entry in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Image cache metrics
	ImageCacheBytes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "worker_imagecache_bytes",
			Help: "Total bytes on disk occupied by pulled container images",
		},
	)

	ImageCacheEntries = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "worker_imagecache_entries",
			Help: "Number of images currently held in the image cache",
		},
	)

	ImageCacheEvictionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "worker_imagecache_evictions_total",
			Help: "Total number of images evicted from the image cache",
		},
	)

	ImagePullDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "worker_imagecache_pull_duration_seconds",
			Help:    "Time taken to pull a container image in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Run metrics
	RunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "worker_runs_total",
			Help: "Total number of runs by terminal state",
		},
		[]string{"state"},
	)

	RunsActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "worker_runs_active",
			Help: "Number of runs currently in a non-terminal state, by state",
		},
		[]string{"state"},
	)

	RunStateDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "worker_run_state_duration_seconds",
			Help:    "Time spent in a run state before transitioning out of it",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"state"},
	)

	RunKillsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "worker_run_kills_total",
			Help: "Total number of runs killed before natural completion",
		},
	)

	// Container runtime metrics
	ContainerPullDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "worker_runtime_pull_duration_seconds",
			Help:    "Time taken to pull a container image in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	ContainerCreateDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "worker_runtime_create_duration_seconds",
			Help:    "Time taken to create a container in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	ContainerStartDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "worker_runtime_start_duration_seconds",
			Help:    "Time taken to start a container in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	ContainerStopDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "worker_runtime_stop_duration_seconds",
			Help:    "Time taken to stop a container in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Bundle service client metrics
	CheckinDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "worker_bundleservice_checkin_duration_seconds",
			Help:    "Time taken for a check_in round trip in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	CheckinFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "worker_bundleservice_checkin_failures_total",
			Help: "Total number of check_in calls that returned an error (permanent failure or cancellation; transient errors are retried)",
		},
	)

	BundleServiceRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "worker_bundleservice_request_duration_seconds",
			Help:    "Bundle service RPC duration in seconds by method",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)
)

func init() {
	prometheus.MustRegister(ResourcePoolCPUsFree)
	prometheus.MustRegister(ResourcePoolGPUsFree)
	prometheus.MustRegister(ResourcePoolMemoryFreeBytes)

	prometheus.MustRegister(DependencyCacheBytes)
	prometheus.MustRegister(DependencyCacheEntries)
	prometheus.MustRegister(DependencyCacheEvictionsTotal)
	prometheus.MustRegister(DependencyDownloadDuration)

	prometheus.MustRegister(ImageCacheBytes)
	prometheus.MustRegister(ImageCacheEntries)
	prometheus.MustRegister(ImageCacheEvictionsTotal)
	prometheus.MustRegister(ImagePullDuration)

	prometheus.MustRegister(RunsTotal)
	prometheus.MustRegister(RunsActive)
	prometheus.MustRegister(RunStateDuration)
	prometheus.MustRegister(RunKillsTotal)

	prometheus.MustRegister(ContainerPullDuration)
	prometheus.MustRegister(ContainerCreateDuration)
	prometheus.MustRegister(ContainerStartDuration)
	prometheus.MustRegister(ContainerStopDuration)

	prometheus.MustRegister(CheckinDuration)
	prometheus.MustRegister(CheckinFailuresTotal)
	prometheus.MustRegister(BundleServiceRequestDuration)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since timer started
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
