/*
Package metrics provides Prometheus metrics collection and exposition for the
worker agent.

# Metric categories

Resource pool: worker_resourcepool_cpus_free, worker_resourcepool_gpus_free,
worker_resourcepool_memory_free_bytes — instant free-capacity gauges, updated
by Collector.

Dependency cache: worker_depcache_bytes, worker_depcache_entries{state},
worker_depcache_evictions_total, worker_depcache_download_duration_seconds.

Image cache: worker_imagecache_bytes, worker_imagecache_entries,
worker_imagecache_evictions_total, worker_imagecache_pull_duration_seconds.

Run: worker_runs_total{state} (terminal outcomes), worker_runs_active{state}
(live gauge by non-terminal state), worker_run_state_duration_seconds{state},
worker_run_kills_total.

Container runtime: worker_runtime_{pull,create,start,stop}_duration_seconds.

Bundle service client: worker_bundleservice_checkin_duration_seconds,
worker_bundleservice_checkin_failures_total,
worker_bundleservice_request_duration_seconds{method}.

# Usage

	timer := metrics.NewTimer()
	err := runtime.PullImage(ctx, ref)
	timer.ObserveDuration(metrics.ContainerPullDuration)

	metrics.RunsTotal.WithLabelValues(string(types.RunStateFinished)).Inc()

	http.Handle("/metrics", metrics.Handler())

All metrics are registered at package init via MustRegister, following the
global-metrics pattern: package-level vars, no per-caller setup required.
*/
package metrics
