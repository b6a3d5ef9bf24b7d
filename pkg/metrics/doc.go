/*
Package metrics defines and registers the engine's Prometheus metrics and
exposes them over HTTP for scraping.

# Metrics

Counters: engine_work_units_enqueued_total (by queue), engine_work_units_finished_total
(by terminal state), engine_tracks_skipped_total, engine_container_watchdog_timeouts_total.

Histograms: engine_dispatch_latency_seconds, engine_chunk_count.

Gauges: engine_active_cpu_workers (by user), engine_active_gpu_workers,
engine_queue_depth (by queue) — the last refreshed periodically by Collector,
since queue depth isn't observable from a single Enqueue/Dequeue call.

# Usage

	timer := metrics.NewTimer()
	ids, err := dispatcher.Submit(ctx, req)
	timer.ObserveDuration(metrics.DispatchLatency)

	http.Handle("/metrics", metrics.Handler())

# Health and readiness

HealthHandler, ReadyHandler, and LivenessHandler back /health, /ready, and
/live. Components register their status with RegisterComponent; readiness
additionally requires "store", "containerd", and "worker_manager" to be
registered and healthy.
*/
package metrics
