package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	WorkUnitsEnqueuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engine_work_units_enqueued_total",
			Help: "Total number of work units enqueued, by queue family",
		},
		[]string{"queue"},
	)

	WorkUnitsFinishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engine_work_units_finished_total",
			Help: "Total number of work units that reached a terminal state",
		},
		[]string{"state"},
	)

	DispatchLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "engine_dispatch_latency_seconds",
			Help:    "Time taken to plan chunks and enqueue all resulting units",
			Buckets: prometheus.DefBuckets,
		},
	)

	ChunkCount = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "engine_chunk_count",
			Help:    "Number of chunks produced per dispatch",
			Buckets: []float64{1, 2, 3, 5, 8, 13, 21, 34, 55},
		},
	)

	TracksSkippedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "engine_tracks_skipped_total",
			Help: "Total number of tracks excluded from a chunk plan for exceeding the max track duration",
		},
	)

	ContainerWatchdogTimeoutsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "engine_container_watchdog_timeouts_total",
			Help: "Total number of work units killed by the watchdog for exceeding their timeout",
		},
	)

	ActiveCPUWorkers = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "engine_active_cpu_workers",
			Help: "Number of running CPU worker goroutines, by user",
		},
		[]string{"user_id"},
	)

	ActiveGPUWorkers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "engine_active_gpu_workers",
			Help: "Number of running GPU worker goroutines",
		},
	)

	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "engine_queue_depth",
			Help: "Number of units currently waiting in a queue",
		},
		[]string{"queue"},
	)
)

func init() {
	prometheus.MustRegister(WorkUnitsEnqueuedTotal)
	prometheus.MustRegister(WorkUnitsFinishedTotal)
	prometheus.MustRegister(DispatchLatency)
	prometheus.MustRegister(ChunkCount)
	prometheus.MustRegister(TracksSkippedTotal)
	prometheus.MustRegister(ContainerWatchdogTimeoutsTotal)
	prometheus.MustRegister(ActiveCPUWorkers)
	prometheus.MustRegister(ActiveGPUWorkers)
	prometheus.MustRegister(QueueDepth)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
