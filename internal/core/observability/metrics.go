// Package observability defines the prometheus metrics exported by the
// overlay engine service.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	rangeCacheResults = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "range_cache_results_total",
			Help: "Byte-range cache lookups by outcome.",
		},
		[]string{"outcome"},
	)

	rangeCacheBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "range_cache_bytes",
			Help: "Bytes currently held by the byte-range cache.",
		},
	)

	rangeCacheEvictedBytes = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "range_cache_evicted_bytes_total",
			Help: "Bytes evicted from the byte-range cache.",
		},
	)

	sourceFetchSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "source_fetch_seconds",
			Help:    "Latency of byte-range fetches from remote feature files.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms to ~20s
		},
		[]string{"outcome"},
	)

	workerPoolBusy = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "worker_pool_busy",
			Help: "Workers currently executing a clipping task.",
		},
	)

	workerPoolQueued = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "worker_pool_queued",
			Help: "Clipping tasks waiting for a free worker.",
		},
	)

	workerTaskOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "worker_tasks_total",
			Help: "Clipping tasks by outcome.",
		},
		[]string{"outcome"},
	)

	jobMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "job_messages_total",
			Help: "Job lifecycle messages consumed, by type and outcome.",
		},
		[]string{"type", "outcome"},
	)

	consumerBatchSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "job_consumer_batch_seconds",
			Help:    "Duration of one consume-consolidate-apply cycle.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		},
	)

	buildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "app_build_info",
			Help: "Build information for the binary.",
		},
		[]string{"version"},
	)
)

func AddRangeCacheHit()  { rangeCacheResults.WithLabelValues("hit").Inc() }
func AddRangeCacheMiss() { rangeCacheResults.WithLabelValues("miss").Inc() }

// AddRangeCacheShare records an in-flight fetch shared between callers.
func AddRangeCacheShare() { rangeCacheResults.WithLabelValues("shared").Inc() }

func SetRangeCacheBytes(n int64)   { rangeCacheBytes.Set(float64(n)) }
func AddRangeCacheEvicted(n int64) { rangeCacheEvictedBytes.Add(float64(n)) }

func ObserveSourceFetch(err error, seconds float64) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	sourceFetchSeconds.WithLabelValues(outcome).Observe(seconds)
}

func SetWorkerBusy(n int)   { workerPoolBusy.Set(float64(n)) }
func SetWorkerQueued(n int) { workerPoolQueued.Set(float64(n)) }

func AddWorkerTask(outcome string) { workerTaskOutcomes.WithLabelValues(outcome).Inc() }

func AddJobMessage(msgType, outcome string) {
	jobMessages.WithLabelValues(msgType, outcome).Inc()
}

func ObserveConsumerBatch(seconds float64) { consumerBatchSeconds.Observe(seconds) }

func ExposeBuildInfo(version string) {
	if version == "" {
		version = "dev"
	}
	buildInfo.WithLabelValues(version).Set(1)
}
