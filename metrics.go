package assetcache

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "assetcache"

var (
	metricsOnce sync.Once

	// Cache metrics
	cacheHits = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "cache_hits_total",
		Help:      "Total number of fresh derived artifacts served",
	}, []string{"kind", "tier"}) // tier: memory|disk

	cacheMisses = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "cache_misses_total",
		Help:      "Total number of missing or stale derived artifacts",
	}, []string{"kind"})

	cacheEvictions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "cache_evictions_total",
		Help:      "Total number of derived artifacts removed",
	}, []string{"reason"}) // expired, clear

	cacheEntries = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Name:      "cache_entries_count",
		Help:      "Current number of files under the cache root",
	})

	cacheSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Name:      "cache_size_bytes",
		Help:      "Current cache size in bytes",
	})

	cacheWriteDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: metricsNamespace,
		Name:      "cache_write_duration_seconds",
		Help:      "Atomic write duration",
		Buckets:   prometheus.DefBuckets,
	})

	// Transform metrics
	transformsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "transforms_total",
		Help:      "Total number of transform runs",
	}, []string{"kind", "result"}) // result: success|unsupported|panic

	transformDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: metricsNamespace,
		Name:      "transform_duration_seconds",
		Help:      "Transform duration",
		Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
	}, []string{"kind"})

	bytesSaved = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "bytes_saved_total",
		Help:      "Bytes removed by transforms, source size minus artifact size",
	}, []string{"kind"})

	// Remote fetch metrics
	remoteFetches = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "remote_fetches_total",
		Help:      "Total number of remote asset fetches",
	}, []string{"status"}) // success|error|timeout

	fontRehostsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Name:      "font_rehosts_active",
		Help:      "Number of background font re-hosting runs in progress",
	})

	// Error metrics
	errorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "errors_total",
		Help:      "Total number of errors",
	}, []string{"type"}) // source_unavailable|persist|read|delete

	retriesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "retries_total",
		Help:      "Total number of retry attempts",
	}, []string{"reason"}) // connection|server_error|throttled
)

// initMetrics registers all Prometheus metrics.
func initMetrics() {
	metricsOnce.Do(func() {
		prometheus.MustRegister(collectors()...)
	})
}

func collectors() []prometheus.Collector {
	return []prometheus.Collector{
		// Cache metrics
		cacheHits,
		cacheMisses,
		cacheEvictions,
		cacheEntries,
		cacheSize,
		cacheWriteDuration,

		// Transform metrics
		transformsTotal,
		transformDuration,
		bytesSaved,

		// Remote fetch metrics
		remoteFetches,
		fontRehostsActive,

		// Error metrics
		errorsTotal,
		retriesTotal,
	}
}

// Metric helper functions

func metricsIncCacheHits(kind Kind, tier string) {
	cacheHits.WithLabelValues(string(kind), tier).Inc()
}

func metricsIncCacheMisses(kind Kind) {
	cacheMisses.WithLabelValues(string(kind)).Inc()
}

func metricsAddCacheEvictions(reason string, n int) {
	cacheEvictions.WithLabelValues(reason).Add(float64(n))
}

func metricsSetCacheEntries(count int) {
	cacheEntries.Set(float64(count))
}

func metricsSetCacheSize(bytes int64) {
	cacheSize.Set(float64(bytes))
}

func metricsObserveWriteDuration(duration time.Duration) {
	cacheWriteDuration.Observe(duration.Seconds())
}

func metricsIncTransforms(kind Kind, result string) {
	transformsTotal.WithLabelValues(string(kind), result).Inc()
}

func metricsObserveTransformDuration(kind Kind, duration time.Duration) {
	transformDuration.WithLabelValues(string(kind)).Observe(duration.Seconds())
}

func metricsAddBytesSaved(kind Kind, before, after int) {
	if before > after {
		bytesSaved.WithLabelValues(string(kind)).Add(float64(before - after))
	}
}

func metricsIncRemoteFetches(status string) {
	remoteFetches.WithLabelValues(status).Inc()
}

func metricsSetFontRehostsActive(count int) {
	fontRehostsActive.Set(float64(count))
}

func metricsIncErrors(errorType string) {
	errorsTotal.WithLabelValues(errorType).Inc()
}

func metricsIncRetries(reason string) {
	retriesTotal.WithLabelValues(reason).Inc()
}

// MetricsCollector returns all Prometheus collectors for this plugin.
// Metrics are also registered with the default registry in initMetrics.
func (p *Plugin) MetricsCollector() []prometheus.Collector {
	return collectors()
}
