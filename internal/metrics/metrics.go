package metrics

import (
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	versioncollector "github.com/prometheus/client_golang/prometheus/collectors/version"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/common/version"
)

var (
	// defaultRegistry is the default Prometheus registry
	defaultRegistry = prometheus.DefaultRegisterer
)

// Metrics holds all application metrics.
type Metrics struct {
	reg      prometheus.Registerer
	gatherer prometheus.Gatherer

	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	httpRequestBytes    *prometheus.CounterVec
	storeOperations     *prometheus.CounterVec
	storeDuration       *prometheus.HistogramVec
	storeBytes          *prometheus.CounterVec
	chunkOperations     *prometheus.CounterVec
	chunkDuration       *prometheus.HistogramVec
	chunkErrors         *prometheus.CounterVec
	chunkBytes          *prometheus.CounterVec
	resolutions         *prometheus.CounterVec
	resolutionDuration  *prometheus.HistogramVec
	chunkCacheLookups   *prometheus.CounterVec
	uploadJobs          *prometheus.CounterVec
	uploadFiles         prometheus.Counter
	uploadBytes         prometheus.Counter
	uploadDuration      prometheus.Histogram
	downloads           *prometheus.CounterVec
	rateLimited         *prometheus.CounterVec
	activeConnections   prometheus.Gauge
	goroutines          prometheus.Gauge
	memoryAllocBytes    prometheus.Gauge
	memorySysBytes      prometheus.Gauge
}

// NewMetrics creates a new metrics instance.
func NewMetrics() *Metrics {
	m := newMetricsWithRegistry(defaultRegistry)
	m.gatherer = prometheus.DefaultGatherer
	return m
}

// NewMetricsWithRegistry creates a metrics instance on its own registry,
// served by Handler.
func NewMetricsWithRegistry(reg *prometheus.Registry) *Metrics {
	m := newMetricsWithRegistry(reg)
	m.gatherer = reg
	return m
}

func newMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		reg: reg,
		httpRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		httpRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path", "status"},
		),
		httpRequestBytes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_request_bytes_total",
				Help: "Total bytes transferred in HTTP requests",
			},
			[]string{"method", "path"},
		),
		storeOperations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "store_operations_total",
				Help: "Total number of content store operations",
			},
			[]string{"operation", "result"},
		),
		storeDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "store_operation_duration_seconds",
				Help:    "Content store operation duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
		storeBytes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "store_bytes_total",
				Help: "Total bytes written to or read from the content store",
			},
			[]string{"operation"},
		),
		chunkOperations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chunk_operations_total",
				Help: "Total number of chunk encryption/decryption operations",
			},
			[]string{"operation"}, // "encrypt" or "decrypt"
		),
		chunkDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "chunk_duration_seconds",
				Help:    "Chunk encryption/decryption duration in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
			},
			[]string{"operation"},
		),
		chunkErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chunk_errors_total",
				Help: "Total number of chunk encryption/decryption errors",
			},
			[]string{"operation", "error_type"},
		),
		chunkBytes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chunk_bytes_total",
				Help: "Total plaintext bytes encrypted/decrypted",
			},
			[]string{"operation"},
		),
		resolutions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "key_resolutions_total",
				Help: "Total number of manifest key resolutions",
			},
			[]string{"source", "result"},
		),
		resolutionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "key_resolution_duration_seconds",
				Help:    "Manifest key resolution duration in seconds",
				Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
			},
			[]string{"source"},
		),
		chunkCacheLookups: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chunk_cache_lookups_total",
				Help: "Chunk cache lookups by outcome",
			},
			[]string{"outcome"}, // "hit" or "miss"
		),
		uploadJobs: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "upload_jobs_total",
				Help: "Total number of upload jobs by result",
			},
			[]string{"result"},
		),
		uploadFiles: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "upload_files_total",
				Help: "Total number of files encrypted and uploaded",
			},
		),
		uploadBytes: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "upload_bytes_total",
				Help: "Total plaintext bytes uploaded",
			},
		),
		uploadDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "upload_duration_seconds",
				Help:    "Upload batch duration in seconds",
				Buckets: prometheus.ExponentialBuckets(0.01, 4, 8),
			},
		),
		downloads: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "downloads_total",
				Help: "Total number of proxy downloads by response kind",
			},
			[]string{"kind", "status"},
		),
		rateLimited: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rate_limited_requests_total",
				Help: "Requests rejected by the rate limiter",
			},
			[]string{"class"},
		),
		activeConnections: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "active_connections",
				Help: "Number of active HTTP connections",
			},
		),
		goroutines: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "goroutines_total",
				Help: "Number of goroutines",
			},
		),
		memoryAllocBytes: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "memory_alloc_bytes",
				Help: "Number of bytes allocated and not yet freed",
			},
		),
		memorySysBytes: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "memory_sys_bytes",
				Help: "Total bytes of memory obtained from OS",
			},
		),
	}
}

// RecordHTTPRequest records an HTTP request metric.
func (m *Metrics) RecordHTTPRequest(method, path string, status int, duration time.Duration, bytes int64) {
	m.httpRequestsTotal.WithLabelValues(method, path, http.StatusText(status)).Inc()
	m.httpRequestDuration.WithLabelValues(method, path, http.StatusText(status)).Observe(duration.Seconds())
	m.httpRequestBytes.WithLabelValues(method, path).Add(float64(bytes))
}

// RecordStoreOperation records a content store put or get.
func (m *Metrics) RecordStoreOperation(operation, result string, bytes int, duration time.Duration) {
	m.storeOperations.WithLabelValues(operation, result).Inc()
	m.storeDuration.WithLabelValues(operation).Observe(duration.Seconds())
	if bytes > 0 {
		m.storeBytes.WithLabelValues(operation).Add(float64(bytes))
	}
}

// RecordChunkOperation records a chunk encryption or decryption.
func (m *Metrics) RecordChunkOperation(operation string, duration time.Duration, bytes int64) {
	m.chunkOperations.WithLabelValues(operation).Inc()
	m.chunkDuration.WithLabelValues(operation).Observe(duration.Seconds())
	m.chunkBytes.WithLabelValues(operation).Add(float64(bytes))
}

// RecordChunkError records a chunk operation error.
func (m *Metrics) RecordChunkError(operation, errorType string) {
	m.chunkErrors.WithLabelValues(operation, errorType).Inc()
}

// RecordResolution records a key resolution outcome.
func (m *Metrics) RecordResolution(source, result string, duration time.Duration) {
	m.resolutions.WithLabelValues(source, result).Inc()
	m.resolutionDuration.WithLabelValues(source).Observe(duration.Seconds())
}

// RecordCacheLookup records a chunk cache hit or miss.
func (m *Metrics) RecordCacheLookup(hit bool) {
	if hit {
		m.chunkCacheLookups.WithLabelValues("hit").Inc()
		return
	}
	m.chunkCacheLookups.WithLabelValues("miss").Inc()
}

// RecordUpload records a finished upload batch.
func (m *Metrics) RecordUpload(result string, files int, bytes int64, duration time.Duration) {
	m.uploadJobs.WithLabelValues(result).Inc()
	m.uploadFiles.Add(float64(files))
	m.uploadBytes.Add(float64(bytes))
	m.uploadDuration.Observe(duration.Seconds())
}

// RecordDownload records a proxy response. kind is "full", "range" or "head".
func (m *Metrics) RecordDownload(kind string, status int) {
	m.downloads.WithLabelValues(kind, strconv.Itoa(status)).Inc()
}

// RecordRateLimited counts a rejected request by class.
func (m *Metrics) RecordRateLimited(class string) {
	m.rateLimited.WithLabelValues(class).Inc()
}

// ObservePending exposes the number of in-flight key requests.
func (m *Metrics) ObservePending(pending func() int) {
	promauto.With(m.reg).NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "key_requests_in_flight",
			Help: "Number of key requests awaiting a response",
		},
		func() float64 { return float64(pending()) },
	)
}

// UpdateSystemMetrics updates system-level metrics (goroutines, memory).
func (m *Metrics) UpdateSystemMetrics() {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	m.goroutines.Set(float64(runtime.NumGoroutine()))
	m.memoryAllocBytes.Set(float64(memStats.Alloc))
	m.memorySysBytes.Set(float64(memStats.Sys))
}

// IncrementActiveConnections increments the active connections counter.
func (m *Metrics) IncrementActiveConnections() {
	m.activeConnections.Inc()
}

// DecrementActiveConnections decrements the active connections counter.
func (m *Metrics) DecrementActiveConnections() {
	m.activeConnections.Dec()
}

// StartSystemMetricsCollector periodically updates system metrics until
// stop is closed.
func (m *Metrics) StartSystemMetricsCollector(stop <-chan struct{}) {
	ticker := time.NewTicker(5 * time.Second)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.UpdateSystemMetrics()
			case <-stop:
				return
			}
		}
	}()
}

// SetVersion publishes build information as sealvault_build_info. Call it
// once per registry.
func (m *Metrics) SetVersion(v, revision string) {
	version.Version = v
	version.Revision = revision
	m.reg.MustRegister(versioncollector.NewCollector("sealvault"))
}

// Handler returns the HTTP handler for metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m.gatherer == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
