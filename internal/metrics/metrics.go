package metrics

import (
	"context"
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all application metrics.
type Metrics struct {
	gatherer prometheus.Gatherer

	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	httpRequestBytes    *prometheus.CounterVec

	storageOperationsTotal   *prometheus.CounterVec
	storageOperationDuration *prometheus.HistogramVec
	storageOperationErrors   *prometheus.CounterVec

	encryptionOperations *prometheus.CounterVec
	encryptionDuration   *prometheus.HistogramVec
	encryptionErrors     *prometheus.CounterVec
	encryptionBytes      *prometheus.CounterVec
	rotatedReads         *prometheus.CounterVec

	keyOperations    *prometheus.CounterVec
	activeKeyVersion prometheus.Gauge

	rotationImages        *prometheus.CounterVec
	rotationsActive       prometheus.Gauge
	rotationBatchDuration prometheus.Histogram
	rotationsTotal        *prometheus.CounterVec

	activeConnections prometheus.Gauge
	goroutines        prometheus.Gauge
	memoryAllocBytes  prometheus.Gauge
	memorySysBytes    prometheus.Gauge
}

// NewMetrics creates a metrics instance registered on the default registry.
func NewMetrics() *Metrics {
	return newMetrics(prometheus.DefaultRegisterer, prometheus.DefaultGatherer)
}

// NewMetricsWithRegistry creates a metrics instance on a private registry.
// Handler then serves only that registry.
func NewMetricsWithRegistry(reg *prometheus.Registry) *Metrics {
	return newMetrics(reg, reg)
}

func newMetrics(reg prometheus.Registerer, gatherer prometheus.Gatherer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		gatherer: gatherer,
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
		storageOperationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "storage_operations_total",
				Help: "Total number of object storage operations",
			},
			[]string{"operation"},
		),
		storageOperationDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "storage_operation_duration_seconds",
				Help:    "Object storage operation duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
		storageOperationErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "storage_operation_errors_total",
				Help: "Total number of object storage operation errors",
			},
			[]string{"operation", "error_type"},
		),
		encryptionOperations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "encryption_operations_total",
				Help: "Total number of encryption/decryption operations",
			},
			[]string{"operation"}, // encrypt, decrypt or re_encrypt
		),
		encryptionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "encryption_duration_seconds",
				Help:    "Encryption/decryption operation duration in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
			},
			[]string{"operation"},
		),
		encryptionErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "encryption_errors_total",
				Help: "Total number of encryption/decryption errors",
			},
			[]string{"operation", "error_type"},
		),
		encryptionBytes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "encryption_bytes_total",
				Help: "Total bytes encrypted/decrypted",
			},
			[]string{"operation"},
		),
		rotatedReads: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rotated_reads_total",
				Help: "Total number of decryptions using a key version other than the active one",
			},
			[]string{"key_version", "active_version"},
		),
		keyOperations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "key_operations_total",
				Help: "Total number of key lifecycle operations",
			},
			[]string{"operation", "result"},
		),
		activeKeyVersion: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "active_key_version",
				Help: "Version of the active encryption key, 0 when none is active",
			},
		),
		rotationImages: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rotation_images_total",
				Help: "Total number of images processed by rotations",
			},
			[]string{"result"}, // success or failure
		),
		rotationsActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "rotations_active",
				Help: "Number of rotation workers currently running",
			},
		),
		rotationBatchDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "rotation_batch_duration_seconds",
				Help:    "Time spent re-encrypting one rotation batch",
				Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
			},
		),
		rotationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rotations_total",
				Help: "Total number of rotations reaching a terminal status",
			},
			[]string{"status"},
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

// RecordStorageOperation records an object storage call.
func (m *Metrics) RecordStorageOperation(operation string, duration time.Duration) {
	m.storageOperationsTotal.WithLabelValues(operation).Inc()
	m.storageOperationDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordStorageError records a failed object storage call.
func (m *Metrics) RecordStorageError(operation, errorType string) {
	m.storageOperationErrors.WithLabelValues(operation, errorType).Inc()
}

// RecordEncryptionOperation records an encryption operation metric.
func (m *Metrics) RecordEncryptionOperation(operation string, duration time.Duration, bytes int64) {
	m.encryptionOperations.WithLabelValues(operation).Inc()
	m.encryptionDuration.WithLabelValues(operation).Observe(duration.Seconds())
	m.encryptionBytes.WithLabelValues(operation).Add(float64(bytes))
}

// RecordEncryptionError records an encryption operation error.
func (m *Metrics) RecordEncryptionError(operation, errorType string) {
	m.encryptionErrors.WithLabelValues(operation, errorType).Inc()
}

// RecordRotatedRead records a decryption under a non-active key version.
func (m *Metrics) RecordRotatedRead(keyVersion, activeVersion int) {
	m.rotatedReads.WithLabelValues(strconv.Itoa(keyVersion), strconv.Itoa(activeVersion)).Inc()
}

// RecordKeyOperation records a key lifecycle operation; result is "success"
// or an error category.
func (m *Metrics) RecordKeyOperation(operation, result string) {
	m.keyOperations.WithLabelValues(operation, result).Inc()
}

// SetActiveKeyVersion publishes the active key version, 0 for none.
func (m *Metrics) SetActiveKeyVersion(version int) {
	m.activeKeyVersion.Set(float64(version))
}

// RecordRotationBatch records one finished rotation batch.
func (m *Metrics) RecordRotationBatch(duration time.Duration, succeeded, failed int) {
	m.rotationBatchDuration.Observe(duration.Seconds())
	m.rotationImages.WithLabelValues("success").Add(float64(succeeded))
	m.rotationImages.WithLabelValues("failure").Add(float64(failed))
}

// RotationStarted increments the running rotation gauge.
func (m *Metrics) RotationStarted() {
	m.rotationsActive.Inc()
}

// RotationStopped decrements the running rotation gauge. status is empty when
// the worker stopped without reaching a terminal state.
func (m *Metrics) RotationStopped(status string) {
	m.rotationsActive.Dec()
	if status != "" {
		m.rotationsTotal.WithLabelValues(status).Inc()
	}
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

// StartSystemMetricsCollector updates system metrics every 5s until ctx ends.
func (m *Metrics) StartSystemMetricsCollector(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Second)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.UpdateSystemMetrics()
			}
		}
	}()
}

// Handler returns the HTTP handler for metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m.gatherer == prometheus.DefaultGatherer {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
