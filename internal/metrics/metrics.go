// Package metrics provides Prometheus metrics for the bulk importer.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the bulk importer.
type Metrics struct {
	// Record metrics
	FilesProcessed *prometheus.CounterVec // by terminal status
	BytesImported  *prometheus.CounterVec
	StageErrors    *prometheus.CounterVec // by error code

	// Timing metrics
	TransferDuration *prometheus.HistogramVec
	ChecksumDuration *prometheus.HistogramVec

	// Pipeline metrics
	RecordsInFlight    prometheus.Gauge
	IDCollisionRetries prometheus.Counter

	// Batch metrics
	BatchesStarted   *prometheus.CounterVec
	BatchesCompleted *prometheus.CounterVec
}

// Config holds metrics configuration.
type Config struct {
	Enabled bool
	Address string // Address for metrics HTTP server (e.g., ":9090")
}

var defaultMetrics *Metrics

// Init initializes the metrics package with global metrics.
// Call this once at startup.
func Init(namespace string) *Metrics {
	if namespace == "" {
		namespace = "fdfs_bulk_import"
	}

	m := &Metrics{
		FilesProcessed: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "files_processed_total",
				Help:      "Total number of records that reached a terminal status",
			},
			[]string{"group", "status"},
		),
		BytesImported: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "bytes_imported_total",
				Help:      "Total bytes of successfully imported files",
			},
			[]string{"group"},
		),
		StageErrors: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "stage_errors_total",
				Help:      "Total pipeline stage failures by error code",
			},
			[]string{"group", "code"},
		),
		TransferDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "transfer_duration_seconds",
				Help:      "Time to place a file's bytes into the store path",
				Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14), // 1ms to ~16s
			},
			[]string{"group", "mode"},
		),
		ChecksumDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "checksum_duration_seconds",
				Help:      "Time to stream a source file through CRC32",
				Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
			},
			[]string{"group"},
		),
		RecordsInFlight: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "records_in_flight",
				Help:      "Number of records currently being processed by workers",
			},
		),
		IDCollisionRetries: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "id_collision_retries_total",
				Help:      "Total identifier generation retries after index collisions",
			},
		),
		BatchesStarted: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "batches_started_total",
				Help:      "Total import batches started",
			},
			[]string{"group"},
		),
		BatchesCompleted: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "batches_completed_total",
				Help:      "Total import batches that ran to completion",
			},
			[]string{"group"},
		),
	}

	defaultMetrics = m
	return m
}

// Get returns the global metrics instance.
// Returns nil if Init has not been called.
func Get() *Metrics {
	return defaultMetrics
}

// StartServer starts an HTTP server for Prometheus metrics scraping.
// Blocks until the server exits.
func StartServer(address string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	return http.ListenAndServe(address, mux)
}

// IncFilesProcessed increments the per-status record counter.
func (m *Metrics) IncFilesProcessed(group, status string) {
	m.FilesProcessed.WithLabelValues(group, status).Inc()
}

// AddBytesImported adds to the imported byte counter.
func (m *Metrics) AddBytesImported(group string, bytes float64) {
	m.BytesImported.WithLabelValues(group).Add(bytes)
}

// IncStageErrors increments the per-code failure counter.
func (m *Metrics) IncStageErrors(group, code string) {
	m.StageErrors.WithLabelValues(group, code).Inc()
}

// ObserveTransferDuration records the time a transfer took.
func (m *Metrics) ObserveTransferDuration(group, mode string, seconds float64) {
	m.TransferDuration.WithLabelValues(group, mode).Observe(seconds)
}

// ObserveChecksumDuration records the time a checksum pass took.
func (m *Metrics) ObserveChecksumDuration(group string, seconds float64) {
	m.ChecksumDuration.WithLabelValues(group).Observe(seconds)
}

// IncBatchesStarted increments the started-batch counter.
func (m *Metrics) IncBatchesStarted(group string) {
	m.BatchesStarted.WithLabelValues(group).Inc()
}

// IncBatchesCompleted increments the completed-batch counter.
func (m *Metrics) IncBatchesCompleted(group string) {
	m.BatchesCompleted.WithLabelValues(group).Inc()
}
