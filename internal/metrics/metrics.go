// Package metrics provides Prometheus metrics for the transfer engine.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the transfer engine.
type Metrics struct {
	// Transfer outcomes
	TransfersTotal *prometheus.CounterVec // by result status

	// Byte accounting
	BytesTransferred prometheus.Counter

	// Retry and failure tracking
	RetryAttempts *prometheus.CounterVec // by error class

	// Pool state
	InFlightTransfers prometheus.Gauge
	QueueDepth        prometheus.Gauge

	// Timing and size distributions
	TransferDuration prometheus.Histogram
	TransferBytes    prometheus.Histogram
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
		namespace = "cloudhaul"
	}

	m := &Metrics{
		TransfersTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "transfers_total",
				Help:      "Total number of transfer units with a terminal result",
			},
			[]string{"status"},
		),
		BytesTransferred: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "bytes_transferred_total",
				Help:      "Total bytes moved by completed transfer units",
			},
		),
		RetryAttempts: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "retry_attempts_total",
				Help:      "Total number of retry attempts",
			},
			[]string{"class"},
		),
		InFlightTransfers: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "in_flight_transfers",
				Help:      "Number of transfer units currently executing",
			},
		),
		QueueDepth: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "queue_depth",
				Help:      "Current number of transfer units waiting in the work queue",
			},
		),
		TransferDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "transfer_duration_seconds",
				Help:      "Wall-clock duration of individual transfer units",
				Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14), // 10ms to ~160s
			},
		),
		TransferBytes: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "transfer_bytes",
				Help:      "Bytes moved per transfer unit",
				Buckets:   prometheus.ExponentialBuckets(1024, 4, 12), // 1KB to ~4GB
			},
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

// IncTransfers increments the terminal-result counter for a status.
func (m *Metrics) IncTransfers(status string) {
	m.TransfersTotal.WithLabelValues(status).Inc()
}

// AddBytesTransferred adds to the transferred-bytes counter.
func (m *Metrics) AddBytesTransferred(n float64) {
	m.BytesTransferred.Add(n)
}

// IncRetryAttempts increments the retry counter for an error class.
func (m *Metrics) IncRetryAttempts(class string) {
	m.RetryAttempts.WithLabelValues(class).Inc()
}

// SetInFlightTransfers sets the number of executing units.
func (m *Metrics) SetInFlightTransfers(n float64) {
	m.InFlightTransfers.Set(n)
}

// SetQueueDepth sets the current work queue depth.
func (m *Metrics) SetQueueDepth(n float64) {
	m.QueueDepth.Set(n)
}

// ObserveTransferDuration records one unit's wall-clock duration.
func (m *Metrics) ObserveTransferDuration(seconds float64) {
	m.TransferDuration.Observe(seconds)
}

// ObserveTransferBytes records the size of one completed unit.
func (m *Metrics) ObserveTransferBytes(bytes float64) {
	m.TransferBytes.Observe(bytes)
}
