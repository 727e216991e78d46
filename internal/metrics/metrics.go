// Package metrics provides Prometheus metrics for the snapshot service.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the snapshot service.
type Metrics struct {
	// Snapshot lifecycle
	SnapshotsStarted *prometheus.CounterVec
	SnapshotsDone    *prometheus.CounterVec
	SnapshotsErrored *prometheus.CounterVec

	// Stream metrics
	StreamsAssigned   prometheus.Counter
	StreamsReassigned prometheus.Counter
	StreamsCompleted  prometheus.Counter
	ActiveAssignments prometheus.Gauge

	// Split metrics
	SplitsCommitted     *prometheus.CounterVec
	SplitCommitDuration *prometheus.HistogramVec
	SplitBytes          *prometheus.HistogramVec
	SplitRows           *prometheus.HistogramVec

	// Worker metrics
	WorkersRegistered prometheus.Gauge
	WorkersLost       prometheus.Counter

	// Error metrics
	RecoveryFailures prometheus.Counter
	StorageErrors    *prometheus.CounterVec
	RetryAttempts    *prometheus.CounterVec
}

var defaultMetrics *Metrics

// Init initializes the metrics package with global metrics.
// Call this once at startup.
func Init(namespace string) *Metrics {
	if namespace == "" {
		namespace = "snapshotd"
	}

	m := &Metrics{
		SnapshotsStarted: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "snapshots_started_total",
				Help:      "Total number of snapshots started",
			},
			[]string{"compression"},
		),
		SnapshotsDone: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "snapshots_done_total",
				Help:      "Total number of snapshots marked DONE",
			},
			[]string{"compression"},
		),
		SnapshotsErrored: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "snapshots_errored_total",
				Help:      "Total number of snapshots marked ERROR",
			},
			[]string{"reason"},
		),
		StreamsAssigned: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "streams_assigned_total",
				Help:      "Total number of new streams assigned to workers",
			},
		),
		StreamsReassigned: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "streams_reassigned_total",
				Help:      "Total number of orphaned streams handed to another worker",
			},
		),
		StreamsCompleted: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "streams_completed_total",
				Help:      "Total number of streams reported complete",
			},
		),
		ActiveAssignments: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_assignments",
				Help:      "Number of streams currently assigned to live workers",
			},
		),
		SplitsCommitted: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "splits_committed_total",
				Help:      "Total number of splits committed by workers",
			},
			[]string{"worker"},
		),
		SplitCommitDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "split_commit_duration_seconds",
				Help:      "Time to read, encode and commit one split",
				Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14), // 1ms to ~16s
			},
			[]string{"worker"},
		),
		SplitBytes: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "split_bytes",
				Help:      "Size of committed splits in bytes",
				Buckets:   prometheus.ExponentialBuckets(1024, 2, 15), // 1KB to ~32MB
			},
			[]string{"compression"},
		),
		SplitRows: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "split_rows",
				Help:      "Number of elements per committed split",
				Buckets:   prometheus.ExponentialBuckets(1, 4, 10),
			},
			[]string{"compression"},
		),
		WorkersRegistered: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "workers_registered",
				Help:      "Number of live workers known to the dispatcher",
			},
		),
		WorkersLost: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "workers_lost_total",
				Help:      "Total number of workers declared lost after missing heartbeats",
			},
		),
		RecoveryFailures: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "recovery_failures_total",
				Help:      "Total number of snapshots that failed validation during recovery",
			},
		),
		StorageErrors: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "storage_errors_total",
				Help:      "Total number of storage errors",
			},
			[]string{"operation"},
		),
		RetryAttempts: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "retry_attempts_total",
				Help:      "Total number of retry attempts",
			},
			[]string{"operation"},
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

// IncSnapshotsStarted increments the snapshots started counter.
func (m *Metrics) IncSnapshotsStarted(compression string) {
	m.SnapshotsStarted.WithLabelValues(compression).Inc()
}

// IncSnapshotsDone increments the snapshots done counter.
func (m *Metrics) IncSnapshotsDone(compression string) {
	m.SnapshotsDone.WithLabelValues(compression).Inc()
}

// IncSnapshotsErrored increments the snapshots errored counter.
func (m *Metrics) IncSnapshotsErrored(reason string) {
	m.SnapshotsErrored.WithLabelValues(reason).Inc()
}

// IncStreamsAssigned increments the new stream counter.
func (m *Metrics) IncStreamsAssigned() { m.StreamsAssigned.Inc() }

// IncStreamsReassigned increments the reassigned stream counter.
func (m *Metrics) IncStreamsReassigned() { m.StreamsReassigned.Inc() }

// IncStreamsCompleted increments the completed stream counter.
func (m *Metrics) IncStreamsCompleted() { m.StreamsCompleted.Inc() }

// SetActiveAssignments sets the number of active assignments.
func (m *Metrics) SetActiveAssignments(n float64) { m.ActiveAssignments.Set(n) }

// IncSplitsCommitted increments the committed splits counter.
func (m *Metrics) IncSplitsCommitted(worker string) {
	m.SplitsCommitted.WithLabelValues(worker).Inc()
}

// ObserveSplitCommitDuration records the time to produce one split.
func (m *Metrics) ObserveSplitCommitDuration(worker string, seconds float64) {
	m.SplitCommitDuration.WithLabelValues(worker).Observe(seconds)
}

// ObserveSplit records the size of a committed split.
func (m *Metrics) ObserveSplit(compression string, rows, bytes float64) {
	m.SplitRows.WithLabelValues(compression).Observe(rows)
	m.SplitBytes.WithLabelValues(compression).Observe(bytes)
}

// SetWorkersRegistered sets the number of live workers.
func (m *Metrics) SetWorkersRegistered(n float64) { m.WorkersRegistered.Set(n) }

// IncWorkersLost increments the lost workers counter.
func (m *Metrics) IncWorkersLost() { m.WorkersLost.Inc() }

// IncRecoveryFailures increments the recovery failures counter.
func (m *Metrics) IncRecoveryFailures() { m.RecoveryFailures.Inc() }

// IncStorageErrors increments the storage errors counter.
func (m *Metrics) IncStorageErrors(operation string) {
	m.StorageErrors.WithLabelValues(operation).Inc()
}

// IncRetryAttempts increments the retry attempts counter.
func (m *Metrics) IncRetryAttempts(operation string) {
	m.RetryAttempts.WithLabelValues(operation).Inc()
}
