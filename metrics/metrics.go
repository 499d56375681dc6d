// Package metrics holds the Prometheus collectors exported by the daemon.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Runs
	RunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ushelf_runs_total",
			Help: "Total number of sync runs, by outcome",
		},
		[]string{"library", "direction", "status"},
	)

	RunDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ushelf_run_duration_seconds",
			Help:    "Duration of sync runs in seconds",
			Buckets: []float64{1, 5, 15, 60, 300, 900, 3600, 4 * 3600},
		},
		[]string{"direction"},
	)

	ConsecutiveFailures = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ushelf_consecutive_failures",
			Help: "Number of consecutive failed runs of a library",
		},
		[]string{"library"},
	)

	LibraryAlert = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ushelf_library_alert",
			Help: "1 if a library failed more times in a row than its alert threshold",
		},
		[]string{"library"},
	)

	// Transfers
	ChunksUploaded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ushelf_chunks_uploaded_total",
			Help: "Total number of chunks uploaded",
		},
		[]string{"library"},
	)

	BytesUploaded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ushelf_bytes_uploaded_total",
			Help: "Total size of uploaded file content in bytes",
		},
		[]string{"library"},
	)

	FilesRestored = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ushelf_files_restored_total",
			Help: "Total number of files written by restores",
		},
		[]string{"library"},
	)

	// Backends
	BackendOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ushelf_backend_operations_total",
			Help: "Total number of backend operations, by result (success, failure, rejected)",
		},
		[]string{"backend", "operation", "result"},
	)

	BreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ushelf_backend_breaker_state",
			Help: "State of the backend circuit breaker (0=closed, 1=half-open, 2=open)",
		},
		[]string{"backend"},
	)
)
