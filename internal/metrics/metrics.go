package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Counter metrics (monotonically increasing)
var (
	// SessionsCreatedTotal counts upload sessions initiated
	SessionsCreatedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "reelvault_upload_sessions_created_total",
			Help: "Total number of upload sessions created",
		},
	)

	// SessionsCompletedTotal counts upload sessions finalized successfully
	SessionsCompletedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "reelvault_upload_sessions_completed_total",
			Help: "Total number of upload sessions completed",
		},
	)

	// SessionsAbortedTotal counts sessions deleted before completion, by cause
	SessionsAbortedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reelvault_upload_sessions_aborted_total",
			Help: "Total number of upload sessions aborted",
		},
		[]string{"cause"},
	)

	// ChunksReceivedTotal counts individual chunks received
	ChunksReceivedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "reelvault_upload_chunks_received_total",
			Help: "Total number of file chunks received",
		},
	)

	// FileServesTotal counts media file serves by outcome (success, denied, not_found)
	FileServesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reelvault_file_serves_total",
			Help: "Total number of media file serve attempts",
		},
		[]string{"outcome"},
	)

	// ShareCacheLookupsTotal counts share cache queries by result (hit, miss, error)
	ShareCacheLookupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reelvault_share_cache_lookups_total",
			Help: "Total number of share permission cache lookups",
		},
		[]string{"result"},
	)

	// HTTPRequestsTotal counts total HTTP requests by method, path, and status code
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reelvault_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// ErrorsTotal counts application errors by type
	ErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reelvault_errors_total",
			Help: "Total number of application errors",
		},
		[]string{"type"},
	)
)

// Histogram metrics (distributions)
var (
	// HTTPRequestDuration tracks HTTP request latency by method and path
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "reelvault_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"method", "path"},
	)

	// UploadSizeBytes tracks distribution of finalized upload sizes
	UploadSizeBytes = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name: "reelvault_upload_size_bytes",
			Help: "Distribution of finalized upload sizes in bytes",
			Buckets: []float64{
				1024,             // 1 KB
				1024 * 1024,      // 1 MB
				10 * 1024 * 1024, // 10 MB
				100 * 1024 * 1024,
				1024 * 1024 * 1024, // 1 GB
				10 * 1024 * 1024 * 1024,
			},
		},
	)
)

// Gauge metrics (current values)
var (
	// ActiveSessions tracks the number of incomplete upload sessions
	ActiveSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "reelvault_upload_sessions_active",
			Help: "Number of upload sessions currently in flight",
		},
	)
)
