// Package metrics defines custom Prometheus metrics for lockbox.
package metrics

import (
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// registerOnce ensures Register() is idempotent.
var registerOnce sync.Once

// sizeBuckets are exponential buckets for request/response size histograms (bytes).
var sizeBuckets = []float64{256, 1024, 4096, 16384, 65536, 262144, 1048576, 4194304, 16777216, 67108864}

// HTTP metrics (RED: Rate, Errors, Duration).
var (
	// HTTPRequestsTotal counts total HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lockbox_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency in seconds by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "lockbox_http_request_duration_seconds",
			Help:    "Request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// HTTPRequestSize observes request body size in bytes.
	HTTPRequestSize = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "lockbox_http_request_size_bytes",
			Help:    "Request body size in bytes",
			Buckets: sizeBuckets,
		},
		[]string{"method", "path"},
	)

	// HTTPResponseSize observes response body size in bytes.
	HTTPResponseSize = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "lockbox_http_response_size_bytes",
			Help:    "Response body size in bytes",
			Buckets: sizeBuckets,
		},
		[]string{"method", "path"},
	)
)

// Object store metrics.
var (
	// UploadsTotal counts upload sessions by outcome
	// ("committed", "aborted", "too_large", "failed", "invalidated", "abandoned").
	UploadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lockbox_uploads_total",
			Help: "Upload sessions by outcome",
		},
		[]string{"outcome"},
	)

	// UploadBytes observes the length of committed objects.
	UploadBytes = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "lockbox_upload_size_bytes",
			Help:    "Length of committed objects in bytes",
			Buckets: sizeBuckets,
		},
	)

	// ChunksWrittenTotal counts chunk writes by result.
	ChunksWrittenTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lockbox_chunks_written_total",
			Help: "Chunk writes by result",
		},
		[]string{"result"},
	)

	// DownloadsTotal counts download sessions by outcome
	// ("complete", "not_found", "interrupted").
	DownloadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lockbox_downloads_total",
			Help: "Download sessions by outcome",
		},
		[]string{"outcome"},
	)

	// BytesStreamedTotal counts object bytes delivered to download sessions.
	BytesStreamedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "lockbox_bytes_streamed_total",
			Help: "Object bytes delivered to download sessions",
		},
	)

	// ObjectsDeletedTotal counts object deletions.
	ObjectsDeletedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "lockbox_objects_deleted_total",
			Help: "Objects deleted",
		},
	)

	// OrphansReapedTotal counts uncommitted chunk sets removed by the sweeper.
	OrphansReapedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "lockbox_orphans_reaped_total",
			Help: "Uncommitted chunk sets removed by the sweeper",
		},
	)

	// StoreState reports the guard state (0 absent, 1 initializing, 2 ready).
	StoreState = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "lockbox_store_state",
			Help: "Object store state: 0 absent, 1 initializing, 2 ready",
		},
	)

	// StoreEpoch reports the current connection epoch.
	StoreEpoch = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "lockbox_store_epoch",
			Help: "Current object store connection epoch",
		},
	)

	// StoreInitAttemptsTotal counts initialization attempts by result.
	StoreInitAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lockbox_store_init_attempts_total",
			Help: "Object store initialization attempts by result",
		},
		[]string{"result"},
	)
)

// Register registers all Prometheus collectors with the default registry.
// This must be called explicitly (typically from main) so that metrics
// registration can be made conditional on configuration. It is safe to call
// multiple times; subsequent calls are no-ops.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			HTTPRequestsTotal,
			HTTPRequestDuration,
			HTTPRequestSize,
			HTTPResponseSize,
			UploadsTotal,
			UploadBytes,
			ChunksWrittenTotal,
			DownloadsTotal,
			BytesStreamedTotal,
			ObjectsDeletedTotal,
			OrphansReapedTotal,
			StoreState,
			StoreEpoch,
			StoreInitAttemptsTotal,
		)
		// Pre-create the common series so dashboards see zeros before
		// the first upload.
		UploadsTotal.WithLabelValues("committed")
		DownloadsTotal.WithLabelValues("complete")
		StoreInitAttemptsTotal.WithLabelValues("success")
		StoreInitAttemptsTotal.WithLabelValues("failure")
	})
}

// NormalizePath maps actual request paths to normalized path templates
// suitable for use as Prometheus metric labels. Object and record ids are
// replaced so label cardinality stays bounded.
func NormalizePath(path string) string {
	switch path {
	case "/health", "/readyz", "/metrics", "/openapi.json", "/openapi.yaml", "/auth/me":
		return path
	case "/docs", "/docs/":
		return "/docs"
	case "/", "":
		return "/"
	}

	if strings.HasPrefix(path, "/docs") {
		return "/docs"
	}
	if strings.HasPrefix(path, "/admin/") {
		return path
	}

	segments := strings.Split(strings.Trim(path, "/"), "/")
	switch segments[0] {
	case "objects":
		if len(segments) == 1 {
			return "/objects"
		}
		return "/objects/{id}"
	case "records":
		switch {
		case len(segments) == 1:
			return "/records"
		case len(segments) == 3 && segments[2] == "file":
			return "/records/{id}/file"
		default:
			return "/records/{id}"
		}
	}
	return "/other"
}
