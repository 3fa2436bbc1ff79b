// Package metrics provides Prometheus metrics for the docat server.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTP request metrics
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docat_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "docat_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// Upload metrics
	uploadBytes = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "docat_upload_bytes_total",
			Help: "Total bytes of documentation archives received",
		},
	)

	uploadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docat_uploads_total",
			Help: "Total number of documentation uploads",
		},
		[]string{"status"},
	)

	// Index metrics
	indexRebuildsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docat_index_rebuilds_total",
			Help: "Full index rebuilds by result",
		},
		[]string{"result"},
	)

	indexRebuildDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "docat_index_rebuild_duration_seconds",
			Help:    "Time to rebuild the search index from the document store",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
		},
	)

	indexUpdatesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docat_index_updates_total",
			Help: "Incremental index updates by operation and result",
		},
		[]string{"op", "status"},
	)

	indexProjects = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "docat_index_projects",
			Help: "Number of project rows in the search index",
		},
	)

	indexFiles = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "docat_index_files",
			Help: "Number of file rows in the search index",
		},
	)

	// Search metrics
	searchQueriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "docat_search_queries_total",
			Help: "Total search queries answered",
		},
	)

	searchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "docat_search_duration_seconds",
			Help:    "Search query duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Auth metrics
	authChecksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docat_auth_checks_total",
			Help: "Total token checks",
		},
		[]string{"result"},
	)

	claimsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "docat_claims_total",
			Help: "Total projects claimed",
		},
	)

	// SSE metrics
	sseConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "docat_sse_connections_active",
			Help: "Number of active SSE connections",
		},
	)

	sseEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docat_sse_events_total",
			Help: "Total SSE events published",
		},
		[]string{"type"},
	)

	// Rate limiting
	rateLimitHitsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "docat_rate_limit_hits_total",
			Help: "Total rate limit rejections (429s)",
		},
	)

	// Staging storage
	stagingOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "docat_staging_operation_duration_seconds",
			Help:    "Staging backend operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"backend", "operation"},
	)

	stagingOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docat_staging_operations_total",
			Help: "Total staging backend operations",
		},
		[]string{"backend", "operation", "status"},
	)

	// Reverse proxy
	proxyNotificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docat_proxy_notifications_total",
			Help: "Reverse proxy config notifications by action and result",
		},
		[]string{"action", "status"},
	)
)

func status(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordHTTPRequest records an HTTP request metric.
func RecordHTTPRequest(method, path string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(code)).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordUpload records a documentation upload.
func RecordUpload(bytes int64, success bool) {
	uploadBytes.Add(float64(bytes))
	uploadsTotal.WithLabelValues(status(success)).Inc()
}

// RecordIndexRebuild records a full rebuild attempt. result is one of
// "success", "error" or "skipped".
func RecordIndexRebuild(result string, duration time.Duration) {
	indexRebuildsTotal.WithLabelValues(result).Inc()
	if result != "skipped" {
		indexRebuildDuration.Observe(duration.Seconds())
	}
}

// RecordIndexUpdate records an incremental index update.
func RecordIndexUpdate(op string, success bool) {
	indexUpdatesTotal.WithLabelValues(op, status(success)).Inc()
}

// SetIndexSize sets the row counts of the search index.
func SetIndexSize(projects, files int64) {
	indexProjects.Set(float64(projects))
	indexFiles.Set(float64(files))
}

// RecordSearch records a search query.
func RecordSearch(duration time.Duration) {
	searchQueriesTotal.Inc()
	searchDuration.Observe(duration.Seconds())
}

// RecordAuthCheck records a token check result.
func RecordAuthCheck(valid bool) {
	result := "valid"
	if !valid {
		result = "invalid"
	}
	authChecksTotal.WithLabelValues(result).Inc()
}

// RecordClaim records a successful project claim.
func RecordClaim() {
	claimsTotal.Inc()
}

// SetSSEConnectionsActive sets the number of active SSE connections.
func SetSSEConnectionsActive(count int64) {
	sseConnectionsActive.Set(float64(count))
}

// RecordSSEEvent records an SSE event publication.
func RecordSSEEvent(eventType string) {
	sseEventsTotal.WithLabelValues(eventType).Inc()
}

// RecordRateLimitHit records a rate limit rejection.
func RecordRateLimitHit() {
	rateLimitHitsTotal.Inc()
}

// RecordStagingOperation records a staging backend operation.
func RecordStagingOperation(backend, operation string, duration time.Duration, success bool) {
	stagingOperationDuration.WithLabelValues(backend, operation).Observe(duration.Seconds())
	stagingOperationsTotal.WithLabelValues(backend, operation, status(success)).Inc()
}

// RecordProxyNotification records a reverse proxy config change.
func RecordProxyNotification(action string, success bool) {
	proxyNotificationsTotal.WithLabelValues(action, status(success)).Inc()
}

// responseWriter wraps http.ResponseWriter to capture status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// Middleware returns HTTP middleware that records request metrics.
// The route pattern is used as the path label to keep cardinality bounded.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rw, r)
		path := r.Pattern
		if path == "" {
			path = "unmatched"
		}
		RecordHTTPRequest(r.Method, path, rw.statusCode, time.Since(start))
	})
}
