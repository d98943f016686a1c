package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "passwatch_http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"path", "method", "code"},
	)

	httpDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "passwatch_http_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"path", "method"},
	)

	scansTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "passwatch_scans_total",
			Help: "Pass scans run, by outcome.",
		},
		[]string{"outcome"},
	)

	scanDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "passwatch_scan_duration_seconds",
			Help:    "Wall time of a single pass scan.",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
	)

	scanSkippedSamplesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "passwatch_scan_skipped_samples_total",
			Help: "Scan samples skipped because propagation produced no valid elevation.",
		},
	)

	passesPredicted = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "passwatch_passes_predicted",
			Help: "Number of passes in the current prediction.",
		},
	)

	geocodeRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "passwatch_geocode_requests_total",
			Help: "Location resolutions, by kind and outcome.",
		},
		[]string{"kind", "outcome"},
	)

	elementFetchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "passwatch_element_fetches_total",
			Help: "Element set fetches, by outcome.",
		},
		[]string{"outcome"},
	)

	elementsAgeSeconds = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "passwatch_elements_age_seconds",
			Help: "Age of the loaded element set relative to its epoch.",
		},
	)

	streamConnectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "passwatch_stream_connections_total",
			Help: "SSE stream connection events.",
		},
		[]string{"event"},
	)

	streamsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "passwatch_streams_active",
			Help: "Currently open SSE streams.",
		},
	)

	streamMessagesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "passwatch_stream_messages_total",
			Help: "SSE messages sent.",
		},
	)

	streamBytesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "passwatch_stream_bytes_total",
			Help: "SSE bytes sent.",
		},
	)

	streamErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "passwatch_stream_errors_total",
			Help: "SSE stream errors, by reason.",
		},
		[]string{"reason"},
	)
)

func init() {
	prometheus.MustRegister(
		httpRequestsTotal,
		httpDurationSeconds,
		scansTotal,
		scanDurationSeconds,
		scanSkippedSamplesTotal,
		passesPredicted,
		geocodeRequestsTotal,
		elementFetchesTotal,
		elementsAgeSeconds,
		streamConnectionsTotal,
		streamsActive,
		streamMessagesTotal,
		streamBytesTotal,
		streamErrorsTotal,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordScan records one pass scan.
func RecordScan(outcome string, d time.Duration, skipped, passes int) {
	scansTotal.WithLabelValues(outcome).Inc()
	scanDurationSeconds.Observe(d.Seconds())
	scanSkippedSamplesTotal.Add(float64(skipped))
	if outcome == "ok" {
		passesPredicted.Set(float64(passes))
	}
}

// IncGeocode counts a location resolution. kind is "search" or "device".
func IncGeocode(kind, outcome string) {
	geocodeRequestsTotal.WithLabelValues(kind, outcome).Inc()
}

// IncElementFetch counts an element set fetch.
func IncElementFetch(outcome string) {
	elementFetchesTotal.WithLabelValues(outcome).Inc()
}

// SetElementsAge publishes the element set age in seconds.
func SetElementsAge(seconds float64) {
	elementsAgeSeconds.Set(seconds)
}

// IncStreamConnections counts a stream connect or disconnect.
func IncStreamConnections(event string) {
	streamConnectionsTotal.WithLabelValues(event).Inc()
}

func IncStreamsActive() { streamsActive.Inc() }
func DecStreamsActive() { streamsActive.Dec() }
func IncStreamMessages() { streamMessagesTotal.Inc() }

// AddStreamBytes adds n to the streamed byte counter.
func AddStreamBytes(n int64) {
	streamBytesTotal.Add(float64(n))
}

// IncStreamErrors counts a stream error by reason.
func IncStreamErrors(reason string) {
	streamErrorsTotal.WithLabelValues(reason).Inc()
}

// knownRoutes are exact paths kept as their own label.
var knownRoutes = map[string]bool{
	"/healthz":                 true,
	"/readyz":                  true,
	"/metrics":                 true,
	"/api/v1/state":            true,
	"/api/v1/passes":           true,
	"/api/v1/position":         true,
	"/api/v1/location/search":  true,
	"/api/v1/location/device":  true,
	"/api/v1/locations/recent": true,
	"/api/v1/elements":         true,
	"/api/v1/elements/refresh": true,
	"/api/v1/stream/state":     true,
}

// normalizeRoute maps a request path onto a bounded label set so that bots
// probing random paths cannot blow up metric cardinality.
func normalizeRoute(path string) string {
	if knownRoutes[path] {
		return path
	}
	return "other"
}

// responseWriter wraps http.ResponseWriter to capture the status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Flush lets SSE handlers flush through the wrapper.
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap exposes the underlying writer to http.ResponseController.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// Middleware records request count and duration for each request.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(rw, r)

		duration := time.Since(start).Seconds()
		code := strconv.Itoa(rw.statusCode)
		route := normalizeRoute(r.URL.Path)

		httpRequestsTotal.WithLabelValues(route, r.Method, code).Inc()
		httpDurationSeconds.WithLabelValues(route, r.Method).Observe(duration)
	})
}
