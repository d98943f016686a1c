package api

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/star/passwatch/internal/auth"
	"github.com/star/passwatch/internal/health"
	"github.com/star/passwatch/internal/httputil"
	"github.com/star/passwatch/internal/metrics"
	"github.com/star/passwatch/internal/stream"
	"github.com/star/passwatch/internal/tracker"
)

// Options configures the HTTP surface.
type Options struct {
	Auth       auth.Config
	TrustProxy bool
	// RPS and Burst bound POST requests per client IP.
	RPS   float64
	Burst int
}

// Server holds the HTTP server and its dependencies.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer creates a configured HTTP server.
func NewServer(addr string, logger *slog.Logger, tr *tracker.Tracker, streamHandler *stream.Handler, opts Options) *Server {
	return &Server{
		httpServer: &http.Server{
			Addr:              addr,
			Handler:           NewHandler(logger, tr, streamHandler, opts),
			ReadTimeout:       10 * time.Second,
			ReadHeaderTimeout: 5 * time.Second,
			// Searches include a geocoder round trip and a full scan.
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  120 * time.Second,
		},
		logger: logger,
	}
}

// NewHandler builds the routed handler with its middleware chain.
func NewHandler(logger *slog.Logger, tr *tracker.Tracker, streamHandler *stream.Handler, opts Options) http.Handler {
	h := &handlers{tracker: tr, logger: logger}
	if opts.RPS <= 0 {
		opts.RPS = 2
	}
	limit := rateLimit(httputil.NewIPLimiter(opts.RPS, opts.Burst), opts.TrustProxy, logger)

	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", health.Healthz)
	mux.HandleFunc("GET /readyz", health.Readyz(tr.Ready))
	mux.Handle("GET /metrics", metrics.Handler())

	mux.HandleFunc("GET /api/v1/state", h.state)
	mux.HandleFunc("GET /api/v1/passes", h.passes)
	mux.HandleFunc("GET /api/v1/position", h.position)
	mux.HandleFunc("GET /api/v1/elements", h.elements)
	mux.HandleFunc("GET /api/v1/locations/recent", h.recentLocations)
	mux.Handle("POST /api/v1/location/search", limit(http.HandlerFunc(h.search)))
	mux.Handle("POST /api/v1/location/device", limit(http.HandlerFunc(h.device)))
	mux.Handle("POST /api/v1/elements/refresh", limit(http.HandlerFunc(h.refreshElements)))
	if streamHandler != nil {
		mux.HandleFunc("GET /api/v1/stream/state", streamHandler.HandleState)
	}

	// Build middleware chain: metrics -> logging -> auth -> mux.
	var handler http.Handler = mux
	handler = auth.Middleware(opts.Auth)(handler)
	handler = loggingMiddleware(logger, opts.TrustProxy)(handler)
	handler = metrics.Middleware(handler)
	return handler
}

// HTTPServer returns the underlying *http.Server for external control (e.g. shutdown).
func (s *Server) HTTPServer() *http.Server {
	return s.httpServer
}

// ListenAndServe starts the HTTP server.
func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

// probePath returns true for health/readiness probe paths that should not log at INFO.
func probePath(path string) bool {
	return path == "/healthz" || path == "/readyz" || path == "/metrics"
}

type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.statusCode = code
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (sr *statusRecorder) Unwrap() http.ResponseWriter {
	return sr.ResponseWriter
}

func loggingMiddleware(logger *slog.Logger, trustProxy bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			sr := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(sr, r)

			duration := time.Since(start)
			level := slog.LevelInfo
			if probePath(r.URL.Path) {
				level = slog.LevelDebug
			}

			logger.Log(r.Context(), level, "request",
				"component", "api",
				"method", r.Method,
				"path", r.URL.Path,
				"status", strconv.Itoa(sr.statusCode),
				"duration_ms", duration.Milliseconds(),
				"remote_ip", httputil.ClientIP(r, trustProxy),
			)
		})
	}
}

// rateLimit rejects requests over the per-IP rate with 429.
func rateLimit(l *httputil.IPLimiter, trustProxy bool, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := httputil.ClientIP(r, trustProxy)
			if !l.Allow(ip) {
				logger.Warn("rate limit exceeded", "remote_ip", ip, "path", r.URL.Path)
				w.Header().Set("Retry-After", "1")
				httputil.WriteError(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
