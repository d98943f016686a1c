// Package stream implements Server-Sent Events (SSE) streaming of tracker
// state. Clients connect via GET /api/v1/stream/state and receive the current
// state on connect and every later change.
//
// SSE message format:
//
//	data: {"type":"state","state":{"phase":"scanned","passes":[...],...}}\n\n
//
// A slow client skips intermediate states and receives the newest one.
// Keep-alive comments (:\n\n) are sent every KeepaliveInterval without a state
// change to prevent proxy timeouts.
package stream

import (
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"strconv"
	"time"

	"github.com/star/passwatch/internal/httputil"
	"github.com/star/passwatch/internal/metrics"
	"github.com/star/passwatch/internal/tracker"
)

// Config holds streaming configuration loaded from environment variables.
type Config struct {
	MaxConcurrentPerIP int           // Max concurrent streams per IP (default: 10).
	MaxTotal           int           // Max concurrent streams overall (default: 1000).
	KeepaliveInterval  time.Duration // Keep-alive ping interval (default: 30s).
	TrustProxy         bool
}

// StateSource publishes tracker state changes.
type StateSource interface {
	Subscribe() (<-chan tracker.State, func())
}

// Handler manages SSE streaming connections.
type Handler struct {
	source  StateSource
	config  Config
	limiter *streamLimiter
	logger  *slog.Logger
}

// NewHandler creates a new streaming handler.
func NewHandler(source StateSource, config Config, logger *slog.Logger) *Handler {
	if config.KeepaliveInterval <= 0 {
		config.KeepaliveInterval = 30 * time.Second
	}
	return &Handler{
		source:  source,
		config:  config,
		limiter: newStreamLimiter(config.MaxConcurrentPerIP, config.MaxTotal),
		logger:  logger,
	}
}

// HandleState serves the SSE state stream.
// GET /api/v1/stream/state?since=42
//
// since skips states the client already holds (Version <= since).
func (h *Handler) HandleState(w http.ResponseWriter, r *http.Request) {
	var since uint64
	if v := r.URL.Query().Get("since"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			httputil.WriteError(w, http.StatusBadRequest, "invalid since parameter, must be a non-negative integer")
			return
		}
		since = n
	}

	ip := httputil.ClientIP(r, h.config.TrustProxy)
	if reason := h.limiter.acquire(ip); reason != "" {
		metrics.IncStreamErrors(reason)
		perIP, total := h.limiter.usage(ip)
		h.logger.Warn("stream limit exceeded",
			"remote_ip", ip,
			"reason", reason,
			"ip_streams", perIP,
			"total_streams", total,
		)
		w.Header().Set("Retry-After", "30")
		httputil.WriteError(w, http.StatusTooManyRequests, "too many concurrent streams")
		return
	}

	metrics.IncStreamConnections("connect")
	metrics.IncStreamsActive()

	startTime := time.Now()
	h.logger.Info("stream connected",
		"remote_ip", ip,
		"user_agent", r.Header.Get("User-Agent"),
		"since", since,
	)

	defer func() {
		h.limiter.release(ip)
		metrics.IncStreamConnections("disconnect")
		metrics.DecStreamsActive()
		h.logger.Info("stream disconnected",
			"remote_ip", ip,
			"duration_seconds", int(time.Since(startTime).Seconds()),
		)
	}()

	flusher, ok := w.(http.Flusher)
	if !ok {
		httputil.WriteError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering.
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	// Clear the server's default WriteTimeout for this long-lived connection.
	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		h.logger.Debug("could not clear write deadline", "error", err)
	}

	c := &client{
		w:       w,
		flusher: flusher,
		rc:      rc,
		ip:      ip,
		logger:  h.logger,
	}
	defer func() {
		h.logger.Debug("stream totals",
			"remote_ip", ip,
			"messages", c.messagesSent,
			"bytes", c.bytesSent,
		)
	}()

	// Jittered retry interval (3-7s) spreads reconnects after a restart.
	retryMs := 3000 + rand.Intn(4000)
	fmt.Fprintf(w, "retry: %d\n\n", retryMs)
	flusher.Flush()

	states, unsubscribe := h.source.Subscribe()
	defer unsubscribe()

	keepaliveTicker := time.NewTicker(h.config.KeepaliveInterval)
	defer keepaliveTicker.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return

		case st, ok := <-states:
			if !ok {
				return
			}
			if st.Version <= since {
				continue
			}
			if err := c.sendJSON(stateMessage{Type: "state", State: st}); err != nil {
				metrics.IncStreamErrors("send_error")
				h.logger.Warn("stream send error", "remote_ip", ip, "error", err)
				return
			}
			keepaliveTicker.Reset(h.config.KeepaliveInterval)

		case <-keepaliveTicker.C:
			if err := c.sendKeepalive(); err != nil {
				metrics.IncStreamErrors("send_error")
				h.logger.Warn("stream keepalive error", "remote_ip", ip, "error", err)
				return
			}
		}
	}
}

type stateMessage struct {
	Type  string        `json:"type"`
	State tracker.State `json:"state"`
}
