package stream

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/star/passwatch/internal/metrics"
)

// writeTimeout bounds a single SSE write on an otherwise unbounded connection.
const writeTimeout = 30 * time.Second

// client manages a single SSE connection's write operations.
type client struct {
	w       http.ResponseWriter
	flusher http.Flusher
	rc      *http.ResponseController
	ip      string
	logger  *slog.Logger

	messagesSent int64
	bytesSent    int64
}

// sendJSON marshals v as JSON and sends it as an SSE "data:" message.
func (c *client) sendJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("json marshal: %w", err)
	}

	n, err := c.write("data: %s\n\n", data)
	if err != nil {
		return fmt.Errorf("write: %w", err)
	}
	c.messagesSent++
	metrics.IncStreamMessages()
	metrics.AddStreamBytes(int64(n))
	return nil
}

// sendKeepalive sends an SSE comment line to keep the connection alive.
func (c *client) sendKeepalive() error {
	n, err := c.write(":\n\n")
	if err != nil {
		return fmt.Errorf("keepalive write: %w", err)
	}
	metrics.AddStreamBytes(int64(n))
	return nil
}

func (c *client) write(format string, args ...any) (int, error) {
	if err := c.rc.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		c.logger.Debug("could not set write deadline", "remote_ip", c.ip, "error", err)
	}
	n, err := fmt.Fprintf(c.w, format, args...)
	if err != nil {
		return n, err
	}
	c.flusher.Flush()
	c.bytesSent += int64(n)
	return n, nil
}
