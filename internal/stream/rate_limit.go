package stream

import "sync"

// Limit reasons reported by acquire, used as the stream error label.
const (
	limitPerIP = "ip_limit"
	limitTotal = "total_limit"
)

// streamLimiter caps open state streams per client IP and across the process.
type streamLimiter struct {
	mu       sync.Mutex
	open     map[string]int
	total    int
	maxPerIP int
	maxTotal int
}

func newStreamLimiter(maxPerIP, maxTotal int) *streamLimiter {
	if maxPerIP <= 0 {
		maxPerIP = 10
	}
	if maxTotal <= 0 {
		maxTotal = 1000
	}
	return &streamLimiter{
		open:     make(map[string]int),
		maxPerIP: maxPerIP,
		maxTotal: maxTotal,
	}
}

// acquire takes a slot for ip. It returns the empty string on success and the
// exhausted limit otherwise.
func (l *streamLimiter) acquire(ip string) string {
	l.mu.Lock()
	defer l.mu.Unlock()

	switch {
	case l.total >= l.maxTotal:
		return limitTotal
	case l.open[ip] >= l.maxPerIP:
		return limitPerIP
	}
	l.open[ip]++
	l.total++
	return ""
}

func (l *streamLimiter) release(ip string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if n := l.open[ip] - 1; n > 0 {
		l.open[ip] = n
	} else {
		delete(l.open, ip)
	}
	l.total--
}

// usage reports the open streams for ip and in total.
func (l *streamLimiter) usage(ip string) (perIP, total int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.open[ip], l.total
}
