package api

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
)

// clientIdleTTL is how long an untouched bucket is kept before it is swept.
const clientIdleTTL = 10 * time.Minute

type bucket struct {
	tokens   float64
	last     time.Time
	lastSeen time.Time
}

// clientLimiter keeps one token bucket per client address. Buckets refill
// lazily on each check, so there is no background goroutine to stop.
type clientLimiter struct {
	mu       sync.Mutex
	rate     float64
	burst    float64
	clients  map[string]*bucket
	lastScan time.Time
	now      func() time.Time
}

func newClientLimiter(rps, burst int) *clientLimiter {
	if rps <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = rps
	}
	return &clientLimiter{
		rate:    float64(rps),
		burst:   float64(burst),
		clients: make(map[string]*bucket),
		now:     time.Now,
	}
}

// Allow consumes one token from the client's bucket.
func (l *clientLimiter) Allow(client string) bool {
	if l == nil {
		return true
	}
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.clients[client]
	if !ok {
		b = &bucket{tokens: l.burst, last: now}
		l.clients[client] = b
	}
	if elapsed := now.Sub(b.last).Seconds(); elapsed > 0 {
		b.tokens += elapsed * l.rate
		if b.tokens > l.burst {
			b.tokens = l.burst
		}
		b.last = now
	}
	b.lastSeen = now
	l.sweep(now)

	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// sweep drops idle buckets at most once per TTL. Caller holds mu.
func (l *clientLimiter) sweep(now time.Time) {
	if now.Sub(l.lastScan) < clientIdleTTL {
		return
	}
	l.lastScan = now
	for k, b := range l.clients {
		if now.Sub(b.lastSeen) >= clientIdleTTL {
			delete(l.clients, k)
		}
	}
}

func (l *clientLimiter) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.clients)
}

// clientKey is the request's remote IP without the port.
func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return strings.Trim(host, "[]")
}
