package pairing

import (
	"sync"
	"time"
)

// ConnLimiter caps new connections per IP over a fixed window. Used by the
// hub to answer 429 before the WebSocket upgrade.
type ConnLimiter struct {
	mu      sync.Mutex
	max     int
	window  time.Duration
	buckets map[string]*connBucket
	now     func() time.Time
}

type connBucket struct {
	start time.Time
	count int
}

// NewConnLimiter allows max connections per source per window.
func NewConnLimiter(max int, window time.Duration) *ConnLimiter {
	return &ConnLimiter{
		max:     max,
		window:  window,
		buckets: make(map[string]*connBucket),
		now:     time.Now,
	}
}

// Allow records a connection attempt from the source and reports whether it
// is within the limit.
func (l *ConnLimiter) Allow(source string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	b, ok := l.buckets[source]
	if !ok || now.Sub(b.start) > l.window {
		// Drop the occasional dead bucket while we are here.
		for ip, old := range l.buckets {
			if now.Sub(old.start) > l.window {
				delete(l.buckets, ip)
			}
		}
		b = &connBucket{start: now}
		l.buckets[source] = b
	}
	if b.count >= l.max {
		return false
	}
	b.count++
	return true
}
