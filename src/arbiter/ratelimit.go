package arbiter

import (
	"sync"
	"time"
)

// rateLimiter enforces a per-client cap on input bytes over a naive tumbling
// one-second window: the window resets when its age exceeds one second at the
// moment of the next input.
type rateLimiter struct {
	mu      sync.Mutex
	cap     int
	windows map[string]*rateWindow
	now     func() time.Time
}

type rateWindow struct {
	start time.Time
	bytes int
}

func newRateLimiter(capPerSecond int) *rateLimiter {
	return &rateLimiter{
		cap:     capPerSecond,
		windows: make(map[string]*rateWindow),
		now:     time.Now,
	}
}

// Allow consumes n bytes of the client's window. An input landing exactly at
// the cap is accepted; one byte above is rejected and consumes nothing.
func (r *rateLimiter) Allow(clientID string, n int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	w, ok := r.windows[clientID]
	if !ok || now.Sub(w.start) > time.Second {
		w = &rateWindow{start: now}
		r.windows[clientID] = w
	}
	if w.bytes+n > r.cap {
		return false
	}
	w.bytes += n
	return true
}

// Remove forgets the client's window.
func (r *rateLimiter) Remove(clientID string) {
	r.mu.Lock()
	delete(r.windows, clientID)
	r.mu.Unlock()
}
