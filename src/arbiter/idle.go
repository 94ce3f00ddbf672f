package arbiter

import (
	"sync"
	"time"
)

// idleDetector runs one inactivity timer per tracked client. Touch restarts
// the clock; when a timer fires the client is reported idle until the next
// Touch. Callbacks run on timer goroutines; the owner provides its own
// serialization.
type idleDetector struct {
	mu        sync.Mutex
	threshold time.Duration
	timers    map[string]*time.Timer
	idle      map[string]bool
	onIdle    func(clientID string)
	onActive  func(clientID string)
}

func newIdleDetector(threshold time.Duration, onIdle, onActive func(clientID string)) *idleDetector {
	return &idleDetector{
		threshold: threshold,
		timers:    make(map[string]*time.Timer),
		idle:      make(map[string]bool),
		onIdle:    onIdle,
		onActive:  onActive,
	}
}

// Touch records activity for the client, arming (or re-arming) its timer.
func (d *idleDetector) Touch(clientID string) {
	d.mu.Lock()
	wasIdle := d.idle[clientID]
	d.idle[clientID] = false
	if t, ok := d.timers[clientID]; ok {
		t.Stop()
	}
	d.timers[clientID] = time.AfterFunc(d.threshold, func() { d.fire(clientID) })
	d.mu.Unlock()

	if wasIdle && d.onActive != nil {
		d.onActive(clientID)
	}
}

func (d *idleDetector) fire(clientID string) {
	d.mu.Lock()
	if _, tracked := d.timers[clientID]; !tracked {
		d.mu.Unlock()
		return
	}
	d.idle[clientID] = true
	d.mu.Unlock()

	if d.onIdle != nil {
		d.onIdle(clientID)
	}
}

// IsIdle reports whether the client's timer has fired since its last Touch.
func (d *idleDetector) IsIdle(clientID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.idle[clientID]
}

// Remove stops tracking the client.
func (d *idleDetector) Remove(clientID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if t, ok := d.timers[clientID]; ok {
		t.Stop()
		delete(d.timers, clientID)
	}
	delete(d.idle, clientID)
}

// Stop cancels every timer.
func (d *idleDetector) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for id, t := range d.timers {
		t.Stop()
		delete(d.timers, id)
	}
}
