package arbiter

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/lecoder-ai/mconnect/src/store"
)

// State is the derived control state of one session.
type State string

const (
	StatePCActive        State = "pc_active"
	StatePCIdle          State = "pc_idle"
	StatePCDisconnected  State = "pc_disconnected"
	StateMobileExclusive State = "mobile_exclusive"
)

// RejectReason explains a refused input. Rejections are decisions, not
// errors; the caller relays them to the submitting client only.
type RejectReason string

const (
	ReasonPCTyping       RejectReason = "pc_typing"
	ReasonOtherExclusive RejectReason = "other_exclusive"
	ReasonRateLimited    RejectReason = "rate_limited"
	ReasonObserver       RejectReason = "observer_readonly"
	ReasonUnknownClient  RejectReason = "unknown_client"
)

// Decision is the synchronous outcome of an input submission.
type Decision struct {
	Accepted bool
	Reason   RejectReason
}

// Status is the observable control state broadcast to clients.
type Status struct {
	SessionID        string     `json:"sessionId"`
	State            State      `json:"state"`
	ActiveClient     string     `json:"activeClient,omitempty"`
	ExclusiveExpires *time.Time `json:"exclusiveExpires,omitempty"`
	LastPCActivity   *time.Time `json:"lastPcActivity,omitempty"`
}

// Options tunes one arbiter.
type Options struct {
	PCIdleThreshold   time.Duration
	MobileGracePeriod time.Duration
	ExclusiveTimeout  time.Duration
	ConflictWindow    time.Duration
	InputRateLimitCps int
}

// AuditFunc receives every input decision about a registered client for the
// session's input log; submissions from unknown clients are not audited.
type AuditFunc func(clientID, input string, accepted bool, reason string)

type clientState struct {
	member
	lastActivity time.Time
	lastInput    time.Time
}

// Arbiter decides, per session, whose input reaches the PTY. All decisions
// are synchronous and serialized under one mutex; timer callbacks re-enter
// through the same lock so state transitions are atomic.
type Arbiter struct {
	sessionID string
	opts      Options
	audit     AuditFunc

	mu               sync.Mutex
	closed           bool
	clients          map[string]*clientState
	state            State
	exclusiveClient  string
	exclusiveExpires time.Time
	exclusiveTimer   *time.Timer
	graceClient      string
	graceUntil       time.Time
	graceTimer       *time.Timer
	lastPCActivity   time.Time

	idle *idleDetector
	rate *rateLimiter

	statusMu  sync.RWMutex
	onStatus  []func(Status)
}

// New creates an arbiter for the session. The audit callback may be nil.
func New(sessionID string, opts Options, audit AuditFunc) *Arbiter {
	a := &Arbiter{
		sessionID: sessionID,
		opts:      opts,
		audit:     audit,
		clients:   make(map[string]*clientState),
		state:     StatePCDisconnected,
		rate:      newRateLimiter(opts.InputRateLimitCps),
	}
	a.idle = newIdleDetector(opts.PCIdleThreshold, a.clientWentIdle, nil)
	return a
}

// OnStatus registers a control-status listener. Listeners observe changes in
// the order they happen.
func (a *Arbiter) OnStatus(fn func(Status)) {
	a.statusMu.Lock()
	a.onStatus = append(a.onStatus, fn)
	a.statusMu.Unlock()
}

func (a *Arbiter) emit(st *Status) {
	if st == nil {
		return
	}
	a.statusMu.RLock()
	listeners := a.onStatus
	a.statusMu.RUnlock()
	for _, fn := range listeners {
		fn(*st)
	}
}

// Register adds a client to the arbitration set and recomputes presence.
func (a *Arbiter) Register(clientID string, t store.ClientType, p store.Priority) {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.clients[clientID] = &clientState{
		member:       member{id: clientID, clientType: t, priority: p, joinedAt: time.Now()},
		lastActivity: time.Now(),
	}
	st := a.recomputeLocked()
	touchIdle := t == store.ClientPC && p != store.PriorityObserver
	a.mu.Unlock()

	if touchIdle {
		a.idle.Touch(clientID)
	}
	a.emit(st)
}

// Unregister removes a client; an exclusive holder releases on the way out.
func (a *Arbiter) Unregister(clientID string) {
	a.idle.Remove(clientID)
	a.rate.Remove(clientID)

	a.mu.Lock()
	delete(a.clients, clientID)
	var st *Status
	if a.exclusiveClient == clientID {
		st = a.releaseExclusiveLocked()
	} else {
		if a.graceClient == clientID {
			a.cancelGraceLocked()
		}
		st = a.recomputeLocked()
	}
	a.mu.Unlock()
	a.emit(st)
}

// SubmitInput decides whether the client's input is accepted right now.
// Every submission updates the client's activity clock; accepted PC input
// can flip pc_idle back to pc_active and start a mobile grace window.
func (a *Arbiter) SubmitInput(clientID, input string) Decision {
	a.mu.Lock()
	c, ok := a.clients[clientID]
	if !ok {
		a.mu.Unlock()
		return Decision{Accepted: false, Reason: ReasonUnknownClient}
	}

	now := time.Now()
	c.lastActivity = now
	d := a.decideLocked(c, now)
	if d.Accepted && !a.rate.Allow(clientID, len(input)) {
		d = Decision{Accepted: false, Reason: ReasonRateLimited}
	}

	var st *Status
	isPC := c.clientType == store.ClientPC && c.priority != store.PriorityObserver
	if d.Accepted {
		c.lastInput = now
		if isPC {
			a.lastPCActivity = now
			if a.state == StatePCIdle {
				st = a.pcBecameActiveLocked(now)
			}
		}
	}
	a.mu.Unlock()

	if d.Accepted && isPC {
		a.idle.Touch(clientID)
	}
	a.emit(st)

	if a.audit != nil {
		a.audit(clientID, input, d.Accepted, string(d.Reason))
	}
	return d
}

// decideLocked applies the state machine's acceptance rules.
func (a *Arbiter) decideLocked(c *clientState, now time.Time) Decision {
	if c.priority == store.PriorityObserver {
		return Decision{Accepted: false, Reason: ReasonObserver}
	}
	switch a.state {
	case StateMobileExclusive:
		if c.id == a.exclusiveClient {
			return Decision{Accepted: true}
		}
		return Decision{Accepted: false, Reason: ReasonOtherExclusive}
	case StatePCActive:
		if c.clientType == store.ClientPC {
			return Decision{Accepted: true}
		}
		if c.id == a.graceClient && now.Before(a.graceUntil) {
			return Decision{Accepted: true}
		}
		return Decision{Accepted: false, Reason: ReasonPCTyping}
	default: // pc_idle, pc_disconnected
		return Decision{Accepted: true}
	}
}

// pcBecameActiveLocked transitions pc_idle -> pc_active. A mobile client that
// was typing within the conflict window keeps a short grace window to finish
// its burst.
func (a *Arbiter) pcBecameActiveLocked(now time.Time) *Status {
	a.state = StatePCActive

	var burst *clientState
	for _, c := range a.clients {
		if c.clientType != store.ClientMobile || c.priority == store.PriorityObserver {
			continue
		}
		if now.Sub(c.lastInput) <= a.opts.ConflictWindow {
			if burst == nil || c.lastInput.After(burst.lastInput) {
				burst = c
			}
		}
	}
	if burst != nil {
		a.grantGraceLocked(burst.id, now)
	}
	return a.statusLocked()
}

func (a *Arbiter) grantGraceLocked(clientID string, now time.Time) {
	a.cancelGraceLocked()
	a.graceClient = clientID
	a.graceUntil = now.Add(a.opts.MobileGracePeriod)
	a.graceTimer = time.AfterFunc(a.opts.MobileGracePeriod, func() {
		a.mu.Lock()
		if a.graceClient == clientID {
			a.graceClient = ""
			a.graceTimer = nil
		}
		a.mu.Unlock()
	})
	logrus.Debugf("Session %s: mobile grace window for client %s", a.sessionID, clientID)
}

func (a *Arbiter) cancelGraceLocked() {
	if a.graceTimer != nil {
		a.graceTimer.Stop()
		a.graceTimer = nil
	}
	a.graceClient = ""
}

// RequestExclusive grants a mobile client time-bounded sole control. A second
// request while exclusive is held is denied, as is any non-mobile request.
func (a *Arbiter) RequestExclusive(clientID string) (bool, time.Time, RejectReason) {
	a.mu.Lock()
	c, ok := a.clients[clientID]
	if !ok {
		a.mu.Unlock()
		return false, time.Time{}, ReasonUnknownClient
	}
	if c.priority == store.PriorityObserver {
		a.mu.Unlock()
		return false, time.Time{}, ReasonObserver
	}
	if c.clientType != store.ClientMobile {
		a.mu.Unlock()
		return false, time.Time{}, RejectReason("mobile_only")
	}
	if a.state == StateMobileExclusive {
		a.mu.Unlock()
		return false, time.Time{}, ReasonOtherExclusive
	}

	now := time.Now()
	c.lastActivity = now
	c.priority = store.PriorityExclusive
	a.exclusiveClient = clientID
	a.exclusiveExpires = now.Add(a.opts.ExclusiveTimeout)
	a.state = StateMobileExclusive
	a.cancelGraceLocked()
	if a.exclusiveTimer != nil {
		a.exclusiveTimer.Stop()
	}
	a.exclusiveTimer = time.AfterFunc(a.opts.ExclusiveTimeout, func() { a.expireExclusive(clientID) })
	expires := a.exclusiveExpires
	st := a.statusLocked()
	a.mu.Unlock()

	logrus.Infof("Session %s: exclusive control granted to %s until %s", a.sessionID, clientID, expires.Format(time.RFC3339))
	a.emit(st)
	return true, expires, ""
}

// ReleaseExclusive ends the client's exclusive hold, or cancels its grace
// window. Returns true when exclusive control was actually released.
func (a *Arbiter) ReleaseExclusive(clientID string) bool {
	a.mu.Lock()
	if a.graceClient == clientID {
		a.cancelGraceLocked()
	}
	if a.exclusiveClient != clientID {
		a.mu.Unlock()
		return false
	}
	st := a.releaseExclusiveLocked()
	a.mu.Unlock()

	logrus.Infof("Session %s: exclusive control released by %s", a.sessionID, clientID)
	a.emit(st)
	return true
}

func (a *Arbiter) expireExclusive(clientID string) {
	a.mu.Lock()
	if a.exclusiveClient != clientID {
		a.mu.Unlock()
		return
	}
	st := a.releaseExclusiveLocked()
	a.mu.Unlock()

	logrus.Infof("Session %s: exclusive control expired for %s", a.sessionID, clientID)
	a.emit(st)
}

// releaseExclusiveLocked demotes the holder back to normal and recomputes.
func (a *Arbiter) releaseExclusiveLocked() *Status {
	if a.exclusiveTimer != nil {
		a.exclusiveTimer.Stop()
		a.exclusiveTimer = nil
	}
	if c, ok := a.clients[a.exclusiveClient]; ok {
		c.priority = store.PriorityNormal
	}
	a.exclusiveClient = ""
	a.exclusiveExpires = time.Time{}
	a.state = "" // force recompute to emit
	return a.recomputeLocked()
}

// clientWentIdle is the idle detector's callback: when every PC client has
// crossed the idle threshold, pc_active decays to pc_idle.
func (a *Arbiter) clientWentIdle(clientID string) {
	a.mu.Lock()
	if _, ok := a.clients[clientID]; !ok || a.state != StatePCActive {
		a.mu.Unlock()
		return
	}
	st := a.recomputeLocked()
	a.mu.Unlock()
	a.emit(st)
}

// recomputeLocked derives the presence-based state. mobile_exclusive is
// sticky until released. Returns a status to emit iff the state changed.
func (a *Arbiter) recomputeLocked() *Status {
	if a.state == StateMobileExclusive {
		return nil
	}
	prev := a.state

	pcs := 0
	activePCs := 0
	for _, c := range a.clients {
		if c.clientType != store.ClientPC || c.priority == store.PriorityObserver {
			continue
		}
		pcs++
		if !a.idle.IsIdle(c.id) {
			activePCs++
		}
	}
	switch {
	case pcs == 0:
		a.state = StatePCDisconnected
	case activePCs > 0:
		a.state = StatePCActive
	default:
		a.state = StatePCIdle
	}

	if a.state == prev {
		return nil
	}
	return a.statusLocked()
}

func (a *Arbiter) statusLocked() *Status {
	st := &Status{
		SessionID:    a.sessionID,
		State:        a.state,
		ActiveClient: a.ownerLocked(),
	}
	if a.state == StateMobileExclusive {
		e := a.exclusiveExpires
		st.ExclusiveExpires = &e
	}
	if !a.lastPCActivity.IsZero() {
		t := a.lastPCActivity
		st.LastPCActivity = &t
	}
	return st
}

func (a *Arbiter) ownerLocked() string {
	if a.state == StateMobileExclusive {
		return a.exclusiveClient
	}
	members := make([]member, 0, len(a.clients))
	for _, c := range a.clients {
		members = append(members, c.member)
	}
	return activeOwner(members)
}

// Status snapshots the current control state.
func (a *Arbiter) Status() Status {
	a.mu.Lock()
	defer a.mu.Unlock()
	return *a.statusLocked()
}

// Priority returns the arbiter's current view of the client's priority.
func (a *Arbiter) Priority(clientID string) (store.Priority, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	c, ok := a.clients[clientID]
	if !ok {
		return "", false
	}
	return c.priority, true
}

// Close stops every running timer and turns later Register calls into
// no-ops. Further submissions and exclusive requests are still answered and
// can arm new idle, grace or exclusive timers.
func (a *Arbiter) Close() {
	a.idle.Stop()
	a.mu.Lock()
	a.closed = true
	if a.exclusiveTimer != nil {
		a.exclusiveTimer.Stop()
	}
	a.cancelGraceLocked()
	a.mu.Unlock()
}
