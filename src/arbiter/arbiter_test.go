package arbiter

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lecoder-ai/mconnect/src/store"
)

func testOptions() Options {
	return Options{
		PCIdleThreshold:   80 * time.Millisecond,
		MobileGracePeriod: 60 * time.Millisecond,
		ExclusiveTimeout:  120 * time.Millisecond,
		ConflictWindow:    40 * time.Millisecond,
		InputRateLimitCps: 100,
	}
}

type statusRecorder struct {
	mu     sync.Mutex
	states []State
}

func (r *statusRecorder) record(st Status) {
	r.mu.Lock()
	r.states = append(r.states, st.State)
	r.mu.Unlock()
}

func (r *statusRecorder) last() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.states) == 0 {
		return ""
	}
	return r.states[len(r.states)-1]
}

func TestPCDisconnectedAcceptsEveryone(t *testing.T) {
	a := New("s1", testOptions(), nil)
	defer a.Close()

	a.Register("mob", store.ClientMobile, store.PriorityNormal)
	assert.Equal(t, StatePCDisconnected, a.Status().State)

	d := a.SubmitInput("mob", "x")
	assert.True(t, d.Accepted)
}

func TestPCMobileArbitration(t *testing.T) {
	a := New("s1", testOptions(), nil)
	defer a.Close()

	a.Register("pc", store.ClientPC, store.PriorityHigh)
	a.Register("mob", store.ClientMobile, store.PriorityNormal)
	assert.Equal(t, StatePCActive, a.Status().State)

	d := a.SubmitInput("pc", "a")
	assert.True(t, d.Accepted)

	d = a.SubmitInput("mob", "b")
	require.False(t, d.Accepted)
	assert.Equal(t, ReasonPCTyping, d.Reason)

	// After the PC idle threshold passes with no PC activity, mobile input
	// is accepted.
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, StatePCIdle, a.Status().State)

	d = a.SubmitInput("mob", "b")
	assert.True(t, d.Accepted)
}

func TestIdleBoundary(t *testing.T) {
	a := New("s1", testOptions(), nil)
	defer a.Close()

	a.Register("pc", store.ClientPC, store.PriorityHigh)
	a.SubmitInput("pc", "x")

	// Just under the threshold: still active.
	time.Sleep(40 * time.Millisecond)
	assert.Equal(t, StatePCActive, a.Status().State)

	// Well past it: idle has fired.
	time.Sleep(120 * time.Millisecond)
	assert.Equal(t, StatePCIdle, a.Status().State)
}

func TestPCActivityRevivesFromIdle(t *testing.T) {
	a := New("s1", testOptions(), nil)
	defer a.Close()
	rec := &statusRecorder{}
	a.OnStatus(rec.record)

	a.Register("pc", store.ClientPC, store.PriorityHigh)
	time.Sleep(150 * time.Millisecond)
	require.Equal(t, StatePCIdle, a.Status().State)

	d := a.SubmitInput("pc", "k")
	assert.True(t, d.Accepted)
	assert.Equal(t, StatePCActive, a.Status().State)
	assert.Equal(t, StatePCActive, rec.last())
}

func TestMobileGraceWindow(t *testing.T) {
	a := New("s1", testOptions(), nil)
	defer a.Close()

	a.Register("pc", store.ClientPC, store.PriorityHigh)
	a.Register("mob", store.ClientMobile, store.PriorityNormal)

	time.Sleep(150 * time.Millisecond)
	require.Equal(t, StatePCIdle, a.Status().State)

	// Mobile is mid-burst when the PC comes back.
	require.True(t, a.SubmitInput("mob", "m1").Accepted)
	require.True(t, a.SubmitInput("pc", "p1").Accepted)
	require.Equal(t, StatePCActive, a.Status().State)

	// Inside the grace window the mobile burst continues.
	assert.True(t, a.SubmitInput("mob", "m2").Accepted)

	// After the grace window it is rejected again.
	time.Sleep(100 * time.Millisecond)
	a.SubmitInput("pc", "p2")
	d := a.SubmitInput("mob", "m3")
	require.False(t, d.Accepted)
	assert.Equal(t, ReasonPCTyping, d.Reason)
}

func TestExclusiveControl(t *testing.T) {
	a := New("s1", testOptions(), nil)
	defer a.Close()
	rec := &statusRecorder{}
	a.OnStatus(rec.record)

	a.Register("pc", store.ClientPC, store.PriorityHigh)
	a.Register("mob", store.ClientMobile, store.PriorityNormal)

	granted, expires, _ := a.RequestExclusive("mob")
	require.True(t, granted)
	assert.WithinDuration(t, time.Now().Add(testOptions().ExclusiveTimeout), expires, 50*time.Millisecond)
	assert.Equal(t, StateMobileExclusive, a.Status().State)
	assert.Equal(t, "mob", a.Status().ActiveClient)

	// Only the holder's input is accepted.
	d := a.SubmitInput("pc", "x")
	require.False(t, d.Accepted)
	assert.Equal(t, ReasonOtherExclusive, d.Reason)
	assert.True(t, a.SubmitInput("mob", "y").Accepted)

	// A second request while exclusive is denied.
	granted, _, reason := a.RequestExclusive("mob")
	assert.False(t, granted)
	assert.Equal(t, ReasonOtherExclusive, reason)

	// Auto-release after the timeout; PC can type again.
	time.Sleep(200 * time.Millisecond)
	st := a.Status()
	assert.NotEqual(t, StateMobileExclusive, st.State)
	assert.True(t, a.SubmitInput("pc", "z").Accepted)

	p, ok := a.Priority("mob")
	require.True(t, ok)
	assert.Equal(t, store.PriorityNormal, p)
}

func TestExclusiveDeniedForPCAndObserver(t *testing.T) {
	a := New("s1", testOptions(), nil)
	defer a.Close()

	a.Register("pc", store.ClientPC, store.PriorityHigh)
	a.Register("obs", store.ClientMobile, store.PriorityObserver)

	granted, _, _ := a.RequestExclusive("pc")
	assert.False(t, granted)
	granted, _, reason := a.RequestExclusive("obs")
	assert.False(t, granted)
	assert.Equal(t, ReasonObserver, reason)
}

func TestRequestThenReleaseRestoresState(t *testing.T) {
	a := New("s1", testOptions(), nil)
	defer a.Close()

	a.Register("pc", store.ClientPC, store.PriorityHigh)
	a.Register("mob", store.ClientMobile, store.PriorityNormal)
	before := a.Status().State

	granted, _, _ := a.RequestExclusive("mob")
	require.True(t, granted)
	require.True(t, a.ReleaseExclusive("mob"))

	assert.Equal(t, before, a.Status().State)
	p, _ := a.Priority("mob")
	assert.Equal(t, store.PriorityNormal, p)
}

func TestObserverNeverSubmits(t *testing.T) {
	a := New("s1", testOptions(), nil)
	defer a.Close()

	a.Register("obs", store.ClientMobile, store.PriorityObserver)
	d := a.SubmitInput("obs", "x")
	require.False(t, d.Accepted)
	assert.Equal(t, ReasonObserver, d.Reason)
}

func TestUnregisterExclusiveHolderReleases(t *testing.T) {
	a := New("s1", testOptions(), nil)
	defer a.Close()

	a.Register("pc", store.ClientPC, store.PriorityHigh)
	a.Register("mob", store.ClientMobile, store.PriorityNormal)
	granted, _, _ := a.RequestExclusive("mob")
	require.True(t, granted)

	a.Unregister("mob")
	assert.NotEqual(t, StateMobileExclusive, a.Status().State)
	assert.True(t, a.SubmitInput("pc", "x").Accepted)
}

func TestRateLimitBoundary(t *testing.T) {
	a := New("s1", testOptions(), nil)
	defer a.Close()
	a.Register("mob", store.ClientMobile, store.PriorityNormal)

	// Exactly at the cap: accepted.
	d := a.SubmitInput("mob", strings.Repeat("x", 100))
	assert.True(t, d.Accepted)

	// One byte above within the same window: rejected.
	d = a.SubmitInput("mob", "y")
	require.False(t, d.Accepted)
	assert.Equal(t, ReasonRateLimited, d.Reason)

	// The window tumbles after a second.
	time.Sleep(1100 * time.Millisecond)
	assert.True(t, a.SubmitInput("mob", "y").Accepted)
}

func TestAuditCallback(t *testing.T) {
	var mu sync.Mutex
	type entry struct {
		clientID string
		accepted bool
		reason   string
	}
	var audited []entry
	a := New("s1", testOptions(), func(clientID, input string, accepted bool, reason string) {
		mu.Lock()
		audited = append(audited, entry{clientID, accepted, reason})
		mu.Unlock()
	})
	defer a.Close()

	a.Register("pc", store.ClientPC, store.PriorityHigh)
	a.Register("mob", store.ClientMobile, store.PriorityNormal)
	a.SubmitInput("pc", "a")
	a.SubmitInput("mob", "b")

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, audited, 2)
	assert.True(t, audited[0].accepted)
	assert.False(t, audited[1].accepted)
	assert.Equal(t, string(ReasonPCTyping), audited[1].reason)
}

func TestActiveOwnerOrdering(t *testing.T) {
	now := time.Now()
	members := []member{
		{id: "mob-old", clientType: store.ClientMobile, priority: store.PriorityNormal, joinedAt: now},
		{id: "pc-late", clientType: store.ClientPC, priority: store.PriorityNormal, joinedAt: now.Add(time.Second)},
		{id: "obs", clientType: store.ClientPC, priority: store.PriorityObserver, joinedAt: now.Add(-time.Hour)},
	}
	// Same priority rank: PC beats mobile regardless of join time; observers
	// never own.
	assert.Equal(t, "pc-late", activeOwner(members))

	members = append(members, member{
		id: "mob-exclusive", clientType: store.ClientMobile, priority: store.PriorityExclusive, joinedAt: now.Add(2 * time.Second),
	})
	assert.Equal(t, "mob-exclusive", activeOwner(members))

	assert.Equal(t, "", activeOwner([]member{{id: "o", priority: store.PriorityObserver}}))
}

func TestRateLimiterWindowReset(t *testing.T) {
	r := newRateLimiter(10)
	base := time.Now()
	current := base
	r.now = func() time.Time { return current }

	assert.True(t, r.Allow("c", 10))
	assert.False(t, r.Allow("c", 1))

	// Exactly one second later the window has not tumbled yet.
	current = base.Add(time.Second)
	assert.False(t, r.Allow("c", 1))

	current = base.Add(time.Second + time.Millisecond)
	assert.True(t, r.Allow("c", 10))
}
