package session

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/lecoder-ai/mconnect/src/process"
	"github.com/lecoder-ai/mconnect/src/scrollback"
	"github.com/lecoder-ai/mconnect/src/store"
)

var (
	ErrSessionNotFound  = errors.New("session not found")
	ErrSessionCompleted = errors.New("session is completed")
	ErrTooManySessions  = errors.New("session limit reached")
	ErrBadTransition    = errors.New("invalid state transition")
)

// Options tunes the session manager.
type Options struct {
	Shell                 string
	Cols                  uint16
	Rows                  uint16
	MemoryLines           int
	MaxTotalLines         int
	SpillBatchSize        int
	MaxConcurrentSessions int
	CompletedRetention    time.Duration
	// CompletedGrace keeps a completed session's live view around so detach
	// and export can still read from memory.
	CompletedGrace   time.Duration
	RespawnOnRestore bool
}

// StateHandler observes session state transitions.
type StateHandler func(sessionID string, state store.SessionState, lastActivity time.Time)

// OutputHandler observes PTY output after it has been appended to the
// scrollback, in append order.
type OutputHandler func(sessionID string, data []byte)

type activeSession struct {
	id          string
	state       store.SessionState
	buffer      *scrollback.Buffer
	completedAt time.Time
}

// Manager composes the store, scrollback buffers and the process manager and
// enforces the session state machine. It is the sole owner of session and
// scrollback mutations; its lock guards the table of live views, and each
// scrollback buffer serializes its own reads and writes.
type Manager struct {
	st   *store.Store
	proc *process.Manager
	opts Options

	mu     sync.Mutex
	active map[string]*activeSession

	handlerMu sync.RWMutex
	onState   []StateHandler
	onOutput  []OutputHandler
}

// NewManager wires a session manager over the store and process manager and
// subscribes to process output and exit events.
func NewManager(st *store.Store, proc *process.Manager, opts Options) *Manager {
	if opts.Cols == 0 {
		opts.Cols = 80
	}
	if opts.Rows == 0 {
		opts.Rows = 24
	}
	if opts.CompletedGrace == 0 {
		opts.CompletedGrace = time.Minute
	}
	m := &Manager{
		st:     st,
		proc:   proc,
		opts:   opts,
		active: make(map[string]*activeSession),
	}
	proc.OnOutput(m.AppendOutput)
	proc.OnExit(m.handleExit)
	return m
}

// OnState registers a state-transition observer.
func (m *Manager) OnState(fn StateHandler) {
	m.handlerMu.Lock()
	m.onState = append(m.onState, fn)
	m.handlerMu.Unlock()
}

// OnOutput registers an output observer.
func (m *Manager) OnOutput(fn OutputHandler) {
	m.handlerMu.Lock()
	m.onOutput = append(m.onOutput, fn)
	m.handlerMu.Unlock()
}

func (m *Manager) emitState(sessionID string, state store.SessionState) {
	m.handlerMu.RLock()
	handlers := m.onState
	m.handlerMu.RUnlock()
	now := time.Now()
	for _, fn := range handlers {
		fn(sessionID, state, now)
	}
}

// Initialize restores running sessions from the store after a daemon start:
// scrollback buffers are rebuilt from their persisted tails. PTY children
// are not re-spawned unless RespawnOnRestore is set; the session row stays
// authoritative either way.
func (m *Manager) Initialize() error {
	sessions, err := m.st.GetSessionsByState(store.StateRunning)
	if err != nil {
		return fmt.Errorf("restore sessions: %w", err)
	}
	paused, err := m.st.GetSessionsByState(store.StatePaused)
	if err != nil {
		return fmt.Errorf("restore sessions: %w", err)
	}
	sessions = append(sessions, paused...)

	for _, sess := range sessions {
		buf := m.newBuffer(sess.ID)
		if err := buf.Restore(); err != nil {
			logrus.Errorf("Failed to restore scrollback for session %s: %v", sess.ID, err)
			continue
		}
		m.mu.Lock()
		m.active[sess.ID] = &activeSession{id: sess.ID, state: sess.State, buffer: buf}
		m.mu.Unlock()
		logrus.Infof("Restored session %s (%s)", sess.ID, sess.State)

		if m.opts.RespawnOnRestore && sess.State == store.StateRunning {
			if _, err := m.proc.Spawn(sess.ID, process.SpawnOptions{
				Shell:      m.opts.Shell,
				WorkingDir: sess.WorkingDirectory,
				Cols:       m.opts.Cols,
				Rows:       m.opts.Rows,
			}); err != nil {
				logrus.Warnf("Failed to re-spawn PTY for restored session %s: %v", sess.ID, err)
			}
		}
	}
	return nil
}

func (m *Manager) newBuffer(sessionID string) *scrollback.Buffer {
	return scrollback.New(m.st, sessionID, scrollback.Options{
		MemoryLines:    m.opts.MemoryLines,
		MaxTotalLines:  m.opts.MaxTotalLines,
		SpillBatchSize: m.opts.SpillBatchSize,
	})
}

// Create registers a new session, spawns its PTY child and wires its output
// into the scrollback. A spawn failure is reported to the caller and not
// retried; the session stays in running state with no live process.
func (m *Manager) Create(agentConfig, workingDirectory string) (*store.Session, error) {
	m.mu.Lock()
	live := 0
	for _, a := range m.active {
		if a.state != store.StateCompleted {
			live++
		}
	}
	if m.opts.MaxConcurrentSessions > 0 && live >= m.opts.MaxConcurrentSessions {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w (max %d)", ErrTooManySessions, m.opts.MaxConcurrentSessions)
	}
	m.mu.Unlock()

	id := uuid.NewString()
	sess, err := m.st.CreateSession(id, store.StateRunning, agentConfig, workingDirectory)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.active[id] = &activeSession{id: id, state: store.StateRunning, buffer: m.newBuffer(id)}
	m.mu.Unlock()

	if _, err := m.proc.Spawn(id, process.SpawnOptions{
		Shell:      m.opts.Shell,
		WorkingDir: workingDirectory,
		Cols:       m.opts.Cols,
		Rows:       m.opts.Rows,
	}); err != nil {
		logrus.Errorf("Session %s created but PTY spawn failed: %v", id, err)
		return sess, err
	}
	logrus.Infof("Created session %s in %s", id, workingDirectory)
	return sess, nil
}

// Get returns the persisted session row.
func (m *Manager) Get(id string) (*store.Session, error) {
	sess, err := m.st.GetSession(id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return sess, err
}

// Summary is the session view sent to clients and the CLI.
type Summary struct {
	ID               string             `json:"id"`
	State            store.SessionState `json:"state"`
	CreatedAt        time.Time          `json:"createdAt"`
	LastActivity     time.Time          `json:"lastActivity"`
	WorkingDirectory string             `json:"workingDirectory"`
	AgentConfig      string             `json:"agentConfig,omitempty"`
	ClientCount      int                `json:"clientCount"`
	HasProcess       bool               `json:"hasProcess"`
}

// List returns session summaries, newest activity first.
func (m *Manager) List(includeCompleted bool) ([]Summary, error) {
	sessions, err := m.st.GetAllSessions(includeCompleted)
	if err != nil {
		return nil, err
	}
	out := make([]Summary, 0, len(sessions))
	for _, sess := range sessions {
		clients, err := m.st.GetClientsBySession(sess.ID)
		if err != nil {
			return nil, err
		}
		out = append(out, Summary{
			ID:               sess.ID,
			State:            sess.State,
			CreatedAt:        sess.CreatedAt,
			LastActivity:     sess.LastActivity,
			WorkingDirectory: sess.WorkingDirectory,
			AgentConfig:      sess.AgentConfig,
			ClientCount:      len(clients),
			HasProcess:       m.proc.Has(sess.ID),
		})
	}
	return out, nil
}

// AttachClient records a client attachment. Returns ErrSessionNotFound for
// unknown sessions.
func (m *Manager) AttachClient(sessionID, clientID string, clientType store.ClientType, priority store.Priority, userAgent string) (*store.Client, error) {
	sess, err := m.Get(sessionID)
	if err != nil {
		return nil, err
	}
	if sess.State == store.StateCompleted {
		return nil, fmt.Errorf("%w: %s", ErrSessionCompleted, sessionID)
	}
	now := time.Now()
	c := &store.Client{
		ID:            clientID,
		SessionID:     sessionID,
		ClientType:    clientType,
		Priority:      priority,
		ConnectedAt:   now,
		LastHeartbeat: now,
		UserAgent:     userAgent,
	}
	if err := m.st.AddClient(c); err != nil {
		return nil, err
	}
	_ = m.st.UpdateSessionActivity(sessionID)
	return c, nil
}

// DetachClient removes the client record regardless of session.
func (m *Manager) DetachClient(clientID string) {
	if err := m.st.RemoveClient(clientID); err != nil {
		logrus.Warnf("Failed to remove client %s: %v", clientID, err)
	}
}

// AppendOutput routes PTY bytes into the session's scrollback and refreshes
// activity, then notifies output observers in append order.
func (m *Manager) AppendOutput(sessionID string, data []byte) {
	m.mu.Lock()
	a, ok := m.active[sessionID]
	m.mu.Unlock()
	if !ok {
		return
	}
	if err := a.buffer.Append(string(data)); err != nil {
		logrus.Errorf("Failed to append scrollback for session %s: %v", sessionID, err)
	}
	_ = m.st.UpdateSessionActivity(sessionID)

	m.handlerMu.RLock()
	handlers := m.onOutput
	m.handlerMu.RUnlock()
	for _, fn := range handlers {
		fn(sessionID, data)
	}
}

// validTransition implements running <-> paused, running|paused -> completed.
func validTransition(from, to store.SessionState) bool {
	switch from {
	case store.StateRunning:
		return to == store.StatePaused || to == store.StateCompleted
	case store.StatePaused:
		return to == store.StateRunning || to == store.StateCompleted
	default:
		return false
	}
}

// TransitionState validates and applies a state change. Transitioning to
// completed flushes the scrollback but retains the live view for a grace
// period so detach and export can still read from memory.
func (m *Manager) TransitionState(id string, to store.SessionState) error {
	sess, err := m.Get(id)
	if err != nil {
		return err
	}
	if !validTransition(sess.State, to) {
		return fmt.Errorf("%w: %s -> %s", ErrBadTransition, sess.State, to)
	}
	if err := m.st.UpdateSessionState(id, to); err != nil {
		return err
	}

	m.mu.Lock()
	if a, ok := m.active[id]; ok {
		a.state = to
		if to == store.StateCompleted {
			a.completedAt = time.Now()
			if err := a.buffer.Flush(); err != nil {
				logrus.Errorf("Failed to flush scrollback for session %s: %v", id, err)
			}
		}
	}
	m.mu.Unlock()

	logrus.Infof("Session %s: %s -> %s", id, sess.State, to)
	m.emitState(id, to)
	return nil
}

// Terminate marks the session completed, kills its PTY child and drops the
// live view.
func (m *Manager) Terminate(id string, force bool) error {
	sess, err := m.Get(id)
	if err != nil {
		return err
	}
	if m.proc.Has(id) {
		if err := m.proc.Kill(id, force); err != nil && !errors.Is(err, process.ErrNoProcess) {
			logrus.Warnf("Failed to kill PTY for session %s: %v", id, err)
		}
	}
	if sess.State != store.StateCompleted {
		if err := m.TransitionState(id, store.StateCompleted); err != nil {
			// The exit handler may have completed the session between the
			// kill and this transition; that is not a failure.
			if cur, gerr := m.Get(id); gerr != nil || cur.State != store.StateCompleted {
				return err
			}
		}
	}
	m.mu.Lock()
	delete(m.active, id)
	m.mu.Unlock()
	return nil
}

// handleExit reacts to a PTY child terminating mid-session: the session is
// driven to completed.
func (m *Manager) handleExit(sessionID string, exitCode int, signal string) {
	sess, err := m.Get(sessionID)
	if err != nil || sess.State == store.StateCompleted {
		return
	}
	logrus.Infof("Session %s child exited (code %d); completing session", sessionID, exitCode)
	if err := m.TransitionState(sessionID, store.StateCompleted); err != nil {
		logrus.Warnf("Failed to complete session %s after exit: %v", sessionID, err)
	}
}

// buffer returns the live scrollback view, keeping completed sessions
// readable during the grace window.
func (m *Manager) buffer(sessionID string) (*scrollback.Buffer, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.active[sessionID]
	if !ok {
		return nil, false
	}
	if a.state == store.StateCompleted && time.Since(a.completedAt) > m.opts.CompletedGrace {
		delete(m.active, sessionID)
		return nil, false
	}
	return a.buffer, true
}

// GetRecentScrollback returns the last count lines, serving from memory when
// the session is live and from the store otherwise.
func (m *Manager) GetRecentScrollback(sessionID string, count int) ([]store.ScrollbackLine, error) {
	if buf, ok := m.buffer(sessionID); ok {
		return buf.GetRecent(count)
	}
	return m.st.GetLatestScrollback(sessionID, count)
}

// GetScrollbackRange returns lines [fromLine, fromLine+count).
func (m *Manager) GetScrollbackRange(sessionID string, fromLine int64, count int) ([]store.ScrollbackLine, error) {
	if buf, ok := m.buffer(sessionID); ok {
		return buf.GetRange(fromLine, count)
	}
	return m.st.GetScrollback(sessionID, fromLine, count)
}

// TotalScrollbackLines reports the retained line count.
func (m *Manager) TotalScrollbackLines(sessionID string) (int64, error) {
	if buf, ok := m.buffer(sessionID); ok {
		return buf.TotalLines(), nil
	}
	return m.st.GetScrollbackLineCount(sessionID)
}

// ExportScrollback returns the session's full retained history as plain
// lines, flushing any live buffer first so the partial tail is included.
func (m *Manager) ExportScrollback(sessionID string) ([]string, error) {
	if buf, ok := m.buffer(sessionID); ok {
		if err := buf.Flush(); err != nil {
			return nil, err
		}
	}
	total, err := m.TotalScrollbackLines(sessionID)
	if err != nil {
		return nil, err
	}
	if total == 0 {
		return nil, nil
	}
	lines, err := m.st.GetLatestScrollback(sessionID, int(total))
	if err != nil {
		return nil, err
	}
	out := make([]string, len(lines))
	for i, l := range lines {
		out[i] = l.Content
	}
	return out, nil
}

// InputLog returns the most recent audited inputs for the session.
func (m *Manager) InputLog(sessionID string, limit int) ([]store.InputLogEntry, error) {
	return m.st.GetInputLog(sessionID, limit)
}

// CleanupCompleted deletes completed sessions past the retention threshold.
// Runs from the daemon's hourly sweep.
func (m *Manager) CleanupCompleted() (int64, error) {
	n, err := m.st.DeleteCompletedSessions(m.opts.CompletedRetention)
	if err != nil {
		return 0, err
	}
	m.mu.Lock()
	for id, a := range m.active {
		if a.state == store.StateCompleted && time.Since(a.completedAt) > m.opts.CompletedGrace {
			delete(m.active, id)
		}
	}
	m.mu.Unlock()
	return n, nil
}

// ActiveCount reports sessions with a live view.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, a := range m.active {
		if a.state != store.StateCompleted {
			n++
		}
	}
	return n
}

// Shutdown flushes every live scrollback buffer.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	buffers := make([]*scrollback.Buffer, 0, len(m.active))
	for _, a := range m.active {
		buffers = append(buffers, a.buffer)
	}
	m.mu.Unlock()
	for _, buf := range buffers {
		if err := buf.Flush(); err != nil {
			logrus.Errorf("Failed to flush scrollback on shutdown: %v", err)
		}
	}
}
