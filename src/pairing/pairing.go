package pairing

import (
	"crypto/rand"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// codeCharset excludes the easily confused 0/O/1/I.
const codeCharset = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

const (
	codeLength = 6
	// CodeTTL bounds a pairing code's life; an expired code validates as
	// code_expired once and is purged then, or by the next sweep.
	CodeTTL = 5 * time.Minute
)

var ErrTooManyCodes = errors.New("too many outstanding pairing codes")

// maxOutstanding caps stored codes so a misbehaving caller cannot grow the
// table without bound.
const maxOutstanding = 1000

type pairingCode struct {
	sessionID string
	token     string
	createdAt time.Time
	expiresAt time.Time
}

// Result is the outcome of a code validation.
type Result struct {
	Valid     bool   `json:"valid"`
	Token     string `json:"token,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// Manager issues and validates short-TTL single-use pairing codes. It is
// process-wide and cross-session.
type Manager struct {
	mu    sync.Mutex
	codes map[string]pairingCode
	now   func() time.Time
}

// NewManager creates an empty pairing manager.
func NewManager() *Manager {
	return &Manager{codes: make(map[string]pairingCode), now: time.Now}
}

// CreateCode mints a 6-character code bound to the session and token,
// valid for five minutes.
func (m *Manager) CreateCode(sessionID, token string) (string, error) {
	code, err := randomCode()
	if err != nil {
		return "", fmt.Errorf("generate pairing code: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.sweepLocked()
	if len(m.codes) >= maxOutstanding {
		return "", ErrTooManyCodes
	}
	now := m.now()
	m.codes[code] = pairingCode{
		sessionID: sessionID,
		token:     token,
		createdAt: now,
		expiresAt: now.Add(CodeTTL),
	}
	logrus.Debugf("Pairing code created for session %s", sessionID)
	return code, nil
}

// Validate resolves a code. A hit is single-use: the code is purged before
// the result is returned.
func (m *Manager) Validate(code string) Result {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.codes[code]
	if !ok {
		return Result{Valid: false, Reason: "Invalid code"}
	}
	if m.now().After(entry.expiresAt) {
		delete(m.codes, code)
		return Result{Valid: false, Reason: "code_expired"}
	}
	delete(m.codes, code)
	return Result{Valid: true, Token: entry.token, SessionID: entry.sessionID}
}

// RevokeSession drops any outstanding codes for the session.
func (m *Manager) RevokeSession(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for code, entry := range m.codes {
		if entry.sessionID == sessionID {
			delete(m.codes, code)
		}
	}
}

// sweepLocked opportunistically purges expired entries.
func (m *Manager) sweepLocked() {
	now := m.now()
	for code, entry := range m.codes {
		if now.After(entry.expiresAt) {
			delete(m.codes, code)
		}
	}
}

func randomCode() (string, error) {
	buf := make([]byte, codeLength)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	out := make([]byte, codeLength)
	for i, b := range buf {
		out[i] = codeCharset[int(b)%len(codeCharset)]
	}
	return string(out), nil
}
