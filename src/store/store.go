package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"
)

// SessionState is the persisted lifecycle state of a session.
type SessionState string

const (
	StateRunning   SessionState = "running"
	StatePaused    SessionState = "paused"
	StateCompleted SessionState = "completed"
)

// ClientType distinguishes the driving PC client from mobile viewers.
type ClientType string

const (
	ClientPC     ClientType = "pc"
	ClientMobile ClientType = "mobile"
)

// Priority orders competing clients in the input arbiter. Lower rank wins.
type Priority string

const (
	PriorityExclusive Priority = "exclusive"
	PriorityHigh      Priority = "high"
	PriorityNormal    Priority = "normal"
	PriorityLow       Priority = "low"
	PriorityObserver  Priority = "observer"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrInvalidState = errors.New("invalid session state")
)

// Session is a persisted terminal session row.
type Session struct {
	ID               string       `json:"id"`
	CreatedAt        time.Time    `json:"createdAt"`
	LastActivity     time.Time    `json:"lastActivity"`
	State            SessionState `json:"state"`
	AgentConfig      string       `json:"agentConfig"`
	WorkingDirectory string       `json:"workingDirectory"`
}

// ScrollbackLine is one persisted line of terminal output. Line numbers are
// monotonically increasing per session starting at 0 and are never reused;
// trimming removes the oldest numbers, leaving a contiguous surviving window.
type ScrollbackLine struct {
	SessionID  string    `json:"sessionId"`
	LineNumber int64     `json:"lineNumber"`
	Content    string    `json:"content"`
	Timestamp  time.Time `json:"timestamp"`
}

// Client is a persisted record of a connected client.
type Client struct {
	ID            string     `json:"id"`
	SessionID     string     `json:"sessionId"`
	ClientType    ClientType `json:"clientType"`
	Priority      Priority   `json:"priority"`
	ConnectedAt   time.Time  `json:"connectedAt"`
	LastHeartbeat time.Time  `json:"lastHeartbeat"`
	UserAgent     string     `json:"userAgent,omitempty"`
}

// InputLogEntry is one audited input submission.
type InputLogEntry struct {
	ID           int64     `json:"id"`
	SessionID    string    `json:"sessionId"`
	ClientID     string    `json:"clientId"`
	Input        string    `json:"input"`
	Timestamp    time.Time `json:"timestamp"`
	Accepted     bool      `json:"accepted"`
	RejectReason string    `json:"rejectReason,omitempty"`
}

// Store is the embedded relational store backing sessions, scrollback,
// connected clients and the input log. All writes are serialized by SQLite's
// WAL-mode engine; the store itself owns no runtime state.
type Store struct {
	db *sql.DB
}

// Open opens (and migrates) the sessions database at path. The special path
// ":memory:" opens an in-process database.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)", path)
	if path == ":memory:" {
		dsn = "file::memory:?_pragma=foreign_keys(ON)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// A single connection keeps transactions and the in-memory variant sane;
	// the daemon's write volume is modest.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func now() time.Time { return time.Now() }

func toMillis(t time.Time) int64        { return t.UnixMilli() }
func fromMillis(ms int64) time.Time     { return time.UnixMilli(ms) }
func validState(st SessionState) bool   { return st == StateRunning || st == StatePaused || st == StateCompleted }

// --- sessions ---

// CreateSession inserts a new session row stamping both timestamps to now.
func (s *Store) CreateSession(id string, state SessionState, agentConfig, workingDirectory string) (*Session, error) {
	if !validState(state) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidState, state)
	}
	ts := toMillis(now())
	_, err := s.db.Exec(
		`INSERT INTO sessions (id, created_at, last_activity, state, agent_config, working_directory)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		id, ts, ts, string(state), agentConfig, workingDirectory,
	)
	if err != nil {
		return nil, fmt.Errorf("create session %s: %w", id, err)
	}
	return &Session{
		ID:               id,
		CreatedAt:        fromMillis(ts),
		LastActivity:     fromMillis(ts),
		State:            state,
		AgentConfig:      agentConfig,
		WorkingDirectory: workingDirectory,
	}, nil
}

func scanSession(row interface{ Scan(...any) error }) (*Session, error) {
	var sess Session
	var created, activity int64
	var state string
	if err := row.Scan(&sess.ID, &created, &activity, &state, &sess.AgentConfig, &sess.WorkingDirectory); err != nil {
		return nil, err
	}
	sess.CreatedAt = fromMillis(created)
	sess.LastActivity = fromMillis(activity)
	sess.State = SessionState(state)
	return &sess, nil
}

// GetSession returns the session with the given id, or ErrNotFound.
func (s *Store) GetSession(id string) (*Session, error) {
	row := s.db.QueryRow(
		`SELECT id, created_at, last_activity, state, agent_config, working_directory FROM sessions WHERE id = ?`, id)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get session %s: %w", id, err)
	}
	return sess, nil
}

// GetAllSessions lists sessions, newest activity first.
func (s *Store) GetAllSessions(includeCompleted bool) ([]*Session, error) {
	q := `SELECT id, created_at, last_activity, state, agent_config, working_directory FROM sessions`
	if !includeCompleted {
		q += ` WHERE state != 'completed'`
	}
	q += ` ORDER BY last_activity DESC`
	rows, err := s.db.Query(q)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []*Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// GetSessionsByState lists sessions in the given state.
func (s *Store) GetSessionsByState(state SessionState) ([]*Session, error) {
	rows, err := s.db.Query(
		`SELECT id, created_at, last_activity, state, agent_config, working_directory
		 FROM sessions WHERE state = ? ORDER BY last_activity DESC`, string(state))
	if err != nil {
		return nil, fmt.Errorf("sessions by state: %w", err)
	}
	defer rows.Close()

	var out []*Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// UpdateSessionState sets the state and bumps last_activity.
func (s *Store) UpdateSessionState(id string, state SessionState) error {
	if !validState(state) {
		return fmt.Errorf("%w: %q", ErrInvalidState, state)
	}
	res, err := s.db.Exec(
		`UPDATE sessions SET state = ?, last_activity = ? WHERE id = ?`,
		string(state), toMillis(now()), id)
	if err != nil {
		return fmt.Errorf("update session state: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	return nil
}

// UpdateSessionActivity bumps last_activity to now.
func (s *Store) UpdateSessionActivity(id string) error {
	res, err := s.db.Exec(`UPDATE sessions SET last_activity = ? WHERE id = ?`, toMillis(now()), id)
	if err != nil {
		return fmt.Errorf("update session activity: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	return nil
}

// DeleteSession removes the session row; scrollback, clients and input log
// rows go with it via foreign-key cascade.
func (s *Store) DeleteSession(id string) error {
	res, err := s.db.Exec(`DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	return nil
}

// DeleteCompletedSessions removes completed sessions whose last activity is
// older than the given age, returning how many were deleted.
func (s *Store) DeleteCompletedSessions(olderThan time.Duration) (int64, error) {
	cutoff := toMillis(now().Add(-olderThan))
	res, err := s.db.Exec(
		`DELETE FROM sessions WHERE state = 'completed' AND last_activity < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete completed sessions: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		logrus.Infof("Deleted %d completed sessions older than %v", n, olderThan)
	}
	return n, nil
}

// --- scrollback ---

// AppendScrollback stores one line, allocating the next line number
// atomically, and returns the allocated number.
func (s *Store) AppendScrollback(sessionID, content string) (int64, error) {
	row := s.db.QueryRow(
		`INSERT INTO scrollback (session_id, line_number, content, created_at)
		 VALUES (?, (SELECT COALESCE(MAX(line_number) + 1, 0) FROM scrollback WHERE session_id = ?), ?, ?)
		 RETURNING line_number`,
		sessionID, sessionID, content, toMillis(now()))
	var n int64
	if err := row.Scan(&n); err != nil {
		return 0, fmt.Errorf("append scrollback: %w", err)
	}
	return n, nil
}

// AppendScrollbackBatch stores lines in one transaction with consecutive line
// numbers starting at startLine. Used by the scrollback buffer's spillover,
// which tracks numbering itself.
func (s *Store) AppendScrollbackBatch(sessionID string, startLine int64, lines []string) error {
	if len(lines) == 0 {
		return nil
	}
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin scrollback batch: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(
		`INSERT INTO scrollback (session_id, line_number, content, created_at) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare scrollback batch: %w", err)
	}
	defer stmt.Close()

	ts := toMillis(now())
	for i, line := range lines {
		if _, err := stmt.Exec(sessionID, startLine+int64(i), line, ts); err != nil {
			return fmt.Errorf("insert scrollback line %d: %w", startLine+int64(i), err)
		}
	}
	return tx.Commit()
}

func (s *Store) scanScrollback(rows *sql.Rows) ([]ScrollbackLine, error) {
	var out []ScrollbackLine
	for rows.Next() {
		var l ScrollbackLine
		var ts int64
		if err := rows.Scan(&l.SessionID, &l.LineNumber, &l.Content, &ts); err != nil {
			return nil, err
		}
		l.Timestamp = fromMillis(ts)
		out = append(out, l)
	}
	return out, rows.Err()
}

// GetScrollback returns up to count lines starting at fromLine, ascending.
func (s *Store) GetScrollback(sessionID string, fromLine int64, count int) ([]ScrollbackLine, error) {
	rows, err := s.db.Query(
		`SELECT session_id, line_number, content, created_at FROM scrollback
		 WHERE session_id = ? AND line_number >= ? ORDER BY line_number ASC LIMIT ?`,
		sessionID, fromLine, count)
	if err != nil {
		return nil, fmt.Errorf("get scrollback: %w", err)
	}
	defer rows.Close()
	return s.scanScrollback(rows)
}

// GetLatestScrollback returns the last count lines in ascending line order.
func (s *Store) GetLatestScrollback(sessionID string, count int) ([]ScrollbackLine, error) {
	rows, err := s.db.Query(
		`SELECT session_id, line_number, content, created_at FROM (
		   SELECT session_id, line_number, content, created_at FROM scrollback
		   WHERE session_id = ? ORDER BY line_number DESC LIMIT ?
		 ) ORDER BY line_number ASC`,
		sessionID, count)
	if err != nil {
		return nil, fmt.Errorf("get latest scrollback: %w", err)
	}
	defer rows.Close()
	return s.scanScrollback(rows)
}

// GetScrollbackLineCount returns the number of stored lines for the session.
func (s *Store) GetScrollbackLineCount(sessionID string) (int64, error) {
	var n int64
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM scrollback WHERE session_id = ?`, sessionID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count scrollback: %w", err)
	}
	return n, nil
}

// GetScrollbackBounds returns the first and next line numbers of the stored
// window, i.e. stored lines occupy [first, next). Both are 0 when empty.
func (s *Store) GetScrollbackBounds(sessionID string) (first, next int64, err error) {
	var lo, hi sql.NullInt64
	err = s.db.QueryRow(
		`SELECT MIN(line_number), MAX(line_number) FROM scrollback WHERE session_id = ?`,
		sessionID).Scan(&lo, &hi)
	if err != nil {
		return 0, 0, fmt.Errorf("scrollback bounds: %w", err)
	}
	if !lo.Valid {
		return 0, 0, nil
	}
	return lo.Int64, hi.Int64 + 1, nil
}

// TrimScrollback deletes the oldest lines so that at most keepLines remain.
func (s *Store) TrimScrollback(sessionID string, keepLines int64) error {
	_, err := s.db.Exec(
		`DELETE FROM scrollback WHERE session_id = ? AND line_number <
		   (SELECT COALESCE(MAX(line_number) + 1, 0) - ? FROM scrollback WHERE session_id = ?)`,
		sessionID, keepLines, sessionID)
	if err != nil {
		return fmt.Errorf("trim scrollback: %w", err)
	}
	return nil
}

// --- connected clients ---

// AddClient inserts a client record.
func (s *Store) AddClient(c *Client) error {
	_, err := s.db.Exec(
		`INSERT INTO connected_clients (id, session_id, client_type, priority, connected_at, last_heartbeat, user_agent)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.SessionID, string(c.ClientType), string(c.Priority),
		toMillis(c.ConnectedAt), toMillis(c.LastHeartbeat), c.UserAgent)
	if err != nil {
		return fmt.Errorf("add client: %w", err)
	}
	return nil
}

func (s *Store) scanClients(rows *sql.Rows) ([]*Client, error) {
	var out []*Client
	for rows.Next() {
		var c Client
		var ctype, prio string
		var connected, heartbeat int64
		if err := rows.Scan(&c.ID, &c.SessionID, &ctype, &prio, &connected, &heartbeat, &c.UserAgent); err != nil {
			return nil, err
		}
		c.ClientType = ClientType(ctype)
		c.Priority = Priority(prio)
		c.ConnectedAt = fromMillis(connected)
		c.LastHeartbeat = fromMillis(heartbeat)
		out = append(out, &c)
	}
	return out, rows.Err()
}

// GetClient returns the client record with the given id, or ErrNotFound.
func (s *Store) GetClient(id string) (*Client, error) {
	rows, err := s.db.Query(
		`SELECT id, session_id, client_type, priority, connected_at, last_heartbeat, user_agent
		 FROM connected_clients WHERE id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("get client: %w", err)
	}
	defer rows.Close()
	clients, err := s.scanClients(rows)
	if err != nil {
		return nil, err
	}
	if len(clients) == 0 {
		return nil, fmt.Errorf("client %s: %w", id, ErrNotFound)
	}
	return clients[0], nil
}

// GetClientsBySession lists clients attached to the session.
func (s *Store) GetClientsBySession(sessionID string) ([]*Client, error) {
	rows, err := s.db.Query(
		`SELECT id, session_id, client_type, priority, connected_at, last_heartbeat, user_agent
		 FROM connected_clients WHERE session_id = ? ORDER BY connected_at ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("clients by session: %w", err)
	}
	defer rows.Close()
	return s.scanClients(rows)
}

// RemoveClient deletes the client record. Removing an unknown client is a no-op.
func (s *Store) RemoveClient(id string) error {
	if _, err := s.db.Exec(`DELETE FROM connected_clients WHERE id = ?`, id); err != nil {
		return fmt.Errorf("remove client: %w", err)
	}
	return nil
}

// UpdateClientHeartbeat stamps the client's last heartbeat to now.
func (s *Store) UpdateClientHeartbeat(id string) error {
	if _, err := s.db.Exec(
		`UPDATE connected_clients SET last_heartbeat = ? WHERE id = ?`, toMillis(now()), id); err != nil {
		return fmt.Errorf("update client heartbeat: %w", err)
	}
	return nil
}

// UpdateClientPriority changes the client's priority.
func (s *Store) UpdateClientPriority(id string, p Priority) error {
	if _, err := s.db.Exec(
		`UPDATE connected_clients SET priority = ? WHERE id = ?`, string(p), id); err != nil {
		return fmt.Errorf("update client priority: %w", err)
	}
	return nil
}

// RemoveStaleClients deletes clients whose last heartbeat is older than age,
// returning how many were removed.
func (s *Store) RemoveStaleClients(age time.Duration) (int64, error) {
	cutoff := toMillis(now().Add(-age))
	res, err := s.db.Exec(`DELETE FROM connected_clients WHERE last_heartbeat < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("remove stale clients: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// --- input log ---

// LogInput appends one audited input submission.
func (s *Store) LogInput(sessionID, clientID, input string, accepted bool, rejectReason string) error {
	_, err := s.db.Exec(
		`INSERT INTO input_log (session_id, client_id, input, created_at, accepted, reject_reason)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		sessionID, clientID, input, toMillis(now()), accepted, rejectReason)
	if err != nil {
		return fmt.Errorf("log input: %w", err)
	}
	return nil
}

// GetInputLog returns the most recent limit entries, oldest first.
func (s *Store) GetInputLog(sessionID string, limit int) ([]InputLogEntry, error) {
	rows, err := s.db.Query(
		`SELECT id, session_id, client_id, input, created_at, accepted, reject_reason FROM (
		   SELECT id, session_id, client_id, input, created_at, accepted, reject_reason
		   FROM input_log WHERE session_id = ? ORDER BY id DESC LIMIT ?
		 ) ORDER BY id ASC`,
		sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("get input log: %w", err)
	}
	defer rows.Close()

	var out []InputLogEntry
	for rows.Next() {
		var e InputLogEntry
		var ts int64
		if err := rows.Scan(&e.ID, &e.SessionID, &e.ClientID, &e.Input, &ts, &e.Accepted, &e.RejectReason); err != nil {
			return nil, err
		}
		e.Timestamp = fromMillis(ts)
		out = append(out, e)
	}
	return out, rows.Err()
}
