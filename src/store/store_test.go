package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "sessions.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSessionCRUD(t *testing.T) {
	s := openTestStore(t)

	sess, err := s.CreateSession("s1", StateRunning, `{"preset":"default"}`, "/tmp")
	require.NoError(t, err)
	assert.Equal(t, "s1", sess.ID)
	assert.False(t, sess.CreatedAt.After(sess.LastActivity))

	got, err := s.GetSession("s1")
	require.NoError(t, err)
	assert.Equal(t, StateRunning, got.State)
	assert.Equal(t, "/tmp", got.WorkingDirectory)

	_, err = s.GetSession("nope")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.UpdateSessionState("s1", StatePaused))
	got, err = s.GetSession("s1")
	require.NoError(t, err)
	assert.Equal(t, StatePaused, got.State)
	assert.True(t, got.LastActivity.After(sess.LastActivity) || got.LastActivity.Equal(sess.LastActivity))

	assert.Error(t, s.UpdateSessionState("s1", SessionState("bogus")))
	assert.ErrorIs(t, s.UpdateSessionState("nope", StateRunning), ErrNotFound)

	require.NoError(t, s.DeleteSession("s1"))
	assert.ErrorIs(t, s.DeleteSession("s1"), ErrNotFound)
}

func TestGetSessionsByStateAndListing(t *testing.T) {
	s := openTestStore(t)
	for _, tc := range []struct {
		id    string
		state SessionState
	}{
		{"r1", StateRunning}, {"r2", StateRunning}, {"p1", StatePaused}, {"c1", StateCompleted},
	} {
		_, err := s.CreateSession(tc.id, tc.state, "", "/")
		require.NoError(t, err)
	}

	running, err := s.GetSessionsByState(StateRunning)
	require.NoError(t, err)
	assert.Len(t, running, 2)

	all, err := s.GetAllSessions(true)
	require.NoError(t, err)
	assert.Len(t, all, 4)

	live, err := s.GetAllSessions(false)
	require.NoError(t, err)
	assert.Len(t, live, 3)
}

func TestScrollbackAppendAndRead(t *testing.T) {
	s := openTestStore(t)
	_, err := s.CreateSession("s1", StateRunning, "", "/")
	require.NoError(t, err)

	for i, content := range []string{"hello", "world", "third"} {
		n, err := s.AppendScrollback("s1", content)
		require.NoError(t, err)
		assert.Equal(t, int64(i), n)
	}

	count, err := s.GetScrollbackLineCount("s1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)

	lines, err := s.GetScrollback("s1", 1, 10)
	require.NoError(t, err)
	require.Len(t, lines, 2)
	assert.Equal(t, "world", lines[0].Content)
	assert.Equal(t, int64(1), lines[0].LineNumber)

	latest, err := s.GetLatestScrollback("s1", 2)
	require.NoError(t, err)
	require.Len(t, latest, 2)
	// Ascending line order even for the "latest" query.
	assert.Equal(t, "world", latest[0].Content)
	assert.Equal(t, "third", latest[1].Content)
}

func TestScrollbackBatchAndTrim(t *testing.T) {
	s := openTestStore(t)
	_, err := s.CreateSession("s1", StateRunning, "", "/")
	require.NoError(t, err)

	batch := []string{"l0", "l1", "l2", "l3", "l4"}
	require.NoError(t, s.AppendScrollbackBatch("s1", 0, batch))

	require.NoError(t, s.TrimScrollback("s1", 2))
	count, err := s.GetScrollbackLineCount("s1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)

	first, next, err := s.GetScrollbackBounds("s1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), first)
	assert.Equal(t, int64(5), next)

	// Line numbers keep counting from where the batch left off.
	n, err := s.AppendScrollback("s1", "l5")
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)
}

func TestCascadeDelete(t *testing.T) {
	s := openTestStore(t)
	_, err := s.CreateSession("s1", StateRunning, "", "/")
	require.NoError(t, err)

	_, err = s.AppendScrollback("s1", "line")
	require.NoError(t, err)
	now := time.Now()
	require.NoError(t, s.AddClient(&Client{
		ID: "c1", SessionID: "s1", ClientType: ClientPC, Priority: PriorityHigh,
		ConnectedAt: now, LastHeartbeat: now,
	}))
	require.NoError(t, s.LogInput("s1", "c1", "ls\n", true, ""))

	require.NoError(t, s.DeleteSession("s1"))

	count, err := s.GetScrollbackLineCount("s1")
	require.NoError(t, err)
	assert.Zero(t, count)
	_, err = s.GetClient("c1")
	assert.ErrorIs(t, err, ErrNotFound)
	entries, err := s.GetInputLog("s1", 10)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestDeleteCompletedSessions(t *testing.T) {
	s := openTestStore(t)
	_, err := s.CreateSession("old", StateCompleted, "", "/")
	require.NoError(t, err)
	_, err = s.CreateSession("fresh", StateCompleted, "", "/")
	require.NoError(t, err)
	_, err = s.CreateSession("live", StateRunning, "", "/")
	require.NoError(t, err)

	// Backdate the old session past the retention threshold.
	_, err = s.db.Exec(`UPDATE sessions SET last_activity = ? WHERE id = 'old'`,
		toMillis(time.Now().Add(-48*time.Hour)))
	require.NoError(t, err)

	n, err := s.DeleteCompletedSessions(24 * time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = s.GetSession("old")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.GetSession("fresh")
	assert.NoError(t, err)
	_, err = s.GetSession("live")
	assert.NoError(t, err)
}

func TestClients(t *testing.T) {
	s := openTestStore(t)
	_, err := s.CreateSession("s1", StateRunning, "", "/")
	require.NoError(t, err)

	now := time.Now()
	require.NoError(t, s.AddClient(&Client{
		ID: "c1", SessionID: "s1", ClientType: ClientMobile, Priority: PriorityNormal,
		ConnectedAt: now, LastHeartbeat: now, UserAgent: "test-agent",
	}))

	c, err := s.GetClient("c1")
	require.NoError(t, err)
	assert.Equal(t, ClientMobile, c.ClientType)
	assert.Equal(t, "test-agent", c.UserAgent)

	require.NoError(t, s.UpdateClientPriority("c1", PriorityExclusive))
	c, err = s.GetClient("c1")
	require.NoError(t, err)
	assert.Equal(t, PriorityExclusive, c.Priority)

	bySession, err := s.GetClientsBySession("s1")
	require.NoError(t, err)
	assert.Len(t, bySession, 1)

	// Stale eviction: backdate the heartbeat far enough.
	_, err = s.db.Exec(`UPDATE connected_clients SET last_heartbeat = ? WHERE id = 'c1'`,
		toMillis(time.Now().Add(-5*time.Minute)))
	require.NoError(t, err)
	n, err := s.RemoveStaleClients(90 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = s.GetClient("c1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestInputLog(t *testing.T) {
	s := openTestStore(t)
	_, err := s.CreateSession("s1", StateRunning, "", "/")
	require.NoError(t, err)

	require.NoError(t, s.LogInput("s1", "c1", "ls\n", true, ""))
	require.NoError(t, s.LogInput("s1", "c2", "rm\n", false, "pc_typing"))

	entries, err := s.GetInputLog("s1", 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.True(t, entries[0].Accepted)
	assert.False(t, entries[1].Accepted)
	assert.Equal(t, "pc_typing", entries[1].RejectReason)

	limited, err := s.GetInputLog("s1", 1)
	require.NoError(t, err)
	require.Len(t, limited, 1)
	// Most recent entry survives the limit.
	assert.Equal(t, "c2", limited[0].ClientID)
}
