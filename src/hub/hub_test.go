package hub

import (
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lecoder-ai/mconnect/src/config"
	"github.com/lecoder-ai/mconnect/src/pairing"
	"github.com/lecoder-ai/mconnect/src/process"
	"github.com/lecoder-ai/mconnect/src/registry"
	"github.com/lecoder-ai/mconnect/src/session"
	"github.com/lecoder-ai/mconnect/src/store"
)

type hubFixture struct {
	hub    *Hub
	st     *store.Store
	tokens *pairing.TokenStore
	srv    *httptest.Server
}

func newHubFixture(t *testing.T) *hubFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	st, err := store.Open(filepath.Join(t.TempDir(), "sessions.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	cfg := config.Default()
	cfg.PCIdleThreshold = 100 * time.Millisecond
	cfg.HeartbeatInterval = time.Hour // keep heartbeats out of the way

	proc := process.NewManager()
	sessions := session.NewManager(st, proc, session.Options{
		Shell: "/bin/sh", MemoryLines: 100, MaxTotalLines: 1000, SpillBatchSize: 10,
		CompletedRetention: 24 * time.Hour, CompletedGrace: time.Minute,
	})
	tokens := pairing.NewTokenStore()
	h := New(cfg, sessions, proc, registry.New(), tokens, st, nil)

	r := gin.New()
	r.GET("/ws", h.HandleWS)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	return &hubFixture{hub: h, st: st, tokens: tokens, srv: srv}
}

// seedSession inserts a running session with scrollback and a live view.
func (f *hubFixture) seedSession(t *testing.T, id string, lines ...string) string {
	t.Helper()
	_, err := f.st.CreateSession(id, store.StateRunning, "", "/")
	require.NoError(t, err)
	require.NoError(t, f.hub.sessions.Initialize())
	for _, line := range lines {
		f.hub.sessions.AppendOutput(id, []byte(line+"\n"))
	}
	tok, err := f.tokens.Issue(id)
	require.NoError(t, err)
	return tok
}

func (f *hubFixture) dial(t *testing.T, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/ws?" + query
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	return ws
}

// readUntil reads frames until one of the wanted type arrives.
func readUntil(t *testing.T, ws *websocket.Conn, msgType string) map[string]any {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		_, raw, err := ws.ReadMessage()
		require.NoError(t, err, "waiting for %s", msgType)
		var msg map[string]any
		require.NoError(t, json.Unmarshal(raw, &msg))
		if msg["type"] == msgType {
			return msg
		}
	}
}

func send(t *testing.T, ws *websocket.Conn, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, data))
}

func TestRejectsBadToken(t *testing.T) {
	f := newHubFixture(t)
	f.seedSession(t, "s1")

	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/ws?token=wrong"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestAuthHandshake(t *testing.T) {
	f := newHubFixture(t)
	tok := f.seedSession(t, "s1")

	ws := f.dial(t, "v=2.0&clientType=pc&token="+tok)

	auth := readUntil(t, ws, TypeAuthSuccess)
	assert.Equal(t, "2.0", auth["protocolVersion"])
	assert.Equal(t, "pc", auth["clientType"])
	assert.NotEmpty(t, auth["clientId"])

	list := readUntil(t, ws, TypeSessionList)
	sessions, ok := list["sessions"].([]any)
	require.True(t, ok)
	assert.Len(t, sessions, 1)
}

func TestAttachReplaysScrollbackThenStatus(t *testing.T) {
	f := newHubFixture(t)
	tok := f.seedSession(t, "s1", "hello", "world")

	ws := f.dial(t, "token="+tok)
	readUntil(t, ws, TypeSessionList)

	send(t, ws, map[string]any{"type": TypeSessionAttach, "sessionId": "s1"})

	sb := readUntil(t, ws, TypeScrollbackResponse)
	lines, ok := sb["lines"].([]any)
	require.True(t, ok)
	assert.Equal(t, []any{"hello", "world"}, lines)
	assert.EqualValues(t, 2, sb["totalLines"])

	st := readUntil(t, ws, TypeControlStatus)
	// A lone mobile client: no PC registered.
	assert.Equal(t, "pc_disconnected", st["state"])
}

func TestAttachUnknownSession(t *testing.T) {
	f := newHubFixture(t)
	tok := f.seedSession(t, "s1")

	ws := f.dial(t, "token="+tok)
	readUntil(t, ws, TypeSessionList)

	send(t, ws, map[string]any{"type": TypeSessionAttach, "sessionId": "ghost"})
	errMsg := readUntil(t, ws, TypeError)
	assert.Equal(t, CodeSessionNotFound, errMsg["code"])
}

func TestScrollbackRequestBounds(t *testing.T) {
	f := newHubFixture(t)
	tok := f.seedSession(t, "s1", "a", "b", "c")

	ws := f.dial(t, "token="+tok)
	readUntil(t, ws, TypeSessionList)
	send(t, ws, map[string]any{"type": TypeSessionAttach, "sessionId": "s1"})
	readUntil(t, ws, TypeControlStatus)

	// A huge count is clamped, not refused.
	send(t, ws, map[string]any{"type": TypeScrollbackRequest, "sessionId": "s1", "fromLine": 0, "count": 100000})
	sb := readUntil(t, ws, TypeScrollbackResponse)
	assert.EqualValues(t, 3, sb["totalLines"])
	assert.Len(t, sb["lines"].([]any), 3)

	// fromLine past the end returns an empty window.
	send(t, ws, map[string]any{"type": TypeScrollbackRequest, "sessionId": "s1", "fromLine": 50, "count": 10})
	sb = readUntil(t, ws, TypeScrollbackResponse)
	assert.Empty(t, sb["lines"])
	assert.EqualValues(t, 50, sb["fromLine"])
}

func TestInputWithoutAttach(t *testing.T) {
	f := newHubFixture(t)
	tok := f.seedSession(t, "s1")

	ws := f.dial(t, "token="+tok)
	readUntil(t, ws, TypeSessionList)

	send(t, ws, map[string]any{"type": TypeTerminalInput, "data": "x"})
	errMsg := readUntil(t, ws, TypeError)
	assert.Equal(t, CodeNotAttached, errMsg["code"])
}

func TestPingPongAndUnknownType(t *testing.T) {
	f := newHubFixture(t)
	tok := f.seedSession(t, "s1")

	ws := f.dial(t, "token="+tok)
	readUntil(t, ws, TypeSessionList)

	// Unknown types are ignored; the connection stays healthy.
	send(t, ws, map[string]any{"type": "wat", "payload": 42})
	send(t, ws, map[string]any{"type": TypePing})
	readUntil(t, ws, TypePong)
}

func TestTwoClientsShareOutputOrder(t *testing.T) {
	f := newHubFixture(t)
	tok := f.seedSession(t, "s1")

	wsA := f.dial(t, "token="+tok)
	readUntil(t, wsA, TypeSessionList)
	send(t, wsA, map[string]any{"type": TypeSessionAttach, "sessionId": "s1"})
	readUntil(t, wsA, TypeControlStatus)

	wsB := f.dial(t, "token="+tok)
	readUntil(t, wsB, TypeSessionList)
	send(t, wsB, map[string]any{"type": TypeSessionAttach, "sessionId": "s1"})
	readUntil(t, wsB, TypeControlStatus)

	// A sees B join.
	readUntil(t, wsA, TypeClientJoined)

	f.hub.sessions.AppendOutput("s1", []byte("one\n"))
	f.hub.sessions.AppendOutput("s1", []byte("two\n"))

	for _, ws := range []*websocket.Conn{wsA, wsB} {
		out := readUntil(t, ws, TypeTerminalOutput)
		assert.Equal(t, "one\n", out["data"])
		out = readUntil(t, ws, TypeTerminalOutput)
		assert.Equal(t, "two\n", out["data"])
	}
}

func TestControlRequestExclusiveFlow(t *testing.T) {
	f := newHubFixture(t)
	tok := f.seedSession(t, "s1")

	ws := f.dial(t, "clientType=mobile&token="+tok)
	readUntil(t, ws, TypeSessionList)
	send(t, ws, map[string]any{"type": TypeSessionAttach, "sessionId": "s1"})
	readUntil(t, ws, TypeControlStatus)

	// The status broadcast lands before the caller's response.
	send(t, ws, map[string]any{"type": TypeControlRequest, "action": "exclusive"})
	st := readUntil(t, ws, TypeControlStatus)
	assert.Equal(t, "mobile_exclusive", st["state"])
	resp := readUntil(t, ws, TypeControlResponse)
	require.Equal(t, true, resp["granted"])
	assert.NotZero(t, resp["expiresAt"])

	send(t, ws, map[string]any{"type": TypeControlRequest, "action": "release"})
	st = readUntil(t, ws, TypeControlStatus)
	assert.NotEqual(t, "mobile_exclusive", st["state"])
	resp = readUntil(t, ws, TypeControlResponse)
	assert.Equal(t, true, resp["granted"])
}

func TestHeartbeatEviction(t *testing.T) {
	f := newHubFixture(t)
	f.hub.cfg.HeartbeatInterval = 50 * time.Millisecond
	f.hub.cfg.HeartbeatTimeout = 120 * time.Millisecond
	tok := f.seedSession(t, "s1")

	// The silent client never acks and gets evicted with a normal closure.
	silent := f.dial(t, "token="+tok)
	readUntil(t, silent, TypeSessionList)
	send(t, silent, map[string]any{"type": TypeSessionAttach, "sessionId": "s1"})

	var closeReason string
	silent.SetCloseHandler(func(code int, text string) error {
		closeReason = text
		return nil
	})
	silent.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		if _, _, err := silent.ReadMessage(); err != nil {
			break
		}
	}
	assert.Equal(t, "Heartbeat timeout", closeReason)
}

func TestDetachStopsBroadcast(t *testing.T) {
	f := newHubFixture(t)
	tok := f.seedSession(t, "s1")

	ws := f.dial(t, "token="+tok)
	readUntil(t, ws, TypeSessionList)
	send(t, ws, map[string]any{"type": TypeSessionAttach, "sessionId": "s1"})
	readUntil(t, ws, TypeControlStatus)

	send(t, ws, map[string]any{"type": TypeSessionDetach})
	// Give the detach a moment to land before output flows.
	time.Sleep(50 * time.Millisecond)
	f.hub.sessions.AppendOutput("s1", []byte("after-detach\n"))

	send(t, ws, map[string]any{"type": TypePing})
	// The very next frame must be the pong: detach stopped the fan-out.
	ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, raw, err := ws.ReadMessage()
	require.NoError(t, err)
	var msg map[string]any
	require.NoError(t, json.Unmarshal(raw, &msg))
	assert.Equal(t, TypePong, msg["type"])
}
