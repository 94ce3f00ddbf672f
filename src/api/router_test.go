package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lecoder-ai/mconnect/src/config"
	"github.com/lecoder-ai/mconnect/src/hub"
	"github.com/lecoder-ai/mconnect/src/pairing"
	"github.com/lecoder-ai/mconnect/src/process"
	"github.com/lecoder-ai/mconnect/src/registry"
	"github.com/lecoder-ai/mconnect/src/session"
	"github.com/lecoder-ai/mconnect/src/store"
)

type apiFixture struct {
	router *gin.Engine
	codes  *pairing.Manager
	tokens *pairing.TokenStore
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	st, err := store.Open(filepath.Join(t.TempDir(), "sessions.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	cfg := config.Default()
	proc := process.NewManager()
	sessions := session.NewManager(st, proc, session.Options{
		Shell: "/bin/sh", MemoryLines: 10, MaxTotalLines: 100, SpillBatchSize: 5,
		CompletedRetention: 24 * time.Hour,
	})
	codes := pairing.NewManager()
	tokens := pairing.NewTokenStore()
	h := hub.New(cfg, sessions, proc, registry.New(), tokens, st, nil)

	return &apiFixture{router: SetupRouter(h, codes, tokens), codes: codes, tokens: tokens}
}

func TestPairRoundTrip(t *testing.T) {
	f := newAPIFixture(t)
	tok, err := f.tokens.Issue("s1")
	require.NoError(t, err)
	code, err := f.codes.CreateCode("s1", tok)
	require.NoError(t, err)

	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/pair?code="+code, nil))
	require.Equal(t, http.StatusOK, w.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, tok, body["token"])
	assert.Equal(t, "s1", body["sessionId"])

	// The code is single use: an immediate replay is refused.
	w = httptest.NewRecorder()
	f.router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/pair?code="+code, nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "Invalid code")
}

func TestPairMissingCode(t *testing.T) {
	f := newAPIFixture(t)
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/pair", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestPairLowercaseAccepted(t *testing.T) {
	f := newAPIFixture(t)
	code, err := f.codes.CreateCode("s1", "tok")
	require.NoError(t, err)

	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/pair?code="+strings.ToLower(code), nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestCORSPreflight(t *testing.T) {
	f := newAPIFixture(t)
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, httptest.NewRequest(http.MethodOptions, "/api/pair", nil))
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestRootServesPairingPageWithoutToken(t *testing.T) {
	f := newAPIFixture(t)
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "pairing code")
}

func TestRootServesTerminalWithToken(t *testing.T) {
	f := newAPIFixture(t)
	tok, err := f.tokens.Issue("s1")
	require.NoError(t, err)

	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/?token="+tok, nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "xterm")
}

func TestRedactSecrets(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"/api/pair?code=ABC234", "/api/pair?code=%5BREDACTED%5D"},
		{"/?token=deadbeef", "/?token=%5BREDACTED%5D"},
		{"/plain/path", "/plain/path"},
		{"/?other=1", "/?other=1"},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, redactSecrets(tc.in), "input %q", tc.in)
	}
}
