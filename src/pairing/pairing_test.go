package pairing

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateCodeShape(t *testing.T) {
	m := NewManager()
	for i := 0; i < 50; i++ {
		code, err := m.CreateCode("s1", "tok")
		require.NoError(t, err)
		assert.Len(t, code, 6)
		for _, c := range code {
			assert.Contains(t, codeCharset, string(c), "code %q uses a confusable character", code)
		}
		assert.NotContains(t, code, "0")
		assert.NotContains(t, code, "O")
		assert.NotContains(t, code, "1")
		assert.NotContains(t, code, "I")
	}
}

func TestCodeSingleUse(t *testing.T) {
	m := NewManager()
	code, err := m.CreateCode("s1", "tok-1")
	require.NoError(t, err)

	res := m.Validate(code)
	require.True(t, res.Valid)
	assert.Equal(t, "tok-1", res.Token)
	assert.Equal(t, "s1", res.SessionID)

	// Immediately replaying the same code fails.
	res = m.Validate(code)
	require.False(t, res.Valid)
	assert.Equal(t, "Invalid code", res.Reason)
}

func TestCodeExpiry(t *testing.T) {
	m := NewManager()
	current := time.Now()
	m.now = func() time.Time { return current }

	code, err := m.CreateCode("s1", "tok")
	require.NoError(t, err)

	current = current.Add(CodeTTL + time.Second)
	res := m.Validate(code)
	require.False(t, res.Valid)
	assert.Equal(t, "code_expired", res.Reason)

	// Once reported expired the code is purged entirely.
	res = m.Validate(code)
	assert.Equal(t, "Invalid code", res.Reason)
}

func TestUnknownCode(t *testing.T) {
	m := NewManager()
	res := m.Validate("ZZZZZZ")
	require.False(t, res.Valid)
	assert.Equal(t, "Invalid code", res.Reason)
}

func TestRevokeSession(t *testing.T) {
	m := NewManager()
	code, err := m.CreateCode("s1", "tok")
	require.NoError(t, err)
	other, err := m.CreateCode("s2", "tok2")
	require.NoError(t, err)

	m.RevokeSession("s1")
	assert.False(t, m.Validate(code).Valid)
	assert.True(t, m.Validate(other).Valid)
}

func TestExpiredCodesSweptOnCreate(t *testing.T) {
	m := NewManager()
	current := time.Now()
	m.now = func() time.Time { return current }

	_, err := m.CreateCode("s1", "tok")
	require.NoError(t, err)
	current = current.Add(CodeTTL + time.Minute)
	_, err = m.CreateCode("s2", "tok2")
	require.NoError(t, err)

	m.mu.Lock()
	defer m.mu.Unlock()
	assert.Len(t, m.codes, 1)
}

func TestTokenIssueAndValidate(t *testing.T) {
	ts := NewTokenStore()
	tok, err := ts.Issue("s1")
	require.NoError(t, err)
	assert.Len(t, tok, 64) // 32 random bytes, hex encoded
	assert.Equal(t, strings.ToLower(tok), tok)

	// Issue is idempotent per session.
	again, err := ts.Issue("s1")
	require.NoError(t, err)
	assert.Equal(t, tok, again)

	sid, ok := ts.Validate(tok)
	require.True(t, ok)
	assert.Equal(t, "s1", sid)

	_, ok = ts.Validate("not-a-token")
	assert.False(t, ok)

	ts.Revoke("s1")
	_, ok = ts.Validate(tok)
	assert.False(t, ok)
}

func TestConnLimiter(t *testing.T) {
	l := NewConnLimiter(3, time.Minute)
	current := time.Now()
	l.now = func() time.Time { return current }

	for i := 0; i < 3; i++ {
		assert.True(t, l.Allow("1.2.3.4"))
	}
	assert.False(t, l.Allow("1.2.3.4"))
	// Other sources are unaffected.
	assert.True(t, l.Allow("5.6.7.8"))

	// The window rolls over.
	current = current.Add(61 * time.Second)
	assert.True(t, l.Allow("1.2.3.4"))
}
