//go:build !windows

package process

import (
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteToMissingProcess(t *testing.T) {
	m := NewManager()
	err := m.Write("ghost", []byte("x"))
	assert.ErrorIs(t, err, ErrNoProcess)
	err = m.Resize("ghost", 80, 24)
	assert.ErrorIs(t, err, ErrNoProcess)
	err = m.Kill("ghost", false)
	assert.ErrorIs(t, err, ErrNoProcess)
}

func TestSpawnWriteExit(t *testing.T) {
	m := NewManager()

	var mu sync.Mutex
	var output strings.Builder
	exited := make(chan int, 1)

	m.OnOutput(func(sessionID string, data []byte) {
		mu.Lock()
		output.Write(data)
		mu.Unlock()
	})
	m.OnExit(func(sessionID string, exitCode int, signal string) {
		exited <- exitCode
	})

	info, err := m.Spawn("s1", SpawnOptions{Shell: "/bin/sh", Cols: 80, Rows: 24})
	require.NoError(t, err)
	assert.Greater(t, info.PID, 0)
	assert.True(t, m.Has("s1"))

	// Double spawn for the same session is refused.
	_, err = m.Spawn("s1", SpawnOptions{Shell: "/bin/sh"})
	assert.ErrorIs(t, err, ErrAlreadyRunning)

	require.NoError(t, m.Write("s1", []byte("echo mconnect-$((40+2))\n")))

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		seen := strings.Contains(output.String(), "mconnect-42")
		mu.Unlock()
		if seen {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	mu.Lock()
	assert.Contains(t, output.String(), "mconnect-42")
	mu.Unlock()

	require.NoError(t, m.Write("s1", []byte("exit\n")))
	select {
	case <-exited:
	case <-time.After(5 * time.Second):
		t.Fatal("child did not exit")
	}

	// The record is gone once the exit event has fired.
	deadline = time.Now().Add(2 * time.Second)
	for m.Has("s1") && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	assert.False(t, m.Has("s1"))
	assert.ErrorIs(t, m.Write("s1", []byte("x")), ErrNoProcess)
}

func TestKillForce(t *testing.T) {
	m := NewManager()
	exited := make(chan struct{})
	m.OnExit(func(string, int, string) { close(exited) })

	_, err := m.Spawn("s1", SpawnOptions{Shell: "/bin/sh"})
	require.NoError(t, err)

	require.NoError(t, m.Kill("s1", true))
	select {
	case <-exited:
	case <-time.After(5 * time.Second):
		t.Fatal("force kill did not reap the child")
	}
}

func TestResize(t *testing.T) {
	m := NewManager()
	_, err := m.Spawn("s1", SpawnOptions{Shell: "/bin/sh"})
	require.NoError(t, err)
	defer m.Kill("s1", true)

	require.NoError(t, m.Resize("s1", 120, 40))
	info, ok := m.GetInfo("s1")
	require.True(t, ok)
	assert.Equal(t, uint16(120), info.Cols)
	assert.Equal(t, uint16(40), info.Rows)
}

func TestSpawnFailureReported(t *testing.T) {
	m := NewManager()
	_, err := m.Spawn("s1", SpawnOptions{Shell: "/does/not/exist"})
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrAlreadyRunning))
	assert.False(t, m.Has("s1"))
}
