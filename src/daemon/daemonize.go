package daemon

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/lecoder-ai/mconnect/src/config"
)

// ErrNotRunning is returned by Stop when no live daemon is found.
var ErrNotRunning = errors.New("daemon is not running")

// WritePidFile atomically records the current pid.
func WritePidFile(path string) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(strconv.Itoa(os.Getpid())), 0o600); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	return nil
}

// ReadPidFile returns the recorded pid, or 0 when absent or malformed.
func ReadPidFile(path string) int {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0
	}
	return pid
}

// RemovePidFile deletes the pid file.
func RemovePidFile(path string) {
	_ = os.Remove(path)
}

// IsRunning probes the pid file; a stale file (dead pid) is cleaned up.
func IsRunning(cfg *config.Config) (int, bool) {
	pid := ReadPidFile(cfg.PidFilePath())
	if pid == 0 {
		return 0, false
	}
	if !processAlive(pid) {
		logrus.Debugf("Removing stale pid file for pid %d", pid)
		RemovePidFile(cfg.PidFilePath())
		return 0, false
	}
	return pid, true
}

// Spawn detaches a daemon child: the current executable re-runs itself in
// foreground mode with MCONNECT_DAEMON=1, its streams pointed at the log
// file. Returns the child pid once the pid file appears.
func Spawn(cfg *config.Config, extraArgs []string) (int, error) {
	if pid, running := IsRunning(cfg); running {
		return pid, fmt.Errorf("daemon already running (pid %d)", pid)
	}
	if err := cfg.EnsureDataDir(); err != nil {
		return 0, err
	}

	exe, err := os.Executable()
	if err != nil {
		return 0, fmt.Errorf("resolve executable: %w", err)
	}
	logFile, err := os.OpenFile(cfg.LogFilePath(), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return 0, fmt.Errorf("open log file: %w", err)
	}
	defer logFile.Close()

	args := append([]string{"daemon", "start", "--foreground"}, extraArgs...)
	cmd := exec.Command(exe, args...)
	cmd.Env = append(os.Environ(), "MCONNECT_DAEMON=1", "MCONNECT_HOME="+cfg.DataDir)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.Dir = filepath.Dir(cfg.DataDir)
	detachSysProcAttr(cmd)

	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("start daemon: %w", err)
	}
	pid := cmd.Process.Pid
	// Detach: the child is reparented, not reaped here.
	_ = cmd.Process.Release()

	// Wait for the child to come up and claim the pid file.
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if got, running := IsRunning(cfg); running {
			return got, nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	return pid, fmt.Errorf("daemon did not report healthy within 5s; check %s", cfg.LogFilePath())
}

// Stop signals the running daemon and waits up to timeout for it to exit.
// With force set, a kill follows a missed deadline.
func Stop(cfg *config.Config, timeout time.Duration, force bool) error {
	pid, running := IsRunning(cfg)
	if !running {
		return ErrNotRunning
	}
	if err := terminateProcess(pid); err != nil {
		return fmt.Errorf("signal daemon (pid %d): %w", pid, err)
	}

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if !processAlive(pid) {
			RemovePidFile(cfg.PidFilePath())
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	if force {
		if err := killProcess(pid); err != nil {
			return fmt.Errorf("kill daemon (pid %d): %w", pid, err)
		}
		RemovePidFile(cfg.PidFilePath())
		return nil
	}
	return fmt.Errorf("daemon (pid %d) did not stop within %v", pid, timeout)
}
