package process

import (
	"io"
	"os"
	"os/exec"
	"runtime"
	"sync"
	"syscall"

	"github.com/creack/pty"
)

// ptySession wraps a PTY child process: the master file, the command, and
// close bookkeeping.
type ptySession struct {
	ptmx    *os.File
	cmd     *exec.Cmd
	mu      sync.Mutex
	closed  bool
	usePgrp bool
}

// startPty launches the shell under a new PTY with the given size, working
// directory and environment overlay.
func startPty(shell, workingDir string, env map[string]string, cols, rows uint16) (*ptySession, error) {
	if shell == "" {
		shell = os.Getenv("SHELL")
		if shell == "" {
			shell = "/bin/sh"
		}
	}

	cmd := exec.Command(shell)
	if workingDir != "" {
		cmd.Dir = workingDir
	}

	// Overlay the daemon environment with per-session variables, keeping the
	// overlay's keys authoritative.
	overridden := make(map[string]bool, len(env))
	for k := range env {
		overridden[k] = true
	}
	finalEnv := make([]string, 0, len(os.Environ())+len(env)+1)
	for _, kv := range os.Environ() {
		for i := 0; i < len(kv); i++ {
			if kv[i] == '=' {
				if !overridden[kv[:i]] {
					finalEnv = append(finalEnv, kv)
				}
				break
			}
		}
	}
	for k, v := range env {
		finalEnv = append(finalEnv, k+"="+v)
	}
	finalEnv = append(finalEnv, "TERM=xterm-256color")
	cmd.Env = finalEnv

	// Process group on Linux so Close can take down shell descendants.
	// Setpgid can fail with EPERM in sandboxed macOS environments.
	usePgrp := runtime.GOOS == "linux"
	if usePgrp {
		cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	}

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: cols, Rows: rows})
	if err != nil {
		return nil, err
	}
	return &ptySession{ptmx: ptmx, cmd: cmd, usePgrp: usePgrp}, nil
}

func (p *ptySession) Read(buf []byte) (int, error) {
	return p.ptmx.Read(buf)
}

func (p *ptySession) Write(data []byte) (int, error) {
	return p.ptmx.Write(data)
}

func (p *ptySession) Resize(cols, rows uint16) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return io.ErrClosedPipe
	}
	return pty.Setsize(p.ptmx, &pty.Winsize{Cols: cols, Rows: rows})
}

// Signal delivers sig to the child (or its process group when one was set up).
func (p *ptySession) Signal(sig syscall.Signal) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || p.cmd.Process == nil {
		return nil
	}
	pid := p.cmd.Process.Pid
	if p.usePgrp {
		return syscall.Kill(-pid, sig)
	}
	return p.cmd.Process.Signal(sig)
}

// Close tears the session down: the PTY master is closed first to EOF any
// readers, then the child is killed.
func (p *ptySession) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	if p.ptmx != nil {
		_ = p.ptmx.Close()
	}
	if p.cmd != nil && p.cmd.Process != nil {
		pid := p.cmd.Process.Pid
		if p.usePgrp {
			_ = syscall.Kill(-pid, syscall.SIGKILL)
		} else {
			_ = p.cmd.Process.Kill()
		}
	}
	return nil
}
