package daemon

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/lecoder-ai/mconnect/src/api"
	"github.com/lecoder-ai/mconnect/src/config"
	"github.com/lecoder-ai/mconnect/src/guardrails"
	"github.com/lecoder-ai/mconnect/src/hub"
	"github.com/lecoder-ai/mconnect/src/ipc"
	"github.com/lecoder-ai/mconnect/src/pairing"
	"github.com/lecoder-ai/mconnect/src/process"
	"github.com/lecoder-ai/mconnect/src/registry"
	"github.com/lecoder-ai/mconnect/src/session"
	"github.com/lecoder-ai/mconnect/src/store"
)

// Version is stamped by the build; the dev default is fine for tests.
var Version = "0.0.0-dev"

// shutdownGrace bounds the drain of sockets and PTY children on stop.
const shutdownGrace = 5 * time.Second

// cleanupInterval drives the completed-session and stale-client sweep.
const cleanupInterval = time.Hour

// Daemon is the composition root: it owns the store, the managers, the hub
// and both listeners, and ties their lifetimes to one run.
type Daemon struct {
	cfg       *config.Config
	st        *store.Store
	proc      *process.Manager
	reg       *registry.Registry
	codes     *pairing.Manager
	tokens    *pairing.TokenStore
	sessions  *session.Manager
	hub       *hub.Hub
	ipcServer *ipc.Server
	httpSrv   *http.Server

	startedAt time.Time
	stopOnce  sync.Once
	stopCh    chan struct{}
}

// New builds a daemon from configuration. Nothing is listening yet.
func New(cfg *config.Config, guard guardrails.Policy) (*Daemon, error) {
	if err := cfg.EnsureDataDir(); err != nil {
		return nil, fmt.Errorf("prepare data dir: %w", err)
	}
	st, err := store.Open(cfg.DatabasePath())
	if err != nil {
		return nil, err
	}

	d := &Daemon{
		cfg:    cfg,
		st:     st,
		proc:   process.NewManager(),
		reg:    registry.New(),
		codes:  pairing.NewManager(),
		tokens: pairing.NewTokenStore(),
		stopCh: make(chan struct{}),
	}
	d.sessions = session.NewManager(st, d.proc, session.Options{
		Shell:                 cfg.Shell,
		Cols:                  config.DefaultCols,
		Rows:                  config.DefaultRows,
		MemoryLines:           cfg.MemoryLines,
		MaxTotalLines:         cfg.MaxTotalLines,
		SpillBatchSize:        cfg.SpillBatchSize,
		MaxConcurrentSessions: cfg.MaxConcurrentSessions,
		CompletedRetention:    cfg.CleanupAfter,
		RespawnOnRestore:      cfg.RespawnOnRestore,
	})
	d.hub = hub.New(cfg, d.sessions, d.proc, d.reg, d.tokens, st, guard)

	d.ipcServer = ipc.NewServer(cfg.SocketPath(), d.sessions, d.proc, d.statusInfo, d.TriggerShutdown)
	d.ipcServer.SetPairFunc(d.pairSession)
	return d, nil
}

// pairSession mints the session's bearer token and a fresh pairing code.
func (d *Daemon) pairSession(sessionID string) (string, error) {
	token, err := d.tokens.Issue(sessionID)
	if err != nil {
		return "", err
	}
	return d.codes.CreateCode(sessionID, token)
}

func (d *Daemon) statusInfo() ipc.StatusInfo {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	total := 0
	if sessions, err := d.sessions.List(true); err == nil {
		total = len(sessions)
	}
	return ipc.StatusInfo{
		PID:              os.Getpid(),
		Version:          Version,
		UptimeSeconds:    int64(time.Since(d.startedAt).Seconds()),
		Port:             d.cfg.Port,
		IPCPath:          d.cfg.SocketPath(),
		ActiveSessions:   d.sessions.ActiveCount(),
		TotalSessions:    total,
		ConnectedClients: d.hub.ConnectedClients(),
		MemoryBytes:      mem.Alloc,
	}
}

// Run starts both listeners and blocks until a signal or an IPC shutdown
// request, then unwinds gracefully.
func (d *Daemon) Run() error {
	d.startedAt = time.Now()

	if err := WritePidFile(d.cfg.PidFilePath()); err != nil {
		return err
	}
	defer RemovePidFile(d.cfg.PidFilePath())

	if err := d.sessions.Initialize(); err != nil {
		logrus.Errorf("Session restore failed: %v", err)
	}

	if err := d.ipcServer.Start(); err != nil {
		return err
	}

	router := api.SetupRouter(d.hub, d.codes, d.tokens)
	d.httpSrv = &http.Server{
		Addr:    fmt.Sprintf(":%d", d.cfg.Port),
		Handler: router,
	}
	httpErr := make(chan error, 1)
	go func() {
		logrus.Infof("MConnect daemon listening on %s (pid %d)", d.httpSrv.Addr, os.Getpid())
		if err := d.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			httpErr <- err
		}
	}()

	go d.cleanupLoop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		logrus.Infof("Received %s, shutting down", sig)
	case <-d.stopCh:
		logrus.Info("Shutdown requested over IPC")
	case err := <-httpErr:
		logrus.Errorf("HTTP server failed: %v", err)
		d.shutdown()
		return err
	}
	d.shutdown()
	return nil
}

// TriggerShutdown requests a graceful stop; safe to call more than once.
func (d *Daemon) TriggerShutdown() {
	d.stopOnce.Do(func() { close(d.stopCh) })
}

// shutdown drains everything inside the grace period: listeners first, then
// clients, then children, then state.
func (d *Daemon) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()

	d.ipcServer.Close()
	if d.httpSrv != nil {
		if err := d.httpSrv.Shutdown(ctx); err != nil {
			logrus.Warnf("HTTP shutdown: %v", err)
		}
	}
	d.hub.Shutdown()
	d.proc.Shutdown(shutdownGrace)
	d.sessions.Shutdown()
	if err := d.st.Close(); err != nil {
		logrus.Warnf("Store close: %v", err)
	}
	if sock := d.cfg.SocketPath(); sock != "" && runtime.GOOS != "windows" {
		_ = os.Remove(sock)
	}
	logrus.Info("Shutdown complete")
}

// cleanupLoop sweeps completed sessions and stale clients hourly.
func (d *Daemon) cleanupLoop() {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if _, err := d.sessions.CleanupCompleted(); err != nil {
				logrus.Warnf("Cleanup sweep failed: %v", err)
			}
			if n, err := d.st.RemoveStaleClients(d.cfg.HeartbeatTimeout); err != nil {
				logrus.Warnf("Stale client sweep failed: %v", err)
			} else if n > 0 {
				logrus.Infof("Removed %d stale client records", n)
			}
		case <-d.stopCh:
			return
		}
	}
}
