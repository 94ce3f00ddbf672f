package cli

import (
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/lecoder-ai/mconnect/src/daemon"
	"github.com/lecoder-ai/mconnect/src/ipc"
	"github.com/lecoder-ai/mconnect/src/store"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check the environment for problems",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		failures := 0
		check := func(name string, err error) {
			if err != nil {
				failures++
				fmt.Printf("  \x1b[31mFAIL\x1b[0m  %-28s %v\n", name, err)
				return
			}
			fmt.Printf("  \x1b[32m ok \x1b[0m  %s\n", name)
		}

		fmt.Printf("MConnect doctor (data dir: %s)\n", cfg.DataDir)

		check("data directory writable", func() error {
			if err := cfg.EnsureDataDir(); err != nil {
				return err
			}
			probe := filepath.Join(cfg.DataDir, ".doctor-probe")
			if err := os.WriteFile(probe, []byte("ok"), 0o600); err != nil {
				return err
			}
			return os.Remove(probe)
		}())

		check("session store opens", func() error {
			st, err := store.Open(cfg.DatabasePath())
			if err != nil {
				return err
			}
			return st.Close()
		}())

		check("shell resolvable", func() error {
			_, err := exec.LookPath(cfg.Shell)
			return err
		}())

		check("socket path usable", func() error {
			// Unix sockets have a short path limit; surface it here rather
			// than at daemon start.
			if len(cfg.SocketPath()) > 100 {
				return fmt.Errorf("path too long (%d chars): %s", len(cfg.SocketPath()), cfg.SocketPath())
			}
			return nil
		}())

		if pid, running := daemon.IsRunning(cfg); running {
			check("daemon responding", func() error {
				_, err := ipcClient(cfg).Request(ipc.Request{Action: ipc.ActionStatus})
				if err != nil {
					return fmt.Errorf("pid %d alive but IPC unresponsive: %w", pid, err)
				}
				return nil
			}())
		} else {
			check("port available", func() error {
				ln, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", cfg.Port), 300*time.Millisecond)
				if err == nil {
					ln.Close()
					return fmt.Errorf("port %d is already in use", cfg.Port)
				}
				return nil
			}())
		}

		if failures > 0 {
			return fmt.Errorf("%d check(s) failed", failures)
		}
		fmt.Println("All checks passed")
		return nil
	},
}
