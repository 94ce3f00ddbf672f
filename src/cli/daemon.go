package cli

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/lecoder-ai/mconnect/src/daemon"
	"github.com/lecoder-ai/mconnect/src/guardrails"
	"github.com/lecoder-ai/mconnect/src/ipc"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Manage the MConnect daemon",
}

var (
	startForeground bool
	startPort       int
	startIPCPath    string
)

var daemonStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		if startPort != 0 {
			cfg.Port = startPort
		}
		if startIPCPath != "" {
			cfg.IPCPath = startIPCPath
		}

		if startForeground || os.Getenv("MCONNECT_DAEMON") == "1" {
			daemon.SetupLogging(cfg, startForeground && os.Getenv("MCONNECT_DAEMON") != "1")
			d, err := daemon.New(cfg, guardrails.AllowAll{})
			if err != nil {
				return err
			}
			return d.Run()
		}

		var extra []string
		if startPort != 0 {
			extra = append(extra, "--port", fmt.Sprint(startPort))
		}
		if startIPCPath != "" {
			extra = append(extra, "--ipc-path", startIPCPath)
		}
		pid, err := daemon.Spawn(cfg, extra)
		if err != nil {
			return err
		}
		fmt.Printf("Daemon started (pid %d) on port %d\n", pid, cfg.Port)
		return nil
	},
}

var (
	stopForce   bool
	stopTimeout int
)

var daemonStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()

		// Ask politely over IPC first so the daemon drains cleanly.
		if _, err := ipcClient(cfg).Request(ipc.Request{Action: ipc.ActionShutdown}); err == nil {
			deadline := time.Now().Add(time.Duration(stopTimeout) * time.Millisecond)
			for time.Now().Before(deadline) {
				if _, running := daemon.IsRunning(cfg); !running {
					fmt.Println("Daemon stopped")
					return nil
				}
				time.Sleep(100 * time.Millisecond)
			}
		}

		err := daemon.Stop(cfg, time.Duration(stopTimeout)*time.Millisecond, stopForce)
		if errors.Is(err, daemon.ErrNotRunning) {
			fmt.Println("Daemon is not running")
			return nil
		}
		if err != nil {
			return err
		}
		fmt.Println("Daemon stopped")
		return nil
	},
}

var daemonRestartCmd = &cobra.Command{
	Use:   "restart",
	Short: "Restart the daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		if err := daemon.Stop(cfg, 10*time.Second, true); err != nil && !errors.Is(err, daemon.ErrNotRunning) {
			return err
		}
		pid, err := daemon.Spawn(cfg, nil)
		if err != nil {
			return err
		}
		fmt.Printf("Daemon restarted (pid %d)\n", pid)
		return nil
	},
}

var statusJSON bool

var daemonStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon health",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		resp, err := ipcClient(cfg).Request(ipc.Request{Action: ipc.ActionStatus})
		if err != nil {
			if statusJSON {
				fmt.Println(`{"running":false}`)
				return nil
			}
			fmt.Println("Daemon is not running")
			return nil
		}
		if resp.Status == nil {
			return fmt.Errorf("daemon returned no status: %s", resp.Error)
		}
		st := resp.Status
		if statusJSON {
			return printJSON(st)
		}
		fmt.Printf("Daemon running (pid %d, version %s)\n", st.PID, st.Version)
		fmt.Printf("  uptime:    %s\n", (time.Duration(st.UptimeSeconds) * time.Second).String())
		fmt.Printf("  port:      %d\n", st.Port)
		fmt.Printf("  ipc:       %s\n", st.IPCPath)
		fmt.Printf("  sessions:  %d active / %d total\n", st.ActiveSessions, st.TotalSessions)
		fmt.Printf("  clients:   %d connected\n", st.ConnectedClients)
		fmt.Printf("  memory:    %.1f MB\n", float64(st.MemoryBytes)/(1024*1024))
		return nil
	},
}

func init() {
	daemonStartCmd.Flags().BoolVar(&startForeground, "foreground", false, "run in the foreground")
	daemonStartCmd.Flags().IntVar(&startPort, "port", 0, "HTTP/WebSocket listen port")
	daemonStartCmd.Flags().StringVar(&startIPCPath, "ipc-path", "", "local control socket path")

	daemonStopCmd.Flags().BoolVar(&stopForce, "force", false, "kill if the daemon does not stop in time")
	daemonStopCmd.Flags().IntVar(&stopTimeout, "timeout", 10000, "milliseconds to wait for a clean stop")

	daemonStatusCmd.Flags().BoolVar(&statusJSON, "json", false, "machine-readable output")

	daemonCmd.AddCommand(daemonStartCmd)
	daemonCmd.AddCommand(daemonStopCmd)
	daemonCmd.AddCommand(daemonRestartCmd)
	daemonCmd.AddCommand(daemonStatusCmd)
	daemonCmd.AddCommand(daemonLogsCmd)
	daemonCmd.AddCommand(daemonInstallCmd)
	daemonCmd.AddCommand(daemonUninstallCmd)
}
