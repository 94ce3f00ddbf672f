package cli

import (
	"fmt"
	"os"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cobra"

	"github.com/lecoder-ai/mconnect/src/ipc"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Manage terminal sessions",
}

var listJSON bool

var sessionListCmd = &cobra.Command{
	Use:   "list",
	Short: "List sessions",
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := ipcClient(loadConfig()).Request(ipc.Request{Action: ipc.ActionSessionList})
		if err != nil {
			return err
		}
		if resp.Error != "" {
			return fmt.Errorf("%s", resp.Error)
		}
		if listJSON {
			return printJSON(resp.Sessions)
		}
		if len(resp.Sessions) == 0 {
			fmt.Println("No sessions")
			return nil
		}
		fmt.Printf("%-36s  %-10s  %-8s  %-20s  %s\n", "ID", "STATE", "CLIENTS", "LAST ACTIVITY", "DIRECTORY")
		for _, s := range resp.Sessions {
			fmt.Printf("%-36s  %-10s  %-8d  %-20s  %s\n",
				s.ID, s.State, s.ClientCount,
				s.LastActivity.Format("2006-01-02 15:04:05"), s.WorkingDirectory)
		}
		return nil
	},
}

var (
	createDir    string
	createAgents string
)

var sessionCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a session and print its pairing code",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		dir := createDir
		if dir == "" {
			wd, err := os.Getwd()
			if err != nil {
				return err
			}
			dir = wd
		}
		resp, err := ipcClient(cfg).Request(ipc.Request{
			Action:           ipc.ActionSessionCreate,
			WorkingDirectory: dir,
			AgentConfig:      createAgents,
		})
		if err != nil {
			return err
		}
		if !resp.OK {
			return fmt.Errorf("%s", resp.Error)
		}
		fmt.Printf("Session created: %s\n", resp.ID)
		if resp.Error != "" {
			fmt.Fprintf(os.Stderr, "\x1b[33mWarning: %s\x1b[0m\n", resp.Error)
		}
		if resp.PairingCode != "" {
			fmt.Printf("Pairing code:    %s  (valid 5 minutes, single use)\n", resp.PairingCode)
			fmt.Printf("Pair at:         http://localhost:%d/\n", cfg.Port)
		}
		return nil
	},
}

var killForce bool

var sessionKillCmd = &cobra.Command{
	Use:   "kill <session-id>",
	Short: "Terminate a session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := ipcClient(loadConfig()).Request(ipc.Request{
			Action:    ipc.ActionSessionKill,
			SessionID: args[0],
			Force:     killForce,
		})
		if err != nil {
			return err
		}
		if !resp.OK {
			return fmt.Errorf("%s", resp.Error)
		}
		fmt.Printf("Session %s terminated\n", args[0])
		return nil
	},
}

var (
	exportOutput       string
	exportWithInputLog bool
)

var sessionExportCmd = &cobra.Command{
	Use:   "export <session-id>",
	Short: "Export a session's scrollback",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := ipcClient(loadConfig()).Request(ipc.Request{
			Action:       ipc.ActionSessionExport,
			SessionID:    args[0],
			WithInputLog: exportWithInputLog,
		})
		if err != nil {
			return err
		}
		if !resp.OK {
			return fmt.Errorf("%s", resp.Error)
		}

		var sb strings.Builder
		for _, line := range resp.Lines {
			sb.WriteString(line)
			sb.WriteByte('\n')
		}
		if exportWithInputLog && len(resp.InputLog) > 0 {
			sb.WriteString("\n--- input log ---\n")
			for _, e := range resp.InputLog {
				verdict := "accepted"
				if !e.Accepted {
					verdict = "rejected (" + e.RejectReason + ")"
				}
				fmt.Fprintf(&sb, "%s %s %s %q\n",
					e.Timestamp.Format(time.RFC3339), e.ClientID, verdict, e.Input)
			}
		}

		if exportOutput == "" {
			fmt.Print(sb.String())
			return nil
		}
		if err := os.WriteFile(exportOutput, []byte(sb.String()), 0o600); err != nil {
			return err
		}
		fmt.Printf("Exported %d lines to %s\n", len(resp.Lines), exportOutput)
		return nil
	},
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

func init() {
	sessionListCmd.Flags().BoolVar(&listJSON, "json", false, "machine-readable output")
	sessionCreateCmd.Flags().StringVar(&createDir, "dir", "", "working directory (default: current)")
	sessionCreateCmd.Flags().StringVar(&createAgents, "agents", "", "agent configuration preset")
	sessionKillCmd.Flags().BoolVar(&killForce, "force", false, "kill the PTY child immediately")
	sessionExportCmd.Flags().StringVarP(&exportOutput, "output", "o", "", "write to file instead of stdout")
	sessionExportCmd.Flags().BoolVar(&exportWithInputLog, "with-input-log", false, "append the audited input log")

	sessionCmd.AddCommand(sessionListCmd)
	sessionCmd.AddCommand(sessionCreateCmd)
	sessionCmd.AddCommand(sessionKillCmd)
	sessionCmd.AddCommand(sessionExportCmd)
	sessionCmd.AddCommand(sessionAttachCmd)
}
