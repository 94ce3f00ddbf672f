package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/lecoder-ai/mconnect/src/config"
	"github.com/lecoder-ai/mconnect/src/daemon"
	"github.com/lecoder-ai/mconnect/src/ipc"
)

var rootCmd = &cobra.Command{
	Use:           "mconnect",
	Short:         "Attach to terminal sessions from your phone",
	Long:          "MConnect runs a background daemon that shares interactive terminal sessions with paired remote clients.",
	Version:       daemon.Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(daemonCmd)
	rootCmd.AddCommand(sessionCmd)
	rootCmd.AddCommand(doctorCmd)
}

// Execute runs the CLI, printing a colored error line and exiting non-zero
// on failure.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		printError(err)
		os.Exit(1)
	}
}

func printError(err error) {
	fmt.Fprintf(os.Stderr, "\x1b[31mError: %v\x1b[0m\n", err)
}

func loadConfig() *config.Config {
	return config.Load()
}

func ipcClient(cfg *config.Config) *ipc.Client {
	return ipc.NewClient(cfg.SocketPath())
}
