package cli

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
)

var (
	logsLines  int
	logsFollow bool
)

var daemonLogsCmd = &cobra.Command{
	Use:   "logs",
	Short: "Show daemon logs",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		path := cfg.LogFilePath()

		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("no daemon log at %s", path)
		}
		defer f.Close()

		offset, err := printTail(f, logsLines)
		if err != nil {
			return err
		}
		if !logsFollow {
			return nil
		}
		return followLog(f, path, offset)
	},
}

func init() {
	daemonLogsCmd.Flags().IntVar(&logsLines, "lines", 50, "number of trailing lines to print")
	daemonLogsCmd.Flags().BoolVar(&logsFollow, "follow", false, "keep printing as the log grows")
}

// printTail prints the last n lines and returns the end-of-file offset.
func printTail(f *os.File, n int) (int64, error) {
	data, err := io.ReadAll(f)
	if err != nil {
		return 0, err
	}
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	for _, line := range lines {
		if line != "" {
			fmt.Println(line)
		}
	}
	return int64(len(data)), nil
}

// followLog watches the log file and streams appended bytes, re-opening when
// rotation swaps the file out underneath us.
func followLog(f *os.File, path string, offset int64) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()
	if err := watcher.Add(path); err != nil {
		return err
	}

	for event := range watcher.Events {
		switch {
		case event.Op&fsnotify.Write != 0:
			if _, err := f.Seek(offset, io.SeekStart); err != nil {
				return err
			}
			n, err := io.Copy(os.Stdout, f)
			if err != nil {
				return err
			}
			offset += n
		case event.Op&(fsnotify.Rename|fsnotify.Remove|fsnotify.Create) != 0:
			// Rotation: the current file moved aside; reattach to the new one.
			f.Close()
			nf, err := os.Open(path)
			if err != nil {
				continue
			}
			f = nf
			offset = 0
			_ = watcher.Add(path)
		}
	}
	return nil
}
