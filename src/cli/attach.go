package cli

import (
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/lecoder-ai/mconnect/src/ipc"
)

// detachKey ends an attached session from the local keyboard (Ctrl-]).
const detachKey = 0x1d

var sessionAttachCmd = &cobra.Command{
	Use:   "attach <session-id>",
	Short: "Attach this terminal to a session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		conn, err := ipcClient(cfg).Attach(args[0], "cli-"+uuid.NewString()[:8])
		if err != nil {
			return err
		}
		defer conn.Close()

		stdinFd := int(os.Stdin.Fd())
		if !term.IsTerminal(stdinFd) {
			return fmt.Errorf("attach requires an interactive terminal")
		}
		oldState, err := term.MakeRaw(stdinFd)
		if err != nil {
			return fmt.Errorf("enter raw mode: %w", err)
		}
		defer term.Restore(stdinFd, oldState)

		fmt.Printf("Attached to %s. Detach with Ctrl-].\r\n", args[0])
		sendSize(conn, stdinFd)
		stopWinch := watchResize(conn, stdinFd)
		defer stopWinch()

		// PTY output -> local terminal.
		done := make(chan error, 1)
		go func() {
			for {
				frame, err := conn.Read()
				if err != nil {
					done <- err
					return
				}
				switch frame.Type {
				case ipc.StreamOutput:
					os.Stdout.WriteString(frame.Data)
				case ipc.StreamExit:
					done <- nil
					return
				}
			}
		}()

		// Local keystrokes -> PTY.
		go func() {
			buf := make([]byte, 1024)
			for {
				n, err := os.Stdin.Read(buf)
				if err != nil {
					done <- err
					return
				}
				for i := 0; i < n; i++ {
					if buf[i] == detachKey {
						done <- nil
						return
					}
				}
				if err := conn.Send(ipc.StreamFrame{Type: ipc.StreamTerminalInput, Data: string(buf[:n])}); err != nil {
					done <- err
					return
				}
			}
		}()

		<-done
		fmt.Print("\r\nDetached.\r\n")
		return nil
	},
}

func sendSize(conn *ipc.AttachConn, fd int) {
	cols, rows, err := term.GetSize(fd)
	if err != nil || cols <= 0 || rows <= 0 {
		return
	}
	_ = conn.Send(ipc.StreamFrame{Type: ipc.StreamResize, Cols: uint16(cols), Rows: uint16(rows)})
}
