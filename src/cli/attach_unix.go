//go:build !windows

package cli

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/lecoder-ai/mconnect/src/ipc"
)

// watchResize propagates terminal size changes to the attached PTY.
func watchResize(conn *ipc.AttachConn, fd int) func() {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGWINCH)
	go func() {
		for range ch {
			sendSize(conn, fd)
		}
	}()
	return func() {
		signal.Stop(ch)
		close(ch)
	}
}
