//go:build windows

package cli

import (
	"time"

	"github.com/lecoder-ai/mconnect/src/ipc"
)

// watchResize polls the console size; Windows has no SIGWINCH.
func watchResize(conn *ipc.AttachConn, fd int) func() {
	stop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				sendSize(conn, fd)
			case <-stop:
				return
			}
		}
	}()
	return func() { close(stop) }
}
