//go:build windows

package ipc

import (
	"net"
	"time"

	"github.com/Microsoft/go-winio"
)

// listenLocal binds a named pipe restricted to the owning user.
func listenLocal(path string) (net.Listener, error) {
	// Owner and SYSTEM only.
	sddl := "D:P(A;;GA;;;SY)(A;;GA;;;OW)"
	return winio.ListenPipe(path, &winio.PipeConfig{SecurityDescriptor: sddl})
}

// dialLocal connects to the daemon's named pipe.
func dialLocal(path string, timeout time.Duration) (net.Conn, error) {
	return winio.DialPipe(path, &timeout)
}
