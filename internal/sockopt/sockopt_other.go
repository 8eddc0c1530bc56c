//go:build !linux

package sockopt

import "syscall"

// Control is a no-op on non-Linux platforms. The Linux build tunes
// SO_REUSEADDR, TCP_NODELAY, and keepalive on accepted listener sockets.
func Control(network, address string, c syscall.RawConn) error {
	return nil
}
