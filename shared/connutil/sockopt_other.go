//go:build !linux

package connutil

import (
	"net"
	"time"
)

func setTCPUserTimeout(_ *net.TCPConn, _ time.Duration) {}

func setTCPQuickACK(_ *net.TCPConn, _ bool) {}

// UserTimeout is not available outside Linux.
func UserTimeout(_ net.Conn) (time.Duration, error) {
	return 0, ErrNotSupported
}
