package connutil

import "errors"

var (
	// ErrNotTCP is returned when a connection does not wrap a *net.TCPConn.
	ErrNotTCP = errors.New("connutil: not a TCP connection")
	// ErrNotSupported is returned when a socket option is not available on
	// the current platform.
	ErrNotSupported = errors.New("connutil: not supported on this platform")
)
