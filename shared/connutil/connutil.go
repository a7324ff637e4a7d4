// Package connutil tunes TCP sockets used by the client: the server
// connection and the connections to local services.
package connutil

import (
	"net"
	"time"
)

// Options selects the socket tuning applied by Tune.
type Options struct {
	KeepAlive   time.Duration
	UserTimeout time.Duration
	NoDelay     bool
	QuickACK    bool
}

// ServerOptions is the tuning for the long-lived server connection. Dead
// peers are detected well before the heartbeat timeout.
func ServerOptions() Options {
	return Options{
		KeepAlive:   15 * time.Second,
		UserTimeout: 30 * time.Second,
		NoDelay:     true,
	}
}

// BackendOptions is the tuning for connections to local services.
func BackendOptions() Options {
	return Options{
		KeepAlive: 30 * time.Second,
		NoDelay:   true,
		QuickACK:  true,
	}
}

// Tune applies opts to conn when it is, or wraps, a *net.TCPConn. Other
// connections are left alone. Errors are ignored; tuning is best effort.
func Tune(conn net.Conn, opts Options) {
	tc := UnwrapTCPConn(conn)
	if tc == nil {
		return
	}
	if opts.KeepAlive > 0 {
		_ = tc.SetKeepAlive(true)
		_ = tc.SetKeepAlivePeriod(opts.KeepAlive)
	}
	_ = tc.SetNoDelay(opts.NoDelay)
	if opts.UserTimeout > 0 {
		setTCPUserTimeout(tc, opts.UserTimeout)
	}
	if opts.QuickACK {
		setTCPQuickACK(tc, true)
	}
}

// UnwrapTCPConn extracts the underlying *net.TCPConn from a connection.
func UnwrapTCPConn(conn net.Conn) *net.TCPConn {
	if conn == nil {
		return nil
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		return tc
	}
	if nc, ok := conn.(interface{ NetConn() net.Conn }); ok {
		return UnwrapTCPConn(nc.NetConn())
	}
	return nil
}
