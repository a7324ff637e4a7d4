//go:build linux

package connutil

import (
	"net"
	"time"

	"golang.org/x/sys/unix"
)

// setTCPUserTimeout sets TCP_USER_TIMEOUT: the kernel aborts the connection
// when sent data stays unacknowledged for d.
func setTCPUserTimeout(tc *net.TCPConn, d time.Duration) {
	raw, err := tc.SyscallConn()
	if err != nil {
		return
	}
	ms := int(d.Milliseconds())
	if ms <= 0 {
		ms = 15000
	}
	_ = raw.Control(func(fd uintptr) {
		_ = unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_USER_TIMEOUT, ms)
	})
}

func setTCPQuickACK(tc *net.TCPConn, on bool) {
	raw, err := tc.SyscallConn()
	if err != nil {
		return
	}
	v := 0
	if on {
		v = 1
	}
	_ = raw.Control(func(fd uintptr) {
		_ = unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_QUICKACK, v)
	})
}

// UserTimeout reads back TCP_USER_TIMEOUT, mainly for tests.
func UserTimeout(conn net.Conn) (time.Duration, error) {
	tc := UnwrapTCPConn(conn)
	if tc == nil {
		return 0, ErrNotTCP
	}
	raw, err := tc.SyscallConn()
	if err != nil {
		return 0, err
	}
	var ms int
	var getErr error
	if err := raw.Control(func(fd uintptr) {
		ms, getErr = unix.GetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_USER_TIMEOUT)
	}); err != nil {
		return 0, err
	}
	if getErr != nil {
		return 0, getErr
	}
	return time.Duration(ms) * time.Millisecond, nil
}
