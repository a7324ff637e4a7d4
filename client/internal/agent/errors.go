package agent

import (
	"errors"
	"fmt"
)

var (
	ErrHeartbeatTimeout = errors.New("agent: no pong within heartbeat timeout")
	ErrCircuitOpen      = errors.New("agent: backend circuit open")
	ErrNotLoggedIn      = errors.New("agent: control channel not logged in")
)

// LoginError means the server refused the login or answered without a run
// id. Retrying with the same configuration cannot succeed.
type LoginError struct {
	Reason string
	Err    error
}

func (e *LoginError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("login failed: %s: %v", e.Reason, e.Err)
	}
	return "login failed: " + e.Reason
}

func (e *LoginError) Unwrap() error { return e.Err }

// DialError means the server could not be reached.
type DialError struct {
	Addr string
	Err  error
}

func (e *DialError) Error() string {
	return fmt.Sprintf("connect to server %s: %v", e.Addr, e.Err)
}

func (e *DialError) Unwrap() error { return e.Err }

// SessionError ends one control session. The supervisor may reconnect.
type SessionError struct {
	Op  string
	Err error
}

func (e *SessionError) Error() string {
	return fmt.Sprintf("session: %s: %v", e.Op, e.Err)
}

func (e *SessionError) Unwrap() error { return e.Err }

// WorkConnError is scoped to a single work connection.
type WorkConnError struct {
	Step  string
	Proxy string
	Err   error
}

func (e *WorkConnError) Error() string {
	if e.Proxy == "" {
		return fmt.Sprintf("work conn %s: %v", e.Step, e.Err)
	}
	return fmt.Sprintf("work conn %s (proxy %s): %v", e.Step, e.Proxy, e.Err)
}

func (e *WorkConnError) Unwrap() error { return e.Err }
