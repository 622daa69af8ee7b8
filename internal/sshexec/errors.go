package sshexec

import (
	"errors"
	"fmt"
	"net"
)

// ErrInvalidCredentials is returned when a credential set has both or neither
// authentication method, or is otherwise unusable. It is always reported
// before any network I/O.
var ErrInvalidCredentials = errors.New("invalid credentials")

// ErrCommandTimeout is returned when a remote command exceeds its deadline.
// The remote session is torn down; the connection itself stays usable.
var ErrCommandTimeout = errors.New("remote command timed out")

// ConnectError reports a failed dial or SSH handshake.
type ConnectError struct {
	Addr string
	Err  error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect to %s: %v", e.Addr, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// Timeout reports whether the connect failed because the bounded handshake
// window elapsed.
func (e *ConnectError) Timeout() bool {
	var ne net.Error
	if errors.As(e.Err, &ne) && ne.Timeout() {
		return true
	}
	return errors.Is(e.Err, errHandshakeTimeout)
}

var errHandshakeTimeout = errors.New("handshake timed out")

// RemoteCommandError reports a command that ran but exited nonzero. Callers
// decide whether that is fatal.
type RemoteCommandError struct {
	Command  string
	ExitCode int
	Stderr   string
}

func (e *RemoteCommandError) Error() string {
	msg := fmt.Sprintf("remote command exited %d", e.ExitCode)
	if e.Stderr != "" {
		msg += ": " + lastLine(e.Stderr)
	}
	return msg
}

func lastLine(s string) string {
	end := len(s)
	for end > 0 && (s[end-1] == '\n' || s[end-1] == '\r') {
		end--
	}
	start := end
	for start > 0 && s[start-1] != '\n' {
		start--
	}
	return s[start:end]
}
