// Package sshsession keeps the table of live SSH sessions: one-shot exec
// sessions driving provisioning, and interactive shells behind the browser
// terminal. It owns every connection's teardown.
package sshsession

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/crypto/ssh"
)

// Kind distinguishes command sessions from interactive shells.
type Kind string

const (
	KindExec  Kind = "exec"
	KindShell Kind = "shell"
)

var (
	// ErrSessionNotFound is returned for unknown or already closed sessions.
	ErrSessionNotFound = errors.New("session not found")
	// ErrAlreadyConnected is returned when a session for the same user, host
	// and kind exists or is being opened.
	ErrAlreadyConnected = errors.New("already connected")
	// ErrWrongKind is returned when an operation does not match the session kind.
	ErrWrongKind = errors.New("operation not supported for this session kind")
	// ErrSessionClosed is returned by an operation interrupted by Close or by
	// the remote host going away.
	ErrSessionClosed = errors.New("session closed")
	// ErrShellTimeout is returned when the remote does not start a PTY shell
	// within the shell connect timeout.
	ErrShellTimeout = errors.New("shell start timed out")
)

// Session is a live SSH connection registered under an opaque id.
type Session struct {
	ID        string
	UserID    string
	Host      string
	Username  string
	Kind      Kind
	CreatedAt time.Time

	client *ssh.Client
	key    sessionKey

	// execMu serializes Exec, ExecStream and Upload.
	execMu sync.Mutex

	lastActivity atomic.Int64

	mu    sync.Mutex
	shell *Shell
	// shellStarting reserves the PTY slot while startShell talks to the remote.
	shellStarting bool

	closeOnce sync.Once
	done      chan struct{}
}

type sessionKey struct {
	userID string
	host   string
	kind   Kind
}

// LastActivity returns the time of the most recent command or terminal I/O.
func (s *Session) LastActivity() time.Time {
	return time.Unix(0, s.lastActivity.Load())
}

// Done is closed once the session has been torn down.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

func (s *Session) touch() {
	s.lastActivity.Store(time.Now().UnixNano())
}

func (s *Session) closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// Info is a read-only snapshot of a session for listings.
type Info struct {
	ID           string    `json:"sessionId"`
	UserID       string    `json:"-"`
	Host         string    `json:"host"`
	Kind         Kind      `json:"kind"`
	CreatedAt    time.Time `json:"createdAt"`
	LastActivity time.Time `json:"lastActivity"`
}

func (s *Session) info() Info {
	return Info{
		ID:           s.ID,
		UserID:       s.UserID,
		Host:         s.Host,
		Kind:         s.Kind,
		CreatedAt:    s.CreatedAt,
		LastActivity: s.LastActivity(),
	}
}
