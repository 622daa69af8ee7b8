package sshsession

import (
	"fmt"
	"io"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
)

// Default PTY geometry when the client does not send one.
const (
	DefaultCols = 80
	DefaultRows = 24
)

// Shell is an interactive PTY on a shell session. Read returns remote output
// as it arrives and io.EOF once the remote shell exits.
type Shell struct {
	owner   *Session
	session *ssh.Session
	stdin   io.WriteCloser
	stdout  io.Reader

	closeOnce sync.Once
	exited    chan struct{}
}

type shellResult struct {
	sh  *Shell
	err error
}

// startShell opens a PTY shell, giving up after timeout or when the owner
// is torn down. An abandoned attempt closes its channel so the pending
// request returns and nothing stays attached to the transport.
func startShell(owner *Session, cols, rows int, timeout time.Duration) (*Shell, error) {
	if cols <= 0 {
		cols = DefaultCols
	}
	if rows <= 0 {
		rows = DefaultRows
	}

	created := make(chan *ssh.Session, 1)
	resc := make(chan shellResult, 1)
	go func() {
		sh, err := openShell(owner, cols, rows, created)
		resc <- shellResult{sh, err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var abandonErr error
	select {
	case r := <-resc:
		return r.sh, r.err
	case <-timer.C:
		abandonErr = fmt.Errorf("%w after %s", ErrShellTimeout, timeout)
	case <-owner.done:
		abandonErr = ErrSessionClosed
	}

	go func() {
		for {
			select {
			case session := <-created:
				session.Close()
			case r := <-resc:
				if r.sh != nil {
					r.sh.stdin.Close()
					r.sh.session.Close()
				}
				return
			}
		}
	}()
	return nil, abandonErr
}

func openShell(owner *Session, cols, rows int, created chan<- *ssh.Session) (*Shell, error) {
	session, err := owner.client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("create ssh session: %w", err)
	}
	created <- session

	modes := ssh.TerminalModes{
		ssh.ECHO:          1,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}
	if err := session.RequestPty("xterm-256color", rows, cols, modes); err != nil {
		session.Close()
		return nil, fmt.Errorf("request pty: %w", err)
	}

	stdin, err := session.StdinPipe()
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	if err := session.Shell(); err != nil {
		session.Close()
		return nil, fmt.Errorf("start shell: %w", err)
	}

	sh := &Shell{
		owner:   owner,
		session: session,
		stdin:   stdin,
		stdout:  stdout,
		exited:  make(chan struct{}),
	}
	go func() {
		session.Wait()
		close(sh.exited)
	}()
	return sh, nil
}

// Write sends input to the remote PTY verbatim.
func (sh *Shell) Write(p []byte) (int, error) {
	sh.owner.touch()
	return sh.stdin.Write(p)
}

// Read reads remote output.
func (sh *Shell) Read(p []byte) (int, error) {
	n, err := sh.stdout.Read(p)
	if n > 0 {
		sh.owner.touch()
	}
	return n, err
}

// Resize changes the PTY window size.
func (sh *Shell) Resize(cols, rows int) error {
	sh.owner.touch()
	return sh.session.WindowChange(rows, cols)
}

// Exited is closed when the remote shell process ends.
func (sh *Shell) Exited() <-chan struct{} {
	return sh.exited
}

// SessionID returns the id of the owning session.
func (sh *Shell) SessionID() string {
	return sh.owner.ID
}

// Close ends the PTY. The owning session stays registered until closed
// through the manager.
func (sh *Shell) Close() error {
	var err error
	sh.closeOnce.Do(func() {
		sh.stdin.Close()
		err = sh.session.Close()
		sh.owner.mu.Lock()
		if sh.owner.shell == sh {
			sh.owner.shell = nil
		}
		sh.owner.mu.Unlock()
	})
	if err == io.EOF {
		err = nil
	}
	return err
}
