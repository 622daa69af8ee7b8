// Package sshexec runs commands on a remote host over a single SSH
// connection opened from an in-memory credential set.
package sshexec

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"github.com/gluk-w/vpsdeck/internal/logutil"
)

const (
	// DefaultConnectTimeout bounds dial plus handshake when no timeout is given.
	DefaultConnectTimeout = 30 * time.Second
	// DefaultCommandTimeout bounds a command whose context has no deadline.
	DefaultCommandTimeout = 20 * time.Minute

	slowCommand = 2 * time.Second
)

// Result is the outcome of one remote command.
type Result struct {
	Command  string
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
}

// DialOptions tunes Dial.
type DialOptions struct {
	Timeout         time.Duration
	HostKeyCallback ssh.HostKeyCallback
	// CommandTimeout bounds each command run by Execute. Zero leaves the
	// context deadline, or DefaultCommandTimeout, in charge.
	CommandTimeout time.Duration
}

// Dial validates the credential set and opens an SSH connection. The whole
// TCP connect and handshake is bounded by opts.Timeout and by ctx. The
// credential set is not wiped; that is the caller's job.
func Dial(ctx context.Context, cs CredentialSet, opts DialOptions) (*ssh.Client, error) {
	if err := cs.Validate(); err != nil {
		return nil, err
	}
	auth, err := cs.Auth.authMethods()
	if err != nil {
		return nil, err
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultConnectTimeout
	}
	hostKeyCallback := opts.HostKeyCallback
	if hostKeyCallback == nil {
		hostKeyCallback = ssh.InsecureIgnoreHostKey()
	}

	cfg := &ssh.ClientConfig{
		User:            cs.Username,
		Auth:            auth,
		HostKeyCallback: hostKeyCallback,
		Timeout:         timeout,
	}
	addr := cs.Addr()

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	dialer := net.Dialer{Timeout: timeout}
	netConn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("%w: %v", errHandshakeTimeout, err)
		}
		return nil, &ConnectError{Addr: addr, Err: err}
	}

	// The handshake itself has no context support: a deadline on the socket
	// bounds it, and a watcher closes the socket if ctx ends first.
	netConn.SetDeadline(time.Now().Add(timeout))
	handshakeDone := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			netConn.Close()
		case <-handshakeDone:
		}
	}()

	sshConn, chans, reqs, err := ssh.NewClientConn(netConn, addr, cfg)
	close(handshakeDone)
	if err != nil {
		netConn.Close()
		if ctx.Err() != nil {
			err = fmt.Errorf("%w: %v", errHandshakeTimeout, err)
		}
		return nil, &ConnectError{Addr: addr, Err: err}
	}
	netConn.SetDeadline(time.Time{})

	log.Printf("[ssh] Connected to %s as %s (%s)", logutil.SanitizeForLog(addr),
		logutil.SanitizeForLog(cs.Username), cs.Auth.Method())
	return ssh.NewClient(sshConn, chans, reqs), nil
}

// Run executes cmd in a fresh session on client and collects its output.
// A nonzero exit yields the Result together with a *RemoteCommandError.
// When ctx expires the session is torn down and ErrCommandTimeout returned.
func Run(ctx context.Context, client *ssh.Client, cmd string) (Result, error) {
	return RunStream(ctx, client, cmd, nil)
}

// RunStream is Run with onLine called for every stdout line as it arrives.
// A context without a deadline gets DefaultCommandTimeout.
func RunStream(ctx context.Context, client *ssh.Client, cmd string, onLine func(line string)) (Result, error) {
	res := Result{Command: cmd, ExitCode: -1}
	start := time.Now()

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultCommandTimeout)
		defer cancel()
	}

	session, err := client.NewSession()
	if err != nil {
		return res, fmt.Errorf("open ssh session: %w", err)
	}
	defer session.Close()

	var outBuf, errBuf bytes.Buffer
	session.Stderr = &errBuf

	var copyDone sync.WaitGroup
	if onLine == nil {
		session.Stdout = &outBuf
	} else {
		stdout, err := session.StdoutPipe()
		if err != nil {
			return res, fmt.Errorf("create stdout pipe: %w", err)
		}
		copyDone.Add(1)
		go func() {
			defer copyDone.Done()
			scanLines(io.TeeReader(stdout, &outBuf), onLine)
		}()
	}

	if err := session.Start(cmd); err != nil {
		return res, fmt.Errorf("start command: %w", err)
	}

	waitErr := make(chan error, 1)
	go func() {
		copyDone.Wait()
		waitErr <- session.Wait()
	}()

	var runErr error
	select {
	case runErr = <-waitErr:
	case <-ctx.Done():
		session.Signal(ssh.SIGKILL)
		session.Close()
		res.Duration = time.Since(start)
		select {
		case <-waitErr:
			res.Stdout, res.Stderr = outBuf.String(), errBuf.String()
		case <-time.After(time.Second):
		}
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			log.Printf("[ssh] Command timed out after %s: %s", res.Duration, commandLabel(cmd))
			return res, ErrCommandTimeout
		}
		return res, ctx.Err()
	}

	res.Duration = time.Since(start)
	res.Stdout, res.Stderr = outBuf.String(), errBuf.String()
	if res.Duration > slowCommand {
		log.Printf("[ssh] SLOW command (%s): %s", res.Duration.Round(time.Millisecond), commandLabel(cmd))
	}

	if runErr != nil {
		var exitErr *ssh.ExitError
		if errors.As(runErr, &exitErr) {
			res.ExitCode = exitErr.ExitStatus()
			return res, &RemoteCommandError{Command: cmd, ExitCode: res.ExitCode, Stderr: res.Stderr}
		}
		return res, fmt.Errorf("run command: %w", runErr)
	}
	res.ExitCode = 0
	return res, nil
}

// RunSequence runs cmds in order and stops at the first failure. The returned
// slice holds a result for every command that ran, including the failed one.
func RunSequence(ctx context.Context, client *ssh.Client, cmds []string) ([]Result, error) {
	results := make([]Result, 0, len(cmds))
	for _, cmd := range cmds {
		res, err := Run(ctx, client, cmd)
		results = append(results, res)
		if err != nil {
			return results, err
		}
	}
	return results, nil
}

// Execute opens a connection, runs cmds in sequence and releases the
// connection. Each command is bounded by opts.CommandTimeout when set. The
// credential set is wiped before returning on every path.
func Execute(ctx context.Context, cs CredentialSet, opts DialOptions, cmds ...string) ([]Result, error) {
	client, err := Dial(ctx, cs, opts)
	cs.Wipe()
	if err != nil {
		return nil, err
	}
	defer client.Close()

	results := make([]Result, 0, len(cmds))
	for _, cmd := range cmds {
		res, err := runBounded(ctx, client, cmd, opts.CommandTimeout)
		results = append(results, res)
		if err != nil {
			return results, err
		}
	}
	return results, nil
}

func runBounded(ctx context.Context, client *ssh.Client, cmd string, timeout time.Duration) (Result, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return Run(ctx, client, cmd)
}

// Upload writes data to remotePath over SFTP on the existing connection,
// creating parent directories as needed.
func Upload(ctx context.Context, client *ssh.Client, remotePath string, data []byte, mode os.FileMode) error {
	sc, err := sftp.NewClient(client)
	if err != nil {
		return fmt.Errorf("open sftp: %w", err)
	}
	defer sc.Close()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			sc.Close()
		case <-done:
		}
	}()

	if dir := path.Dir(remotePath); dir != "." && dir != "/" {
		if err := sc.MkdirAll(dir); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	f, err := sc.Create(remotePath)
	if err != nil {
		return fmt.Errorf("create %s: %w", remotePath, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", remotePath, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close %s: %w", remotePath, err)
	}
	if mode != 0 {
		if err := sc.Chmod(remotePath, mode); err != nil {
			return fmt.Errorf("chmod %s: %w", remotePath, err)
		}
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return nil
}

func scanLines(r io.Reader, onLine func(string)) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		onLine(strings.TrimRight(sc.Text(), "\r"))
	}
	// Lines past the buffer limit end the scan; keep reading until EOF.
	io.Copy(io.Discard, r)
}

func commandLabel(cmd string) string {
	return logutil.Truncate(logutil.SanitizeForLog(cmd), 80)
}
