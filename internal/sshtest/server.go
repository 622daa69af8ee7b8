// Package sshtest runs an in-process SSH server for tests. It accepts
// password or public key authentication, serves exec, shell (with PTY and
// window-change) and the sftp subsystem backed by an in-memory filesystem.
package sshtest

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/binary"
	"encoding/pem"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"testing"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

// ExecRequest is handed to the exec handler for every "exec" channel request.
type ExecRequest struct {
	Command string
	Stdin   io.Reader
	Stdout  io.Writer
	Stderr  io.Writer
	// Done is closed when the client closes the session.
	Done <-chan struct{}
}

// ExecHandler runs a command and returns its exit status.
type ExecHandler func(req ExecRequest) int

// ShellHandler serves an interactive shell over rw until it returns.
type ShellHandler func(rw io.ReadWriter)

// Size is a recorded window-change request.
type Size struct {
	Cols, Rows uint32
}

// Options configures a test server.
type Options struct {
	User          string
	Password      string
	AuthorizedKey ssh.PublicKey
	Exec          ExecHandler
	Shell         ShellHandler
	// IgnorePty leaves pty-req requests unanswered, like a wedged sshd.
	IgnorePty bool
}

// sshFxfRead is the SSH_FXF_READ open flag from the sftp protocol.
const sshFxfRead = 0x00000001

// Server is a running test SSH server.
type Server struct {
	Host string
	Port int

	opts     Options
	listener net.Listener
	sftpFS   sftp.Handlers

	mu       sync.Mutex
	commands []string
	resizes  []Size
	conns    []net.Conn
	logins   int
}

// Start launches a server on 127.0.0.1 and stops it via t.Cleanup.
func Start(t testing.TB, opts Options) *Server {
	t.Helper()

	if opts.User == "" {
		opts.User = "root"
	}
	if opts.Shell == nil {
		opts.Shell = EchoShell
	}

	_, hostPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate host key: %v", err)
	}
	hostSigner, err := ssh.NewSignerFromKey(hostPriv)
	if err != nil {
		t.Fatalf("host signer: %v", err)
	}

	s := &Server{opts: opts, sftpFS: sftp.InMemHandler()}

	cfg := &ssh.ServerConfig{}
	if opts.Password != "" {
		cfg.PasswordCallback = func(conn ssh.ConnMetadata, password []byte) (*ssh.Permissions, error) {
			if conn.User() == opts.User && string(password) == opts.Password {
				return &ssh.Permissions{}, nil
			}
			return nil, fmt.Errorf("password rejected for %q", conn.User())
		}
	}
	if opts.AuthorizedKey != nil {
		want := opts.AuthorizedKey.Marshal()
		cfg.PublicKeyCallback = func(conn ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			if conn.User() == opts.User && string(key.Marshal()) == string(want) {
				return &ssh.Permissions{}, nil
			}
			return nil, fmt.Errorf("unknown public key")
		}
	}
	cfg.AddHostKey(hostSigner)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	s.listener = ln
	host, port, _ := net.SplitHostPort(ln.Addr().String())
	s.Host = host
	s.Port, _ = strconv.Atoi(port)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			s.mu.Lock()
			s.conns = append(s.conns, conn)
			s.mu.Unlock()
			go s.handleConn(conn, cfg)
		}
	}()

	t.Cleanup(func() {
		ln.Close()
		<-done
		s.DropConnections()
	})
	return s
}

// Commands returns every exec command received so far, in order.
func (s *Server) Commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.commands))
	copy(out, s.commands)
	return out
}

// Resizes returns every window-change received so far.
func (s *Server) Resizes() []Size {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Size, len(s.resizes))
	copy(out, s.resizes)
	return out
}

// Logins returns the number of successful SSH handshakes.
func (s *Server) Logins() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.logins
}

// DropConnections closes every accepted TCP connection, simulating the
// remote host going away.
func (s *Server) DropConnections() {
	s.mu.Lock()
	conns := s.conns
	s.conns = nil
	s.mu.Unlock()
	for _, c := range conns {
		c.Close()
	}
}

// ReadFile returns a file written through the sftp subsystem.
func (s *Server) ReadFile(path string) ([]byte, error) {
	req := sftp.NewRequest("Get", path)
	req.Flags = sshFxfRead
	r, err := s.sftpFS.FileGet.Fileread(req)
	if err != nil {
		return nil, err
	}
	return io.ReadAll(io.NewSectionReader(r, 0, 1<<20))
}

func (s *Server) handleConn(netConn net.Conn, cfg *ssh.ServerConfig) {
	defer netConn.Close()
	srvConn, chans, reqs, err := ssh.NewServerConn(netConn, cfg)
	if err != nil {
		return
	}
	defer srvConn.Close()
	s.mu.Lock()
	s.logins++
	s.mu.Unlock()

	go ssh.DiscardRequests(reqs)

	for newChan := range chans {
		if newChan.ChannelType() != "session" {
			newChan.Reject(ssh.UnknownChannelType, "unsupported channel type")
			continue
		}
		ch, requests, err := newChan.Accept()
		if err != nil {
			continue
		}
		go s.handleSession(ch, requests)
	}
}

func (s *Server) handleSession(ch ssh.Channel, reqs <-chan *ssh.Request) {
	done := make(chan struct{})
	started := false

	for req := range reqs {
		switch req.Type {
		case "pty-req", "env":
			if req.Type == "pty-req" && s.opts.IgnorePty {
				continue
			}
			if req.WantReply {
				req.Reply(true, nil)
			}

		case "window-change":
			if len(req.Payload) >= 8 {
				s.mu.Lock()
				s.resizes = append(s.resizes, Size{
					Cols: binary.BigEndian.Uint32(req.Payload[0:4]),
					Rows: binary.BigEndian.Uint32(req.Payload[4:8]),
				})
				s.mu.Unlock()
			}
			if req.WantReply {
				req.Reply(true, nil)
			}

		case "exec":
			var payload struct{ Command string }
			if err := ssh.Unmarshal(req.Payload, &payload); err != nil || started {
				req.Reply(false, nil)
				continue
			}
			started = true
			req.Reply(true, nil)
			s.mu.Lock()
			s.commands = append(s.commands, payload.Command)
			s.mu.Unlock()
			go func(cmd string) {
				status := 0
				if s.opts.Exec != nil {
					status = s.opts.Exec(ExecRequest{
						Command: cmd,
						Stdin:   ch,
						Stdout:  ch,
						Stderr:  ch.Stderr(),
						Done:    done,
					})
				}
				ch.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{uint32(status)}))
				ch.Close()
			}(payload.Command)

		case "shell":
			if started {
				req.Reply(false, nil)
				continue
			}
			started = true
			req.Reply(true, nil)
			go func() {
				s.opts.Shell(ch)
				ch.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{0}))
				ch.Close()
			}()

		case "subsystem":
			var payload struct{ Name string }
			if err := ssh.Unmarshal(req.Payload, &payload); err != nil || payload.Name != "sftp" || started {
				req.Reply(false, nil)
				continue
			}
			started = true
			req.Reply(true, nil)
			go func() {
				srv := sftp.NewRequestServer(ch, s.sftpFS)
				srv.Serve()
				srv.Close()
				ch.Close()
			}()

		default:
			if req.WantReply {
				req.Reply(false, nil)
			}
		}
	}
	close(done)
	if !started {
		ch.Close()
	}
}

// EchoShell writes "ready\n" and then echoes input back prefixed with "echo:"
// until the client closes stdin or types "exit".
func EchoShell(rw io.ReadWriter) {
	io.WriteString(rw, "ready\n")
	buf := make([]byte, 4096)
	for {
		n, err := rw.Read(buf)
		if n > 0 {
			if string(buf[:n]) == "exit\n" {
				return
			}
			io.WriteString(rw, "echo:")
			rw.Write(buf[:n])
		}
		if err != nil {
			return
		}
	}
}

// GenerateKey returns a PEM encoded ed25519 private key and its public key.
func GenerateKey(t testing.TB) ([]byte, ssh.PublicKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	block, err := ssh.MarshalPrivateKey(priv, "")
	if err != nil {
		t.Fatalf("marshal private key: %v", err)
	}
	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		t.Fatalf("public key: %v", err)
	}
	return pem.EncodeToMemory(block), sshPub
}
