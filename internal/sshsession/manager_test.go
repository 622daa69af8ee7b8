package sshsession

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/gluk-w/vpsdeck/internal/events"
	"github.com/gluk-w/vpsdeck/internal/sshexec"
	"github.com/gluk-w/vpsdeck/internal/sshtest"
)

type recorder struct {
	mu  sync.Mutex
	evs []events.Event
}

func (r *recorder) Publish(userID string, ev events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.evs = append(r.evs, ev)
}

func (r *recorder) kinds(sessionID string) []events.Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.Kind
	for _, ev := range r.evs {
		if ev.SessionID == sessionID {
			out = append(out, ev.Kind)
		}
	}
	return out
}

func testExec(req sshtest.ExecRequest) int {
	switch req.Command {
	case "sleep":
		<-req.Done
		return 0
	case "fail":
		io.WriteString(req.Stderr, "nope\n")
		return 2
	}
	io.WriteString(req.Stdout, "ran "+req.Command+"\n")
	return 0
}

func newServer(t *testing.T, exec sshtest.ExecHandler) *sshtest.Server {
	if exec == nil {
		exec = testExec
	}
	return sshtest.Start(t, sshtest.Options{Password: "pw", Exec: exec})
}

func creds(t *testing.T, srv *sshtest.Server) sshexec.CredentialSet {
	t.Helper()
	cs, err := sshexec.NewCredentialSet(srv.Host, srv.Port, "root", "pw", "", "")
	if err != nil {
		t.Fatal(err)
	}
	return cs
}

func newManager(pub events.Publisher) *Manager {
	return NewManager(Options{ExecConnectTimeout: 5 * time.Second, ShellConnectTimeout: 5 * time.Second}, pub)
}

func waitClosed(t *testing.T, s *Session) {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("session %s not closed", s.ID)
	}
}

func TestOpenRejectsInvalidCredentialsWithoutDialing(t *testing.T) {
	m := newManager(nil)
	var dials atomic.Int32
	m.dial = func(ctx context.Context, cs sshexec.CredentialSet, opts sshexec.DialOptions) (*ssh.Client, error) {
		dials.Add(1)
		return nil, errors.New("unexpected dial")
	}

	cases := []sshexec.CredentialSet{
		{Host: "10.0.0.1", Port: 22, Username: "root"},
		{Host: "", Port: 22, Username: "root", Auth: &sshexec.Password{Secret: []byte("x")}},
		{Host: "10.0.0.1", Port: 22, Username: "root", Auth: &sshexec.PrivateKey{}},
	}
	for i, cs := range cases {
		if _, err := m.Open(context.Background(), "u1", cs, KindExec, OpenOptions{}); !errors.Is(err, sshexec.ErrInvalidCredentials) {
			t.Errorf("case %d: err = %v, want ErrInvalidCredentials", i, err)
		}
	}
	if n := dials.Load(); n != 0 {
		t.Errorf("dialed %d times", n)
	}
}

func TestConcurrentOpenSameKey(t *testing.T) {
	srv := newServer(t, nil)
	m := newManager(nil)
	defer m.CloseAll()

	gate := make(chan struct{})
	m.dial = func(ctx context.Context, cs sshexec.CredentialSet, opts sshexec.DialOptions) (*ssh.Client, error) {
		<-gate
		return sshexec.Dial(ctx, cs, opts)
	}

	type outcome struct {
		s   *Session
		err error
	}
	results := make(chan outcome, 2)
	firstCreds := creds(t, srv)
	go func() {
		s, err := m.Open(context.Background(), "u1", firstCreds, KindShell, OpenOptions{})
		results <- outcome{s, err}
	}()

	// The first open holds the reservation while blocked in dial.
	deadline := time.Now().Add(2 * time.Second)
	for {
		m.mu.Lock()
		n := len(m.byKey)
		m.mu.Unlock()
		if n == 1 || time.Now().After(deadline) {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	// Superseding an in-flight open is not possible either.
	if _, err := m.Open(context.Background(), "u1", creds(t, srv), KindShell, OpenOptions{Supersede: true}); !errors.Is(err, ErrAlreadyConnected) {
		t.Fatalf("second open err = %v, want ErrAlreadyConnected", err)
	}
	close(gate)

	first := <-results
	if first.err != nil {
		t.Fatalf("first open: %v", first.err)
	}

	// A different kind for the same host is a different key.
	exec, err := m.Open(context.Background(), "u1", creds(t, srv), KindExec, OpenOptions{})
	if err != nil {
		t.Fatalf("exec open: %v", err)
	}
	if exec.ID == first.s.ID {
		t.Fatal("session ids collide")
	}
}

func TestSupersedeShell(t *testing.T) {
	srv := newServer(t, nil)
	rec := &recorder{}
	m := newManager(rec)
	defer m.CloseAll()

	old, err := m.Open(context.Background(), "u1", creds(t, srv), KindShell, OpenOptions{})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := m.Open(context.Background(), "u1", creds(t, srv), KindShell, OpenOptions{}); !errors.Is(err, ErrAlreadyConnected) {
		t.Fatalf("err = %v, want ErrAlreadyConnected", err)
	}

	fresh, err := m.Open(context.Background(), "u1", creds(t, srv), KindShell, OpenOptions{Supersede: true})
	if err != nil {
		t.Fatalf("supersede: %v", err)
	}
	waitClosed(t, old)
	if _, err := m.Get(old.ID); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("old session still registered: %v", err)
	}
	if _, err := m.Get(fresh.ID); err != nil {
		t.Errorf("fresh session missing: %v", err)
	}

	// Exec sessions cannot be superseded.
	if _, err := m.Open(context.Background(), "u1", creds(t, srv), KindExec, OpenOptions{}); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Open(context.Background(), "u1", creds(t, srv), KindExec, OpenOptions{Supersede: true}); !errors.Is(err, ErrAlreadyConnected) {
		t.Errorf("exec supersede err = %v, want ErrAlreadyConnected", err)
	}
}

func TestExecAndErrors(t *testing.T) {
	srv := newServer(t, nil)
	m := newManager(nil)
	defer m.CloseAll()

	s, err := m.Open(context.Background(), "u1", creds(t, srv), KindExec, OpenOptions{})
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	res, err := m.Exec(context.Background(), s.ID, "uptime")
	if err != nil {
		t.Fatalf("exec: %v", err)
	}
	if res.Stdout != "ran uptime\n" {
		t.Errorf("stdout = %q", res.Stdout)
	}

	_, err = m.Exec(context.Background(), s.ID, "fail")
	var cmdErr *sshexec.RemoteCommandError
	if !errors.As(err, &cmdErr) || cmdErr.ExitCode != 2 {
		t.Errorf("err = %v, want exit 2", err)
	}

	if _, err := m.Exec(context.Background(), "missing", "uptime"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("unknown id err = %v", err)
	}

	shell, err := m.Open(context.Background(), "u1", creds(t, srv), KindShell, OpenOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.Exec(context.Background(), shell.ID, "uptime"); !errors.Is(err, ErrWrongKind) {
		t.Errorf("exec on shell err = %v, want ErrWrongKind", err)
	}
	if _, err := m.OpenShell(s.ID, 80, 24); !errors.Is(err, ErrWrongKind) {
		t.Errorf("shell on exec err = %v, want ErrWrongKind", err)
	}
}

func TestExecCallsAreSerialized(t *testing.T) {
	var running, peak atomic.Int32
	srv := newServer(t, func(req sshtest.ExecRequest) int {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		running.Add(-1)
		return 0
	})
	m := newManager(nil)
	defer m.CloseAll()

	s, err := m.Open(context.Background(), "u1", creds(t, srv), KindExec, OpenOptions{})
	if err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := m.Exec(context.Background(), s.ID, "work"); err != nil {
				t.Errorf("exec: %v", err)
			}
		}()
	}
	wg.Wait()
	if p := peak.Load(); p != 1 {
		t.Errorf("peak concurrent commands = %d, want 1", p)
	}
}

func TestCloseIsIdempotentAndPublishesOnce(t *testing.T) {
	srv := newServer(t, nil)
	rec := &recorder{}
	m := newManager(rec)

	s, err := m.Open(context.Background(), "u1", creds(t, srv), KindExec, OpenOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if !m.Close(s.ID) {
		t.Fatal("first Close returned false")
	}
	if m.Close(s.ID) {
		t.Error("second Close returned true")
	}
	waitClosed(t, s)

	got := rec.kinds(s.ID)
	if len(got) != 2 || got[0] != events.KindConnected || got[1] != events.KindClosed {
		t.Errorf("events = %v, want [connected closed]", got)
	}
	if m.Count() != 0 {
		t.Errorf("Count = %d", m.Count())
	}
}

func TestCloseInterruptsRunningExec(t *testing.T) {
	srv := newServer(t, nil)
	m := newManager(nil)

	s, err := m.Open(context.Background(), "u1", creds(t, srv), KindExec, OpenOptions{})
	if err != nil {
		t.Fatal(err)
	}

	errc := make(chan error, 1)
	go func() {
		_, err := m.Exec(context.Background(), s.ID, "sleep")
		errc <- err
	}()
	time.Sleep(100 * time.Millisecond)
	m.Close(s.ID)

	select {
	case err := <-errc:
		if !errors.Is(err, ErrSessionClosed) {
			t.Errorf("err = %v, want ErrSessionClosed", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("exec not interrupted by Close")
	}
}

func TestRemoteDisconnectTearsDown(t *testing.T) {
	srv := newServer(t, nil)
	rec := &recorder{}
	m := newManager(rec)

	s, err := m.Open(context.Background(), "u1", creds(t, srv), KindShell, OpenOptions{})
	if err != nil {
		t.Fatal(err)
	}
	srv.DropConnections()
	waitClosed(t, s)

	if _, err := m.Get(s.ID); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("Get after disconnect = %v", err)
	}
	// The key is free again.
	s2, err := m.Open(context.Background(), "u1", creds(t, srv), KindShell, OpenOptions{})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	m.Close(s2.ID)

	kinds := rec.kinds(s.ID)
	if kinds[len(kinds)-1] != events.KindClosed {
		t.Errorf("last event = %v", kinds)
	}
}

func TestShellIO(t *testing.T) {
	srv := newServer(t, nil)
	m := newManager(nil)
	defer m.CloseAll()

	s, err := m.Open(context.Background(), "u1", creds(t, srv), KindShell, OpenOptions{})
	if err != nil {
		t.Fatal(err)
	}
	sh, err := m.OpenShell(s.ID, 120, 40)
	if err != nil {
		t.Fatalf("OpenShell: %v", err)
	}
	if _, err := m.OpenShell(s.ID, 120, 40); !errors.Is(err, ErrAlreadyConnected) {
		t.Errorf("second OpenShell err = %v", err)
	}

	readUntil(t, sh, "ready\n")
	if _, err := sh.Write([]byte("ls\n")); err != nil {
		t.Fatal(err)
	}
	readUntil(t, sh, "echo:ls\n")

	if err := sh.Resize(132, 50); err != nil {
		t.Fatalf("Resize: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for len(srv.Resizes()) == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if rs := srv.Resizes(); len(rs) != 1 || rs[0] != (sshtest.Size{Cols: 132, Rows: 50}) {
		t.Errorf("resizes = %+v", rs)
	}

	sh.Close()
	sh.Close()
	// A new PTY can be attached after the previous one closed.
	sh2, err := m.OpenShell(s.ID, 0, 0)
	if err != nil {
		t.Fatalf("reattach: %v", err)
	}
	sh2.Close()
}

func TestCloseIdle(t *testing.T) {
	srv := newServer(t, nil)
	m := newManager(nil)
	defer m.CloseAll()

	idle, err := m.Open(context.Background(), "u1", creds(t, srv), KindExec, OpenOptions{})
	if err != nil {
		t.Fatal(err)
	}
	time.Sleep(20 * time.Millisecond)
	attached, err := m.Open(context.Background(), "u1", creds(t, srv), KindShell, OpenOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.OpenShell(attached.ID, 80, 24); err != nil {
		t.Fatal(err)
	}

	if n := m.CloseIdle(10 * time.Millisecond); n != 1 {
		t.Errorf("CloseIdle closed %d, want 1", n)
	}
	waitClosed(t, idle)
	if _, err := m.Get(attached.ID); err != nil {
		t.Errorf("attached shell reaped: %v", err)
	}
}

func TestListScopedToUser(t *testing.T) {
	srv := newServer(t, nil)
	m := newManager(nil)
	defer m.CloseAll()

	mine, err := m.Open(context.Background(), "u1", creds(t, srv), KindExec, OpenOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.Open(context.Background(), "u2", creds(t, srv), KindExec, OpenOptions{}); err != nil {
		t.Fatal(err)
	}
	list := m.List("u1")
	if len(list) != 1 || list[0].ID != mine.ID {
		t.Errorf("List(u1) = %+v", list)
	}
	if _, err := m.GetOwned("u2", mine.ID); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("GetOwned by other user = %v", err)
	}
}

func readUntil(t *testing.T, r io.Reader, want string) {
	t.Helper()
	got := make(chan string, 1)
	go func() {
		var sb strings.Builder
		buf := make([]byte, 256)
		for !strings.Contains(sb.String(), want) {
			n, err := r.Read(buf)
			sb.Write(buf[:n])
			if err != nil {
				break
			}
		}
		got <- sb.String()
	}()
	select {
	case s := <-got:
		if !strings.Contains(s, want) {
			t.Fatalf("output %q does not contain %q", s, want)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for %q", want)
	}
}

func TestOpenShellTimesOutOnWedgedHost(t *testing.T) {
	srv := sshtest.Start(t, sshtest.Options{Password: "pw", IgnorePty: true})
	m := NewManager(Options{ExecConnectTimeout: 5 * time.Second, ShellConnectTimeout: 300 * time.Millisecond}, nil)
	defer m.CloseAll()

	s, err := m.Open(context.Background(), "u1", creds(t, srv), KindShell, OpenOptions{})
	if err != nil {
		t.Fatal(err)
	}

	start := time.Now()
	if _, err := m.OpenShell(s.ID, 80, 24); !errors.Is(err, ErrShellTimeout) {
		t.Fatalf("OpenShell err = %v, want ErrShellTimeout", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("OpenShell took %s", elapsed)
	}

	closed := make(chan bool, 1)
	go func() { closed <- m.Close(s.ID) }()
	select {
	case ok := <-closed:
		if !ok {
			t.Error("Close reported no live session")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Close blocked after a timed out shell start")
	}
}

func TestCloseDuringShellStart(t *testing.T) {
	srv := sshtest.Start(t, sshtest.Options{Password: "pw", IgnorePty: true})
	m := NewManager(Options{ExecConnectTimeout: 5 * time.Second, ShellConnectTimeout: time.Minute}, nil)
	defer m.CloseAll()

	s, err := m.Open(context.Background(), "u1", creds(t, srv), KindShell, OpenOptions{})
	if err != nil {
		t.Fatal(err)
	}

	opened := make(chan error, 1)
	go func() {
		_, err := m.OpenShell(s.ID, 80, 24)
		opened <- err
	}()

	// The PTY slot is reserved while the remote is silent.
	deadline := time.Now().Add(2 * time.Second)
	for {
		s.mu.Lock()
		starting := s.shellStarting
		s.mu.Unlock()
		if starting {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("shell start never began")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if _, err := m.OpenShell(s.ID, 80, 24); !errors.Is(err, ErrAlreadyConnected) {
		t.Errorf("concurrent OpenShell err = %v", err)
	}
	if n := m.CloseIdle(0); n != 0 {
		t.Errorf("CloseIdle closed %d sessions with a shell starting", n)
	}

	closed := make(chan struct{})
	go func() {
		m.Close(s.ID)
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("Close blocked behind a pending shell start")
	}

	select {
	case err := <-opened:
		if !errors.Is(err, ErrSessionClosed) {
			t.Errorf("OpenShell err = %v, want ErrSessionClosed", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("OpenShell still blocked after Close")
	}
}
