package sshsession

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/ssh"

	"github.com/gluk-w/vpsdeck/internal/events"
	"github.com/gluk-w/vpsdeck/internal/logutil"
	"github.com/gluk-w/vpsdeck/internal/metrics"
	"github.com/gluk-w/vpsdeck/internal/sshexec"
)

// Defaults for Options fields left zero.
const (
	DefaultExecConnectTimeout  = 30 * time.Second
	DefaultShellConnectTimeout = 15 * time.Second
	DefaultCommandTimeout      = 20 * time.Minute
)

// Options configures a Manager.
type Options struct {
	ExecConnectTimeout  time.Duration
	ShellConnectTimeout time.Duration
	// CommandTimeout bounds Exec calls whose context has no deadline.
	CommandTimeout  time.Duration
	HostKeyCallback ssh.HostKeyCallback
}

// OpenOptions tunes a single Open call.
type OpenOptions struct {
	// Supersede closes an existing shell session for the same user and host
	// instead of failing with ErrAlreadyConnected.
	Supersede bool
}

// Manager maps session ids to live SSH connections. At most one session
// exists per (user, host, kind); a slot is reserved before dialing so two
// concurrent opens for the same key cannot both succeed.
type Manager struct {
	opts      Options
	publisher events.Publisher
	dial      func(ctx context.Context, cs sshexec.CredentialSet, opts sshexec.DialOptions) (*ssh.Client, error)

	mu       sync.Mutex
	sessions map[string]*Session
	byKey    map[sessionKey]*Session
}

// NewManager creates a session manager publishing lifecycle events to pub.
func NewManager(opts Options, pub events.Publisher) *Manager {
	if opts.ExecConnectTimeout <= 0 {
		opts.ExecConnectTimeout = DefaultExecConnectTimeout
	}
	if opts.ShellConnectTimeout <= 0 {
		opts.ShellConnectTimeout = DefaultShellConnectTimeout
	}
	if opts.CommandTimeout <= 0 {
		opts.CommandTimeout = DefaultCommandTimeout
	}
	return &Manager{
		opts:      opts,
		publisher: pub,
		dial:      sshexec.Dial,
		sessions:  make(map[string]*Session),
		byKey:     make(map[sessionKey]*Session),
	}
}

// Open connects with cs and registers the session. The credential set is
// wiped before Open returns, whatever the outcome.
func (m *Manager) Open(ctx context.Context, userID string, cs sshexec.CredentialSet, kind Kind, opts OpenOptions) (*Session, error) {
	defer cs.Wipe()

	if err := cs.Validate(); err != nil {
		return nil, err
	}
	if kind != KindExec && kind != KindShell {
		return nil, fmt.Errorf("unknown session kind %q", kind)
	}

	key := sessionKey{userID: userID, host: cs.Host, kind: kind}
	s := &Session{
		ID:        uuid.New().String(),
		UserID:    userID,
		Host:      cs.Host,
		Username:  cs.Username,
		Kind:      kind,
		CreatedAt: time.Now(),
		key:       key,
		done:      make(chan struct{}),
	}
	s.touch()

	m.mu.Lock()
	existing, ok := m.byKey[key]
	if ok {
		pending := existing.client == nil
		if kind != KindShell || !opts.Supersede || pending {
			m.mu.Unlock()
			metrics.SessionConnects.WithLabelValues(string(kind), "conflict").Inc()
			return nil, ErrAlreadyConnected
		}
	}
	m.byKey[key] = s
	m.mu.Unlock()

	if existing != nil {
		log.Printf("[session-mgr] Superseding session %s for %s", existing.ID, logutil.SanitizeForLog(cs.Host))
		m.teardown(existing, "superseded")
	}

	timeout := m.opts.ExecConnectTimeout
	if kind == KindShell {
		timeout = m.opts.ShellConnectTimeout
	}
	client, err := m.dial(ctx, cs, sshexec.DialOptions{Timeout: timeout, HostKeyCallback: m.opts.HostKeyCallback})
	if err != nil {
		m.mu.Lock()
		if m.byKey[key] == s {
			delete(m.byKey, key)
		}
		m.mu.Unlock()
		metrics.SessionConnects.WithLabelValues(string(kind), "error").Inc()
		log.Printf("[session-mgr] Open %s session to %s failed: %v", kind, logutil.SanitizeForLog(cs.Host), err)
		return nil, err
	}

	m.mu.Lock()
	s.client = client
	m.sessions[s.ID] = s
	m.mu.Unlock()

	metrics.SessionConnects.WithLabelValues(string(kind), "ok").Inc()
	metrics.SessionsOpen.WithLabelValues(string(kind)).Inc()
	log.Printf("[session-mgr] Opened %s session %s to %s for user %s", kind, s.ID,
		logutil.SanitizeForLog(s.Host), logutil.SanitizeForLog(userID))
	m.publish(s, events.KindConnected, map[string]any{"kind": string(kind), "username": s.Username})

	go func() {
		client.Wait()
		if m.teardown(s, "remote disconnected") {
			log.Printf("[session-mgr] Session %s lost its connection", s.ID)
		}
	}()
	return s, nil
}

// Get returns a live session by id.
func (m *Manager) Get(sessionID string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

// GetOwned returns a live session by id only if it belongs to userID.
func (m *Manager) GetOwned(userID, sessionID string) (*Session, error) {
	s, err := m.Get(sessionID)
	if err != nil {
		return nil, err
	}
	if s.UserID != userID {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

// List returns snapshots of userID's sessions ordered by creation time.
func (m *Manager) List(userID string) []Info {
	m.mu.Lock()
	var out []Info
	for _, s := range m.sessions {
		if s.UserID == userID {
			out = append(out, s.info())
		}
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Exec runs command on an exec session. Calls on one session are serialized.
func (m *Manager) Exec(ctx context.Context, sessionID, command string) (sshexec.Result, error) {
	return m.ExecStream(ctx, sessionID, command, nil)
}

// ExecStream is Exec reporting stdout lines to onLine as they arrive.
func (m *Manager) ExecStream(ctx context.Context, sessionID, command string, onLine func(string)) (sshexec.Result, error) {
	s, err := m.execSession(sessionID)
	if err != nil {
		return sshexec.Result{ExitCode: -1}, err
	}

	s.execMu.Lock()
	defer s.execMu.Unlock()
	if s.closed() {
		return sshexec.Result{ExitCode: -1}, ErrSessionClosed
	}
	s.touch()
	defer s.touch()

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.opts.CommandTimeout)
		defer cancel()
	}

	res, err := sshexec.RunStream(ctx, s.client, command, onLine)
	if err != nil && s.closed() {
		return res, fmt.Errorf("%w: %v", ErrSessionClosed, err)
	}
	return res, err
}

// Upload writes a file on the session's host over SFTP.
func (m *Manager) Upload(ctx context.Context, sessionID, remotePath string, data []byte, mode os.FileMode) error {
	s, err := m.execSession(sessionID)
	if err != nil {
		return err
	}

	s.execMu.Lock()
	defer s.execMu.Unlock()
	if s.closed() {
		return ErrSessionClosed
	}
	s.touch()

	err = sshexec.Upload(ctx, s.client, remotePath, data, mode)
	if err != nil && s.closed() {
		return fmt.Errorf("%w: %v", ErrSessionClosed, err)
	}
	return err
}

func (m *Manager) execSession(sessionID string) (*Session, error) {
	s, err := m.Get(sessionID)
	if err != nil {
		return nil, err
	}
	if s.Kind != KindExec {
		return nil, ErrWrongKind
	}
	return s, nil
}

// OpenShell starts an interactive PTY on a shell session. Only one PTY may
// be attached at a time.
func (m *Manager) OpenShell(sessionID string, cols, rows int) (*Shell, error) {
	s, err := m.Get(sessionID)
	if err != nil {
		return nil, err
	}
	if s.Kind != KindShell {
		return nil, ErrWrongKind
	}

	s.mu.Lock()
	if s.shell != nil || s.shellStarting {
		s.mu.Unlock()
		return nil, ErrAlreadyConnected
	}
	if s.closed() {
		s.mu.Unlock()
		return nil, ErrSessionClosed
	}
	s.shellStarting = true
	s.mu.Unlock()

	sh, err := startShell(s, cols, rows, m.opts.ShellConnectTimeout)

	s.mu.Lock()
	s.shellStarting = false
	if s.closed() {
		s.mu.Unlock()
		if sh != nil {
			sh.Close()
		}
		return nil, ErrSessionClosed
	}
	if err == nil {
		s.shell = sh
	}
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	s.touch()
	return sh, nil
}

// Close tears down a session. It reports whether a live session was closed;
// closing an unknown or already closed id is a no-op.
func (m *Manager) Close(sessionID string) bool {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	m.mu.Unlock()
	if !ok {
		return false
	}
	return m.teardown(s, "closed")
}

// CloseIdle closes sessions with no activity for longer than maxIdle. Busy
// exec sessions and shells with an attached PTY are skipped.
func (m *Manager) CloseIdle(maxIdle time.Duration) int {
	cutoff := time.Now().Add(-maxIdle)

	m.mu.Lock()
	var idle []*Session
	for _, s := range m.sessions {
		if s.LastActivity().Before(cutoff) {
			idle = append(idle, s)
		}
	}
	m.mu.Unlock()

	closed := 0
	for _, s := range idle {
		s.mu.Lock()
		attached := s.shell != nil || s.shellStarting
		s.mu.Unlock()
		if attached {
			continue
		}
		if !s.execMu.TryLock() {
			continue
		}
		s.execMu.Unlock()
		if m.teardown(s, "idle timeout") {
			closed++
		}
	}
	if closed > 0 {
		log.Printf("[session-mgr] Closed %d idle sessions", closed)
	}
	return closed
}

// CloseAll tears down every session, used at shutdown.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	all := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		all = append(all, s)
	}
	m.mu.Unlock()

	for _, s := range all {
		m.teardown(s, "shutdown")
	}
	log.Printf("[session-mgr] All sessions closed (%d total)", len(all))
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

func (m *Manager) teardown(s *Session, reason string) bool {
	first := false
	s.closeOnce.Do(func() {
		first = true

		m.mu.Lock()
		delete(m.sessions, s.ID)
		if m.byKey[s.key] == s {
			delete(m.byKey, s.key)
		}
		m.mu.Unlock()

		close(s.done)

		// Closing the transport first unblocks any request still waiting on
		// the remote.
		if err := s.client.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
			log.Printf("[session-mgr] Closing session %s: %v", s.ID, err)
		}
		s.mu.Lock()
		sh := s.shell
		s.mu.Unlock()
		if sh != nil {
			sh.Close()
		}

		metrics.SessionsOpen.WithLabelValues(string(s.Kind)).Dec()
		log.Printf("[session-mgr] Session %s closed (%s)", s.ID, reason)
		m.publish(s, events.KindClosed, map[string]any{"kind": string(s.Kind), "reason": reason})
	})
	return first
}

func (m *Manager) publish(s *Session, kind events.Kind, payload map[string]any) {
	if m.publisher == nil {
		return
	}
	m.publisher.Publish(s.UserID, events.New(kind, s.Host, payload).ForSession(s.ID))
}
