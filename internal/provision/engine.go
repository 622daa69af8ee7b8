// Package provision drives a bare VPS through an ordered, phase-based
// install plan over an SSH exec session and streams progress events to
// the owning user.
package provision

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/ssh"

	"github.com/gluk-w/vpsdeck/internal/catalog"
	"github.com/gluk-w/vpsdeck/internal/events"
	"github.com/gluk-w/vpsdeck/internal/logutil"
	"github.com/gluk-w/vpsdeck/internal/metrics"
	"github.com/gluk-w/vpsdeck/internal/notify"
	"github.com/gluk-w/vpsdeck/internal/registry"
	"github.com/gluk-w/vpsdeck/internal/sshexec"
	"github.com/gluk-w/vpsdeck/internal/sshsession"
)

// Defaults for Options fields left zero.
const (
	DefaultProgressInterval = 5 * time.Second
	DefaultNotifyTimeout    = 10 * time.Second
	DefaultDetectTimeout    = 30 * time.Second
)

// phaseStart is reported for a job cancelled before its first phase.
const phaseStart = "start"

var errCancelled = errors.New("cancelled by user")

// Sessions is the part of the session manager the engine uses.
type Sessions interface {
	Open(ctx context.Context, userID string, cs sshexec.CredentialSet, kind sshsession.Kind, opts sshsession.OpenOptions) (*sshsession.Session, error)
	ExecStream(ctx context.Context, sessionID, command string, onLine func(string)) (sshexec.Result, error)
	Upload(ctx context.Context, sessionID, remotePath string, data []byte, mode os.FileMode) error
	Close(sessionID string) bool
}

// Registry is the part of the configuration registry the engine uses.
type Registry interface {
	Upsert(userID, host string, p registry.Patch) (*registry.Record, error)
	IsConfigured(userID, host string) (bool, error)
	MarkConfigured(userID, host string, features map[string]bool, domain string) error
	MarkReset(userID, host string) error
	RecordCheck(userID, host string, features map[string]bool) error
	AppendLog(userID, host, level, message string) error
}

// Options configures an Engine.
type Options struct {
	// Plans by name; LoadPlans("") when nil.
	Plans map[string]*Plan
	// ProgressInterval is the cadence of synthetic progress ticks during
	// script phases.
	ProgressInterval time.Duration
	// DialTimeout and HostKeyCallback apply to status checks, which use
	// their own short-lived connection.
	DialTimeout     time.Duration
	HostKeyCallback ssh.HostKeyCallback
	NotifyTimeout   time.Duration
	// DetectTimeout bounds each detect command of a status check.
	DetectTimeout time.Duration
}

type activeKey struct {
	userID string
	host   string
}

// Engine runs provisioning jobs, one goroutine per job.
type Engine struct {
	sessions  Sessions
	registry  Registry
	publisher events.Publisher
	catalog   catalog.Catalog
	notifier  notify.Dispatcher
	store     *Store
	opts      Options

	mu     sync.Mutex
	jobs   map[string]*job
	active map[activeKey]string
	wg     sync.WaitGroup
}

// NewEngine wires an engine. store and notifier may be nil.
func NewEngine(sessions Sessions, reg Registry, pub events.Publisher, cat catalog.Catalog, notifier notify.Dispatcher, store *Store, opts Options) (*Engine, error) {
	if opts.Plans == nil {
		plans, err := LoadPlans("")
		if err != nil {
			return nil, err
		}
		opts.Plans = plans
	}
	if opts.ProgressInterval <= 0 {
		opts.ProgressInterval = DefaultProgressInterval
	}
	if opts.NotifyTimeout <= 0 {
		opts.NotifyTimeout = DefaultNotifyTimeout
	}
	if opts.DetectTimeout <= 0 {
		opts.DetectTimeout = DefaultDetectTimeout
	}
	if notifier == nil {
		notifier = notify.LogDispatcher{}
	}
	return &Engine{
		sessions:  sessions,
		registry:  reg,
		publisher: pub,
		catalog:   cat,
		notifier:  notifier,
		store:     store,
		opts:      opts,
		jobs:      make(map[string]*job),
		active:    make(map[activeKey]string),
	}, nil
}

// Start validates the request, reserves the (user, host) slot and runs the
// job in the background. The credential set belongs to the engine from
// here on and is wiped when the job no longer needs it.
func (e *Engine) Start(ctx context.Context, userID string, cs sshexec.CredentialSet, target Target) (string, error) {
	handedOff := false
	defer func() {
		if !handedOff {
			cs.Wipe()
		}
	}()

	if err := cs.Validate(); err != nil {
		return "", err
	}
	mode := target.Mode
	if mode == "" {
		mode = PlanFull
	}
	plan, ok := e.opts.Plans[mode]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownPlan, mode)
	}
	target.Mode = mode
	target.Domain = strings.ToLower(strings.TrimSpace(target.Domain))
	if target.Domain != "" && !validDomain(target.Domain) {
		return "", fmt.Errorf("%w: %q", ErrInvalidDomain, target.Domain)
	}

	tpl := catalog.Template{InstallPath: "/var/www/app"}
	if target.TemplateID != "" {
		var err error
		if tpl, err = e.catalog.Lookup(ctx, target.TemplateID); err != nil {
			return "", err
		}
	}

	key := activeKey{userID: userID, host: cs.Host}

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, busy := e.active[key]; busy {
		return "", ErrAlreadyRunning
	}
	configured, err := e.registry.IsConfigured(userID, cs.Host)
	if err != nil {
		return "", err
	}
	if configured && !target.Reset {
		return "", ErrAlreadyConfigured
	}

	port := cs.Port
	if port == 0 {
		port = sshexec.DefaultPort
	}
	username := cs.Username
	patch := registry.Patch{Port: &port, Username: &username, Domain: &target.Domain, TemplateID: &target.TemplateID}
	if _, err := e.registry.Upsert(userID, cs.Host, patch); err != nil {
		return "", err
	}
	if target.Reset {
		if err := e.registry.MarkReset(userID, cs.Host); err != nil {
			return "", err
		}
	}

	specs := plan.phasesFor(target.Reset)
	j := &job{
		id:        uuid.New().String(),
		userID:    userID,
		host:      cs.Host,
		target:    target,
		plan:      plan.Name,
		startedAt: time.Now().UTC(),
		status:    StatusPending,
		phases:    make([]PhaseState, len(specs)),
		features:  map[string]bool{},
		done:      make(chan struct{}),
	}
	for i, spec := range specs {
		j.phases[i] = PhaseState{Name: spec.Name, Status: StatusPending, Fatal: spec.IsFatal()}
	}
	runCtx, cancel := context.WithCancel(context.Background())
	j.cancel = cancel

	e.jobs[j.id] = j
	e.active[key] = j.id
	handedOff = true
	e.wg.Add(1)
	go e.run(runCtx, j, specs, cs, tpl)

	log.Printf("[provision] Job %s started: plan=%s host=%s user=%s reset=%t", j.id, plan.Name,
		logutil.SanitizeForLog(cs.Host), logutil.SanitizeForLog(userID), target.Reset)
	return j.id, nil
}

// Get returns a snapshot of a job owned by userID, falling back to the
// audit store for jobs no longer held in memory.
func (e *Engine) Get(userID, jobID string) (Snapshot, error) {
	e.mu.Lock()
	j, ok := e.jobs[jobID]
	e.mu.Unlock()
	if ok {
		if j.userID != userID {
			return Snapshot{}, ErrJobNotFound
		}
		return j.snapshot(), nil
	}
	if e.store != nil {
		return e.store.Get(userID, jobID)
	}
	return Snapshot{}, ErrJobNotFound
}

// List returns the in-memory jobs of userID, newest first.
func (e *Engine) List(userID string) []Snapshot {
	e.mu.Lock()
	var mine []*job
	for _, j := range e.jobs {
		if j.userID == userID {
			mine = append(mine, j)
		}
	}
	e.mu.Unlock()

	out := make([]Snapshot, 0, len(mine))
	for _, j := range mine {
		out = append(out, j.snapshot())
	}
	sort.Slice(out, func(a, b int) bool { return out[a].StartedAt.After(out[b].StartedAt) })
	return out
}

// Cancel stops a running job by closing its session. The job observes the
// failure on its next remote call and ends as cancelled.
func (e *Engine) Cancel(userID, jobID string) error {
	e.mu.Lock()
	j, ok := e.jobs[jobID]
	e.mu.Unlock()
	if !ok || j.userID != userID {
		return ErrJobNotFound
	}

	j.mu.Lock()
	if j.status.Finished() {
		j.mu.Unlock()
		return ErrJobFinished
	}
	j.cancelRequested = true
	sessionID := j.sessionID
	j.mu.Unlock()

	j.cancel()
	if sessionID != "" {
		e.sessions.Close(sessionID)
	}
	log.Printf("[provision] Job %s cancellation requested", jobID)
	return nil
}

// Wait blocks until the job finishes or ctx ends.
func (e *Engine) Wait(ctx context.Context, jobID string) (Snapshot, error) {
	e.mu.Lock()
	j, ok := e.jobs[jobID]
	e.mu.Unlock()
	if !ok {
		return Snapshot{}, ErrJobNotFound
	}
	select {
	case <-j.done:
		return j.snapshot(), nil
	case <-ctx.Done():
		return j.snapshot(), ctx.Err()
	}
}

// Prune forgets finished jobs that ended before cutoff, in memory and in
// the audit store.
func (e *Engine) Prune(cutoff time.Time) int {
	e.mu.Lock()
	n := 0
	for id, j := range e.jobs {
		j.mu.Lock()
		old := j.endedAt != nil && j.endedAt.Before(cutoff)
		j.mu.Unlock()
		if old {
			delete(e.jobs, id)
			n++
		}
	}
	e.mu.Unlock()

	if e.store != nil {
		if removed, err := e.store.PruneBefore(cutoff); err != nil {
			log.Printf("[provision] Pruning job audit failed: %v", err)
		} else {
			n += int(removed)
		}
	}
	return n
}

// Shutdown cancels every running job and waits for the job goroutines.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	running := make([]*job, 0, len(e.active))
	for _, id := range e.active {
		running = append(running, e.jobs[id])
	}
	e.mu.Unlock()

	for _, j := range running {
		e.Cancel(j.userID, j.id)
	}

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) run(ctx context.Context, j *job, specs []PhaseSpec, cs sshexec.CredentialSet, tpl catalog.Template) {
	defer e.wg.Done()
	defer cs.Wipe()
	defer j.cancel()

	metrics.JobsRunning.Inc()
	defer metrics.JobsRunning.Dec()

	j.mu.Lock()
	j.status = StatusRunning
	j.mu.Unlock()
	e.persist(j)
	e.appendLog(j, registry.LevelInfo, fmt.Sprintf("Provisioning started (plan %s)", j.plan))

	r := &phaseRun{
		e:     e,
		j:     j,
		total: len(specs),
		data: templateData{
			Host:     j.host,
			Username: cs.Username,
			Domain:   j.target.Domain,
			Template: tpl,
			Now:      j.startedAt.Format(time.RFC3339),
		},
	}

	// lastPhase names the phase that ran most recently, so a cancel seen
	// between phases is not pinned on one that never started.
	lastPhase := phaseStart
	for i, spec := range specs {
		if j.cancelled() {
			e.finish(j, lastPhase, errCancelled)
			return
		}

		lastPhase = spec.Name
		r.begin(i)
		started := time.Now()
		err := r.runPhase(ctx, spec, cs)
		if err == nil {
			metrics.PhaseDuration.WithLabelValues(spec.Name, string(StatusCompleted)).Observe(time.Since(started).Seconds())
			r.complete()
			continue
		}
		metrics.PhaseDuration.WithLabelValues(spec.Name, string(StatusError)).Observe(time.Since(started).Seconds())

		if j.cancelled() {
			r.fail(spec, errCancelled)
			e.finish(j, spec.Name, errCancelled)
			return
		}
		r.fail(spec, err)
		if spec.IsFatal() {
			e.finish(j, spec.Name, err)
			return
		}
		log.Printf("[provision] Job %s: non-fatal phase %s failed: %v", j.id, spec.Name, err)
	}
	e.finish(j, "", nil)
}

// finish moves the job to its terminal state: completed when err is nil,
// cancelled for errCancelled, error otherwise.
func (e *Engine) finish(j *job, phase string, err error) {
	if sessionID := j.session(); sessionID != "" {
		e.sessions.Close(sessionID)
	}

	status := StatusCompleted
	switch {
	case errors.Is(err, errCancelled):
		status = StatusCancelled
	case err != nil:
		status = StatusError
	}

	j.mu.Lock()
	features := make(map[string]bool, len(j.features))
	for k, v := range j.features {
		features[k] = v
	}
	j.mu.Unlock()

	if status == StatusCompleted {
		if markErr := e.registry.MarkConfigured(j.userID, j.host, features, j.target.Domain); markErr != nil {
			status = StatusError
			phase = "finalize"
			err = fmt.Errorf("record configuration: %w", markErr)
		}
	}

	now := time.Now().UTC()
	j.mu.Lock()
	j.status = status
	j.endedAt = &now
	if err != nil {
		j.lastError = &LastError{Phase: phase, Message: err.Error()}
	} else {
		j.percent = 100
	}
	j.mu.Unlock()
	e.persist(j)

	switch status {
	case StatusCompleted:
		e.appendLog(j, registry.LevelInfo, "Provisioning completed")
		e.emit(j, events.KindJobComplete, map[string]any{
			"percent":  100,
			"domain":   j.target.Domain,
			"features": features,
		})
		e.dispatchNotification(j, status, "")
	case StatusCancelled:
		e.appendLog(j, registry.LevelWarn, fmt.Sprintf("Provisioning cancelled during %s", phase))
		e.emit(j, events.KindJobError, map[string]any{"phase": phase, "message": err.Error(), "cancelled": true})
	default:
		e.appendLog(j, registry.LevelError, fmt.Sprintf("Provisioning failed in %s: %v", phase, err))
		e.emit(j, events.KindJobError, map[string]any{"phase": phase, "message": err.Error()})
	}

	metrics.JobsFinished.WithLabelValues(string(status)).Inc()
	log.Printf("[provision] Job %s finished: %s", j.id, status)

	e.mu.Lock()
	key := activeKey{userID: j.userID, host: j.host}
	if e.active[key] == j.id {
		delete(e.active, key)
	}
	e.mu.Unlock()
	close(j.done)
}

func (e *Engine) dispatchNotification(j *job, status Status, message string) {
	n := notify.Notification{
		UserID:    j.userID,
		Email:     j.target.UserEmail,
		JobID:     j.id,
		Host:      j.host,
		Domain:    j.target.Domain,
		Status:    string(status),
		Message:   message,
		Timestamp: time.Now().UTC(),
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), e.opts.NotifyTimeout)
		defer cancel()
		if err := e.notifier.Notify(ctx, n); err != nil {
			log.Printf("[provision] Notification for job %s failed: %v", j.id, err)
		}
	}()
}

func (e *Engine) emit(j *job, kind events.Kind, payload map[string]any) {
	j.emitMu.Lock()
	defer j.emitMu.Unlock()
	e.emitLocked(j, kind, payload)
}

func (e *Engine) emitLocked(j *job, kind events.Kind, payload map[string]any) {
	if e.publisher == nil {
		return
	}
	e.publisher.Publish(j.userID, events.New(kind, j.host, payload).ForJob(j.id))
}

func (e *Engine) persist(j *job) {
	if e.store == nil {
		return
	}
	if err := e.store.Save(j.snapshot()); err != nil {
		log.Printf("[provision] Persisting job %s failed: %v", j.id, err)
	}
}

func (e *Engine) appendLog(j *job, level, message string) {
	if err := e.registry.AppendLog(j.userID, j.host, level, message); err != nil {
		log.Printf("[provision] Registry log for %s failed: %v", logutil.SanitizeForLog(j.host), err)
	}
}
