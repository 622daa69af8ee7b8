package provision

import (
	"context"
	"sync"
	"time"
)

// Status is the state of a job or of one of its phases.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusError     Status = "error"
	StatusCancelled Status = "cancelled"
)

// Finished reports whether s is terminal.
func (s Status) Finished() bool {
	return s == StatusCompleted || s == StatusError || s == StatusCancelled
}

// Target describes what to install.
type Target struct {
	Domain     string `json:"domain"`
	TemplateID string `json:"templateId"`
	// Mode selects the plan: "full" (default) or "scripted".
	Mode  string `json:"mode"`
	Reset bool   `json:"reset"`
	// UserEmail is passed to the completion notification.
	UserEmail string `json:"-"`
}

// PhaseState is the progress of one phase.
type PhaseState struct {
	Name      string     `json:"name"`
	Status    Status     `json:"status"`
	Percent   int        `json:"percent"`
	Fatal     bool       `json:"fatal"`
	Error     string     `json:"error,omitempty"`
	StartedAt *time.Time `json:"startedAt,omitempty"`
	EndedAt   *time.Time `json:"endedAt,omitempty"`
}

// LastError is the failure that ended a job.
type LastError struct {
	Phase   string `json:"phase"`
	Message string `json:"message"`
}

// Snapshot is a consistent copy of a job for callers.
type Snapshot struct {
	ID         string          `json:"jobId"`
	UserID     string          `json:"-"`
	Host       string          `json:"host"`
	Domain     string          `json:"domain"`
	TemplateID string          `json:"templateId"`
	Plan       string          `json:"plan"`
	Status     Status          `json:"status"`
	Percent    int             `json:"percent"`
	Phases     []PhaseState    `json:"phases"`
	Features   map[string]bool `json:"features,omitempty"`
	LastError  *LastError      `json:"lastError"`
	StartedAt  time.Time       `json:"startedAt"`
	EndedAt    *time.Time      `json:"endedAt"`
}

// job is the live state of a provisioning run. Only the run goroutine
// mutates phases; everything is read under mu.
type job struct {
	id        string
	userID    string
	host      string
	target    Target
	plan      string
	startedAt time.Time

	mu              sync.Mutex
	status          Status
	phases          []PhaseState
	percent         int
	features        map[string]bool
	lastError       *LastError
	endedAt         *time.Time
	sessionID       string
	cancelRequested bool
	cancel          context.CancelFunc

	// emitMu orders events of this job when a ticker publishes alongside
	// the run goroutine.
	emitMu sync.Mutex
	done   chan struct{}
}

func (j *job) snapshot() Snapshot {
	j.mu.Lock()
	defer j.mu.Unlock()
	phases := make([]PhaseState, len(j.phases))
	copy(phases, j.phases)
	var features map[string]bool
	if len(j.features) > 0 {
		features = make(map[string]bool, len(j.features))
		for k, v := range j.features {
			features[k] = v
		}
	}
	var lastErr *LastError
	if j.lastError != nil {
		le := *j.lastError
		lastErr = &le
	}
	return Snapshot{
		ID:         j.id,
		UserID:     j.userID,
		Host:       j.host,
		Domain:     j.target.Domain,
		TemplateID: j.target.TemplateID,
		Plan:       j.plan,
		Status:     j.status,
		Percent:    j.percent,
		Phases:     phases,
		Features:   features,
		LastError:  lastErr,
		StartedAt:  j.startedAt,
		EndedAt:    j.endedAt,
	}
}

func (j *job) cancelled() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.cancelRequested
}

func (j *job) session() string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.sessionID
}

// advance raises the overall percent, never lowering it.
func (j *job) advance(p int) int {
	j.mu.Lock()
	defer j.mu.Unlock()
	if p > 100 {
		p = 100
	}
	if p > j.percent {
		j.percent = p
	}
	return j.percent
}
