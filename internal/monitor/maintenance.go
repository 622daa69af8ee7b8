package monitor

import (
	"log"
	"time"
)

// IdleCloser is implemented by the session manager.
type IdleCloser interface {
	CloseIdle(maxIdle time.Duration) int
}

// JobPruner is implemented by the provisioning engine.
type JobPruner interface {
	Prune(cutoff time.Time) int
}

// TokenCleaner is implemented by the token service.
type TokenCleaner interface {
	Cleanup() int
}

// Maintenance configures the built-in tasks. Nil collaborators are skipped.
type Maintenance struct {
	Sessions    IdleCloser
	IdleTimeout time.Duration

	Jobs         JobPruner
	JobRetention time.Duration

	Tokens TokenCleaner

	now func() time.Time
}

// Tasks returns the maintenance tasks to schedule.
func (mt Maintenance) Tasks() []Task {
	now := mt.now
	if now == nil {
		now = time.Now
	}
	var tasks []Task

	if mt.Sessions != nil && mt.IdleTimeout > 0 {
		every := max(mt.IdleTimeout/4, 10*time.Second)
		tasks = append(tasks, Task{Name: "reap-idle-sessions", Every: every, Run: func() {
			if n := mt.Sessions.CloseIdle(mt.IdleTimeout); n > 0 {
				log.Printf("[monitor] Closed %d idle sessions", n)
			}
		}})
	}

	if mt.Jobs != nil && mt.JobRetention > 0 {
		tasks = append(tasks, Task{Name: "prune-jobs", Every: time.Hour, Run: func() {
			if n := mt.Jobs.Prune(now().Add(-mt.JobRetention)); n > 0 {
				log.Printf("[monitor] Pruned %d finished jobs", n)
			}
		}})
	}

	if mt.Tokens != nil {
		tasks = append(tasks, Task{Name: "expire-revoked-tokens", Every: 10 * time.Minute, Run: func() {
			if n := mt.Tokens.Cleanup(); n > 0 {
				log.Printf("[monitor] Expired %d revoked tokens", n)
			}
		}})
	}
	return tasks
}

// Schedule adds every maintenance task to m.
func (mt Maintenance) Schedule(m *Monitor) error {
	for _, t := range mt.Tasks() {
		if err := m.Add(t); err != nil {
			return err
		}
	}
	return nil
}
