// Package monitor runs periodic maintenance: reaping idle SSH sessions,
// pruning finished provisioning jobs and expiring revoked tokens.
package monitor

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/robfig/cron/v3"
)

// Task is one periodic job.
type Task struct {
	Name  string
	Every time.Duration
	Run   func()
}

// Monitor schedules tasks on a cron runner. A task still running when its
// next tick arrives is skipped, and a panicking task is logged and survives.
type Monitor struct {
	cron  *cron.Cron
	tasks []Task
}

func New() *Monitor {
	logger := cron.PrintfLogger(log.Default())
	return &Monitor{
		// Recover sits inside the skip guard so a panic still releases it.
		cron: cron.New(cron.WithChain(
			cron.SkipIfStillRunning(logger),
			cron.Recover(logger),
		)),
	}
}

// Add schedules t every t.Every.
func (m *Monitor) Add(t Task) error {
	if t.Every <= 0 {
		return fmt.Errorf("task %s: interval must be positive", t.Name)
	}
	if _, err := m.cron.AddFunc("@every "+t.Every.String(), t.Run); err != nil {
		return fmt.Errorf("task %s: %w", t.Name, err)
	}
	m.tasks = append(m.tasks, t)
	log.Printf("[monitor] Scheduled %s every %s", t.Name, t.Every)
	return nil
}

// Start runs the scheduler in the background.
func (m *Monitor) Start() {
	m.cron.Start()
}

// Stop halts scheduling and waits for running tasks or ctx.
func (m *Monitor) Stop(ctx context.Context) error {
	done := m.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunAll runs every task once, in order, on the calling goroutine.
func (m *Monitor) RunAll() {
	for _, t := range m.tasks {
		t.Run()
	}
}

// Tasks returns the scheduled tasks.
func (m *Monitor) Tasks() []Task {
	return append([]Task(nil), m.tasks...)
}
