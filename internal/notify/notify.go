// Package notify delivers provisioning completion notices to whatever
// sends the user their email.
package notify

import (
	"context"
	"log"
	"time"

	"github.com/gluk-w/vpsdeck/internal/logutil"
)

// Notification describes a finished provisioning job.
type Notification struct {
	UserID    string    `json:"user_id"`
	Email     string    `json:"email,omitempty"`
	JobID     string    `json:"job_id"`
	Host      string    `json:"host"`
	Domain    string    `json:"domain,omitempty"`
	Status    string    `json:"status"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Dispatcher hands a notification off for delivery. Callers treat it as
// fire-and-forget: a failed dispatch never changes the job outcome.
type Dispatcher interface {
	Notify(ctx context.Context, n Notification) error
}

// LogDispatcher writes notifications to the process log. It is the default
// when no broker is configured.
type LogDispatcher struct{}

func (LogDispatcher) Notify(_ context.Context, n Notification) error {
	log.Printf("[notify] job %s on %s finished: %s (email=%s)", n.JobID,
		logutil.SanitizeForLog(n.Host), n.Status, logutil.SanitizeForLog(n.Email))
	return nil
}
