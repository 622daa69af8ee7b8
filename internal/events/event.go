// Package events fans progress and terminal lifecycle events out to every
// live real-time channel of the owning user.
package events

import (
	"encoding/json"
	"time"
)

// Kind names a progress event.
type Kind string

const (
	KindConnected     Kind = "connected"
	KindPhaseStart    Kind = "phaseStart"
	KindPhaseProgress Kind = "phaseProgress"
	KindPhaseComplete Kind = "phaseComplete"
	KindPhaseError    Kind = "phaseError"
	KindOutput        Kind = "output"
	KindJobComplete   Kind = "jobComplete"
	KindJobError      Kind = "jobError"
	KindClosed        Kind = "closed"
)

// Terminal reports whether no further events follow for the same job or
// session.
func (k Kind) Terminal() bool {
	return k == KindJobComplete || k == KindJobError || k == KindClosed
}

// Event is an immutable progress notification. Exactly one of JobID and
// SessionID is set.
type Event struct {
	Kind      Kind
	JobID     string
	SessionID string
	Host      string
	Payload   map[string]any
	Timestamp time.Time
}

// New stamps an event with the current time.
func New(kind Kind, host string, payload map[string]any) Event {
	return Event{Kind: kind, Host: host, Payload: payload, Timestamp: time.Now().UTC()}
}

// ForJob returns a copy of e scoped to a job.
func (e Event) ForJob(jobID string) Event {
	e.JobID = jobID
	return e
}

// ForSession returns a copy of e scoped to a session.
func (e Event) ForSession(sessionID string) Event {
	e.SessionID = sessionID
	return e
}

// MarshalJSON flattens the payload next to the envelope fields, producing
// {"event": ..., "jobId": ..., "host": ..., <payload>, "timestamp": ...}.
func (e Event) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(e.Payload)+4)
	for k, v := range e.Payload {
		out[k] = v
	}
	out["event"] = e.Kind
	if e.JobID != "" {
		out["jobId"] = e.JobID
	}
	if e.SessionID != "" {
		out["sessionId"] = e.SessionID
	}
	if e.Host != "" {
		out["host"] = e.Host
	}
	out["timestamp"] = e.Timestamp.UTC().Format(time.RFC3339Nano)
	return json.Marshal(out)
}

// UnmarshalJSON is the inverse of MarshalJSON.
func (e *Event) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*e = Event{}
	if v, ok := raw["event"].(string); ok {
		e.Kind = Kind(v)
	}
	if v, ok := raw["jobId"].(string); ok {
		e.JobID = v
	}
	if v, ok := raw["sessionId"].(string); ok {
		e.SessionID = v
	}
	if v, ok := raw["host"].(string); ok {
		e.Host = v
	}
	if v, ok := raw["timestamp"].(string); ok {
		if ts, err := time.Parse(time.RFC3339Nano, v); err == nil {
			e.Timestamp = ts
		}
	}
	for _, k := range []string{"event", "jobId", "sessionId", "host", "timestamp"} {
		delete(raw, k)
	}
	if len(raw) > 0 {
		e.Payload = raw
	}
	return nil
}
