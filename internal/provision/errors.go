package provision

import (
	"errors"
	"fmt"
)

var (
	// ErrAlreadyRunning is returned when a job for the same user and host is active.
	ErrAlreadyRunning = errors.New("a provisioning job is already running for this host")
	// ErrAlreadyConfigured is returned when the host is configured and no reset was requested.
	ErrAlreadyConfigured = errors.New("host is already configured")
	// ErrJobNotFound is returned for unknown job ids or jobs of another user.
	ErrJobNotFound = errors.New("job not found")
	// ErrJobFinished is returned when cancelling a job that already ended.
	ErrJobFinished = errors.New("job already finished")
	// ErrUnknownPlan is returned for an unknown target mode.
	ErrUnknownPlan = errors.New("unknown provisioning plan")
	// ErrInvalidDomain is returned for a domain that is not a DNS hostname.
	ErrInvalidDomain = errors.New("invalid domain")
)

// UnsupportedEnvironmentError reports a host that fails the OS or
// privilege checks.
type UnsupportedEnvironmentError struct {
	Check  string
	Detail string
}

func (e *UnsupportedEnvironmentError) Error() string {
	return fmt.Sprintf("unsupported remote environment (%s): %s", e.Check, e.Detail)
}
