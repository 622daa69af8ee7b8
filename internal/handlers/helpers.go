package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gluk-w/vpsdeck/internal/catalog"
	"github.com/gluk-w/vpsdeck/internal/provision"
	"github.com/gluk-w/vpsdeck/internal/registry"
	"github.com/gluk-w/vpsdeck/internal/sshexec"
	"github.com/gluk-w/vpsdeck/internal/sshsession"
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return false
	}
	return true
}

// statusFor maps domain errors to HTTP statuses.
func statusFor(err error) int {
	var (
		connectErr *sshexec.ConnectError
		remoteErr  *sshexec.RemoteCommandError
		envErr     *provision.UnsupportedEnvironmentError
	)
	switch {
	case errors.Is(err, sshexec.ErrInvalidCredentials),
		errors.Is(err, catalog.ErrUnknownTemplate),
		errors.Is(err, provision.ErrUnknownPlan),
		errors.Is(err, provision.ErrInvalidDomain),
		errors.Is(err, registry.ErrInvalidStatus),
		errors.Is(err, sshsession.ErrWrongKind):
		return http.StatusBadRequest
	case errors.Is(err, sshsession.ErrSessionNotFound),
		errors.Is(err, provision.ErrJobNotFound),
		errors.Is(err, registry.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, sshsession.ErrAlreadyConnected),
		errors.Is(err, provision.ErrAlreadyRunning),
		errors.Is(err, provision.ErrAlreadyConfigured),
		errors.Is(err, provision.ErrJobFinished),
		errors.Is(err, registry.ErrHasActiveSites):
		return http.StatusConflict
	case errors.As(err, &envErr):
		return http.StatusUnprocessableEntity
	case errors.As(err, &connectErr),
		errors.As(err, &remoteErr),
		errors.Is(err, sshexec.ErrCommandTimeout),
		errors.Is(err, sshsession.ErrShellTimeout),
		errors.Is(err, sshsession.ErrSessionClosed):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// writeDomainError responds with the status for err. Internal errors get a
// generic message.
func writeDomainError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		writeError(w, status, "Internal server error")
		return
	}
	writeError(w, status, err.Error())
}
