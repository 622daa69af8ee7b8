package handlers

import (
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/gluk-w/vpsdeck/internal/logutil"
	"github.com/gluk-w/vpsdeck/internal/middleware"
	"github.com/gluk-w/vpsdeck/internal/provision"
)

type provisionRequest struct {
	credentialsRequest
	Target    provision.Target `json:"target"`
	UserEmail string           `json:"userEmail"`
}

// StartProvision validates the request and starts a job. Progress is
// delivered on the events channel; the response only carries the job id.
func (a *API) StartProvision(w http.ResponseWriter, r *http.Request) {
	var req provisionRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	cs, err := req.credentialSet()
	if err != nil {
		writeDomainError(w, err)
		return
	}
	target := req.Target
	target.UserEmail = req.UserEmail

	userID := middleware.UserID(r)
	jobID, err := a.Engine.Start(r.Context(), userID, cs, target)
	if err != nil {
		log.Printf("[provision] Start rejected for host=%s user=%s: %v",
			logutil.SanitizeForLog(req.Host), logutil.SanitizeForLog(userID), err)
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"jobId": jobID})
}

func (a *API) ListJobs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"jobs": a.Engine.List(middleware.UserID(r)),
	})
}

func (a *API) GetJob(w http.ResponseWriter, r *http.Request) {
	snap, err := a.Engine.Get(middleware.UserID(r), chi.URLParam(r, "jobId"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (a *API) CancelJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobId")
	if err := a.Engine.Cancel(middleware.UserID(r), jobID); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"jobId": jobID, "status": "cancelling"})
}
