package handlers

import (
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/gluk-w/vpsdeck/internal/logutil"
	"github.com/gluk-w/vpsdeck/internal/middleware"
	"github.com/gluk-w/vpsdeck/internal/registry"
	"github.com/gluk-w/vpsdeck/internal/sshexec"
)

func (a *API) ListVPS(w http.ResponseWriter, r *http.Request) {
	records, err := a.Registry.List(middleware.UserID(r))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if records == nil {
		records = []registry.Record{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"vps": records})
}

func (a *API) GetVPS(w http.ResponseWriter, r *http.Request) {
	rec, err := a.Registry.Get(middleware.UserID(r), chi.URLParam(r, "host"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// UpdateVPS creates or patches the record for a host.
func (a *API) UpdateVPS(w http.ResponseWriter, r *http.Request) {
	var patch registry.Patch
	if !decodeJSON(w, r, &patch) {
		return
	}
	if patch.Port != nil && (*patch.Port <= 0 || *patch.Port > 65535) {
		writeError(w, http.StatusBadRequest, "Invalid port")
		return
	}
	rec, err := a.Registry.Upsert(middleware.UserID(r), chi.URLParam(r, "host"), patch)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// TestConnection logs in and runs a harmless command over a one-shot
// connection. A success creates the record when it does not exist yet.
func (a *API) TestConnection(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	cs, err := req.credentialSet()
	if err != nil {
		writeDomainError(w, err)
		return
	}
	host, port, username := cs.Host, cs.Port, cs.Username
	if port == 0 {
		port = sshexec.DefaultPort
	}

	start := time.Now()
	results, err := sshexec.Execute(r.Context(), cs, a.Dial, "uname -srm")
	if err != nil {
		log.Printf("[ssh] Connection test to %s failed: %v", logutil.SanitizeForLog(host), err)
		writeDomainError(w, err)
		return
	}
	latency := time.Since(start)
	system := strings.TrimSpace(results[0].Stdout)

	userID := middleware.UserID(r)
	if _, err := a.Registry.Upsert(userID, host, registry.Patch{Port: &port, Username: &username}); err != nil {
		writeDomainError(w, err)
		return
	}
	msg := fmt.Sprintf("Connection test succeeded in %s (%s)", latency.Round(time.Millisecond), logutil.Truncate(system, 120))
	if err := a.Registry.AppendLog(userID, host, registry.LevelInfo, msg); err != nil {
		log.Printf("[registry] Log append failed: %v", err)
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":    true,
		"system":     system,
		"latency_ms": latency.Milliseconds(),
	})
}

// StatusCheck detects installed features and records them.
func (a *API) StatusCheck(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	cs, err := req.credentialSet()
	if err != nil {
		writeDomainError(w, err)
		return
	}
	host := cs.Host
	features, err := a.Engine.CheckStatus(r.Context(), middleware.UserID(r), cs)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"host": host, "features": features})
}

type siteStatusRequest struct {
	Status string `json:"status"`
}

func (a *API) SetSiteStatus(w http.ResponseWriter, r *http.Request) {
	var req siteStatusRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	userID := middleware.UserID(r)
	host := chi.URLParam(r, "host")
	if err := a.Registry.SetSiteStatus(userID, host, chi.URLParam(r, "domain"), req.Status); err != nil {
		writeDomainError(w, err)
		return
	}
	rec, err := a.Registry.Get(userID, host)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (a *API) RemoveSite(w http.ResponseWriter, r *http.Request) {
	if err := a.Registry.RemoveSite(middleware.UserID(r), chi.URLParam(r, "host"), chi.URLParam(r, "domain")); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// DeleteVPS removes a record. Hosts with active sites are refused.
func (a *API) DeleteVPS(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(chi.URLParam(r, "vpsId"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid VPS ID")
		return
	}
	if err := a.Registry.Delete(middleware.UserID(r), uint(id)); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
