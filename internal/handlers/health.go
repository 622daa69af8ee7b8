package handlers

import "net/http"

func (a *API) HealthCheck(w http.ResponseWriter, r *http.Request) {
	dbStatus := "disconnected"
	if a.DB != nil {
		if sqlDB, err := a.DB.DB(); err == nil {
			if err := sqlDB.PingContext(r.Context()); err == nil {
				dbStatus = "connected"
			}
		}
	}

	status := "healthy"
	if dbStatus != "connected" {
		status = "unhealthy"
	}

	sessions := 0
	if a.Sessions != nil {
		sessions = a.Sessions.Count()
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":   status,
		"database": dbStatus,
		"sessions": sessions,
	})
}
