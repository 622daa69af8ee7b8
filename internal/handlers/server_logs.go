package handlers

import (
	"net/http"
	"strconv"
)

func (a *API) GetServerLogs(w http.ResponseWriter, r *http.Request) {
	if a.LogTail == nil {
		writeError(w, http.StatusNotFound, "File logging is disabled")
		return
	}
	lines := 200
	if q := r.URL.Query().Get("lines"); q != "" {
		if n, err := strconv.Atoi(q); err == nil && n > 0 {
			lines = n
		}
	}

	content, err := a.LogTail(lines)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"logs": content})
}
