package handlers

import (
	"errors"
	"log"
	"net/http"
	"strconv"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"

	"github.com/gluk-w/vpsdeck/internal/logutil"
	"github.com/gluk-w/vpsdeck/internal/middleware"
	"github.com/gluk-w/vpsdeck/internal/sshsession"
	"github.com/gluk-w/vpsdeck/internal/terminal"
)

type terminalSessionRequest struct {
	credentialsRequest
	Supersede bool `json:"supersede"`
	Cols      int  `json:"cols"`
	Rows      int  `json:"rows"`
}

// CreateTerminalSession connects a shell-kind session. The PTY is started
// when the browser attaches to the WebSocket.
func (a *API) CreateTerminalSession(w http.ResponseWriter, r *http.Request) {
	var req terminalSessionRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	cs, err := req.credentialSet()
	if err != nil {
		writeDomainError(w, err)
		return
	}

	userID := middleware.UserID(r)
	s, err := a.Sessions.Open(r.Context(), userID, cs, sshsession.KindShell, sshsession.OpenOptions{Supersede: req.Supersede})
	if err != nil {
		log.Printf("[terminal] Session open failed for host=%s: %v", logutil.SanitizeForLog(req.Host), err)
		writeDomainError(w, err)
		return
	}

	a.sizesMu.Lock()
	if a.sizes == nil {
		a.sizes = make(map[string][2]int)
	}
	a.sizes[s.ID] = [2]int{req.Cols, req.Rows}
	a.sizesMu.Unlock()
	go a.forgetSize(s)

	writeJSON(w, http.StatusCreated, map[string]string{"sessionId": s.ID, "host": s.Host})
}

func (a *API) ListTerminalSessions(w http.ResponseWriter, r *http.Request) {
	var shells []sshsession.Info
	for _, info := range a.Sessions.List(middleware.UserID(r)) {
		if info.Kind == sshsession.KindShell {
			shells = append(shells, info)
		}
	}
	if shells == nil {
		shells = []sshsession.Info{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"sessions": shells})
}

// TerminalWS attaches a browser to a shell session. Closing either end
// closes the other and releases the session.
//
// Query parameters cols and rows override the geometry sent at creation.
func (a *API) TerminalWS(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionId")
	s, err := a.Sessions.GetOwned(middleware.UserID(r), sessionID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if s.Kind != sshsession.KindShell {
		writeDomainError(w, sshsession.ErrWrongKind)
		return
	}

	a.sizesMu.Lock()
	size := a.sizes[sessionID]
	a.sizesMu.Unlock()
	cols := queryInt(r, "cols", size[0])
	rows := queryInt(r, "rows", size[1])

	sh, err := a.Sessions.OpenShell(sessionID, min(cols, terminal.MaxCols), min(rows, terminal.MaxRows))
	if err != nil {
		writeDomainError(w, err)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		log.Printf("[terminal] Failed to accept websocket: %v", err)
		sh.Close()
		return
	}
	defer conn.CloseNow()

	defer func() {
		a.sizesMu.Lock()
		delete(a.sizes, sessionID)
		a.sizesMu.Unlock()
		a.Sessions.Close(sessionID)
	}()

	opts := a.Terminal
	opts.Label = sessionID
	log.Printf("[terminal] Attached: session=%s host=%s", sessionID, logutil.SanitizeForLog(s.Host))
	if err := terminal.Run(r.Context(), conn, sh, opts); err != nil && !errors.Is(err, terminal.ErrRemoteClosed) {
		log.Printf("[terminal] Session %s ended with error: %v", sessionID, err)
	}
}

func (a *API) CloseTerminalSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionId")
	if _, err := a.Sessions.GetOwned(middleware.UserID(r), sessionID); err != nil {
		writeDomainError(w, err)
		return
	}
	a.Sessions.Close(sessionID)

	a.sizesMu.Lock()
	delete(a.sizes, sessionID)
	a.sizesMu.Unlock()

	writeJSON(w, http.StatusOK, map[string]string{"status": "closed"})
}

func queryInt(r *http.Request, name string, def int) int {
	if q := r.URL.Query().Get(name); q != "" {
		if n, err := strconv.Atoi(q); err == nil && n > 0 {
			return n
		}
	}
	return def
}

// forgetSize drops the stored size once the session ends by any path.
func (a *API) forgetSize(s *sshsession.Session) {
	<-s.Done()
	a.sizesMu.Lock()
	delete(a.sizes, s.ID)
	a.sizesMu.Unlock()
}
