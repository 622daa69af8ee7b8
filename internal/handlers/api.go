// Package handlers is the HTTP and WebSocket surface of vpsdeck.
package handlers

import (
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"gorm.io/gorm"

	"github.com/gluk-w/vpsdeck/internal/auth"
	"github.com/gluk-w/vpsdeck/internal/events"
	"github.com/gluk-w/vpsdeck/internal/metrics"
	"github.com/gluk-w/vpsdeck/internal/middleware"
	"github.com/gluk-w/vpsdeck/internal/provision"
	"github.com/gluk-w/vpsdeck/internal/registry"
	"github.com/gluk-w/vpsdeck/internal/sshexec"
	"github.com/gluk-w/vpsdeck/internal/sshsession"
	"github.com/gluk-w/vpsdeck/internal/terminal"
)

const maxBodySize = 1 << 20

// API holds the collaborators the handlers use.
type API struct {
	DB       *gorm.DB
	Sessions *sshsession.Manager
	Engine   *provision.Engine
	Registry *registry.Registry
	Events   events.Subscriber
	Auth     auth.UserResolver
	// Dial applies to one-shot connection tests.
	Dial     sshexec.DialOptions
	Terminal terminal.Options
	// LogTail serves the admin log endpoint; nil disables it.
	LogTail func(lines int) (string, error)

	// Geometry requested at session creation, consumed by the first attach.
	sizesMu sync.Mutex
	sizes   map[string][2]int
}

// Routes builds the router.
func (a *API) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)

	r.Get("/health", a.HealthCheck)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.RequireAuth(a.Auth))

		// Provisioning
		r.Post("/provision", a.StartProvision)
		r.Get("/provision/jobs", a.ListJobs)
		r.Get("/provision/jobs/{jobId}", a.GetJob)
		r.Post("/provision/jobs/{jobId}/cancel", a.CancelJob)

		// Terminal
		r.Post("/terminal/sessions", a.CreateTerminalSession)
		r.Get("/terminal/sessions", a.ListTerminalSessions)
		r.Get("/terminal/sessions/{sessionId}/ws", a.TerminalWS)
		r.Delete("/terminal/sessions/{sessionId}", a.CloseTerminalSession)

		// Progress events
		r.Get("/events/ws", a.EventsWS)

		// VPS registry
		r.Get("/vps", a.ListVPS)
		r.Post("/vps/test-connection", a.TestConnection)
		r.Post("/vps/status-check", a.StatusCheck)
		r.Delete("/vps/id/{vpsId}", a.DeleteVPS)
		r.Get("/vps/{host}", a.GetVPS)
		r.Put("/vps/{host}", a.UpdateVPS)
		r.Put("/vps/{host}/sites/{domain}", a.SetSiteStatus)
		r.Delete("/vps/{host}/sites/{domain}", a.RemoveSite)

		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireAdmin)
			r.Get("/admin/logs", a.GetServerLogs)
		})
	})
	return r
}

// credentialsRequest is the connection part of request bodies. Secrets are
// moved into a CredentialSet and never stored or logged.
type credentialsRequest struct {
	Host       string `json:"host"`
	Port       int    `json:"port"`
	Username   string `json:"username"`
	Password   string `json:"password,omitempty"`
	PrivateKey string `json:"privateKey,omitempty"`
	Passphrase string `json:"passphrase,omitempty"`
}

func (c *credentialsRequest) credentialSet() (sshexec.CredentialSet, error) {
	cs, err := sshexec.NewCredentialSet(c.Host, c.Port, c.Username, c.Password, c.PrivateKey, c.Passphrase)
	c.Password, c.PrivateKey, c.Passphrase = "", "", ""
	return cs, err
}
