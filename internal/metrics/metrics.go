// Package metrics exposes Prometheus collectors for sessions, provisioning
// jobs and terminal traffic.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "vpsdeck"

var (
	// SessionsOpen counts live SSH sessions by kind.
	SessionsOpen = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "ssh_sessions_open",
		Help:      "Live SSH sessions by kind.",
	}, []string{"kind"})

	// SessionConnects counts session open attempts by kind and outcome.
	SessionConnects = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "ssh_connects_total",
		Help:      "SSH session open attempts by kind and result.",
	}, []string{"kind", "result"})

	// JobsRunning is the number of provisioning jobs in flight.
	JobsRunning = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "provision_jobs_running",
		Help:      "Provisioning jobs currently running.",
	})

	// JobsFinished counts finished jobs by terminal status.
	JobsFinished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "provision_jobs_finished_total",
		Help:      "Provisioning jobs by final status.",
	}, []string{"status"})

	// PhaseDuration observes how long each phase took.
	PhaseDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "provision_phase_duration_seconds",
		Help:      "Duration of provisioning phases.",
		Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
	}, []string{"phase", "status"})

	// TerminalBytes counts bytes relayed by the terminal proxy by direction.
	TerminalBytes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "terminal_bytes_total",
		Help:      "Bytes relayed between browser terminals and remote shells.",
	}, []string{"direction"})

	// EventSubscribers is the number of open event channels.
	EventSubscribers = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "event_subscribers",
		Help:      "Open real-time event channels.",
	})
)

// Registry holds every vpsdeck collector plus the Go runtime collectors.
var Registry = prometheus.NewRegistry()

func init() {
	Registry.MustRegister(
		SessionsOpen,
		SessionConnects,
		JobsRunning,
		JobsFinished,
		PhaseDuration,
		TerminalBytes,
		EventSubscribers,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
}

// Handler serves the registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}
