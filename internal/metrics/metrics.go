// Package metrics holds the Prometheus collectors for sessions, commands and
// transfers. Each Metrics value owns its own registry so tests and multiple
// managers in one process never collide on registration.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Connect results.
const (
	ConnectSuccess  = "success"
	ConnectFailed   = "failed"
	ConnectRejected = "rejected" // rate limited or pool exhausted
)

// Command verdicts.
const (
	CommandExecuted = "executed"
	CommandBlocked  = "blocked"
	CommandTimeout  = "timeout"
	CommandFailed   = "failed"
)

type Metrics struct {
	Registry *prometheus.Registry

	SessionsActive  prometheus.Gauge
	ConnectAttempts *prometheus.CounterVec
	Disconnects     *prometheus.CounterVec
	Commands        *prometheus.CounterVec
	CommandDuration prometheus.Histogram
	Transfers       *prometheus.CounterVec
	TransferBytes   *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "termctl_sessions_active",
			Help: "Number of SSH sessions currently in the pool",
		}),
		ConnectAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "termctl_connect_attempts_total",
			Help: "SSH connection attempts by result",
		}, []string{"result"}),
		Disconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "termctl_disconnects_total",
			Help: "Sessions removed from the pool by reason",
		}, []string{"reason"}),
		Commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "termctl_commands_total",
			Help: "Commands submitted to sessions by verdict",
		}, []string{"verdict"}),
		CommandDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "termctl_command_duration_seconds",
			Help:    "Wall time of commands that reached the remote host",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 8),
		}),
		Transfers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "termctl_transfers_total",
			Help: "Finished transfer jobs by direction and terminal status",
		}, []string{"direction", "status"}),
		TransferBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "termctl_transfer_bytes_total",
			Help: "Bytes moved by the transfer engine",
		}, []string{"direction"}),
	}
	m.Registry.MustRegister(
		m.SessionsActive,
		m.ConnectAttempts,
		m.Disconnects,
		m.Commands,
		m.CommandDuration,
		m.Transfers,
		m.TransferBytes,
		collectors.NewGoCollector(),
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// The helpers below accept a nil receiver so components can run without metrics.

func (m *Metrics) SetSessions(n int) {
	if m == nil {
		return
	}
	m.SessionsActive.Set(float64(n))
}

func (m *Metrics) ObserveConnect(result string) {
	if m == nil {
		return
	}
	m.ConnectAttempts.WithLabelValues(result).Inc()
}

func (m *Metrics) ObserveDisconnect(reason string) {
	if m == nil {
		return
	}
	m.Disconnects.WithLabelValues(reason).Inc()
}

func (m *Metrics) ObserveCommand(verdict string, d time.Duration) {
	if m == nil {
		return
	}
	m.Commands.WithLabelValues(verdict).Inc()
	if verdict != CommandBlocked {
		m.CommandDuration.Observe(d.Seconds())
	}
}

func (m *Metrics) ObserveTransfer(direction, status string) {
	if m == nil {
		return
	}
	m.Transfers.WithLabelValues(direction, status).Inc()
}

func (m *Metrics) AddTransferBytes(direction string, n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.TransferBytes.WithLabelValues(direction).Add(float64(n))
}
