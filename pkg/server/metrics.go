package server

import (
	"net/http"
	"time"

	"github.com/aeolun/ircserver/pkg/database"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the server's Prometheus collectors. Each instance owns its
// registry, so several servers can coexist in one process.
type Metrics struct {
	registry *prometheus.Registry

	activeSessions      prometheus.Gauge
	sessionsTotal       *prometheus.CounterVec
	sessionsClosed      prometheus.Counter
	requestsTotal       *prometheus.CounterVec
	requestDuration     *prometheus.HistogramVec
	rejectedConnections *prometheus.CounterVec
	protocolErrors      *prometheus.CounterVec
	authFailures        prometheus.Counter
}

// NewMetrics creates and registers collectors. stats is sampled on every scrape.
func NewMetrics(stats func() database.Stats) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ircserver_active_sessions",
			Help: "Current number of open client sessions",
		}),
		sessionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ircserver_sessions_total",
			Help: "Total number of sessions opened",
		}, []string{"transport"}),
		sessionsClosed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ircserver_sessions_closed_total",
			Help: "Total number of sessions closed",
		}),
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ircserver_requests_total",
			Help: "Total number of requests by command and response status",
		}, []string{"command", "status"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ircserver_request_duration_seconds",
			Help:    "Time from session start to response written",
			Buckets: prometheus.DefBuckets,
		}, []string{"command"}),
		rejectedConnections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ircserver_rejected_connections_total",
			Help: "Connections refused by the per-IP rate limiter",
		}, []string{"transport"}),
		protocolErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ircserver_protocol_errors_total",
			Help: "Requests that could not be read or parsed",
		}, []string{"kind"}),
		authFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ircserver_auth_failures_total",
			Help: "Requests rejected for a wrong password or unknown user",
		}),
	}

	m.registry.MustRegister(
		m.activeSessions,
		m.sessionsTotal,
		m.sessionsClosed,
		m.requestsTotal,
		m.requestDuration,
		m.rejectedConnections,
		m.protocolErrors,
		m.authFailures,
		collectors.NewGoCollector(),
	)

	if stats != nil {
		m.registry.MustRegister(
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Name: "ircserver_users",
				Help: "Registered users",
			}, func() float64 { return float64(stats().Users) }),
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Name: "ircserver_rooms",
				Help: "Created rooms",
			}, func() float64 { return float64(stats().Rooms) }),
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Name: "ircserver_messages",
				Help: "Messages held in memory",
			}, func() float64 { return float64(stats().Messages) }),
		)
	}

	return m
}

// Handler serves this instance's registry
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry exposes the registry for tests
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) RecordActiveSessions(count int) {
	m.activeSessions.Set(float64(count))
}

func (m *Metrics) RecordSessionCreated(transport string) {
	m.sessionsTotal.WithLabelValues(transport).Inc()
}

func (m *Metrics) RecordSessionClosed() {
	m.sessionsClosed.Inc()
}

// RecordRequest counts a completed exchange
func (m *Metrics) RecordRequest(command, status string, elapsed time.Duration) {
	m.requestsTotal.WithLabelValues(command, status).Inc()
	m.requestDuration.WithLabelValues(command).Observe(elapsed.Seconds())
}

func (m *Metrics) RecordRejectedConnection(transport string) {
	m.rejectedConnections.WithLabelValues(transport).Inc()
}

// RecordProtocolError counts unreadable or malformed requests by kind
func (m *Metrics) RecordProtocolError(kind string) {
	m.protocolErrors.WithLabelValues(kind).Inc()
}

func (m *Metrics) RecordAuthFailure() {
	m.authFailures.Inc()
}
