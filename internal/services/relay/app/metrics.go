package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	metricsNamespace = "skypiea"
	metricsSubsystem = "relay"
)

type relayMetrics struct {
	registry         *prometheus.Registry
	connections      prometheus.Gauge
	forwards         *prometheus.CounterVec
	persistedBytes   prometheus.Counter
	forwardedBytes   prometheus.Counter
	transfers        *prometheus.CounterVec
	completed        prometheus.Counter
	errors           *prometheus.CounterVec
	statusMessages   *prometheus.CounterVec
	idleTerminations prometheus.Counter
}

func newRelayMetrics(hosts func() float64) *relayMetrics {
	m := &relayMetrics{
		registry: prometheus.NewRegistry(),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "connections",
			Help:      "Open relay WebSocket connections.",
		}),
		forwards: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "forwards_total",
			Help:      "Frames relayed to hosts by kind and result.",
		}, []string{"kind", "result"}),
		persistedBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "persisted_bytes_total",
			Help:      "Bytes written to fallback upload sinks.",
		}),
		forwardedBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "forwarded_bytes_total",
			Help:      "Binary bytes delivered to hosts.",
		}),
		transfers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "transfers_started_total",
			Help:      "Accepted init messages by delivery path.",
		}, []string{"path"}),
		completed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "transfers_completed_total",
			Help:      "Transfers marked complete by done.",
		}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "errors_total",
			Help:      "Message handling errors by code.",
		}, []string{"code"}),
		statusMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "status_messages_total",
			Help:      "Informational status messages received by type.",
		}, []string{"type"}),
		idleTerminations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "idle_terminations_total",
			Help:      "Connections closed by the liveness monitor.",
		}),
	}

	m.registry.MustRegister(
		m.connections,
		m.forwards,
		m.persistedBytes,
		m.forwardedBytes,
		m.transfers,
		m.completed,
		m.errors,
		m.statusMessages,
		m.idleTerminations,
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "hosts",
			Help:      "Tokens with a registered host.",
		}, hosts),
	)
	return m
}

func (m *relayMetrics) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
