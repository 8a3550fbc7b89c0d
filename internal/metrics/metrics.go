// Package metrics exposes Prometheus collectors for the session daemon.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "claudesky"

type Metrics struct {
	Registry *prometheus.Registry

	SessionsStarted     prometheus.Counter
	SessionsActive      prometheus.Gauge
	SessionTerminations *prometheus.CounterVec
	StreamEvents        *prometheus.CounterVec
	ToolDecisions       *prometheus.CounterVec
	QueueDepth          prometheus.Gauge
	MessagesEnqueued    prometheus.Counter
	OutboxDropped       prometheus.Counter
}

func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		SessionsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_started_total",
			Help:      "Agent sessions started.",
		}),
		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "1 while an agent session is live.",
		}),
		SessionTerminations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_terminations_total",
			Help:      "Agent sessions terminated, by reason.",
		}, []string{"reason"}),
		StreamEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_events_total",
			Help:      "Application events emitted, by kind.",
		}, []string{"kind"}),
		ToolDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_decisions_total",
			Help:      "Tool permission decisions, by behavior.",
		}, []string{"behavior"}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Messages waiting in the pending queue.",
		}),
		MessagesEnqueued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_enqueued_total",
			Help:      "User messages accepted into the pending queue.",
		}),
		OutboxDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbox_dropped_total",
			Help:      "Outbound envelopes evicted from a full outbox.",
		}),
	}
	m.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.SessionsStarted,
		m.SessionsActive,
		m.SessionTerminations,
		m.StreamEvents,
		m.ToolDecisions,
		m.QueueDepth,
		m.MessagesEnqueued,
		m.OutboxDropped,
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}
