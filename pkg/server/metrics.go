package server

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the server's Prometheus collectors. A nil *Metrics records nothing.
type Metrics struct {
	registry *prometheus.Registry

	activeSessions       prometheus.Gauge
	sessionsCreated      prometheus.Counter
	sessionsDisconnected prometheus.Counter
	forcedLogouts        prometheus.Counter
	eventsReceived       *prometheus.CounterVec
	denials              *prometheus.CounterVec
	persistenceFailures  *prometheus.CounterVec
	fanoutRecipients     prometheus.Histogram
	fanoutDuration       prometheus.Histogram
	replayedMessages     prometheus.Counter
}

// NewMetrics creates the collectors on a private registry
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "roomchat_active_sessions",
			Help: "Number of live connections",
		}),
		sessionsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "roomchat_sessions_created_total",
			Help: "Connections accepted",
		}),
		sessionsDisconnected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "roomchat_sessions_disconnected_total",
			Help: "Connections closed",
		}),
		forcedLogouts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "roomchat_forced_logouts_total",
			Help: "Sessions evicted by a newer login or a ban",
		}),
		eventsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "roomchat_events_received_total",
			Help: "Inbound events by command name",
		}, []string{"command"}),
		denials: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "roomchat_denials_total",
			Help: "Rejected commands by error kind",
		}, []string{"kind"}),
		persistenceFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "roomchat_persistence_failures_total",
			Help: "Store operations that failed",
		}, []string{"op"}),
		fanoutRecipients: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "roomchat_fanout_recipients",
			Help:    "Connections a message was delivered to",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}),
		fanoutDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "roomchat_fanout_duration_seconds",
			Help:    "Time spent enqueueing a message to its recipients",
			Buckets: prometheus.ExponentialBuckets(0.00001, 4, 10),
		}),
		replayedMessages: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "roomchat_replayed_messages_total",
			Help: "History messages sent in replays",
		}),
	}

	m.registry.MustRegister(
		m.activeSessions,
		m.sessionsCreated,
		m.sessionsDisconnected,
		m.forcedLogouts,
		m.eventsReceived,
		m.denials,
		m.persistenceFailures,
		m.fanoutRecipients,
		m.fanoutDuration,
		m.replayedMessages,
		prometheus.NewGoCollector(),
	)
	return m
}

// Handler serves the collectors in the Prometheus text format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) RecordActiveSessions(n int) {
	if m != nil {
		m.activeSessions.Set(float64(n))
	}
}

func (m *Metrics) RecordSessionCreated() {
	if m != nil {
		m.sessionsCreated.Inc()
	}
}

func (m *Metrics) RecordSessionDisconnected() {
	if m != nil {
		m.sessionsDisconnected.Inc()
	}
}

func (m *Metrics) RecordForcedLogout() {
	if m != nil {
		m.forcedLogouts.Inc()
	}
}

func (m *Metrics) RecordEvent(command string) {
	if m != nil {
		m.eventsReceived.WithLabelValues(command).Inc()
	}
}

func (m *Metrics) RecordDenial(kind string) {
	if m != nil {
		m.denials.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) RecordPersistenceFailure(op string) {
	if m != nil {
		m.persistenceFailures.WithLabelValues(op).Inc()
	}
}

func (m *Metrics) RecordFanout(recipients int, d time.Duration) {
	if m != nil {
		m.fanoutRecipients.Observe(float64(recipients))
		m.fanoutDuration.Observe(d.Seconds())
	}
}

func (m *Metrics) RecordReplayed(n int) {
	if m != nil {
		m.replayedMessages.Add(float64(n))
	}
}
