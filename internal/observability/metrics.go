package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides a centralized interface for collecting control-plane
// metrics.
//
// The metrics system is built on Prometheus and tracks:
//   - Event bus throughput: published, delivered, deduplicated, dropped
//   - Sequence gap warnings by agent
//   - Decision queue depth and resolution outcomes
//   - WebSocket connections and broadcast volume
//   - Knowledge store write latency
//
// All metrics register with the given registerer; pass
// prometheus.DefaultRegisterer in production and a fresh
// prometheus.NewRegistry() in tests.
type Metrics struct {
	// EventsPublished counts envelopes accepted by the bus.
	EventsPublished prometheus.Counter

	// EventsDelivered counts subscriber invocations.
	EventsDelivered prometheus.Counter

	// EventsDeduplicated counts envelopes dropped as duplicates.
	EventsDeduplicated prometheus.Counter

	// EventsDropped counts envelopes evicted by backpressure.
	// Labels: agent_id
	EventsDropped *prometheus.CounterVec

	// SequenceGaps counts sequence-gap warnings.
	// Labels: agent_id
	SequenceGaps *prometheus.CounterVec

	// PendingDecisions gauges the number of decisions awaiting a human.
	PendingDecisions prometheus.Gauge

	// DecisionsResolved counts decision resolutions.
	// Labels: outcome (resolved|timed_out|triage)
	DecisionsResolved *prometheus.CounterVec

	// WSConnections gauges currently connected clients.
	WSConnections prometheus.Gauge

	// WSMessagesSent counts outbound hub messages.
	// Labels: type
	WSMessagesSent *prometheus.CounterVec

	// StoreWriteDuration measures knowledge store write latency in seconds.
	// Labels: operation
	StoreWriteDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers all Prometheus metrics with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Metrics{
		EventsPublished: factory.NewCounter(prometheus.CounterOpts{
			Name: "conductor_events_published_total",
			Help: "Envelopes accepted by the event bus.",
		}),
		EventsDelivered: factory.NewCounter(prometheus.CounterOpts{
			Name: "conductor_events_delivered_total",
			Help: "Subscriber invocations performed by the event bus.",
		}),
		EventsDeduplicated: factory.NewCounter(prometheus.CounterOpts{
			Name: "conductor_events_deduplicated_total",
			Help: "Envelopes dropped because their sourceEventId was already seen.",
		}),
		EventsDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "conductor_events_dropped_total",
			Help: "Envelopes evicted from per-agent queues by backpressure.",
		}, []string{"agent_id"}),
		SequenceGaps: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "conductor_sequence_gaps_total",
			Help: "Sequence gap warnings recorded per agent.",
		}, []string{"agent_id"}),
		PendingDecisions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "conductor_pending_decisions",
			Help: "Decisions currently awaiting a human.",
		}),
		DecisionsResolved: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "conductor_decisions_resolved_total",
			Help: "Decision resolutions by terminal status.",
		}, []string{"outcome"}),
		WSConnections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "conductor_ws_connections",
			Help: "Currently connected WebSocket clients.",
		}),
		WSMessagesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "conductor_ws_messages_sent_total",
			Help: "Outbound hub messages by type.",
		}, []string{"type"}),
		StoreWriteDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "conductor_store_write_duration_seconds",
			Help:    "Knowledge store write latency.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		}, []string{"operation"}),
	}
}
