// Package metrics exposes the listener runtime's Prometheus surface:
// permission decisions, queue depth, in-flight turns, and the outbound
// event sequence. Grounded on the teacher's observability.Metrics
// (internal/observability/metrics.go)'s promauto construction style,
// narrowed to this agent's own counters instead of its multi-channel
// gateway surface.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the agent's Prometheus collectors.
type Metrics struct {
	// PermissionDecisions counts classified tool calls in the listener's
	// approval loop (after the classifier's adjustments to Engine.Check).
	// Labels: decision (allow|ask|deny)
	PermissionDecisions *prometheus.CounterVec

	// QueueLen is the current user-message queue depth.
	QueueLen prometheus.Gauge

	// PendingTurns is the number of turns currently streaming.
	PendingTurns prometheus.Gauge

	// EventSeq is the last outbound protocol event sequence number
	// sent, exposed as a gauge so an operator can see the encoder is
	// making forward progress.
	EventSeq prometheus.Gauge
}

// New registers a fresh Metrics on reg. Pass prometheus.DefaultRegisterer
// for normal process-wide use, or a private registry in tests.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		PermissionDecisions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "letta_agent_permission_decisions_total",
			Help: "Permission engine decisions by outcome.",
		}, []string{"decision"}),
		QueueLen: factory.NewGauge(prometheus.GaugeOpts{
			Name: "letta_agent_queue_len",
			Help: "Current depth of the user-message queue.",
		}),
		PendingTurns: factory.NewGauge(prometheus.GaugeOpts{
			Name: "letta_agent_pending_turns",
			Help: "Number of turns currently streaming.",
		}),
		EventSeq: factory.NewGauge(prometheus.GaugeOpts{
			Name: "letta_agent_event_seq",
			Help: "Last outbound protocol event sequence number sent.",
		}),
	}
}
