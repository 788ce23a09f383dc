// Package metrics provides Prometheus instrumentation for the escrow
// service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// TransitionsTotal counts applied state machine transitions.
	TransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "worklock",
			Name:      "escrow_transitions_total",
			Help:      "Applied escrow transitions by event and resulting status.",
		},
		[]string{"event", "to_status"},
	)

	// TransitionRejectionsTotal counts commands refused by the engine.
	TransitionRejectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "worklock",
			Name:      "escrow_transition_rejections_total",
			Help:      "Escrow commands rejected by reason.",
		},
		[]string{"reason"},
	)

	// GatewayCallsTotal counts payment gateway round-trips.
	GatewayCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "worklock",
			Name:      "gateway_calls_total",
			Help:      "Payment gateway calls by operation and result.",
		},
		[]string{"operation", "result"},
	)

	// WebhookEventsTotal counts inbound gateway webhook events.
	WebhookEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "worklock",
			Name:      "gateway_webhook_events_total",
			Help:      "Inbound gateway webhook events by kind and disposition.",
		},
		[]string{"kind", "disposition"},
	)
)

func init() {
	prometheus.MustRegister(
		TransitionsTotal,
		TransitionRejectionsTotal,
		GatewayCallsTotal,
		WebhookEventsTotal,
	)
}
