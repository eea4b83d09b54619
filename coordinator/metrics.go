package coordinator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Process-local counters for coordinator traffic. The store-side hash
// {pfx}:wf:metrics carries the cross-process counters; these feed the
// host's Prometheus registry.
var (
	messagesSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "agentcore",
		Subsystem: "coordinator",
		Name:      "messages_sent_total",
		Help:      "Messages enqueued, by recipient agent type.",
	}, []string{"agent_type"})

	messagesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "agentcore",
		Subsystem: "coordinator",
		Name:      "messages_received_total",
		Help:      "Messages reserved by consumers, by agent type.",
	}, []string{"agent_type"})

	messagesAcked = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "agentcore",
		Subsystem: "coordinator",
		Name:      "messages_acked_total",
		Help:      "Reservations acknowledged, by agent type.",
	}, []string{"agent_type"})

	messagesNacked = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "agentcore",
		Subsystem: "coordinator",
		Name:      "messages_nacked_total",
		Help:      "Reservations negatively acknowledged, by agent type and failure.",
	}, []string{"agent_type", "failure"})

	messagesDeadLettered = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "agentcore",
		Subsystem: "coordinator",
		Name:      "messages_dead_lettered_total",
		Help:      "Payloads moved to the dead-letter queue, by agent type.",
	}, []string{"agent_type"})

	reservationsRecovered = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "agentcore",
		Subsystem: "coordinator",
		Name:      "reservations_recovered_total",
		Help:      "Expired reservations reclaimed (re-enqueued, or dead-lettered when undecodable).",
	})

	validationRepairs = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "agentcore",
		Subsystem: "validator",
		Name:      "repairs_total",
		Help:      "State repairs performed by the validator.",
	})

	validationErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "agentcore",
		Subsystem: "validator",
		Name:      "errors_total",
		Help:      "Inconsistencies the validator could not repair.",
	})
)
