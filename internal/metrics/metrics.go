package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	AgentsByStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "m2m_hub_agents",
		Help: "Number of agents in the directory by status.",
	}, []string{"status"})
	ControlRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "m2m_hub_control_requests_total",
		Help: "Total control-channel requests by action and outcome.",
	}, []string{"action", "outcome"})
	ControlConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "m2m_hub_control_connections",
		Help: "Currently open control sockets.",
	})
	SweeperTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "m2m_hub_sweeper_transitions_total",
		Help: "Status transitions applied by the sweeper.",
	}, []string{"to"})
	Registrations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "m2m_hub_registrations_total",
		Help: "Total agent registrations.",
	})
	SessionsAccepted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "m2m_peer_sessions_accepted_total",
		Help: "Inbound peer sessions accepted by the listener.",
	})
	SessionsDialed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "m2m_peer_sessions_dialed_total",
		Help: "Outbound peer sessions by outcome.",
	}, []string{"outcome"})
	MessagesDelivered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "m2m_peer_messages_delivered_total",
		Help: "Decrypted application messages dispatched to the runtime.",
	})
	DecryptFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "m2m_peer_decrypt_failures_total",
		Help: "Sealed payloads that failed authentication.",
	})
)
