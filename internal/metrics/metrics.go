// Package metrics declares the process-wide Prometheus collectors for
// AgentIM, following the teacher's namespace_subsystem_name convention.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ActiveClientConnections tracks live client-socket connections.
	ActiveClientConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "agentim", Subsystem: "hub", Name: "client_connections_active",
		Help: "Current number of active client WebSocket connections.",
	})

	// ActiveGatewayConnections tracks live gateway-socket connections.
	ActiveGatewayConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "agentim", Subsystem: "hub", Name: "gateway_connections_active",
		Help: "Current number of active gateway WebSocket connections.",
	})

	// ActiveRooms tracks rooms with at least one joined client.
	ActiveRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "agentim", Subsystem: "room", Name: "rooms_active",
		Help: "Current number of rooms with at least one joined client socket.",
	})

	// OnlineAgents tracks agents currently bound to a live gateway.
	OnlineAgents = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "agentim", Subsystem: "agent", Name: "online_total",
		Help: "Current number of agents bound to a connected gateway.",
	})

	// DispatchesTotal counts routing-engine dispatch decisions.
	DispatchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "agentim", Subsystem: "routing", Name: "dispatches_total",
		Help: "Total dispatch decisions made by the routing engine.",
	}, []string{"mode", "outcome"})

	// ChainDepthSuppressed counts dispatches suppressed by max chain depth.
	ChainDepthSuppressed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "agentim", Subsystem: "routing", Name: "chain_depth_suppressed_total",
		Help: "Total relays suppressed because maxChainDepth was reached.",
	})

	// ChainCycleBlocked counts relays suppressed by the visited-set cycle guard.
	ChainCycleBlocked = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "agentim", Subsystem: "routing", Name: "chain_cycle_blocked_total",
		Help: "Total relays suppressed because the target agent already appears in the chain's visited set.",
	})

	// AgentRateLimited counts agent-to-agent routes dropped by the per-agent rate limiter.
	AgentRateLimited = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "agentim", Subsystem: "routing", Name: "agent_rate_limited_total",
		Help: "Total agent-to-agent routes persisted but not dispatched due to the per-agent rate limit.",
	})

	// QueueDepth tracks each agent's FIFO work-queue depth.
	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "agentim", Subsystem: "agentmgr", Name: "queue_depth",
		Help: "Current FIFO queue depth for an agent.",
	}, []string{"agent_id"})

	// QueueOverflow counts dropped sends due to a full per-agent queue.
	QueueOverflow = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "agentim", Subsystem: "agentmgr", Name: "queue_overflow_total",
		Help: "Total sends dropped because an agent's FIFO queue was full.",
	})

	// PermissionRequestsTotal counts permission requests by outcome.
	PermissionRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "agentim", Subsystem: "permission", Name: "requests_total",
		Help: "Total permission requests by terminal outcome.",
	}, []string{"outcome"})

	// RevocationChecksTotal counts revocation lookups by layer and result.
	RevocationChecksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "agentim", Subsystem: "revocation", Name: "checks_total",
		Help: "Total revocation checks by layer consulted and result.",
	}, []string{"layer", "result"})

	// RateLimitExceeded counts requests rejected by the HTTP/WS rate limiters.
	RateLimitExceeded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "agentim", Subsystem: "rate_limit", Name: "exceeded_total",
		Help: "Total requests that exceeded a configured rate limit.",
	}, []string{"endpoint", "reason"})

	// CircuitBreakerState tracks gobreaker state per dependency (0 closed, 1 open, 2 half-open).
	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "agentim", Subsystem: "circuit_breaker", Name: "state",
		Help: "Current circuit breaker state per dependency (0: Closed, 1: Open, 2: Half-Open).",
	}, []string{"service"})

	// WorkspaceProbeDuration tracks workspace probe latency.
	WorkspaceProbeDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "agentim", Subsystem: "workspace", Name: "probe_duration_seconds",
		Help:    "Time spent running the bounded workspace probe.",
		Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 15},
	})

	// AdapterTurnDuration tracks adapter turn latency by adapter type and outcome.
	AdapterTurnDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "agentim", Subsystem: "adapter", Name: "turn_duration_seconds",
		Help:    "Duration of a single adapter turn.",
		Buckets: prometheus.DefBuckets,
	}, []string{"agent_type", "outcome"})
)
