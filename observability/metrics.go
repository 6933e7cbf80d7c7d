package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RotationSwitches tracks how often the rotator changed the active service.
	RotationSwitches = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mech_rotation_switches_total",
		Help: "Total number of active-service switches performed by the rotator",
	})

	// RotationDecisions tracks rotation decisions by reason.
	RotationDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mech_rotation_decisions_total",
		Help: "Total rotation decisions made, labelled by reason class",
	}, []string{"reason"})

	// ActiveServiceInfo reports the currently active service (1 = active).
	ActiveServiceInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "mech_active_service",
		Help: "Currently active service identity (1 = active)",
	}, []string{"service_config_id"})

	// ServiceRequestsNeeded tracks outstanding requests per staked service.
	ServiceRequestsNeeded = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "mech_service_requests_needed",
		Help: "Requests still needed this epoch for reward eligibility",
	}, []string{"service_config_id"})

	// IntakeRequestsSeen counts requests surfaced by the intake source.
	IntakeRequestsSeen = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mech_intake_requests_seen_total",
		Help: "Unclaimed requests surfaced by the intake source",
	})

	// ClaimAttempts counts lease attempts by result (claimed, lost, ineligible).
	ClaimAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mech_claim_attempts_total",
		Help: "Claim lease attempts by result",
	}, []string{"result"})

	// AgentRuns counts agent subprocess executions by final status.
	AgentRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mech_agent_runs_total",
		Help: "Agent subprocess runs by final status",
	}, []string{"status"})

	// AgentRunDuration tracks agent subprocess execution time.
	AgentRunDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "mech_agent_run_duration_seconds",
		Help:    "Agent subprocess execution time distribution",
		Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1s to ~1h
	})

	// Deliveries counts delivery engine outcomes (done, revoked, failed, noop).
	Deliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mech_deliveries_total",
		Help: "Delivery engine outcomes",
	}, []string{"outcome"})

	// DeliveryDuration tracks end-to-end delivery time per request.
	DeliveryDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "mech_delivery_duration_seconds",
		Help:    "End-to-end delivery time (prepare to verified receipt)",
		Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
	})

	// PendingDeliveries tracks the size of the pending-delivery map.
	PendingDeliveries = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mech_pending_deliveries",
		Help: "Requests with an in-flight delivery submission",
	})

	// DeliveryRetries counts submit retries by error class.
	DeliveryRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mech_delivery_retries_total",
		Help: "Delivery submit retries by error class",
	}, []string{"class"})

	// RPCLatency tracks chain RPC roundtrip latency per method.
	RPCLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "mech_rpc_latency_seconds",
		Help:    "Chain RPC roundtrip latency",
		Buckets: prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms to ~20s
	}, []string{"method"})

	// RPCCircuitState tracks the chain client circuit breaker state.
	RPCCircuitState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "mech_rpc_circuit_state",
		Help: "Chain RPC circuit breaker state (0=closed, 1=half_open, 2=open)",
	}, []string{"state"})

	// ActivityCacheHits counts activity monitor cache hits by cache name.
	ActivityCacheHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mech_activity_cache_hits_total",
		Help: "Activity monitor cache hits by cache (contract, checkpoint, dashboard)",
	}, []string{"cache"})

	// ProxyRequests counts signing-proxy requests by route and status code.
	ProxyRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mech_proxy_requests_total",
		Help: "Signing proxy requests by route and HTTP status",
	}, []string{"route", "code"})

	// WorkerRestarts counts supervisor-initiated worker restarts.
	WorkerRestarts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mech_worker_restarts_total",
		Help: "Worker processes restarted by the supervisor",
	}, []string{"worker_id"})

	// ConnectedWorkers tracks workers with a fresh status heartbeat.
	ConnectedWorkers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mech_connected_workers",
		Help: "Worker processes with a fresh status heartbeat",
	})
)
