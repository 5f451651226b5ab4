// Package metrics provides Prometheus instrumentation for the ATM daemon.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Inbox store metrics (§4.1).
var (
	InboxConflictsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "atm_inbox_conflicts_total",
		Help: "Total number of concurrent-write conflicts resolved by merge.",
	}, []string{"team", "agent"})

	InboxLockWaitSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "atm_inbox_lock_wait_seconds",
		Help:    "Time spent waiting to acquire an inbox file lock.",
		Buckets: prometheus.DefBuckets,
	}, []string{"team", "agent"})

	InboxLockStealsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "atm_inbox_lock_steals_total",
		Help: "Total number of stale locks reclaimed from a dead holder.",
	}, []string{"team", "agent"})
)

// Spool fallback metrics (§4.2).
var (
	SpoolDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "atm_spool_depth",
		Help: "Number of messages currently queued in an agent's spool.",
	}, []string{"team", "agent"})

	SpoolDrainedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "atm_spool_drained_total",
		Help: "Total number of spooled messages successfully merged back into an inbox.",
	}, []string{"team", "agent"})
)

// Dedupe store metrics (§4.7).
var (
	DedupeSize = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "atm_dedupe_entries",
		Help: "Number of entries currently held in a dedupe store.",
	}, []string{"team"})

	DedupeHitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "atm_dedupe_hits_total",
		Help: "Total number of duplicate sends rejected by a dedupe store.",
	}, []string{"team"})
)

// Agent/lifecycle metrics (§4.9, §4.10).
var (
	ActiveAgents = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "atm_active_agents",
		Help: "Number of agents with live process state, by turn state.",
	}, []string{"team", "state"})

	LifecycleRestartsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "atm_lifecycle_restarts_total",
		Help: "Total number of automatic process restarts performed by the lifecycle manager.",
	}, []string{"team", "agent"})
)

// Pub/sub metrics (§4.8).
var (
	PubsubSubscribersActive = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "atm_pubsub_subscribers_active",
		Help: "Number of active subscribers on a topic.",
	}, []string{"topic"})
)

// Elicitation metrics (§4.11).
var (
	ElicitationsPending = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "atm_elicitations_pending",
		Help: "Number of elicitation requests currently awaiting resolution.",
	})

	ElicitationTimeoutsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "atm_elicitation_timeouts_total",
		Help: "Total number of elicitation requests that expired before resolution.",
	})
)

// Control socket metrics (§4.13).
var (
	ControlRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "atm_control_requests_total",
		Help: "Total number of control socket requests handled, by command and result code.",
	}, []string{"command", "code"})
)

// HTTP metrics (the daemon's /metrics scrape endpoint, per internal/metrics.HTTPMiddleware).
var (
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "atm_http_requests_total",
		Help: "Total number of HTTP requests served by the daemon, by method, path and status code.",
	}, []string{"method", "path", "code"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "atm_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds, by method and path.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})
)

// Bridge sync metrics (§4.14).
var (
	BridgeCircuitState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "atm_bridge_circuit_state",
		Help: "Bridge remote circuit breaker state (0=closed, 1=open, 2=half-open).",
	}, []string{"remote"})

	BridgeSyncedMessagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "atm_bridge_synced_messages_total",
		Help: "Total number of messages successfully pushed or pulled across a bridge remote.",
	}, []string{"remote", "direction"})
)
