package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ClaimLatency tracks the time spent inside the claim algorithm,
	// including any lock-contention retries across candidates.
	ClaimLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "swarmctl_claim_latency_seconds",
		Help:    "Time spent servicing a claim request end to end",
		Buckets: prometheus.DefBuckets,
	})

	// ClaimOutcomes tracks claim results by kind (claimed, no_tasks_available,
	// blocked_dependency_failed).
	ClaimOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "swarmctl_claim_outcomes_total",
		Help: "Total claim attempts by outcome",
	}, []string{"outcome"})

	// TaskQueueDepth tracks the number of pending tasks per priority tier.
	TaskQueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "swarmctl_task_queue_depth",
		Help: "Current number of pending tasks by priority",
	}, []string{"priority"})

	// MergeQueueDepth tracks the length of the sequential merge FIFO.
	MergeQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "swarmctl_merge_queue_depth",
		Help: "Current number of merge requests waiting on the sequential worker",
	})

	// MergeOutcomes tracks merge worker results by kind (merged, conflict,
	// test_failed, merge_failed).
	MergeOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "swarmctl_merge_outcomes_total",
		Help: "Total merge attempts by outcome",
	}, []string{"outcome"})

	// MergeStepDuration tracks the duration of each merge-worker step
	// (refresh, probe, test, integrate, cleanup).
	MergeStepDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "swarmctl_merge_step_duration_seconds",
		Help:    "Duration of each merge worker step",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
	}, []string{"step"})

	// PhaseAdvancements tracks phase-scheduler activations.
	PhaseAdvancements = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "swarmctl_phase_advancements_total",
		Help: "Total phase activations",
	}, []string{"project_id"})

	// ReaperResets tracks tasks forcibly reclaimed from a dead agent.
	ReaperResets = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "swarmctl_reaper_resets_total",
		Help: "Total tasks reset by the reaper due to a stale heartbeat",
	}, []string{"project_id"})

	// ConnectedAgents tracks the number of registered, non-offline agents.
	ConnectedAgents = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "swarmctl_connected_agents",
		Help: "Current number of connected agents",
	}, []string{"project_id"})

	// AdmissionMode tracks the coordinator's current admission mode
	// (0=normal, 1=degraded, 2=read_only, 3=draining).
	AdmissionMode = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "swarmctl_admission_mode",
		Help: "Current claim admission mode",
	})

	// CircuitState tracks the merge-backpressure circuit breaker state
	// (0=closed, 1=half_open, 2=open).
	CircuitState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "swarmctl_circuit_state",
		Help: "Current circuit breaker state gating claim admission",
	})

	// LeaderEpoch tracks the current fencing epoch for the elected
	// coordinator replica.
	LeaderEpoch = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "swarmctl_leader_epoch",
		Help: "Current fencing epoch of the leader",
	}, []string{"node_id"})

	// LeaderTransitions tracks leadership acquisition and loss events.
	LeaderTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "swarmctl_leader_transitions_total",
		Help: "Total number of leadership transitions",
	}, []string{"node_id", "event"})

	// LeaderTransitionDuration tracks the time spent in the step-down to
	// become-leader window.
	LeaderTransitionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "swarmctl_leader_transition_duration_seconds",
		Help:    "Time taken for a leadership transition",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
	})

	// APIRateLimited tracks requests rejected by storm-protection rate
	// limiters.
	APIRateLimited = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "swarmctl_api_rate_limited_total",
		Help: "API requests rejected by rate limiter (storm protection)",
	}, []string{"endpoint"})

	// RedisLatency tracks Redis operation roundtrip latency.
	RedisLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "swarmctl_redis_roundtrip_latency_seconds",
		Help:    "Redis operation latency",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 10),
	})

	// IdempotentReplays tracks requests served from the idempotency cache
	// instead of re-executing the handler.
	IdempotentReplays = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "swarmctl_idempotent_replays_total",
		Help: "Total requests replayed from the idempotency cache",
	}, []string{"endpoint"})
)
