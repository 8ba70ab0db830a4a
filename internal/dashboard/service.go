// Package dashboard aggregates operator-facing status across the store,
// merge queue, admission gate, circuit breaker, and leader election into a
// single snapshot, served both as a one-shot JSON response and as a
// periodic WebSocket push, adapted from the teacher's
// DashboardService/MetricsHub pair.
package dashboard

import (
	"context"
	"time"

	"github.com/itskum47/swarmctl/internal/coordination"
	"github.com/itskum47/swarmctl/internal/resilience"
	"github.com/itskum47/swarmctl/internal/store"
)

// CircuitStater decouples the dashboard from coordinatorsvc's concrete
// breaker type the same way PhaseRechecker decouples the reaper from the
// phase scheduler.
type CircuitStater interface {
	String() string
}

// Snapshot is the complete dashboard state for one project.
type Snapshot struct {
	ProjectID string `json:"project_id"`

	PendingTasks    int `json:"pending_tasks"`
	ActiveTasks     int `json:"active_tasks"`
	DoneTasks       int `json:"done_tasks"`
	MergedTasks     int `json:"merged_tasks"`
	FailedTasks     int `json:"failed_tasks"`
	BlockedTasks    int `json:"blocked_tasks"`
	ConflictTasks   int `json:"conflict_tasks"`
	TestFailedTasks int `json:"test_failed_tasks"`
	MergeQueueDepth int `json:"merge_queue_depth"`

	ActiveAgents int `json:"active_agents"`
	TotalAgents  int `json:"total_agents"`

	CurrentPhase    int    `json:"current_phase"`
	PhaseStatus     string `json:"phase_status"`
	BacklogComplete bool   `json:"backlog_complete"`

	AdmissionMode       string `json:"admission_mode"`
	CircuitBreakerState string `json:"circuit_breaker_state"`

	IsLeader          bool   `json:"is_leader"`
	CurrentEpoch      int64  `json:"current_epoch"`
	LeaderTransitions int    `json:"leader_transitions"`
	NodeID            string `json:"node_id"`

	Timestamp int64 `json:"timestamp"`
}

// Service collects a Snapshot for one project on demand. Every field it
// reads already exists for its own purpose elsewhere (claim admission,
// merge queue, leader election) — this just aggregates, it owns no state
// of its own.
type Service struct {
	store          store.Store
	coordinator    store.Coordinator
	admission      *resilience.AdmissionGate
	circuitBreaker CircuitStater
	elector        *coordination.LeaderElector
}

func NewService(s store.Store, c store.Coordinator, admission *resilience.AdmissionGate, circuitBreaker CircuitStater, elector *coordination.LeaderElector) *Service {
	return &Service{
		store:          s,
		coordinator:    c,
		admission:      admission,
		circuitBreaker: circuitBreaker,
		elector:        elector,
	}
}

// Collect builds a Snapshot for projectID. Store errors are not fatal to
// the whole snapshot since a dashboard is best-effort diagnostics, not a
// decision input — each section degrades to its zero value on error.
func (s *Service) Collect(ctx context.Context, projectID string) Snapshot {
	snap := Snapshot{ProjectID: projectID, Timestamp: time.Now().Unix()}

	if tasks, err := s.store.ListTasks(ctx, projectID); err == nil {
		for _, t := range tasks {
			switch t.Status {
			case store.TaskPending:
				snap.PendingTasks++
			case store.TaskInProgress:
				snap.ActiveTasks++
			case store.TaskDone:
				snap.DoneTasks++
			case store.TaskMerged:
				snap.MergedTasks++
			case store.TaskFailed:
				snap.FailedTasks++
			case store.TaskBlocked:
				snap.BlockedTasks++
			case store.TaskConflict:
				snap.ConflictTasks++
			case store.TaskTestFailed:
				snap.TestFailedTasks++
			}
		}
	}

	if agents, err := s.store.ListAgents(ctx, projectID); err == nil {
		snap.TotalAgents = len(agents)
		for _, a := range agents {
			if a.State != store.AgentOffline {
				snap.ActiveAgents++
			}
		}
	}

	if depth, err := s.coordinator.MergeQueueDepth(ctx, projectID); err == nil {
		snap.MergeQueueDepth = int(depth)
	}

	if phase, err := s.store.GetActivePhase(ctx, projectID); err == nil && phase != nil {
		snap.CurrentPhase = phase.Index
		snap.PhaseStatus = phase.Status
	}
	if complete, err := s.store.IsBacklogComplete(ctx, projectID); err == nil {
		snap.BacklogComplete = complete
	}

	if s.admission != nil {
		snap.AdmissionMode = s.admission.Mode().String()
	}
	if s.circuitBreaker != nil {
		snap.CircuitBreakerState = s.circuitBreaker.String()
	}

	if s.elector != nil {
		state := s.elector.GetState()
		snap.IsLeader = state.IsLeader
		snap.CurrentEpoch = state.CurrentEpoch
		snap.LeaderTransitions = state.Transitions
		snap.NodeID = state.NodeID
	}

	return snap
}
