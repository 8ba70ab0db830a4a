package coordinatorsvc

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/itskum47/swarmctl/internal/observability"
	"github.com/itskum47/swarmctl/internal/resilience"
	"github.com/itskum47/swarmctl/internal/store"
	"github.com/itskum47/swarmctl/internal/timeline"
)

// ErrUnknownAgent, ErrNoTasksAvailable, ErrNotInPhase are the sentinel
// outcomes handleClaim translates into the wire response.
var ErrNoTasksAvailable = fmt.Errorf("no_tasks_available")

// priorityRank orders candidates H before M before L; unknown priorities
// sort after L so a malformed backlog entry never jumps the queue.
func priorityRank(p string) int {
	switch p {
	case store.PriorityHigh:
		return 0
	case store.PriorityMedium:
		return 1
	case store.PriorityLow:
		return 2
	default:
		return 3
	}
}

// Claim runs the atomic five-step claim algorithm against the active
// phase: filter candidates whose dependencies are all terminal (blocking
// on a failed dependency instead of leaving it pending forever), order by
// priority then lexical task id, and try locks in order until one is
// acquired or the candidate list is exhausted.
func (s *Service) Claim(ctx context.Context, projectID, agentID string) (*store.Task, error) {
	start := time.Now()
	task, err := s.claim(ctx, projectID, agentID)
	observability.ClaimLatency.Observe(time.Since(start).Seconds())
	switch {
	case err != nil:
		observability.ClaimOutcomes.WithLabelValues("error").Inc()
	case task == nil:
		observability.ClaimOutcomes.WithLabelValues("no_tasks_available").Inc()
	default:
		observability.ClaimOutcomes.WithLabelValues("claimed").Inc()
	}
	return task, err
}

func (s *Service) claim(ctx context.Context, projectID, agentID string) (*store.Task, error) {
	agent, err := s.store.GetAgent(ctx, projectID, agentID)
	if err != nil {
		return nil, fmt.Errorf("claim: get agent: %w", err)
	}
	if agent == nil {
		return nil, resilience.ErrUnknownAgent
	}
	if agent.State == store.AgentWorking || agent.CurrentTask != "" {
		// Already holds an in-progress task: a second claim would overwrite
		// CurrentTask and strand the first task's lock, violating the
		// one-working-task-per-agent invariant.
		return nil, nil
	}

	depth, err := s.coordinator.MergeQueueDepth(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("claim: merge queue depth: %w", err)
	}
	observability.CircuitState.Set(float64(s.circuitBreaker.GetState()))
	if !s.circuitBreaker.ShouldAdmit(depth) {
		observability.ClaimOutcomes.WithLabelValues("circuit_open").Inc()
		return nil, nil
	}

	phase, err := s.store.GetActivePhase(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("claim: get active phase: %w", err)
	}
	if phase == nil {
		return nil, nil
	}

	tasks, err := s.store.ListTasksByIDs(ctx, projectID, phase.TaskIDs)
	if err != nil {
		return nil, fmt.Errorf("claim: list phase tasks: %w", err)
	}

	// Kahn's layering guarantees a task's dependencies sit in strictly
	// earlier phases, so they are never present in tasks/byID above.
	// Load them separately across the whole project instead of assuming
	// same-phase placement.
	depIDSet := make(map[string]struct{})
	for _, t := range tasks {
		if t.Status != store.TaskPending {
			continue
		}
		for _, depID := range t.Dependencies {
			depIDSet[depID] = struct{}{}
		}
	}
	depByID := make(map[string]*store.Task, len(depIDSet))
	if len(depIDSet) > 0 {
		depIDs := make([]string, 0, len(depIDSet))
		for id := range depIDSet {
			depIDs = append(depIDs, id)
		}
		deps, err := s.store.ListTasksByIDs(ctx, projectID, depIDs)
		if err != nil {
			return nil, fmt.Errorf("claim: list dependency tasks: %w", err)
		}
		for _, d := range deps {
			depByID[d.ID] = d
		}
	}

	var candidates []*store.Task
	for _, t := range tasks {
		if t.Status != store.TaskPending {
			continue
		}
		if !s.admission.AllowClaim(t.Priority) {
			continue
		}

		blocked := false
		for _, depID := range t.Dependencies {
			dep, ok := depByID[depID]
			if !ok {
				// Dependency id doesn't resolve to a known task: can't
				// confirm it's merged, so don't treat it as satisfied.
				blocked = true
				continue
			}
			switch dep.Status {
			case store.TaskFailed:
				blocked = true
				s.blockOnFailedDependency(ctx, projectID, phase.Index, t, dep)
			case store.TaskMerged:
				// satisfied
			default:
				// dependency not yet terminal: not a candidate this round
				blocked = true
			}
		}
		if blocked {
			continue
		}
		candidates = append(candidates, t)
	}

	sort.Slice(candidates, func(i, j int) bool {
		ri, rj := priorityRank(candidates[i].Priority), priorityRank(candidates[j].Priority)
		if ri != rj {
			return ri < rj
		}
		return candidates[i].ID < candidates[j].ID
	})

	now := time.Now()
	for _, t := range candidates {
		locked, err := s.coordinator.AcquireLock(ctx, store.LockKey(projectID, t.ID), agentID, s.taskLockTTL)
		if err != nil {
			return nil, fmt.Errorf("claim: acquire lock for %s: %w", t.ID, err)
		}
		if !locked {
			continue
		}

		ok, err := s.store.ClaimTask(ctx, projectID, t.ID, agentID, t.Version, now)
		if err != nil {
			_ = s.coordinator.ReleaseLock(ctx, store.LockKey(projectID, t.ID), agentID)
			return nil, fmt.Errorf("claim: claim task %s: %w", t.ID, err)
		}
		if !ok {
			// Lost the CAS race to another claimer that beat us to the
			// store write despite us holding the lock momentarily; release
			// and try the next candidate.
			_ = s.coordinator.ReleaseLock(ctx, store.LockKey(projectID, t.ID), agentID)
			continue
		}

		if err := s.store.UpdateAgentState(ctx, projectID, agentID, store.AgentWorking, t.ID); err != nil {
			return nil, fmt.Errorf("claim: update agent state: %w", err)
		}

		if s.recorder != nil {
			s.recorder.Record(ctx, projectID, t.ID, phase.Index, timeline.StageClaimed, map[string]string{"agent_id": agentID})
		}

		claimed, err := s.store.GetTask(ctx, projectID, t.ID)
		if err != nil {
			return nil, fmt.Errorf("claim: reload claimed task: %w", err)
		}
		return claimed, nil
	}

	return nil, nil
}

// blockOnFailedDependency transitions t to blocked with a diagnostic
// reason, per spec.md §4.3 step 2. It does not return an error to the
// caller: a transition failure here just leaves the task pending for the
// next claim attempt to retry.
func (s *Service) blockOnFailedDependency(ctx context.Context, projectID string, phaseIndex int, t *store.Task, dep *store.Task) {
	reason := fmt.Sprintf("dependency %s failed", dep.ID)
	err := s.store.UpdateTaskStatus(ctx, projectID, t.ID, store.TaskBlocked, t.Version, func(task *store.Task) {
		task.BlockedReason = reason
	})
	if err != nil {
		return
	}
	if s.recorder != nil {
		s.recorder.Record(ctx, projectID, t.ID, phaseIndex, timeline.StageBlocked, map[string]string{"reason": reason})
	}
	if s.phaseScheduler != nil {
		_ = s.phaseScheduler.Recheck(ctx, projectID)
	}
}
