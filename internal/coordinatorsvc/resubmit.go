package coordinatorsvc

import (
	"context"
	"fmt"
	"time"

	"github.com/itskum47/swarmctl/internal/observability"
	"github.com/itskum47/swarmctl/internal/resilience"
	"github.com/itskum47/swarmctl/internal/store"
	"github.com/itskum47/swarmctl/internal/timeline"
)

// ResubmitRequest re-queues a task's merge after the agent runtime's fix
// loop (spec.md §4.6h) pushes a fix commit, or reports that the fix loop
// gave up. The claim lock is already released by the time conflict/
// test_failed lands (Complete releases it unconditionally), so re-admission
// is authorized by task.AssignedAgent instead of lock ownership.
type ResubmitRequest struct {
	AgentID  string
	TaskID   string
	Branch   string
	PRHandle string
	Outcome  string // ResubmitOutcomeFixed (default) or ResubmitOutcomeAbandoned
}

const (
	ResubmitOutcomeFixed     = "fixed"
	ResubmitOutcomeAbandoned = "abandoned"
)

// Resubmit re-enqueues a merge for a task the fix loop just repaired, or
// marks it permanently failed if the fix loop exhausted its budget. Only
// valid from the two states a fix loop can act on; anything else is a
// precondition violation, not a conflict, since no concurrent claimer can
// be racing a task in conflict/test_failed.
func (s *Service) Resubmit(ctx context.Context, projectID string, req ResubmitRequest) error {
	task, err := s.store.GetTask(ctx, projectID, req.TaskID)
	if err != nil {
		return fmt.Errorf("resubmit: get task: %w", err)
	}
	if task == nil {
		return resilience.ErrUnknownTask
	}
	if task.AssignedAgent != req.AgentID {
		return resilience.ErrWrongAgent
	}
	if task.Status != store.TaskConflict && task.Status != store.TaskTestFailed {
		return resilience.ErrPrecondition
	}

	if req.Outcome == ResubmitOutcomeAbandoned {
		return s.resubmitAbandoned(ctx, projectID, task)
	}

	now := time.Now()
	err = s.store.UpdateTaskStatus(ctx, projectID, task.ID, store.TaskDone, task.Version, func(t *store.Task) {
		t.Branch = req.Branch
		t.PRHandle = req.PRHandle
		t.CompletedAt = &now
	})
	if err != nil {
		return fmt.Errorf("resubmit: mark done: %w", err)
	}

	if err := s.coordinator.EnqueueMerge(ctx, &store.MergeRequest{
		TaskID:     task.ID,
		ProjectID:  projectID,
		Branch:     req.Branch,
		PRHandle:   req.PRHandle,
		AgentID:    req.AgentID,
		EnqueuedAt: now,
	}); err != nil {
		return fmt.Errorf("resubmit: enqueue merge: %w", err)
	}

	depth, err := s.coordinator.MergeQueueDepth(ctx, projectID)
	if err == nil {
		observability.MergeQueueDepth.Set(float64(depth))
	}

	if s.recorder != nil {
		s.recorder.Record(ctx, projectID, task.ID, 0, timeline.StageCompleted, map[string]string{
			"agent_id": req.AgentID,
			"branch":   req.Branch,
			"resubmit": "true",
		})
	}
	return nil
}

// resubmitAbandoned marks a task permanently failed after the fix loop ran
// out of iterations or time. Unlike completeFailure it has no claim lock to
// release — that happened when the task first reported success — so it
// only needs the task's own version for the CAS write.
func (s *Service) resubmitAbandoned(ctx context.Context, projectID string, task *store.Task) error {
	err := s.store.UpdateTaskStatus(ctx, projectID, task.ID, store.TaskFailed, task.Version, func(t *store.Task) {})
	if err != nil {
		return fmt.Errorf("resubmit: mark failed: %w", err)
	}

	if err := s.store.UpdateAgentState(ctx, projectID, task.AssignedAgent, store.AgentIdle, ""); err != nil {
		return fmt.Errorf("resubmit: update agent state: %w", err)
	}

	if s.recorder != nil {
		s.recorder.Record(ctx, projectID, task.ID, 0, timeline.StageFailed, map[string]string{
			"agent_id": task.AssignedAgent,
			"resubmit": "abandoned",
		})
	}

	if s.phaseScheduler != nil {
		if err := s.phaseScheduler.Recheck(ctx, projectID); err != nil {
			return fmt.Errorf("resubmit: phase recheck: %w", err)
		}
	}
	return nil
}
