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

// CompleteRequest carries the outcome an agent reports for a claimed task.
type CompleteRequest struct {
	AgentID  string
	TaskID   string
	Outcome  string // OutcomeSuccess or OutcomeFailure
	Branch   string
	PRHandle string
}

const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// Complete verifies the caller holds the claim lock, then applies the
// success or failure transition exactly as spec.md §4.3 describes: success
// clears the lock and enqueues a merge request (phase advancement then
// waits for the merge worker's eventual "merged" write); failure clears
// the lock and immediately re-triggers phase advancement, since `failed`
// is itself a terminal status.
func (s *Service) Complete(ctx context.Context, projectID string, req CompleteRequest) error {
	lockKey := store.LockKey(projectID, req.TaskID)
	owner, err := s.coordinator.GetLockOwner(ctx, lockKey)
	if err != nil {
		return fmt.Errorf("complete: get lock owner: %w", err)
	}
	if owner == "" {
		return resilience.ErrClaimConflict
	}
	if owner != req.AgentID {
		return resilience.ErrWrongAgent
	}

	task, err := s.store.GetTask(ctx, projectID, req.TaskID)
	if err != nil {
		return fmt.Errorf("complete: get task: %w", err)
	}
	if task == nil {
		return resilience.ErrUnknownTask
	}

	switch req.Outcome {
	case OutcomeSuccess:
		return s.completeSuccess(ctx, projectID, task, req)
	case OutcomeFailure:
		return s.completeFailure(ctx, projectID, task)
	default:
		return resilience.ErrValidation
	}
}

func (s *Service) completeSuccess(ctx context.Context, projectID string, task *store.Task, req CompleteRequest) error {
	now := time.Now()
	err := s.store.UpdateTaskStatus(ctx, projectID, task.ID, store.TaskDone, task.Version, func(t *store.Task) {
		t.Branch = req.Branch
		t.PRHandle = req.PRHandle
		t.CompletedAt = &now
	})
	if err != nil {
		return fmt.Errorf("complete: mark done: %w", err)
	}

	if err := s.coordinator.ReleaseLock(ctx, store.LockKey(projectID, task.ID), req.AgentID); err != nil {
		return fmt.Errorf("complete: release lock: %w", err)
	}
	if err := s.store.UpdateAgentState(ctx, projectID, req.AgentID, store.AgentIdle, ""); err != nil {
		return fmt.Errorf("complete: update agent state: %w", err)
	}

	if err := s.coordinator.EnqueueMerge(ctx, &store.MergeRequest{
		TaskID:     task.ID,
		ProjectID:  projectID,
		Branch:     req.Branch,
		PRHandle:   req.PRHandle,
		AgentID:    req.AgentID,
		EnqueuedAt: now,
	}); err != nil {
		return fmt.Errorf("complete: enqueue merge: %w", err)
	}

	depth, err := s.coordinator.MergeQueueDepth(ctx, projectID)
	if err == nil {
		observability.MergeQueueDepth.Set(float64(depth))
	}

	if s.recorder != nil {
		s.recorder.Record(ctx, projectID, task.ID, 0, timeline.StageCompleted, map[string]string{
			"agent_id": req.AgentID,
			"branch":   req.Branch,
		})
	}
	return nil
}

func (s *Service) completeFailure(ctx context.Context, projectID string, task *store.Task) error {
	err := s.store.UpdateTaskStatus(ctx, projectID, task.ID, store.TaskFailed, task.Version, func(t *store.Task) {})
	if err != nil {
		return fmt.Errorf("complete: mark failed: %w", err)
	}

	if err := s.coordinator.ReleaseLock(ctx, store.LockKey(projectID, task.ID), task.AssignedAgent); err != nil {
		return fmt.Errorf("complete: release lock: %w", err)
	}
	if err := s.store.UpdateAgentState(ctx, projectID, task.AssignedAgent, store.AgentIdle, ""); err != nil {
		return fmt.Errorf("complete: update agent state: %w", err)
	}

	if s.recorder != nil {
		s.recorder.Record(ctx, projectID, task.ID, 0, timeline.StageFailed, map[string]string{
			"agent_id": task.AssignedAgent,
		})
	}

	if s.phaseScheduler != nil {
		if err := s.phaseScheduler.Recheck(ctx, projectID); err != nil {
			return fmt.Errorf("complete: phase recheck: %w", err)
		}
	}
	return nil
}
