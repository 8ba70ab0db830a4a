package phase

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/itskum47/swarmctl/internal/notify"
	"github.com/itskum47/swarmctl/internal/observability"
	"github.com/itskum47/swarmctl/internal/store"
	"github.com/itskum47/swarmctl/internal/timeline"
)

// phaseEventKind marks a phase-activation broadcast; this is distinct from
// the per-agent event kinds in store/types.go since it targets every idle
// agent in the project, not one task's owning agent.
const phaseEventKind = "phase_activated"
const backlogCompleteEventKind = "backlog_complete"

// Scheduler re-evaluates phase advancement after every task terminal-state
// transition, per spec.md §4.4: once every task in the active phase is
// terminal, it activates the next phase and broadcasts so idle agents wake
// without waiting out a full poll interval.
type Scheduler struct {
	store    store.Store
	notifier *notify.Notifier
	recorder *timeline.Recorder
}

func NewScheduler(s store.Store, n *notify.Notifier, r *timeline.Recorder) *Scheduler {
	return &Scheduler{store: s, notifier: n, recorder: r}
}

// Recheck implements reaper.PhaseRechecker, letting the reaper trigger
// the same re-evaluation after it resets a task to pending (a task
// becoming pending again cannot complete a phase, but liveness must still
// be re-checked in case other tasks in the phase are already terminal).
func (s *Scheduler) Recheck(ctx context.Context, projectID string) error {
	return s.Advance(ctx, projectID)
}

// Advance re-checks the active phase and, if every task in it is terminal,
// activates the next one (or marks the backlog complete).
func (s *Scheduler) Advance(ctx context.Context, projectID string) error {
	active, err := s.store.GetActivePhase(ctx, projectID)
	if err != nil {
		return fmt.Errorf("phase: get active phase: %w", err)
	}
	if active == nil {
		return nil
	}

	tasks, err := s.store.ListTasksByIDs(ctx, projectID, active.TaskIDs)
	if err != nil {
		return fmt.Errorf("phase: list tasks: %w", err)
	}

	for _, t := range tasks {
		if !t.IsTerminal() {
			return nil
		}
	}

	now := time.Now()
	if err := s.store.UpdatePhaseStatus(ctx, projectID, active.Index, store.PhaseCompleted, now); err != nil {
		return fmt.Errorf("phase: complete phase %d: %w", active.Index, err)
	}
	log.Printf("phase: project %s phase %d completed", projectID, active.Index)

	next, err := s.store.GetPhase(ctx, projectID, active.Index+1)
	if err != nil {
		return fmt.Errorf("phase: get next phase: %w", err)
	}
	if next == nil {
		return s.completeBacklog(ctx, projectID)
	}

	if err := s.store.UpdatePhaseStatus(ctx, projectID, next.Index, store.PhaseActive, now); err != nil {
		return fmt.Errorf("phase: activate phase %d: %w", next.Index, err)
	}
	observability.PhaseAdvancements.WithLabelValues(projectID).Inc()
	log.Printf("phase: project %s phase %d activated", projectID, next.Index)

	if s.recorder != nil {
		s.recorder.Record(ctx, projectID, "", next.Index, timeline.StagePhaseActivated, nil)
	}

	return s.broadcastIdleAgents(ctx, projectID, phaseEventKind)
}

func (s *Scheduler) completeBacklog(ctx context.Context, projectID string) error {
	if err := s.store.SetBacklogComplete(ctx, projectID); err != nil {
		return fmt.Errorf("phase: set backlog complete: %w", err)
	}
	log.Printf("phase: project %s backlog complete", projectID)

	if s.recorder != nil {
		s.recorder.Record(ctx, projectID, "", 0, timeline.StageBacklogComplete, nil)
	}

	return s.broadcastIdleAgents(ctx, projectID, backlogCompleteEventKind)
}

func (s *Scheduler) broadcastIdleAgents(ctx context.Context, projectID string, eventKind string) error {
	if s.notifier == nil {
		return nil
	}
	agents, err := s.store.ListAgents(ctx, projectID)
	if err != nil {
		return fmt.Errorf("phase: list agents for broadcast: %w", err)
	}
	var ids []string
	for _, a := range agents {
		ids = append(ids, a.ID)
	}
	return s.notifier.Broadcast(ctx, projectID, ids, eventKind, nil)
}
