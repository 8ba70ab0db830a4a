package reaper

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/itskum47/swarmctl/internal/observability"
	"github.com/itskum47/swarmctl/internal/store"
	"github.com/itskum47/swarmctl/internal/timeline"
)

// PhaseRechecker is invoked after a task is reset to pending, since
// liveness was restored but a phase cannot complete on this task's
// account — satisfied by *phase.Scheduler without importing it here
// (internal/phase already depends on internal/store, not the reverse).
type PhaseRechecker interface {
	Recheck(ctx context.Context, projectID string) error
}

// Reaper periodically scans every registered agent's last heartbeat and
// reclaims work held by any agent that has gone silent for longer than
// timeout, per spec.md §4.7. Unlike the teacher's AgentMonitor (which only
// flips agent.state), the reaper additionally owns releasing the claim
// lock and resetting the task to pending — this spec's reaper is the sole
// authority permitted to do so.
type Reaper struct {
	store       store.Store
	coordinator store.Coordinator
	recorder    *timeline.Recorder
	recheck     PhaseRechecker
	interval    time.Duration
	timeout     time.Duration

	// listProjects returns every project with an active backlog, so one
	// reaper instance can sweep a multi-project deployment per tick.
	listProjects func(ctx context.Context) ([]string, error)
}

func New(s store.Store, c store.Coordinator, recorder *timeline.Recorder, recheck PhaseRechecker, interval, timeout time.Duration, listProjects func(ctx context.Context) ([]string, error)) *Reaper {
	return &Reaper{
		store:        s,
		coordinator:  c,
		recorder:     recorder,
		recheck:      recheck,
		interval:     interval,
		timeout:      timeout,
		listProjects: listProjects,
	}
}

func (r *Reaper) Start(ctx context.Context) {
	go r.loop(ctx)
}

func (r *Reaper) loop(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	log.Printf("reaper: starting (interval=%v, agent_timeout=%v)", r.interval, r.timeout)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			projects, err := r.listProjects(ctx)
			if err != nil {
				log.Printf("reaper: failed to list projects: %v", err)
				continue
			}
			for _, projectID := range projects {
				r.Sweep(ctx, projectID)
			}
		}
	}
}

// Sweep scans one project's agents for stale heartbeats, reclaiming any
// in-progress task held by a now-dead agent.
func (r *Reaper) Sweep(ctx context.Context, projectID string) {
	if _, err := r.SweepNow(ctx, projectID); err != nil {
		log.Printf("reaper: sweep failed for project %s: %v", projectID, err)
	}
}

// SweepNow runs one sweep pass synchronously and reports how many tasks
// were reclaimed, so the operator-facing cleanup endpoint can surface a
// count instead of firing the periodic sweep blind.
func (r *Reaper) SweepNow(ctx context.Context, projectID string) (int, error) {
	agents, err := r.store.ListAgents(ctx, projectID)
	if err != nil {
		return 0, fmt.Errorf("reaper: list agents for project %s: %w", projectID, err)
	}

	now := time.Now()
	active := 0
	reclaimed := 0

	for _, agent := range agents {
		if agent.State == store.AgentOffline {
			continue
		}
		if now.Sub(agent.LastHeartbeat) <= r.timeout {
			active++
			continue
		}

		log.Printf("reaper: agent %s heartbeat expired (last=%s), marking offline", agent.ID, agent.LastHeartbeat)
		if err := r.store.UpdateAgentState(ctx, projectID, agent.ID, store.AgentOffline, ""); err != nil {
			log.Printf("reaper: failed to mark agent %s offline: %v", agent.ID, err)
			continue
		}

		if agent.CurrentTask == "" {
			continue
		}
		if r.reclaimTask(ctx, projectID, agent) {
			reclaimed++
		}
	}

	observability.ConnectedAgents.WithLabelValues(projectID).Set(float64(active))

	if reclaimed > 0 && r.recheck != nil {
		if err := r.recheck.Recheck(ctx, projectID); err != nil {
			log.Printf("reaper: phase recheck failed for project %s: %v", projectID, err)
		}
	}

	return reclaimed, nil
}

func (r *Reaper) reclaimTask(ctx context.Context, projectID string, agent *store.Agent) bool {
	taskID := agent.CurrentTask

	if err := r.coordinator.ReleaseLock(ctx, store.LockKey(projectID, taskID), agent.ID); err != nil {
		log.Printf("reaper: failed to release lock for task %s: %v", taskID, err)
	}

	task, err := r.store.GetTask(ctx, projectID, taskID)
	if err != nil {
		log.Printf("reaper: failed to fetch task %s: %v", taskID, err)
		return false
	}
	if task == nil || task.Status != store.TaskInProgress {
		return false
	}

	err = r.store.UpdateTaskStatus(ctx, projectID, taskID, store.TaskPending, task.Version, func(t *store.Task) {
		t.AssignedAgent = ""
		t.ClaimedAt = nil
	})
	if err != nil {
		log.Printf("reaper: failed to reset task %s: %v", taskID, err)
		return false
	}

	observability.ReaperResets.WithLabelValues(projectID).Inc()
	if r.recorder != nil {
		r.recorder.Record(ctx, projectID, taskID, 0, timeline.StageReaperReset, map[string]string{
			"dead_agent": agent.ID,
		})
	}
	log.Printf("reaper: reclaimed task %s from dead agent %s", taskID, agent.ID)
	return true
}
