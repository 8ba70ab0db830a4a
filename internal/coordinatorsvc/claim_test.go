package coordinatorsvc

import (
	"context"
	"testing"
	"time"

	"github.com/itskum47/swarmctl/internal/notify"
	"github.com/itskum47/swarmctl/internal/store"
	"github.com/itskum47/swarmctl/internal/timeline"
)

func newTestService(t *testing.T, s store.Store) *Service {
	t.Helper()
	recorder := timeline.NewRecorder(s)
	cfg := DefaultConfig()
	cfg.TaskLockTTL = time.Minute
	return NewService(s, s.(store.Coordinator), notify.NewNotifier(s), recorder, nil, nil, cfg)
}

func seedAgentAndPhase(t *testing.T, s store.Store, tasks []*store.Task) {
	t.Helper()
	ctx := context.Background()
	if err := s.UpsertAgent(ctx, "p1", &store.Agent{ID: "a1", ProjectID: "p1", State: store.AgentIdle}); err != nil {
		t.Fatalf("UpsertAgent: %v", err)
	}
	ids := make([]string, len(tasks))
	for i, tk := range tasks {
		if err := s.CreateTask(ctx, tk); err != nil {
			t.Fatalf("CreateTask: %v", err)
		}
		ids[i] = tk.ID
	}
	if err := s.CreatePhase(ctx, &store.Phase{Index: 1, ProjectID: "p1", TaskIDs: ids, Status: store.PhaseActive}); err != nil {
		t.Fatalf("CreatePhase: %v", err)
	}
}

func TestClaimPicksHighestPriorityThenLexOrder(t *testing.T) {
	ms := store.NewMemoryStore()
	seedAgentAndPhase(t, ms, []*store.Task{
		{ID: "b-low", ProjectID: "p1", Status: store.TaskPending, Priority: store.PriorityLow},
		{ID: "a-high", ProjectID: "p1", Status: store.TaskPending, Priority: store.PriorityHigh},
		{ID: "z-high", ProjectID: "p1", Status: store.TaskPending, Priority: store.PriorityHigh},
	})
	svc := newTestService(t, ms)

	task, err := svc.Claim(context.Background(), "p1", "a1")
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if task == nil || task.ID != "a-high" {
		t.Fatalf("expected a-high claimed first, got %+v", task)
	}
	if task.Status != store.TaskInProgress || task.AssignedAgent != "a1" {
		t.Fatalf("expected task claimed in-progress for a1, got %+v", task)
	}
}

// TestClaimBlocksOnFailedDependency places dep and child in separate
// phases, the way Kahn's layering always produces them, so this actually
// exercises the cross-phase dependency lookup in claim() rather than the
// same-phase lookup a single seedAgentAndPhase call would give it.
func TestClaimBlocksOnFailedDependency(t *testing.T) {
	ms := store.NewMemoryStore()
	ctx := context.Background()
	if err := ms.UpsertAgent(ctx, "p1", &store.Agent{ID: "a1", ProjectID: "p1", State: store.AgentIdle}); err != nil {
		t.Fatalf("UpsertAgent: %v", err)
	}
	if err := ms.CreateTask(ctx, &store.Task{ID: "dep", ProjectID: "p1", Status: store.TaskFailed}); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if err := ms.CreatePhase(ctx, &store.Phase{Index: 0, ProjectID: "p1", TaskIDs: []string{"dep"}, Status: store.PhaseCompleted}); err != nil {
		t.Fatalf("CreatePhase: %v", err)
	}
	if err := ms.CreateTask(ctx, &store.Task{ID: "child", ProjectID: "p1", Status: store.TaskPending, Dependencies: []string{"dep"}}); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if err := ms.CreatePhase(ctx, &store.Phase{Index: 1, ProjectID: "p1", TaskIDs: []string{"child"}, Status: store.PhaseActive}); err != nil {
		t.Fatalf("CreatePhase: %v", err)
	}
	svc := newTestService(t, ms)

	task, err := svc.Claim(ctx, "p1", "a1")
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if task != nil {
		t.Fatalf("expected no claimable task, got %+v", task)
	}

	got, err := ms.GetTask(ctx, "p1", "child")
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.Status != store.TaskBlocked {
		t.Fatalf("expected child blocked, got %s", got.Status)
	}
	if got.BlockedReason == "" {
		t.Fatal("expected a blocked reason to be recorded")
	}
}

func TestClaimReturnsNoTasksAvailableWhenAllLocked(t *testing.T) {
	ms := store.NewMemoryStore()
	seedAgentAndPhase(t, ms, []*store.Task{
		{ID: "t1", ProjectID: "p1", Status: store.TaskPending},
	})
	ctx := context.Background()
	if _, err := ms.AcquireLock(ctx, store.LockKey("p1", "t1"), "other-agent", time.Minute); err != nil {
		t.Fatalf("AcquireLock: %v", err)
	}
	svc := newTestService(t, ms)

	task, err := svc.Claim(ctx, "p1", "a1")
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if task != nil {
		t.Fatalf("expected no_tasks_available, got %+v", task)
	}
}

func TestClaimUnknownAgent(t *testing.T) {
	ms := store.NewMemoryStore()
	svc := newTestService(t, ms)

	_, err := svc.Claim(context.Background(), "p1", "ghost")
	if err == nil {
		t.Fatal("expected an error for unknown agent")
	}
}

// TestClaimAllowsTaskWhenDependencyMergedAcrossPhases exercises the other
// side of the cross-phase dependency lookup: a dependency that merged in
// an earlier phase must not block its dependent.
func TestClaimAllowsTaskWhenDependencyMergedAcrossPhases(t *testing.T) {
	ms := store.NewMemoryStore()
	ctx := context.Background()
	if err := ms.UpsertAgent(ctx, "p1", &store.Agent{ID: "a1", ProjectID: "p1", State: store.AgentIdle}); err != nil {
		t.Fatalf("UpsertAgent: %v", err)
	}
	if err := ms.CreateTask(ctx, &store.Task{ID: "dep", ProjectID: "p1", Status: store.TaskMerged}); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if err := ms.CreatePhase(ctx, &store.Phase{Index: 0, ProjectID: "p1", TaskIDs: []string{"dep"}, Status: store.PhaseCompleted}); err != nil {
		t.Fatalf("CreatePhase: %v", err)
	}
	if err := ms.CreateTask(ctx, &store.Task{ID: "child", ProjectID: "p1", Status: store.TaskPending, Dependencies: []string{"dep"}}); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if err := ms.CreatePhase(ctx, &store.Phase{Index: 1, ProjectID: "p1", TaskIDs: []string{"child"}, Status: store.PhaseActive}); err != nil {
		t.Fatalf("CreatePhase: %v", err)
	}
	svc := newTestService(t, ms)

	task, err := svc.Claim(ctx, "p1", "a1")
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if task == nil || task.ID != "child" {
		t.Fatalf("expected child claimed, got %+v", task)
	}
}

// TestClaimRejectsAlreadyWorkingAgent covers the §3 invariant that a
// working agent's current_task always points at its one in_progress
// task: a second claim call must not overwrite it.
func TestClaimRejectsAlreadyWorkingAgent(t *testing.T) {
	ms := store.NewMemoryStore()
	ctx := context.Background()
	if err := ms.UpsertAgent(ctx, "p1", &store.Agent{ID: "a1", ProjectID: "p1", State: store.AgentWorking, CurrentTask: "t1"}); err != nil {
		t.Fatalf("UpsertAgent: %v", err)
	}
	if err := ms.CreateTask(ctx, &store.Task{ID: "t1", ProjectID: "p1", Status: store.TaskInProgress, AssignedAgent: "a1"}); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if err := ms.CreateTask(ctx, &store.Task{ID: "t2", ProjectID: "p1", Status: store.TaskPending}); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if err := ms.CreatePhase(ctx, &store.Phase{Index: 0, ProjectID: "p1", TaskIDs: []string{"t1", "t2"}, Status: store.PhaseActive}); err != nil {
		t.Fatalf("CreatePhase: %v", err)
	}
	svc := newTestService(t, ms)

	task, err := svc.Claim(ctx, "p1", "a1")
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if task != nil {
		t.Fatalf("expected no second claim for an already-working agent, got %+v", task)
	}

	agent, err := ms.GetAgent(ctx, "p1", "a1")
	if err != nil {
		t.Fatalf("GetAgent: %v", err)
	}
	if agent.CurrentTask != "t1" {
		t.Fatalf("expected current_task to remain t1, got %s", agent.CurrentTask)
	}
}
