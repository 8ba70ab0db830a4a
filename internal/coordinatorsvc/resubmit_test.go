package coordinatorsvc

import (
	"context"
	"testing"

	"github.com/itskum47/swarmctl/internal/store"
)

func seedConflictedTask(t *testing.T, s store.Store, status string) {
	t.Helper()
	ctx := context.Background()
	if err := s.UpsertAgent(ctx, "p1", &store.Agent{ID: "a1", ProjectID: "p1", State: store.AgentIdle}); err != nil {
		t.Fatalf("UpsertAgent: %v", err)
	}
	if err := s.CreateTask(ctx, &store.Task{ID: "t1", ProjectID: "p1", Status: status, AssignedAgent: "a1"}); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
}

func TestResubmitFixedReenqueuesMerge(t *testing.T) {
	ms := store.NewMemoryStore()
	seedConflictedTask(t, ms, store.TaskTestFailed)
	svc := newTestService(t, ms)
	ctx := context.Background()

	err := svc.Resubmit(ctx, "p1", ResubmitRequest{
		AgentID: "a1",
		TaskID:  "t1",
		Branch:  "a1/task-t1",
		Outcome: ResubmitOutcomeFixed,
	})
	if err != nil {
		t.Fatalf("Resubmit: %v", err)
	}

	got, err := ms.GetTask(ctx, "p1", "t1")
	if err != nil || got.Status != store.TaskDone {
		t.Fatalf("expected task done, got %+v err=%v", got, err)
	}

	depth, err := ms.MergeQueueDepth(ctx, "p1")
	if err != nil || depth != 1 {
		t.Fatalf("expected merge queue depth 1, got %d err=%v", depth, err)
	}
}

func TestResubmitAbandonedMarksTaskFailedAndRechecks(t *testing.T) {
	ms := store.NewMemoryStore()
	seedConflictedTask(t, ms, store.TaskConflict)
	svc := newTestService(t, ms)
	rec := &fakeRechecker{}
	svc.phaseScheduler = rec
	ctx := context.Background()

	err := svc.Resubmit(ctx, "p1", ResubmitRequest{
		AgentID: "a1",
		TaskID:  "t1",
		Branch:  "a1/task-t1",
		Outcome: ResubmitOutcomeAbandoned,
	})
	if err != nil {
		t.Fatalf("Resubmit: %v", err)
	}

	got, err := ms.GetTask(ctx, "p1", "t1")
	if err != nil || got.Status != store.TaskFailed {
		t.Fatalf("expected task failed, got %+v err=%v", got, err)
	}
	if !rec.called {
		t.Fatal("expected phase recheck to be triggered")
	}

	depth, err := ms.MergeQueueDepth(ctx, "p1")
	if err != nil || depth != 0 {
		t.Fatalf("expected no merge enqueued for an abandoned task, got depth %d err=%v", depth, err)
	}
}

func TestResubmitRejectsWrongAgent(t *testing.T) {
	ms := store.NewMemoryStore()
	seedConflictedTask(t, ms, store.TaskTestFailed)
	svc := newTestService(t, ms)
	ctx := context.Background()

	err := svc.Resubmit(ctx, "p1", ResubmitRequest{AgentID: "impostor", TaskID: "t1", Branch: "x"})
	if err == nil {
		t.Fatal("expected an error for a caller that is not the assigned agent")
	}
}

func TestResubmitRejectsNonFixableStatus(t *testing.T) {
	ms := store.NewMemoryStore()
	seedConflictedTask(t, ms, store.TaskDone)
	svc := newTestService(t, ms)
	ctx := context.Background()

	err := svc.Resubmit(ctx, "p1", ResubmitRequest{AgentID: "a1", TaskID: "t1", Branch: "x"})
	if err == nil {
		t.Fatal("expected a precondition error for a task not in conflict/test_failed")
	}
}
