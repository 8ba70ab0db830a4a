package coordinatorsvc

import (
	"context"
	"testing"

	"github.com/itskum47/swarmctl/internal/store"
)

func TestCompleteSuccessEnqueuesMerge(t *testing.T) {
	ms := store.NewMemoryStore()
	seedAgentAndPhase(t, ms, []*store.Task{
		{ID: "t1", ProjectID: "p1", Status: store.TaskPending},
	})
	svc := newTestService(t, ms)
	ctx := context.Background()

	claimed, err := svc.Claim(ctx, "p1", "a1")
	if err != nil || claimed == nil {
		t.Fatalf("Claim: task=%+v err=%v", claimed, err)
	}

	err = svc.Complete(ctx, "p1", CompleteRequest{
		AgentID: "a1",
		TaskID:  "t1",
		Outcome: OutcomeSuccess,
		Branch:  "swarmctl/t1",
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}

	got, err := ms.GetTask(ctx, "p1", "t1")
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.Status != store.TaskDone {
		t.Fatalf("expected task done, got %s", got.Status)
	}

	depth, err := ms.MergeQueueDepth(ctx, "p1")
	if err != nil || depth != 1 {
		t.Fatalf("expected merge queue depth 1, got %d err=%v", depth, err)
	}

	owner, err := ms.GetLockOwner(ctx, store.LockKey("p1", "t1"))
	if err != nil || owner != "" {
		t.Fatalf("expected lock released, got owner %q err=%v", owner, err)
	}
}

func TestCompleteFailureTriggersPhaseRecheck(t *testing.T) {
	ms := store.NewMemoryStore()
	seedAgentAndPhase(t, ms, []*store.Task{
		{ID: "t1", ProjectID: "p1", Status: store.TaskPending},
	})
	svc := newTestService(t, ms)
	rec := &fakeRechecker{}
	svc.phaseScheduler = rec
	ctx := context.Background()

	if _, err := svc.Claim(ctx, "p1", "a1"); err != nil {
		t.Fatalf("Claim: %v", err)
	}

	err := svc.Complete(ctx, "p1", CompleteRequest{AgentID: "a1", TaskID: "t1", Outcome: OutcomeFailure})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}

	got, err := ms.GetTask(ctx, "p1", "t1")
	if err != nil || got.Status != store.TaskFailed {
		t.Fatalf("expected task failed, got %+v err=%v", got, err)
	}
	if !rec.called {
		t.Fatal("expected phase recheck to be triggered")
	}
}

func TestCompleteRejectsWrongAgent(t *testing.T) {
	ms := store.NewMemoryStore()
	seedAgentAndPhase(t, ms, []*store.Task{
		{ID: "t1", ProjectID: "p1", Status: store.TaskPending},
	})
	svc := newTestService(t, ms)
	ctx := context.Background()

	if _, err := svc.Claim(ctx, "p1", "a1"); err != nil {
		t.Fatalf("Claim: %v", err)
	}

	err := svc.Complete(ctx, "p1", CompleteRequest{AgentID: "impostor", TaskID: "t1", Outcome: OutcomeSuccess})
	if err == nil {
		t.Fatal("expected an error for a caller that does not hold the lock")
	}
}

type fakeRechecker struct {
	called bool
}

func (f *fakeRechecker) Recheck(ctx context.Context, projectID string) error {
	f.called = true
	return nil
}
