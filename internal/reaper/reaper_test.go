package reaper

import (
	"context"
	"testing"
	"time"

	"github.com/itskum47/swarmctl/internal/store"
	"github.com/itskum47/swarmctl/internal/timeline"
)

type fakeRechecker struct {
	called bool
}

func (f *fakeRechecker) Recheck(ctx context.Context, projectID string) error {
	f.called = true
	return nil
}

func TestReaperReclaimsTaskFromDeadAgent(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()

	task := &store.Task{ID: "t1", ProjectID: "p1", Status: store.TaskPending}
	if err := s.CreateTask(ctx, task); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	ok, err := s.ClaimTask(ctx, "p1", "t1", "agent-a", 0, time.Now())
	if err != nil || !ok {
		t.Fatalf("ClaimTask: ok=%v err=%v", ok, err)
	}
	if _, err := s.AcquireLock(ctx, store.LockKey("p1", "t1"), "agent-a", time.Minute); err != nil {
		t.Fatalf("AcquireLock: %v", err)
	}

	agent := &store.Agent{ID: "agent-a", ProjectID: "p1", State: store.AgentWorking, CurrentTask: "t1", LastHeartbeat: time.Now().Add(-10 * time.Minute)}
	if err := s.UpsertAgent(ctx, "p1", agent); err != nil {
		t.Fatalf("UpsertAgent: %v", err)
	}

	rec := &fakeRechecker{}
	recorder := timeline.NewRecorder(s)
	reaper := New(s, s, recorder, rec, time.Minute, 5*time.Minute, func(ctx context.Context) ([]string, error) {
		return []string{"p1"}, nil
	})

	reaper.Sweep(ctx, "p1")

	got, err := s.GetTask(ctx, "p1", "t1")
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.Status != store.TaskPending {
		t.Fatalf("expected task reset to pending, got %s", got.Status)
	}
	if got.AssignedAgent != "" {
		t.Fatalf("expected assigned agent cleared, got %q", got.AssignedAgent)
	}

	gotAgent, err := s.GetAgent(ctx, "p1", "agent-a")
	if err != nil {
		t.Fatalf("GetAgent: %v", err)
	}
	if gotAgent.State != store.AgentOffline {
		t.Fatalf("expected agent marked offline, got %s", gotAgent.State)
	}

	if !rec.called {
		t.Fatal("expected phase recheck to be triggered")
	}

	owner, err := s.GetLockOwner(ctx, store.LockKey("p1", "t1"))
	if err != nil {
		t.Fatalf("GetLockOwner: %v", err)
	}
	if owner != "" {
		t.Fatalf("expected claim lock released, got owner %q", owner)
	}
}

func TestReaperIgnoresHealthyAgents(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()

	agent := &store.Agent{ID: "agent-a", ProjectID: "p1", State: store.AgentWorking, CurrentTask: "", LastHeartbeat: time.Now()}
	if err := s.UpsertAgent(ctx, "p1", agent); err != nil {
		t.Fatalf("UpsertAgent: %v", err)
	}

	rec := &fakeRechecker{}
	recorder := timeline.NewRecorder(s)
	reaper := New(s, s, recorder, rec, time.Minute, 5*time.Minute, nil)
	reaper.Sweep(ctx, "p1")

	gotAgent, err := s.GetAgent(ctx, "p1", "agent-a")
	if err != nil {
		t.Fatalf("GetAgent: %v", err)
	}
	if gotAgent.State != store.AgentWorking {
		t.Fatalf("expected healthy agent untouched, got %s", gotAgent.State)
	}
	if rec.called {
		t.Fatal("expected no phase recheck for healthy agents")
	}
}
