package phase

import (
	"context"
	"testing"

	"github.com/itskum47/swarmctl/internal/notify"
	"github.com/itskum47/swarmctl/internal/store"
	"github.com/itskum47/swarmctl/internal/timeline"
)

func setupTwoPhaseBacklog(t *testing.T, s store.Store) {
	t.Helper()
	ctx := context.Background()
	tasks := []*store.Task{
		{ID: "a", ProjectID: "p1", Status: store.TaskMerged},
		{ID: "b", ProjectID: "p1", Status: store.TaskPending},
	}
	for _, tk := range tasks {
		if err := s.CreateTask(ctx, tk); err != nil {
			t.Fatalf("CreateTask: %v", err)
		}
	}
	phases := []*store.Phase{
		{Index: 1, ProjectID: "p1", TaskIDs: []string{"a"}, Status: store.PhaseActive},
		{Index: 2, ProjectID: "p1", TaskIDs: []string{"b"}, Status: store.PhasePending},
	}
	for _, p := range phases {
		if err := s.CreatePhase(ctx, p); err != nil {
			t.Fatalf("CreatePhase: %v", err)
		}
	}
}

func TestAdvanceActivatesNextPhaseWhenCurrentIsTerminal(t *testing.T) {
	s := store.NewMemoryStore()
	setupTwoPhaseBacklog(t, s)
	recorder := timeline.NewRecorder(s)
	sched := NewScheduler(s, notify.NewNotifier(s), recorder)

	if err := sched.Advance(context.Background(), "p1"); err != nil {
		t.Fatalf("Advance: %v", err)
	}

	p1, err := s.GetPhase(context.Background(), "p1", 1)
	if err != nil || p1.Status != store.PhaseCompleted {
		t.Fatalf("expected phase 1 completed, got %+v err=%v", p1, err)
	}
	p2, err := s.GetPhase(context.Background(), "p1", 2)
	if err != nil || p2.Status != store.PhaseActive {
		t.Fatalf("expected phase 2 active, got %+v err=%v", p2, err)
	}
}

func TestAdvanceNoOpWhenActivePhaseNotTerminal(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()
	task := &store.Task{ID: "a", ProjectID: "p1", Status: store.TaskInProgress}
	if err := s.CreateTask(ctx, task); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	ph := &store.Phase{Index: 1, ProjectID: "p1", TaskIDs: []string{"a"}, Status: store.PhaseActive}
	if err := s.CreatePhase(ctx, ph); err != nil {
		t.Fatalf("CreatePhase: %v", err)
	}
	recorder := timeline.NewRecorder(s)
	sched := NewScheduler(s, notify.NewNotifier(s), recorder)

	if err := sched.Advance(ctx, "p1"); err != nil {
		t.Fatalf("Advance: %v", err)
	}

	got, err := s.GetPhase(ctx, "p1", 1)
	if err != nil || got.Status != store.PhaseActive {
		t.Fatalf("expected phase 1 to remain active, got %+v err=%v", got, err)
	}
}

func TestAdvanceMarksBacklogCompleteWhenNoFurtherPhases(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()
	task := &store.Task{ID: "a", ProjectID: "p1", Status: store.TaskMerged}
	if err := s.CreateTask(ctx, task); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	ph := &store.Phase{Index: 1, ProjectID: "p1", TaskIDs: []string{"a"}, Status: store.PhaseActive}
	if err := s.CreatePhase(ctx, ph); err != nil {
		t.Fatalf("CreatePhase: %v", err)
	}
	recorder := timeline.NewRecorder(s)
	sched := NewScheduler(s, notify.NewNotifier(s), recorder)

	if err := sched.Advance(ctx, "p1"); err != nil {
		t.Fatalf("Advance: %v", err)
	}

	complete, err := s.IsBacklogComplete(ctx, "p1")
	if err != nil || !complete {
		t.Fatalf("expected backlog marked complete, got %v err=%v", complete, err)
	}
}
