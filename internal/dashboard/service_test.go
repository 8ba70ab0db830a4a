package dashboard

import (
	"context"
	"testing"

	"github.com/itskum47/swarmctl/internal/resilience"
	"github.com/itskum47/swarmctl/internal/store"
)

func TestCollectCountsTasksByStatus(t *testing.T) {
	ms := store.NewMemoryStore()
	ctx := context.Background()

	tasks := []*store.Task{
		{ID: "t1", ProjectID: "p1", Status: store.TaskPending},
		{ID: "t2", ProjectID: "p1", Status: store.TaskInProgress},
		{ID: "t3", ProjectID: "p1", Status: store.TaskMerged},
		{ID: "t4", ProjectID: "p1", Status: store.TaskConflict},
	}
	for _, tk := range tasks {
		if err := ms.CreateTask(ctx, tk); err != nil {
			t.Fatalf("CreateTask: %v", err)
		}
	}
	if err := ms.UpsertAgent(ctx, "p1", &store.Agent{ID: "a1", ProjectID: "p1", State: store.AgentWorking}); err != nil {
		t.Fatalf("UpsertAgent: %v", err)
	}

	svc := NewService(ms, ms, resilience.NewAdmissionGate(), nil, nil)
	snap := svc.Collect(ctx, "p1")

	if snap.PendingTasks != 1 || snap.ActiveTasks != 1 || snap.MergedTasks != 1 || snap.ConflictTasks != 1 {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
	if snap.TotalAgents != 1 || snap.ActiveAgents != 1 {
		t.Fatalf("unexpected agent counts: %+v", snap)
	}
	if snap.AdmissionMode != "normal" {
		t.Fatalf("expected normal admission mode, got %s", snap.AdmissionMode)
	}
}

func TestCollectReflectsMergeQueueDepth(t *testing.T) {
	ms := store.NewMemoryStore()
	ctx := context.Background()

	if err := ms.EnqueueMerge(ctx, &store.MergeRequest{TaskID: "t1", ProjectID: "p1", Branch: "b1"}); err != nil {
		t.Fatalf("EnqueueMerge: %v", err)
	}

	svc := NewService(ms, ms, nil, nil, nil)
	snap := svc.Collect(ctx, "p1")
	if snap.MergeQueueDepth != 1 {
		t.Fatalf("expected merge queue depth 1, got %d", snap.MergeQueueDepth)
	}
}
