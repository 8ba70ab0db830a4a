package store

import (
	"context"
	"testing"
	"time"
)

func TestClaimTaskCAS(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	task := &Task{ID: "t1", ProjectID: "p1", Title: "setup repo", Kind: KindSetup, Priority: PriorityHigh, Status: TaskPending}
	if err := s.CreateTask(ctx, task); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	ok, err := s.ClaimTask(ctx, "p1", "t1", "agent-a", 0, time.Now())
	if err != nil {
		t.Fatalf("ClaimTask: %v", err)
	}
	if !ok {
		t.Fatal("expected first claim to win the race")
	}

	ok, err = s.ClaimTask(ctx, "p1", "t1", "agent-b", 0, time.Now())
	if err != nil {
		t.Fatalf("ClaimTask (loser): %v", err)
	}
	if ok {
		t.Fatal("expected second claim with stale version to lose the race")
	}

	got, err := s.GetTask(ctx, "p1", "t1")
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.AssignedAgent != "agent-a" {
		t.Fatalf("expected agent-a to own the claim, got %q", got.AssignedAgent)
	}
	if got.Status != TaskInProgress {
		t.Fatalf("expected status in_progress, got %q", got.Status)
	}
}

func TestUpdateTaskStatusOptimisticLock(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	task := &Task{ID: "t1", ProjectID: "p1", Status: TaskPending}
	if err := s.CreateTask(ctx, task); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	err := s.UpdateTaskStatus(ctx, "p1", "t1", TaskDone, 0, func(tk *Task) {
		tk.Branch = "task/t1"
	})
	if err != nil {
		t.Fatalf("UpdateTaskStatus: %v", err)
	}

	err = s.UpdateTaskStatus(ctx, "p1", "t1", TaskMerged, 0, nil)
	if err == nil {
		t.Fatal("expected stale version to be rejected")
	}
}

func TestMergeQueueFIFO(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	for _, id := range []string{"t1", "t2", "t3"} {
		if err := s.EnqueueMerge(ctx, &MergeRequest{TaskID: id, ProjectID: "p1"}); err != nil {
			t.Fatalf("EnqueueMerge(%s): %v", id, err)
		}
	}

	depth, err := s.MergeQueueDepth(ctx, "p1")
	if err != nil {
		t.Fatalf("MergeQueueDepth: %v", err)
	}
	if depth != 3 {
		t.Fatalf("expected depth 3, got %d", depth)
	}

	for _, want := range []string{"t1", "t2", "t3"} {
		req, err := s.DequeueMerge(ctx, "p1", time.Second)
		if err != nil {
			t.Fatalf("DequeueMerge: %v", err)
		}
		if req == nil || req.TaskID != want {
			t.Fatalf("expected %s, got %+v", want, req)
		}
	}

	req, err := s.DequeueMerge(ctx, "p1", 50*time.Millisecond)
	if err != nil {
		t.Fatalf("DequeueMerge (empty): %v", err)
	}
	if req != nil {
		t.Fatalf("expected nil on empty queue timeout, got %+v", req)
	}
}

func TestNotificationPendingSurvivesLateSubscribe(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if err := s.PublishNotification(ctx, &Notification{AgentID: "a1", ProjectID: "p1", TaskID: "t1", EventKind: EventConflictDetected}); err != nil {
		t.Fatalf("PublishNotification: %v", err)
	}

	pending, err := s.DrainPending(ctx, "p1", "a1")
	if err != nil {
		t.Fatalf("DrainPending: %v", err)
	}
	if len(pending) != 1 || pending[0].EventKind != EventConflictDetected {
		t.Fatalf("expected 1 pending notification, got %+v", pending)
	}
}

func TestIdempotencyRecordNX(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	ok, err := s.SetIdempotencyRecordNX(ctx, "key1", "result-a", time.Minute)
	if err != nil {
		t.Fatalf("SetIdempotencyRecordNX: %v", err)
	}
	if !ok {
		t.Fatal("expected first write to succeed")
	}

	ok, err = s.SetIdempotencyRecordNX(ctx, "key1", "result-b", time.Minute)
	if err != nil {
		t.Fatalf("SetIdempotencyRecordNX (dup): %v", err)
	}
	if ok {
		t.Fatal("expected duplicate key write to be rejected")
	}

	val, found, err := s.GetIdempotencyRecord(ctx, "key1")
	if err != nil {
		t.Fatalf("GetIdempotencyRecord: %v", err)
	}
	if !found || val != "result-a" {
		t.Fatalf("expected stored value result-a, got %q (found=%v)", val, found)
	}
}

func TestLockAcquireRenewRelease(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	ok, err := s.AcquireLock(ctx, "lock:t1", "agent-a", time.Second)
	if err != nil || !ok {
		t.Fatalf("AcquireLock: ok=%v err=%v", ok, err)
	}

	ok, err = s.AcquireLock(ctx, "lock:t1", "agent-b", time.Second)
	if err != nil {
		t.Fatalf("AcquireLock (contender): %v", err)
	}
	if ok {
		t.Fatal("expected second acquire by a different owner to fail")
	}

	if err := s.ReleaseLock(ctx, "lock:t1", "agent-a"); err != nil {
		t.Fatalf("ReleaseLock: %v", err)
	}

	ok, err = s.AcquireLock(ctx, "lock:t1", "agent-b", time.Second)
	if err != nil || !ok {
		t.Fatalf("AcquireLock after release: ok=%v err=%v", ok, err)
	}
}
