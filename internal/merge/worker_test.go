package merge

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/itskum47/swarmctl/internal/notify"
	"github.com/itskum47/swarmctl/internal/store"
	"github.com/itskum47/swarmctl/internal/timeline"
)

type fakeRechecker struct{ calls int }

func (f *fakeRechecker) Recheck(ctx context.Context, projectID string) error {
	f.calls++
	return nil
}

// newTestWorker builds a worker over a real temp git repo on "main", wired
// to an in-memory store/coordinator so process() can be driven end to end
// without a network dependency.
func newTestWorker(t *testing.T, checks []QualityCheck) (*Worker, *gitRunner, *fakeRechecker, *store.MemoryStore) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available")
	}

	g := initTestRepo(t)
	s := store.NewMemoryStore()
	n := notify.NewNotifier(s)
	r := timeline.NewRecorder(s)
	rechecker := &fakeRechecker{}

	cfg := DefaultConfig(g.workDir)
	cfg.Checks = checks
	cfg.MergeStepTimeout = 30 * time.Second

	w := NewWorker(s, s, n, r, rechecker, cfg, func(ctx context.Context) ([]string, error) {
		return []string{"proj1"}, nil
	})
	w.git = g
	return w, g, rechecker, s
}

func seedTask(t *testing.T, s *store.MemoryStore, taskID string) {
	t.Helper()
	if err := s.CreateTask(context.Background(), &store.Task{
		ID:        taskID,
		ProjectID: "proj1",
		Status:    store.TaskDone,
		Version:   0,
	}); err != nil {
		t.Fatalf("seed task: %v", err)
	}
}

func branchWithFile(t *testing.T, g *gitRunner, branch, filename, content string) {
	t.Helper()
	ctx := context.Background()
	if _, err := g.run(ctx, "checkout", "-b", branch); err != nil {
		t.Fatalf("checkout %s: %v", branch, err)
	}
	if err := os.WriteFile(filepath.Join(g.workDir, filename), []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", filename, err)
	}
	if _, err := g.run(ctx, "add", "."); err != nil {
		t.Fatalf("add: %v", err)
	}
	if _, err := g.run(ctx, "commit", "-m", "work on "+branch); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if _, err := g.checkout(ctx, "main"); err != nil {
		t.Fatalf("return to main: %v", err)
	}
}

func TestProcessCleanMergeMarksTaskMerged(t *testing.T) {
	w, g, rechecker, s := newTestWorker(t, nil)
	branchWithFile(t, g, "feat-1", "feat1.txt", "hello\n")
	seedTask(t, s, "task-1")

	w.process(context.Background(), "proj1", &store.MergeRequest{
		TaskID:    "task-1",
		ProjectID: "proj1",
		Branch:    "feat-1",
		AgentID:   "agent-1",
	})

	task, err := s.GetTask(context.Background(), "proj1", "task-1")
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if task.Status != store.TaskMerged {
		t.Fatalf("expected task merged, got %s", task.Status)
	}
	if task.MergedAt == nil {
		t.Fatalf("expected MergedAt to be set")
	}
	if rechecker.calls != 1 {
		t.Fatalf("expected exactly one phase recheck, got %d", rechecker.calls)
	}
}

func TestProcessConflictMarksTaskConflictWithoutRecheck(t *testing.T) {
	w, g, rechecker, s := newTestWorker(t, nil)

	write := func(content string) {
		if err := os.WriteFile(filepath.Join(g.workDir, "README.md"), []byte(content), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
	}

	ctx := context.Background()
	if _, err := g.run(ctx, "checkout", "-b", "feat-2"); err != nil {
		t.Fatalf("checkout: %v", err)
	}
	write("from feature\n")
	if _, err := g.run(ctx, "commit", "-am", "feature edits"); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if _, err := g.checkout(ctx, "main"); err != nil {
		t.Fatalf("checkout main: %v", err)
	}
	write("from mainline\n")
	if _, err := g.run(ctx, "commit", "-am", "mainline edits"); err != nil {
		t.Fatalf("commit: %v", err)
	}

	seedTask(t, s, "task-2")

	w.process(ctx, "proj1", &store.MergeRequest{
		TaskID:    "task-2",
		ProjectID: "proj1",
		Branch:    "feat-2",
		AgentID:   "agent-2",
	})

	task, err := s.GetTask(ctx, "proj1", "task-2")
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if task.Status != store.TaskConflict {
		t.Fatalf("expected task conflict, got %s", task.Status)
	}
	if rechecker.calls != 0 {
		t.Fatalf("conflict is not terminal, must not trigger a phase recheck")
	}

	pending, err := s.DrainPending(ctx, "proj1", "agent-2")
	if err != nil {
		t.Fatalf("DrainPending: %v", err)
	}
	if len(pending) != 1 || pending[0].EventKind != store.EventConflictDetected {
		t.Fatalf("expected a single conflict_detected notification, got %+v", pending)
	}
}

func TestProcessFailingRequiredCheckMarksTestFailed(t *testing.T) {
	checks := []QualityCheck{{Name: "unit", Command: []string{"false"}, Required: true}}
	w, g, rechecker, s := newTestWorker(t, checks)
	branchWithFile(t, g, "feat-3", "feat3.txt", "x\n")
	seedTask(t, s, "task-3")

	w.process(context.Background(), "proj1", &store.MergeRequest{
		TaskID:    "task-3",
		ProjectID: "proj1",
		Branch:    "feat-3",
		AgentID:   "agent-3",
	})

	task, err := s.GetTask(context.Background(), "proj1", "task-3")
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if task.Status != store.TaskTestFailed {
		t.Fatalf("expected test_failed, got %s", task.Status)
	}
	if rechecker.calls != 0 {
		t.Fatalf("test_failed is not terminal, must not trigger a phase recheck")
	}
}

func TestProcessIntegrateFailureRequeuesUnderMaxRetries(t *testing.T) {
	w, g, _, s := newTestWorker(t, nil)
	branchWithFile(t, g, "feat-4", "feat4.txt", "x\n")
	seedTask(t, s, "task-4")

	// no remote is configured for this throwaway repo, so turning on
	// remote mode makes the worker's own git pull/push calls fail,
	// exercising the retry-on-failure path without faking the error.
	w.config.PushToRemote = true

	w.process(context.Background(), "proj1", &store.MergeRequest{
		TaskID:     "task-4",
		ProjectID:  "proj1",
		Branch:     "feat-4",
		AgentID:    "agent-4",
		RetryCount: 0,
	})

	depth, err := s.MergeQueueDepth(context.Background(), "proj1")
	if err != nil {
		t.Fatalf("MergeQueueDepth: %v", err)
	}
	if depth != 1 {
		t.Fatalf("expected the failed merge to be requeued once, queue depth=%d", depth)
	}

	requeued, err := s.DequeueMerge(context.Background(), "proj1", time.Second)
	if err != nil {
		t.Fatalf("DequeueMerge: %v", err)
	}
	if requeued == nil || requeued.RetryCount != 1 {
		t.Fatalf("expected retry_count to be incremented to 1, got %+v", requeued)
	}
}
