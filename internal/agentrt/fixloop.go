package agentrt

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/itskum47/swarmctl/internal/store"
)

// ownedTask is what the runtime remembers about a task it has already
// signaled complete(success) on, so a later tests_failed/conflict_detected
// notification for that task can be turned back into branch/workspace
// operations without re-fetching the task record.
type ownedTask struct {
	Task   *store.Task
	Branch string
}

// runFixLoop implements spec.md §4.6h. It blocks the calling goroutine
// until the fix either lands, the iteration budget is exhausted, or the
// per-task timeout elapses — run.go gives this priority over claiming new
// work since both operate on the same single workspace.
func (r *Runtime) runFixLoop(ctx context.Context, owned ownedTask, eventKind string, eventData map[string]string) {
	branch := owned.Branch
	task := owned.Task

	if _, err := r.git.checkout(ctx, branch); err != nil {
		log.Printf("agentrt: fix loop: checkout %s failed: %v", branch, err)
		r.reportFixLoopFailure(ctx, task.ID, branch, fmt.Sprintf("could not check out branch for fix loop: %v", err))
		return
	}

	deadline := time.Now().Add(r.cfg.FixTimeout)
	for iteration := 1; iteration <= r.cfg.FixMaxIterations; iteration++ {
		fb := fixBrief{
			Kind:          eventKind,
			Output:        eventData["output"],
			ConflictFiles: conflictFilesFromOutput(eventData["output"]),
			Iteration:     iteration,
			MaxIterations: r.cfg.FixMaxIterations,
			GeneratedAt:   time.Now(),
		}
		if err := writeFixBrief(r.cfg.WorkspaceDir, fb); err != nil {
			log.Printf("agentrt: fix loop: write fix brief failed: %v", err)
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			break
		}
		committed, err := r.waitForImplementationCommit(ctx, remaining)
		if err != nil {
			log.Printf("agentrt: fix loop: wait for fix commit errored: %v", err)
			break
		}
		if !committed {
			break
		}
		removeFixBrief(r.cfg.WorkspaceDir)

		ok, err := r.applyFix(ctx, eventKind, branch)
		if err != nil {
			log.Printf("agentrt: fix loop: apply fix failed for task %s: %v", task.ID, err)
			continue
		}
		if ok {
			log.Printf("agentrt: fix loop: task %s recovered after %d iteration(s), resubmitting", task.ID, iteration)
			// resubmit on the same branch so the merge worker re-enqueues
			// this task — done→conflict/test_failed reuses the existing
			// branch name rather than minting a new one.
			if err := r.client.resubmit(task.ID, branch, ""); err != nil {
				log.Printf("agentrt: fix loop: failed to resubmit task %s: %v", task.ID, err)
			}
			return
		}
	}

	r.reportFixLoopFailure(ctx, task.ID, branch, "fix loop exhausted its iteration budget")
}

// applyFix re-runs tests (for a test failure) or rebases onto mainline and
// re-pushes (for a conflict), reporting whether the branch is fixed.
func (r *Runtime) applyFix(ctx context.Context, eventKind, branch string) (bool, error) {
	switch eventKind {
	case store.EventTestsFailed:
		checks := detectProjectChecks(r.cfg.WorkspaceDir)
		failed, err := runDetectedChecks(ctx, r.cfg.WorkspaceDir, checks)
		if err != nil {
			return false, err
		}
		if failed != nil {
			return false, nil
		}
		if r.cfg.PushToRemote {
			if err := r.git.push(ctx, branch); err != nil {
				return false, fmt.Errorf("re-push after test fix: %w", err)
			}
		}
		return true, nil

	case store.EventConflictDetected:
		clean, _, err := r.git.rebaseOntoMain(ctx, r.cfg.MainBranch)
		if err != nil {
			return false, err
		}
		if !clean {
			return false, nil
		}
		if r.cfg.PushToRemote {
			if err := r.git.pushForceWithLease(ctx, branch); err != nil {
				return false, fmt.Errorf("force-with-lease push after rebase: %w", err)
			}
		}
		return true, nil

	default:
		return false, fmt.Errorf("agentrt: unknown fix loop event kind %q", eventKind)
	}
}

func (r *Runtime) reportFixLoopFailure(ctx context.Context, taskID, branch, reason string) {
	log.Printf("agentrt: task %s failing out of fix loop: %s", taskID, reason)
	// complete() would fail here: the claim lock it checks was already
	// released when this task's original success was reported, so the
	// permanent failure goes through the same resubmit endpoint the
	// recovery path uses, just with the abandoned outcome.
	if err := r.client.abandon(taskID, branch); err != nil {
		log.Printf("agentrt: failed to report fix loop failure for task %s: %v", taskID, err)
	}
	r.clearOwnedTask(taskID)
}

// conflictFilesFromOutput pulls "CONFLICT" lines out of git's merge/rebase
// output for the fix-brief's file list — best-effort, never fatal if the
// format doesn't match.
func conflictFilesFromOutput(output string) []string {
	var files []string
	for _, line := range strings.Split(output, "\n") {
		if !strings.Contains(line, "CONFLICT") {
			continue
		}
		if idx := strings.LastIndex(line, " in "); idx != -1 {
			files = append(files, strings.TrimSpace(line[idx+len(" in "):]))
		}
	}
	return files
}
