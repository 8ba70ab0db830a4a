package merge

import (
	"context"
	"fmt"
	"log"
	"os/exec"
	"time"

	"github.com/itskum47/swarmctl/internal/notify"
	"github.com/itskum47/swarmctl/internal/observability"
	"github.com/itskum47/swarmctl/internal/store"
	"github.com/itskum47/swarmctl/internal/timeline"
)

// PhaseRechecker lets the worker trigger phase re-evaluation after writing
// a terminal task status, the same decoupling internal/reaper and
// internal/coordinatorsvc use to avoid importing internal/phase directly.
type PhaseRechecker interface {
	Recheck(ctx context.Context, projectID string) error
}

// dequeueTimeout is how long DequeueMerge blocks per attempt before the
// worker loops back to check ctx.Done(), matching the teacher's poller
// cadence but over a blocking queue instead of a ticker.
const dequeueTimeout = 5 * time.Second

// Worker is the single sequential consumer of a project's merge FIFO.
// Its invariants (spec.md §4.5): at most one merge in flight, FIFO order
// preserved, phase advancement only ever observes "merged" after this
// worker writes it.
type Worker struct {
	store       store.Store
	coordinator store.Coordinator
	notifier    *notify.Notifier
	recorder    *timeline.Recorder
	phase       PhaseRechecker
	config      Config
	git         *gitRunner

	listProjects func(ctx context.Context) ([]string, error)
}

func NewWorker(s store.Store, c store.Coordinator, n *notify.Notifier, r *timeline.Recorder, phase PhaseRechecker, cfg Config, listProjects func(ctx context.Context) ([]string, error)) *Worker {
	return &Worker{
		store:        s,
		coordinator:  c,
		notifier:     n,
		recorder:     r,
		phase:        phase,
		config:       cfg,
		git:          newGitRunner(cfg.WorkDir),
		listProjects: listProjects,
	}
}

func (w *Worker) Start(ctx context.Context) {
	go w.loop(ctx)
}

// loop round-robins over every project's FIFO, blocking briefly on each in
// turn so one slow/empty project never starves another's merges.
func (w *Worker) loop(ctx context.Context) {
	log.Println("merge: worker starting")
	for {
		if ctx.Err() != nil {
			return
		}
		projects, err := w.listProjects(ctx)
		if err != nil {
			log.Printf("merge: failed to list projects: %v", err)
			time.Sleep(time.Second)
			continue
		}
		if len(projects) == 0 {
			time.Sleep(time.Second)
			continue
		}

		processedAny := false
		for _, projectID := range projects {
			if ctx.Err() != nil {
				return
			}
			req, err := w.coordinator.DequeueMerge(ctx, projectID, dequeueTimeout)
			if err != nil {
				log.Printf("merge: dequeue failed for project %s: %v", projectID, err)
				continue
			}
			if req == nil {
				continue
			}
			processedAny = true
			w.process(ctx, projectID, req)
		}
		if !processedAny {
			time.Sleep(200 * time.Millisecond)
		}
	}
}

// process runs one merge request through the six steps. Every step is
// wrapped so a failure drops only this request, never panics the worker.
func (w *Worker) process(ctx context.Context, projectID string, req *store.MergeRequest) {
	stepCtx, cancel := context.WithTimeout(ctx, w.config.MergeStepTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			log.Printf("merge: CRITICAL panic processing task %s: %v", req.TaskID, r)
		}
	}()

	if err := w.refreshMainline(stepCtx); err != nil {
		log.Printf("merge: refresh mainline failed, requeueing task %s: %v", req.TaskID, err)
		w.requeueTransient(ctx, projectID, req)
		return
	}

	conflict, conflictOutput, err := w.git.mergeProbe(stepCtx, req.Branch)
	if err != nil {
		log.Printf("merge: conflict probe failed, requeueing task %s: %v", req.TaskID, err)
		w.requeueTransient(ctx, projectID, req)
		return
	}
	if conflict {
		w.routeConflict(ctx, projectID, req, conflictOutput)
		return
	}

	failedCheck, results, err := w.runTestGate(stepCtx, req)
	if err != nil {
		log.Printf("merge: test gate errored, requeueing task %s: %v", req.TaskID, err)
		w.requeue(ctx, projectID, req)
		return
	}
	if failedCheck != nil {
		w.routeTestFailure(ctx, projectID, req, failedCheck, results)
		return
	}

	if err := w.integrate(stepCtx, req); err != nil {
		w.routeIntegrateFailure(ctx, projectID, req, err)
		return
	}

	w.cleanup(stepCtx, req)
	w.commitTerminalState(ctx, projectID, req)
}

func (w *Worker) refreshMainline(ctx context.Context) error {
	if _, err := w.git.checkout(ctx, w.config.MainBranch); err != nil {
		return fmt.Errorf("merge: checkout mainline: %w", err)
	}
	if w.config.PushToRemote {
		if _, err := w.git.pull(ctx); err != nil {
			return fmt.Errorf("merge: pull mainline: %w", err)
		}
	}
	return nil
}

func (w *Worker) runTestGate(ctx context.Context, req *store.MergeRequest) (*checkResult, []checkResult, error) {
	if _, err := w.git.checkout(ctx, req.Branch); err != nil {
		return nil, nil, fmt.Errorf("merge: checkout candidate branch: %w", err)
	}
	return runChecks(ctx, w.config.WorkDir, w.config.Checks)
}

func (w *Worker) integrate(ctx context.Context, req *store.MergeRequest) error {
	if _, err := w.git.checkout(ctx, w.config.MainBranch); err != nil {
		return fmt.Errorf("merge: return to mainline: %w", err)
	}

	if req.PRHandle != "" && w.config.PushToRemote {
		return w.mergeViaHostingProvider(ctx, req.PRHandle)
	}

	message := fmt.Sprintf("Merge %s", req.Branch)
	if err := w.git.squashMerge(ctx, req.Branch, message); err != nil {
		return fmt.Errorf("merge: local squash merge: %w", err)
	}
	if w.config.PushToRemote {
		if err := w.git.push(ctx); err != nil {
			return fmt.Errorf("merge: push mainline: %w", err)
		}
	}
	return nil
}

// mergeViaHostingProvider shells out to the hosting provider's CLI, the
// same argv-invocation style the agent runtime uses for PR creation — no
// pack repo vendors a hosting-provider SDK, so this follows the teacher's
// shell-out convention rather than inventing a Go client.
func (w *Worker) mergeViaHostingProvider(ctx context.Context, prHandle string) error {
	cmd := exec.CommandContext(ctx, "gh", "pr", "merge", prHandle, "--squash", "--delete-branch")
	cmd.Dir = w.config.WorkDir
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("merge: hosting provider merge failed: %w (%s)", err, string(out))
	}
	return nil
}

func (w *Worker) cleanup(ctx context.Context, req *store.MergeRequest) {
	if err := w.git.deleteBranchLocal(ctx, req.Branch); err != nil {
		log.Printf("merge: best-effort local branch delete failed for %s: %v", req.Branch, err)
	}
	if w.config.PushToRemote {
		if err := w.git.deleteBranchRemote(ctx, req.Branch); err != nil {
			log.Printf("merge: best-effort remote branch delete failed for %s: %v", req.Branch, err)
		}
	}
}

func (w *Worker) routeConflict(ctx context.Context, projectID string, req *store.MergeRequest, output string) {
	err := w.store.UpdateTaskStatus(ctx, projectID, req.TaskID, store.TaskConflict, -1, func(t *store.Task) {})
	if err != nil {
		log.Printf("merge: failed to mark task %s conflict: %v", req.TaskID, err)
	}
	observability.MergeOutcomes.WithLabelValues("conflict").Inc()
	w.notify(ctx, projectID, req, store.EventConflictDetected, map[string]string{"branch": req.Branch, "output": output})
	w.record(ctx, projectID, req.TaskID, timeline.StageConflict, map[string]string{"branch": req.Branch})
}

func (w *Worker) routeTestFailure(ctx context.Context, projectID string, req *store.MergeRequest, failed *checkResult, results []checkResult) {
	err := w.store.UpdateTaskStatus(ctx, projectID, req.TaskID, store.TaskTestFailed, -1, func(t *store.Task) {})
	if err != nil {
		log.Printf("merge: failed to mark task %s test_failed: %v", req.TaskID, err)
	}
	observability.MergeOutcomes.WithLabelValues("test_failed").Inc()
	w.notify(ctx, projectID, req, store.EventTestsFailed, map[string]string{"check": failed.Name, "output": failed.Output})
	w.record(ctx, projectID, req.TaskID, timeline.StageTestFailed, map[string]string{"check": failed.Name})
	_ = results
}

func (w *Worker) routeIntegrateFailure(ctx context.Context, projectID string, req *store.MergeRequest, integrateErr error) {
	log.Printf("merge: integrate failed for task %s (attempt %d): %v", req.TaskID, req.RetryCount, integrateErr)

	if req.RetryCount < w.config.MaxRetries {
		w.requeue(ctx, projectID, req)
		return
	}

	err := w.store.UpdateTaskStatus(ctx, projectID, req.TaskID, store.TaskMergeFailed, -1, func(t *store.Task) {})
	if err != nil {
		log.Printf("merge: failed to mark task %s merge_failed: %v", req.TaskID, err)
	}
	observability.MergeOutcomes.WithLabelValues("merge_failed").Inc()
	w.notify(ctx, projectID, req, store.EventMergeFailed, map[string]string{"error": integrateErr.Error()})
	w.record(ctx, projectID, req.TaskID, timeline.StageMergeFailed, map[string]string{"retry_count": fmt.Sprintf("%d", req.RetryCount)})
}

func (w *Worker) requeue(ctx context.Context, projectID string, req *store.MergeRequest) {
	next := *req
	next.RetryCount++
	next.EnqueuedAt = time.Now()
	if err := w.coordinator.EnqueueMerge(ctx, &next); err != nil {
		log.Printf("merge: failed to requeue task %s: %v", req.TaskID, err)
	}
}

// requeueTransient re-enqueues req unchanged, for infrastructure hiccups
// (mainline checkout/pull, conflict probe) that say nothing about the
// candidate branch's own mergeability. These must not spend the
// integrate retry budget routeIntegrateFailure enforces.
func (w *Worker) requeueTransient(ctx context.Context, projectID string, req *store.MergeRequest) {
	next := *req
	next.EnqueuedAt = time.Now()
	if err := w.coordinator.EnqueueMerge(ctx, &next); err != nil {
		log.Printf("merge: failed to requeue task %s: %v", req.TaskID, err)
	}
}

func (w *Worker) commitTerminalState(ctx context.Context, projectID string, req *store.MergeRequest) {
	now := time.Now()
	err := w.store.UpdateTaskStatus(ctx, projectID, req.TaskID, store.TaskMerged, -1, func(t *store.Task) {
		t.MergedAt = &now
	})
	if err != nil {
		log.Printf("merge: failed to mark task %s merged: %v", req.TaskID, err)
		return
	}
	observability.MergeOutcomes.WithLabelValues("merged").Inc()
	w.notify(ctx, projectID, req, store.EventMergeSuccess, nil)
	w.record(ctx, projectID, req.TaskID, timeline.StageMerged, nil)

	if w.phase != nil {
		if err := w.phase.Recheck(ctx, projectID); err != nil {
			log.Printf("merge: phase recheck failed for project %s: %v", projectID, err)
		}
	}
}

func (w *Worker) notify(ctx context.Context, projectID string, req *store.MergeRequest, eventKind string, data map[string]string) {
	if w.notifier == nil {
		return
	}
	if err := w.notifier.Notify(ctx, projectID, req.AgentID, req.TaskID, eventKind, data); err != nil {
		log.Printf("merge: notify failed for task %s: %v", req.TaskID, err)
	}
}

func (w *Worker) record(ctx context.Context, projectID, taskID, stage string, metadata map[string]string) {
	if w.recorder == nil {
		return
	}
	w.recorder.Record(ctx, projectID, taskID, 0, stage, metadata)
}
