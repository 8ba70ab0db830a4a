package agentrt

import (
	"context"
	"fmt"
	"log"
	"os/exec"
	"strings"
	"time"

	"github.com/itskum47/swarmctl/internal/store"
)

// roleForKind derives an execution role from task.Kind, spec.md §4.6a.
var roleForKind = map[string]string{
	store.KindSetup:         "setup",
	store.KindDevelopment:   "developer",
	store.KindTesting:       "tester",
	store.KindSecurity:      "security_reviewer",
	store.KindDocumentation: "writer",
	store.KindReview:        "reviewer",
}

func deriveRole(kind string) string {
	if role, ok := roleForKind[kind]; ok {
		return role
	}
	return "developer"
}

func branchName(pattern, agentID, taskID string) string {
	name := strings.ReplaceAll(pattern, "{agent}", agentID)
	return strings.ReplaceAll(name, "{task}", taskID)
}

// executionOutcome is returned by executeTask and carries everything
// Runtime needs to call client.complete with.
type executionOutcome struct {
	Success  bool
	Branch   string
	PRHandle string
	Reason   string // structured failure reason, spec.md §4.6b
}

// executeTask runs steps a–g of the task execution pipeline (spec.md
// §4.6). Step h (the fix loop) is triggered later, out of band, by
// notifications — see fixloop.go.
func (r *Runtime) executeTask(ctx context.Context, task *store.Task) executionOutcome {
	role := deriveRole(task.Kind)
	branch := branchName(r.cfg.BranchPattern, r.cfg.AgentID, task.ID)

	if reason, ok := r.checkPreconditions(ctx); !ok {
		return executionOutcome{Success: false, Reason: reason}
	}

	if err := r.prepareBranch(ctx, branch); err != nil {
		log.Printf("agentrt: prepare branch failed for task %s: %v", task.ID, err)
		return executionOutcome{Success: false, Reason: fmt.Sprintf("branch setup failed: %v", err)}
	}

	if err := writeTaskBrief(r.cfg.WorkspaceDir, task, role); err != nil {
		log.Printf("agentrt: workspace brief failed for task %s: %v", task.ID, err)
		return executionOutcome{Success: false, Reason: fmt.Sprintf("workspace setup failed: %v", err)}
	}

	implemented, err := r.waitForImplementationCommit(ctx, r.cfg.ImplTimeout)
	if err != nil {
		return executionOutcome{Success: false, Reason: err.Error()}
	}
	if !implemented {
		return executionOutcome{Success: false, Reason: "implementation timed out"}
	}
	removeWorkspaceFiles(r.cfg.WorkspaceDir)

	checks := detectProjectChecks(r.cfg.WorkspaceDir)
	failed, err := runDetectedChecks(ctx, r.cfg.WorkspaceDir, checks)
	if err != nil {
		return executionOutcome{Success: false, Reason: fmt.Sprintf("test run errored: %v", err)}
	}
	if failed != nil {
		return executionOutcome{Success: false, Reason: fmt.Sprintf("required check %q failed: %s", failed.Name, failed.Output)}
	}

	prHandle := ""
	if r.cfg.PushToRemote {
		if err := r.git.push(ctx, branch); err != nil {
			return executionOutcome{Success: false, Reason: fmt.Sprintf("push failed: %v", err)}
		}
		if r.cfg.AutoPR {
			handle, err := r.createPullRequest(ctx, task, branch)
			if err != nil {
				return executionOutcome{Success: false, Reason: fmt.Sprintf("PR creation failed: %v", err)}
			}
			prHandle = handle
		}
	}

	return executionOutcome{Success: true, Branch: branch, PRHandle: prHandle}
}

// checkPreconditions implements spec.md §4.6b: verify the remote and
// PR-CLI preconditions the configured mode requires before doing any
// branch work, so a misconfigured agent fails fast with a structured
// reason rather than mid-pipeline.
func (r *Runtime) checkPreconditions(ctx context.Context) (reason string, ok bool) {
	if r.cfg.PushToRemote && !r.git.remoteOriginResolves(ctx) {
		return "push_to_remote is set but no remote named origin resolves", false
	}
	if r.cfg.AutoPR {
		if _, err := exec.LookPath("gh"); err != nil {
			return "auto_pr is set but the pull-request CLI (gh) is not installed", false
		}
		cmd := exec.CommandContext(ctx, "gh", "auth", "status")
		cmd.Dir = r.cfg.WorkspaceDir
		if err := cmd.Run(); err != nil {
			return "auto_pr is set but the pull-request CLI is not authenticated", false
		}
	}
	return "", true
}

func (r *Runtime) prepareBranch(ctx context.Context, branch string) error {
	if _, err := r.git.checkout(ctx, r.cfg.MainBranch); err != nil {
		return fmt.Errorf("checkout mainline: %w", err)
	}
	if r.cfg.PushToRemote {
		if err := r.git.pull(ctx); err != nil {
			return fmt.Errorf("pull mainline: %w", err)
		}
	}
	if err := r.git.createBranch(ctx, branch); err != nil {
		return fmt.Errorf("create task branch: %w", err)
	}
	return nil
}

// waitForImplementationCommit polls the branch tip until it advances past
// the recorded starting point, or timeout elapses. Heartbeats continue to
// fire from the background goroutine during the wait, per spec.md §4.6e.
func (r *Runtime) waitForImplementationCommit(ctx context.Context, timeout time.Duration) (bool, error) {
	startTip, err := r.git.revParseHEAD(ctx)
	if err != nil {
		return false, fmt.Errorf("agentrt: record starting tip: %w", err)
	}

	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(r.cfg.ImplPoll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-ticker.C:
			if time.Now().After(deadline) {
				return false, nil
			}
			tip, err := r.git.revParseHEAD(ctx)
			if err != nil {
				log.Printf("agentrt: poll implementation tip failed: %v", err)
				continue
			}
			if tip != startTip {
				return true, nil
			}
		}
	}
}

func (r *Runtime) createPullRequest(ctx context.Context, task *store.Task, branch string) (string, error) {
	cmd := exec.CommandContext(ctx, "gh", "pr", "create",
		"--title", task.Title,
		"--body", task.AcceptanceCriteria,
		"--head", branch,
		"--base", r.cfg.MainBranch,
	)
	cmd.Dir = r.cfg.WorkspaceDir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("gh pr create: %w (%s)", err, string(out))
	}
	return strings.TrimSpace(string(out)), nil
}
