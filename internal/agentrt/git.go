package agentrt

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/itskum47/swarmctl/internal/resilience"
)

// gitRunner invokes the real git binary with argv lists in the agent's
// workspace, the same shape as internal/merge's runner but extended with
// the branch-creation, rebase and force-with-lease operations the agent
// side needs that the merge worker never does.
type gitRunner struct {
	workDir string
}

func newGitRunner(workDir string) *gitRunner {
	return &gitRunner{workDir: workDir}
}

func (g *gitRunner) run(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = g.workDir

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	err := cmd.Run()
	output := out.String()

	if ctx.Err() != nil {
		return output, &resilience.SubprocessFailure{Command: "git " + strings.Join(args, " "), TimedOut: true, Output: output}
	}
	if err != nil {
		exitCode := 1
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		}
		return output, &resilience.SubprocessFailure{Command: "git " + strings.Join(args, " "), ExitCode: exitCode, Output: output}
	}
	return output, nil
}

func (g *gitRunner) checkout(ctx context.Context, branch string) (string, error) {
	return g.run(ctx, "checkout", branch)
}

func (g *gitRunner) pull(ctx context.Context) error {
	_, err := g.run(ctx, "pull", "--ff-only")
	return err
}

func (g *gitRunner) createBranch(ctx context.Context, branch string) error {
	_, err := g.run(ctx, "checkout", "-b", branch)
	return err
}

func (g *gitRunner) remoteOriginResolves(ctx context.Context) bool {
	_, err := g.run(ctx, "remote", "get-url", "origin")
	return err == nil
}

func (g *gitRunner) revParseHEAD(ctx context.Context) (string, error) {
	out, err := g.run(ctx, "rev-parse", "HEAD")
	return strings.TrimSpace(out), err
}

func (g *gitRunner) push(ctx context.Context, branch string) error {
	_, err := g.run(ctx, "push", "-u", "origin", branch)
	return err
}

func (g *gitRunner) pushForceWithLease(ctx context.Context, branch string) error {
	_, err := g.run(ctx, "push", "--force-with-lease", "origin", branch)
	return err
}

// rebaseOntoMain rebases the currently checked-out branch against main,
// reporting whether it landed cleanly. On a conflicting rebase it aborts
// so the working tree is left clean for the next attempt, mirroring
// internal/merge's mergeProbe-then-abort discipline.
func (g *gitRunner) rebaseOntoMain(ctx context.Context, mainBranch string) (clean bool, output string, err error) {
	out, rebaseErr := g.run(ctx, "rebase", mainBranch)
	if rebaseErr == nil {
		return true, out, nil
	}
	abortOut, abortErr := g.run(ctx, "rebase", "--abort")
	if abortErr != nil && !strings.Contains(abortOut, "No rebase in progress") {
		return false, out, fmt.Errorf("agentrt: abort failed rebase: %w", abortErr)
	}
	if strings.Contains(out, "CONFLICT") || strings.Contains(out, "conflict") {
		return false, out, nil
	}
	return false, out, rebaseErr
}
