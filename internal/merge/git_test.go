package merge

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
)

// initTestRepo builds a throwaway git repo with a mainline commit, returning
// the gitRunner bound to it. Skips the test if git isn't on PATH.
func initTestRepo(t *testing.T) *gitRunner {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available")
	}

	dir := t.TempDir()
	run := func(args ...string) {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		cmd.Env = append(os.Environ(),
			"GIT_AUTHOR_NAME=test", "GIT_AUTHOR_EMAIL=test@example.com",
			"GIT_COMMITTER_NAME=test", "GIT_COMMITTER_EMAIL=test@example.com",
		)
		if out, err := cmd.CombinedOutput(); err != nil {
			t.Fatalf("git %v: %v\n%s", args, err, out)
		}
	}

	run("init", "-b", "main")
	if err := os.WriteFile(filepath.Join(dir, "README.md"), []byte("hello\n"), 0o644); err != nil {
		t.Fatalf("write README: %v", err)
	}
	run("add", ".")
	run("commit", "-m", "initial")

	return newGitRunner(dir)
}

func TestMergeProbeCleanMergeNoConflict(t *testing.T) {
	g := initTestRepo(t)
	ctx := context.Background()

	if _, err := g.run(ctx, "checkout", "-b", "feature"); err != nil {
		t.Fatalf("checkout feature: %v", err)
	}
	if err := os.WriteFile(filepath.Join(g.workDir, "feature.txt"), []byte("feature\n"), 0o644); err != nil {
		t.Fatalf("write feature file: %v", err)
	}
	if _, err := g.run(ctx, "add", "."); err != nil {
		t.Fatalf("add: %v", err)
	}
	if _, err := g.run(ctx, "commit", "-m", "feature work"); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if _, err := g.checkout(ctx, "main"); err != nil {
		t.Fatalf("checkout main: %v", err)
	}

	conflict, _, err := g.mergeProbe(ctx, "feature")
	if err != nil {
		t.Fatalf("mergeProbe: %v", err)
	}
	if conflict {
		t.Fatalf("expected a clean merge to report no conflict")
	}

	if err := g.squashMerge(ctx, "feature", "merge feature"); err != nil {
		t.Fatalf("squashMerge: %v", err)
	}
	if _, err := os.Stat(filepath.Join(g.workDir, "feature.txt")); err != nil {
		t.Fatalf("expected feature.txt on main after squash merge: %v", err)
	}
}

func TestMergeProbeDetectsConflict(t *testing.T) {
	g := initTestRepo(t)
	ctx := context.Background()

	write := func(content string) {
		if err := os.WriteFile(filepath.Join(g.workDir, "README.md"), []byte(content), 0o644); err != nil {
			t.Fatalf("write README: %v", err)
		}
	}

	if _, err := g.run(ctx, "checkout", "-b", "feature"); err != nil {
		t.Fatalf("checkout feature: %v", err)
	}
	write("feature change\n")
	if _, err := g.run(ctx, "commit", "-am", "feature edits README"); err != nil {
		t.Fatalf("commit: %v", err)
	}

	if _, err := g.checkout(ctx, "main"); err != nil {
		t.Fatalf("checkout main: %v", err)
	}
	write("mainline change\n")
	if _, err := g.run(ctx, "commit", "-am", "mainline edits README"); err != nil {
		t.Fatalf("commit: %v", err)
	}

	conflict, output, err := g.mergeProbe(ctx, "feature")
	if err != nil {
		t.Fatalf("mergeProbe: %v", err)
	}
	if !conflict {
		t.Fatalf("expected conflicting edits to the same line to be detected, output=%s", output)
	}

	// the probe must always abort, leaving the tree clean for the next step
	status, err := g.run(ctx, "status", "--porcelain")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status != "" {
		t.Fatalf("expected a clean working tree after the probe aborts, got: %q", status)
	}
}

func TestDeleteBranchLocalIsIdempotent(t *testing.T) {
	g := initTestRepo(t)
	ctx := context.Background()

	if _, err := g.run(ctx, "branch", "throwaway"); err != nil {
		t.Fatalf("create branch: %v", err)
	}
	if err := g.deleteBranchLocal(ctx, "throwaway"); err != nil {
		t.Fatalf("deleteBranchLocal: %v", err)
	}
}
