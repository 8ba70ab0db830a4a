package agentrt

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/itskum47/swarmctl/internal/store"
)

func TestDeriveRoleKnownAndUnknownKind(t *testing.T) {
	if role := deriveRole(store.KindSecurity); role != "security_reviewer" {
		t.Fatalf("expected security_reviewer, got %s", role)
	}
	if role := deriveRole("something-unheard-of"); role != "developer" {
		t.Fatalf("expected developer as the fallback role, got %s", role)
	}
}

func TestBranchNameSubstitutesPattern(t *testing.T) {
	got := branchName("{agent}/task-{task}", "agent-7", "task-42")
	want := "agent-7/task-task-42"
	if got != want {
		t.Fatalf("got %s, want %s", got, want)
	}
}

func TestDetectProjectChecksPrefersGoModule(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "go.mod"), []byte("module example\n"), 0o644); err != nil {
		t.Fatalf("write go.mod: %v", err)
	}

	checks := detectProjectChecks(dir)
	if len(checks) == 0 {
		t.Fatalf("expected go checks to be detected")
	}
	if checks[0].Name != "go build" {
		t.Fatalf("expected go build first, got %s", checks[0].Name)
	}
}

func TestDetectProjectChecksUnrecognizedYieldsNone(t *testing.T) {
	dir := t.TempDir()
	checks := detectProjectChecks(dir)
	if checks != nil {
		t.Fatalf("expected no checks for an unrecognized project, got %+v", checks)
	}
}

func TestRunDetectedChecksStopsAtFailingRequired(t *testing.T) {
	dir := t.TempDir()
	checks := []detectedCheck{
		{Name: "required", Command: []string{"false"}, Required: true},
		{Name: "never-runs", Command: []string{"true"}, Required: true},
	}

	failed, err := runDetectedChecks(context.Background(), dir, checks)
	if err != nil {
		t.Fatalf("runDetectedChecks: %v", err)
	}
	if failed == nil || failed.Name != "required" {
		t.Fatalf("expected the required check to fail, got %+v", failed)
	}
}

func TestConflictFilesFromOutputExtractsFilenames(t *testing.T) {
	output := "Auto-merging src/main.go\nCONFLICT (content): Merge conflict in src/main.go\n"
	files := conflictFilesFromOutput(output)
	if len(files) != 1 || files[0] != "src/main.go" {
		t.Fatalf("expected [src/main.go], got %+v", files)
	}
}
