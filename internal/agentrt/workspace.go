package agentrt

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/itskum47/swarmctl/internal/store"
)

// taskBriefName and taskContextName are the two workspace files materialized
// per spec.md §4.6d: one human-readable, one machine-readable. Both are
// convention, not protocol, so the filenames only need to be stable within
// this runtime.
const (
	taskBriefName   = ".swarmctl-brief.md"
	taskContextName = ".swarmctl-context.json"
	fixBriefName    = ".swarmctl-fix-brief.md"
)

// taskContext is the machine-readable sibling of the brief, serialized
// alongside it so an externally-authored implementation commit can read
// back the exact task, role, and any preloaded reference material.
type taskContext struct {
	Task      *store.Task `json:"task"`
	Role      string      `json:"role"`
	Reference []string    `json:"reference,omitempty"`
}

func writeTaskBrief(workDir string, task *store.Task, role string) error {
	brief := fmt.Sprintf(`# Task: %s

- ID: %s
- Kind: %s
- Priority: %s
- Role: %s

## Description / Acceptance Criteria

%s

## When done

Commit your changes on this branch. The agent runtime is polling for a
commit past the current branch tip and will pick it up automatically —
no further action needed once the commit lands.
`, task.Title, task.ID, task.Kind, task.Priority, role, task.AcceptanceCriteria)

	if err := os.WriteFile(filepath.Join(workDir, taskBriefName), []byte(brief), 0o644); err != nil {
		return fmt.Errorf("agentrt: write task brief: %w", err)
	}

	ctxData, err := json.MarshalIndent(taskContext{Task: task, Role: role}, "", "  ")
	if err != nil {
		return fmt.Errorf("agentrt: marshal task context: %w", err)
	}
	if err := os.WriteFile(filepath.Join(workDir, taskContextName), ctxData, 0o644); err != nil {
		return fmt.Errorf("agentrt: write task context: %w", err)
	}
	return nil
}

// removeWorkspaceFiles strips the brief/context pair once an implementation
// commit is observed — they are scaffolding for the implementer, not part
// of the shipped change, and an externally-authored commit may or may not
// have removed them itself.
func removeWorkspaceFiles(workDir string) {
	for _, name := range []string{taskBriefName, taskContextName} {
		_ = os.Remove(filepath.Join(workDir, name))
	}
}

// fixBrief describes one fix-loop failure for the implementer to act on:
// a test failure (exit codes + captured output) or a merge conflict (the
// conflicting file list), per spec.md §4.6h.
type fixBrief struct {
	Kind          string    `json:"kind"` // "tests_failed" | "conflict_detected"
	Output        string    `json:"output,omitempty"`
	ConflictFiles []string  `json:"conflict_files,omitempty"`
	Iteration     int       `json:"iteration"`
	MaxIterations int       `json:"max_iterations"`
	GeneratedAt   time.Time `json:"generated_at"`
}

func writeFixBrief(workDir string, fb fixBrief) error {
	var body string
	switch fb.Kind {
	case "tests_failed":
		body = fmt.Sprintf(`# Fix needed: tests failed (attempt %d/%d)

The test gate rejected this branch. Captured output:

'''
%s
'''

Push a fix commit on this branch once addressed.
`, fb.Iteration, fb.MaxIterations, fb.Output)
	case "conflict_detected":
		body = fmt.Sprintf(`# Fix needed: merge conflict (attempt %d/%d)

This branch no longer merges cleanly against mainline. Conflicting files:

%s

Rebase against mainline and push a fix commit once resolved.
`, fb.Iteration, fb.MaxIterations, joinLines(fb.ConflictFiles))
	default:
		body = fmt.Sprintf("# Fix needed (attempt %d/%d)\n\n%s\n", fb.Iteration, fb.MaxIterations, fb.Output)
	}

	if err := os.WriteFile(filepath.Join(workDir, fixBriefName), []byte(body), 0o644); err != nil {
		return fmt.Errorf("agentrt: write fix brief: %w", err)
	}
	return nil
}

func removeFixBrief(workDir string) {
	_ = os.Remove(filepath.Join(workDir, fixBriefName))
}

func joinLines(lines []string) string {
	out := ""
	for _, l := range lines {
		out += "- " + l + "\n"
	}
	return out
}
