package backlog

import (
	"strings"
	"testing"

	"github.com/itskum47/swarmctl/internal/store"
)

func TestLoadReaderComputesPhases(t *testing.T) {
	doc := `
tasks:
  - id: setup
    title: init repo
    kind: setup
    priority: H
  - id: impl-a
    title: implement feature a
    kind: development
    dependencies: [setup]
  - id: impl-b
    title: implement feature b
    kind: development
    dependencies: [setup]
  - id: test-all
    title: run full suite
    kind: testing
    dependencies: [impl-a, impl-b]
`
	tasks, phases, err := LoadReader(strings.NewReader(doc), "proj-1")
	if err != nil {
		t.Fatalf("LoadReader: %v", err)
	}
	if len(tasks) != 4 {
		t.Fatalf("expected 4 tasks, got %d", len(tasks))
	}
	if len(phases) != 3 {
		t.Fatalf("expected 3 phases, got %d: %+v", len(phases), phases)
	}
	if len(phases[0].TaskIDs) != 1 || phases[0].TaskIDs[0] != "setup" {
		t.Fatalf("expected phase 1 = [setup], got %v", phases[0].TaskIDs)
	}
	if phases[0].Status != store.PhaseActive {
		t.Fatalf("expected phase 1 active, got %s", phases[0].Status)
	}
	if phases[1].Status != store.PhasePending {
		t.Fatalf("expected phase 2 pending, got %s", phases[1].Status)
	}
	if len(phases[1].TaskIDs) != 2 {
		t.Fatalf("expected phase 2 to contain 2 parallel tasks, got %v", phases[1].TaskIDs)
	}

	for _, task := range tasks {
		if task.Status != store.TaskPending {
			t.Fatalf("expected all tasks pending after load, got %s for %s", task.Status, task.ID)
		}
	}
}

func TestLoadReaderDefaultsPriorityToMedium(t *testing.T) {
	doc := `
tasks:
  - id: a
    title: only task
    kind: setup
`
	tasks, _, err := LoadReader(strings.NewReader(doc), "p1")
	if err != nil {
		t.Fatalf("LoadReader: %v", err)
	}
	if tasks[0].Priority != store.PriorityMedium {
		t.Fatalf("expected default priority M, got %q", tasks[0].Priority)
	}
}

func TestLoadReaderRejectsEmptyBacklog(t *testing.T) {
	_, _, err := LoadReader(strings.NewReader(`tasks: []`), "p1")
	if err == nil {
		t.Fatal("expected error on empty backlog")
	}
}

func TestLoadReaderRejectsUnknownDependency(t *testing.T) {
	doc := `
tasks:
  - id: a
    title: a
    kind: setup
    dependencies: [ghost]
`
	_, _, err := LoadReader(strings.NewReader(doc), "p1")
	if err == nil || !strings.Contains(err.Error(), "unknown task") {
		t.Fatalf("expected unknown-dependency error, got %v", err)
	}
}

func TestLoadReaderRejectsDuplicateID(t *testing.T) {
	doc := `
tasks:
  - id: a
    title: a
    kind: setup
  - id: a
    title: a again
    kind: setup
`
	_, _, err := LoadReader(strings.NewReader(doc), "p1")
	if err == nil || !strings.Contains(err.Error(), "duplicate") {
		t.Fatalf("expected duplicate-id error, got %v", err)
	}
}

func TestLoadReaderRejectsUnknownKind(t *testing.T) {
	doc := `
tasks:
  - id: a
    title: a
    kind: sorcery
`
	_, _, err := LoadReader(strings.NewReader(doc), "p1")
	if err == nil || !strings.Contains(err.Error(), "unknown kind") {
		t.Fatalf("expected unknown-kind error, got %v", err)
	}
}

func TestLoadReaderDetectsCycle(t *testing.T) {
	doc := `
tasks:
  - id: a
    title: a
    kind: setup
    dependencies: [c]
  - id: b
    title: b
    kind: setup
    dependencies: [a]
  - id: c
    title: c
    kind: setup
    dependencies: [b]
`
	_, _, err := LoadReader(strings.NewReader(doc), "p1")
	if err == nil {
		t.Fatal("expected cycle error")
	}
	if !strings.Contains(err.Error(), "cycle") {
		t.Fatalf("expected cycle in error message, got %v", err)
	}
}

func TestLoadReaderPreservesSprintScheduleAdvisoryOnly(t *testing.T) {
	doc := `
tasks:
  - id: a
    title: a
    kind: setup
sprintSchedule: [a, b, c]
`
	tasks, phases, err := LoadReader(strings.NewReader(doc), "p1")
	if err != nil {
		t.Fatalf("LoadReader: %v", err)
	}
	if len(tasks) != 1 || len(phases) != 1 {
		t.Fatalf("sprintSchedule should not affect phase compilation, got tasks=%d phases=%d", len(tasks), len(phases))
	}
}
