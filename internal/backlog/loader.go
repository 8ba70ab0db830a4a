package backlog

import (
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/itskum47/swarmctl/internal/store"
)

// Load reads and validates a backlog document from path, returning the
// compiled tasks and phases ready to be written to the state store.
func Load(path string, projectID string) ([]*store.Task, []*store.Phase, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("backlog: open %s: %w", path, err)
	}
	defer f.Close()
	return LoadReader(f, projectID)
}

// LoadReader parses the YAML document from r, validates it per spec.md
// §4.2, and compiles phases by Kahn's algorithm.
func LoadReader(r io.Reader, projectID string) ([]*store.Task, []*store.Phase, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, nil, fmt.Errorf("backlog: read: %w", err)
	}

	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, nil, fmt.Errorf("backlog: parse yaml: %w", err)
	}

	if len(doc.Tasks) == 0 {
		return nil, nil, fmt.Errorf("backlog: empty backlog")
	}

	if err := validate(doc.Tasks); err != nil {
		return nil, nil, err
	}

	phaseIDs, err := computePhases(doc.Tasks)
	if err != nil {
		return nil, nil, err
	}

	tasks := make([]*store.Task, 0, len(doc.Tasks))
	for _, rec := range doc.Tasks {
		priority := rec.Priority
		if priority == "" {
			priority = store.PriorityMedium
		}
		tasks = append(tasks, &store.Task{
			ID:                 rec.ID,
			ProjectID:          projectID,
			Title:              rec.Title,
			Kind:               rec.Kind,
			Priority:           priority,
			Dependencies:       rec.Dependencies,
			AcceptanceCriteria: rec.AcceptanceCriteria,
			Status:             store.TaskPending,
		})
	}

	phases := make([]*store.Phase, 0, len(phaseIDs))
	for i, ids := range phaseIDs {
		status := store.PhasePending
		if i == 0 {
			status = store.PhaseActive
		}
		phases = append(phases, &store.Phase{
			Index:     i + 1,
			ProjectID: projectID,
			TaskIDs:   ids,
			Status:    status,
		})
	}

	return tasks, phases, nil
}

// validate enforces spec.md §4.2's structural rules ahead of cycle
// detection: required fields, known kinds, id uniqueness, and dependency
// resolvability.
func validate(records []Record) error {
	seen := make(map[string]bool, len(records))
	for _, rec := range records {
		if rec.ID == "" {
			return fmt.Errorf("backlog: task missing id (title %q)", rec.Title)
		}
		if rec.Title == "" {
			return fmt.Errorf("backlog: task %s missing title", rec.ID)
		}
		if !allowedKinds[rec.Kind] {
			return fmt.Errorf("backlog: task %s has unknown kind %q", rec.ID, rec.Kind)
		}
		if seen[rec.ID] {
			return fmt.Errorf("backlog: duplicate task id %s", rec.ID)
		}
		seen[rec.ID] = true
	}

	for _, rec := range records {
		for _, dep := range rec.Dependencies {
			if !seen[dep] {
				return fmt.Errorf("backlog: task %s depends on unknown task %s", rec.ID, dep)
			}
		}
	}

	return nil
}
