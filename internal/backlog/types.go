package backlog

// Record is a single task definition as it appears in the backlog YAML
// file, before validation and phase compilation.
type Record struct {
	ID                 string   `yaml:"id"`
	Title              string   `yaml:"title"`
	Kind               string   `yaml:"kind"`
	Priority           string   `yaml:"priority"`
	Dependencies       []string `yaml:"dependencies"`
	AcceptanceCriteria string   `yaml:"acceptance_criteria"`
}

// Document is the top-level backlog YAML shape. SprintSchedule is
// advisory-only per spec.md §6: parsed and preserved, never interpreted by
// the phase compiler.
type Document struct {
	Tasks          []Record `yaml:"tasks"`
	SprintSchedule []string `yaml:"sprintSchedule"`
}

var allowedKinds = map[string]bool{
	"setup":         true,
	"development":   true,
	"testing":       true,
	"security":      true,
	"documentation": true,
	"review":        true,
}
