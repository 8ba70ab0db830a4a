// Package merge implements the sequential merge coordinator: a single
// worker draining the per-project merge FIFO, integrating completed task
// branches into mainline one at a time, per spec.md §4.5.
package merge

import "time"

// QualityCheck is one entry in the operator-configured quality_gates.checks
// list. Command is an argv list (not a shell string) so operator-authored
// checks never pass through a shell.
type QualityCheck struct {
	Name     string
	Command  []string
	Required bool
}

// Config carries the merge worker's git and quality-gate configuration
// surface, spec.md §6.
type Config struct {
	WorkDir          string // local checkout the worker operates on
	MainBranch       string
	PushToRemote     bool
	AutoPR           bool
	Checks           []QualityCheck
	MaxRetries       int
	MergeStepTimeout time.Duration
}

func DefaultConfig(workDir string) Config {
	return Config{
		WorkDir:          workDir,
		MainBranch:       "main",
		MaxRetries:       3,
		MergeStepTimeout: 2 * time.Minute,
	}
}

// checkResult captures one quality check's outcome for the test_failed
// notification payload.
type checkResult struct {
	Name     string
	ExitCode int
	Output   string
}
