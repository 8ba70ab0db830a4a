package agentrt

import (
	"bytes"
	"context"
	"os/exec"
)

// checkOutcome captures one detected check's result, enough to build a
// fix-brief if a required check fails.
type checkOutcome struct {
	Name     string
	ExitCode int
	Output   string
}

// runDetectedChecks runs each check in order, stopping at the first
// failing required one — the same required/advisory discipline as
// internal/merge's test gate (spec.md §4.5 step 3 and §4.6f).
func runDetectedChecks(ctx context.Context, workDir string, checks []detectedCheck) (failed *checkOutcome, err error) {
	for _, c := range checks {
		res, runErr := runDetectedCheck(ctx, workDir, c)
		if runErr != nil {
			return nil, runErr
		}
		if res.ExitCode != 0 && c.Required {
			return &res, nil
		}
	}
	return nil, nil
}

func runDetectedCheck(ctx context.Context, workDir string, c detectedCheck) (checkOutcome, error) {
	if len(c.Command) == 0 {
		return checkOutcome{Name: c.Name, ExitCode: 0}, nil
	}

	cmd := exec.CommandContext(ctx, c.Command[0], c.Command[1:]...)
	cmd.Dir = workDir

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	exitCode := 0
	runErr := cmd.Run()
	if ctx.Err() != nil {
		return checkOutcome{Name: c.Name, ExitCode: -1, Output: out.String()}, ctx.Err()
	}
	if runErr != nil {
		exitCode = 1
		if exitErr, ok := runErr.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		}
	}
	return checkOutcome{Name: c.Name, ExitCode: exitCode, Output: out.String()}, nil
}
