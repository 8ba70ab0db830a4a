package merge

import (
	"bytes"
	"context"
	"os/exec"
)

// runChecks executes each configured quality check in order on the
// currently checked-out branch. It stops at the first failing required
// check (an advisory failure is logged by the caller but does not block);
// spec.md §4.5 step 3.
func runChecks(ctx context.Context, workDir string, checks []QualityCheck) (failed *checkResult, results []checkResult, err error) {
	for _, c := range checks {
		res, runErr := runOneCheck(ctx, workDir, c)
		results = append(results, res)
		if runErr != nil {
			return nil, results, runErr
		}
		if res.ExitCode != 0 && c.Required {
			return &res, results, nil
		}
	}
	return nil, results, nil
}

func runOneCheck(ctx context.Context, workDir string, c QualityCheck) (checkResult, error) {
	if len(c.Command) == 0 {
		return checkResult{Name: c.Name, ExitCode: 0}, nil
	}

	cmd := exec.CommandContext(ctx, c.Command[0], c.Command[1:]...)
	cmd.Dir = workDir

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	exitCode := 0
	runErr := cmd.Run()
	if ctx.Err() != nil {
		return checkResult{Name: c.Name, ExitCode: -1, Output: out.String()}, ctx.Err()
	}
	if runErr != nil {
		exitCode = 1
		if exitErr, ok := runErr.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		}
	}
	return checkResult{Name: c.Name, ExitCode: exitCode, Output: out.String()}, nil
}
