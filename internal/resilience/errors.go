package resilience

import "errors"

// Error kinds for the taxonomy in spec §7. Callers type-switch or use
// errors.Is against the sentinel values, never string-match messages.
var (
	// ErrValidation marks a fatal backlog-load failure (bad record, cycle).
	// The caller should stop startup with a message identifying offending ids.
	ErrValidation = errors.New("resilience: validation failure")

	// ErrClaimConflict means the claim lock was already held; this is not
	// an operational error, just a signal to try the next candidate or
	// report no_tasks_available.
	ErrClaimConflict = errors.New("resilience: claim lock contention")

	// ErrPrecondition covers environment-side failures the operator must
	// fix (missing remote, unauthenticated PR tool).
	ErrPrecondition = errors.New("resilience: precondition violation")

	// ErrUnknownAgent/ErrUnknownTask back the coordinator's 404 responses.
	ErrUnknownAgent = errors.New("resilience: unknown agent")
	ErrUnknownTask  = errors.New("resilience: unknown task")

	// ErrWrongAgent means the caller does not hold the claim lock it is
	// trying to act on.
	ErrWrongAgent = errors.New("resilience: caller does not hold the claim lock")
)

// SubprocessFailure wraps a nonzero-exit or timed-out subprocess (git,
// tests, push, PR tooling) with its captured output, per spec §7 — the
// merge worker and agent runtime route on this into conflict/test-failure/
// merge-failure handling rather than treating it as an uncaught error.
type SubprocessFailure struct {
	Command  string
	ExitCode int
	Output   string
	TimedOut bool
}

func (e *SubprocessFailure) Error() string {
	if e.TimedOut {
		return "resilience: subprocess timed out: " + e.Command
	}
	return "resilience: subprocess exited nonzero: " + e.Command
}
