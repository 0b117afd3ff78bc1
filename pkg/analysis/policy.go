package analysis

import (
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// ExecutionError is returned when the analysis process reports failure.
//
// When Stderr is non-empty, Error returns it verbatim so the job record
// carries the process's own text.
type ExecutionError struct {
	Stderr   string
	ExitCode int
	Err      error
}

func (e *ExecutionError) Error() string {
	if e.Stderr != "" {
		return e.Stderr
	}
	if e.Err != nil {
		return fmt.Sprintf("analysis process failed: %v", e.Err)
	}
	return "analysis process failed"
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

// FailurePolicy decides whether a finished run failed. runErr is the error
// from waiting on the process (nil on exit status 0).
type FailurePolicy func(res *Result, runErr error) error

// StderrPolicy treats any non-empty stderr as failure, even when the process
// exited 0. Tools that print informational text on stderr will be reported
// as failed under this policy.
func StderrPolicy(res *Result, runErr error) error {
	if res.Stderr != "" {
		return &ExecutionError{Stderr: res.Stderr, ExitCode: exitCode(runErr), Err: runErr}
	}
	if runErr != nil {
		return &ExecutionError{ExitCode: exitCode(runErr), Err: runErr}
	}
	return nil
}

// ExitCodePolicy fails only when the process exits non-zero. Stderr is kept
// on the error for context but never triggers failure on its own.
func ExitCodePolicy(res *Result, runErr error) error {
	if runErr == nil {
		return nil
	}
	return &ExecutionError{Stderr: res.Stderr, ExitCode: exitCode(runErr), Err: runErr}
}

// PolicyByName resolves a configured policy name.
func PolicyByName(name string) (FailurePolicy, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "stderr":
		return StderrPolicy, nil
	case "exit-code", "exitcode":
		return ExitCodePolicy, nil
	default:
		return nil, fmt.Errorf("unknown failure policy %q (expected stderr or exit-code)", name)
	}
}

func exitCode(err error) int {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	if err != nil {
		return -1
	}
	return 0
}
