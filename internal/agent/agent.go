// Package agent defines the execution capability boundary: the external
// collaborator that performs a task's actual work. The collaborator is an
// opaque subprocess; its contract is to commit work on its assigned branch
// and exit zero, or exit non-zero / exceed its budget. State is never
// inferred from its output text, only from the structured result.
package agent

import (
	"context"
	"time"
)

// Outcome is the terminal classification of one execution attempt.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed" // clean exit zero
	OutcomeTimedOut  Outcome = "timed_out" // exceeded the session budget
	OutcomeCrashed   Outcome = "crashed"   // non-zero exit or unexpected death
)

// Assignment carries a task's context to the external agent.
type Assignment struct {
	TaskID        string
	Description   string
	TestCriterion string
	// CheckFirst asks the agent to inspect existing code before acting.
	// How (or whether) the agent honors it is the agent's concern.
	CheckFirst bool
	// WorkDir is the isolated worktree the agent must operate in.
	WorkDir string
	// Timeout is the per-session budget.
	Timeout time.Duration
}

// Result is the structured outcome of an execution attempt.
type Result struct {
	Outcome  Outcome
	ExitCode int
	Duration time.Duration
	// Output holds the tail of combined stdout/stderr for diagnostics.
	Output string
}

// Runner executes exactly one assignment to a terminal outcome.
//
// A non-nil error means the runner could not spawn or supervise the
// subprocess at all (infrastructure failure). Task-level failures such as
// crashes and timeouts are reported through Result.Outcome, not the error.
type Runner interface {
	Execute(ctx context.Context, a Assignment) (*Result, error)
}
