package agent

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"syscall"
	"time"
)

// Output tail retained in results for diagnostics.
const outputTailBytes = 8 * 1024

// CLIConfig configures the subprocess-backed runner.
type CLIConfig struct {
	// Command is the agent binary (e.g., "claude").
	Command string
	// Args are appended before the generated prompt argument.
	Args []string
	// Env entries are appended to the inherited environment.
	Env []string
	// GracePeriod is how long to wait between SIGTERM and SIGKILL when a
	// session times out or is cancelled.
	GracePeriod time.Duration
}

// CLIRunner executes assignments by spawning an external agent CLI inside
// the assignment's worktree. The subprocess runs in its own process group
// so the whole subprocess tree can be terminated cleanly.
type CLIRunner struct {
	config CLIConfig
	pm     *ProcessManager
}

// NewCLIRunner creates a runner for the given agent command.
func NewCLIRunner(cfg CLIConfig, pm *ProcessManager) *CLIRunner {
	if cfg.Command == "" {
		cfg.Command = "claude"
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = 10 * time.Second
	}
	return &CLIRunner{config: cfg, pm: pm}
}

// Execute spawns the agent subprocess and waits for a terminal outcome.
// Timeout enforcement is graceful first: on expiry the process group gets
// SIGTERM, then SIGKILL after the grace period if it has not exited.
func (r *CLIRunner) Execute(ctx context.Context, a Assignment) (*Result, error) {
	runCtx := ctx
	var cancel context.CancelFunc
	if a.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, a.Timeout)
		defer cancel()
	}

	args := append(append([]string(nil), r.config.Args...), "-p", buildPrompt(a))

	cmd := exec.CommandContext(runCtx, r.config.Command, args...)
	cmd.Dir = a.WorkDir
	if len(r.config.Env) > 0 {
		cmd.Env = append(cmd.Environ(), r.config.Env...)
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true, // New process group for whole-tree signal delivery
	}
	cmd.Cancel = func() error {
		// Graceful termination of the whole group; WaitDelay escalates.
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGTERM)
	}
	cmd.WaitDelay = r.config.GracePeriod

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("creating stdout pipe for task %q: %w", a.TaskID, err)
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("creating stderr pipe for task %q: %w", a.TaskID, err)
	}

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("spawning agent for task %q: %w", a.TaskID, err)
	}
	r.pm.Track(cmd)

	buf := collectOutput(stdoutPipe, stderrPipe)
	waitErr := cmd.Wait()
	r.pm.Untrack(cmd)

	result := &Result{
		Duration: time.Since(start),
		Output:   tail(buf.String(), outputTailBytes),
	}

	switch {
	case waitErr == nil:
		result.Outcome = OutcomeCompleted
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		result.Outcome = OutcomeTimedOut
		result.ExitCode = -1
	default:
		result.Outcome = OutcomeCrashed
		result.ExitCode = exitCode(waitErr)
	}

	return result, nil
}

// buildPrompt renders the assignment context handed to the agent. The
// test criterion and check-first hint are inputs to the agent; how it uses
// them is outside this contract.
func buildPrompt(a Assignment) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Task %s: %s\n", a.TaskID, a.Description)
	if a.TestCriterion != "" {
		fmt.Fprintf(&b, "Verification criterion: %s\n", a.TestCriterion)
	}
	if a.CheckFirst {
		b.WriteString("Check whether this is already implemented before making changes.\n")
	}
	b.WriteString("Commit all work on the current branch before exiting.")
	return b.String()
}

func exitCode(err error) int {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
