// Package cmd implements the loom CLI.
package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "loom",
	Short: "Dependency-aware parallel task executor",
	Long: `Loom executes a collection of dependency-annotated tasks in parallel.
Tasks are validated, grouped into levels of independent work, and run
level by level: each task gets its own git branch and agent subprocess,
and completed branches are merged back into the mainline one at a time
before the next level starts.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// ExitError carries a process exit code through the cobra error path.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string { return e.Err.Error() }
func (e *ExitError) Unwrap() error { return e.Err }

// runE wraps a command function so every runtime failure exits 1 unless it
// already carries a code. Usage errors never reach the wrapper; cobra
// reports them directly and main maps them to exit 2.
func runE(fn func(cmd *cobra.Command, args []string) error) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		err := fn(cmd, args)
		if err == nil {
			return nil
		}
		var ee *ExitError
		if errors.As(err, &ee) {
			return err
		}
		return &ExitError{Code: 1, Err: err}
	}
}

func failf(code int, format string, args ...any) error {
	return &ExitError{Code: code, Err: fmt.Errorf(format, args...)}
}

// Execute runs the root command with the given context.
func Execute(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}
