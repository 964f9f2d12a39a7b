// Package merge serializes integration of completed worker branches into
// the shared mainline. The arbiter's mutex is intentionally the one
// serialization point in an otherwise concurrent run.
package merge

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/aristath/loom/internal/worktree"
)

// ConflictStrategy selects how the arbiter handles a merge conflict. The
// strategy is fixed for a run and applied uniformly, never per-conflict.
type ConflictStrategy string

const (
	// StrategyFail marks the task failed and leaves the branch for manual
	// inspection.
	StrategyFail ConflictStrategy = "fail"
	// StrategyRebase rebases the branch onto the latest mainline and
	// retries the merge once, then fails if the conflict persists.
	StrategyRebase ConflictStrategy = "rebase"
)

// ParseStrategy validates a strategy name from configuration.
func ParseStrategy(s string) (ConflictStrategy, error) {
	switch ConflictStrategy(s) {
	case StrategyFail, StrategyRebase:
		return ConflictStrategy(s), nil
	default:
		return "", fmt.Errorf("unknown conflict strategy %q (want %q or %q)", s, StrategyFail, StrategyRebase)
	}
}

// ConflictError reports a merge conflict that the configured strategy could
// not resolve. The branch is left in place for manual inspection; the work
// is never silently dropped.
type ConflictError struct {
	TaskID string
	Branch string
	Files  []string
}

func (e *ConflictError) Error() string {
	if len(e.Files) == 0 {
		return fmt.Sprintf("merge conflict on branch %q (task %s)", e.Branch, e.TaskID)
	}
	return fmt.Sprintf("merge conflict on branch %q (task %s): %s",
		e.Branch, e.TaskID, strings.Join(e.Files, ", "))
}

// Merger is the git surface the arbiter drives. *worktree.Manager
// implements it; tests substitute a fake.
type Merger interface {
	Merge(info *worktree.Info) (*worktree.MergeResult, error)
	Rebase(info *worktree.Info) error
	AbortMerge()
}

// Record is the outcome of integrating one branch.
type Record struct {
	TaskID        string
	Branch        string
	Merged        bool
	Commit        string // mainline commit hash when merged
	ConflictFiles []string
	Err           error
}

// Report aggregates one level's integrations for observability.
type Report struct {
	Level     int
	Merged    int
	Conflicts int
	Failures  int
	Records   []Record
}

// Arbiter integrates completed branches one at a time.
type Arbiter struct {
	mu       sync.Mutex // mainline-wide lock; held for the duration of each merge
	merger   Merger
	strategy ConflictStrategy
	log      *slog.Logger
}

// NewArbiter creates an arbiter with the given conflict strategy.
func NewArbiter(m Merger, strategy ConflictStrategy, log *slog.Logger) *Arbiter {
	if log == nil {
		log = slog.Default()
	}
	return &Arbiter{merger: m, strategy: strategy, log: log}
}

// Integrate merges one completed branch into the mainline under the
// mainline lock. A cancelled context abandons the merge, leaving the
// mainline in its last consistent state.
func (a *Arbiter) Integrate(ctx context.Context, info *worktree.Info) Record {
	a.mu.Lock()
	defer a.mu.Unlock()

	rec := Record{TaskID: info.TaskID, Branch: info.Branch}

	if err := ctx.Err(); err != nil {
		a.merger.AbortMerge()
		rec.Err = fmt.Errorf("integration abandoned: %w", err)
		return rec
	}

	res, err := a.mergeWithRetry(ctx, info)
	if err != nil {
		rec.Err = fmt.Errorf("merging branch %q: %w", info.Branch, err)
		return rec
	}

	if !res.Merged && a.strategy == StrategyRebase {
		a.log.Info("merge conflict, rebasing and retrying once",
			"task", info.TaskID, "branch", info.Branch)
		if rebaseErr := a.merger.Rebase(info); rebaseErr == nil {
			res, err = a.mergeWithRetry(ctx, info)
			if err != nil {
				rec.Err = fmt.Errorf("merging rebased branch %q: %w", info.Branch, err)
				return rec
			}
		}
	}

	if !res.Merged {
		rec.ConflictFiles = res.ConflictFiles
		rec.Err = &ConflictError{TaskID: info.TaskID, Branch: info.Branch, Files: res.ConflictFiles}
		return rec
	}

	rec.Merged = true
	rec.Commit = res.Commit
	return rec
}

// IntegrateLevel merges the given branches one at a time, in the order
// provided (FIFO by session completion), and aggregates the level report.
func (a *Arbiter) IntegrateLevel(ctx context.Context, level int, branches []*worktree.Info) *Report {
	report := &Report{Level: level}

	for _, info := range branches {
		rec := a.Integrate(ctx, info)
		report.Records = append(report.Records, rec)

		switch {
		case rec.Merged:
			report.Merged++
		case rec.ConflictFiles != nil || isConflict(rec.Err):
			report.Conflicts++
		default:
			report.Failures++
		}
	}
	return report
}

func isConflict(err error) bool {
	_, ok := err.(*ConflictError)
	return ok
}

// mergeWithRetry runs the merge, retrying with exponential backoff when git
// reports transient lock contention (another process briefly holding
// index.lock or a ref lock). Conflicts are not transient and return
// immediately.
func (a *Arbiter) mergeWithRetry(ctx context.Context, info *worktree.Info) (*worktree.MergeResult, error) {
	var res *worktree.MergeResult

	operation := func() error {
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}

		r, err := a.merger.Merge(info)
		if err != nil {
			if transientGitError(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		if !r.Merged && r.Error != nil && transientGitError(r.Error) {
			return r.Error
		}

		res = r
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 100 * time.Millisecond
	policy.MaxInterval = 2 * time.Second
	policy.MaxElapsedTime = 15 * time.Second

	if err := backoff.Retry(operation, backoff.WithContext(policy, ctx)); err != nil {
		return nil, err
	}
	return res, nil
}

func transientGitError(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "index.lock") || strings.Contains(msg, "cannot lock ref")
}
