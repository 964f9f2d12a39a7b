package coordinator

import (
	"context"
	"fmt"
	"time"

	"github.com/aristath/loom/internal/agent"
	"github.com/aristath/loom/internal/task"
	"github.com/aristath/loom/internal/worktree"
)

// sessionResult is the terminal record of one worker session, consumed by
// the level barrier.
type sessionResult struct {
	taskID     string
	workerID   string
	level      int
	info       *worktree.Info
	outcome    agent.Outcome
	agentRes   *agent.Result
	commits    int
	startedAt  time.Time
	finishedAt time.Time
	err        error

	// eligible is true for a completed session with at least one commit on
	// its branch, making it a merge candidate.
	eligible bool

	// cancelled is true when the session's outcome was caused by run
	// cancellation rather than the task itself. Cancelled sessions must not
	// produce terminal statuses.
	cancelled bool
}

// runSession executes one task in its own worktree and subprocess. It never
// returns an error to the pool: everything is folded into the result so a
// failing session cannot abort its siblings.
func (c *Coordinator) runSession(ctx context.Context, t *task.Task, level int) *sessionResult {
	res := &sessionResult{
		taskID:    t.ID,
		workerID:  fmt.Sprintf("worker-%d", c.nextWorker.Add(1)),
		level:     level,
		startedAt: time.Now(),
	}
	defer func() {
		res.finishedAt = time.Now()
		// A session cut down by cancellation surfaces as a crash or spawn
		// error; only a clean completion before the cancel counts as the
		// task's own outcome.
		res.cancelled = ctx.Err() != nil && res.outcome != agent.OutcomeCompleted
	}()

	log := c.log.With("task_id", t.ID, "worker", res.workerID, "level", level)

	info, err := c.worktrees.Create(t.ID)
	if err != nil {
		res.err = fmt.Errorf("creating worktree: %w", err)
		log.Error("worktree creation failed", "error", err)
		return res
	}
	res.info = info

	c.trackWorktree(info)
	defer c.untrackWorktree(t.ID)

	c.publishSessionStarted(res, info)
	log.Info("session started", "branch", info.Branch, "worktree", info.Path)

	agentRes, err := c.runner.Execute(ctx, agent.Assignment{
		TaskID:        t.ID,
		Description:   t.Description,
		TestCriterion: t.TestCriterion,
		CheckFirst:    hasTag(t, "check-first"),
		WorkDir:       info.Path,
		Timeout:       c.opts.TaskTimeout,
	})
	if err != nil {
		res.err = fmt.Errorf("spawning agent: %w", err)
		log.Error("agent spawn failed", "error", err)
		return res
	}
	res.outcome = agentRes.Outcome
	res.agentRes = agentRes

	if agentRes.Outcome == agent.OutcomeCompleted {
		commits, err := c.worktrees.CommitsAhead(info)
		if err != nil {
			res.err = fmt.Errorf("counting commits: %w", err)
			log.Error("commit count failed", "error", err)
			return res
		}
		res.commits = commits
		// A clean exit with no commits did not fulfill the contract.
		res.eligible = commits > 0
		if !res.eligible {
			log.Warn("session exited clean but committed nothing")
		}
	}

	log.Info("session finished",
		"outcome", string(agentRes.Outcome),
		"exit_code", agentRes.ExitCode,
		"duration", agentRes.Duration,
		"commits", res.commits)

	return res
}

func hasTag(t *task.Task, tag string) bool {
	for _, existing := range t.Tags {
		if existing == tag {
			return true
		}
	}
	return false
}
