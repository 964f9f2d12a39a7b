// Package coordinator drives a run level by level: it dispatches a bounded
// pool of worker sessions per level, waits for every session to reach a
// terminal outcome, hands completed branches to the merge arbiter, and only
// then advances to the next level. The coordinator itself is single-threaded
// control logic; concurrency lives in the session pool.
package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/aristath/loom/internal/agent"
	"github.com/aristath/loom/internal/events"
	"github.com/aristath/loom/internal/graph"
	"github.com/aristath/loom/internal/merge"
	"github.com/aristath/loom/internal/persistence"
	"github.com/aristath/loom/internal/runlock"
	"github.com/aristath/loom/internal/schedule"
	"github.com/aristath/loom/internal/task"
	"github.com/aristath/loom/internal/worktree"
)

// Options configures a run.
type Options struct {
	// CollectionPath is where task statuses are rewritten as they become
	// terminal. Empty disables document rewrites (tests).
	CollectionPath string
	MaxWorkers     int
	TaskTimeout    time.Duration
	// RunID is generated when empty.
	RunID string

	Worktrees *worktree.Manager
	Runner    agent.Runner
	Arbiter   *merge.Arbiter
	Bus       *events.EventBus
	// Store records run history; nil disables persistence.
	Store persistence.Store
	// Lock is the run-identity lock; nil disables locking (tests).
	Lock *runlock.Lock
	Log  *slog.Logger
}

// Coordinator executes a plan against a validated graph.
type Coordinator struct {
	opts       Options
	graph      *graph.Graph
	plan       *schedule.Plan
	collection *task.Collection
	worktrees  *worktree.Manager
	runner     agent.Runner
	arbiter    *merge.Arbiter
	bus        *events.EventBus
	store      persistence.Store
	log        *slog.Logger

	nextWorker atomic.Int64

	mu       sync.Mutex
	active   map[string]*worktree.Info // taskID -> live worktree
	sessions []*sessionResult          // completion order within a level
}

// New creates a coordinator for the given graph and plan. The plan must have
// been computed from the same graph.
func New(g *graph.Graph, plan *schedule.Plan, col *task.Collection, opts Options) (*Coordinator, error) {
	if !g.Validated() {
		return nil, fmt.Errorf("graph has not passed dependency validation; refusing to run")
	}
	if opts.MaxWorkers <= 0 {
		opts.MaxWorkers = 4
	}
	if opts.TaskTimeout <= 0 {
		opts.TaskTimeout = 30 * time.Minute
	}
	if opts.RunID == "" {
		opts.RunID = uuid.NewString()
	}
	if opts.Log == nil {
		opts.Log = slog.Default()
	}
	if opts.Worktrees == nil || opts.Runner == nil || opts.Arbiter == nil {
		return nil, fmt.Errorf("worktree manager, runner, and arbiter are required")
	}
	if opts.Bus == nil {
		opts.Bus = events.NewEventBus()
	}

	return &Coordinator{
		opts:       opts,
		graph:      g,
		plan:       plan,
		collection: col,
		worktrees:  opts.Worktrees,
		runner:     opts.Runner,
		arbiter:    opts.Arbiter,
		bus:        opts.Bus,
		store:      opts.Store,
		log:        opts.Log.With("run_id", opts.RunID),
	}, nil
}

// RunID returns the identifier for this run.
func (c *Coordinator) RunID() string {
	return c.opts.RunID
}

// Run executes the plan to completion or cancellation. A failed task never
// aborts the run; its transitive dependents are blocked and the unaffected
// remainder continues. The returned report is valid even on error.
func (c *Coordinator) Run(ctx context.Context) (*Report, error) {
	report := NewReport(c.opts.RunID, c.opts.CollectionPath)

	if c.opts.Lock != nil {
		if err := c.opts.Lock.Acquire(c.opts.RunID); err != nil {
			return report, fmt.Errorf("acquiring run lock: %w", err)
		}
		defer func() {
			if err := c.opts.Lock.Release(); err != nil {
				c.log.Warn("failed to release run lock", "error", err)
			}
		}()
	}

	// Stale metadata from a crashed prior run must not block worktree
	// creation.
	if err := c.worktrees.Prune(); err != nil {
		c.log.Warn("failed to prune stale worktrees", "error", err)
	}

	defer c.cleanupActiveWorktrees()

	c.recordRunStart(ctx)

	var runErr error
	for levelIdx, level := range c.plan.Levels {
		if err := ctx.Err(); err != nil {
			runErr = err
			break
		}
		if err := c.runLevel(ctx, levelIdx, level, report); err != nil {
			runErr = err
			break
		}
	}

	report.Finish(c.countStatuses())
	c.recordRunFinish(runErr)
	c.publishProgress()

	return report, runErr
}

// runLevel dispatches one level through the bounded pool, waits for the
// barrier, and integrates completed branches before returning.
func (c *Coordinator) runLevel(ctx context.Context, levelIdx int, level []string, report *Report) error {
	log := c.log.With("level", levelIdx)

	dispatch, blocked, skipped := c.partitionLevel(level)
	for _, b := range blocked {
		c.applyTerminal(b.id, task.StatusBlocked)
		c.bus.Publish(events.TopicSession, events.TaskBlockedEvent{
			ID: b.id, Ancestor: b.ancestor, Timestamp: time.Now(),
		})
		log.Info("task blocked by failed ancestor", "task_id", b.id, "ancestor", b.ancestor)
	}
	if len(skipped) > 0 {
		log.Info("skipping tasks already passing", "tasks", skipped)
	}

	c.bus.Publish(events.TopicRun, events.LevelStartedEvent{
		Level: levelIdx, Tasks: dispatch, Timestamp: time.Now(),
	})
	log.Info("level started", "dispatch", len(dispatch), "blocked", len(blocked), "skipped", len(skipped))

	c.mu.Lock()
	c.sessions = nil
	c.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.opts.MaxWorkers)

	for _, id := range dispatch {
		t, ok := c.graph.Task(id)
		if !ok {
			return fmt.Errorf("plan references unknown task %q", id)
		}

		c.setInProgress(id)
		g.Go(func() error {
			res := c.runSession(gctx, t, levelIdx)
			c.recordSession(res)
			return nil
		})
	}

	// Barrier: every session in the level is terminal past this point.
	_ = g.Wait()

	c.mu.Lock()
	results := append([]*sessionResult(nil), c.sessions...)
	c.mu.Unlock()

	mergeReport := c.integrateLevel(ctx, levelIdx, results)
	counts := c.applyOutcomes(ctx, results, mergeReport, report)

	c.bus.Publish(events.TopicRun, events.LevelCompletedEvent{
		Level:     levelIdx,
		Passing:   counts.passing,
		Failed:    counts.failed,
		Blocked:   len(blocked),
		Merged:    mergeReport.Merged,
		Conflicts: mergeReport.Conflicts,
		Timestamp: time.Now(),
	})
	c.publishProgress()
	c.persistLevel(levelIdx, results, mergeReport)

	log.Info("level completed",
		"passing", counts.passing, "failed", counts.failed, "blocked", len(blocked),
		"merged", mergeReport.Merged, "conflicts", mergeReport.Conflicts)

	if err := ctx.Err(); err != nil {
		return err
	}
	return nil
}

type blockedTask struct {
	id       string
	ancestor string
}

// partitionLevel splits a level into tasks to dispatch, tasks blocked by an
// unsatisfied dependency, and tasks already passing from a prior run. A task
// persisted as blocked is re-evaluated like pending: when a resumed run
// retries its failed ancestor and the ancestor passes, the dependent
// dispatches at its own level.
func (c *Coordinator) partitionLevel(level []string) (dispatch []string, blocked []blockedTask, skipped []string) {
	for _, id := range level {
		t, ok := c.graph.Task(id)
		if !ok {
			continue
		}

		if t.Status == task.StatusPassing {
			skipped = append(skipped, id)
			continue
		}

		ancestor := ""
		for _, depID := range t.Dependencies {
			dep, ok := c.graph.Task(depID)
			if ok && dep.Status != task.StatusPassing {
				ancestor = depID
				break
			}
		}
		if ancestor != "" {
			if t.Status == task.StatusBlocked {
				// Already marked, by this run's propagation or a prior run;
				// no second event.
				continue
			}
			blocked = append(blocked, blockedTask{id: id, ancestor: ancestor})
			continue
		}

		dispatch = append(dispatch, id)
	}
	return dispatch, blocked, skipped
}

// integrateLevel hands completed branches to the arbiter in session
// completion order (FIFO).
func (c *Coordinator) integrateLevel(ctx context.Context, levelIdx int, results []*sessionResult) *merge.Report {
	var branches []*worktree.Info
	for _, res := range results {
		if res.eligible {
			branches = append(branches, res.info)
		}
	}

	report := c.arbiter.IntegrateLevel(ctx, levelIdx, branches)
	for _, rec := range report.Records {
		c.bus.Publish(events.TopicMerge, events.BranchMergedEvent{
			ID:            rec.TaskID,
			Branch:        rec.Branch,
			Merged:        rec.Merged,
			Commit:        rec.Commit,
			ConflictFiles: rec.ConflictFiles,
			Timestamp:     time.Now(),
		})
	}
	return report
}

type levelCounts struct {
	passing int
	failed  int
}

// applyOutcomes maps session and merge results onto terminal task statuses,
// propagates blocked to dependents of failures, and appends session rows to
// the run report. Sessions cut short by cancellation produce no terminal
// status: the task stays in_progress in the graph and document so a resumed
// run re-dispatches it.
func (c *Coordinator) applyOutcomes(ctx context.Context, results []*sessionResult, mergeReport *merge.Report, report *Report) levelCounts {
	merged := make(map[string]merge.Record, len(mergeReport.Records))
	for _, rec := range mergeReport.Records {
		merged[rec.TaskID] = rec
	}

	var counts levelCounts
	for _, res := range results {
		rec, hasMerge := merged[res.taskID]

		// A completed session whose merge was abandoned by cancellation is
		// also not a failure; its commits survive on the branch.
		mergeAbandoned := ctx.Err() != nil && res.eligible && !(hasMerge && rec.Merged)
		if res.cancelled || mergeAbandoned {
			c.discardCancelledSession(res)
			c.publishSessionFinished(res)
			report.AddSession(res, rec, task.StatusInProgress)
			continue
		}

		status := task.StatusFailed
		switch {
		case res.eligible && hasMerge && rec.Merged:
			status = task.StatusPassing
		case res.eligible && hasMerge:
			c.log.Warn("merge failed, task marked failed",
				"task_id", res.taskID, "error", rec.Err)
		case res.err != nil:
			c.log.Warn("session failed, task marked failed",
				"task_id", res.taskID, "error", res.err)
		}

		c.applyTerminal(res.taskID, status)
		if status == task.StatusPassing {
			counts.passing++
		} else {
			counts.failed++
			c.blockDependents(res.taskID)
		}

		c.cleanupSession(res, status, rec, hasMerge)
		c.publishSessionFinished(res)
		report.AddSession(res, rec, status)
	}
	return counts
}

// discardCancelledSession disposes of a cancelled session's worktree,
// keeping the branch when it carries commits so the work survives into a
// resumed run.
func (c *Coordinator) discardCancelledSession(res *sessionResult) {
	if res.info == nil {
		return
	}
	var err error
	if res.commits > 0 {
		err = c.worktrees.DiscardWorktree(res.info)
	} else {
		err = c.worktrees.ForceCleanup(res.info)
	}
	if err != nil {
		c.log.Warn("worktree cleanup failed", "task_id", res.taskID, "error", err)
	}
}

// blockDependents marks every transitive dependent of a failed task blocked.
func (c *Coordinator) blockDependents(failedID string) {
	for _, depID := range c.graph.TransitiveDependents(failedID) {
		t, ok := c.graph.Task(depID)
		if !ok || t.Status.Terminal() {
			continue
		}
		c.applyTerminal(depID, task.StatusBlocked)
		c.bus.Publish(events.TopicSession, events.TaskBlockedEvent{
			ID: depID, Ancestor: failedID, Timestamp: time.Now(),
		})
	}
}

// cleanupSession disposes of the session's worktree. Merged branches are
// fully removed; conflicted and failed branches keep their branch ref for
// manual inspection.
func (c *Coordinator) cleanupSession(res *sessionResult, status task.Status, rec merge.Record, hasMerge bool) {
	if res.info == nil {
		return
	}

	var err error
	switch {
	case status == task.StatusPassing:
		err = c.worktrees.Cleanup(res.info)
	case hasMerge && !rec.Merged:
		err = c.worktrees.DiscardWorktree(res.info)
	default:
		err = c.worktrees.ForceCleanup(res.info)
	}
	if err != nil {
		c.log.Warn("worktree cleanup failed", "task_id", res.taskID, "error", err)
	}
}

// setInProgress marks a task dispatched in the graph and the collection
// document.
func (c *Coordinator) setInProgress(id string) {
	if err := c.graph.SetStatus(id, task.StatusInProgress); err != nil {
		c.log.Warn("failed to mark task in progress", "task_id", id, "error", err)
		return
	}
	c.writeCollectionStatus(id, task.StatusInProgress)
}

// applyTerminal records a terminal status in the graph and rewrites the
// collection document so an interrupted run resumes from real state.
func (c *Coordinator) applyTerminal(id string, status task.Status) {
	if err := c.graph.SetStatus(id, status); err != nil {
		c.log.Warn("failed to set terminal status", "task_id", id, "status", string(status), "error", err)
		return
	}
	c.writeCollectionStatus(id, status)
}

func (c *Coordinator) writeCollectionStatus(id string, status task.Status) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.collection.SetStatus(id, status); err != nil {
		c.log.Warn("failed to update collection status", "task_id", id, "error", err)
		return
	}
	if c.opts.CollectionPath == "" {
		return
	}
	if err := c.collection.Save(c.opts.CollectionPath); err != nil {
		c.log.Warn("failed to rewrite collection document", "error", err)
	}
}

func (c *Coordinator) recordSession(res *sessionResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessions = append(c.sessions, res)
}

func (c *Coordinator) trackWorktree(info *worktree.Info) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active == nil {
		c.active = make(map[string]*worktree.Info)
	}
	c.active[info.TaskID] = info
}

func (c *Coordinator) untrackWorktree(taskID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.active, taskID)
}

// cleanupActiveWorktrees force-removes any worktree still live at run exit.
// Normally empty; catches cancellation and panic paths.
func (c *Coordinator) cleanupActiveWorktrees() {
	c.mu.Lock()
	live := make([]*worktree.Info, 0, len(c.active))
	for _, info := range c.active {
		live = append(live, info)
	}
	c.mu.Unlock()

	for _, info := range live {
		if err := c.worktrees.ForceCleanup(info); err != nil {
			c.log.Warn("failed to clean up live worktree", "task_id", info.TaskID, "error", err)
		}
	}
}

type statusCounts struct {
	total   int
	passing int
	failed  int
	blocked int
	pending int
}

func (c *Coordinator) countStatuses() statusCounts {
	var sc statusCounts
	for _, t := range c.graph.Tasks() {
		sc.total++
		switch t.Status {
		case task.StatusPassing:
			sc.passing++
		case task.StatusFailed:
			sc.failed++
		case task.StatusBlocked:
			sc.blocked++
		default:
			sc.pending++
		}
	}
	return sc
}

func (c *Coordinator) publishProgress() {
	sc := c.countStatuses()
	c.bus.Publish(events.TopicRun, events.RunProgressEvent{
		Total:     sc.total,
		Passing:   sc.passing,
		Failed:    sc.failed,
		Blocked:   sc.blocked,
		Pending:   sc.pending,
		Timestamp: time.Now(),
	})
}

func (c *Coordinator) publishSessionStarted(res *sessionResult, info *worktree.Info) {
	c.bus.Publish(events.TopicSession, events.SessionStartedEvent{
		ID:        res.taskID,
		WorkerID:  res.workerID,
		Branch:    info.Branch,
		Level:     res.level,
		Timestamp: time.Now(),
	})
}

// sessionOutcome names a session's outcome for events and history, folding
// spawn failures and cancellation into their own labels.
func sessionOutcome(res *sessionResult) string {
	switch {
	case res.cancelled:
		return "cancelled"
	case res.outcome == "":
		return "spawn_failed"
	}
	return string(res.outcome)
}

func (c *Coordinator) publishSessionFinished(res *sessionResult) {
	outcome := sessionOutcome(res)
	c.bus.Publish(events.TopicSession, events.SessionFinishedEvent{
		ID:        res.taskID,
		WorkerID:  res.workerID,
		Outcome:   outcome,
		Duration:  res.finishedAt.Sub(res.startedAt),
		Timestamp: time.Now(),
	})
}

func (c *Coordinator) recordRunStart(ctx context.Context) {
	if c.store == nil {
		return
	}
	err := c.store.SaveRun(ctx, &persistence.Run{
		ID:         c.opts.RunID,
		Collection: c.opts.CollectionPath,
		Status:     "running",
		StartedAt:  time.Now(),
	})
	if err != nil {
		c.log.Warn("failed to record run start", "error", err)
	}
}

func (c *Coordinator) recordRunFinish(runErr error) {
	if c.store == nil {
		return
	}
	status := "completed"
	if runErr != nil {
		status = "cancelled"
	}
	// Use a fresh context: history must be written even when the run
	// context is already cancelled.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.store.FinishRun(ctx, c.opts.RunID, status); err != nil {
		c.log.Warn("failed to record run finish", "error", err)
	}
}

// persistLevel writes the level's sessions and merges to the history store.
func (c *Coordinator) persistLevel(levelIdx int, results []*sessionResult, mergeReport *merge.Report) {
	if c.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for _, res := range results {
		outcome := sessionOutcome(res)
		branch := ""
		if res.info != nil {
			branch = res.info.Branch
		}
		finished := res.finishedAt
		err := c.store.SaveSession(ctx, &persistence.Session{
			RunID:      c.opts.RunID,
			TaskID:     res.taskID,
			WorkerID:   res.workerID,
			Branch:     branch,
			Level:      res.level,
			Outcome:    outcome,
			Attempt:    1,
			StartedAt:  res.startedAt,
			FinishedAt: &finished,
		})
		if err != nil {
			c.log.Warn("failed to persist session", "task_id", res.taskID, "error", err)
		}
	}

	for _, rec := range mergeReport.Records {
		errMsg := ""
		if rec.Err != nil {
			errMsg = rec.Err.Error()
		}
		err := c.store.SaveMerge(ctx, &persistence.Merge{
			RunID:  c.opts.RunID,
			TaskID: rec.TaskID,
			Branch: rec.Branch,
			Level:  levelIdx,
			Merged: rec.Merged,
			Commit: rec.Commit,
			Error:  errMsg,
		})
		if err != nil {
			c.log.Warn("failed to persist merge", "task_id", rec.TaskID, "error", err)
		}
	}
}
