package coordinator

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aristath/loom/internal/agent"
	"github.com/aristath/loom/internal/events"
	"github.com/aristath/loom/internal/graph"
	"github.com/aristath/loom/internal/merge"
	"github.com/aristath/loom/internal/persistence"
	"github.com/aristath/loom/internal/schedule"
	"github.com/aristath/loom/internal/task"
	"github.com/aristath/loom/internal/worktree"
)

// setupRepo creates a temporary git repository with an initial commit on
// main.
func setupRepo(t *testing.T) string {
	t.Helper()

	repo := t.TempDir()
	for _, args := range [][]string{
		{"init"},
		{"config", "user.name", "Test User"},
		{"config", "user.email", "test@example.com"},
		{"checkout", "-b", "main"},
	} {
		cmd := exec.Command("git", args...)
		cmd.Dir = repo
		if output, err := cmd.CombinedOutput(); err != nil {
			t.Fatalf("git %v failed: %v (output: %s)", args, err, string(output))
		}
	}

	if err := os.WriteFile(filepath.Join(repo, "README.md"), []byte("# repo\n"), 0644); err != nil {
		t.Fatalf("failed to write README: %v", err)
	}
	gitCommit(t, repo, "initial commit")
	return repo
}

func gitCommit(t *testing.T, dir, message string) {
	t.Helper()
	for _, args := range [][]string{{"add", "."}, {"commit", "-m", message}} {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		if output, err := cmd.CombinedOutput(); err != nil {
			t.Fatalf("git %v failed: %v (output: %s)", args, err, string(output))
		}
	}
}

// fakeRunner scripts per-task behavior. The default behavior writes a
// task-named file, commits it, and reports a clean exit.
type fakeRunner struct {
	mu       sync.Mutex
	behavior map[string]string // taskID -> ok | crash | timeout | noop | content:<data>
	executed []string
	started  map[string]time.Time
	delay    time.Duration

	inflight atomic.Int64
	maxSeen  atomic.Int64

	t *testing.T
}

func newFakeRunner(t *testing.T) *fakeRunner {
	return &fakeRunner{
		behavior: make(map[string]string),
		started:  make(map[string]time.Time),
		t:        t,
	}
}

func (f *fakeRunner) Execute(ctx context.Context, a agent.Assignment) (*agent.Result, error) {
	f.mu.Lock()
	f.executed = append(f.executed, a.TaskID)
	f.started[a.TaskID] = time.Now()
	mode := f.behavior[a.TaskID]
	f.mu.Unlock()

	n := f.inflight.Add(1)
	for {
		seen := f.maxSeen.Load()
		if n <= seen || f.maxSeen.CompareAndSwap(seen, n) {
			break
		}
	}
	defer f.inflight.Add(-1)

	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return &agent.Result{Outcome: agent.OutcomeTimedOut, ExitCode: -1}, nil
		}
	}

	switch mode {
	case "block":
		// Holds the session until the run is cancelled, like a real agent
		// killed mid-flight.
		<-ctx.Done()
		return &agent.Result{Outcome: agent.OutcomeCrashed, ExitCode: -1}, nil
	case "crash":
		return &agent.Result{Outcome: agent.OutcomeCrashed, ExitCode: 1}, nil
	case "timeout":
		return &agent.Result{Outcome: agent.OutcomeTimedOut, ExitCode: -1}, nil
	case "noop":
		return &agent.Result{Outcome: agent.OutcomeCompleted}, nil
	}

	content := a.TaskID + " done\n"
	if len(mode) > 8 && mode[:8] == "content:" {
		content = mode[8:]
	}

	name := a.TaskID + ".txt"
	if mode != "" && mode[0] == '!' {
		// "!name" writes a shared file to provoke merge conflicts.
		name = mode[1:]
	}
	if err := os.WriteFile(filepath.Join(a.WorkDir, name), []byte(content), 0644); err != nil {
		f.t.Errorf("fake agent write failed: %v", err)
	}
	gitCommit(f.t, a.WorkDir, "work on "+a.TaskID)
	return &agent.Result{Outcome: agent.OutcomeCompleted}, nil
}

func (f *fakeRunner) ran(taskID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range f.executed {
		if id == taskID {
			return true
		}
	}
	return false
}

func discardLog() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// harness assembles a coordinator over a real repo with a fake runner.
func harness(t *testing.T, repo string, col *task.Collection, runner agent.Runner, opts Options) (*Coordinator, *graph.Graph) {
	t.Helper()

	g, err := graph.Build(col)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if res := graph.Validate(g); !res.Valid {
		t.Fatalf("graph invalid: %v", res.Errors)
	}
	plan, err := schedule.Level(g)
	if err != nil {
		t.Fatalf("Level failed: %v", err)
	}

	manager := worktree.NewManager(worktree.Config{RepoPath: repo, BaseBranch: "main"})
	opts.Worktrees = manager
	opts.Runner = runner
	if opts.Arbiter == nil {
		opts.Arbiter = merge.NewArbiter(manager, merge.StrategyFail, discardLog())
	}
	if opts.Log == nil {
		opts.Log = discardLog()
	}
	if opts.TaskTimeout == 0 {
		opts.TaskTimeout = time.Minute
	}

	coord, err := New(g, plan, col, opts)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return coord, g
}

func pending(id string, deps ...string) *task.Task {
	return &task.Task{ID: id, Dependencies: deps, Status: task.StatusPending}
}

func TestRunAllPassing(t *testing.T) {
	repo := setupRepo(t)
	runner := newFakeRunner(t)
	col := &task.Collection{Tasks: []*task.Task{
		pending("a"),
		pending("b", "a"),
		pending("c", "a"),
	}}
	colPath := filepath.Join(repo, "tasks.yaml")

	coord, g := harness(t, repo, col, runner, Options{CollectionPath: colPath, MaxWorkers: 2})
	report, err := coord.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if report.Passing != 3 || report.Failed != 0 || report.Blocked != 0 {
		t.Fatalf("unexpected report: %+v", report)
	}

	for _, id := range []string{"a", "b", "c"} {
		tk, _ := g.Task(id)
		if tk.Status != task.StatusPassing {
			t.Errorf("task %s: expected passing, got %s", id, tk.Status)
		}
		// Work must be merged into main.
		if _, err := os.Stat(filepath.Join(repo, id+".txt")); err != nil {
			t.Errorf("task %s output not merged into mainline: %v", id, err)
		}
	}

	// The collection document must carry the terminal statuses.
	saved, err := task.Load(colPath)
	if err != nil {
		t.Fatalf("loading rewritten collection: %v", err)
	}
	for _, tk := range saved.Tasks {
		if tk.Status != task.StatusPassing {
			t.Errorf("saved status for %s: expected passing, got %s", tk.ID, tk.Status)
		}
	}

	if report.Speedup <= 0 {
		t.Errorf("expected positive speedup, got %v", report.Speedup)
	}
}

func TestRunBoundedConcurrency(t *testing.T) {
	repo := setupRepo(t)
	runner := newFakeRunner(t)
	runner.delay = 50 * time.Millisecond

	col := &task.Collection{Tasks: []*task.Task{
		pending("t1"), pending("t2"), pending("t3"), pending("t4"), pending("t5"),
	}}

	coord, _ := harness(t, repo, col, runner, Options{MaxWorkers: 2})
	if _, err := coord.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if max := runner.maxSeen.Load(); max > 2 {
		t.Errorf("concurrency bound violated: %d sessions at once", max)
	}
	if len(runner.executed) != 5 {
		t.Errorf("expected 5 sessions, got %d", len(runner.executed))
	}
}

func TestRunFailureBlocksDependents(t *testing.T) {
	repo := setupRepo(t)
	runner := newFakeRunner(t)
	runner.behavior["a"] = "crash"

	col := &task.Collection{Tasks: []*task.Task{
		pending("a"),
		pending("b", "a"),
		pending("c", "b"),
		pending("d"),
	}}

	coord, g := harness(t, repo, col, runner, Options{MaxWorkers: 4})
	report, err := coord.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	want := map[string]task.Status{
		"a": task.StatusFailed,
		"b": task.StatusBlocked,
		"c": task.StatusBlocked,
		"d": task.StatusPassing,
	}
	for id, status := range want {
		tk, _ := g.Task(id)
		if tk.Status != status {
			t.Errorf("task %s: expected %s, got %s", id, status, tk.Status)
		}
	}

	// Blocked tasks must never get a worker session.
	if runner.ran("b") || runner.ran("c") {
		t.Error("blocked task was dispatched")
	}

	if report.Failed != 1 || report.Blocked != 2 || report.Passing != 1 {
		t.Errorf("unexpected report: %+v", report)
	}
}

func TestRunTimeoutMarksFailed(t *testing.T) {
	repo := setupRepo(t)
	runner := newFakeRunner(t)
	runner.behavior["slow"] = "timeout"

	col := &task.Collection{Tasks: []*task.Task{pending("slow")}}

	coord, g := harness(t, repo, col, runner, Options{MaxWorkers: 1})
	if _, err := coord.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	tk, _ := g.Task("slow")
	if tk.Status != task.StatusFailed {
		t.Errorf("timed out task: expected failed, got %s", tk.Status)
	}
}

func TestRunCleanExitWithoutCommitsFails(t *testing.T) {
	repo := setupRepo(t)
	runner := newFakeRunner(t)
	runner.behavior["lazy"] = "noop"

	col := &task.Collection{Tasks: []*task.Task{pending("lazy")}}

	coord, g := harness(t, repo, col, runner, Options{MaxWorkers: 1})
	if _, err := coord.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	tk, _ := g.Task("lazy")
	if tk.Status != task.StatusFailed {
		t.Errorf("no-commit task: expected failed, got %s", tk.Status)
	}
}

func TestRunMergeConflictFailsTask(t *testing.T) {
	repo := setupRepo(t)
	runner := newFakeRunner(t)
	// Both tasks write the same file with different content; whichever
	// merges second conflicts.
	runner.behavior["left"] = "!shared.txt"
	runner.behavior["right"] = "!shared.txt"

	col := &task.Collection{Tasks: []*task.Task{pending("left"), pending("right")}}

	coord, g := harness(t, repo, col, runner, Options{MaxWorkers: 2})
	report, err := coord.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if report.Passing != 1 || report.Failed != 1 {
		t.Fatalf("expected one merge and one conflict, got %+v", report)
	}

	// Exactly one of the two is passing.
	left, _ := g.Task("left")
	right, _ := g.Task("right")
	if (left.Status == task.StatusPassing) == (right.Status == task.StatusPassing) {
		t.Errorf("expected exactly one passing task, got left=%s right=%s", left.Status, right.Status)
	}
}

func TestRunBarrierOrdering(t *testing.T) {
	repo := setupRepo(t)
	runner := newFakeRunner(t)

	col := &task.Collection{Tasks: []*task.Task{
		pending("a"), pending("b"),
		pending("c", "a", "b"),
	}}

	bus := events.NewEventBus()
	seen := bus.SubscribeAll(128)

	coord, _ := harness(t, repo, col, runner, Options{MaxWorkers: 2, Bus: bus})
	if _, err := coord.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	bus.Close()

	// Level 0 must fully complete (sessions and merges) before c starts.
	var order []string
	for ev := range seen {
		switch e := ev.(type) {
		case events.LevelCompletedEvent:
			order = append(order, fmt.Sprintf("level-%d-complete", e.Level))
		case events.SessionStartedEvent:
			order = append(order, "start-"+e.ID)
		case events.BranchMergedEvent:
			order = append(order, "merge-"+e.ID)
		}
	}

	idx := func(entry string) int {
		for i, o := range order {
			if o == entry {
				return i
			}
		}
		t.Fatalf("event %q not observed in %v", entry, order)
		return -1
	}

	cStart := idx("start-c")
	if idx("level-0-complete") > cStart {
		t.Errorf("level 1 session started before level 0 completed: %v", order)
	}
	if idx("merge-a") > cStart || idx("merge-b") > cStart {
		t.Errorf("level 1 session started before level 0 merges: %v", order)
	}
}

func TestRunSkipsAlreadyPassing(t *testing.T) {
	repo := setupRepo(t)
	runner := newFakeRunner(t)

	col := &task.Collection{Tasks: []*task.Task{
		{ID: "done", Status: task.StatusPassing},
		pending("next", "done"),
	}}

	coord, g := harness(t, repo, col, runner, Options{MaxWorkers: 2})
	if _, err := coord.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if runner.ran("done") {
		t.Error("already-passing task was re-dispatched")
	}
	if !runner.ran("next") {
		t.Error("dependent of a passing task was not dispatched")
	}
	tk, _ := g.Task("next")
	if tk.Status != task.StatusPassing {
		t.Errorf("expected next to pass, got %s", tk.Status)
	}
}

func TestRunCancelledBeforeStart(t *testing.T) {
	repo := setupRepo(t)
	runner := newFakeRunner(t)

	col := &task.Collection{Tasks: []*task.Task{pending("a")}}

	coord, g := harness(t, repo, col, runner, Options{MaxWorkers: 1})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := coord.Run(ctx)
	if err == nil {
		t.Fatal("expected cancellation error")
	}

	// Statuses must be left as they were.
	tk, _ := g.Task("a")
	if tk.Status != task.StatusPending {
		t.Errorf("cancelled run mutated status to %s", tk.Status)
	}
	if runner.ran("a") {
		t.Error("cancelled run dispatched a session")
	}
}

func TestRunRecordsHistory(t *testing.T) {
	repo := setupRepo(t)
	runner := newFakeRunner(t)

	store, err := persistence.NewMemoryStore(context.Background())
	if err != nil {
		t.Fatalf("NewMemoryStore failed: %v", err)
	}
	defer store.Close()

	col := &task.Collection{Tasks: []*task.Task{pending("a"), pending("b", "a")}}

	coord, _ := harness(t, repo, col, runner, Options{MaxWorkers: 1, Store: store})
	if _, err := coord.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	run, err := store.LatestRun(context.Background())
	if err != nil {
		t.Fatalf("LatestRun failed: %v", err)
	}
	if run == nil {
		t.Fatal("no run recorded")
	}
	if run.Status != "completed" {
		t.Errorf("expected completed run, got %s", run.Status)
	}
	if run.FinishedAt == nil {
		t.Error("run has no finish time")
	}

	sessions, err := store.ListSessions(context.Background(), run.ID)
	if err != nil {
		t.Fatalf("ListSessions failed: %v", err)
	}
	if len(sessions) != 2 {
		t.Errorf("expected 2 recorded sessions, got %d", len(sessions))
	}

	merges, err := store.ListMerges(context.Background(), run.ID)
	if err != nil {
		t.Fatalf("ListMerges failed: %v", err)
	}
	if len(merges) != 2 {
		t.Errorf("expected 2 recorded merges, got %d", len(merges))
	}
}

func TestRunCancelledMidFlightPreservesStatuses(t *testing.T) {
	repo := setupRepo(t)
	runner := newFakeRunner(t)
	runner.behavior["a"] = "block"

	col := &task.Collection{Tasks: []*task.Task{
		pending("a"),
		pending("b", "a"),
	}}
	colPath := filepath.Join(repo, "tasks.yaml")

	coord, g := harness(t, repo, col, runner, Options{CollectionPath: colPath, MaxWorkers: 1})

	ctx, cancel := context.WithCancel(context.Background())
	timer := time.AfterFunc(100*time.Millisecond, cancel)
	defer timer.Stop()
	defer cancel()

	_, err := coord.Run(ctx)
	if err == nil {
		t.Fatal("expected cancellation error")
	}

	// The interrupted task keeps its dispatch-time status and its dependent
	// is untouched; neither becomes failed or blocked.
	a, _ := g.Task("a")
	if a.Status != task.StatusInProgress {
		t.Errorf("task a: expected in_progress after cancel, got %s", a.Status)
	}
	b, _ := g.Task("b")
	if b.Status != task.StatusPending {
		t.Errorf("task b: expected pending after cancel, got %s", b.Status)
	}
	if runner.ran("b") {
		t.Error("dependent dispatched during cancelled run")
	}

	// The rewritten document must agree, so a resumed run re-dispatches a.
	saved, err := task.Load(colPath)
	if err != nil {
		t.Fatalf("loading rewritten collection: %v", err)
	}
	for _, tk := range saved.Tasks {
		switch tk.ID {
		case "a":
			if tk.Status != task.StatusInProgress {
				t.Errorf("saved status for a: expected in_progress, got %s", tk.Status)
			}
		case "b":
			if tk.Status != task.StatusPending {
				t.Errorf("saved status for b: expected pending, got %s", tk.Status)
			}
		}
	}
}

func TestRunResumeRetriesFailedAndUnblocksDependent(t *testing.T) {
	repo := setupRepo(t)
	runner := newFakeRunner(t)

	// Statuses persisted by an earlier run where a failed and b was blocked.
	col := &task.Collection{Tasks: []*task.Task{
		{ID: "a", Status: task.StatusFailed},
		{ID: "b", Dependencies: []string{"a"}, Status: task.StatusBlocked},
	}}

	coord, g := harness(t, repo, col, runner, Options{MaxWorkers: 1})
	report, err := coord.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if !runner.ran("a") {
		t.Error("failed task not retried on resume")
	}
	if !runner.ran("b") {
		t.Error("blocked dependent not dispatched after its ancestor passed")
	}
	for _, id := range []string{"a", "b"} {
		tk, _ := g.Task(id)
		if tk.Status != task.StatusPassing {
			t.Errorf("task %s: expected passing, got %s", id, tk.Status)
		}
	}
	if report.Passing != 2 || report.Blocked != 0 || report.Failed != 0 {
		t.Errorf("unexpected report: %+v", report)
	}
}
