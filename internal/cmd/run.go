package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/aristath/loom/internal/agent"
	"github.com/aristath/loom/internal/config"
	"github.com/aristath/loom/internal/coordinator"
	"github.com/aristath/loom/internal/events"
	"github.com/aristath/loom/internal/logging"
	"github.com/aristath/loom/internal/merge"
	"github.com/aristath/loom/internal/persistence"
	"github.com/aristath/loom/internal/runlock"
	"github.com/aristath/loom/internal/schedule"
	"github.com/aristath/loom/internal/worktree"
)

var (
	runRepo       string
	runMaxWorkers int
	runTimeout    time.Duration
	runStrategy   string
	runBaseBranch string
	runDryRun     bool
)

var runCmd = &cobra.Command{
	Use:   "run <collection>",
	Short: "Execute a task collection level by level",
	Long: `Execute a validated task collection: tasks are grouped into levels of
independent work and run concurrently within each level, bounded by
max-workers. Each task runs in its own git worktree and branch;
completed branches are merged into the base branch one at a time
before the next level starts. Statuses are written back to the
collection document as tasks finish.`,
	Args: cobra.ExactArgs(1),
	RunE: runE(runRun),
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().StringVar(&runRepo, "repo", ".", "git repository to operate on")
	runCmd.Flags().IntVar(&runMaxWorkers, "max-workers", 0, "max concurrent worker sessions (default from config)")
	runCmd.Flags().DurationVar(&runTimeout, "timeout", 0, "per-session budget (default from config)")
	runCmd.Flags().StringVar(&runStrategy, "strategy", "", "merge conflict strategy: fail or rebase (default from config)")
	runCmd.Flags().StringVar(&runBaseBranch, "base-branch", "", "mainline branch to merge into (default from config)")
	runCmd.Flags().BoolVar(&runDryRun, "dry-run", false, "validate, plan, and print levels without executing")
}

func runRun(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	collectionPath := args[0]

	cfg, err := config.Load(runRepo)
	if err != nil {
		return err
	}
	applyRunFlags(cmd, cfg)

	strategy, err := merge.ParseStrategy(cfg.Run.ConflictStrategy)
	if err != nil {
		return failf(2, "%s", err.Error())
	}

	col, g, err := loadAndValidate(collectionPath)
	if err != nil {
		return err
	}

	plan, err := schedule.Level(g)
	if err != nil {
		return err
	}

	stateDir := filepath.Join(runRepo, cfg.Paths.StateDir)
	if err := os.MkdirAll(stateDir, 0755); err != nil {
		return fmt.Errorf("creating state directory: %w", err)
	}
	planDoc := schedule.NewDocument(plan, cfg.Run.TaskTimeout(), cfg.Run.MaxWorkers)
	if err := planDoc.Write(filepath.Join(stateDir, "plan.yaml")); err != nil {
		return err
	}

	if runDryRun {
		printPlan(plan)
		return nil
	}

	runID := uuid.NewString()

	logger, err := logging.New(filepath.Join(runRepo, cfg.Logging.Dir), runID, cfg.Logging.Level)
	if err != nil {
		return err
	}
	defer logger.Close()

	pm := agent.NewProcessManager()
	go func() {
		<-ctx.Done()
		// The context cancel path delivers SIGTERM through each session;
		// KillAll is the backstop for anything still alive afterwards.
		time.Sleep(cfg.Agent.GracePeriod() + 5*time.Second)
		_ = pm.KillAll()
	}()

	worktrees := worktree.NewManager(worktree.Config{
		RepoPath:    runRepo,
		BaseBranch:  cfg.Git.BaseBranch,
		WorktreeDir: cfg.Git.WorktreeDir,
	})

	runner := agent.NewBreakerRunner(agent.NewCLIRunner(agent.CLIConfig{
		Command:     cfg.Agent.Command,
		Args:        cfg.Agent.Args,
		GracePeriod: cfg.Agent.GracePeriod(),
	}, pm), logger.Logger)

	arbiter := merge.NewArbiter(worktrees, strategy, logger.Logger)

	bus := events.NewEventBus()
	defer bus.Close()
	done := make(chan struct{})
	go printProgress(bus.SubscribeAll(0), done)

	var store persistence.Store
	sqlStore, err := persistence.NewSQLiteStore(ctx, filepath.Join(runRepo, cfg.Paths.HistoryDB))
	if err != nil {
		logger.Warn("run history disabled", "error", err)
	} else {
		store = sqlStore
		defer sqlStore.Close()
	}

	coord, err := coordinator.New(g, plan, col, coordinator.Options{
		CollectionPath: collectionPath,
		MaxWorkers:     cfg.Run.MaxWorkers,
		TaskTimeout:    cfg.Run.TaskTimeout(),
		RunID:          runID,
		Worktrees:      worktrees,
		Runner:         runner,
		Arbiter:        arbiter,
		Bus:            bus,
		Store:          store,
		Lock:           runlock.New(stateDir),
		Log:            logger.Logger,
	})
	if err != nil {
		return err
	}

	report, runErr := coord.Run(ctx)
	<-drained(done, bus)

	reportPath := filepath.Join(stateDir, "report-"+runID+".yaml")
	if err := report.Save(reportPath); err != nil {
		logger.Warn("failed to write run report", "error", err)
	}

	fmt.Printf("\nrun %s: %d passing, %d failed, %d blocked, %d pending (%.1fs wall, %.2fx speedup)\n",
		runID, report.Passing, report.Failed, report.Blocked, report.Pending,
		report.WallSeconds, report.Speedup)
	fmt.Printf("report: %s\n", reportPath)

	if runErr != nil {
		return fmt.Errorf("run interrupted: %w", runErr)
	}
	if report.Failed > 0 || report.Blocked > 0 {
		return failf(1, "%d task(s) failed, %d blocked", report.Failed, report.Blocked)
	}
	return nil
}

// applyRunFlags overlays explicit command-line flags onto loaded config.
func applyRunFlags(cmd *cobra.Command, cfg *config.Config) {
	if cmd.Flags().Changed("max-workers") {
		cfg.Run.MaxWorkers = runMaxWorkers
	}
	if cmd.Flags().Changed("timeout") {
		cfg.Run.TaskTimeoutMinutes = int(runTimeout.Minutes())
	}
	if runStrategy != "" {
		cfg.Run.ConflictStrategy = runStrategy
	}
	if runBaseBranch != "" {
		cfg.Git.BaseBranch = runBaseBranch
	}
}

func printPlan(plan *schedule.Plan) {
	for i, level := range plan.Levels {
		fmt.Printf("level %d:", i)
		for _, id := range level {
			fmt.Printf(" %s", id)
		}
		fmt.Println()
	}
}

// printProgress renders bus events as terse progress lines until the bus
// closes.
func printProgress(ch <-chan events.Event, done chan<- struct{}) {
	defer close(done)
	for ev := range ch {
		switch e := ev.(type) {
		case events.LevelStartedEvent:
			fmt.Printf("level %d: dispatching %d task(s)\n", e.Level, len(e.Tasks))
		case events.SessionStartedEvent:
			fmt.Printf("  %s: started on %s (%s)\n", e.ID, e.Branch, e.WorkerID)
		case events.SessionFinishedEvent:
			fmt.Printf("  %s: %s after %s\n", e.ID, e.Outcome, e.Duration.Round(time.Second))
		case events.TaskBlockedEvent:
			fmt.Printf("  %s: blocked (ancestor %s failed)\n", e.ID, e.Ancestor)
		case events.BranchMergedEvent:
			if e.Merged {
				fmt.Printf("  %s: merged (%s)\n", e.ID, short(e.Commit))
			} else {
				fmt.Printf("  %s: merge conflict, branch %s kept\n", e.ID, e.Branch)
			}
		case events.LevelCompletedEvent:
			fmt.Printf("level %d: %d passing, %d failed, %d blocked\n",
				e.Level, e.Passing, e.Failed, e.Blocked)
		}
	}
}

// drained closes the bus and returns the channel that signals the progress
// printer has flushed.
func drained(done chan struct{}, bus *events.EventBus) <-chan struct{} {
	bus.Close()
	return done
}

func short(commit string) string {
	if len(commit) > 8 {
		return commit[:8]
	}
	return commit
}
