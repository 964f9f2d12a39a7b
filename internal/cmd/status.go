package cmd

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/aristath/loom/internal/config"
	"github.com/aristath/loom/internal/persistence"
)

var statusDB string

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the most recent run from the history store",
	RunE:  runE(runStatus),
}

func init() {
	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().StringVar(&statusDB, "db", "", "history database path (default from config)")
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	dbPath := statusDB
	if dbPath == "" {
		cfg, err := config.Load(".")
		if err != nil {
			return err
		}
		dbPath = filepath.Join(".", cfg.Paths.HistoryDB)
	}

	store, err := persistence.NewSQLiteStore(ctx, dbPath)
	if err != nil {
		return fmt.Errorf("opening history store: %w", err)
	}
	defer store.Close()

	run, err := store.LatestRun(ctx)
	if err != nil {
		return err
	}
	if run == nil {
		fmt.Println("no runs recorded")
		return nil
	}

	fmt.Printf("run %s (%s)\n", run.ID, run.Status)
	fmt.Printf("  collection: %s\n", run.Collection)
	fmt.Printf("  started:    %s\n", run.StartedAt.Format(time.RFC822))
	if run.FinishedAt != nil {
		fmt.Printf("  finished:   %s (%s)\n",
			run.FinishedAt.Format(time.RFC822),
			run.FinishedAt.Sub(run.StartedAt).Round(time.Second))
	}

	sessions, err := store.ListSessions(ctx, run.ID)
	if err != nil {
		return err
	}
	if len(sessions) > 0 {
		fmt.Printf("\n  %-20s %-10s %-6s %-12s %s\n", "TASK", "WORKER", "LEVEL", "OUTCOME", "BRANCH")
		for _, s := range sessions {
			fmt.Printf("  %-20s %-10s %-6d %-12s %s\n",
				s.TaskID, s.WorkerID, s.Level, s.Outcome, s.Branch)
		}
	}

	merges, err := store.ListMerges(ctx, run.ID)
	if err != nil {
		return err
	}
	if len(merges) > 0 {
		fmt.Println()
		for _, m := range merges {
			if m.Merged {
				fmt.Printf("  merged %s (%s)\n", m.Branch, short(m.Commit))
			} else {
				fmt.Printf("  merge failed %s: %s\n", m.Branch, m.Error)
			}
		}
	}

	return nil
}
