package cmd

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/aristath/loom/internal/graph"
)

var visualizeCmd = &cobra.Command{
	Use:   "visualize <collection>",
	Short: "Print a human-readable rendering of the dependency graph",
	Args:  cobra.ExactArgs(1),
	RunE:  runE(runVisualize),
}

func init() {
	rootCmd.AddCommand(visualizeCmd)
}

func runVisualize(cmd *cobra.Command, args []string) error {
	_, g, err := loadAndValidate(args[0])
	if err != nil {
		return err
	}
	graph.Render(g, os.Stdout)
	return nil
}
