package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"defi-aggregator/internal/app"
)

var (
	snapshotDryRun bool
	showLimit      int
	exportCSVPath  string
	exportLimit    int
)

var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Persist the current market listing to the database",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Snapshot(cmd.Context(), app.SnapshotOptions{DryRun: snapshotDryRun})
	},
}

var snapshotListCmd = &cobra.Command{
	Use:   "list",
	Short: "Display recent snapshot rows",
	RunE: func(cmd *cobra.Command, args []string) error {
		if showLimit <= 0 {
			return fmt.Errorf("--limit must be greater than zero")
		}
		return getApp().Show(cmd.Context(), app.ShowOptions{Limit: showLimit})
	},
}

var snapshotExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export recent snapshot rows as CSV",
	RunE: func(cmd *cobra.Command, args []string) error {
		if exportLimit <= 0 {
			return fmt.Errorf("--limit must be greater than zero")
		}
		return getApp().Export(cmd.Context(), app.ExportOptions{CSVPath: exportCSVPath, Limit: exportLimit})
	},
}

func init() {
	snapshotCmd.Flags().BoolVar(&snapshotDryRun, "dry-run", false, "Count rows without writing to storage")
	snapshotListCmd.Flags().IntVar(&showLimit, "limit", 20, "Number of rows to display")
	snapshotExportCmd.Flags().StringVar(&exportCSVPath, "csv", "", "Path to write CSV data")
	snapshotExportCmd.Flags().IntVar(&exportLimit, "limit", 1000, "Number of rows to export")
	snapshotCmd.AddCommand(snapshotListCmd, snapshotExportCmd)
}
