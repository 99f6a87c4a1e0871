package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

// addStagingCommands adds staged-row review commands.
func addStagingCommands(rootCmd *cobra.Command, app *App) {
	cmd := &cobra.Command{
		Use:   "staging",
		Short: "Staged row review",
		Long:  "Inspect staged CSV rows awaiting format approval.",
	}

	cmd.AddCommand(newStagingListCmd(app))
	cmd.AddCommand(newStagingDiagnoseCmd(app))
	cmd.AddCommand(newStagingOrphansCmd(app))

	rootCmd.AddCommand(cmd)
}

func newStagingListCmd(app *App) *cobra.Command {
	var (
		limit  int
		offset int
	)

	cmd := &cobra.Command{
		Use:   "list <format-id>",
		Short: "List rows awaiting review for a format",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if app.Staging == nil {
				return fmt.Errorf("store unavailable")
			}
			output := NewOutput(cmd)

			page, err := app.Staging.ListPending(cmd.Context(), args[0], limit, offset)
			if err != nil {
				return err
			}

			if output.IsJSON() {
				return output.JSON(page)
			}

			if page.Total == 0 {
				output.Info("No rows awaiting review for format %s", args[0])
				return nil
			}

			table := NewTable(output, "ID", "ROW", "STATUS", "RETRIES", "USER", "ERRORS")
			for _, row := range page.Rows {
				table.AddRow(
					Truncate(row.ID, 12),
					fmt.Sprintf("%d", row.RowIndex),
					string(row.MigrationStatus),
					fmt.Sprintf("%d", row.RetryCount),
					row.UserID,
					Truncate(strings.Join(row.ProcessingErrors, "; "), 40),
				)
			}
			table.Render()
			output.Dim("Showing %d of %d rows", len(page.Rows), page.Total)
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 50, "maximum rows to list")
	cmd.Flags().IntVar(&offset, "offset", 0, "listing offset for pagination")

	return cmd
}

func newStagingDiagnoseCmd(app *App) *cobra.Command {
	var (
		limit  int
		offset int
	)

	cmd := &cobra.Command{
		Use:   "diagnose <format-id>",
		Short: "Re-run mapping and validation for staged rows",
		Long: `Re-run the format's mapping against each staged row's raw values and
report per-row validation issues, for debugging why rows fail to
migrate.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if app.Staging == nil {
				return fmt.Errorf("store unavailable")
			}
			output := NewOutput(cmd)

			diagnostics, err := app.Staging.Diagnose(cmd.Context(), args[0], limit, offset)
			if err != nil {
				return err
			}

			if output.IsJSON() {
				return output.JSON(diagnostics)
			}

			if len(diagnostics) == 0 {
				output.Info("No rows to diagnose for format %s", args[0])
				return nil
			}

			for _, d := range diagnostics {
				output.Bold("Row %d (%s, %s)", d.RowIndex, Truncate(d.StagingID, 12), d.Status)
				if len(d.Issues) == 0 {
					output.Success("  ✓ maps cleanly, will migrate on approval")
				} else {
					for _, issue := range d.Issues {
						output.Warning("  ✗ %s", issue)
					}
				}
				if len(d.PastErrors) > 0 {
					output.Dim("  past errors: %s", strings.Join(d.PastErrors, "; "))
				}
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 50, "maximum rows to diagnose")
	cmd.Flags().IntVar(&offset, "offset", 0, "offset for pagination")

	return cmd
}

func newStagingOrphansCmd(app *App) *cobra.Command {
	var adminID string

	cmd := &cobra.Command{
		Use:   "orphans",
		Short: "Migrate staged rows stranded under approved formats",
		Long: `Find rows still PENDING or FAILED whose format is already approved,
usually after a crash mid-migration, and migrate them.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if app.Approval == nil {
				return fmt.Errorf("store unavailable")
			}
			output := NewOutput(cmd)

			result, err := app.Approval.ProcessOrphanedStagingRecords(cmd.Context(), adminID)
			if err != nil {
				return err
			}

			if output.IsJSON() {
				return output.JSON(result)
			}

			if result.MigratedCount == 0 && result.FailedCount == 0 && result.SkippedCount == 0 {
				output.Info("No orphaned staging rows")
				return nil
			}
			output.Success("✓ Orphan recovery: %d migrated, %d failed, %d skipped",
				result.MigratedCount, result.FailedCount, result.SkippedCount)
			return nil
		},
	}

	cmd.Flags().StringVar(&adminID, "admin", "", "admin id running the recovery")
	cmd.MarkFlagRequired("admin")

	return cmd
}
