package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"tradejournal/internal/store"
)

// addFormatCommands adds broker format review commands.
func addFormatCommands(rootCmd *cobra.Command, app *App) {
	cmd := &cobra.Command{
		Use:   "formats",
		Short: "Broker CSV format review",
		Long:  "List, approve and reject broker CSV formats awaiting review.",
	}

	cmd.AddCommand(newFormatListCmd(app))
	cmd.AddCommand(newFormatShowCmd(app))
	cmd.AddCommand(newFormatApproveCmd(app))
	cmd.AddCommand(newFormatRejectCmd(app))
	cmd.AddCommand(newFormatRollbackCmd(app))

	rootCmd.AddCommand(cmd)
}

func newFormatListCmd(app *App) *cobra.Command {
	var (
		sortBy string
		limit  int
		offset int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List formats pending review",
		RunE: func(cmd *cobra.Command, args []string) error {
			if app.Registry == nil {
				return fmt.Errorf("store unavailable")
			}
			output := NewOutput(cmd)

			summaries, err := app.Registry.ListPending(cmd.Context(), store.FormatSortKey(sortBy), limit, offset)
			if err != nil {
				return err
			}

			if output.IsJSON() {
				return output.JSON(summaries)
			}

			if len(summaries) == 0 {
				output.Info("No formats pending review")
				return nil
			}

			table := NewTable(output, "ID", "BROKER", "CONFIDENCE", "PENDING ROWS", "USES", "CREATED")
			for _, s := range summaries {
				table.AddRow(
					Truncate(s.Format.ID, 12),
					s.Format.BrokerID,
					FormatConfidence(s.Format.Confidence),
					fmt.Sprintf("%d", s.PendingCount),
					fmt.Sprintf("%d", s.Format.UsageCount),
					s.Format.CreatedAt.Format("2006-01-02"),
				)
			}
			table.Render()
			return nil
		},
	}

	cmd.Flags().StringVar(&sortBy, "sort", string(store.SortByCreated), "sort key: created, confidence, pending")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum formats to list")
	cmd.Flags().IntVar(&offset, "offset", 0, "listing offset for pagination")

	return cmd
}

func newFormatShowCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "show <format-id>",
		Short: "Show a format's proposed mapping and samples",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if app.Store == nil {
				return fmt.Errorf("store unavailable")
			}
			output := NewOutput(cmd)

			format, err := app.Store.GetFormatByID(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			if output.IsJSON() {
				return output.JSON(format)
			}

			output.Bold("Format %s", format.ID)
			output.Printf("  Broker:     %s\n", format.BrokerID)
			output.Printf("  Signature:  %s\n", Truncate(format.SignatureHash, 16))
			output.Printf("  Confidence: %s\n", FormatConfidence(format.Confidence))
			output.Printf("  Approved:   %v\n", format.IsApproved)
			if format.Rejected() {
				output.Warning("  Rejected by %s: %s", format.RejectedBy, format.RejectReason)
			}
			output.Println()

			table := NewTable(output, "HEADER", "FIELD", "CONFIDENCE", "RATIONALE")
			for _, header := range format.Headers {
				fm, ok := format.FieldMappings[header]
				if !ok {
					table.AddRow(header, "-", "-", "")
					continue
				}
				table.AddRow(header, string(fm.CanonicalField), FormatConfidence(fm.Confidence), Truncate(fm.Rationale, 48))
			}
			table.Render()
			return nil
		},
	}
}

func newFormatApproveCmd(app *App) *cobra.Command {
	var (
		adminID        string
		corrections    string
		idempotencyKey string
	)

	cmd := &cobra.Command{
		Use:   "approve <format-id>",
		Short: "Approve a format and migrate its staged rows",
		Long: `Approve a broker CSV format, optionally merging mapping corrections,
then migrate every staged row under it into production orders. Failed
rows stay staged with their errors recorded.

Re-running with the same --idempotency-key returns the original result
without migrating twice.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if app.Approval == nil {
				return fmt.Errorf("store unavailable")
			}
			output := NewOutput(cmd)

			correctedMap, err := loadCorrectionsIfSet(corrections)
			if err != nil {
				return err
			}

			result, err := app.Approval.ApproveFormatAndMigrateOrders(cmd.Context(), args[0], adminID, correctedMap, idempotencyKey)
			if err != nil {
				return err
			}

			if output.IsJSON() {
				return output.JSON(result)
			}

			output.Success("✓ Format %s approved", args[0])
			output.Printf("  Migrated: %d\n", result.MigratedCount)
			if result.FailedCount > 0 {
				output.Warning("  Failed:   %d (inspect with 'tradejournal staging diagnose %s')", result.FailedCount, args[0])
			}
			if result.SkippedCount > 0 {
				output.Dim("  Skipped:  %d", result.SkippedCount)
			}
			output.Dim("  Duration: %s", result.Duration)
			return nil
		},
	}

	cmd.Flags().StringVar(&adminID, "admin", "", "approving admin id")
	cmd.Flags().StringVar(&corrections, "corrections", "", "JSON file with header-to-field mapping corrections")
	cmd.Flags().StringVar(&idempotencyKey, "idempotency-key", "", "key to make the approval request idempotent")
	cmd.MarkFlagRequired("admin")

	return cmd
}

func newFormatRejectCmd(app *App) *cobra.Command {
	var (
		adminID string
		reason  string
	)

	cmd := &cobra.Command{
		Use:   "reject <format-id>",
		Short: "Reject a format and its staged rows",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if app.Approval == nil {
				return fmt.Errorf("store unavailable")
			}
			output := NewOutput(cmd)

			rejected, err := app.Approval.RejectFormat(cmd.Context(), args[0], adminID, reason)
			if err != nil {
				return err
			}

			if output.IsJSON() {
				return output.JSON(map[string]interface{}{"formatId": args[0], "rejectedRows": rejected})
			}
			output.Success("✓ Format %s rejected, %d staged rows marked REJECTED", args[0], rejected)
			return nil
		},
	}

	cmd.Flags().StringVar(&adminID, "admin", "", "rejecting admin id")
	cmd.Flags().StringVar(&reason, "reason", "", "rejection reason shown to uploaders")
	cmd.MarkFlagRequired("admin")
	cmd.MarkFlagRequired("reason")

	return cmd
}

func newFormatRollbackCmd(app *App) *cobra.Command {
	var adminID string

	cmd := &cobra.Command{
		Use:   "rollback <format-id>",
		Short: "Roll back a completed migration",
		Long: `Delete the production orders created from a format's migrated staging
rows and return those rows to PENDING.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if app.Approval == nil {
				return fmt.Errorf("store unavailable")
			}
			output := NewOutput(cmd)

			rolled, err := app.Approval.RollbackMigration(cmd.Context(), args[0], adminID)
			if err != nil {
				return err
			}

			if output.IsJSON() {
				return output.JSON(map[string]interface{}{"formatId": args[0], "rolledBack": rolled})
			}
			output.Success("✓ Rolled back %d rows for format %s", rolled, args[0])
			return nil
		},
	}

	cmd.Flags().StringVar(&adminID, "admin", "", "admin id performing the rollback")
	cmd.MarkFlagRequired("admin")

	return cmd
}
