package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"tradejournal/internal/models"
	"tradejournal/internal/store"
)

// addTradeCommands adds trade reconstruction commands.
func addTradeCommands(rootCmd *cobra.Command, app *App) {
	cmd := &cobra.Command{
		Use:   "trades",
		Short: "Trade reconstruction and review",
		Long:  "Build round-trip trades from imported executions and review them.",
	}

	cmd.AddCommand(newTradesBuildCmd(app))
	cmd.AddCommand(newTradesRebuildCmd(app))
	cmd.AddCommand(newTradesListCmd(app))
	cmd.AddCommand(newTradesBlankCmd(app))

	rootCmd.AddCommand(cmd)
}

func newTradesBuildCmd(app *App) *cobra.Command {
	var userID string

	cmd := &cobra.Command{
		Use:   "build",
		Short: "Match new executions into trades",
		Long: `Match the user's not-yet-attributed executions into trades with FIFO
lot matching. New executions continue an existing open position in their
symbol, and re-running on an unchanged journal is a no-op.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if app.Trades == nil {
				return fmt.Errorf("store unavailable")
			}
			output := NewOutput(cmd)

			result, err := app.Trades.ProcessUserOrders(cmd.Context(), userID)
			if err != nil {
				return err
			}
			if err := app.Trades.PersistTrades(cmd.Context(), result); err != nil {
				return err
			}

			return printBuildResult(output, len(result.Trades), len(result.Warnings))
		},
	}

	cmd.Flags().StringVar(&userID, "user", "", "user id to build trades for")
	cmd.MarkFlagRequired("user")

	return cmd
}

func newTradesRebuildCmd(app *App) *cobra.Command {
	var userID string

	cmd := &cobra.Command{
		Use:   "rebuild",
		Short: "Recompute all calculated trades from scratch",
		Long: `Clear prior trade attribution and re-match every execution. Use when the
journal's trades are suspect, for example after a migration rollback.
BLANK placeholder trades are preserved.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if app.Trades == nil {
				return fmt.Errorf("store unavailable")
			}
			output := NewOutput(cmd)

			result, err := app.Trades.Rebuild(cmd.Context(), userID)
			if err != nil {
				return err
			}

			return printBuildResult(output, len(result.Trades), len(result.Warnings))
		},
	}

	cmd.Flags().StringVar(&userID, "user", "", "user id to rebuild trades for")
	cmd.MarkFlagRequired("user")

	return cmd
}

func printBuildResult(output *Output, built, warnings int) error {
	if output.IsJSON() {
		return output.JSON(map[string]int{"trades": built, "warnings": warnings})
	}
	if built == 0 {
		output.Info("No new trades")
	} else {
		output.Success("✓ Built %d trades", built)
	}
	if warnings > 0 {
		output.Warning("  %d data integrity warnings, see logs", warnings)
	}
	return nil
}

func newTradesListCmd(app *App) *cobra.Command {
	var (
		userID string
		symbol string
		status string
		limit  int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List reconstructed trades",
		RunE: func(cmd *cobra.Command, args []string) error {
			if app.Store == nil {
				return fmt.Errorf("store unavailable")
			}
			output := NewOutput(cmd)

			trades, err := app.Store.GetTrades(cmd.Context(), store.TradeFilter{
				UserID: userID,
				Symbol: symbol,
				Status: models.TradeStatus(status),
				Limit:  limit,
			})
			if err != nil {
				return err
			}

			if output.IsJSON() {
				return output.JSON(trades)
			}

			if len(trades) == 0 {
				output.Info("No trades")
				return nil
			}

			table := NewTable(output, "SYMBOL", "SIDE", "QTY", "ENTRY", "EXIT", "P&L", "STATUS", "HOLD", "SESSION", "ENTERED")
			for _, t := range trades {
				exit := "-"
				pnl := "-"
				if t.Status == models.TradeClosed {
					exit = FormatCurrency(t.ExitPrice)
					pnl = output.FormatPnLColored(t.PnL)
				}
				table.AddRow(
					t.Symbol,
					string(t.Side),
					FormatQuantity(t.Quantity),
					FormatCurrency(t.EntryPrice),
					exit,
					pnl,
					string(t.Status),
					string(t.HoldingPeriod),
					string(t.MarketSession),
					t.EntryDate.Format("2006-01-02 15:04"),
				)
			}
			table.Render()
			return nil
		},
	}

	cmd.Flags().StringVar(&userID, "user", "", "user id to list trades for")
	cmd.Flags().StringVar(&symbol, "symbol", "", "filter by symbol")
	cmd.Flags().StringVar(&status, "status", "", "filter by status: OPEN, CLOSED, BLANK")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum trades to list")
	cmd.MarkFlagRequired("user")

	return cmd
}

func newTradesBlankCmd(app *App) *cobra.Command {
	var (
		userID string
		date   string
	)

	cmd := &cobra.Command{
		Use:   "blank",
		Short: "Create a blank journal placeholder for a date",
		Long: `Insert a zero-quantity BLANK trade anchoring journal notes to a date
with no executions. Blank trades are never touched by rebuilds.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if app.Trades == nil {
				return fmt.Errorf("store unavailable")
			}
			output := NewOutput(cmd)

			day, err := time.Parse("2006-01-02", date)
			if err != nil {
				return fmt.Errorf("invalid --date, expected YYYY-MM-DD: %w", err)
			}

			trade, err := app.Trades.CreateBlankTrade(cmd.Context(), userID, day)
			if err != nil {
				return err
			}

			if output.IsJSON() {
				return output.JSON(trade)
			}
			output.Success("✓ Blank trade %s created for %s", Truncate(trade.ID, 12), date)
			return nil
		},
	}

	cmd.Flags().StringVar(&userID, "user", "", "user id owning the placeholder")
	cmd.Flags().StringVar(&date, "date", "", "journal date (YYYY-MM-DD)")
	cmd.MarkFlagRequired("user")
	cmd.MarkFlagRequired("date")

	return cmd
}
