// Package cli provides the command-line interface for the trade journal.
package cli

import (
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"tradejournal/internal/approval"
	"tradejournal/internal/config"
	"tradejournal/internal/ingest"
	"tradejournal/internal/logging"
	"tradejournal/internal/mapper"
	"tradejournal/internal/registry"
	"tradejournal/internal/staging"
	"tradejournal/internal/store"
	"tradejournal/internal/trades"
)

// Version information
const (
	Version = "0.1.0"
)

// App holds the application dependencies.
type App struct {
	Config   *config.Config
	Logger   zerolog.Logger
	Store    store.DataStore
	Registry *registry.Registry
	Ingest   *ingest.Service
	Staging  *staging.Service
	Approval *approval.Service
	Trades   *trades.Builder
}

// NewRootCmd creates the root command for the CLI.
func NewRootCmd(cfg *config.Config, logger zerolog.Logger) *cobra.Command {
	app := &App{
		Config: cfg,
		Logger: logger,
	}

	dataStore, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		logger.Warn().Err(err).Msg("Failed to initialize store, most commands will be unavailable")
	} else {
		app.Store = dataStore
		logger.Debug().Str("path", cfg.Database.Path).Msg("SQLite store initialized")
	}

	// Without an API key the mapper degrades to header heuristics and every
	// upload is staged for review.
	var llm mapper.LLMClient
	if cfg.Credentials.OpenAI.APIKey != "" {
		llm = mapper.NewOpenAIClient(cfg.Credentials.OpenAI.APIKey, cfg.Ingest.Model)
		logger.Debug().Str("model", cfg.Ingest.Model).Msg("OpenAI LLM client initialized")
	}

	if app.Store != nil {
		columnMapper := mapper.NewColumnMapper(llm, cfg.Ingest.MappingTimeout, cfg.Ingest.ConfidenceThreshold, logger)
		app.Registry = registry.New(app.Store, cfg.Ingest.MaxFeedbackPerMinute, logger)
		app.Ingest = ingest.NewService(app.Store, columnMapper, app.Registry,
			cfg.Ingest.ConfidenceThreshold, cfg.Ingest.MaxSampleRows, cfg.Ingest.MaxUploadsPerMinute, logger)
		app.Staging = staging.NewService(app.Store, logger)
		app.Approval = approval.NewService(app.Store, app.Registry,
			cfg.Approval.LockTTL, cfg.Approval.ResultCacheTTL, cfg.Approval.MaxApprovalsPerMinute, logger)

		sessions, err := trades.NewSessionClassifier(cfg.Trades.ExchangeTimezone)
		if err != nil {
			logger.Warn().Err(err).Msg("Invalid exchange timezone, trade commands unavailable")
		} else {
			app.Trades = trades.NewBuilder(app.Store, sessions, logger)
		}
	}

	rootCmd := &cobra.Command{
		Use:   "tradejournal",
		Short: "Trade Journal - broker CSV import and trade reconstruction",
		Long: `Trade Journal ingests broker CSV exports, learns each broker's column
layout, and reconstructs round-trip trades with P&L from the imported
executions.

Unknown CSV layouts are mapped with AI assistance and staged for review;
approved layouts import directly.

Use 'tradejournal help <command>' for more information about a command.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			debug, _ := cmd.Flags().GetBool("debug")
			if debug {
				logging.SetDebugLevel()
				app.Logger = app.Logger.Level(zerolog.DebugLevel)
			}
			return nil
		},
	}

	// Global flags
	rootCmd.PersistentFlags().String("config", "", "config directory (default: ~/.config/tradejournal)")
	rootCmd.PersistentFlags().Bool("json", false, "output in JSON format")
	rootCmd.PersistentFlags().Bool("debug", false, "enable debug logging")

	addCoreCommands(rootCmd, app)
	addIngestCommands(rootCmd, app)
	addFormatCommands(rootCmd, app)
	addStagingCommands(rootCmd, app)
	addTradeCommands(rootCmd, app)

	return rootCmd
}

// addCoreCommands adds core utility commands.
func addCoreCommands(rootCmd *cobra.Command, app *App) {
	rootCmd.AddCommand(newVersionCmd())
	rootCmd.AddCommand(newConfigCmd(app))
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			output := NewOutput(cmd)
			if output.IsJSON() {
				output.JSON(map[string]string{"version": Version})
			} else {
				output.Printf("Trade Journal v%s\n", Version)
			}
		},
	}
}

func newConfigCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration management",
		Long:  "View and manage application configuration.",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show current configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			if output.IsJSON() {
				return output.JSON(app.Config)
			}
			showConfig(output, app.Config)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Show configuration directory path",
		Run: func(cmd *cobra.Command, args []string) {
			output := NewOutput(cmd)
			if output.IsJSON() {
				output.JSON(map[string]string{"path": config.DefaultConfigDir()})
			} else {
				output.Println(config.DefaultConfigDir())
			}
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate configuration files",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			if err := app.Config.Validate(); err != nil {
				output.Error("Configuration validation failed: %v", err)
				return err
			}
			if output.IsJSON() {
				output.JSON(map[string]bool{"valid": true})
			} else {
				output.Success("✓ Configuration is valid")
			}
			return nil
		},
	})

	return cmd
}

func showConfig(output *Output, cfg *config.Config) {
	output.Bold("Database")
	output.Printf("  Path:              %s\n", cfg.Database.Path)
	output.Println()

	output.Bold("Ingestion")
	output.Printf("  Confidence Threshold: %.2f\n", cfg.Ingest.ConfidenceThreshold)
	output.Printf("  Max Uploads/min:   %d\n", cfg.Ingest.MaxUploadsPerMinute)
	output.Printf("  Max Feedback/min:  %d\n", cfg.Ingest.MaxFeedbackPerMinute)
	output.Printf("  Max Sample Rows:   %d\n", cfg.Ingest.MaxSampleRows)
	output.Printf("  Mapping Timeout:   %s\n", cfg.Ingest.MappingTimeout)
	output.Printf("  Model:             %s\n", cfg.Ingest.Model)
	output.Println()

	output.Bold("Approval")
	output.Printf("  Max Approvals/min: %d\n", cfg.Approval.MaxApprovalsPerMinute)
	output.Printf("  Lock TTL:          %s\n", cfg.Approval.LockTTL)
	output.Printf("  Result Cache TTL:  %s\n", cfg.Approval.ResultCacheTTL)
	output.Println()

	output.Bold("Trades")
	output.Printf("  Exchange Timezone: %s\n", cfg.Trades.ExchangeTimezone)
}
