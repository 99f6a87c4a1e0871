// Package config provides configuration management for the trading journal.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration.
type Config struct {
	Database    DatabaseConfig `mapstructure:"database"`
	Ingest      IngestConfig   `mapstructure:"ingest"`
	Approval    ApprovalConfig `mapstructure:"approval"`
	Trades      TradesConfig   `mapstructure:"trades"`
	Logging     LoggingConfig  `mapstructure:"logging"`
	Credentials Credentials    `mapstructure:"-"` // Loaded separately
}

// DatabaseConfig holds persistence configuration.
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// IngestConfig holds CSV ingestion configuration.
type IngestConfig struct {
	// ConfidenceThreshold gates direct order insertion. Mappings below it
	// are staged for review.
	ConfidenceThreshold  float64       `mapstructure:"confidence_threshold"`
	MaxUploadsPerMinute  int           `mapstructure:"max_uploads_per_minute"`
	MaxFeedbackPerMinute int           `mapstructure:"max_feedback_per_minute"`
	MaxSampleRows        int           `mapstructure:"max_sample_rows"`
	MappingTimeout       time.Duration `mapstructure:"mapping_timeout"`
	Model                string        `mapstructure:"model"`
}

// ApprovalConfig holds format approval configuration.
type ApprovalConfig struct {
	MaxApprovalsPerMinute int           `mapstructure:"max_approvals_per_minute"`
	LockTTL               time.Duration `mapstructure:"lock_ttl"`
	ResultCacheTTL        time.Duration `mapstructure:"result_cache_ttl"`
}

// TradesConfig holds trade builder configuration.
type TradesConfig struct {
	ExchangeTimezone string `mapstructure:"exchange_timezone"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level   string `mapstructure:"level"`
	Console bool   `mapstructure:"console"`
	File    bool   `mapstructure:"file"`
}

// Credentials holds API credentials.
type Credentials struct {
	OpenAI OpenAICredentials `mapstructure:"openai"`
}

// OpenAICredentials holds OpenAI API credentials.
type OpenAICredentials struct {
	APIKey string `mapstructure:"api_key"`
}

// DefaultConfigDir returns the default configuration directory.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".tradejournal"
	}
	return filepath.Join(home, ".config", "tradejournal")
}

// Load loads configuration from the specified directory.
// If configDir is empty, uses the default config directory.
func Load(configDir string) (*Config, error) {
	if configDir == "" {
		configDir = DefaultConfigDir()
	}

	cfg := &Config{}

	if err := loadConfigFile(configDir, cfg); err != nil {
		return nil, fmt.Errorf("loading config.toml: %w", err)
	}

	if err := loadCredentials(configDir, &cfg.Credentials); err != nil {
		return nil, fmt.Errorf("loading credentials.toml: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func loadConfigFile(configDir string, target *Config) error {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("toml")
	v.AddConfigPath(configDir)

	setDefaults(v, configDir)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return err
		}
		// No config file is fine; defaults apply.
	}

	return v.Unmarshal(target)
}

func setDefaults(v *viper.Viper, configDir string) {
	v.SetDefault("database.path", filepath.Join(configDir, "journal.db"))
	v.SetDefault("ingest.confidence_threshold", 0.7)
	v.SetDefault("ingest.max_uploads_per_minute", 10)
	v.SetDefault("ingest.max_feedback_per_minute", 20)
	v.SetDefault("ingest.max_sample_rows", 5)
	v.SetDefault("ingest.mapping_timeout", 30*time.Second)
	v.SetDefault("ingest.model", "gpt-4o-mini")
	v.SetDefault("approval.max_approvals_per_minute", 5)
	v.SetDefault("approval.lock_ttl", 5*time.Minute)
	v.SetDefault("approval.result_cache_ttl", 15*time.Minute)
	v.SetDefault("trades.exchange_timezone", "America/New_York")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.console", true)
	v.SetDefault("logging.file", true)
}

func loadCredentials(configDir string, creds *Credentials) error {
	v := viper.New()
	v.SetConfigName("credentials")
	v.SetConfigType("toml")
	v.AddConfigPath(configDir)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return err
	}

	return v.Unmarshal(creds)
}

func applyEnvOverrides(cfg *Config) {
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		cfg.Credentials.OpenAI.APIKey = key
	}
	if path := os.Getenv("TRADEJOURNAL_DB"); path != "" {
		cfg.Database.Path = path
	}
	if level := os.Getenv("TRADEJOURNAL_LOG_LEVEL"); level != "" {
		cfg.Logging.Level = level
	}
}

// Validate checks the configuration for invalid values.
func (c *Config) Validate() error {
	if c.Ingest.ConfidenceThreshold < 0 || c.Ingest.ConfidenceThreshold > 1 {
		return fmt.Errorf("ingest.confidence_threshold must be in [0,1], got %v", c.Ingest.ConfidenceThreshold)
	}
	if c.Ingest.MaxUploadsPerMinute <= 0 {
		return fmt.Errorf("ingest.max_uploads_per_minute must be positive")
	}
	if c.Ingest.MaxFeedbackPerMinute <= 0 {
		return fmt.Errorf("ingest.max_feedback_per_minute must be positive")
	}
	if c.Approval.MaxApprovalsPerMinute <= 0 {
		return fmt.Errorf("approval.max_approvals_per_minute must be positive")
	}
	if c.Ingest.MappingTimeout <= 0 {
		return fmt.Errorf("ingest.mapping_timeout must be positive")
	}
	if _, err := time.LoadLocation(c.Trades.ExchangeTimezone); err != nil {
		return fmt.Errorf("trades.exchange_timezone: %w", err)
	}
	return nil
}
