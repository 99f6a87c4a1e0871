package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	dir := t.TempDir()

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Database.Path != filepath.Join(dir, "journal.db") {
		t.Errorf("database path = %q", cfg.Database.Path)
	}
	if cfg.Ingest.ConfidenceThreshold != 0.7 {
		t.Errorf("confidence threshold = %v, want 0.7", cfg.Ingest.ConfidenceThreshold)
	}
	if cfg.Ingest.MappingTimeout != 30*time.Second {
		t.Errorf("mapping timeout = %v", cfg.Ingest.MappingTimeout)
	}
	if cfg.Ingest.MaxFeedbackPerMinute != 20 {
		t.Errorf("max feedback = %d, want 20", cfg.Ingest.MaxFeedbackPerMinute)
	}
	if cfg.Approval.LockTTL != 5*time.Minute {
		t.Errorf("lock ttl = %v", cfg.Approval.LockTTL)
	}
	if cfg.Trades.ExchangeTimezone != "America/New_York" {
		t.Errorf("exchange timezone = %q", cfg.Trades.ExchangeTimezone)
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("log level = %q", cfg.Logging.Level)
	}
}

func TestLoadConfigFile(t *testing.T) {
	dir := t.TempDir()
	content := `
[database]
path = "/tmp/custom.db"

[ingest]
confidence_threshold = 0.85
max_uploads_per_minute = 3

[trades]
exchange_timezone = "Europe/London"
`
	if err := os.WriteFile(filepath.Join(dir, "config.toml"), []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Database.Path != "/tmp/custom.db" {
		t.Errorf("database path = %q", cfg.Database.Path)
	}
	if cfg.Ingest.ConfidenceThreshold != 0.85 {
		t.Errorf("confidence threshold = %v", cfg.Ingest.ConfidenceThreshold)
	}
	if cfg.Ingest.MaxUploadsPerMinute != 3 {
		t.Errorf("max uploads = %d", cfg.Ingest.MaxUploadsPerMinute)
	}
	if cfg.Trades.ExchangeTimezone != "Europe/London" {
		t.Errorf("exchange timezone = %q", cfg.Trades.ExchangeTimezone)
	}
	// Untouched sections keep their defaults.
	if cfg.Approval.MaxApprovalsPerMinute != 5 {
		t.Errorf("max approvals = %d, want default 5", cfg.Approval.MaxApprovalsPerMinute)
	}
}

func TestLoadCredentialsFile(t *testing.T) {
	dir := t.TempDir()
	creds := `
[openai]
api_key = "sk-test-key"
`
	if err := os.WriteFile(filepath.Join(dir, "credentials.toml"), []byte(creds), 0o600); err != nil {
		t.Fatalf("write credentials: %v", err)
	}

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Credentials.OpenAI.APIKey != "sk-test-key" {
		t.Errorf("api key = %q", cfg.Credentials.OpenAI.APIKey)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"threshold above one", func(c *Config) { c.Ingest.ConfidenceThreshold = 1.5 }},
		{"negative threshold", func(c *Config) { c.Ingest.ConfidenceThreshold = -0.1 }},
		{"zero upload limit", func(c *Config) { c.Ingest.MaxUploadsPerMinute = 0 }},
		{"zero feedback limit", func(c *Config) { c.Ingest.MaxFeedbackPerMinute = 0 }},
		{"zero approval limit", func(c *Config) { c.Approval.MaxApprovalsPerMinute = 0 }},
		{"zero mapping timeout", func(c *Config) { c.Ingest.MappingTimeout = 0 }},
		{"unknown timezone", func(c *Config) { c.Trades.ExchangeTimezone = "Nowhere/Special" }},
	}

	for _, tc := range cases {
		cfg, err := Load(t.TempDir())
		if err != nil {
			t.Fatalf("%s: Load failed: %v", tc.name, err)
		}
		tc.mutate(cfg)
		if err := cfg.Validate(); err == nil {
			t.Errorf("%s: Validate accepted invalid config", tc.name)
		}
	}
}
