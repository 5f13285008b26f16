package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Worker.PollInterval != 5*time.Second {
		t.Errorf("expected 5s poll interval, got %v", cfg.Worker.PollInterval)
	}
	if cfg.Worker.StaleThreshold != 60*time.Minute {
		t.Errorf("expected 60m stale threshold, got %v", cfg.Worker.StaleThreshold)
	}
	if cfg.Worker.MaxAttempts != 3 {
		t.Errorf("expected 3 max attempts, got %d", cfg.Worker.MaxAttempts)
	}
	if cfg.Defaults.BaseBranch != "main" {
		t.Errorf("expected main base branch, got %s", cfg.Defaults.BaseBranch)
	}
	if cfg.Defaults.MinProposalScore != 0.6 {
		t.Errorf("expected 0.6 min score, got %v", cfg.Defaults.MinProposalScore)
	}
	if cfg.Defaults.WildCardFrequency != 0.2 {
		t.Errorf("expected 0.2 wild card frequency, got %v", cfg.Defaults.WildCardFrequency)
	}
	if cfg.Supervisor.MergeLockThreshold != 5*time.Minute {
		t.Errorf("expected 5m merge lock threshold, got %v", cfg.Supervisor.MergeLockThreshold)
	}
}

func TestLoad(t *testing.T) {
	content := `
database_path: /tmp/test.db
worker:
  poll_interval: 10s
  max_attempts: 5
defaults:
  base_branch: trunk
notify:
  webhook_url: https://example.com/hook
`
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.DatabasePath != "/tmp/test.db" {
		t.Errorf("expected /tmp/test.db, got %s", cfg.DatabasePath)
	}
	if cfg.Worker.PollInterval != 10*time.Second {
		t.Errorf("expected 10s poll interval, got %v", cfg.Worker.PollInterval)
	}
	if cfg.Worker.MaxAttempts != 5 {
		t.Errorf("expected 5 max attempts, got %d", cfg.Worker.MaxAttempts)
	}
	if cfg.Defaults.BaseBranch != "trunk" {
		t.Errorf("expected trunk, got %s", cfg.Defaults.BaseBranch)
	}
	// Unset values keep defaults
	if cfg.Worker.StaleThreshold != 60*time.Minute {
		t.Errorf("expected default stale threshold, got %v", cfg.Worker.StaleThreshold)
	}
}

func TestLoadExpandsEnvVars(t *testing.T) {
	t.Setenv("AUTOFORGE_TEST_TOKEN", "secret-token")

	content := `
github:
  token: ${AUTOFORGE_TEST_TOKEN}
`
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.GitHub.Token != "secret-token" {
		t.Errorf("expected env expansion, got %s", cfg.GitHub.Token)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load("/nonexistent/config.yaml"); err == nil {
		t.Error("expected error for missing file")
	}
}
