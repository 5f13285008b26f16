package config

import (
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	DatabasePath string `yaml:"database_path"`
	LogFile      string `yaml:"log_file"`

	Worker     WorkerConfig     `yaml:"worker"`
	Stages     StagesConfig     `yaml:"stages"`
	Supervisor SupervisorConfig `yaml:"supervisor"`
	Retry      RetryConfig      `yaml:"retry"`
	Notify     NotifyConfig     `yaml:"notify"`
	Defaults   DefaultsConfig   `yaml:"defaults"`
	Watchdog   WatchdogConfig   `yaml:"watchdog"`
	GitHub     GitHubConfig     `yaml:"github"`
}

// WorkerConfig controls the polling worker loop
type WorkerConfig struct {
	PollInterval    time.Duration `yaml:"poll_interval"`     // Time between claim attempts (default: 5s)
	PausedInterval  time.Duration `yaml:"paused_interval"`   // Sleep when AUTOFORGE_PAUSED is set (default: 30s)
	StaleThreshold  time.Duration `yaml:"stale_threshold"`   // Processing jobs older than this are reaped (default: 60m)
	MaxAttempts     int           `yaml:"max_attempts"`      // Attempts before a job is failed (default: 3)
	StoreBackoffMax time.Duration `yaml:"store_backoff_max"` // Cap on store failure backoff (default: 60s)
}

// StagesConfig sets the wall-clock timeout per stage kind and the
// external command run for each stage
type StagesConfig struct {
	LongTimeout  time.Duration `yaml:"long_timeout"`  // scout/strategize/build (default: 45m)
	ShortTimeout time.Duration `yaml:"short_timeout"` // review/fix_build (default: 15m)

	Commands map[string]string `yaml:"commands"` // job type -> stage command
}

// SupervisorConfig controls child restart and the periodic sweeps
type SupervisorConfig struct {
	RestartBackoffBase time.Duration `yaml:"restart_backoff_base"` // default: 5s
	RestartBackoffMax  time.Duration `yaml:"restart_backoff_max"`  // default: 60s
	HealthInterval     time.Duration `yaml:"health_interval"`      // default: 2m
	DigestInterval     time.Duration `yaml:"digest_interval"`      // default: 5m
	MergeLockThreshold time.Duration `yaml:"merge_lock_threshold"` // default: 5m
	ChildGracePeriod   time.Duration `yaml:"child_grace_period"`   // SIGTERM to SIGKILL (default: 5s)
	LockFile           string        `yaml:"lock_file"`            // flock path, one supervisor per host
}

type RetryConfig struct {
	MaxAttempts    int           `yaml:"max_attempts"`
	BackoffBase    time.Duration `yaml:"backoff_base"`
	RateLimitRetry time.Duration `yaml:"rate_limit_retry"`
}

type NotifyConfig struct {
	WebhookURL   string `yaml:"webhook_url"`
	SlackToken   string `yaml:"slack_token"`
	SlackChannel string `yaml:"slack_channel"`
}

type DefaultsConfig struct {
	BaseBranch        string  `yaml:"base_branch"`
	MinProposalScore  float64 `yaml:"min_proposal_score"`
	WildCardFrequency float64 `yaml:"wild_card_frequency"`
}

type WatchdogConfig struct {
	Enabled bool   `yaml:"enabled"`
	Model   string `yaml:"model"`
}

type GitHubConfig struct {
	Token string `yaml:"token"`
}

// PauseEnvVar pauses the worker loop when set to any non-empty value.
const PauseEnvVar = "AUTOFORGE_PAUSED"

// Default configuration values
func DefaultConfig() *Config {
	return &Config{
		DatabasePath: "autoforge.db",
		Worker: WorkerConfig{
			PollInterval:    5 * time.Second,
			PausedInterval:  30 * time.Second,
			StaleThreshold:  60 * time.Minute,
			MaxAttempts:     3,
			StoreBackoffMax: 60 * time.Second,
		},
		Stages: StagesConfig{
			LongTimeout:  45 * time.Minute,
			ShortTimeout: 15 * time.Minute,
		},
		Supervisor: SupervisorConfig{
			RestartBackoffBase: 5 * time.Second,
			RestartBackoffMax:  60 * time.Second,
			HealthInterval:     2 * time.Minute,
			DigestInterval:     5 * time.Minute,
			MergeLockThreshold: 5 * time.Minute,
			ChildGracePeriod:   5 * time.Second,
			LockFile:           "autoforge.lock",
		},
		Retry: RetryConfig{
			MaxAttempts:    3,
			BackoffBase:    5 * time.Second,
			RateLimitRetry: 5 * time.Minute,
		},
		Defaults: DefaultsConfig{
			BaseBranch:        "main",
			MinProposalScore:  0.6,
			WildCardFrequency: 0.2,
		},
		Watchdog: WatchdogConfig{
			Enabled: false,
			Model:   "claude-sonnet-4-5",
		},
	}
}

// Load reads configuration from a YAML file
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables in the format ${VAR}
	data = expandEnvVars(data)

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// expandEnvVars replaces ${VAR} patterns with environment variable values
func expandEnvVars(data []byte) []byte {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)
	return re.ReplaceAllFunc(data, func(match []byte) []byte {
		varName := string(re.FindSubmatch(match)[1])
		return []byte(os.Getenv(varName))
	})
}
