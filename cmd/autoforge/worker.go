package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/sallandpioneers/autoforge/internal/config"
	"github.com/sallandpioneers/autoforge/internal/cycle"
	"github.com/sallandpioneers/autoforge/internal/hosting"
	"github.com/sallandpioneers/autoforge/internal/merge"
	"github.com/sallandpioneers/autoforge/internal/notify"
	"github.com/sallandpioneers/autoforge/internal/policy"
	"github.com/sallandpioneers/autoforge/internal/queue"
	"github.com/sallandpioneers/autoforge/internal/sandbox"
	"github.com/sallandpioneers/autoforge/internal/store"
	"github.com/sallandpioneers/autoforge/internal/worker"
)

func workerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run a single worker process",
		Long: `Run a worker that polls the job queue and executes stage commands.

Workers are normally spawned by the supervise command; running one
directly is useful for development and debugging.

Example:
  autoforge worker --config config.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorker()
		},
	}
}

func runWorker() error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// CLI flag takes precedence over config
	logFilePath := logFile
	if logFilePath == "" {
		logFilePath = cfg.LogFile
	}

	logger, cleanup, err := setupLogger(logFilePath, verbose)
	if err != nil {
		return fmt.Errorf("failed to setup logger: %w", err)
	}
	defer cleanup()

	s, err := store.Open(cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer s.Close()

	tokens := hosting.NewStaticTokenProvider(cfg.GitHub.Token)
	host := hosting.NewGitHubHost(cfg.GitHub.Token, cfg.Retry)
	notifier := buildNotifier(cfg, s, logger)

	q := queue.New(s, logger)
	pol := policy.NewRunner(s, cfg.Defaults.MinProposalScore, logger)
	merger := merge.New(s, host, notifier, logger)
	machine := cycle.New(s, host, notifier, pol, merger, cfg.Defaults.BaseBranch, logger)

	w := worker.New(cfg.Worker, s, q, machine, host, tokens,
		sandbox.NewManager(""), notifier, worker.ExecStages(cfg.Stages), logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		select {
		case <-sigCh:
			logger.Println("Received shutdown signal")
			cancel()
		case <-ctx.Done():
		}
	}()

	return w.Run(ctx)
}

// buildNotifier picks the notification channel from config: Slack when
// a token and channel are set, a plain webhook otherwise, and the log
// as the fallback.
func buildNotifier(cfg *config.Config, s *store.Store, logger *log.Logger) notify.Notifier {
	switch {
	case cfg.Notify.SlackToken != "" && cfg.Notify.SlackChannel != "":
		return notify.NewSlack(cfg.Notify.SlackToken, cfg.Notify.SlackChannel, s, logger)
	case cfg.Notify.WebhookURL != "":
		return notify.NewWebhook(cfg.Notify.WebhookURL, logger)
	default:
		return &notify.Log{Logger: logger}
	}
}
