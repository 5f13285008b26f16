package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/sallandpioneers/autoforge/internal/config"
	"github.com/sallandpioneers/autoforge/internal/hosting"
	"github.com/sallandpioneers/autoforge/internal/queue"
	"github.com/sallandpioneers/autoforge/internal/store"
	"github.com/sallandpioneers/autoforge/internal/supervisor"
	"github.com/sallandpioneers/autoforge/internal/watchdog"
)

func superviseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "supervise",
		Short: "Run the supervisor daemon",
		Long: `Run the supervisor, which spawns and restarts the worker process,
reaps stale jobs, requeues recoverable failures, releases stuck merge
locks, schedules scouts for idle projects, and posts periodic digests.

Only one supervisor may run per host; a second instance fails fast on
the lock file.

Example:
  autoforge supervise --config config.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSupervise()
		},
	}
}

func runSupervise() error {
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
	notifier := buildNotifier(cfg, s, logger)

	var wd supervisor.Watchdog
	if cfg.Watchdog.Enabled {
		model, err := watchdog.NewAnthropicClient("", cfg.Watchdog.Model)
		if err != nil {
			return fmt.Errorf("failed to create watchdog model client: %w", err)
		}
		wd = watchdog.New(s, model, notifier, logger)
	}

	sup := supervisor.New(cfg.Supervisor, cfg.Worker, s, queue.New(s, logger),
		tokens, notifier, wd, logger)

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

	return sup.Run(ctx)
}
