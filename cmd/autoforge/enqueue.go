package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sallandpioneers/autoforge/internal/config"
	"github.com/sallandpioneers/autoforge/internal/job"
	"github.com/sallandpioneers/autoforge/internal/store"
)

func enqueueCmd() *cobra.Command {
	var (
		repo    string
		jobType string
		goal    string
	)

	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Enqueue a job for a project",
		Long: `Enqueue a scout or self-improve job for a project.

Build, review, and fix-build jobs are created by the pipeline itself
and cannot be enqueued manually.

Example:
  autoforge enqueue --repo owner/repo --type scout
  autoforge enqueue --repo owner/repo --type self_improve --goal "reduce flaky tests"`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if repo == "" {
				return fmt.Errorf("--repo is required")
			}
			return enqueueJob(repo, jobType, goal)
		},
	}

	cmd.Flags().StringVar(&repo, "repo", "", "Repository (owner/repo)")
	cmd.Flags().StringVar(&jobType, "type", "scout", "Job type (scout or self_improve)")
	cmd.Flags().StringVar(&goal, "goal", "", "Goal for self_improve jobs (optional)")
	cmd.MarkFlagRequired("repo")

	return cmd
}

func enqueueJob(repo, jobType, goal string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	s, err := store.Open(cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer s.Close()

	ctx := context.Background()

	p, err := findProject(ctx, s, repo)
	if err != nil {
		return err
	}

	var payload job.Payload
	switch job.Type(jobType) {
	case job.TypeScout:
		live, err := s.HasLiveJob(ctx, p.ID, job.TypeScout)
		if err != nil {
			return fmt.Errorf("failed to check live jobs: %w", err)
		}
		if live {
			return fmt.Errorf("%s already has a live scout job", repo)
		}
		payload = &job.ScoutPayload{}
	case job.TypeSelfImprove:
		payload = &job.SelfImprovePayload{Goal: goal}
	default:
		return fmt.Errorf("jobs of type %q are created by the pipeline", jobType)
	}

	j := &job.Job{ProjectID: p.ID, Type: job.Type(jobType), Payload: payload}
	if err := s.InsertJob(ctx, j); err != nil {
		return fmt.Errorf("failed to enqueue job: %w", err)
	}

	fmt.Printf("Enqueued %s job %s for %s\n", jobType, j.ID, repo)
	return nil
}
