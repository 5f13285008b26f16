package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/sallandpioneers/autoforge/internal/config"
	"github.com/sallandpioneers/autoforge/internal/job"
	"github.com/sallandpioneers/autoforge/internal/store"
)

func statusCmd() *cobra.Command {
	var repo string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show pipeline status",
		Long: `Show the state of the job queue and registered projects.

If --repo is specified, shows recent events and checkpoints for that
project. Otherwise, lists all projects with their proposal counts.

Example:
  autoforge status
  autoforge status --repo owner/repo`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if repo != "" {
				return showProjectStatus(repo)
			}
			return listStatus()
		},
	}

	cmd.Flags().StringVar(&repo, "repo", "", "Repository (owner/repo, optional)")

	return cmd
}

func listStatus() error {
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

	counts, err := s.CountJobsByStatus(ctx)
	if err != nil {
		return fmt.Errorf("failed to count jobs: %w", err)
	}
	fmt.Printf("Jobs: %d pending, %d processing, %d done, %d failed\n\n",
		counts[job.StatusPending], counts[job.StatusProcessing],
		counts[job.StatusDone], counts[job.StatusFailed])

	projects, err := s.ListProjects(ctx)
	if err != nil {
		return fmt.Errorf("failed to list projects: %w", err)
	}
	if len(projects) == 0 {
		fmt.Println("No projects registered")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "REPO\tMODE\tPAUSED\tACTIVE\tDRAFT\tMERGED\tREJECTED")
	fmt.Fprintln(w, "----\t----\t------\t------\t-----\t------\t--------")

	for _, p := range projects {
		pc, err := s.CountProposalsByStatus(ctx, p.ID)
		if err != nil {
			return fmt.Errorf("failed to count proposals: %w", err)
		}
		active := pc[store.ProposalApproved] + pc[store.ProposalImplementing]
		fmt.Fprintf(w, "%s\t%s\t%v\t%d\t%d\t%d\t%d\n",
			p.RepoRef, p.AutonomyMode, p.Paused, active,
			pc[store.ProposalDraft], pc[store.ProposalDone], pc[store.ProposalRejected])
	}

	w.Flush()
	return nil
}

func showProjectStatus(repo string) error {
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

	fmt.Printf("Project: %s (%s)\n", p.RepoRef, p.ID)
	fmt.Printf("Mode: %s\n", p.AutonomyMode)
	fmt.Printf("Default Branch: %s\n", p.DefaultBranch)
	fmt.Printf("Paused: %v\n", p.Paused)
	fmt.Printf("Merge In Progress: %v\n", p.MergeInProgress)
	if p.ScoutSchedule != "" {
		fmt.Printf("Scout Schedule: %s\n", p.ScoutSchedule)
	}
	fmt.Println()

	events, err := s.ListRecentEvents(ctx, p.ID, 15)
	if err != nil {
		return fmt.Errorf("failed to list events: %w", err)
	}
	if len(events) == 0 {
		fmt.Println("(No events recorded)")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "WHEN\tEVENT\tBRANCH\tACTOR")
	fmt.Fprintln(w, "----\t-----\t------\t-----")

	for _, ev := range events {
		branch := ev.BranchName
		if len(branch) > 50 {
			branch = branch[:47] + "..."
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
			ev.CreatedAt.Format("2006-01-02 15:04:05"), ev.EventType, branch, ev.Actor)
	}

	w.Flush()
	return nil
}
