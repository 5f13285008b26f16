package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sallandpioneers/autoforge/internal/config"
	"github.com/sallandpioneers/autoforge/internal/store"
)

func projectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "project",
		Short: "Manage registered projects",
	}

	cmd.AddCommand(projectAddCmd())
	cmd.AddCommand(projectPauseCmd(true))
	cmd.AddCommand(projectPauseCmd(false))

	return cmd
}

func projectAddCmd() *cobra.Command {
	var (
		repo        string
		mode        string
		branch      string
		maxBranches int
		schedule    string
		riskPaths   []string
		wildCard    float64
	)

	cmd := &cobra.Command{
		Use:   "add",
		Short: "Register a repository with the pipeline",
		Long: `Register a repository so the pipeline can run cycles against it.

The autonomy mode controls how far a cycle advances without an
operator: audit observes only, assist builds but never merges and
skips risk paths, automate merges approved work.

Example:
  autoforge project add --repo owner/repo --mode automate
  autoforge project add --repo owner/repo --mode assist --risk-path payments/ --risk-path auth/`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if repo == "" {
				return fmt.Errorf("--repo is required")
			}
			m := store.AutonomyMode(mode)
			if m != store.ModeAudit && m != store.ModeAssist && m != store.ModeAutomate {
				return fmt.Errorf("invalid mode %q: must be audit, assist, or automate", mode)
			}
			return addProject(repo, m, branch, maxBranches, schedule, riskPaths, wildCard)
		},
	}

	cmd.Flags().StringVar(&repo, "repo", "", "Repository (owner/repo)")
	cmd.Flags().StringVar(&mode, "mode", "audit", "Autonomy mode (audit, assist, automate)")
	cmd.Flags().StringVar(&branch, "branch", "main", "Default branch")
	cmd.Flags().IntVar(&maxBranches, "max-branches", 1, "Max concurrent proposal branches")
	cmd.Flags().StringVar(&schedule, "schedule", "", "Scout cron schedule (optional)")
	cmd.Flags().StringArrayVar(&riskPaths, "risk-path", nil, "Path prefix the assist mode must not touch (repeatable)")
	cmd.Flags().Float64Var(&wildCard, "wild-card", 0, "Wild-card draw frequency (0 uses the config default)")
	cmd.MarkFlagRequired("repo")

	return cmd
}

func addProject(repo string, mode store.AutonomyMode, branch string, maxBranches int,
	schedule string, riskPaths []string, wildCard float64) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	s, err := store.Open(cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer s.Close()

	if wildCard == 0 {
		wildCard = cfg.Defaults.WildCardFrequency
	}

	p := &store.Project{
		RepoRef:               repo,
		DefaultBranch:         branch,
		AutonomyMode:          mode,
		MaxConcurrentBranches: maxBranches,
		RiskPaths:             riskPaths,
		ScoutSchedule:         schedule,
		WildCardFrequency:     wildCard,
	}
	if err := s.InsertProject(context.Background(), p); err != nil {
		return fmt.Errorf("failed to register project: %w", err)
	}

	fmt.Printf("Registered %s in %s mode (project %s)\n", repo, mode, p.ID)
	return nil
}

func projectPauseCmd(pause bool) *cobra.Command {
	var repo string

	use, short := "pause", "Pause cycle activity for a project"
	if !pause {
		use, short = "resume", "Resume cycle activity for a project"
	}

	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			if repo == "" {
				return fmt.Errorf("--repo is required")
			}
			return setProjectPaused(repo, pause)
		},
	}

	cmd.Flags().StringVar(&repo, "repo", "", "Repository (owner/repo)")
	cmd.MarkFlagRequired("repo")

	return cmd
}

func setProjectPaused(repo string, pause bool) error {
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
	if err := s.SetProjectPaused(ctx, p.ID, pause); err != nil {
		return fmt.Errorf("failed to update project: %w", err)
	}

	if pause {
		fmt.Printf("Paused %s\n", repo)
	} else {
		fmt.Printf("Resumed %s\n", repo)
	}
	return nil
}

// findProject resolves a repo reference or project id to a project
func findProject(ctx context.Context, s *store.Store, repo string) (*store.Project, error) {
	projects, err := s.ListProjects(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list projects: %w", err)
	}
	for _, p := range projects {
		if p.RepoRef == repo || p.ID == repo {
			return p, nil
		}
	}
	return nil, fmt.Errorf("no project registered for %q", repo)
}
