package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sallandpioneers/autoforge/internal/config"
	"github.com/sallandpioneers/autoforge/internal/store"
)

func abortCmd() *cobra.Command {
	var (
		proposalID string
		reason     string
	)

	cmd := &cobra.Command{
		Use:   "abort",
		Short: "Abort a proposal",
		Long: `Reject a proposal that is still moving through the pipeline.

Pending and processing jobs for the proposal are marked failed so the
cycle stops advancing it.

Example:
  autoforge abort --proposal 3f2a... --reason "wrong direction"`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if proposalID == "" {
				return fmt.Errorf("--proposal is required")
			}
			return abortProposal(proposalID, reason)
		},
	}

	cmd.Flags().StringVar(&proposalID, "proposal", "", "Proposal id")
	cmd.Flags().StringVar(&reason, "reason", "aborted by operator", "Rejection reason")
	cmd.MarkFlagRequired("proposal")

	return cmd
}

func abortProposal(proposalID, reason string) error {
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

	p, err := s.GetProposal(ctx, proposalID)
	if err != nil {
		return fmt.Errorf("failed to get proposal: %w", err)
	}
	if p.Status.Terminal() {
		return fmt.Errorf("proposal %q is already %s", p.Title, p.Status)
	}

	if err := s.UpdateProposalStatus(ctx, proposalID, store.ProposalRejected,
		&store.ProposalPatch{RejectReason: &reason}); err != nil {
		return fmt.Errorf("failed to reject proposal: %w", err)
	}

	failed, err := s.FailJobsForProposal(ctx, proposalID, reason)
	if err != nil {
		return fmt.Errorf("failed to fail proposal jobs: %w", err)
	}

	fmt.Printf("Aborted proposal %q (%d jobs failed)\n", p.Title, failed)
	return nil
}
