package policy

import (
	"context"
	"fmt"
	"log"

	"github.com/sallandpioneers/autoforge/internal/job"
	"github.com/sallandpioneers/autoforge/internal/store"
)

// Runner evaluates the policy and applies its side effects through the
// store
type Runner struct {
	store    *store.Store
	minScore float64
	logger   *log.Logger
}

// NewRunner creates a runner with the configured minimum proposal score
func NewRunner(s *store.Store, minScore float64, logger *log.Logger) *Runner {
	return &Runner{store: s, minScore: minScore, logger: logger}
}

// Run applies the autonomy policy for one project and cycle. Safe to
// call more than once: a second run sees no drafts and does nothing.
// Returns the approved proposal, or nil when nothing was approved.
func (r *Runner) Run(ctx context.Context, project *store.Project, cycleID string) (*store.Proposal, error) {
	drafts, err := r.store.ListDraftProposals(ctx, project.ID, cycleID)
	if err != nil {
		return nil, fmt.Errorf("failed to list drafts: %w", err)
	}
	if len(drafts) == 0 {
		return nil, nil
	}

	active, err := r.store.CountActiveBranches(ctx, project.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to count active branches: %w", err)
	}

	d := Select(project, drafts, active, r.minScore)
	if d.Winner == nil {
		r.logger.Printf("Policy approved nothing for project %s cycle %s (%d drafts, %d active)",
			project.ID, cycleID, len(drafts), active)
		return nil, nil
	}

	for _, rej := range d.Rejected {
		if err := r.store.UpdateProposalStatus(ctx, rej.Proposal.ID, store.ProposalRejected,
			&store.ProposalPatch{RejectReason: &rej.Reason}); err != nil {
			return nil, fmt.Errorf("failed to reject proposal %s: %w", rej.Proposal.ID, err)
		}
	}

	if err := r.store.UpdateProposalStatus(ctx, d.Winner.ID, store.ProposalApproved,
		&store.ProposalPatch{BranchName: &d.BranchName}); err != nil {
		return nil, fmt.Errorf("failed to approve proposal %s: %w", d.Winner.ID, err)
	}

	if _, err := r.store.InsertBranchEvent(ctx, &store.BranchEvent{
		ProjectID:  project.ID,
		CycleID:    cycleID,
		BranchName: d.BranchName,
		EventType:  store.EventAutoApproved,
		Actor:      store.ActorAutonomy,
	}); err != nil {
		return nil, fmt.Errorf("failed to record approval event: %w", err)
	}

	if err := r.store.InsertStrategyMemory(ctx, &store.StrategyMemory{
		ProjectID:  project.ID,
		ProposalID: d.Winner.ID,
		Kind:       "approved",
		Content:    d.Winner.Title,
	}); err != nil {
		return nil, fmt.Errorf("failed to record strategy memory: %w", err)
	}

	run, err := r.store.InsertPipelineRun(ctx, project.ID, d.Winner.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to create pipeline run: %w", err)
	}

	buildJob := &job.Job{
		ProjectID: project.ID,
		Type:      job.TypeBuild,
		Payload: &job.BuildPayload{
			ProposalID:    d.Winner.ID,
			BranchName:    d.BranchName,
			Spec:          d.Winner.Spec,
			Title:         d.Winner.Title,
			PipelineRunID: run.ID,
		},
	}
	if err := r.store.InsertJob(ctx, buildJob); err != nil {
		return nil, fmt.Errorf("failed to enqueue build job: %w", err)
	}

	r.logger.Printf("Approved proposal %s (%s) on %s, rejected %d others",
		d.Winner.ID, d.Winner.Title, d.BranchName, len(d.Rejected))

	winner := *d.Winner
	winner.Status = store.ProposalApproved
	winner.BranchName = d.BranchName
	return &winner, nil
}
