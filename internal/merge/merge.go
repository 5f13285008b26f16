// Package merge implements the single-writer merge protocol: acquire
// the per-project lock, re-verify the head pin, squash-merge, record
// the outcome. The row lock in the store is the arbiter; no other
// coordination exists between workers.
package merge

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/sallandpioneers/autoforge/internal/hosting"
	"github.com/sallandpioneers/autoforge/internal/notify"
	"github.com/sallandpioneers/autoforge/internal/store"
)

// ErrLockBusy signals that another merge holds the project lock. The
// proposal is left untouched; a later sweep or retry picks it up.
var ErrLockBusy = errors.New("another merge in progress")

// Outcome describes what the coordinator did
type Outcome struct {
	Merged   bool
	MergeSHA string

	// Rejected is set when the proposal was rejected instead of merged
	Rejected     bool
	RejectReason string
}

// Coordinator serializes merges per project
type Coordinator struct {
	store    *store.Store
	host     hosting.RepoHost
	notifier notify.Notifier
	logger   *log.Logger
}

// New creates a merge coordinator
func New(s *store.Store, host hosting.RepoHost, notifier notify.Notifier, logger *log.Logger) *Coordinator {
	return &Coordinator{store: s, host: host, notifier: notifier, logger: logger}
}

// Merge merges the proposal's PR after re-verifying that its head is
// still the commit the reviewer approved. Returns ErrLockBusy without
// touching anything when the project lock is held. The caller runs the
// cycle-completion check after any terminal outcome.
func (c *Coordinator) Merge(ctx context.Context, project *store.Project, proposal *store.Proposal, prNumber int, expectedHeadSHA string) (*Outcome, error) {
	acquired, err := c.store.TryAcquireMergeLock(ctx, project.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire merge lock: %w", err)
	}
	if !acquired {
		c.logger.Printf("Merge of PR #%d for %s skipped: another merge in progress", prNumber, project.ID)
		return nil, ErrLockBusy
	}
	defer func() {
		if err := c.store.ReleaseMergeLock(context.WithoutCancel(ctx), project.ID); err != nil {
			c.logger.Printf("Failed to release merge lock for %s: %v", project.ID, err)
		}
	}()

	pr, err := c.host.GetPR(ctx, project.RepoRef, prNumber)
	if err != nil {
		return nil, fmt.Errorf("failed to load PR #%d: %w", prNumber, err)
	}

	if pr.HeadSHA != expectedHeadSHA {
		reason := "HEAD SHA changed after review"
		c.recordFailure(ctx, project, proposal, prNumber, "SHA mismatch", reason)
		c.notifier.Notify(ctx, proposal.ID,
			fmt.Sprintf(":warning: PR #%d not merged: head moved from %s to %s after review", prNumber, expectedHeadSHA, pr.HeadSHA))
		return &Outcome{Rejected: true, RejectReason: reason}, nil
	}

	sha, err := c.host.MergePR(ctx, project.RepoRef, prNumber, hosting.MergeMethodSquash)
	if err != nil {
		reason := fmt.Sprintf("merge failed: %v", err)
		c.recordFailure(ctx, project, proposal, prNumber, err.Error(), reason)
		c.notifier.Notify(ctx, proposal.ID,
			fmt.Sprintf(":x: Merge of PR #%d failed: %v", prNumber, err))
		return &Outcome{Rejected: true, RejectReason: reason}, nil
	}

	if err := c.store.UpdateProposalStatus(ctx, proposal.ID, store.ProposalDone, nil); err != nil {
		return nil, fmt.Errorf("failed to mark proposal done: %w", err)
	}

	for _, eventType := range []string{store.EventPRMerged, store.EventAutoMerged} {
		if _, err := c.store.InsertBranchEvent(ctx, &store.BranchEvent{
			ProjectID:  project.ID,
			CycleID:    proposal.CycleID,
			BranchName: proposal.BranchName,
			EventType:  eventType,
			Actor:      store.ActorAutonomy,
			CommitSHA:  sha,
		}); err != nil {
			return nil, fmt.Errorf("failed to record %s event: %w", eventType, err)
		}
	}

	if run, err := c.store.FindPipelineRun(ctx, project.ID, proposal.ID); err == nil {
		stage := store.RunDeployed
		result := store.RunResultSuccess
		if err := c.store.UpdatePipelineRun(ctx, run.ID, store.PipelineRunPatch{
			Stage: &stage, Result: &result, Complete: true,
		}); err != nil {
			c.logger.Printf("Failed to update pipeline run %s: %v", run.ID, err)
		}
	}

	if err := c.store.InsertCheckpoint(ctx, &store.Checkpoint{
		ProjectID:  project.ID,
		CycleID:    proposal.CycleID,
		ProposalID: proposal.ID,
		Kind:       store.CheckpointMerge,
		CommitSHA:  sha,
		PRNumber:   prNumber,
		BranchName: proposal.BranchName,
	}); err != nil {
		return nil, fmt.Errorf("failed to record merge checkpoint: %w", err)
	}

	// Branch cleanup is best-effort; a leftover ref is harmless
	if proposal.BranchName != "" {
		if err := c.host.DeleteRef(ctx, project.RepoRef, "heads/"+proposal.BranchName); err != nil {
			c.logger.Printf("Failed to delete branch %s: %v", proposal.BranchName, err)
		}
	}

	c.notifier.Notify(ctx, proposal.ID,
		fmt.Sprintf(":white_check_mark: Merged PR #%d (%s) as %s", prNumber, proposal.Title, sha))
	c.logger.Printf("Merged PR #%d for proposal %s (%s)", prNumber, proposal.ID, sha)

	return &Outcome{Merged: true, MergeSHA: sha}, nil
}

// recordFailure rejects the proposal and writes the merge_failed event
// and failed run record
func (c *Coordinator) recordFailure(ctx context.Context, project *store.Project, proposal *store.Proposal, prNumber int, eventReason, rejectReason string) {
	if _, err := c.store.InsertBranchEvent(ctx, &store.BranchEvent{
		ProjectID:  project.ID,
		CycleID:    proposal.CycleID,
		BranchName: proposal.BranchName,
		EventType:  store.EventMergeFailed,
		EventData:  fmt.Sprintf(`{"reason":%q,"pr_number":%d}`, eventReason, prNumber),
		Actor:      store.ActorAutonomy,
	}); err != nil {
		c.logger.Printf("Failed to record merge_failed event: %v", err)
	}

	if err := c.store.UpdateProposalStatus(ctx, proposal.ID, store.ProposalRejected,
		&store.ProposalPatch{RejectReason: &rejectReason}); err != nil {
		c.logger.Printf("Failed to reject proposal %s: %v", proposal.ID, err)
	}

	if run, err := c.store.FindPipelineRun(ctx, project.ID, proposal.ID); err == nil {
		stage := store.RunFailed
		result := store.RunResultFailed
		if err := c.store.UpdatePipelineRun(ctx, run.ID, store.PipelineRunPatch{
			Stage: &stage, Result: &result, Complete: true,
		}); err != nil {
			c.logger.Printf("Failed to update pipeline run %s: %v", run.ID, err)
		}
	}
}
