// Package cycle implements the implicit cycle state machine. There is
// no cycle table: a cycle is identified by the id of the scout job
// that opened it, and its state is derived from the proposals tagged
// with that id. The machine reacts to stage completions by scheduling
// successors.
package cycle

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand"

	"github.com/sallandpioneers/autoforge/internal/hosting"
	"github.com/sallandpioneers/autoforge/internal/job"
	"github.com/sallandpioneers/autoforge/internal/merge"
	"github.com/sallandpioneers/autoforge/internal/notify"
	"github.com/sallandpioneers/autoforge/internal/policy"
	"github.com/sallandpioneers/autoforge/internal/store"
)

// Machine schedules successor work after each stage completion
type Machine struct {
	store    *store.Store
	host     hosting.RepoHost
	notifier notify.Notifier
	policy   *policy.Runner
	merger   *merge.Coordinator
	logger   *log.Logger

	// defaultBranch is the fallback when a project has none configured
	defaultBranch string

	// wildRand drives the Bernoulli wild-card draw, replaceable in tests
	wildRand func() float64
}

// New creates the state machine
func New(s *store.Store, host hosting.RepoHost, notifier notify.Notifier, pol *policy.Runner, merger *merge.Coordinator, defaultBranch string, logger *log.Logger) *Machine {
	if defaultBranch == "" {
		defaultBranch = "main"
	}
	return &Machine{
		store:         s,
		host:          host,
		notifier:      notifier,
		policy:        pol,
		merger:        merger,
		logger:        logger,
		defaultBranch: defaultBranch,
		wildRand:      rand.Float64,
	}
}

// Transition runs the successor scheduling for a job that just
// completed successfully
func (m *Machine) Transition(ctx context.Context, project *store.Project, j *job.Job, result job.Result) error {
	switch j.Type {
	case job.TypeScout:
		return m.onScoutDone(ctx, project, j)
	case job.TypeStrategize:
		return m.onStrategizeDone(ctx, project, j)
	case job.TypeBuild:
		res, ok := result.(*job.BuildResult)
		if !ok {
			return fmt.Errorf("build job %s returned %T", j.ID, result)
		}
		return m.onBuildDone(ctx, project, j, res)
	case job.TypeReview:
		res, ok := result.(*job.ReviewResult)
		if !ok {
			return fmt.Errorf("review job %s returned %T", j.ID, result)
		}
		return m.onReviewDone(ctx, project, j, res)
	case job.TypeFixBuild:
		res, ok := result.(*job.BuildResult)
		if !ok {
			return fmt.Errorf("fix_build job %s returned %T", j.ID, result)
		}
		return m.onFixBuildDone(ctx, project, j, res)
	case job.TypeSelfImprove:
		// Terminal; nothing to schedule
		return nil
	default:
		return fmt.Errorf("no transition for job type %s", j.Type)
	}
}

// onScoutDone opens the cycle: the scout job's id becomes the cycle
// id, and a strategize job carries it forward. The wild-card draw
// happens here so the whole cycle is consistently wild or not.
func (m *Machine) onScoutDone(ctx context.Context, project *store.Project, j *job.Job) error {
	wild := m.wildRand() < project.WildCardFrequency

	strategize := &job.Job{
		ProjectID: project.ID,
		Type:      job.TypeStrategize,
		Payload:   &job.StrategizePayload{CycleID: j.ID, WildCard: wild},
	}
	if err := m.store.InsertJob(ctx, strategize); err != nil {
		return fmt.Errorf("failed to enqueue strategize job: %w", err)
	}

	m.logger.Printf("Cycle %s opened for %s (wild_card=%v)", j.ID, project.ID, wild)
	return nil
}

// onStrategizeDone hands the cycle's drafts to the autonomy policy
func (m *Machine) onStrategizeDone(ctx context.Context, project *store.Project, j *job.Job) error {
	payload, ok := j.Payload.(*job.StrategizePayload)
	if !ok {
		return fmt.Errorf("strategize job %s has payload %T", j.ID, j.Payload)
	}

	winner, err := m.policy.Run(ctx, project, payload.CycleID)
	if err != nil {
		return fmt.Errorf("autonomy policy failed: %w", err)
	}
	if winner != nil {
		m.notifier.Notify(ctx, winner.ID,
			fmt.Sprintf("Approved proposal %q on %s", winner.Title, winner.BranchName))
	}
	return nil
}

func (m *Machine) onBuildDone(ctx context.Context, project *store.Project, j *job.Job, res *job.BuildResult) error {
	payload, ok := j.Payload.(*job.BuildPayload)
	if !ok {
		return fmt.Errorf("build job %s has payload %T", j.ID, j.Payload)
	}

	if res.NoChanges {
		return m.rejectProposal(ctx, project, payload.ProposalID, payload.PipelineRunID,
			"builder produced no code changes")
	}

	stage := store.RunValidating
	if err := m.store.UpdatePipelineRun(ctx, payload.PipelineRunID, store.PipelineRunPatch{
		Stage: &stage, PRNumber: &res.PRNumber,
	}); err != nil {
		return fmt.Errorf("failed to advance pipeline run: %w", err)
	}

	review := &job.Job{
		ProjectID: project.ID,
		Type:      job.TypeReview,
		Payload: &job.ReviewPayload{
			ProposalID:    payload.ProposalID,
			PRNumber:      res.PRNumber,
			HeadSHA:       res.HeadSHA,
			BranchName:    payload.BranchName,
			PipelineRunID: payload.PipelineRunID,
		},
	}
	if err := m.store.InsertJob(ctx, review); err != nil {
		return fmt.Errorf("failed to enqueue review job: %w", err)
	}

	m.notifier.Notify(ctx, payload.ProposalID,
		fmt.Sprintf("Build finished: PR #%d on %s awaiting review", res.PRNumber, payload.BranchName))
	return nil
}

func (m *Machine) onReviewDone(ctx context.Context, project *store.Project, j *job.Job, res *job.ReviewResult) error {
	payload, ok := j.Payload.(*job.ReviewPayload)
	if !ok {
		return fmt.Errorf("review job %s has payload %T", j.ID, j.Payload)
	}

	switch res.Verdict {
	case job.VerdictApprove:
		return m.onReviewApproved(ctx, project, payload)
	case job.VerdictReject:
		return m.onReviewRejected(ctx, project, payload, res)
	default:
		return fmt.Errorf("review job %s returned verdict %q", j.ID, res.Verdict)
	}
}

func (m *Machine) onReviewApproved(ctx context.Context, project *store.Project, payload *job.ReviewPayload) error {
	proposal, err := m.store.GetProposal(ctx, payload.ProposalID)
	if err != nil {
		return fmt.Errorf("failed to load proposal: %w", err)
	}

	if project.AutonomyMode == store.ModeAutomate && !project.Paused && !project.MergeInProgress {
		out, err := m.merger.Merge(ctx, project, proposal, payload.PRNumber, payload.HeadSHA)
		if errors.Is(err, merge.ErrLockBusy) {
			// Left for the health sweep; the proposal stays implementing
			return nil
		}
		if err != nil {
			return fmt.Errorf("merge failed: %w", err)
		}
		if out.Merged || out.Rejected {
			return m.CompletionCheck(ctx, project, proposal.CycleID)
		}
		return nil
	}

	// Outside automate the human merges; the pipeline's work is done
	if err := m.store.UpdateProposalStatus(ctx, proposal.ID, store.ProposalDone, nil); err != nil {
		return fmt.Errorf("failed to mark proposal done: %w", err)
	}
	stage := store.RunDeployed
	result := store.RunResultSuccess
	if err := m.store.UpdatePipelineRun(ctx, payload.PipelineRunID, store.PipelineRunPatch{
		Stage: &stage, Result: &result, Complete: true,
	}); err != nil {
		return fmt.Errorf("failed to complete pipeline run: %w", err)
	}
	m.notifier.Notify(ctx, proposal.ID,
		fmt.Sprintf("PR #%d approved; merge left to a human (%s mode)", payload.PRNumber, project.AutonomyMode))
	return m.CompletionCheck(ctx, project, proposal.CycleID)
}

func (m *Machine) onReviewRejected(ctx context.Context, project *store.Project, payload *job.ReviewPayload, res *job.ReviewResult) error {
	proposal, err := m.store.GetProposal(ctx, payload.ProposalID)
	if err != nil {
		return fmt.Errorf("failed to load proposal: %w", err)
	}

	if payload.RemediationAttempt < 1 {
		fix := &job.Job{
			ProjectID: project.ID,
			Type:      job.TypeFixBuild,
			Payload: &job.FixBuildPayload{
				ProposalID:    payload.ProposalID,
				PRNumber:      payload.PRNumber,
				BranchName:    payload.BranchName,
				PipelineRunID: payload.PipelineRunID,
				Concerns:      res.Concerns,
			},
		}
		if err := m.store.InsertJob(ctx, fix); err != nil {
			return fmt.Errorf("failed to enqueue fix_build job: %w", err)
		}
		if _, err := m.store.InsertBranchEvent(ctx, &store.BranchEvent{
			ProjectID:  project.ID,
			CycleID:    proposal.CycleID,
			BranchName: payload.BranchName,
			EventType:  store.EventReviewRejected,
			EventData:  `{"will_retry":true}`,
			Actor:      store.ActorReviewer,
		}); err != nil {
			return fmt.Errorf("failed to record review_rejected event: %w", err)
		}
		m.notifier.Notify(ctx, proposal.ID,
			fmt.Sprintf("Review rejected PR #%d; retrying with reviewer concerns", payload.PRNumber))
		return nil
	}

	if _, err := m.store.InsertBranchEvent(ctx, &store.BranchEvent{
		ProjectID:  project.ID,
		CycleID:    proposal.CycleID,
		BranchName: payload.BranchName,
		EventType:  store.EventReviewRejected,
		EventData:  `{"final":true}`,
		Actor:      store.ActorReviewer,
	}); err != nil {
		return fmt.Errorf("failed to record review_rejected event: %w", err)
	}

	reason := "review rejected after remediation"
	if res.Summary != "" {
		reason = fmt.Sprintf("review rejected after remediation: %s", res.Summary)
	}
	return m.rejectProposal(ctx, project, payload.ProposalID, payload.PipelineRunID, reason)
}

func (m *Machine) onFixBuildDone(ctx context.Context, project *store.Project, j *job.Job, res *job.BuildResult) error {
	payload, ok := j.Payload.(*job.FixBuildPayload)
	if !ok {
		return fmt.Errorf("fix_build job %s has payload %T", j.ID, j.Payload)
	}

	if res.NoChanges {
		return m.rejectProposal(ctx, project, payload.ProposalID, payload.PipelineRunID,
			"remediation produced no code changes")
	}

	review := &job.Job{
		ProjectID: project.ID,
		Type:      job.TypeReview,
		Payload: &job.ReviewPayload{
			ProposalID:         payload.ProposalID,
			PRNumber:           payload.PRNumber,
			HeadSHA:            res.HeadSHA,
			BranchName:         payload.BranchName,
			PipelineRunID:      payload.PipelineRunID,
			RemediationAttempt: 1,
		},
	}
	if err := m.store.InsertJob(ctx, review); err != nil {
		return fmt.Errorf("failed to enqueue remediation review: %w", err)
	}
	return nil
}

// RejectProposal is the terminal-failure path used when a build or
// review job fails permanently: reject the proposal, fail its run,
// then check whether this closed the cycle. runID may be empty.
func (m *Machine) RejectProposal(ctx context.Context, project *store.Project, proposalID, runID, reason string) error {
	return m.rejectProposal(ctx, project, proposalID, runID, reason)
}

// rejectProposal is the shared terminal-failure path: reject, fail the
// run, then check whether this closed the cycle
func (m *Machine) rejectProposal(ctx context.Context, project *store.Project, proposalID, runID, reason string) error {
	proposal, err := m.store.GetProposal(ctx, proposalID)
	if err != nil {
		return fmt.Errorf("failed to load proposal: %w", err)
	}

	if err := m.store.UpdateProposalStatus(ctx, proposalID, store.ProposalRejected,
		&store.ProposalPatch{RejectReason: &reason}); err != nil {
		return fmt.Errorf("failed to reject proposal: %w", err)
	}

	if runID != "" {
		stage := store.RunFailed
		result := store.RunResultFailed
		if err := m.store.UpdatePipelineRun(ctx, runID, store.PipelineRunPatch{
			Stage: &stage, Result: &result, Complete: true,
		}); err != nil {
			m.logger.Printf("Failed to fail pipeline run %s: %v", runID, err)
		}
	}

	m.notifier.Notify(ctx, proposalID,
		fmt.Sprintf("Proposal %q rejected: %s", proposal.Title, reason))
	return m.CompletionCheck(ctx, project, proposal.CycleID)
}

// CompletionCheck closes the cycle once every proposal tagged with it
// is terminal. Safe to call repeatedly: the cycle_completed event has
// a uniqueness guard, and only the first caller writes the checkpoint
// and respawns the scout.
func (m *Machine) CompletionCheck(ctx context.Context, project *store.Project, cycleID string) error {
	if cycleID == "" {
		return nil
	}

	proposals, err := m.store.ListCycleProposals(ctx, project.ID, cycleID)
	if err != nil {
		return fmt.Errorf("failed to list cycle proposals: %w", err)
	}
	for _, p := range proposals {
		if !p.Status.Terminal() {
			return nil
		}
	}

	inserted, err := m.store.InsertBranchEvent(ctx, &store.BranchEvent{
		ProjectID: project.ID,
		CycleID:   cycleID,
		EventType: store.EventCycleCompleted,
		Actor:     store.ActorAutonomy,
	})
	if err != nil {
		return fmt.Errorf("failed to record cycle completion: %w", err)
	}
	if !inserted {
		// Another caller already closed this cycle
		return nil
	}

	branch := project.DefaultBranch
	if branch == "" {
		branch = m.defaultBranch
	}
	head, err := m.host.GetRef(ctx, project.RepoRef, "heads/"+branch)
	if err != nil {
		m.logger.Printf("Failed to read head of %s for checkpoint: %v", branch, err)
	}
	if err := m.store.InsertCheckpoint(ctx, &store.Checkpoint{
		ProjectID: project.ID,
		CycleID:   cycleID,
		Kind:      store.CheckpointCycleComplete,
		CommitSHA: head,
	}); err != nil {
		return fmt.Errorf("failed to record cycle checkpoint: %w", err)
	}

	m.logger.Printf("Cycle %s for %s complete (%d proposals)", cycleID, project.ID, len(proposals))
	m.notifier.Notify(ctx, cycleID,
		fmt.Sprintf("Cycle complete for %s: %d proposals resolved", project.RepoRef, len(proposals)))

	if project.AutonomyMode != store.ModeAutomate || project.Paused {
		return nil
	}
	live, err := m.store.HasLiveJob(ctx, project.ID, job.TypeScout)
	if err != nil {
		return fmt.Errorf("failed to check for live scout: %w", err)
	}
	if live {
		return nil
	}

	scout := &job.Job{
		ProjectID: project.ID,
		Type:      job.TypeScout,
		Payload:   &job.ScoutPayload{PreviousCycleID: cycleID},
	}
	if err := m.store.InsertJob(ctx, scout); err != nil {
		return fmt.Errorf("failed to respawn scout: %w", err)
	}
	if _, err := m.store.InsertBranchEvent(ctx, &store.BranchEvent{
		ProjectID: project.ID,
		CycleID:   scout.ID,
		EventType: store.EventCycleStarted,
		EventData: fmt.Sprintf(`{"previous_cycle_id":%q}`, cycleID),
		Actor:     store.ActorAutonomy,
	}); err != nil {
		return fmt.Errorf("failed to record cycle start: %w", err)
	}
	return nil
}
