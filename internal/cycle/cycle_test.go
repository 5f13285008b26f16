package cycle

import (
	"context"
	"io"
	"log"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sallandpioneers/autoforge/internal/hosting"
	"github.com/sallandpioneers/autoforge/internal/job"
	"github.com/sallandpioneers/autoforge/internal/merge"
	"github.com/sallandpioneers/autoforge/internal/notify"
	"github.com/sallandpioneers/autoforge/internal/policy"
	"github.com/sallandpioneers/autoforge/internal/store"
)

type fixture struct {
	machine  *Machine
	store    *store.Store
	host     *hosting.MockRepoHost
	notifier *notify.Mock
	project  *store.Project
}

func newFixture(t *testing.T, mode store.AutonomyMode) *fixture {
	t.Helper()
	s, err := store.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	ctx := context.Background()
	project := &store.Project{
		RepoRef:               "acme/widgets",
		DefaultBranch:         "main",
		AutonomyMode:          mode,
		MaxConcurrentBranches: 3,
		WildCardFrequency:     0.2,
	}
	require.NoError(t, s.InsertProject(ctx, project))

	host := hosting.NewMockRepoHost()
	host.Refs["heads/main"] = "head-main"
	host.MergeSHA = "merge-sha"

	notifier := &notify.Mock{}
	logger := log.New(io.Discard, "", 0)
	pol := policy.NewRunner(s, 0.6, logger)
	merger := merge.New(s, host, notifier, logger)

	m := New(s, host, notifier, pol, merger, "main", logger)
	m.wildRand = func() float64 { return 0.9 }

	return &fixture{machine: m, store: s, host: host, notifier: notifier, project: project}
}

func (f *fixture) insertJob(t *testing.T, typ job.Type, payload job.Payload) *job.Job {
	t.Helper()
	j := &job.Job{ProjectID: f.project.ID, Type: typ, Payload: payload}
	require.NoError(t, f.store.InsertJob(context.Background(), j))
	return j
}

func (f *fixture) seedProposal(t *testing.T, cycleID, title string, status store.ProposalStatus, branch string) *store.Proposal {
	t.Helper()
	ctx := context.Background()
	p := &store.Proposal{
		ProjectID: f.project.ID, CycleID: cycleID, Title: title, Spec: "spec",
		ImpactScore: 0.8, FeasibilityScore: 0.8, NoveltyScore: 0.8, AlignmentScore: 0.8,
	}
	require.NoError(t, f.store.InsertProposal(ctx, p))
	if status != store.ProposalDraft {
		var patch *store.ProposalPatch
		if branch != "" {
			patch = &store.ProposalPatch{BranchName: &branch}
			p.BranchName = branch
		}
		require.NoError(t, f.store.UpdateProposalStatus(ctx, p.ID, status, patch))
		p.Status = status
	}
	return p
}

func liveJobOfType(t *testing.T, s *store.Store, projectID string, typ job.Type) *job.Job {
	t.Helper()
	claimed, err := s.ClaimNextJob(context.Background(), "probe")
	require.NoError(t, err)
	require.Equal(t, typ, claimed.Type)
	require.Equal(t, projectID, claimed.ProjectID)
	return claimed
}

func TestScoutDoneOpensCycle(t *testing.T) {
	f := newFixture(t, store.ModeAutomate)
	ctx := context.Background()

	scout := f.insertJob(t, job.TypeScout, &job.ScoutPayload{})
	require.NoError(t, f.machine.Transition(ctx, f.project, scout, &job.ScoutResult{}))

	// The strategize payload carries the scout job id as the cycle id
	// (the scout itself is still pending here; claim order is FIFO)
	claimed, err := f.store.ClaimNextJob(ctx, "probe")
	require.NoError(t, err)
	require.Equal(t, scout.ID, claimed.ID)
	next := liveJobOfType(t, f.store, f.project.ID, job.TypeStrategize)
	payload := next.Payload.(*job.StrategizePayload)
	require.Equal(t, scout.ID, payload.CycleID)
	require.False(t, payload.WildCard)
}

func TestScoutDoneWildCardDraw(t *testing.T) {
	f := newFixture(t, store.ModeAutomate)
	f.machine.wildRand = func() float64 { return 0.1 }

	scout := f.insertJob(t, job.TypeScout, &job.ScoutPayload{})
	require.NoError(t, f.machine.Transition(context.Background(), f.project, scout, &job.ScoutResult{}))

	_, err := f.store.ClaimNextJob(context.Background(), "probe")
	require.NoError(t, err)
	next := liveJobOfType(t, f.store, f.project.ID, job.TypeStrategize)
	require.True(t, next.Payload.(*job.StrategizePayload).WildCard)
}

func TestStrategizeDoneRunsPolicy(t *testing.T) {
	f := newFixture(t, store.ModeAutomate)
	ctx := context.Background()

	f.seedProposal(t, "c1", "Improve caching", store.ProposalDraft, "")
	strategize := f.insertJob(t, job.TypeStrategize, &job.StrategizePayload{CycleID: "c1"})

	require.NoError(t, f.machine.Transition(ctx, f.project, strategize, &job.StrategizeResult{ProposalCount: 1}))

	proposals, err := f.store.ListCycleProposals(ctx, f.project.ID, "c1")
	require.NoError(t, err)
	require.Len(t, proposals, 1)
	require.Equal(t, store.ProposalApproved, proposals[0].Status)
	require.Equal(t, "proposals/improve-caching", proposals[0].BranchName)
}

func TestBuildDoneSchedulesReview(t *testing.T) {
	f := newFixture(t, store.ModeAutomate)
	ctx := context.Background()

	p := f.seedProposal(t, "c1", "Improve caching", store.ProposalImplementing, "proposals/improve-caching")
	run, err := f.store.InsertPipelineRun(ctx, f.project.ID, p.ID)
	require.NoError(t, err)

	build := f.insertJob(t, job.TypeBuild, &job.BuildPayload{
		ProposalID: p.ID, BranchName: p.BranchName, PipelineRunID: run.ID,
	})
	require.NoError(t, f.machine.Transition(ctx, f.project, build,
		&job.BuildResult{PRNumber: 42, HeadSHA: "abc123"}))

	got, err := f.store.FindPipelineRun(ctx, f.project.ID, p.ID)
	require.NoError(t, err)
	require.Equal(t, store.RunValidating, got.Stage)
	require.Equal(t, 42, got.PRNumber)

	_, err = f.store.ClaimNextJob(ctx, "probe") // the build job itself
	require.NoError(t, err)
	review := liveJobOfType(t, f.store, f.project.ID, job.TypeReview)
	payload := review.Payload.(*job.ReviewPayload)
	require.Equal(t, 42, payload.PRNumber)
	require.Equal(t, "abc123", payload.HeadSHA)
	require.Zero(t, payload.RemediationAttempt)
}

func TestBuildDoneNoChangesRejects(t *testing.T) {
	f := newFixture(t, store.ModeAutomate)
	ctx := context.Background()

	p := f.seedProposal(t, "c1", "Noop work", store.ProposalImplementing, "proposals/noop-work")
	run, err := f.store.InsertPipelineRun(ctx, f.project.ID, p.ID)
	require.NoError(t, err)

	build := f.insertJob(t, job.TypeBuild, &job.BuildPayload{
		ProposalID: p.ID, BranchName: p.BranchName, PipelineRunID: run.ID,
	})
	require.NoError(t, f.machine.Transition(ctx, f.project, build, &job.BuildResult{NoChanges: true}))

	got, err := f.store.GetProposal(ctx, p.ID)
	require.NoError(t, err)
	require.Equal(t, store.ProposalRejected, got.Status)
	require.Equal(t, "builder produced no code changes", got.RejectReason)

	gotRun, err := f.store.FindPipelineRun(ctx, f.project.ID, p.ID)
	require.NoError(t, err)
	require.Equal(t, store.RunFailed, gotRun.Stage)

	// The only cycle proposal is terminal, so the cycle closed
	n, err := f.store.CountEvents(ctx, f.project.ID, "c1", store.EventCycleCompleted)
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestReviewApprovedAutomateMerges(t *testing.T) {
	f := newFixture(t, store.ModeAutomate)
	ctx := context.Background()

	p := f.seedProposal(t, "c1", "Improve caching", store.ProposalImplementing, "proposals/improve-caching")
	run, err := f.store.InsertPipelineRun(ctx, f.project.ID, p.ID)
	require.NoError(t, err)
	f.host.AddPR(&hosting.PR{Number: 42, HeadSHA: "abc123"})

	review := f.insertJob(t, job.TypeReview, &job.ReviewPayload{
		ProposalID: p.ID, PRNumber: 42, HeadSHA: "abc123",
		BranchName: p.BranchName, PipelineRunID: run.ID,
	})
	require.NoError(t, f.machine.Transition(ctx, f.project, review,
		&job.ReviewResult{Verdict: job.VerdictApprove}))

	got, err := f.store.GetProposal(ctx, p.ID)
	require.NoError(t, err)
	require.Equal(t, store.ProposalDone, got.Status)
	require.Len(t, f.host.MergeCalls, 1)

	// Cycle closed: completion event, checkpoint at head, new scout
	n, err := f.store.CountEvents(ctx, f.project.ID, "c1", store.EventCycleCompleted)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	cps, err := f.store.ListCheckpoints(ctx, f.project.ID, 10)
	require.NoError(t, err)
	var cycleCP *store.Checkpoint
	for _, cp := range cps {
		if cp.Kind == store.CheckpointCycleComplete {
			cycleCP = cp
		}
	}
	require.NotNil(t, cycleCP)
	require.Equal(t, "head-main", cycleCP.CommitSHA)

	live, err := f.store.HasLiveJob(ctx, f.project.ID, job.TypeScout)
	require.NoError(t, err)
	require.True(t, live)
}

func TestReviewApprovedAssistLeavesMergeToHuman(t *testing.T) {
	f := newFixture(t, store.ModeAssist)
	ctx := context.Background()

	p := f.seedProposal(t, "c1", "Safe change", store.ProposalImplementing, "proposals/safe-change")
	run, err := f.store.InsertPipelineRun(ctx, f.project.ID, p.ID)
	require.NoError(t, err)

	review := f.insertJob(t, job.TypeReview, &job.ReviewPayload{
		ProposalID: p.ID, PRNumber: 7, HeadSHA: "abc", BranchName: p.BranchName, PipelineRunID: run.ID,
	})
	require.NoError(t, f.machine.Transition(ctx, f.project, review,
		&job.ReviewResult{Verdict: job.VerdictApprove}))

	got, err := f.store.GetProposal(ctx, p.ID)
	require.NoError(t, err)
	require.Equal(t, store.ProposalDone, got.Status)
	require.Empty(t, f.host.MergeCalls)

	gotRun, err := f.store.FindPipelineRun(ctx, f.project.ID, p.ID)
	require.NoError(t, err)
	require.Equal(t, store.RunDeployed, gotRun.Stage)

	// Assist mode never respawns the scout
	live, err := f.store.HasLiveJob(ctx, f.project.ID, job.TypeScout)
	require.NoError(t, err)
	require.False(t, live)
}

func TestReviewApprovedLockBusyLeavesProposal(t *testing.T) {
	f := newFixture(t, store.ModeAutomate)
	ctx := context.Background()

	p := f.seedProposal(t, "c1", "Improve caching", store.ProposalImplementing, "proposals/improve-caching")
	run, err := f.store.InsertPipelineRun(ctx, f.project.ID, p.ID)
	require.NoError(t, err)

	acquired, err := f.store.TryAcquireMergeLock(ctx, f.project.ID)
	require.NoError(t, err)
	require.True(t, acquired)

	review := f.insertJob(t, job.TypeReview, &job.ReviewPayload{
		ProposalID: p.ID, PRNumber: 42, HeadSHA: "abc", BranchName: p.BranchName, PipelineRunID: run.ID,
	})
	require.NoError(t, f.machine.Transition(ctx, f.project, review,
		&job.ReviewResult{Verdict: job.VerdictApprove}))

	got, err := f.store.GetProposal(ctx, p.ID)
	require.NoError(t, err)
	require.Equal(t, store.ProposalImplementing, got.Status)
}

func TestReviewRejectedSchedulesRemediation(t *testing.T) {
	f := newFixture(t, store.ModeAutomate)
	ctx := context.Background()

	p := f.seedProposal(t, "c1", "Improve caching", store.ProposalImplementing, "proposals/improve-caching")
	run, err := f.store.InsertPipelineRun(ctx, f.project.ID, p.ID)
	require.NoError(t, err)

	review := f.insertJob(t, job.TypeReview, &job.ReviewPayload{
		ProposalID: p.ID, PRNumber: 42, HeadSHA: "abc", BranchName: p.BranchName, PipelineRunID: run.ID,
	})
	require.NoError(t, f.machine.Transition(ctx, f.project, review,
		&job.ReviewResult{Verdict: job.VerdictReject, Concerns: []string{"missing tests"}}))

	// Proposal survives for one remediation round
	got, err := f.store.GetProposal(ctx, p.ID)
	require.NoError(t, err)
	require.Equal(t, store.ProposalImplementing, got.Status)

	_, err = f.store.ClaimNextJob(ctx, "probe") // the review job itself
	require.NoError(t, err)
	fix := liveJobOfType(t, f.store, f.project.ID, job.TypeFixBuild)
	payload := fix.Payload.(*job.FixBuildPayload)
	require.Equal(t, []string{"missing tests"}, payload.Concerns)
	require.Equal(t, 42, payload.PRNumber)

	events, err := f.store.ListRecentEvents(ctx, f.project.ID, 10)
	require.NoError(t, err)
	require.Equal(t, store.EventReviewRejected, events[0].EventType)
	require.Contains(t, events[0].EventData, "will_retry")
}

func TestReviewRejectedFinalAfterRemediation(t *testing.T) {
	f := newFixture(t, store.ModeAutomate)
	ctx := context.Background()

	p := f.seedProposal(t, "c1", "Improve caching", store.ProposalImplementing, "proposals/improve-caching")
	run, err := f.store.InsertPipelineRun(ctx, f.project.ID, p.ID)
	require.NoError(t, err)

	review := f.insertJob(t, job.TypeReview, &job.ReviewPayload{
		ProposalID: p.ID, PRNumber: 42, HeadSHA: "abc", BranchName: p.BranchName,
		PipelineRunID: run.ID, RemediationAttempt: 1,
	})
	require.NoError(t, f.machine.Transition(ctx, f.project, review,
		&job.ReviewResult{Verdict: job.VerdictReject, Summary: "still failing"}))

	got, err := f.store.GetProposal(ctx, p.ID)
	require.NoError(t, err)
	require.Equal(t, store.ProposalRejected, got.Status)
	require.Contains(t, got.RejectReason, "still failing")

	n, err := f.store.CountEvents(ctx, f.project.ID, "c1", store.EventCycleCompleted)
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestFixBuildDoneRequeuesReview(t *testing.T) {
	f := newFixture(t, store.ModeAutomate)
	ctx := context.Background()

	p := f.seedProposal(t, "c1", "Improve caching", store.ProposalImplementing, "proposals/improve-caching")
	run, err := f.store.InsertPipelineRun(ctx, f.project.ID, p.ID)
	require.NoError(t, err)

	fix := f.insertJob(t, job.TypeFixBuild, &job.FixBuildPayload{
		ProposalID: p.ID, PRNumber: 42, BranchName: p.BranchName, PipelineRunID: run.ID,
	})
	require.NoError(t, f.machine.Transition(ctx, f.project, fix,
		&job.BuildResult{PRNumber: 42, HeadSHA: "def456"}))

	_, err = f.store.ClaimNextJob(ctx, "probe") // the fix job itself
	require.NoError(t, err)
	review := liveJobOfType(t, f.store, f.project.ID, job.TypeReview)
	payload := review.Payload.(*job.ReviewPayload)
	require.Equal(t, 1, payload.RemediationAttempt)
	require.Equal(t, "def456", payload.HeadSHA)
}

func TestFixBuildNoChangesRejects(t *testing.T) {
	f := newFixture(t, store.ModeAutomate)
	ctx := context.Background()

	p := f.seedProposal(t, "c1", "Improve caching", store.ProposalImplementing, "proposals/improve-caching")
	run, err := f.store.InsertPipelineRun(ctx, f.project.ID, p.ID)
	require.NoError(t, err)

	fix := f.insertJob(t, job.TypeFixBuild, &job.FixBuildPayload{
		ProposalID: p.ID, PRNumber: 42, BranchName: p.BranchName, PipelineRunID: run.ID,
	})
	require.NoError(t, f.machine.Transition(ctx, f.project, fix, &job.BuildResult{NoChanges: true}))

	got, err := f.store.GetProposal(ctx, p.ID)
	require.NoError(t, err)
	require.Equal(t, store.ProposalRejected, got.Status)
}

func TestCompletionCheckIdempotent(t *testing.T) {
	f := newFixture(t, store.ModeAutomate)
	ctx := context.Background()

	f.seedProposal(t, "c1", "One", store.ProposalDone, "")
	f.seedProposal(t, "c1", "Two", store.ProposalRejected, "")

	require.NoError(t, f.machine.CompletionCheck(ctx, f.project, "c1"))
	require.NoError(t, f.machine.CompletionCheck(ctx, f.project, "c1"))

	n, err := f.store.CountEvents(ctx, f.project.ID, "c1", store.EventCycleCompleted)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	// One checkpoint, one respawned scout
	cps, err := f.store.ListCheckpoints(ctx, f.project.ID, 10)
	require.NoError(t, err)
	require.Len(t, cps, 1)

	scout, err := f.store.ClaimNextJob(ctx, "probe")
	require.NoError(t, err)
	require.Equal(t, job.TypeScout, scout.Type)
	require.Equal(t, "c1", scout.Payload.(*job.ScoutPayload).PreviousCycleID)
	_, err = f.store.ClaimNextJob(ctx, "probe")
	require.True(t, store.IsNotFound(err))
}

func TestCompletionCheckWaitsForNonTerminal(t *testing.T) {
	f := newFixture(t, store.ModeAutomate)
	ctx := context.Background()

	f.seedProposal(t, "c1", "One", store.ProposalDone, "")
	f.seedProposal(t, "c1", "Two", store.ProposalImplementing, "proposals/two")

	require.NoError(t, f.machine.CompletionCheck(ctx, f.project, "c1"))

	n, err := f.store.CountEvents(ctx, f.project.ID, "c1", store.EventCycleCompleted)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestCompletionCheckEmptyCycleID(t *testing.T) {
	f := newFixture(t, store.ModeAutomate)
	require.NoError(t, f.machine.CompletionCheck(context.Background(), f.project, ""))
}
