package merge

import (
	"context"
	"errors"
	"io"
	"log"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sallandpioneers/autoforge/internal/hosting"
	"github.com/sallandpioneers/autoforge/internal/notify"
	"github.com/sallandpioneers/autoforge/internal/store"
)

type fixture struct {
	coord    *Coordinator
	store    *store.Store
	host     *hosting.MockRepoHost
	notifier *notify.Mock
	project  *store.Project
	proposal *store.Proposal
	run      *store.PipelineRun
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s, err := store.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	ctx := context.Background()

	project := &store.Project{
		RepoRef:               "acme/widgets",
		AutonomyMode:          store.ModeAutomate,
		MaxConcurrentBranches: 3,
	}
	require.NoError(t, s.InsertProject(ctx, project))

	proposal := &store.Proposal{
		ProjectID: project.ID,
		CycleID:   "c1",
		Title:     "Improve caching",
		Status:    store.ProposalImplementing,
	}
	require.NoError(t, s.InsertProposal(ctx, proposal))
	branch := "proposals/improve-caching"
	require.NoError(t, s.UpdateProposalStatus(ctx, proposal.ID, store.ProposalImplementing,
		&store.ProposalPatch{BranchName: &branch}))
	proposal.BranchName = branch

	run, err := s.InsertPipelineRun(ctx, project.ID, proposal.ID)
	require.NoError(t, err)

	host := hosting.NewMockRepoHost()
	host.MergeSHA = "def456"
	host.AddPR(&hosting.PR{Number: 42, HeadSHA: "abc123", HeadRef: branch})

	notifier := &notify.Mock{}
	coord := New(s, host, notifier, log.New(io.Discard, "", 0))

	return &fixture{coord: coord, store: s, host: host, notifier: notifier,
		project: project, proposal: proposal, run: run}
}

func TestMergeHappyPath(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	out, err := f.coord.Merge(ctx, f.project, f.proposal, 42, "abc123")
	require.NoError(t, err)
	require.True(t, out.Merged)
	require.Equal(t, "def456", out.MergeSHA)

	got, err := f.store.GetProposal(ctx, f.proposal.ID)
	require.NoError(t, err)
	require.Equal(t, store.ProposalDone, got.Status)

	events, err := f.store.ListRecentEvents(ctx, f.project.ID, 10)
	require.NoError(t, err)
	types := map[string]bool{}
	for _, ev := range events {
		types[ev.EventType] = true
		if ev.EventType == store.EventAutoMerged {
			require.Equal(t, "def456", ev.CommitSHA)
		}
	}
	require.True(t, types[store.EventPRMerged])
	require.True(t, types[store.EventAutoMerged])

	run, err := f.store.FindPipelineRun(ctx, f.project.ID, f.proposal.ID)
	require.NoError(t, err)
	require.Equal(t, store.RunDeployed, run.Stage)
	require.Equal(t, store.RunResultSuccess, run.Result)
	require.NotNil(t, run.CompletedAt)

	cps, err := f.store.ListCheckpoints(ctx, f.project.ID, 10)
	require.NoError(t, err)
	require.Len(t, cps, 1)
	require.Equal(t, store.CheckpointMerge, cps[0].Kind)
	require.Equal(t, "def456", cps[0].CommitSHA)

	require.Equal(t, []string{"heads/proposals/improve-caching"}, f.host.DeleteRefCalls)
	require.True(t, f.notifier.Contains("Merged PR #42"))

	// Lock is released
	p, err := f.store.GetProject(ctx, f.project.ID)
	require.NoError(t, err)
	require.False(t, p.MergeInProgress)
}

func TestMergeHeadDrift(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.host.PRs[42].HeadSHA = "xyz999"

	out, err := f.coord.Merge(ctx, f.project, f.proposal, 42, "abc123")
	require.NoError(t, err)
	require.False(t, out.Merged)
	require.True(t, out.Rejected)
	require.Equal(t, "HEAD SHA changed after review", out.RejectReason)

	got, err := f.store.GetProposal(ctx, f.proposal.ID)
	require.NoError(t, err)
	require.Equal(t, store.ProposalRejected, got.Status)
	require.Equal(t, "HEAD SHA changed after review", got.RejectReason)

	events, err := f.store.ListRecentEvents(ctx, f.project.ID, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, store.EventMergeFailed, events[0].EventType)
	require.Contains(t, events[0].EventData, "SHA mismatch")

	require.Empty(t, f.host.MergeCalls)
	require.True(t, f.notifier.Contains("head moved"))
}

func TestMergeHostError(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.host.MergeError = errors.New("merge conflict")

	out, err := f.coord.Merge(ctx, f.project, f.proposal, 42, "abc123")
	require.NoError(t, err)
	require.True(t, out.Rejected)

	got, err := f.store.GetProposal(ctx, f.proposal.ID)
	require.NoError(t, err)
	require.Equal(t, store.ProposalRejected, got.Status)

	run, err := f.store.FindPipelineRun(ctx, f.project.ID, f.proposal.ID)
	require.NoError(t, err)
	require.Equal(t, store.RunFailed, run.Stage)

	// Lock still released after the failure path
	p, err := f.store.GetProject(ctx, f.project.ID)
	require.NoError(t, err)
	require.False(t, p.MergeInProgress)
}

func TestMergeLockBusy(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	acquired, err := f.store.TryAcquireMergeLock(ctx, f.project.ID)
	require.NoError(t, err)
	require.True(t, acquired)

	_, err = f.coord.Merge(ctx, f.project, f.proposal, 42, "abc123")
	require.ErrorIs(t, err, ErrLockBusy)

	// Nothing touched
	got, err := f.store.GetProposal(ctx, f.proposal.ID)
	require.NoError(t, err)
	require.Equal(t, store.ProposalImplementing, got.Status)
	require.Empty(t, f.host.MergeCalls)

	// The holder's lock is not released by the loser
	p, err := f.store.GetProject(ctx, f.project.ID)
	require.NoError(t, err)
	require.True(t, p.MergeInProgress)
}
