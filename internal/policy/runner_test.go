package policy

import (
	"context"
	"io"
	"log"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sallandpioneers/autoforge/internal/job"
	"github.com/sallandpioneers/autoforge/internal/store"
)

func newTestRunner(t *testing.T) (*Runner, *store.Store, *store.Project) {
	t.Helper()
	s, err := store.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	p := &store.Project{
		RepoRef:               "acme/widgets",
		AutonomyMode:          store.ModeAutomate,
		MaxConcurrentBranches: 3,
	}
	require.NoError(t, s.InsertProject(context.Background(), p))

	return NewRunner(s, 0.6, log.New(io.Discard, "", 0)), s, p
}

func seedDraft(t *testing.T, s *store.Store, projectID, cycleID, title string, score float64) *store.Proposal {
	t.Helper()
	p := &store.Proposal{
		ProjectID: projectID, CycleID: cycleID, Title: title, Spec: "spec for " + title,
		ImpactScore: score, FeasibilityScore: score, NoveltyScore: score, AlignmentScore: score,
	}
	require.NoError(t, s.InsertProposal(context.Background(), p))
	return p
}

func TestRunnerApprovesWinnerAndRejectsRest(t *testing.T) {
	r, s, project := newTestRunner(t)
	ctx := context.Background()

	seedDraft(t, s, project.ID, "c1", "First", 0.75)
	best := seedDraft(t, s, project.ID, "c1", "Second", 0.82)
	seedDraft(t, s, project.ID, "c1", "Third", 0.70)

	winner, err := r.Run(ctx, project, "c1")
	require.NoError(t, err)
	require.NotNil(t, winner)
	require.Equal(t, best.ID, winner.ID)
	require.Equal(t, "proposals/second", winner.BranchName)

	got, err := s.GetProposal(ctx, best.ID)
	require.NoError(t, err)
	require.Equal(t, store.ProposalApproved, got.Status)
	require.Equal(t, "proposals/second", got.BranchName)

	all, err := s.ListCycleProposals(ctx, project.ID, "c1")
	require.NoError(t, err)
	rejected := 0
	for _, p := range all {
		if p.Status == store.ProposalRejected {
			rejected++
			require.Contains(t, p.RejectReason, "Second scored higher")
		}
	}
	require.Equal(t, 2, rejected)

	// Side effects: event, memory, run, build job
	events, err := s.ListRecentEvents(ctx, project.ID, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, store.EventAutoApproved, events[0].EventType)

	run, err := s.FindPipelineRun(ctx, project.ID, best.ID)
	require.NoError(t, err)
	require.Equal(t, store.RunQueued, run.Stage)

	live, err := s.HasLiveJob(ctx, project.ID, job.TypeBuild)
	require.NoError(t, err)
	require.True(t, live)
}

func TestRunnerIdempotentSecondRun(t *testing.T) {
	r, s, project := newTestRunner(t)
	ctx := context.Background()

	seedDraft(t, s, project.ID, "c1", "Only", 0.8)

	first, err := r.Run(ctx, project, "c1")
	require.NoError(t, err)
	require.NotNil(t, first)

	// No drafts remain; second run approves nothing
	second, err := r.Run(ctx, project, "c1")
	require.NoError(t, err)
	require.Nil(t, second)

	counts, err := s.CountProposalsByStatus(ctx, project.ID)
	require.NoError(t, err)
	require.Equal(t, 1, counts[store.ProposalApproved])
}

func TestRunnerRespectsBranchSlots(t *testing.T) {
	r, s, project := newTestRunner(t)
	ctx := context.Background()

	project.MaxConcurrentBranches = 1

	// One proposal is already implementing
	busy := seedDraft(t, s, project.ID, "c0", "Busy", 0.9)
	branch := "proposals/busy"
	require.NoError(t, s.UpdateProposalStatus(ctx, busy.ID, store.ProposalImplementing,
		&store.ProposalPatch{BranchName: &branch}))

	seedDraft(t, s, project.ID, "c1", "Next", 0.9)

	winner, err := r.Run(ctx, project, "c1")
	require.NoError(t, err)
	require.Nil(t, winner)

	drafts, err := s.ListDraftProposals(ctx, project.ID, "c1")
	require.NoError(t, err)
	require.Len(t, drafts, 1)
}
