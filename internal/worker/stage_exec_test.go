package worker

import (
	"context"
	"io"
	"log"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sallandpioneers/autoforge/internal/config"
	"github.com/sallandpioneers/autoforge/internal/hosting"
	"github.com/sallandpioneers/autoforge/internal/job"
	"github.com/sallandpioneers/autoforge/internal/notify"
	"github.com/sallandpioneers/autoforge/internal/sandbox"
	"github.com/sallandpioneers/autoforge/internal/store"
)

func TestExecStagesRegistry(t *testing.T) {
	cfg := config.StagesConfig{
		LongTimeout:  45 * time.Minute,
		ShortTimeout: 15 * time.Minute,
		Commands: map[string]string{
			"scout":   "scout.sh",
			"review":  "review.sh",
			"bogus":   "ignored.sh",
		},
	}

	stages := ExecStages(cfg)
	require.Len(t, stages, 2)
	require.Contains(t, stages, job.TypeScout)
	require.Contains(t, stages, job.TypeReview)
}

func TestStageTimeoutByKind(t *testing.T) {
	cfg := config.StagesConfig{LongTimeout: 45 * time.Minute, ShortTimeout: 15 * time.Minute}
	require.Equal(t, 45*time.Minute, stageTimeout(job.TypeBuild, cfg))
	require.Equal(t, 45*time.Minute, stageTimeout(job.TypeScout, cfg))
	require.Equal(t, 15*time.Minute, stageTimeout(job.TypeReview, cfg))
	require.Equal(t, 15*time.Minute, stageTimeout(job.TypeFixBuild, cfg))
}

func TestParseResult(t *testing.T) {
	res, err := parseResult(job.TypeBuild, "cloning...\nbuilding...\n{\"pr_number\":42,\"head_sha\":\"abc\"}\n")
	require.NoError(t, err)
	build := res.(*job.BuildResult)
	require.Equal(t, 42, build.PRNumber)
	require.Equal(t, "abc", build.HeadSHA)
}

func TestParseResultLastJSONWins(t *testing.T) {
	out := "{\"verdict\":\"reject\"}\nprogress line\n{\"verdict\":\"approve\"}"
	res, err := parseResult(job.TypeReview, out)
	require.NoError(t, err)
	require.Equal(t, job.VerdictApprove, res.(*job.ReviewResult).Verdict)
}

func TestParseResultMissing(t *testing.T) {
	_, err := parseResult(job.TypeScout, "only progress output\n")
	require.ErrorContains(t, err, "no result line")
}

func execEnv(t *testing.T) *StageEnv {
	t.Helper()
	s, err := store.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	project := &store.Project{RepoRef: "acme/widgets", DefaultBranch: "main", AutonomyMode: store.ModeAutomate, MaxConcurrentBranches: 1}
	require.NoError(t, s.InsertProject(context.Background(), project))

	j := &job.Job{ProjectID: project.ID, Type: job.TypeScout, Payload: &job.ScoutPayload{PreviousCycleID: "c0"}}
	require.NoError(t, s.InsertJob(context.Background(), j))

	return &StageEnv{
		Job: j, Project: project,
		Store:      s,
		Tokens:     &hosting.MockTokenProvider{Token: hosting.Token{Value: "tok"}},
		Workspaces: sandbox.NewManager(t.TempDir()),
		Notifier:   &notify.Mock{},
		Logger:     log.New(io.Discard, "", 0),
	}
}

func TestExecStageRunsCommand(t *testing.T) {
	env := execEnv(t)

	stage := execStage(`echo "scanning $AUTOFORGE_REPO"; echo '{"summary":"ok","finding_count":2}'`, time.Minute)
	res, err := stage(context.Background(), env)
	require.NoError(t, err)
	require.Equal(t, 2, res.(*job.ScoutResult).FindingCount)
}

func TestExecStagePayloadInEnvironment(t *testing.T) {
	env := execEnv(t)

	stage := execStage(`echo "{\"summary\":\"$AUTOFORGE_PAYLOAD\"}" | sed 's/"previous_cycle_id":"c0"/seen/'`, time.Minute)
	res, err := stage(context.Background(), env)
	require.NoError(t, err)
	require.Contains(t, res.(*job.ScoutResult).Summary, "seen")
}

func TestExecStageFailurePropagatesStderr(t *testing.T) {
	env := execEnv(t)

	stage := execStage(`echo "network unreachable" >&2; exit 1`, time.Minute)
	_, err := stage(context.Background(), env)
	require.ErrorContains(t, err, "network unreachable")
}
