package worker

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sallandpioneers/autoforge/internal/config"
	"github.com/sallandpioneers/autoforge/internal/job"
)

// ExecStages builds a stage registry from configured external
// commands. Each stage runs its command in a scratch workspace and
// reads the result from the last JSON line of stdout. This keeps the
// actual scout/strategize/build/review intelligence out of process.
func ExecStages(cfg config.StagesConfig) Stages {
	stages := make(Stages, len(cfg.Commands))
	for name, command := range cfg.Commands {
		t := job.Type(name)
		if !t.Valid() {
			continue
		}
		stages[t] = execStage(command, stageTimeout(t, cfg))
	}
	return stages
}

// stageTimeout picks the wall-clock budget per stage kind
func stageTimeout(t job.Type, cfg config.StagesConfig) time.Duration {
	switch t {
	case job.TypeReview, job.TypeFixBuild:
		return cfg.ShortTimeout
	default:
		return cfg.LongTimeout
	}
}

func execStage(command string, timeout time.Duration) StageFunc {
	return func(ctx context.Context, env *StageEnv) (job.Result, error) {
		ws, err := env.Workspaces.Acquire(env.Job.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to acquire workspace: %w", err)
		}
		defer func() {
			if err := ws.Release(); err != nil {
				env.Logger.Printf("Failed to release workspace for job %s: %v", env.Job.ID, err)
			}
		}()

		payload, err := job.EncodePayload(env.Job.Payload)
		if err != nil {
			return nil, err
		}

		token, err := env.Tokens.TokenFor(ctx, env.Project.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to obtain host token: %w", err)
		}

		extra := []string{
			"AUTOFORGE_JOB_TYPE=" + string(env.Job.Type),
			"AUTOFORGE_PAYLOAD=" + string(payload),
			"AUTOFORGE_PROJECT_ID=" + env.Project.ID,
			"AUTOFORGE_REPO=" + env.Project.RepoRef,
			"AUTOFORGE_BASE_BRANCH=" + env.Project.DefaultBranch,
			"GH_TOKEN=" + token.Value,
		}

		cmd := []string{"sh", "-c", command}
		res, runErr := ws.RunWithEnv(ctx, timeout, ws.Env(extra...), cmd[0], cmd[1:]...)
		if res != nil {
			recordOutput(ctx, env, res.Stdout, res.Stderr)
		}
		if runErr != nil {
			return nil, fmt.Errorf("stage command failed: %w: %s", runErr, tail(res.Stderr, 3))
		}

		return parseResult(env.Job.Type, res.Stdout)
	}
}

// parseResult reads the last JSON object line of stdout as the stage
// result. An absent result line means the stage reported nothing.
func parseResult(t job.Type, stdout string) (job.Result, error) {
	lines := strings.Split(strings.TrimSpace(stdout), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if !strings.HasPrefix(line, "{") || !strings.HasSuffix(line, "}") {
			continue
		}
		res, err := job.DecodeResult(t, []byte(line))
		if err != nil {
			return nil, fmt.Errorf("stage emitted malformed result: %w", err)
		}
		return res, nil
	}
	return nil, fmt.Errorf("stage emitted no result line")
}

// recordOutput keeps a bounded tail of the stage output in run_logs
// for operator debugging
func recordOutput(ctx context.Context, env *StageEnv, stdout, stderr string) {
	const keep = 50
	lines := strings.Split(strings.TrimSpace(stdout+"\n"+stderr), "\n")
	if len(lines) > keep {
		lines = lines[len(lines)-keep:]
	}
	for _, line := range lines {
		if line == "" {
			continue
		}
		if err := env.Store.InsertRunLog(ctx, env.Project.ID, env.Job.ID, line); err != nil {
			env.Logger.Printf("Failed to record run log: %v", err)
			return
		}
	}
}

// tail returns the last n lines of s on one line
func tail(s string, n int) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, " | ")
}
