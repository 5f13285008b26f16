package worker

import (
	"context"
	"log"

	"github.com/sallandpioneers/autoforge/internal/hosting"
	"github.com/sallandpioneers/autoforge/internal/job"
	"github.com/sallandpioneers/autoforge/internal/notify"
	"github.com/sallandpioneers/autoforge/internal/sandbox"
	"github.com/sallandpioneers/autoforge/internal/store"
)

// StageEnv is what a stage function gets to work with. Stages own
// their workspace for the duration of the call and must not mutate
// state outside the store.
type StageEnv struct {
	Job     *job.Job
	Project *store.Project

	Store      *store.Store
	Host       hosting.RepoHost
	Tokens     hosting.TokenProvider
	Workspaces *sandbox.Manager
	Notifier   notify.Notifier
	Logger     *log.Logger
}

// StageFunc runs one stage to completion and returns the typed result
// the state machine expects for the job type
type StageFunc func(ctx context.Context, env *StageEnv) (job.Result, error)

// Stages maps job types to their stage functions
type Stages map[job.Type]StageFunc
