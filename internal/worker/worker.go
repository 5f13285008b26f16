// Package worker implements the polling job loop: claim, dispatch to
// a stage, record the outcome, run the state-machine transition. One
// worker process per node; multiple nodes are safe because claims are
// atomic in the store.
package worker

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/sallandpioneers/autoforge/internal/config"
	"github.com/sallandpioneers/autoforge/internal/cycle"
	"github.com/sallandpioneers/autoforge/internal/hosting"
	"github.com/sallandpioneers/autoforge/internal/job"
	"github.com/sallandpioneers/autoforge/internal/notify"
	"github.com/sallandpioneers/autoforge/internal/queue"
	"github.com/sallandpioneers/autoforge/internal/retry"
	"github.com/sallandpioneers/autoforge/internal/sandbox"
	"github.com/sallandpioneers/autoforge/internal/store"
)

// Worker polls the queue and runs stages
type Worker struct {
	id  string
	cfg config.WorkerConfig

	store      *store.Store
	queue      *queue.Queue
	machine    *cycle.Machine
	host       hosting.RepoHost
	tokens     hosting.TokenProvider
	workspaces *sandbox.Manager
	notifier   notify.Notifier
	stages     Stages
	logger     *log.Logger

	// storeFailures counts consecutive store errors for backoff
	storeFailures int
}

// New creates a worker with a generated worker id
func New(cfg config.WorkerConfig, s *store.Store, q *queue.Queue, machine *cycle.Machine,
	host hosting.RepoHost, tokens hosting.TokenProvider, workspaces *sandbox.Manager,
	notifier notify.Notifier, stages Stages, logger *log.Logger) *Worker {
	hostname, _ := os.Hostname()
	return &Worker{
		id:         fmt.Sprintf("%s-%s", hostname, uuid.NewString()[:8]),
		cfg:        cfg,
		store:      s,
		queue:      q,
		machine:    machine,
		host:       host,
		tokens:     tokens,
		workspaces: workspaces,
		notifier:   notifier,
		stages:     stages,
		logger:     logger,
	}
}

// ID returns the worker's claim identity
func (w *Worker) ID() string { return w.id }

// Run polls until the context is cancelled
func (w *Worker) Run(ctx context.Context) error {
	// Refresh credentials once before entering the loop
	if err := w.tokens.EnsureValid(ctx); err != nil {
		w.logger.Printf("Initial token refresh failed: %v", err)
	}
	w.logger.Printf("Worker %s started (poll %s)", w.id, w.cfg.PollInterval)

	for {
		delay := w.runOnce(ctx)
		if delay <= 0 {
			delay = w.cfg.PollInterval
		}
		select {
		case <-ctx.Done():
			w.logger.Printf("Worker %s stopping", w.id)
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

// runOnce performs one loop iteration and returns how long to sleep
// before the next
func (w *Worker) runOnce(ctx context.Context) time.Duration {
	if os.Getenv(config.PauseEnvVar) != "" {
		return w.cfg.PausedInterval
	}

	if _, _, err := w.queue.ReapStale(ctx, w.cfg.StaleThreshold, w.cfg.MaxAttempts); err != nil {
		return w.storeBackoff(err)
	}

	j, err := w.queue.Claim(ctx, w.id)
	if err == queue.ErrEmpty {
		w.storeFailures = 0
		return w.cfg.PollInterval
	}
	if err != nil {
		return w.storeBackoff(err)
	}
	w.storeFailures = 0

	project, err := w.store.GetProject(ctx, j.ProjectID)
	if err != nil {
		w.logger.Printf("Failed to load project %s for job %s: %v", j.ProjectID, j.ID, err)
		if err := w.queue.Release(ctx, j.ID); err != nil {
			w.logger.Printf("Failed to release job %s: %v", j.ID, err)
		}
		return w.storeBackoff(err)
	}

	if project.Paused {
		// Paused projects keep their jobs; releasing does not consume
		// an attempt
		if err := w.queue.Release(ctx, j.ID); err != nil {
			w.logger.Printf("Failed to release job %s: %v", j.ID, err)
		}
		return w.cfg.PollInterval
	}

	w.processJob(ctx, project, j)
	// Claim again immediately; there may be more work
	return time.Millisecond
}

// processJob runs one claimed job through its stage and records the
// outcome
func (w *Worker) processJob(ctx context.Context, project *store.Project, j *job.Job) {
	w.logger.Printf("Processing %s job %s for %s (attempt %d)", j.Type, j.ID, project.RepoRef, j.AttemptCount)

	if err := w.tokens.EnsureValid(ctx); err != nil {
		w.logger.Printf("Token refresh before job %s failed: %v", j.ID, err)
	}

	stage, ok := w.stages[j.Type]
	if !ok {
		w.failJob(ctx, project, j, fmt.Sprintf("no stage registered for job type %s", j.Type))
		return
	}

	if j.Type == job.TypeBuild {
		w.markBuildStarted(ctx, project, j)
	}

	// Heartbeat while the stage runs so the reaper leaves us alone
	hbCtx, stopHB := context.WithCancel(ctx)
	defer stopHB()
	go w.heartbeat(hbCtx, j.ID)

	env := &StageEnv{
		Job: j, Project: project,
		Store: w.store, Host: w.host, Tokens: w.tokens,
		Workspaces: w.workspaces, Notifier: w.notifier, Logger: w.logger,
	}
	result, err := stage(ctx, env)
	stopHB()

	if err != nil {
		w.handleStageError(ctx, project, j, err)
		return
	}

	if err := w.queue.Complete(ctx, j.ID); err != nil {
		w.logger.Printf("Failed to complete job %s: %v", j.ID, err)
		return
	}
	if err := w.machine.Transition(ctx, project, j, result); err != nil {
		// The job is already done; the sweep or watchdog picks up the
		// missing successor
		w.logger.Printf("Transition after job %s failed: %v", j.ID, err)
	}
}

// handleStageError classifies the failure and decides between retry
// and terminal failure
func (w *Worker) handleStageError(ctx context.Context, project *store.Project, j *job.Job, stageErr error) {
	kind := retry.ClassifyJob(stageErr)
	w.logger.Printf("Job %s failed (attempt %d, class %v): %v", j.ID, j.AttemptCount, kind, stageErr)

	switch {
	case kind == retry.Auth:
		w.failJob(ctx, project, j, fmt.Sprintf("OAuth error: %v", stageErr))
	case kind == retry.Permanent:
		w.failJob(ctx, project, j, stageErr.Error())
	case j.AttemptCount >= w.cfg.MaxAttempts:
		w.failJob(ctx, project, j, fmt.Sprintf("failed after %d attempts: %v", j.AttemptCount, stageErr))
	default:
		if err := w.queue.Retry(ctx, j.ID, stageErr.Error()); err != nil {
			w.logger.Printf("Failed to requeue job %s: %v", j.ID, err)
		}
	}
}

// markBuildStarted moves the proposal to implementing when its build
// job is first dispatched. The event is emitted only on the status
// transition, so retried builds do not duplicate it.
func (w *Worker) markBuildStarted(ctx context.Context, project *store.Project, j *job.Job) {
	p, ok := j.Payload.(*job.BuildPayload)
	if !ok {
		return
	}
	prop, err := w.store.GetProposal(ctx, p.ProposalID)
	if err != nil {
		w.logger.Printf("Failed to load proposal %s for build job %s: %v", p.ProposalID, j.ID, err)
		return
	}
	if prop.Status != store.ProposalApproved {
		return
	}

	if err := w.store.UpdateProposalStatus(ctx, prop.ID, store.ProposalImplementing, nil); err != nil {
		w.logger.Printf("Failed to mark proposal %s implementing: %v", prop.ID, err)
		return
	}
	if _, err := w.store.InsertBranchEvent(ctx, &store.BranchEvent{
		ProjectID: project.ID, CycleID: prop.CycleID, BranchName: p.BranchName,
		EventType: store.EventBuildStarted, Actor: store.ActorBuilder,
	}); err != nil {
		w.logger.Printf("Failed to record build_started for proposal %s: %v", prop.ID, err)
	}
	if p.PipelineRunID != "" {
		running := store.RunRunning
		if err := w.store.UpdatePipelineRun(ctx, p.PipelineRunID, store.PipelineRunPatch{Stage: &running}); err != nil {
			w.logger.Printf("Failed to mark run %s running: %v", p.PipelineRunID, err)
		}
	}
}

// failJob marks the job failed and, for jobs tied to a proposal,
// drives the proposal to its terminal state so the cycle can close
func (w *Worker) failJob(ctx context.Context, project *store.Project, j *job.Job, reason string) {
	if err := w.queue.Fail(ctx, j.ID, reason); err != nil {
		w.logger.Printf("Failed to fail job %s: %v", j.ID, err)
		return
	}

	proposalID, runID := proposalRef(j)
	if proposalID == "" {
		return
	}
	if j.Type == job.TypeBuild || j.Type == job.TypeFixBuild {
		w.recordBuildFailed(ctx, project, j, proposalID, reason)
	}
	if err := w.machine.RejectProposal(ctx, project, proposalID, runID,
		fmt.Sprintf("%s stage failed: %s", j.Type, reason)); err != nil {
		w.logger.Printf("Failed to reject proposal %s after job %s: %v", proposalID, j.ID, err)
	}
}

// recordBuildFailed appends the build_failed event for a terminally
// failed build or fix_build job
func (w *Worker) recordBuildFailed(ctx context.Context, project *store.Project, j *job.Job, proposalID, reason string) {
	var cycleID, branch string
	if prop, err := w.store.GetProposal(ctx, proposalID); err == nil {
		cycleID = prop.CycleID
		branch = prop.BranchName
	}
	if _, err := w.store.InsertBranchEvent(ctx, &store.BranchEvent{
		ProjectID: project.ID, CycleID: cycleID, BranchName: branch,
		EventType: store.EventBuildFailed, Actor: store.ActorBuilder,
		EventData: fmt.Sprintf(`{"reason":%q}`, reason),
	}); err != nil {
		w.logger.Printf("Failed to record build_failed for proposal %s: %v", proposalID, err)
	}
}

// proposalRef extracts the proposal and run correlators from payloads
// that carry them
func proposalRef(j *job.Job) (proposalID, runID string) {
	switch p := j.Payload.(type) {
	case *job.BuildPayload:
		return p.ProposalID, p.PipelineRunID
	case *job.ReviewPayload:
		return p.ProposalID, p.PipelineRunID
	case *job.FixBuildPayload:
		return p.ProposalID, p.PipelineRunID
	}
	return "", ""
}

// heartbeat refreshes the job lock at a third of the stale threshold
func (w *Worker) heartbeat(ctx context.Context, jobID string) {
	interval := w.cfg.StaleThreshold / 3
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.queue.Heartbeat(ctx, jobID); err != nil {
				w.logger.Printf("Heartbeat for job %s failed: %v", jobID, err)
			}
		}
	}
}

// storeBackoff returns the sleep for a consecutive store failure
func (w *Worker) storeBackoff(err error) time.Duration {
	w.logger.Printf("Store error (consecutive %d): %v", w.storeFailures+1, err)
	d := retry.BackoffCapped(5*time.Second, w.storeFailures, w.cfg.StoreBackoffMax)
	w.storeFailures++
	return d
}
