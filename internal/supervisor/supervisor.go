// Package supervisor runs the worker as a supervised child process
// and keeps the system healthy around it: stale-job sweeps,
// recoverable-failure requeues, merge-lock release, idle detection,
// and the periodic operator digest.
package supervisor

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/gofrs/flock"
	"github.com/robfig/cron/v3"

	"github.com/sallandpioneers/autoforge/internal/config"
	"github.com/sallandpioneers/autoforge/internal/hosting"
	"github.com/sallandpioneers/autoforge/internal/job"
	"github.com/sallandpioneers/autoforge/internal/notify"
	"github.com/sallandpioneers/autoforge/internal/queue"
	"github.com/sallandpioneers/autoforge/internal/retry"
	"github.com/sallandpioneers/autoforge/internal/store"
)

// Watchdog is the optional diagnosis pass invoked from the health
// sweep when no build is active
type Watchdog interface {
	Run(ctx context.Context) error
}

// Supervisor owns the worker child and the periodic sweeps
type Supervisor struct {
	cfg       config.SupervisorConfig
	workerCfg config.WorkerConfig

	store    *store.Store
	queue    *queue.Queue
	tokens   hosting.TokenProvider
	notifier notify.Notifier
	watchdog Watchdog // nil when disabled
	logger   *log.Logger

	child *childProcess
	lock  *flock.Flock

	startedAt time.Time
	restarts  int
	lastSweep time.Time
}

// New creates a supervisor. watchdog may be nil.
func New(cfg config.SupervisorConfig, workerCfg config.WorkerConfig, s *store.Store, q *queue.Queue,
	tokens hosting.TokenProvider, notifier notify.Notifier, watchdog Watchdog, logger *log.Logger) *Supervisor {
	return &Supervisor{
		cfg:       cfg,
		workerCfg: workerCfg,
		store:     s,
		queue:     q,
		tokens:    tokens,
		notifier:  notifier,
		watchdog:  watchdog,
		logger:    logger,
		startedAt: time.Now(),
		lastSweep: time.Now(),
	}
}

// Run supervises until the context is cancelled. Only one supervisor
// may run per host; a second instance fails fast on the lock file.
func (s *Supervisor) Run(ctx context.Context) error {
	if s.cfg.LockFile != "" {
		s.lock = flock.New(s.cfg.LockFile)
		locked, err := s.lock.TryLock()
		if err != nil {
			return fmt.Errorf("failed to acquire supervisor lock: %w", err)
		}
		if !locked {
			return fmt.Errorf("another supervisor holds %s", s.cfg.LockFile)
		}
		defer s.lock.Unlock()
	}

	s.child = newChildProcess(s.cfg, s.logger)
	go s.superviseChild(ctx)

	healthTicker := time.NewTicker(s.cfg.HealthInterval)
	defer healthTicker.Stop()
	digestTicker := time.NewTicker(s.cfg.DigestInterval)
	defer digestTicker.Stop()

	s.logger.Printf("Supervisor started (health %s, digest %s)", s.cfg.HealthInterval, s.cfg.DigestInterval)

	for {
		select {
		case <-ctx.Done():
			s.child.Stop()
			return ctx.Err()
		case <-healthTicker.C:
			if err := s.HealthSweep(ctx); err != nil {
				s.logger.Printf("Health sweep failed: %v", err)
			}
		case <-digestTicker.C:
			s.Digest(ctx)
		}
	}
}

// superviseChild keeps the worker child alive, restarting with
// exponential backoff on non-graceful exits
func (s *Supervisor) superviseChild(ctx context.Context) {
	consecutive := 0
	for {
		if ctx.Err() != nil {
			return
		}

		graceful, err := s.child.RunOnce(ctx)
		if graceful || ctx.Err() != nil {
			return
		}
		s.restarts++
		consecutive++

		delay := retry.BackoffCapped(s.cfg.RestartBackoffBase, consecutive-1, s.cfg.RestartBackoffMax)
		s.logger.Printf("Worker exited (%v); restart %d in %s", err, s.restarts, delay)

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

// HealthSweep runs the periodic recovery pass
func (s *Supervisor) HealthSweep(ctx context.Context) error {
	now := time.Now()
	defer func() { s.lastSweep = now }()

	// Stale processing jobs go back to pending, attempts preserved
	if _, _, err := s.queue.ReapStale(ctx, s.workerCfg.StaleThreshold, s.workerCfg.MaxAttempts); err != nil {
		return fmt.Errorf("stale reap failed: %w", err)
	}

	if err := s.requeueRecoverable(ctx); err != nil {
		return err
	}

	released, err := s.store.ReleaseStaleMergeLocks(ctx, s.cfg.MergeLockThreshold)
	if err != nil {
		return fmt.Errorf("failed to release stale merge locks: %w", err)
	}
	for _, id := range released {
		s.logger.Printf("Released stale merge lock on project %s", id)
		s.notifier.Notify(ctx, id, fmt.Sprintf("Released merge lock held over %s on project %s", s.cfg.MergeLockThreshold, id))
	}

	if err := s.tokens.EnsureValid(ctx); err != nil {
		s.logger.Printf("Token refresh in sweep failed: %v", err)
	}

	if s.child != nil && !s.child.Alive() {
		s.logger.Printf("Worker child not running; supervise loop will respawn")
	}

	if err := s.scheduleScouts(ctx, now); err != nil {
		return err
	}

	if s.watchdog != nil {
		if active, err := s.buildActive(ctx); err == nil && !active {
			if err := s.watchdog.Run(ctx); err != nil {
				s.logger.Printf("Watchdog run failed: %v", err)
			}
		}
	}
	return nil
}

// requeueRecoverable resets build/review jobs whose failure matches a
// recoverable pattern so they get a fresh attempt budget
func (s *Supervisor) requeueRecoverable(ctx context.Context) error {
	failed, err := s.store.ListRecentFailed(ctx, []job.Type{job.TypeBuild, job.TypeReview}, 20)
	if err != nil {
		return fmt.Errorf("failed to list failed jobs: %w", err)
	}
	for _, j := range failed {
		if !retry.IsRecoverable(j.LastError) {
			continue
		}
		if err := s.store.ResetJobForRetry(ctx, j.ID); err != nil {
			return fmt.Errorf("failed to requeue job %s: %w", j.ID, err)
		}
		s.logger.Printf("Requeued %s job %s after recoverable failure: %s", j.Type, j.ID, j.LastError)
	}
	return nil
}

// scheduleScouts inserts scout jobs for idle projects. A project with
// a cron schedule gets a scout only when the schedule fired since the
// last sweep; without one, a fully idle queue triggers the scout.
func (s *Supervisor) scheduleScouts(ctx context.Context, now time.Time) error {
	counts, err := s.store.CountJobsByStatus(ctx)
	if err != nil {
		return fmt.Errorf("failed to count jobs: %w", err)
	}
	queueIdle := counts[job.StatusPending] == 0 && counts[job.StatusProcessing] == 0

	projects, err := s.store.ListProjects(ctx)
	if err != nil {
		return fmt.Errorf("failed to list projects: %w", err)
	}

	for _, p := range projects {
		if p.AutonomyMode != store.ModeAutomate || p.Paused {
			continue
		}

		due := queueIdle
		if p.ScoutSchedule != "" {
			// An explicit schedule throttles the cycle; idleness alone
			// does not start one
			sched, err := cron.ParseStandard(p.ScoutSchedule)
			if err != nil {
				s.logger.Printf("Invalid scout schedule %q on project %s: %v", p.ScoutSchedule, p.ID, err)
				continue
			}
			due = !sched.Next(s.lastSweep).After(now)
		}
		if !due {
			continue
		}

		active, err := s.store.CountActiveBranches(ctx, p.ID)
		if err != nil {
			return fmt.Errorf("failed to count branches: %w", err)
		}
		if active > 0 {
			continue
		}
		live, err := s.store.HasLiveJob(ctx, p.ID, job.TypeScout)
		if err != nil {
			return fmt.Errorf("failed to check live scout: %w", err)
		}
		if live {
			continue
		}

		scout := &job.Job{ProjectID: p.ID, Type: job.TypeScout, Payload: &job.ScoutPayload{}}
		if err := s.store.InsertJob(ctx, scout); err != nil {
			return fmt.Errorf("failed to insert scout: %w", err)
		}
		if _, err := s.store.InsertBranchEvent(ctx, &store.BranchEvent{
			ProjectID: p.ID,
			CycleID:   scout.ID,
			EventType: store.EventCycleStarted,
			Actor:     store.ActorSupervisor,
		}); err != nil {
			return fmt.Errorf("failed to record cycle start: %w", err)
		}
		s.logger.Printf("Inserted scout for idle project %s", p.ID)
	}
	return nil
}

// buildActive reports whether any build or fix_build job is currently
// processing
func (s *Supervisor) buildActive(ctx context.Context) (bool, error) {
	processing, err := s.store.ListProcessingJobs(ctx)
	if err != nil {
		return false, err
	}
	for _, j := range processing {
		if j.Type == job.TypeBuild || j.Type == job.TypeFixBuild {
			return true, nil
		}
	}
	return false, nil
}

// Digest publishes the periodic status summary
func (s *Supervisor) Digest(ctx context.Context) {
	counts, err := s.store.CountJobsByStatus(ctx)
	if err != nil {
		s.logger.Printf("Digest failed to count jobs: %v", err)
		return
	}

	var merged, building int
	projects, err := s.store.ListProjects(ctx)
	if err != nil {
		s.logger.Printf("Digest failed to list projects: %v", err)
		return
	}
	for _, p := range projects {
		pc, err := s.store.CountProposalsByStatus(ctx, p.ID)
		if err != nil {
			s.logger.Printf("Digest failed to count proposals: %v", err)
			return
		}
		merged += pc[store.ProposalDone]
		building += pc[store.ProposalImplementing]
	}

	msg := fmt.Sprintf("Pipeline digest: %d processing, %d pending, %d failed jobs; %d proposals merged, %d building; uptime %s, %d worker restarts",
		counts[job.StatusProcessing], counts[job.StatusPending], counts[job.StatusFailed],
		merged, building, time.Since(s.startedAt).Round(time.Second), s.restarts)
	s.notifier.Notify(ctx, "", msg)
}

// Restarts returns how many times the worker child was restarted
func (s *Supervisor) Restarts() int { return s.restarts }
