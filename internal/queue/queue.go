// Package queue implements the claim / complete / heartbeat /
// stale-reap protocol over the durable job table. Claim atomicity
// lives in the store; this package owns the protocol decisions around
// it.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/sallandpioneers/autoforge/internal/job"
	"github.com/sallandpioneers/autoforge/internal/store"
)

// ErrEmpty signals that no pending job was available to claim
var ErrEmpty = errors.New("queue empty")

// Queue coordinates job lifecycle against the store
type Queue struct {
	store  *store.Store
	logger *log.Logger
}

// New creates a queue over the given store
func New(s *store.Store, logger *log.Logger) *Queue {
	return &Queue{store: s, logger: logger}
}

// Claim atomically claims the oldest pending job for workerID.
// Returns ErrEmpty when nothing is pending.
func (q *Queue) Claim(ctx context.Context, workerID string) (*job.Job, error) {
	j, err := q.store.ClaimNextJob(ctx, workerID)
	if err != nil {
		if store.IsNotFound(err) {
			return nil, ErrEmpty
		}
		return nil, fmt.Errorf("failed to claim job: %w", err)
	}
	return j, nil
}

// Complete marks a job done
func (q *Queue) Complete(ctx context.Context, id string) error {
	done := job.StatusDone
	now := time.Now()
	return q.store.UpdateJob(ctx, id, store.JobPatch{Status: &done, CompletedAt: &now})
}

// Fail marks a job failed with a reason
func (q *Queue) Fail(ctx context.Context, id, reason string) error {
	failed := job.StatusFailed
	now := time.Now()
	return q.store.UpdateJob(ctx, id, store.JobPatch{
		Status:      &failed,
		LastError:   &reason,
		CompletedAt: &now,
		ClearWorker: true,
	})
}

// Retry returns a failed-attempt job to pending. The attempt consumed
// at claim time stays counted; the recorded error is kept for
// classification by later sweeps.
func (q *Queue) Retry(ctx context.Context, id, reason string) error {
	pending := job.StatusPending
	return q.store.UpdateJob(ctx, id, store.JobPatch{
		Status:      &pending,
		LastError:   &reason,
		ClearWorker: true,
	})
}

// Release returns a claimed job to pending without consuming the
// attempt, used when the worker declines the job (e.g. paused project)
func (q *Queue) Release(ctx context.Context, id string) error {
	return q.store.ReleaseJob(ctx, id)
}

// Heartbeat refreshes the lock on a long-running job
func (q *Queue) Heartbeat(ctx context.Context, id string) error {
	return q.store.HeartbeatJob(ctx, id)
}

// ReapStale sweeps processing jobs whose lock is older than threshold.
// Rows with remaining attempt budget return to pending with their
// attempt count preserved; exhausted rows are failed with reason
// "stale". Returns (reset, failed) counts.
func (q *Queue) ReapStale(ctx context.Context, threshold time.Duration, maxAttempts int) (int, int, error) {
	stale, err := q.store.ListStaleProcessing(ctx, threshold)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to list stale jobs: %w", err)
	}

	var reset, failed int
	for _, j := range stale {
		if j.AttemptCount < maxAttempts {
			pending := job.StatusPending
			if err := q.store.UpdateJob(ctx, j.ID, store.JobPatch{Status: &pending, ClearWorker: true}); err != nil {
				return reset, failed, fmt.Errorf("failed to reset stale job %s: %w", j.ID, err)
			}
			q.logger.Printf("Reset stale job %s (%s, attempt %d)", j.ID, j.Type, j.AttemptCount)
			reset++
		} else {
			if err := q.Fail(ctx, j.ID, "stale"); err != nil {
				return reset, failed, fmt.Errorf("failed to fail stale job %s: %w", j.ID, err)
			}
			q.logger.Printf("Failed stale job %s (%s) after %d attempts", j.ID, j.Type, j.AttemptCount)
			failed++
		}
	}
	return reset, failed, nil
}
