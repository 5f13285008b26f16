package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/sallandpioneers/autoforge/internal/job"
)

const jobColumns = `id, project_id, job_type, status, payload, attempt_count,
	worker_id, locked_at, last_error, source_run_id, github_issue_number,
	created_at, completed_at`

func scanJob(scanner interface{ Scan(...any) error }) (*job.Job, error) {
	var j job.Job
	var payload string
	var lockedAt, completedAt *int64
	var createdAt int64

	err := scanner.Scan(
		&j.ID, &j.ProjectID, &j.Type, &j.Status, &payload, &j.AttemptCount,
		&j.WorkerID, &lockedAt, &j.LastError, &j.SourceRunID, &j.GithubIssueNumber,
		&createdAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}

	j.Payload, err = job.DecodePayload(j.Type, []byte(payload))
	if err != nil {
		return nil, err
	}
	j.LockedAt = fromTSPtr(lockedAt)
	j.CreatedAt = fromTS(createdAt)
	j.CompletedAt = fromTSPtr(completedAt)
	return &j, nil
}

// InsertJob persists a new pending job. A missing ID is generated.
func (s *Store) InsertJob(ctx context.Context, j *job.Job) error {
	if j.ID == "" {
		j.ID = uuid.NewString()
	}
	if j.Status == "" {
		j.Status = job.StatusPending
	}
	j.CreatedAt = time.Now()

	payload, err := job.EncodePayload(j.Payload)
	if err != nil {
		return mapErr("insert job", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO job_queue (`+jobColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		j.ID, j.ProjectID, j.Type, j.Status, string(payload), j.AttemptCount,
		j.WorkerID, tsPtr(j.LockedAt), j.LastError, j.SourceRunID, j.GithubIssueNumber,
		ts(j.CreatedAt), tsPtr(j.CompletedAt),
	)
	return mapErr("insert job", err)
}

// GetJob retrieves a job by id
func (s *Store) GetJob(ctx context.Context, id string) (*job.Job, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM job_queue WHERE id = ?`, id)
	j, err := scanJob(row)
	if err != nil {
		return nil, mapErr("get job", err)
	}
	return j, nil
}

// ClaimNextJob atomically claims the oldest pending job for workerID:
// status becomes processing, locked_at is set and attempt_count is
// incremented in a single statement. Returns ErrNotFound when the
// queue is empty. Safe under concurrent workers; each row is claimed
// by at most one. created_at has second precision, so rowid breaks
// ties in insertion order; job rows are never deleted, which keeps
// rowid monotonic.
func (s *Store) ClaimNextJob(ctx context.Context, workerID string) (*job.Job, error) {
	row := s.db.QueryRowContext(ctx,
		`UPDATE job_queue
		 SET status = 'processing', worker_id = ?, locked_at = ?, attempt_count = attempt_count + 1
		 WHERE id = (
			SELECT id FROM job_queue WHERE status = 'pending'
			ORDER BY created_at, rowid LIMIT 1
		 )
		 RETURNING `+jobColumns,
		workerID, ts(time.Now()))

	j, err := scanJob(row)
	if err != nil {
		return nil, mapErr("claim next job", err)
	}
	return j, nil
}

// JobPatch holds optional fields for UpdateJob. Nil fields are left
// untouched; ClearWorker additionally nulls worker_id and locked_at.
type JobPatch struct {
	Status       *job.Status
	LastError    *string
	AttemptCount *int
	CompletedAt  *time.Time
	ClearWorker  bool
}

// UpdateJob applies a patch to a job row
func (s *Store) UpdateJob(ctx context.Context, id string, patch JobPatch) error {
	query := `UPDATE job_queue SET id = id`
	var args []any

	if patch.Status != nil {
		query += `, status = ?`
		args = append(args, *patch.Status)
	}
	if patch.LastError != nil {
		query += `, last_error = ?`
		args = append(args, *patch.LastError)
	}
	if patch.AttemptCount != nil {
		query += `, attempt_count = ?`
		args = append(args, *patch.AttemptCount)
	}
	if patch.CompletedAt != nil {
		query += `, completed_at = ?`
		args = append(args, patch.CompletedAt.Unix())
	}
	if patch.ClearWorker {
		query += `, worker_id = NULL, locked_at = NULL`
	}
	query += ` WHERE id = ?`
	args = append(args, id)

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return mapErr("update job", err)
	}
	return requireRow(res, "update job")
}

// ReleaseJob returns a processing job to pending without consuming an
// attempt beyond the one already counted at claim time
func (s *Store) ReleaseJob(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE job_queue
		 SET status = 'pending', worker_id = NULL, locked_at = NULL, attempt_count = attempt_count - 1
		 WHERE id = ? AND status = 'processing'`,
		id)
	if err != nil {
		return mapErr("release job", err)
	}
	return requireRow(res, "release job")
}

// HeartbeatJob refreshes locked_at on a processing job so the stale
// reaper leaves long-running work alone
func (s *Store) HeartbeatJob(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE job_queue SET locked_at = ? WHERE id = ? AND status = 'processing'`,
		ts(time.Now()), id)
	if err != nil {
		return mapErr("heartbeat job", err)
	}
	return requireRow(res, "heartbeat job")
}

// ListStaleProcessing returns processing jobs whose lock is older than
// threshold
func (s *Store) ListStaleProcessing(ctx context.Context, threshold time.Duration) ([]*job.Job, error) {
	cutoff := time.Now().Add(-threshold).Unix()
	return s.queryJobs(ctx, "list stale processing",
		`SELECT `+jobColumns+` FROM job_queue
		 WHERE status = 'processing' AND locked_at IS NOT NULL AND locked_at < ?
		 ORDER BY created_at, id`,
		cutoff)
}

// ListRecentFailed returns the most recent failed jobs of the given
// types, newest first
func (s *Store) ListRecentFailed(ctx context.Context, types []job.Type, limit int) ([]*job.Job, error) {
	if len(types) == 0 || limit <= 0 {
		return nil, nil
	}
	query := `SELECT ` + jobColumns + ` FROM job_queue WHERE status = 'failed' AND job_type IN (`
	args := make([]any, 0, len(types)+1)
	for i, t := range types {
		if i > 0 {
			query += `, `
		}
		query += `?`
		args = append(args, t)
	}
	query += `) ORDER BY created_at DESC, rowid DESC LIMIT ?`
	args = append(args, limit)

	return s.queryJobs(ctx, "list recent failed", query, args...)
}

// ResetJobForRetry returns a job to pending with a fresh attempt budget
func (s *Store) ResetJobForRetry(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE job_queue
		 SET status = 'pending', worker_id = NULL, locked_at = NULL, attempt_count = 0
		 WHERE id = ?`,
		id)
	if err != nil {
		return mapErr("reset job for retry", err)
	}
	return requireRow(res, "reset job for retry")
}

// FailJobsForProposal fails every live job whose payload references
// the proposal. Payloads are JSON blobs, so the match is on the
// serialized proposal_id field. Returns the number of jobs failed.
func (s *Store) FailJobsForProposal(ctx context.Context, proposalID, reason string) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE job_queue
		 SET status = 'failed', worker_id = NULL, locked_at = NULL, last_error = ?
		 WHERE status IN ('pending', 'processing') AND payload LIKE ?`,
		reason, `%"proposal_id":"`+proposalID+`"%`)
	if err != nil {
		return 0, mapErr("fail jobs for proposal", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, mapErr("fail jobs for proposal", err)
	}
	return int(n), nil
}

// HasLiveJob reports whether a pending or processing job of the given
// type exists for the project
func (s *Store) HasLiveJob(ctx context.Context, projectID string, jobType job.Type) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM job_queue
		 WHERE project_id = ? AND job_type = ? AND status IN ('pending', 'processing')`,
		projectID, jobType).Scan(&n)
	return n > 0, mapErr("has live job", err)
}

// CountJobsByStatus returns queue counts per status across all projects
func (s *Store) CountJobsByStatus(ctx context.Context) (map[job.Status]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM job_queue GROUP BY status`)
	if err != nil {
		return nil, mapErr("count jobs", err)
	}
	defer rows.Close()

	counts := make(map[job.Status]int)
	for rows.Next() {
		var status job.Status
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, mapErr("count jobs", err)
		}
		counts[status] = n
	}
	return counts, mapErr("count jobs", rows.Err())
}

// ListProcessingJobs returns every job currently marked processing
func (s *Store) ListProcessingJobs(ctx context.Context) ([]*job.Job, error) {
	return s.queryJobs(ctx, "list processing jobs",
		`SELECT `+jobColumns+` FROM job_queue WHERE status = 'processing' ORDER BY created_at, id`)
}

func (s *Store) queryJobs(ctx context.Context, op, query string, args ...any) ([]*job.Job, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapErr(op, err)
	}
	defer rows.Close()

	var jobs []*job.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, mapErr(op, err)
		}
		jobs = append(jobs, j)
	}
	return jobs, mapErr(op, rows.Err())
}

// IsNotFound reports whether err is the store's not-found error
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, sql.ErrNoRows)
}
