package store

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// InsertBranchEvent appends an event to the log. For cycle_completed
// events the (project, cycle, type) uniqueness guard makes the insert
// idempotent: a duplicate returns inserted=false with no error.
func (s *Store) InsertBranchEvent(ctx context.Context, ev *BranchEvent) (bool, error) {
	ev.CreatedAt = time.Now()
	if ev.EventData == "" {
		ev.EventData = "{}"
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO branch_events (project_id, cycle_id, branch_name, event_type, event_data, actor, commit_sha, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT DO NOTHING`,
		ev.ProjectID, ev.CycleID, ev.BranchName, ev.EventType, ev.EventData, ev.Actor, ev.CommitSHA, ts(ev.CreatedAt))
	if err != nil {
		return false, mapErr("insert branch event", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, mapErr("insert branch event", err)
	}
	if n == 0 {
		return false, nil
	}
	id, err := res.LastInsertId()
	if err != nil {
		return false, mapErr("insert branch event", err)
	}
	ev.ID = id
	return true, nil
}

// ListRecentEvents returns the newest events for a project, newest first
func (s *Store) ListRecentEvents(ctx context.Context, projectID string, limit int) ([]*BranchEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, project_id, cycle_id, branch_name, event_type, event_data, actor, commit_sha, created_at
		 FROM branch_events WHERE project_id = ? ORDER BY id DESC LIMIT ?`,
		projectID, limit)
	if err != nil {
		return nil, mapErr("list recent events", err)
	}
	defer rows.Close()

	var events []*BranchEvent
	for rows.Next() {
		var ev BranchEvent
		var createdAt int64
		if err := rows.Scan(&ev.ID, &ev.ProjectID, &ev.CycleID, &ev.BranchName,
			&ev.EventType, &ev.EventData, &ev.Actor, &ev.CommitSHA, &createdAt); err != nil {
			return nil, mapErr("list recent events", err)
		}
		ev.CreatedAt = fromTS(createdAt)
		events = append(events, &ev)
	}
	return events, mapErr("list recent events", rows.Err())
}

// CountEvents counts events of one type for a project and cycle
func (s *Store) CountEvents(ctx context.Context, projectID, cycleID, eventType string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM branch_events WHERE project_id = ? AND cycle_id = ? AND event_type = ?`,
		projectID, cycleID, eventType).Scan(&n)
	return n, mapErr("count events", err)
}

// InsertCheckpoint records a recoverable commit pointer
func (s *Store) InsertCheckpoint(ctx context.Context, cp *Checkpoint) error {
	if cp.ID == "" {
		cp.ID = uuid.NewString()
	}
	cp.CreatedAt = time.Now()
	if cp.Metadata == "" {
		cp.Metadata = "{}"
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO checkpoints (id, project_id, cycle_id, proposal_id, kind, commit_sha, pr_number, branch_name, metadata, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		cp.ID, cp.ProjectID, cp.CycleID, cp.ProposalID, cp.Kind, cp.CommitSHA, cp.PRNumber, cp.BranchName, cp.Metadata, ts(cp.CreatedAt))
	return mapErr("insert checkpoint", err)
}

// ListCheckpoints returns checkpoints for a project, newest first
func (s *Store) ListCheckpoints(ctx context.Context, projectID string, limit int) ([]*Checkpoint, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, project_id, cycle_id, proposal_id, kind, commit_sha, pr_number, branch_name, metadata, created_at
		 FROM checkpoints WHERE project_id = ? ORDER BY created_at DESC, id DESC LIMIT ?`,
		projectID, limit)
	if err != nil {
		return nil, mapErr("list checkpoints", err)
	}
	defer rows.Close()

	var checkpoints []*Checkpoint
	for rows.Next() {
		var cp Checkpoint
		var createdAt int64
		if err := rows.Scan(&cp.ID, &cp.ProjectID, &cp.CycleID, &cp.ProposalID, &cp.Kind,
			&cp.CommitSHA, &cp.PRNumber, &cp.BranchName, &cp.Metadata, &createdAt); err != nil {
			return nil, mapErr("list checkpoints", err)
		}
		cp.CreatedAt = fromTS(createdAt)
		checkpoints = append(checkpoints, &cp)
	}
	return checkpoints, mapErr("list checkpoints", rows.Err())
}

// InsertPipelineRun starts a new run record in the queued stage
func (s *Store) InsertPipelineRun(ctx context.Context, projectID, proposalID string) (*PipelineRun, error) {
	run := &PipelineRun{
		ID:         uuid.NewString(),
		ProjectID:  projectID,
		ProposalID: proposalID,
		Stage:      RunQueued,
		StartedAt:  time.Now(),
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO pipeline_runs (id, project_id, proposal_id, stage, pr_number, result, started_at)
		 VALUES (?, ?, ?, ?, 0, '', ?)`,
		run.ID, run.ProjectID, run.ProposalID, run.Stage, ts(run.StartedAt))
	if err != nil {
		return nil, mapErr("insert pipeline run", err)
	}
	return run, nil
}

// PipelineRunPatch holds optional fields for UpdatePipelineRun
type PipelineRunPatch struct {
	Stage    *string
	Result   *string
	PRNumber *int
	Complete bool
}

// UpdatePipelineRun applies a patch to a run row
func (s *Store) UpdatePipelineRun(ctx context.Context, id string, patch PipelineRunPatch) error {
	query := `UPDATE pipeline_runs SET id = id`
	var args []any

	if patch.Stage != nil {
		query += `, stage = ?`
		args = append(args, *patch.Stage)
	}
	if patch.Result != nil {
		query += `, result = ?`
		args = append(args, *patch.Result)
	}
	if patch.PRNumber != nil {
		query += `, pr_number = ?`
		args = append(args, *patch.PRNumber)
	}
	if patch.Complete {
		query += `, completed_at = ?`
		args = append(args, ts(time.Now()))
	}
	query += ` WHERE id = ?`
	args = append(args, id)

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return mapErr("update pipeline run", err)
	}
	return requireRow(res, "update pipeline run")
}

// FindPipelineRun locates the newest run for a proposal correlator
func (s *Store) FindPipelineRun(ctx context.Context, projectID, proposalID string) (*PipelineRun, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, project_id, proposal_id, stage, pr_number, result, started_at, completed_at
		 FROM pipeline_runs WHERE project_id = ? AND proposal_id = ?
		 ORDER BY started_at DESC, id DESC LIMIT 1`,
		projectID, proposalID)

	var run PipelineRun
	var startedAt int64
	var completedAt *int64
	err := row.Scan(&run.ID, &run.ProjectID, &run.ProposalID, &run.Stage,
		&run.PRNumber, &run.Result, &startedAt, &completedAt)
	if err != nil {
		return nil, mapErr("find pipeline run", err)
	}
	run.StartedAt = fromTS(startedAt)
	run.CompletedAt = fromTSPtr(completedAt)
	return &run, nil
}

// InsertStrategyMemory persists an advisory record for the strategist
func (s *Store) InsertStrategyMemory(ctx context.Context, m *StrategyMemory) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	m.CreatedAt = time.Now()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO strategy_memory (id, project_id, proposal_id, kind, content, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		m.ID, m.ProjectID, m.ProposalID, m.Kind, m.Content, ts(m.CreatedAt))
	return mapErr("insert strategy memory", err)
}

// InsertUserIdea persists an operator suggestion
func (s *Store) InsertUserIdea(ctx context.Context, idea *UserIdea) error {
	if idea.ID == "" {
		idea.ID = uuid.NewString()
	}
	idea.CreatedAt = time.Now()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO user_ideas (id, project_id, title, body, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		idea.ID, idea.ProjectID, idea.Title, idea.Body, ts(idea.CreatedAt))
	return mapErr("insert user idea", err)
}

// InsertFinding persists a scout observation
func (s *Store) InsertFinding(ctx context.Context, f *Finding) error {
	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	f.CreatedAt = time.Now()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO findings (id, project_id, cycle_id, title, detail, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		f.ID, f.ProjectID, f.CycleID, f.Title, f.Detail, ts(f.CreatedAt))
	return mapErr("insert finding", err)
}

// InsertRunLog appends an operator-visible log line
func (s *Store) InsertRunLog(ctx context.Context, projectID, jobID, line string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO run_logs (project_id, job_id, line, created_at)
		 VALUES (?, ?, ?, ?)`,
		projectID, jobID, line, ts(time.Now()))
	return mapErr("insert run log", err)
}

// ListRecentRunLogs returns the newest log lines, newest first
func (s *Store) ListRecentRunLogs(ctx context.Context, limit int) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT line FROM run_logs ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, mapErr("list run logs", err)
	}
	defer rows.Close()

	var lines []string
	for rows.Next() {
		var line string
		if err := rows.Scan(&line); err != nil {
			return nil, mapErr("list run logs", err)
		}
		lines = append(lines, line)
	}
	return lines, mapErr("list run logs", rows.Err())
}

// ThreadAnchor returns the notification thread anchor for a key, or
// empty when none is recorded
func (s *Store) ThreadAnchor(ctx context.Context, key string) (string, error) {
	var anchor string
	err := s.db.QueryRowContext(ctx,
		`SELECT anchor FROM thread_anchors WHERE thread_key = ?`, key).Scan(&anchor)
	if IsNotFound(mapErr("thread anchor", err)) {
		return "", nil
	}
	if err != nil {
		return "", mapErr("thread anchor", err)
	}
	return anchor, nil
}

// SetThreadAnchor records the anchor for a thread key
func (s *Store) SetThreadAnchor(ctx context.Context, key, anchor string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO thread_anchors (thread_key, anchor, created_at) VALUES (?, ?, ?)
		 ON CONFLICT(thread_key) DO UPDATE SET anchor = excluded.anchor`,
		key, anchor, ts(time.Now()))
	return mapErr("set thread anchor", err)
}
