package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const projectColumns = `id, repo_ref, installation_id, default_branch, autonomy_mode,
	max_concurrent_branches, risk_paths, paused, merge_in_progress, merge_locked_at,
	scout_schedule, wild_card_frequency, product_context, strategic_nudges,
	created_at, updated_at`

func scanProject(scanner interface{ Scan(...any) error }) (*Project, error) {
	var p Project
	var riskPaths, nudges string
	var mergeLockedAt *int64
	var createdAt, updatedAt int64

	err := scanner.Scan(
		&p.ID, &p.RepoRef, &p.InstallationID, &p.DefaultBranch, &p.AutonomyMode,
		&p.MaxConcurrentBranches, &riskPaths, &p.Paused, &p.MergeInProgress, &mergeLockedAt,
		&p.ScoutSchedule, &p.WildCardFrequency, &p.ProductContext, &nudges,
		&createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	p.RiskPaths = decodeList(riskPaths)
	p.StrategicNudges = decodeList(nudges)
	p.MergeLockedAt = fromTSPtr(mergeLockedAt)
	p.CreatedAt = fromTS(createdAt)
	p.UpdatedAt = fromTS(updatedAt)
	return &p, nil
}

// InsertProject persists a new project. A missing ID is generated.
func (s *Store) InsertProject(ctx context.Context, p *Project) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	now := time.Now()
	p.CreatedAt = now
	p.UpdatedAt = now
	if p.DefaultBranch == "" {
		p.DefaultBranch = "main"
	}
	if p.MaxConcurrentBranches < 1 {
		p.MaxConcurrentBranches = 1
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO projects (`+projectColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.RepoRef, p.InstallationID, p.DefaultBranch, p.AutonomyMode,
		p.MaxConcurrentBranches, encodeList(p.RiskPaths), p.Paused, p.MergeInProgress, tsPtr(p.MergeLockedAt),
		p.ScoutSchedule, p.WildCardFrequency, p.ProductContext, encodeList(p.StrategicNudges),
		ts(p.CreatedAt), ts(p.UpdatedAt),
	)
	return mapErr("insert project", err)
}

// GetProject retrieves a project by id
func (s *Store) GetProject(ctx context.Context, id string) (*Project, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+projectColumns+` FROM projects WHERE id = ?`, id)
	p, err := scanProject(row)
	if err != nil {
		return nil, mapErr("get project", err)
	}
	return p, nil
}

// ListProjects returns all projects, used by the supervisor sweeps
func (s *Store) ListProjects(ctx context.Context) ([]*Project, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+projectColumns+` FROM projects ORDER BY created_at, id`)
	if err != nil {
		return nil, mapErr("list projects", err)
	}
	defer rows.Close()

	var projects []*Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, mapErr("list projects", err)
		}
		projects = append(projects, p)
	}
	return projects, mapErr("list projects", rows.Err())
}

// SetProjectPaused flips the pause flag
func (s *Store) SetProjectPaused(ctx context.Context, id string, paused bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE projects SET paused = ?, updated_at = ? WHERE id = ?`,
		paused, ts(time.Now()), id)
	if err != nil {
		return mapErr("set project paused", err)
	}
	return requireRow(res, "set project paused")
}

// TryAcquireMergeLock attempts the per-project merge lock with a
// conditional update. Returns false when another merge holds the lock.
func (s *Store) TryAcquireMergeLock(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE projects SET merge_in_progress = 1, merge_locked_at = ?, updated_at = ?
		 WHERE id = ? AND merge_in_progress = 0`,
		ts(time.Now()), ts(time.Now()), id)
	if err != nil {
		return false, mapErr("acquire merge lock", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, mapErr("acquire merge lock", err)
	}
	return n == 1, nil
}

// ReleaseMergeLock releases the merge lock unconditionally
func (s *Store) ReleaseMergeLock(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE projects SET merge_in_progress = 0, merge_locked_at = NULL, updated_at = ?
		 WHERE id = ?`,
		ts(time.Now()), id)
	return mapErr("release merge lock", err)
}

// ReleaseStaleMergeLocks frees merge locks held longer than threshold
// and returns the affected project ids
func (s *Store) ReleaseStaleMergeLocks(ctx context.Context, threshold time.Duration) ([]string, error) {
	cutoff := time.Now().Add(-threshold).Unix()
	rows, err := s.db.QueryContext(ctx,
		`UPDATE projects SET merge_in_progress = 0, merge_locked_at = NULL, updated_at = ?
		 WHERE merge_in_progress = 1 AND merge_locked_at IS NOT NULL AND merge_locked_at < ?
		 RETURNING id`,
		ts(time.Now()), cutoff)
	if err != nil {
		return nil, mapErr("release stale merge locks", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, mapErr("release stale merge locks", err)
		}
		ids = append(ids, id)
	}
	return ids, mapErr("release stale merge locks", rows.Err())
}

// requireRow converts a zero-row update into ErrNotFound
func requireRow(res sql.Result, op string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return mapErr(op, err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	return nil
}
