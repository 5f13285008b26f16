package store

import (
	"context"
	"time"

	"github.com/google/uuid"
)

const proposalColumns = `id, project_id, cycle_id, title, spec, rationale, priority,
	impact_score, feasibility_score, novelty_score, alignment_score,
	status, is_wild_card, branch_name, reject_reason, created_at, updated_at`

func scanProposal(scanner interface{ Scan(...any) error }) (*Proposal, error) {
	var p Proposal
	var cycleID, branchName *string
	var createdAt, updatedAt int64

	err := scanner.Scan(
		&p.ID, &p.ProjectID, &cycleID, &p.Title, &p.Spec, &p.Rationale, &p.Priority,
		&p.ImpactScore, &p.FeasibilityScore, &p.NoveltyScore, &p.AlignmentScore,
		&p.Status, &p.IsWildCard, &branchName, &p.RejectReason, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	if cycleID != nil {
		p.CycleID = *cycleID
	}
	if branchName != nil {
		p.BranchName = *branchName
	}
	p.CreatedAt = fromTS(createdAt)
	p.UpdatedAt = fromTS(updatedAt)
	return &p, nil
}

// InsertProposal persists a new proposal. A missing ID is generated and
// status defaults to draft.
func (s *Store) InsertProposal(ctx context.Context, p *Proposal) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.Status == "" {
		p.Status = ProposalDraft
	}
	now := time.Now()
	p.CreatedAt = now
	p.UpdatedAt = now

	var cycleID *string
	if p.CycleID != "" {
		cycleID = &p.CycleID
	}
	var branchName *string
	if p.BranchName != "" {
		branchName = &p.BranchName
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO proposals (`+proposalColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.ProjectID, cycleID, p.Title, p.Spec, p.Rationale, p.Priority,
		p.ImpactScore, p.FeasibilityScore, p.NoveltyScore, p.AlignmentScore,
		p.Status, p.IsWildCard, branchName, p.RejectReason, ts(p.CreatedAt), ts(p.UpdatedAt),
	)
	return mapErr("insert proposal", err)
}

// GetProposal retrieves a proposal by id
func (s *Store) GetProposal(ctx context.Context, id string) (*Proposal, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+proposalColumns+` FROM proposals WHERE id = ?`, id)
	p, err := scanProposal(row)
	if err != nil {
		return nil, mapErr("get proposal", err)
	}
	return p, nil
}

// ListDraftProposals returns draft proposals for a project, optionally
// restricted to one cycle, in insertion order
func (s *Store) ListDraftProposals(ctx context.Context, projectID, cycleID string) ([]*Proposal, error) {
	query := `SELECT ` + proposalColumns + ` FROM proposals
		WHERE project_id = ? AND status = 'draft'`
	args := []any{projectID}
	if cycleID != "" {
		query += ` AND cycle_id = ?`
		args = append(args, cycleID)
	}
	query += ` ORDER BY created_at, id`

	return s.queryProposals(ctx, "list draft proposals", query, args...)
}

// ListCycleProposals returns every proposal tagged with a cycle
func (s *Store) ListCycleProposals(ctx context.Context, projectID, cycleID string) ([]*Proposal, error) {
	return s.queryProposals(ctx, "list cycle proposals",
		`SELECT `+proposalColumns+` FROM proposals
		 WHERE project_id = ? AND cycle_id = ? ORDER BY created_at, id`,
		projectID, cycleID)
}

func (s *Store) queryProposals(ctx context.Context, op, query string, args ...any) ([]*Proposal, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapErr(op, err)
	}
	defer rows.Close()

	var proposals []*Proposal
	for rows.Next() {
		p, err := scanProposal(rows)
		if err != nil {
			return nil, mapErr(op, err)
		}
		proposals = append(proposals, p)
	}
	return proposals, mapErr(op, rows.Err())
}

// CountActiveBranches counts proposals occupying a branch slot
// (status approved or implementing)
func (s *Store) CountActiveBranches(ctx context.Context, projectID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM proposals
		 WHERE project_id = ? AND status IN ('approved', 'implementing')`,
		projectID).Scan(&n)
	return n, mapErr("count active branches", err)
}

// CountProposalsByStatus returns proposal counts per status for a
// project, used by the supervisor digest
func (s *Store) CountProposalsByStatus(ctx context.Context, projectID string) (map[ProposalStatus]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM proposals WHERE project_id = ? GROUP BY status`,
		projectID)
	if err != nil {
		return nil, mapErr("count proposals", err)
	}
	defer rows.Close()

	counts := make(map[ProposalStatus]int)
	for rows.Next() {
		var status ProposalStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, mapErr("count proposals", err)
		}
		counts[status] = n
	}
	return counts, mapErr("count proposals", rows.Err())
}

// ProposalPatch holds optional fields for UpdateProposalStatus
type ProposalPatch struct {
	BranchName   *string
	RejectReason *string
}

// UpdateProposalStatus transitions a proposal and applies the patch
func (s *Store) UpdateProposalStatus(ctx context.Context, id string, status ProposalStatus, patch *ProposalPatch) error {
	query := `UPDATE proposals SET status = ?, updated_at = ?`
	args := []any{status, ts(time.Now())}

	if patch != nil {
		if patch.BranchName != nil {
			query += `, branch_name = ?`
			args = append(args, *patch.BranchName)
		}
		if patch.RejectReason != nil {
			query += `, reject_reason = ?`
			args = append(args, *patch.RejectReason)
		}
	}
	query += ` WHERE id = ?`
	args = append(args, id)

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return mapErr("update proposal status", err)
	}
	return requireRow(res, "update proposal status")
}
