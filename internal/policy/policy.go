// Package policy implements the autonomy policy: after strategize,
// pick at most one draft proposal to approve and reject the rest. The
// decision itself is a pure function; Runner applies the side effects.
package policy

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/sallandpioneers/autoforge/internal/store"
)

var slugPattern = regexp.MustCompile(`[^a-z0-9]+`)

// Slugify turns a proposal title into a branch-safe slug: lowercase,
// runs of non-alphanumerics collapse to "-", trimmed and capped at 40
// characters.
func Slugify(title string) string {
	slug := strings.ToLower(title)
	slug = slugPattern.ReplaceAllString(slug, "-")
	slug = strings.Trim(slug, "-")
	if len(slug) > 40 {
		slug = strings.TrimRight(slug[:40], "-")
	}
	return slug
}

// BranchName derives the proposal branch from its title
func BranchName(title string) string {
	return "proposals/" + Slugify(title)
}

// Decision is the outcome of one policy evaluation
type Decision struct {
	// Winner is nil when nothing should be approved
	Winner *store.Proposal

	// BranchName is set when Winner is set
	BranchName string

	// Rejected lists the drafts to reject, paired with reasons
	Rejected []Rejection
}

// Rejection pairs a losing proposal with its reject reason
type Rejection struct {
	Proposal *store.Proposal
	Reason   string
}

// Select evaluates the policy over the cycle's drafts. drafts must be
// in insertion order; activeBranches counts approved and implementing
// proposals across the project.
func Select(project *store.Project, drafts []*store.Proposal, activeBranches int, minScore float64) Decision {
	if project.Paused || project.AutonomyMode == store.ModeAudit {
		return Decision{}
	}

	slots := project.MaxConcurrentBranches - activeBranches
	if slots <= 0 {
		return Decision{}
	}

	// Stable sort keeps insertion order for ties
	sorted := make([]*store.Proposal, len(drafts))
	copy(sorted, drafts)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].AverageScore() > sorted[j].AverageScore()
	})

	var winner *store.Proposal
	for _, p := range sorted {
		if p.AverageScore() < minScore {
			continue
		}
		if project.AutonomyMode == store.ModeAssist && touchesRiskPath(p, project.RiskPaths) {
			continue
		}
		winner = p
		break
	}
	if winner == nil {
		return Decision{}
	}

	d := Decision{Winner: winner, BranchName: BranchName(winner.Title)}
	reason := fmt.Sprintf("not selected — %s scored higher", winner.Title)
	for _, p := range drafts {
		if p.ID == winner.ID {
			continue
		}
		d.Rejected = append(d.Rejected, Rejection{Proposal: p, Reason: reason})
	}
	return d
}

// touchesRiskPath reports whether the proposal's spec text mentions
// any configured risk path
func touchesRiskPath(p *store.Proposal, riskPaths []string) bool {
	spec := strings.ToLower(p.Spec)
	for _, path := range riskPaths {
		if path == "" {
			continue
		}
		if strings.Contains(spec, strings.ToLower(path)) {
			return true
		}
	}
	return false
}
