package job

import (
	"encoding/json"
	"fmt"
)

// Result is the structured output of a stage function. Each stage
// returns the variant the cycle state machine expects for its job type.
type Result interface {
	ResultType() Type
}

// ScoutResult summarizes a completed repository scan
type ScoutResult struct {
	Summary      string `json:"summary,omitempty"`
	FindingCount int    `json:"finding_count,omitempty"`
}

func (ScoutResult) ResultType() Type { return TypeScout }

// StrategizeResult reports how many draft proposals the strategist
// inserted for the cycle
type StrategizeResult struct {
	ProposalCount int `json:"proposal_count"`
}

func (StrategizeResult) ResultType() Type { return TypeStrategize }

// BuildResult reports the PR a build (or fix_build) produced.
// NoChanges is set when the builder finished without touching the tree.
type BuildResult struct {
	PRNumber  int    `json:"pr_number,omitempty"`
	HeadSHA   string `json:"head_sha,omitempty"`
	NoChanges bool   `json:"no_changes,omitempty"`
}

func (BuildResult) ResultType() Type { return TypeBuild }

// Review verdicts
const (
	VerdictApprove = "approve"
	VerdictReject  = "reject"
)

// ReviewResult carries the reviewer verdict and any concerns
type ReviewResult struct {
	Verdict  string   `json:"verdict"`
	Concerns []string `json:"concerns,omitempty"`
	Summary  string   `json:"summary,omitempty"`
}

func (ReviewResult) ResultType() Type { return TypeReview }

// SelfImproveResult is opaque to the core
type SelfImproveResult struct {
	Summary string `json:"summary,omitempty"`
}

func (SelfImproveResult) ResultType() Type { return TypeSelfImprove }

// DecodeResult deserializes a stage result by job type. fix_build
// reuses BuildResult since both report a PR state.
func DecodeResult(t Type, data []byte) (Result, error) {
	var r Result
	switch t {
	case TypeScout:
		r = &ScoutResult{}
	case TypeStrategize:
		r = &StrategizeResult{}
	case TypeBuild, TypeFixBuild:
		r = &BuildResult{}
	case TypeReview:
		r = &ReviewResult{}
	case TypeSelfImprove:
		r = &SelfImproveResult{}
	default:
		return nil, fmt.Errorf("unknown job type: %s", t)
	}

	if err := json.Unmarshal(data, r); err != nil {
		return nil, fmt.Errorf("failed to decode %s result: %w", t, err)
	}
	return r, nil
}
