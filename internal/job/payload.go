package job

import (
	"encoding/json"
	"fmt"
)

// Payload is the typed body of a job. Each job type carries exactly the
// fields its stage needs; there is no shared free-form body.
type Payload interface {
	JobType() Type
}

// ScoutPayload opens a new cycle. The cycle's identity is the id of the
// scout job itself.
type ScoutPayload struct {
	// PreviousCycleID links consecutive cycles for audit; empty on the
	// first cycle of a project
	PreviousCycleID string `json:"previous_cycle_id,omitempty"`
}

func (ScoutPayload) JobType() Type { return TypeScout }

// StrategizePayload asks the strategist for proposals within a cycle
type StrategizePayload struct {
	CycleID  string `json:"cycle_id"`
	WildCard bool   `json:"wild_card,omitempty"`
}

func (StrategizePayload) JobType() Type { return TypeStrategize }

// BuildPayload implements an approved proposal on its branch
type BuildPayload struct {
	ProposalID    string `json:"proposal_id"`
	BranchName    string `json:"branch_name"`
	Spec          string `json:"spec"`
	Title         string `json:"title"`
	PipelineRunID string `json:"pipeline_run_id"`
}

func (BuildPayload) JobType() Type { return TypeBuild }

// ReviewPayload reviews the diff of a built PR
type ReviewPayload struct {
	ProposalID         string `json:"proposal_id"`
	PRNumber           int    `json:"pr_number"`
	HeadSHA            string `json:"head_sha"`
	BranchName         string `json:"branch_name"`
	PipelineRunID      string `json:"pipeline_run_id"`
	RemediationAttempt int    `json:"remediation_attempt"`
}

func (ReviewPayload) JobType() Type { return TypeReview }

// FixBuildPayload remediates reviewer concerns on an existing PR
type FixBuildPayload struct {
	ProposalID    string   `json:"proposal_id"`
	PRNumber      int      `json:"pr_number"`
	BranchName    string   `json:"branch_name"`
	PipelineRunID string   `json:"pipeline_run_id"`
	Concerns      []string `json:"concerns"`
}

func (FixBuildPayload) JobType() Type { return TypeFixBuild }

// SelfImprovePayload asks the pipeline to work on its own tooling
type SelfImprovePayload struct {
	Goal string `json:"goal,omitempty"`
}

func (SelfImprovePayload) JobType() Type { return TypeSelfImprove }

// EncodePayload serializes a payload for storage
func EncodePayload(p Payload) ([]byte, error) {
	if p == nil {
		return []byte("{}"), nil
	}
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s payload: %w", p.JobType(), err)
	}
	return data, nil
}

// DecodePayload deserializes a payload by job type
func DecodePayload(t Type, data []byte) (Payload, error) {
	if len(data) == 0 {
		data = []byte("{}")
	}

	var p Payload
	switch t {
	case TypeScout:
		p = &ScoutPayload{}
	case TypeStrategize:
		p = &StrategizePayload{}
	case TypeBuild:
		p = &BuildPayload{}
	case TypeReview:
		p = &ReviewPayload{}
	case TypeFixBuild:
		p = &FixBuildPayload{}
	case TypeSelfImprove:
		p = &SelfImprovePayload{}
	default:
		return nil, fmt.Errorf("unknown job type: %s", t)
	}

	if err := json.Unmarshal(data, p); err != nil {
		return nil, fmt.Errorf("failed to decode %s payload: %w", t, err)
	}
	return p, nil
}
