package store

import (
	"time"
)

// AutonomyMode governs how much of the pipeline runs without a human
type AutonomyMode string

const (
	// ModeAudit takes no automatic action; drafts stay drafts
	ModeAudit AutonomyMode = "audit"
	// ModeAssist auto-builds low-risk proposals only
	ModeAssist AutonomyMode = "assist"
	// ModeAutomate runs end to end, including merge
	ModeAutomate AutonomyMode = "automate"
)

// Project is a repository under management
type Project struct {
	ID             string
	RepoRef        string // host repo reference, e.g. "owner/repo"
	InstallationID string // installation identity, optional
	DefaultBranch  string
	AutonomyMode   AutonomyMode

	MaxConcurrentBranches int
	RiskPaths             []string
	Paused                bool

	// MergeInProgress is the per-project single-writer merge lock
	MergeInProgress bool
	MergeLockedAt   *time.Time

	ScoutSchedule     string // cron expression, empty means unscheduled
	WildCardFrequency float64

	ProductContext  string
	StrategicNudges []string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// ProposalStatus is the lifecycle state of a proposal
type ProposalStatus string

const (
	ProposalDraft        ProposalStatus = "draft"
	ProposalApproved     ProposalStatus = "approved"
	ProposalImplementing ProposalStatus = "implementing"
	ProposalDone         ProposalStatus = "done"
	ProposalRejected     ProposalStatus = "rejected"
)

// Terminal reports whether the status is done or rejected
func (s ProposalStatus) Terminal() bool {
	return s == ProposalDone || s == ProposalRejected
}

// Active reports whether the proposal occupies a branch slot
func (s ProposalStatus) Active() bool {
	return s == ProposalApproved || s == ProposalImplementing
}

// Proposal is a candidate improvement authored by the strategize stage
type Proposal struct {
	ID        string
	ProjectID string
	CycleID   string // empty when not tied to a cycle

	Title     string
	Spec      string
	Rationale string
	Priority  string // high, medium, low

	ImpactScore      float64
	FeasibilityScore float64
	NoveltyScore     float64
	AlignmentScore   float64

	Status       ProposalStatus
	IsWildCard   bool
	BranchName   string
	RejectReason string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// AverageScore is the mean of the four proposal scores
func (p *Proposal) AverageScore() float64 {
	return (p.ImpactScore + p.FeasibilityScore + p.NoveltyScore + p.AlignmentScore) / 4
}

// Pipeline run stages
const (
	RunQueued     = "queued"
	RunRunning    = "running"
	RunValidating = "validating"
	RunDeployed   = "deployed"
	RunFailed     = "failed"
)

// Pipeline run results
const (
	RunResultSuccess = "success"
	RunResultFailed  = "failed"
)

// PipelineRun tracks the stage tape of one proposal execution
type PipelineRun struct {
	ID         string
	ProjectID  string
	ProposalID string
	Stage      string
	PRNumber   int
	Result     string // empty until terminal
	StartedAt  time.Time
	CompletedAt *time.Time
}

// Branch event types observed by consumers reading the tail
const (
	EventBuildStarted      = "build_started"
	EventBuildFailed       = "build_failed"
	EventReviewRejected    = "review_rejected"
	EventPRMerged          = "pr_merged"
	EventAutoMerged        = "auto_merged"
	EventMergeFailed       = "merge_failed"
	EventAutoApproved      = "auto_approved"
	EventCheckpointCreated = "checkpoint_created"
	EventCycleCompleted    = "cycle_completed"
	EventCycleStarted      = "cycle_started"
)

// Branch event actors
const (
	ActorAutonomy   = "autonomy"
	ActorBuilder    = "builder"
	ActorReviewer   = "reviewer"
	ActorStrategist = "strategist"
	ActorSupervisor = "supervisor"
	ActorWatchdog   = "watchdog"
)

// BranchEvent is one row of the append-only pipeline event log.
// Events are never mutated.
type BranchEvent struct {
	ID         int64
	ProjectID  string
	CycleID    string
	BranchName string
	EventType  string
	EventData  string // opaque JSON
	Actor      string
	CommitSHA  string
	CreatedAt  time.Time
}

// Checkpoint kinds
const (
	CheckpointMerge         = "merge"
	CheckpointCycleComplete = "cycle_complete"
)

// Checkpoint is a recoverable commit pointer
type Checkpoint struct {
	ID         string
	ProjectID  string
	CycleID    string
	ProposalID string
	Kind       string
	CommitSHA  string
	PRNumber   int
	BranchName string
	Metadata   string
	CreatedAt  time.Time
}

// StrategyMemory is an advisory record read by the strategize stage
type StrategyMemory struct {
	ID         string
	ProjectID  string
	ProposalID string
	Kind       string // e.g. "approved", "rejected", "note"
	Content    string
	CreatedAt  time.Time
}

// UserIdea is an operator suggestion fed to the strategist
type UserIdea struct {
	ID        string
	ProjectID string
	Title     string
	Body      string
	CreatedAt time.Time
}

// Finding is a scout observation kept for operator debugging
type Finding struct {
	ID        string
	ProjectID string
	CycleID   string
	Title     string
	Detail    string
	CreatedAt time.Time
}
