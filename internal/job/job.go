// Package job defines the durable unit of work moved through the queue
// and the typed payload carried by each job kind.
package job

import (
	"time"
)

// Type identifies the stage a job dispatches to
type Type string

const (
	TypeScout       Type = "scout"
	TypeStrategize  Type = "strategize"
	TypeBuild       Type = "build"
	TypeReview      Type = "review"
	TypeFixBuild    Type = "fix_build"
	TypeSelfImprove Type = "self_improve"
)

// Valid reports whether t is a known job type
func (t Type) Valid() bool {
	switch t {
	case TypeScout, TypeStrategize, TypeBuild, TypeReview, TypeFixBuild, TypeSelfImprove:
		return true
	}
	return false
}

// Status is the queue lifecycle state of a job
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusDone       Status = "done"
	StatusFailed     Status = "failed"
)

// Terminal reports whether the status is done or failed
func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusFailed
}

// Job is a durable unit of work.
// Invariants: StatusProcessing implies WorkerID and LockedAt are set;
// StatusPending implies WorkerID is nil.
type Job struct {
	ID        string
	ProjectID string
	Type      Type
	Status    Status
	Payload   Payload

	AttemptCount int
	WorkerID     *string
	LockedAt     *time.Time
	LastError    string

	// SourceRunID optionally points at the pipeline run a retriggered
	// job descends from
	SourceRunID string

	// GithubIssueNumber is an opaque correlator kept for operator
	// debugging; 0 when not applicable
	GithubIssueNumber int

	CreatedAt   time.Time
	CompletedAt *time.Time
}

// Stale reports whether a processing job's lock is older than threshold
func (j *Job) Stale(now time.Time, threshold time.Duration) bool {
	if j.Status != StatusProcessing || j.LockedAt == nil {
		return false
	}
	return now.Sub(*j.LockedAt) > threshold
}
