// Package watchdog is an optional AI-driven diagnosis pass. It sends
// a snapshot of the queue and proposals to a model and applies the
// returned actions through normal store paths. Every action other
// than send_notification is gated by a precondition check here; the
// model's output is advice, not authority.
package watchdog

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/sallandpioneers/autoforge/internal/job"
	"github.com/sallandpioneers/autoforge/internal/notify"
	"github.com/sallandpioneers/autoforge/internal/store"
)

// Action types the model may request
const (
	ActionSendNotification = "send_notification"
	ActionRetriggerJob     = "retrigger_job"
	ActionRejectProposal   = "reject_proposal"
	ActionReleaseMergeLock = "release_merge_lock"
	ActionTriggerScout     = "trigger_scout"
	ActionResetJobAttempts = "reset_job_attempts"
)

// retriggerThreshold is the minimum processing age before the model
// may retrigger a job
const retriggerThreshold = 30 * time.Minute

// ActionRequest is one requested intervention
type ActionRequest struct {
	Type       string `json:"type"`
	JobID      string `json:"job_id,omitempty"`
	ProposalID string `json:"proposal_id,omitempty"`
	ProjectID  string `json:"project_id,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

// Diagnosis is the model's structured answer
type Diagnosis struct {
	Summary string          `json:"summary"`
	Healthy bool            `json:"healthy"`
	Actions []ActionRequest `json:"actions,omitempty"`
}

// ModelClient produces a diagnosis for a snapshot prompt
type ModelClient interface {
	Diagnose(ctx context.Context, prompt string) (*Diagnosis, error)
}

// Watchdog builds snapshots, consults the model, and applies the
// filtered actions
type Watchdog struct {
	store    *store.Store
	model    ModelClient
	notifier notify.Notifier
	logger   *log.Logger

	now func() time.Time
}

// New creates a watchdog
func New(s *store.Store, model ModelClient, notifier notify.Notifier, logger *log.Logger) *Watchdog {
	return &Watchdog{store: s, model: model, notifier: notifier, logger: logger, now: time.Now}
}

// Run performs one diagnosis pass. Implements the supervisor's
// Watchdog interface.
func (w *Watchdog) Run(ctx context.Context) error {
	snapshot, err := w.buildSnapshot(ctx)
	if err != nil {
		return fmt.Errorf("failed to build snapshot: %w", err)
	}

	diagnosis, err := w.model.Diagnose(ctx, snapshot)
	if err != nil {
		return fmt.Errorf("diagnosis failed: %w", err)
	}
	if diagnosis.Healthy && len(diagnosis.Actions) == 0 {
		return nil
	}
	w.logger.Printf("Watchdog diagnosis: %s (%d actions)", diagnosis.Summary, len(diagnosis.Actions))

	for _, action := range diagnosis.Actions {
		if err := w.apply(ctx, action); err != nil {
			w.logger.Printf("Watchdog action %s skipped: %v", action.Type, err)
		}
	}
	return nil
}

// apply executes one action after checking its precondition
func (w *Watchdog) apply(ctx context.Context, a ActionRequest) error {
	switch a.Type {
	case ActionSendNotification:
		w.notifier.Notify(ctx, "", fmt.Sprintf("Watchdog: %s", a.Reason))
		return nil

	case ActionRetriggerJob:
		j, err := w.store.GetJob(ctx, a.JobID)
		if err != nil {
			return fmt.Errorf("job not found: %w", err)
		}
		if !j.Stale(w.now(), retriggerThreshold) {
			return fmt.Errorf("job %s not processing beyond %s", a.JobID, retriggerThreshold)
		}
		if err := w.store.ReleaseJob(ctx, a.JobID); err != nil {
			return fmt.Errorf("failed to release job: %w", err)
		}
		w.logger.Printf("Watchdog retriggered job %s: %s", a.JobID, a.Reason)
		return nil

	case ActionResetJobAttempts:
		j, err := w.store.GetJob(ctx, a.JobID)
		if err != nil {
			return fmt.Errorf("job not found: %w", err)
		}
		if j.Status != job.StatusFailed {
			return fmt.Errorf("job %s is %s, not failed", a.JobID, j.Status)
		}
		if err := w.store.ResetJobForRetry(ctx, a.JobID); err != nil {
			return fmt.Errorf("failed to reset job: %w", err)
		}
		w.logger.Printf("Watchdog reset attempts on job %s: %s", a.JobID, a.Reason)
		return nil

	case ActionRejectProposal:
		p, err := w.store.GetProposal(ctx, a.ProposalID)
		if err != nil {
			return fmt.Errorf("proposal not found: %w", err)
		}
		if p.Status.Terminal() {
			return fmt.Errorf("proposal %s already terminal", a.ProposalID)
		}
		reason := fmt.Sprintf("rejected by watchdog: %s", a.Reason)
		if err := w.store.UpdateProposalStatus(ctx, a.ProposalID, store.ProposalRejected,
			&store.ProposalPatch{RejectReason: &reason}); err != nil {
			return fmt.Errorf("failed to reject proposal: %w", err)
		}
		w.notifier.Notify(ctx, a.ProposalID, fmt.Sprintf("Watchdog rejected proposal %q: %s", p.Title, a.Reason))
		return nil

	case ActionReleaseMergeLock:
		p, err := w.store.GetProject(ctx, a.ProjectID)
		if err != nil {
			return fmt.Errorf("project not found: %w", err)
		}
		if !p.MergeInProgress {
			return fmt.Errorf("project %s holds no merge lock", a.ProjectID)
		}
		if err := w.store.ReleaseMergeLock(ctx, a.ProjectID); err != nil {
			return fmt.Errorf("failed to release lock: %w", err)
		}
		w.logger.Printf("Watchdog released merge lock on %s: %s", a.ProjectID, a.Reason)
		return nil

	case ActionTriggerScout:
		p, err := w.store.GetProject(ctx, a.ProjectID)
		if err != nil {
			return fmt.Errorf("project not found: %w", err)
		}
		if p.AutonomyMode != store.ModeAutomate || p.Paused {
			return fmt.Errorf("project %s not eligible for a scout", a.ProjectID)
		}
		live, err := w.store.HasLiveJob(ctx, a.ProjectID, job.TypeScout)
		if err != nil {
			return err
		}
		if live {
			return fmt.Errorf("project %s already has a live scout", a.ProjectID)
		}
		scout := &job.Job{ProjectID: a.ProjectID, Type: job.TypeScout, Payload: &job.ScoutPayload{}}
		if err := w.store.InsertJob(ctx, scout); err != nil {
			return fmt.Errorf("failed to insert scout: %w", err)
		}
		w.logger.Printf("Watchdog triggered scout for %s: %s", a.ProjectID, a.Reason)
		return nil

	default:
		return fmt.Errorf("unknown action type %q", a.Type)
	}
}

// buildSnapshot serializes the system state the model diagnoses
func (w *Watchdog) buildSnapshot(ctx context.Context) (string, error) {
	var b strings.Builder

	counts, err := w.store.CountJobsByStatus(ctx)
	if err != nil {
		return "", err
	}
	fmt.Fprintf(&b, "Job queue: %d pending, %d processing, %d done, %d failed\n\n",
		counts[job.StatusPending], counts[job.StatusProcessing], counts[job.StatusDone], counts[job.StatusFailed])

	processing, err := w.store.ListProcessingJobs(ctx)
	if err != nil {
		return "", err
	}
	now := w.now()
	for _, j := range processing {
		age := "unknown"
		if j.LockedAt != nil {
			age = now.Sub(*j.LockedAt).Round(time.Second).String()
		}
		fmt.Fprintf(&b, "Processing: job %s type=%s project=%s attempt=%d age=%s\n",
			j.ID, j.Type, j.ProjectID, j.AttemptCount, age)
	}

	projects, err := w.store.ListProjects(ctx)
	if err != nil {
		return "", err
	}
	for _, p := range projects {
		fmt.Fprintf(&b, "\nProject %s (%s): mode=%s paused=%v merge_in_progress=%v\n",
			p.ID, p.RepoRef, p.AutonomyMode, p.Paused, p.MergeInProgress)

		pc, err := w.store.CountProposalsByStatus(ctx, p.ID)
		if err != nil {
			return "", err
		}
		data, _ := json.Marshal(pc)
		fmt.Fprintf(&b, "Proposals: %s\n", data)

		events, err := w.store.ListRecentEvents(ctx, p.ID, 10)
		if err != nil {
			return "", err
		}
		for _, ev := range events {
			fmt.Fprintf(&b, "Event: %s %s branch=%s actor=%s at=%s\n",
				ev.EventType, ev.CycleID, ev.BranchName, ev.Actor, ev.CreatedAt.Format(time.RFC3339))
		}
	}

	lines, err := w.store.ListRecentRunLogs(ctx, 30)
	if err != nil {
		return "", err
	}
	if len(lines) > 0 {
		b.WriteString("\nRecent log tail:\n")
		for i := len(lines) - 1; i >= 0; i-- {
			fmt.Fprintf(&b, "%s\n", lines[i])
		}
	}

	return b.String(), nil
}
