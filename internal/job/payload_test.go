package job

import (
	"testing"
	"time"
)

func TestPayloadRoundTrip(t *testing.T) {
	payloads := []Payload{
		&ScoutPayload{PreviousCycleID: "cycle-1"},
		&StrategizePayload{CycleID: "cycle-1", WildCard: true},
		&BuildPayload{ProposalID: "p1", BranchName: "proposals/fix-cache", Spec: "spec text", Title: "Fix cache", PipelineRunID: "run-1"},
		&ReviewPayload{ProposalID: "p1", PRNumber: 42, HeadSHA: "abc123", BranchName: "proposals/fix-cache", RemediationAttempt: 1},
		&FixBuildPayload{ProposalID: "p1", PRNumber: 42, BranchName: "proposals/fix-cache", Concerns: []string{"missing tests", "race in init"}},
		&SelfImprovePayload{Goal: "speed up review stage"},
	}

	for _, p := range payloads {
		t.Run(string(p.JobType()), func(t *testing.T) {
			data, err := EncodePayload(p)
			if err != nil {
				t.Fatalf("encode: %v", err)
			}
			decoded, err := DecodePayload(p.JobType(), data)
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			if decoded.JobType() != p.JobType() {
				t.Errorf("type mismatch: got %s, want %s", decoded.JobType(), p.JobType())
			}
		})
	}
}

func TestDecodePayloadFields(t *testing.T) {
	data := []byte(`{"proposal_id":"p9","pr_number":7,"head_sha":"deadbeef","branch_name":"proposals/x","remediation_attempt":1}`)

	p, err := DecodePayload(TypeReview, data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	rp, ok := p.(*ReviewPayload)
	if !ok {
		t.Fatalf("expected *ReviewPayload, got %T", p)
	}
	if rp.ProposalID != "p9" || rp.PRNumber != 7 || rp.HeadSHA != "deadbeef" || rp.RemediationAttempt != 1 {
		t.Errorf("unexpected fields: %+v", rp)
	}
}

func TestDecodePayloadUnknownType(t *testing.T) {
	if _, err := DecodePayload(Type("mystery"), []byte("{}")); err == nil {
		t.Error("expected error for unknown job type")
	}
}

func TestDecodePayloadEmpty(t *testing.T) {
	p, err := DecodePayload(TypeScout, nil)
	if err != nil {
		t.Fatalf("decode empty: %v", err)
	}
	if p.JobType() != TypeScout {
		t.Errorf("expected scout payload, got %s", p.JobType())
	}
}

func TestJobStale(t *testing.T) {
	now := time.Now()
	old := now.Add(-2 * time.Hour)
	recent := now.Add(-5 * time.Minute)

	tests := []struct {
		name     string
		job      Job
		expected bool
	}{
		{"old processing", Job{Status: StatusProcessing, LockedAt: &old}, true},
		{"recent processing", Job{Status: StatusProcessing, LockedAt: &recent}, false},
		{"pending never stale", Job{Status: StatusPending}, false},
		{"done never stale", Job{Status: StatusDone, LockedAt: &old}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.job.Stale(now, 60*time.Minute); got != tt.expected {
				t.Errorf("Stale() = %v, want %v", got, tt.expected)
			}
		})
	}
}
