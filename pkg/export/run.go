// Package export orchestrates one end-to-end extraction run: users, groups,
// then group memberships, each streamed to the ingestion endpoint in batches.
package export

import (
	"time"

	"github.com/vexlio/directory-export/pkg/faults"
)

// Outcome is the final disposition of a run.
type Outcome string

const (
	// OutcomeCompleted means all stages finished. Individual groups may still
	// have failed; see FailedGroups.
	OutcomeCompleted Outcome = "completed"

	// OutcomeFailed means a stage hit a fatal fault and later stages did not
	// run.
	OutcomeFailed Outcome = "failed"
)

// Stage names the three sequential extraction stages.
type Stage string

const (
	StageUsers       Stage = "users"
	StageGroups      Stage = "groups"
	StageMemberships Stage = "memberships"
)

// Trigger records what started the run.
type Trigger string

const (
	TriggerSchedule Trigger = "schedule"
	TriggerManual   Trigger = "manual"
)

// GroupOutcome is the per-group result of the membership stage.
type GroupOutcome struct {
	GroupID string         `json:"group_id"`
	Success bool           `json:"success"`
	Records int            `json:"records"`
	Fault   *faults.Record `json:"fault,omitempty"`
}

// Run is the persistent record of one export run.
type Run struct {
	ID          string    `json:"id"`
	Trigger     Trigger   `json:"trigger"`
	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at"`

	Users       int `json:"users"`
	Groups      int `json:"groups"`
	Memberships int `json:"memberships"`
	APICalls    int `json:"api_calls"`
	BatchesSent int `json:"batches_sent"`

	Outcome     Outcome        `json:"outcome"`
	Failure     *faults.Record `json:"failure,omitempty"`
	FailedStage Stage          `json:"failed_stage,omitempty"`

	GroupOutcomes []GroupOutcome `json:"group_outcomes,omitempty"`
}

// SuccessfulGroups counts membership-stage groups that exported cleanly.
func (r *Run) SuccessfulGroups() int {
	n := 0
	for _, g := range r.GroupOutcomes {
		if g.Success {
			n++
		}
	}
	return n
}

// FailedGroups counts membership-stage groups that were skipped after a
// terminal per-group fault.
func (r *Run) FailedGroups() int {
	return len(r.GroupOutcomes) - r.SuccessfulGroups()
}

// MembershipSuccessRate returns the fraction of groups exported cleanly,
// or 1 when the stage saw no groups.
func (r *Run) MembershipSuccessRate() float64 {
	if len(r.GroupOutcomes) == 0 {
		return 1
	}
	return float64(r.SuccessfulGroups()) / float64(len(r.GroupOutcomes))
}

// Duration returns the wall-clock span of the run.
func (r *Run) Duration() time.Duration {
	if r.CompletedAt.IsZero() {
		return 0
	}
	return r.CompletedAt.Sub(r.StartedAt)
}
