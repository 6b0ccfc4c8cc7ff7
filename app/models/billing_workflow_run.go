package models

import (
	"time"

	"gorm.io/datatypes"
)

const (
	WorkflowStatusRunning   = "running"
	WorkflowStatusSleeping  = "sleeping"
	WorkflowStatusQueued    = "queued"
	WorkflowStatusCompleted = "completed"
	WorkflowStatusHalted    = "halted"
	WorkflowStatusFailed    = "failed"
)

// BillingWorkflowRun is the persisted state of one webhook-driven billing
// run. Step outputs are checkpointed into State so a redelivered or resumed
// run continues where it stopped.
type BillingWorkflowRun struct {
	ID         uint           `gorm:"primaryKey" json:"id"`
	RunID      string         `gorm:"type:varchar(191);not null;uniqueIndex" json:"run_id"`
	EventID    string         `gorm:"type:varchar(191);not null;index" json:"event_id"`
	EventType  string         `gorm:"type:varchar(100);not null" json:"event_type"`
	Step       string         `gorm:"type:varchar(50);not null" json:"step"`
	Status     string         `gorm:"type:varchar(20);not null;index:idx_billing_workflow_runs_status_wake,priority:1" json:"status"`
	WakeAt     *time.Time     `gorm:"type:timestamp;default:null;index:idx_billing_workflow_runs_status_wake,priority:2" json:"wake_at,omitempty"`
	ClaimToken string         `gorm:"type:varchar(64);not null;default:''" json:"-"`
	ClaimedAt  *time.Time     `gorm:"type:timestamp;default:null" json:"claimed_at,omitempty"`
	Attempts   int            `gorm:"not null;default:0" json:"attempts"`
	Payload    datatypes.JSON `json:"payload"`
	State      datatypes.JSON `json:"state"`
	Outcome    string         `gorm:"type:varchar(50);not null;default:''" json:"outcome"`
	LastError  string         `gorm:"type:text" json:"last_error"`
	CreatedAt  time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt  time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
}

// IsTerminal reports whether the run will not execute any further steps.
func (r *BillingWorkflowRun) IsTerminal() bool {
	switch r.Status {
	case WorkflowStatusCompleted, WorkflowStatusHalted:
		return true
	}
	return false
}
