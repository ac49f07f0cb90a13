package models

import "time"

type CampaignStatus string

const (
	CampaignDraft     CampaignStatus = "DRAFT"
	CampaignScheduled CampaignStatus = "SCHEDULED"
	CampaignActive    CampaignStatus = "ACTIVE"
	CampaignPaused    CampaignStatus = "PAUSED"
	CampaignCompleted CampaignStatus = "COMPLETED"
	CampaignFailed    CampaignStatus = "FAILED"
)

// Campaign is one bulk-send job. Invariant: SuccessCount+FailureCount never
// exceeds TargetCount, and COMPLETED is only reachable once the sum hits it.
// Version is the optimistic-locking counter bumped on every update; the
// progress sweep and operator pause/resume can race on the same row.
type Campaign struct {
	ID           string           `json:"id"`
	TenantID     string           `json:"tenant_id"`
	Name         string           `json:"name"`
	Type         NotificationType `json:"type"`
	Status       CampaignStatus   `json:"status"`
	TargetCount  int              `json:"target_count"`
	SuccessCount int              `json:"success_count"`
	FailureCount int              `json:"failure_count"`
	StartedAt    *time.Time       `json:"started_at,omitempty"`
	CompletedAt  *time.Time       `json:"completed_at,omitempty"`
	Version      int64            `json:"-"`
	CreatedAt    time.Time        `json:"created_at"`
	UpdatedAt    time.Time        `json:"updated_at"`
}

func (c *Campaign) ProgressPercentage() float64 {
	if c.TargetCount == 0 {
		return 0
	}
	return float64(c.SuccessCount+c.FailureCount) / float64(c.TargetCount) * 100
}

func (c *Campaign) SuccessRate() float64 {
	done := c.SuccessCount + c.FailureCount
	if done == 0 {
		return 0
	}
	return float64(c.SuccessCount) / float64(done) * 100
}
