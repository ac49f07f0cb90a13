package models

import "time"

// Event is the immutable message placed on the bus for one delivery attempt.
// A fresh event is produced per retry; events are never mutated in place.
type Event struct {
	NotificationID string           `json:"notification_id"`
	CampaignID     string           `json:"campaign_id,omitempty"`
	Request        *DeliveryRequest `json:"request,omitempty"`
	RetryCount     int              `json:"retry_count"`
	MaxRetries     int              `json:"max_retries"`
	IdempotencyKey string           `json:"idempotency_key"`
	Priority       string           `json:"priority"`
	ErrorMessage   string           `json:"error_message,omitempty"`
	CreatedAt      time.Time        `json:"created_at"`
}

// DeliveryRequest is the full request payload snapshotted into an Event.
type DeliveryRequest struct {
	BeneficiaryID    string           `json:"beneficiary_id"`
	MobileNumber     string           `json:"mobile_number,omitempty"`
	Email            string           `json:"email,omitempty"`
	DeviceID         string           `json:"device_id,omitempty"`
	PreferredChannel Channel          `json:"preferred_channel,omitempty"`
	Type             NotificationType `json:"type"`
	CorrelationID    string           `json:"correlation_id,omitempty"`
	Subject          string           `json:"subject,omitempty"`
	Body             string           `json:"body,omitempty"`
}

const PriorityNormal = "NORMAL"

// NewEvent snapshots a notification record for publication.
func NewEvent(n *Notification, req *DeliveryRequest) Event {
	return Event{
		NotificationID: n.ID,
		CampaignID:     n.CampaignID,
		Request:        req,
		RetryCount:     n.RetryCount,
		MaxRetries:     n.MaxRetries,
		IdempotencyKey: n.IdempotencyKey,
		Priority:       PriorityNormal,
		CreatedAt:      time.Now().UTC(),
	}
}
