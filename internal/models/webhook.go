package models

import "time"

type WebhookStatus string

const (
	WebhookPending WebhookStatus = "pending"
	WebhookSuccess WebhookStatus = "success"
	WebhookFailed  WebhookStatus = "failed"
)

// WebhookEvent is one outbound confirmation-delivery attempt lifecycle.
type WebhookEvent struct {
	ID             string        `json:"id"`
	NotificationID string        `json:"notification_id"`
	URL            string        `json:"url"`
	EventType      string        `json:"event_type"`
	Status         WebhookStatus `json:"status"`
	Payload        string        `json:"payload"`
	Signature      string        `json:"signature"`
	RetryCount     int           `json:"retry_count"`
	MaxRetries     int           `json:"max_retries"`
	NextRetryAt    *time.Time    `json:"next_retry_at,omitempty"`
	ResponseCode   int           `json:"response_code,omitempty"`
	ResponseBody   string        `json:"response_body,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
	ProcessedAt    *time.Time    `json:"processed_at,omitempty"`
}

// Delivery-outcome event types carried in X-Webhook-Event-Type.
const (
	WebhookEventNotificationSent   = "notification.sent"
	WebhookEventNotificationFailed = "notification.failed"
)
