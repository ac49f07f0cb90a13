package models

import "time"

type NotificationStatus string

const (
	NotificationPending  NotificationStatus = "PENDING"
	NotificationSent     NotificationStatus = "SENT"
	NotificationRetrying NotificationStatus = "RETRYING"
	NotificationFailed   NotificationStatus = "FAILED"
)

// Terminal reports whether no further delivery attempts may touch the record.
func (s NotificationStatus) Terminal() bool {
	return s == NotificationSent || s == NotificationFailed
}

type NotificationType string

const (
	TypeAppointmentCreated   NotificationType = "APPOINTMENT_CREATED"
	TypeAppointmentReminder  NotificationType = "APPOINTMENT_REMINDER"
	TypeAppointmentCancelled NotificationType = "APPOINTMENT_CANCELLED"
	TypeQRResend             NotificationType = "QR_RESEND"
	TypeVerificationCodeSent NotificationType = "VERIFICATION_CODE_SENT"
	TypeAppointmentVerified  NotificationType = "APPOINTMENT_VERIFIED"
)

func (t NotificationType) Valid() bool {
	switch t {
	case TypeAppointmentCreated, TypeAppointmentReminder, TypeAppointmentCancelled,
		TypeQRResend, TypeVerificationCodeSent, TypeAppointmentVerified:
		return true
	}
	return false
}

type Channel string

const (
	ChannelEmail Channel = "EMAIL"
	ChannelSMS   Channel = "SMS"
	ChannelPush  Channel = "PUSH"
)

// Notification is the persisted lifecycle of one logical delivery request.
// Records are never deleted; terminal rows form the audit trail. Version is
// the optimistic-locking counter bumped on every update.
type Notification struct {
	ID               string             `json:"id"`
	IdempotencyKey   string             `json:"idempotency_key"`
	BeneficiaryID    string             `json:"beneficiary_id"`
	MobileNumber     string             `json:"mobile_number,omitempty"`
	Email            string             `json:"email,omitempty"`
	DeviceID         string             `json:"device_id,omitempty"`
	PreferredChannel Channel            `json:"preferred_channel,omitempty"`
	Channel          Channel            `json:"channel,omitempty"`
	Type             NotificationType   `json:"type"`
	Status           NotificationStatus `json:"status"`
	RetryCount       int                `json:"retry_count"`
	MaxRetries       int                `json:"max_retries"`
	NextRetryAt      *time.Time         `json:"next_retry_at,omitempty"`
	ErrorMessage     string             `json:"error_message,omitempty"`
	CampaignID       string             `json:"campaign_id,omitempty"`
	Version          int64              `json:"-"`
	CreatedAt        time.Time          `json:"created_at"`
	SentAt           *time.Time         `json:"sent_at,omitempty"`
}

// Contact returns the address the given channel delivers to.
func (n *Notification) Contact(ch Channel) string {
	switch ch {
	case ChannelEmail:
		return n.Email
	case ChannelSMS:
		return n.MobileNumber
	case ChannelPush:
		return n.DeviceID
	}
	return ""
}
