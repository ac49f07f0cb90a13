package storage

import (
	"context"
	"errors"
	"time"

	"github.com/careops/notifyd/internal/models"
)

// ErrDuplicateIdempotencyKey is returned when an insert collides with the
// unique idempotency_key constraint. The constraint, not the application
// lookup, is the dedup authority: two concurrent submitters can both miss
// the existence check, but only one insert wins.
var ErrDuplicateIdempotencyKey = errors.New("storage: duplicate idempotency key")

// ErrVersionConflict is returned when an optimistic update lost the race.
// The caller must reload the record and retry its state transition.
var ErrVersionConflict = errors.New("storage: version conflict")

type Storage interface {
	// Notifications
	CreateNotification(ctx context.Context, n *models.Notification) error
	CreateNotifications(ctx context.Context, ns []*models.Notification) error
	GetNotification(ctx context.Context, id string) (*models.Notification, error)
	GetNotificationByIdempotencyKey(ctx context.Context, key string) (*models.Notification, error)
	UpdateNotification(ctx context.Context, n *models.Notification) error
	ListReadyForRetry(ctx context.Context, now time.Time, limit int) ([]models.Notification, error)
	ListStalePending(ctx context.Context, olderThan time.Time, limit int) ([]models.Notification, error)
	ListNotificationsByBeneficiary(ctx context.Context, beneficiaryID string) ([]models.Notification, error)
	ListNotificationsByCampaign(ctx context.Context, campaignID string) ([]models.Notification, error)

	// Campaigns
	CreateCampaign(ctx context.Context, c *models.Campaign) error
	GetCampaign(ctx context.Context, id string) (*models.Campaign, error)
	UpdateCampaign(ctx context.Context, c *models.Campaign) error
	ListActiveCampaigns(ctx context.Context) ([]models.Campaign, error)
	CountCampaignOutcomes(ctx context.Context, campaignID string) (success, failure int, err error)

	// Webhook events
	CreateWebhookEvent(ctx context.Context, e *models.WebhookEvent) error
	GetWebhookEvent(ctx context.Context, id string) (*models.WebhookEvent, error)
	UpdateWebhookEvent(ctx context.Context, e *models.WebhookEvent) error
	ListWebhooksReadyForRetry(ctx context.Context, now time.Time, limit int) ([]models.WebhookEvent, error)
	CountWebhooksByStatus(ctx context.Context, status models.WebhookStatus) (int64, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
