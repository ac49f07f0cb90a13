package campaign

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/careops/notifyd/internal/models"
	"github.com/careops/notifyd/internal/storage"
)

func seedOutcome(t *testing.T, store storage.Storage, campaignID string, status models.NotificationStatus) {
	t.Helper()
	n := &models.Notification{
		ID:             models.NewID("ntf"),
		IdempotencyKey: models.NewID("key"),
		BeneficiaryID:  "7d444840-9dc0-11d1-b245-5ffdce74fad2",
		Type:           models.TypeAppointmentReminder,
		Status:         status,
		MaxRetries:     3,
		CampaignID:     campaignID,
		CreatedAt:      time.Now().UTC(),
	}
	require.NoError(t, store.CreateNotification(context.Background(), n))
}

func TestTrackerUpdatesCounters(t *testing.T) {
	store := newTestStore(t)
	c := seedCampaign(t, store)
	ctx := context.Background()

	c.Status = models.CampaignActive
	c.TargetCount = 5
	require.NoError(t, store.UpdateCampaign(ctx, c))

	seedOutcome(t, store, c.ID, models.NotificationSent)
	seedOutcome(t, store, c.ID, models.NotificationSent)
	seedOutcome(t, store, c.ID, models.NotificationFailed)
	seedOutcome(t, store, c.ID, models.NotificationPending)

	tracker := NewProgressTracker(store, time.Minute, zerolog.Nop())
	tracker.Sweep(ctx)

	got, err := store.GetCampaign(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CampaignActive, got.Status)
	assert.Equal(t, 2, got.SuccessCount)
	assert.Equal(t, 1, got.FailureCount)
	assert.Nil(t, got.CompletedAt)
	assert.InDelta(t, 60.0, got.ProgressPercentage(), 0.01)
}

func TestTrackerCompletesCampaignAtTarget(t *testing.T) {
	store := newTestStore(t)
	c := seedCampaign(t, store)
	ctx := context.Background()

	c.Status = models.CampaignActive
	c.TargetCount = 3
	require.NoError(t, store.UpdateCampaign(ctx, c))

	seedOutcome(t, store, c.ID, models.NotificationSent)
	seedOutcome(t, store, c.ID, models.NotificationSent)
	seedOutcome(t, store, c.ID, models.NotificationFailed)

	tracker := NewProgressTracker(store, time.Minute, zerolog.Nop())
	tracker.Sweep(ctx)

	got, err := store.GetCampaign(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CampaignCompleted, got.Status)
	assert.Equal(t, 2, got.SuccessCount)
	assert.Equal(t, 1, got.FailureCount)
	require.NotNil(t, got.CompletedAt)
	assert.InDelta(t, 66.66, got.SuccessRate(), 0.01)
}

func TestTrackerDoesNotRevertConcurrentPause(t *testing.T) {
	store := newTestStore(t)
	c := seedCampaign(t, store)
	ctx := context.Background()

	c.Status = models.CampaignActive
	c.TargetCount = 5
	require.NoError(t, store.UpdateCampaign(ctx, c))

	seedOutcome(t, store, c.ID, models.NotificationSent)

	// The sweep lists the campaign while it is still ACTIVE.
	active, err := store.ListActiveCampaigns(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)

	// An operator pauses it before the sweep writes its counters back.
	o := NewOrchestrator(store, nil, "notification-events", 100, 3, zerolog.Nop())
	require.NoError(t, o.Pause(ctx, c.ID))

	tracker := NewProgressTracker(store, time.Minute, zerolog.Nop())
	tracker.update(ctx, &active[0])

	// The stale ACTIVE snapshot must not clobber the pause.
	got, err := store.GetCampaign(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CampaignPaused, got.Status)
}

func TestTrackerIgnoresOtherCampaignsOutcomes(t *testing.T) {
	store := newTestStore(t)
	c := seedCampaign(t, store)
	other := seedCampaign(t, store)
	ctx := context.Background()

	c.Status = models.CampaignActive
	c.TargetCount = 2
	require.NoError(t, store.UpdateCampaign(ctx, c))

	seedOutcome(t, store, c.ID, models.NotificationSent)
	seedOutcome(t, store, other.ID, models.NotificationSent)
	seedOutcome(t, store, other.ID, models.NotificationFailed)

	tracker := NewProgressTracker(store, time.Minute, zerolog.Nop())
	tracker.Sweep(ctx)

	got, err := store.GetCampaign(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CampaignActive, got.Status)
	assert.Equal(t, 1, got.SuccessCount)
	assert.Equal(t, 0, got.FailureCount)
}
