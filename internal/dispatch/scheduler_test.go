package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/careops/notifyd/internal/models"
)

func TestSchedulerSweepRetriesDueRecords(t *testing.T) {
	store := newTestStore(t)
	sender := &stubSender{ch: models.ChannelSMS}
	d := newTestDispatcher(t, store, sender, newRecordingBus())
	s := NewRetryScheduler(store, d, time.Minute, zerolog.Nop())
	ctx := context.Background()

	due := seedNotification(t, store, 3)
	due.Status = models.NotificationRetrying
	due.RetryCount = 1
	past := time.Now().UTC().Add(-time.Minute)
	due.NextRetryAt = &past
	require.NoError(t, store.UpdateNotification(ctx, due))

	notYet := seedNotification(t, store, 3)
	notYet.Status = models.NotificationRetrying
	notYet.RetryCount = 1
	future := time.Now().UTC().Add(time.Hour)
	notYet.NextRetryAt = &future
	require.NoError(t, store.UpdateNotification(ctx, notYet))

	s.Sweep(ctx)

	got, err := store.GetNotification(ctx, due.ID)
	require.NoError(t, err)
	assert.Equal(t, models.NotificationSent, got.Status)

	got, err = store.GetNotification(ctx, notYet.ID)
	require.NoError(t, err)
	assert.Equal(t, models.NotificationRetrying, got.Status)
}

func TestSchedulerSweepRequeuesOrphanedPending(t *testing.T) {
	store := newTestStore(t)
	sender := &stubSender{ch: models.ChannelSMS}
	d := newTestDispatcher(t, store, sender, newRecordingBus())
	s := NewRetryScheduler(store, d, time.Minute, zerolog.Nop())
	ctx := context.Background()

	// A record whose event never reached a consumer.
	orphan := &models.Notification{
		ID:             models.NewID("ntf"),
		IdempotencyKey: models.NewID("key"),
		BeneficiaryID:  "7d444840-9dc0-11d1-b245-5ffdce74fad2",
		MobileNumber:   "+15550001111",
		Type:           models.TypeAppointmentCreated,
		Status:         models.NotificationPending,
		MaxRetries:     3,
		CreatedAt:      time.Now().UTC().Add(-time.Hour),
	}
	require.NoError(t, store.CreateNotification(ctx, orphan))

	fresh := seedNotification(t, store, 3)

	s.Sweep(ctx)

	got, err := store.GetNotification(ctx, orphan.ID)
	require.NoError(t, err)
	assert.Equal(t, models.NotificationSent, got.Status)

	// Recently created records are left for their in-flight event.
	got, err = store.GetNotification(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, models.NotificationPending, got.Status)
}
