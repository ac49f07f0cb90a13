package webhook

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/careops/notifyd/internal/models"
)

func TestSchedulerSweepDeliversDueEvents(t *testing.T) {
	store := newTestStore(t)
	srv := newCaptureServer(t, http.StatusOK)
	n := newTestNotifier(t, store, srv.srv.URL)
	ctx := context.Background()
	past := time.Now().UTC().Add(-time.Minute)

	due := &models.WebhookEvent{
		ID:             models.NewID("whk"),
		NotificationID: "ntf_due",
		URL:            srv.srv.URL,
		EventType:      models.WebhookEventNotificationSent,
		Payload:        `{}`,
		Status:         models.WebhookPending,
		RetryCount:     1,
		MaxRetries:     5,
		NextRetryAt:    &past,
		CreatedAt:      time.Now().UTC(),
	}
	require.NoError(t, store.CreateWebhookEvent(ctx, due))

	future := time.Now().UTC().Add(time.Hour)
	notYet := &models.WebhookEvent{
		ID:             models.NewID("whk"),
		NotificationID: "ntf_later",
		URL:            srv.srv.URL,
		EventType:      models.WebhookEventNotificationSent,
		Payload:        `{}`,
		Status:         models.WebhookPending,
		RetryCount:     1,
		MaxRetries:     5,
		NextRetryAt:    &future,
		CreatedAt:      time.Now().UTC(),
	}
	require.NoError(t, store.CreateWebhookEvent(ctx, notYet))

	s := NewRetryScheduler(store, n, time.Minute, zerolog.Nop())
	s.Sweep(ctx)

	assert.Len(t, srv.all(), 1)

	got, err := store.GetWebhookEvent(ctx, due.ID)
	require.NoError(t, err)
	assert.Equal(t, models.WebhookSuccess, got.Status)

	got, err = store.GetWebhookEvent(ctx, notYet.ID)
	require.NoError(t, err)
	assert.Equal(t, models.WebhookPending, got.Status)
}
