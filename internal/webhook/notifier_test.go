package webhook

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/careops/notifyd/internal/config"
	"github.com/careops/notifyd/internal/models"
	"github.com/careops/notifyd/internal/storage"
)

func newTestStore(t *testing.T) storage.Storage {
	t.Helper()
	s, err := storage.NewSQLite(filepath.Join(t.TempDir(), "notifyd.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { s.Close() })
	return s
}

// captureServer records every request it receives and answers with a fixed
// status code.
type captureServer struct {
	mu       sync.Mutex
	requests []capturedRequest
	status   int
	srv      *httptest.Server
}

type capturedRequest struct {
	body    string
	headers http.Header
}

func newCaptureServer(t *testing.T, status int) *captureServer {
	t.Helper()
	c := &captureServer{status: status}
	c.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		c.mu.Lock()
		c.requests = append(c.requests, capturedRequest{body: string(body), headers: r.Header.Clone()})
		c.mu.Unlock()
		w.WriteHeader(c.status)
	}))
	t.Cleanup(c.srv.Close)
	return c
}

func (c *captureServer) all() []capturedRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]capturedRequest(nil), c.requests...)
}

func newTestNotifier(t *testing.T, store storage.Storage, url string) *Notifier {
	t.Helper()
	return NewNotifier(store, config.WebhookConfig{
		Enabled:        true,
		URL:            url,
		Secret:         "test-secret",
		MaxRetries:     5,
		ConnectTimeout: time.Second,
		ReadTimeout:    2 * time.Second,
	}, zerolog.Nop())
}

func sentNotification() *models.Notification {
	now := time.Now().UTC()
	return &models.Notification{
		ID:            "ntf_01TEST",
		BeneficiaryID: "7d444840-9dc0-11d1-b245-5ffdce74fad2",
		Type:          models.TypeAppointmentCreated,
		Channel:       models.ChannelSMS,
		Status:        models.NotificationSent,
		SentAt:        &now,
	}
}

func TestNotifyOutcomeDeliversSignedEvent(t *testing.T) {
	store := newTestStore(t)
	srv := newCaptureServer(t, http.StatusOK)
	n := newTestNotifier(t, store, srv.srv.URL)
	ctx := context.Background()

	n.NotifyOutcome(ctx, sentNotification())

	reqs := srv.all()
	require.Len(t, reqs, 1)
	assert.Equal(t, "application/json", reqs[0].headers.Get("Content-Type"))
	assert.Equal(t, models.WebhookEventNotificationSent, reqs[0].headers.Get("X-Webhook-Event-Type"))
	assert.Equal(t, "ntf_01TEST", reqs[0].headers.Get("X-Webhook-Notification-Id"))
	assert.Empty(t, reqs[0].headers.Get("X-Webhook-Retry-Attempt"))

	// The signature covers exactly the body that went over the wire.
	sig := reqs[0].headers.Get("X-Webhook-Signature")
	assert.True(t, n.Signer().Verify(reqs[0].body, sig))
	assert.Contains(t, reqs[0].body, `"status":"SENT"`)

	count, err := store.CountWebhooksByStatus(ctx, models.WebhookSuccess)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestNotifyOutcomeFailedNotification(t *testing.T) {
	store := newTestStore(t)
	srv := newCaptureServer(t, http.StatusOK)
	n := newTestNotifier(t, store, srv.srv.URL)

	failed := sentNotification()
	failed.Status = models.NotificationFailed
	failed.SentAt = nil
	failed.ErrorMessage = "provider unavailable"
	n.NotifyOutcome(context.Background(), failed)

	reqs := srv.all()
	require.Len(t, reqs, 1)
	assert.Equal(t, models.WebhookEventNotificationFailed, reqs[0].headers.Get("X-Webhook-Event-Type"))
	assert.Contains(t, reqs[0].body, `"error_message":"provider unavailable"`)
}

func TestNotifierExhaustsRetriesWithExponentialBackoff(t *testing.T) {
	store := newTestStore(t)
	srv := newCaptureServer(t, http.StatusInternalServerError)
	n := newTestNotifier(t, store, srv.srv.URL)
	ctx := context.Background()

	event := &models.WebhookEvent{
		ID:             models.NewID("whk"),
		NotificationID: "ntf_01TEST",
		URL:            srv.srv.URL,
		EventType:      models.WebhookEventNotificationSent,
		Payload:        `{"notification_id":"ntf_01TEST"}`,
		MaxRetries:     5,
		CreatedAt:      time.Now().UTC(),
	}
	require.NoError(t, n.PublishEvent(ctx, event))

	// First attempt already happened inside PublishEvent.
	wantDelays := []time.Duration{
		2 * time.Minute, 4 * time.Minute, 8 * time.Minute, 16 * time.Minute,
	}
	for i, want := range wantDelays {
		got, err := store.GetWebhookEvent(ctx, event.ID)
		require.NoError(t, err)
		assert.Equal(t, models.WebhookPending, got.Status)
		assert.Equal(t, i+1, got.RetryCount)
		require.NotNil(t, got.NextRetryAt)
		assert.WithinDuration(t, time.Now().UTC().Add(want), *got.NextRetryAt, 5*time.Second)

		n.Deliver(ctx, got)
	}

	got, err := store.GetWebhookEvent(ctx, event.ID)
	require.NoError(t, err)
	assert.Equal(t, models.WebhookFailed, got.Status)
	assert.Equal(t, 5, got.RetryCount)
	assert.Nil(t, got.NextRetryAt)
	assert.Len(t, srv.all(), 5)
}

func TestNotifierRetryAttemptHeader(t *testing.T) {
	store := newTestStore(t)
	srv := newCaptureServer(t, http.StatusOK)
	n := newTestNotifier(t, store, srv.srv.URL)
	ctx := context.Background()

	event := &models.WebhookEvent{
		ID:             models.NewID("whk"),
		NotificationID: "ntf_01TEST",
		URL:            srv.srv.URL,
		EventType:      models.WebhookEventNotificationSent,
		Payload:        `{}`,
		Signature:      n.Signer().Sign(`{}`),
		Status:         models.WebhookPending,
		RetryCount:     2,
		MaxRetries:     5,
		CreatedAt:      time.Now().UTC(),
	}
	require.NoError(t, store.CreateWebhookEvent(ctx, event))

	n.Deliver(ctx, event)

	reqs := srv.all()
	require.Len(t, reqs, 1)
	// Attempt number is retry count + 1.
	assert.Equal(t, "3", reqs[0].headers.Get("X-Webhook-Retry-Attempt"))

	got, err := store.GetWebhookEvent(ctx, event.ID)
	require.NoError(t, err)
	assert.Equal(t, models.WebhookSuccess, got.Status)
	assert.Equal(t, http.StatusOK, got.ResponseCode)
	require.NotNil(t, got.ProcessedAt)
}

func TestNotifyOutcomeNoURLConfigured(t *testing.T) {
	store := newTestStore(t)
	n := newTestNotifier(t, store, "")

	n.NotifyOutcome(context.Background(), sentNotification())

	count, err := store.CountWebhooksByStatus(context.Background(), models.WebhookPending)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestWebhookRetryDelay(t *testing.T) {
	assert.Equal(t, 2*time.Minute, RetryDelay(1))
	assert.Equal(t, 4*time.Minute, RetryDelay(2))
	assert.Equal(t, 8*time.Minute, RetryDelay(3))
	assert.Equal(t, 16*time.Minute, RetryDelay(4))
	assert.Equal(t, 32*time.Minute, RetryDelay(5))
}
