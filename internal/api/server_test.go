package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/careops/notifyd/internal/campaign"
	"github.com/careops/notifyd/internal/channel"
	"github.com/careops/notifyd/internal/config"
	"github.com/careops/notifyd/internal/dispatch"
	"github.com/careops/notifyd/internal/models"
	"github.com/careops/notifyd/internal/storage"
	"github.com/careops/notifyd/internal/webhook"
)

const testAPIKey = "test-api-key"

// newTestServer wires the full stack without a bus, so submissions resolve
// synchronously and responses carry the final state.
func newTestServer(t *testing.T) (*Server, storage.Storage) {
	t.Helper()
	store, err := storage.NewSQLite(filepath.Join(t.TempDir(), "notifyd.db"))
	require.NoError(t, err)
	require.NoError(t, store.Migrate(context.Background()))
	t.Cleanup(func() { store.Close() })

	log := zerolog.Nop()
	registry := channel.NewRegistry(models.ChannelSMS,
		channel.NewEmailSender(log),
		channel.NewSMSSender(log),
		channel.NewPushSender(log),
	)
	dispatcher := dispatch.NewDispatcher(store, registry, nil, "", 5*time.Second, log)
	hooks := webhook.NewNotifier(store, config.WebhookConfig{
		Secret:         "test-secret",
		MaxRetries:     5,
		ConnectTimeout: time.Second,
		ReadTimeout:    time.Second,
	}, log)
	dispatcher.SetOutcomeNotifier(hooks)
	gate := dispatch.NewGate(store, nil, "notification-events", dispatcher, 3, log)
	orch := campaign.NewOrchestrator(store, nil, "notification-events", 100, 3, log)

	srv := NewServer(config.ServerConfig{APIKey: testAPIKey}, store, gate, orch, hooks, log)
	return srv, store
}

func doJSON(t *testing.T, h http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+testAPIKey)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"ok"`)
}

func TestAuthRequired(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Handler()

	req := httptest.NewRequest(http.MethodGet, "/api/v1/notifications/ntf_x", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/v1/notifications/ntf_x", nil)
	req.Header.Set("Authorization", "Bearer wrong-key")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestSubmitNotification(t *testing.T) {
	srv, store := newTestServer(t)
	h := srv.Handler()

	body := map[string]interface{}{
		"beneficiary_id": "7d444840-9dc0-11d1-b245-5ffdce74fad2",
		"mobile_number":  "+15550001111",
		"type":           "APPOINTMENT_CREATED",
		"correlation_id": "apt-42",
	}
	rec := doJSON(t, h, http.MethodPost, "/api/v1/notifications", body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var outcome dispatch.Outcome
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &outcome))
	assert.True(t, outcome.Success)
	assert.Equal(t, models.NotificationSent, outcome.Status)

	n, err := store.GetNotification(context.Background(), outcome.NotificationID)
	require.NoError(t, err)
	require.NotNil(t, n)
	assert.Equal(t, models.NotificationSent, n.Status)
}

func TestSubmitNotificationDuplicate(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Handler()

	body := map[string]interface{}{
		"beneficiary_id": "7d444840-9dc0-11d1-b245-5ffdce74fad2",
		"mobile_number":  "+15550001111",
		"type":           "QR_RESEND",
		"correlation_id": "apt-77",
	}
	first := doJSON(t, h, http.MethodPost, "/api/v1/notifications", body)
	require.Equal(t, http.StatusOK, first.Code)
	var a dispatch.Outcome
	require.NoError(t, json.Unmarshal(first.Body.Bytes(), &a))

	second := doJSON(t, h, http.MethodPost, "/api/v1/notifications", body)
	require.Equal(t, http.StatusOK, second.Code)
	var b dispatch.Outcome
	require.NoError(t, json.Unmarshal(second.Body.Bytes(), &b))

	assert.True(t, b.Duplicate)
	assert.Equal(t, a.NotificationID, b.NotificationID)
}

func TestSubmitNotificationValidation(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Handler()

	rec := doJSON(t, h, http.MethodPost, "/api/v1/notifications", map[string]interface{}{
		"beneficiary_id": "not-a-uuid",
		"type":           "APPOINTMENT_CREATED",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, h, http.MethodPost, "/api/v1/notifications", map[string]interface{}{
		"beneficiary_id": "7d444840-9dc0-11d1-b245-5ffdce74fad2",
		"type":           "NOT_A_TYPE",
		"mobile_number":  "+15550001111",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTypedSubmitEndpoint(t *testing.T) {
	srv, store := newTestServer(t)
	h := srv.Handler()

	rec := doJSON(t, h, http.MethodPost, "/api/v1/notifications/appointment-reminder", map[string]interface{}{
		"beneficiary_id": "7d444840-9dc0-11d1-b245-5ffdce74fad2",
		"mobile_number":  "+15550001111",
		"correlation_id": "apt-55",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var outcome dispatch.Outcome
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &outcome))
	n, err := store.GetNotification(context.Background(), outcome.NotificationID)
	require.NoError(t, err)
	assert.Equal(t, models.TypeAppointmentReminder, n.Type)
}

func TestGetNotificationNotFound(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := doJSON(t, srv.Handler(), http.MethodGet, "/api/v1/notifications/ntf_missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestBeneficiaryHistory(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Handler()
	beneficiary := "7d444840-9dc0-11d1-b245-5ffdce74fad2"

	for i := 0; i < 2; i++ {
		rec := doJSON(t, h, http.MethodPost, "/api/v1/notifications", map[string]interface{}{
			"beneficiary_id": beneficiary,
			"mobile_number":  "+15550001111",
			"type":           "APPOINTMENT_CREATED",
			"correlation_id": fmt.Sprintf("apt-%d", i),
		})
		require.Equal(t, http.StatusOK, rec.Code)
	}

	rec := doJSON(t, h, http.MethodGet, "/api/v1/beneficiaries/"+beneficiary+"/notifications", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var ns []models.Notification
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ns))
	assert.Len(t, ns, 2)
}

func TestCampaignLifecycleEndpoints(t *testing.T) {
	srv, store := newTestServer(t)
	h := srv.Handler()

	rec := doJSON(t, h, http.MethodPost, "/api/v1/campaigns", map[string]interface{}{
		"name": "flu-shot-reminders",
		"type": "APPOINTMENT_REMINDER",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var c models.Campaign
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &c))
	assert.Equal(t, models.CampaignDraft, c.Status)

	// Start requires beneficiary UUIDs.
	rec = doJSON(t, h, http.MethodPost, "/api/v1/campaigns/"+c.ID+"/start", map[string]interface{}{
		"beneficiary_ids": []string{"nope"},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, h, http.MethodPost, "/api/v1/campaigns/"+c.ID+"/start", map[string]interface{}{
		"beneficiary_ids": []string{
			"7d444840-9dc0-11d1-b245-5ffdce74fad2",
			"8e555951-aed1-22e2-c356-6aaedf85abe3",
		},
	})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	// Starting twice conflicts.
	rec = doJSON(t, h, http.MethodPost, "/api/v1/campaigns/"+c.ID+"/start", map[string]interface{}{
		"beneficiary_ids": []string{"7d444840-9dc0-11d1-b245-5ffdce74fad2"},
	})
	assert.Equal(t, http.StatusConflict, rec.Code)

	got, err := store.GetCampaign(context.Background(), c.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.TargetCount)

	rec = doJSON(t, h, http.MethodGet, "/api/v1/campaigns/"+c.ID+"/progress", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var progress map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &progress))
	assert.Equal(t, c.ID, progress["campaign_id"])
	assert.EqualValues(t, 2, progress["target_count"])
}

func TestWebhookVerifyEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Handler()

	signer := webhook.NewSigner("test-secret")
	payload := `{"notification_id":"ntf_1"}`

	rec := doJSON(t, h, http.MethodPost, "/api/v1/webhooks/verify", map[string]string{
		"payload":   payload,
		"signature": signer.Sign(payload),
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"valid":true`)

	rec = doJSON(t, h, http.MethodPost, "/api/v1/webhooks/verify", map[string]string{
		"payload":   payload,
		"signature": "bogus",
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
