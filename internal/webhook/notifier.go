package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/careops/notifyd/internal/config"
	"github.com/careops/notifyd/internal/models"
	"github.com/careops/notifyd/internal/storage"
)

const maxResponseBody = 1024

// RetryDelay computes the webhook backoff: 2^retryCount minutes.
func RetryDelay(retryCount int) time.Duration {
	return time.Duration(math.Pow(2, float64(retryCount))) * time.Minute
}

// Notifier signs and POSTs delivery-outcome payloads to the registered URL
// and drives the webhook retry state machine.
type Notifier struct {
	store      storage.Storage
	client     *http.Client
	signer     *Signer
	url        string
	maxRetries int
	log        zerolog.Logger
}

func NewNotifier(store storage.Storage, cfg config.WebhookConfig, log zerolog.Logger) *Notifier {
	client := &http.Client{
		Timeout: cfg.ReadTimeout,
		Transport: &http.Transport{
			DialContext: (&net.Dialer{Timeout: cfg.ConnectTimeout}).DialContext,
		},
	}
	return &Notifier{
		store:      store,
		client:     client,
		signer:     NewSigner(cfg.Secret),
		url:        cfg.URL,
		maxRetries: cfg.MaxRetries,
		log:        log,
	}
}

func (w *Notifier) Signer() *Signer { return w.signer }

// outcomePayload is the JSON body delivered to the webhook URL.
type outcomePayload struct {
	NotificationID string `json:"notification_id"`
	BeneficiaryID  string `json:"beneficiary_id"`
	Type           string `json:"type"`
	Channel        string `json:"channel,omitempty"`
	Status         string `json:"status"`
	ErrorMessage   string `json:"error_message,omitempty"`
	SentAt         int64  `json:"sent_at_epoch_ms,omitempty"`
}

// NotifyOutcome publishes a confirmation event for a notification that
// reached a terminal state. No-op when no webhook URL is registered.
func (w *Notifier) NotifyOutcome(ctx context.Context, n *models.Notification) {
	if w.url == "" {
		return
	}

	eventType := models.WebhookEventNotificationSent
	if n.Status == models.NotificationFailed {
		eventType = models.WebhookEventNotificationFailed
	}

	p := outcomePayload{
		NotificationID: n.ID,
		BeneficiaryID:  n.BeneficiaryID,
		Type:           string(n.Type),
		Channel:        string(n.Channel),
		Status:         string(n.Status),
		ErrorMessage:   n.ErrorMessage,
	}
	if n.SentAt != nil {
		p.SentAt = n.SentAt.UnixMilli()
	}
	body, err := json.Marshal(p)
	if err != nil {
		w.log.Error().Err(err).Str("notification_id", n.ID).Msg("webhook payload marshal failed")
		return
	}

	event := &models.WebhookEvent{
		ID:             models.NewID("whk"),
		NotificationID: n.ID,
		URL:            w.url,
		EventType:      eventType,
		Payload:        string(body),
		MaxRetries:     w.maxRetries,
		CreatedAt:      time.Now().UTC(),
	}
	if err := w.PublishEvent(ctx, event); err != nil {
		w.log.Error().Err(err).Str("notification_id", n.ID).Msg("webhook event publish failed")
	}
}

// PublishEvent signs the payload, persists the pending event and attempts
// immediate delivery.
func (w *Notifier) PublishEvent(ctx context.Context, e *models.WebhookEvent) error {
	now := time.Now().UTC()
	e.Signature = w.signer.Sign(e.Payload)
	e.Status = models.WebhookPending
	e.RetryCount = 0
	e.NextRetryAt = &now

	if err := w.store.CreateWebhookEvent(ctx, e); err != nil {
		return fmt.Errorf("persist webhook event: %w", err)
	}
	w.log.Info().Str("webhook_id", e.ID).Str("event_type", e.EventType).Msg("webhook event created")

	w.Deliver(ctx, e)
	return nil
}

// Deliver runs one delivery attempt and persists the resulting state.
func (w *Notifier) Deliver(ctx context.Context, e *models.WebhookEvent) {
	code, respBody, err := w.post(ctx, e)
	if err == nil && code >= 200 && code < 300 {
		now := time.Now().UTC()
		e.Status = models.WebhookSuccess
		e.ResponseCode = code
		e.ResponseBody = respBody
		e.NextRetryAt = nil
		e.ProcessedAt = &now
		w.log.Info().Str("webhook_id", e.ID).Int("status_code", code).Msg("webhook delivered")
	} else {
		if err == nil {
			err = fmt.Errorf("unexpected status code %d", code)
		}
		w.handleFailure(e, code, err)
	}

	if err := w.store.UpdateWebhookEvent(ctx, e); err != nil {
		w.log.Error().Err(err).Str("webhook_id", e.ID).Msg("webhook event update failed")
	}
}

func (w *Notifier) handleFailure(e *models.WebhookEvent, code int, cause error) {
	e.RetryCount++
	e.ResponseCode = code
	e.ResponseBody = cause.Error()

	if e.RetryCount >= e.MaxRetries {
		e.Status = models.WebhookFailed
		e.NextRetryAt = nil
		w.log.Error().
			Str("webhook_id", e.ID).
			Int("max_retries", e.MaxRetries).
			Msg("webhook delivery failed permanently")
		return
	}

	delay := RetryDelay(e.RetryCount)
	next := time.Now().UTC().Add(delay)
	e.NextRetryAt = &next
	w.log.Warn().
		Str("webhook_id", e.ID).
		Int("retry_count", e.RetryCount).
		Dur("retry_in", delay).
		Msg("webhook delivery failed, retry scheduled")
}

func (w *Notifier) post(ctx context.Context, e *models.WebhookEvent) (int, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.URL, strings.NewReader(e.Payload))
	if err != nil {
		return 0, "", fmt.Errorf("build request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-Signature", e.Signature)
	req.Header.Set("X-Webhook-Event-Type", e.EventType)
	req.Header.Set("X-Webhook-Notification-Id", e.NotificationID)
	if e.RetryCount > 0 {
		req.Header.Set("X-Webhook-Retry-Attempt", strconv.Itoa(e.RetryCount+1))
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return 0, "", err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	return resp.StatusCode, string(body), nil
}
