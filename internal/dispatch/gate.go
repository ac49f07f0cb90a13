package dispatch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/careops/notifyd/internal/bus"
	"github.com/careops/notifyd/internal/models"
	"github.com/careops/notifyd/internal/storage"
)

// ErrValidation marks a request rejected before anything was persisted.
var ErrValidation = errors.New("dispatch: invalid request")

// Outcome is the caller-visible result of a submission.
type Outcome struct {
	NotificationID string                    `json:"notification_id"`
	Status         models.NotificationStatus `json:"status"`
	Channel        models.Channel            `json:"channel,omitempty"`
	Queued         bool                      `json:"queued"`
	Duplicate      bool                      `json:"duplicate"`
	Success        bool                      `json:"success"`
	ErrorMessage   string                    `json:"error_message,omitempty"`
	SentAt         int64                     `json:"sent_at_epoch_ms,omitempty"`
}

// Gate is the idempotent entry point of the pipeline. It dedupes logical
// requests, persists the PENDING record and hands off to the bus, or
// dispatches inline when no bus is configured.
type Gate struct {
	store      storage.Storage
	eventBus   bus.Bus
	topic      string
	dispatcher *Dispatcher
	maxRetries int
	log        zerolog.Logger
}

func NewGate(store storage.Storage, eventBus bus.Bus, topic string, dispatcher *Dispatcher, maxRetries int, log zerolog.Logger) *Gate {
	return &Gate{
		store:      store,
		eventBus:   eventBus,
		topic:      topic,
		dispatcher: dispatcher,
		maxRetries: maxRetries,
		log:        log,
	}
}

// IdempotencyKey derives the deduplication key from the attributes that
// identify a logical request.
func IdempotencyKey(req *models.DeliveryRequest) string {
	h := sha256.Sum256(fmt.Appendf(nil, "%s:%s:%s", req.BeneficiaryID, req.Type, req.CorrelationID))
	return hex.EncodeToString(h[:])
}

// Submit accepts one delivery request. A repeated submission with the same
// idempotency key returns the first submission's outcome without creating
// state or publishing a second event.
func (g *Gate) Submit(ctx context.Context, req *models.DeliveryRequest) (*Outcome, error) {
	if err := g.validate(req); err != nil {
		return nil, err
	}

	key := IdempotencyKey(req)
	existing, err := g.store.GetNotificationByIdempotencyKey(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("idempotency lookup: %w", err)
	}
	if existing != nil {
		g.log.Warn().Str("idempotency_key", key).Msg("duplicate notification request")
		return outcomeFromRecord(existing, true), nil
	}

	n := &models.Notification{
		ID:               models.NewID("ntf"),
		IdempotencyKey:   key,
		BeneficiaryID:    req.BeneficiaryID,
		MobileNumber:     req.MobileNumber,
		Email:            req.Email,
		DeviceID:         req.DeviceID,
		PreferredChannel: req.PreferredChannel,
		Type:             req.Type,
		Status:           models.NotificationPending,
		MaxRetries:       g.maxRetries,
		CreatedAt:        time.Now().UTC(),
	}

	if err := g.store.CreateNotification(ctx, n); err != nil {
		if errors.Is(err, storage.ErrDuplicateIdempotencyKey) {
			// Lost the insert race: the store is the dedup authority,
			// return the winner's outcome.
			winner, lerr := g.store.GetNotificationByIdempotencyKey(ctx, key)
			if lerr != nil || winner == nil {
				return nil, fmt.Errorf("idempotency reload: %w", lerr)
			}
			return outcomeFromRecord(winner, true), nil
		}
		return nil, fmt.Errorf("persist notification: %w", err)
	}

	if g.eventBus == nil {
		return g.submitSync(ctx, n)
	}

	ev := models.NewEvent(n, req)
	if err := g.eventBus.Publish(ctx, g.topic, ev); err != nil {
		// The PENDING record stays behind; the stale-pending sweep will
		// requeue it.
		g.log.Error().Err(err).Str("notification_id", n.ID).Msg("event publish failed")
		return nil, fmt.Errorf("publish event: %w", err)
	}

	g.log.Info().
		Str("notification_id", n.ID).
		Str("type", string(n.Type)).
		Msg("notification queued")
	return &Outcome{
		NotificationID: n.ID,
		Status:         n.Status,
		Queued:         true,
		Success:        true,
	}, nil
}

func (g *Gate) submitSync(ctx context.Context, n *models.Notification) (*Outcome, error) {
	if err := g.dispatcher.Attempt(ctx, n); err != nil {
		return nil, err
	}
	final, err := g.store.GetNotification(ctx, n.ID)
	if err != nil || final == nil {
		return nil, fmt.Errorf("reload notification %s: %w", n.ID, err)
	}
	return outcomeFromRecord(final, false), nil
}

// validate rejects requests that could never be delivered, before any
// record exists.
func (g *Gate) validate(req *models.DeliveryRequest) error {
	if req.BeneficiaryID == "" {
		return fmt.Errorf("%w: beneficiary id is required", ErrValidation)
	}
	if !req.Type.Valid() {
		return fmt.Errorf("%w: unknown notification type %q", ErrValidation, req.Type)
	}
	if req.MobileNumber == "" && req.Email == "" && req.DeviceID == "" {
		return fmt.Errorf("%w: no contact information provided", ErrValidation)
	}
	switch req.PreferredChannel {
	case "", models.ChannelEmail, models.ChannelSMS, models.ChannelPush:
	default:
		return fmt.Errorf("%w: unsupported channel %q", ErrValidation, req.PreferredChannel)
	}
	return nil
}

func outcomeFromRecord(n *models.Notification, duplicate bool) *Outcome {
	o := &Outcome{
		NotificationID: n.ID,
		Status:         n.Status,
		Channel:        n.Channel,
		Duplicate:      duplicate,
		Success:        n.Status == models.NotificationSent || !n.Status.Terminal(),
		ErrorMessage:   n.ErrorMessage,
	}
	if n.SentAt != nil {
		o.SentAt = n.SentAt.UnixMilli()
	}
	return o
}
