package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/careops/notifyd/internal/bus"
	"github.com/careops/notifyd/internal/channel"
	"github.com/careops/notifyd/internal/models"
	"github.com/careops/notifyd/internal/storage"
)

// OutcomeNotifier is told when a notification reaches a terminal state, so
// delivery confirmations can go out to registered webhooks.
type OutcomeNotifier interface {
	NotifyOutcome(ctx context.Context, n *models.Notification)
}

// Dispatcher consumes delivery events, invokes the channel sender and owns
// every mutation of a notification record after creation.
type Dispatcher struct {
	store       storage.Storage
	registry    *channel.Registry
	eventBus    bus.Bus
	dlqTopic    string
	sendTimeout time.Duration
	outcomes    OutcomeNotifier
	log         zerolog.Logger
}

func NewDispatcher(store storage.Storage, registry *channel.Registry, eventBus bus.Bus, dlqTopic string, sendTimeout time.Duration, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		store:       store,
		registry:    registry,
		eventBus:    eventBus,
		dlqTopic:    dlqTopic,
		sendTimeout: sendTimeout,
		log:         log,
	}
}

// SetOutcomeNotifier attaches the webhook confirmation hook. Optional.
func (d *Dispatcher) SetOutcomeNotifier(n OutcomeNotifier) {
	d.outcomes = n
}

// OnEvent handles one bus event. A missing record means the request was
// already handled or never committed; the message is dropped.
func (d *Dispatcher) OnEvent(ctx context.Context, ev models.Event) error {
	n, err := d.store.GetNotification(ctx, ev.NotificationID)
	if err != nil {
		return fmt.Errorf("load notification %s: %w", ev.NotificationID, err)
	}
	if n == nil {
		d.log.Warn().Str("notification_id", ev.NotificationID).Msg("notification not found, dropping event")
		return nil
	}
	return d.Attempt(ctx, n)
}

// Attempt runs one delivery attempt against the record's channel and
// persists the resulting state transition.
func (d *Dispatcher) Attempt(ctx context.Context, n *models.Notification) error {
	if n.Status.Terminal() {
		return nil
	}

	sender, err := d.registry.Resolve(n.PreferredChannel)
	if err != nil {
		return d.recordFailure(ctx, n, err)
	}

	sctx, cancel := context.WithTimeout(ctx, d.sendTimeout)
	sendErr := sender.Send(sctx, n)
	cancel()

	if sendErr != nil {
		return d.recordFailure(ctx, n, sendErr)
	}
	return d.recordSuccess(ctx, n, sender.Channel())
}

func (d *Dispatcher) recordSuccess(ctx context.Context, n *models.Notification, ch models.Channel) error {
	for {
		now := time.Now().UTC()
		n.Status = models.NotificationSent
		n.Channel = ch
		n.SentAt = &now
		n.NextRetryAt = nil
		n.ErrorMessage = ""

		err := d.store.UpdateNotification(ctx, n)
		if err == nil {
			d.log.Info().
				Str("notification_id", n.ID).
				Str("channel", string(ch)).
				Int("retry_count", n.RetryCount).
				Msg("notification sent")
			d.notifyOutcome(ctx, n)
			return nil
		}
		if !errors.Is(err, storage.ErrVersionConflict) {
			return fmt.Errorf("update notification %s: %w", n.ID, err)
		}
		reloaded, stop, rerr := d.reload(ctx, n.ID)
		if rerr != nil || stop {
			return rerr
		}
		*n = *reloaded
	}
}

func (d *Dispatcher) recordFailure(ctx context.Context, n *models.Notification, cause error) error {
	for {
		n.RetryCount++
		n.ErrorMessage = cause.Error()

		exhausted := n.RetryCount >= n.MaxRetries
		if exhausted {
			n.Status = models.NotificationFailed
			n.NextRetryAt = nil
		} else {
			n.Status = models.NotificationRetrying
			next := time.Now().UTC().Add(RetryDelay(n.RetryCount))
			n.NextRetryAt = &next
		}

		err := d.store.UpdateNotification(ctx, n)
		if err == nil {
			if exhausted {
				d.log.Error().
					Str("notification_id", n.ID).
					Int("retry_count", n.RetryCount).
					Str("error", n.ErrorMessage).
					Msg("notification failed permanently")
				d.forwardToDLQ(ctx, n)
				d.notifyOutcome(ctx, n)
			} else {
				d.log.Warn().
					Str("notification_id", n.ID).
					Int("retry_count", n.RetryCount).
					Time("next_retry_at", *n.NextRetryAt).
					Str("error", n.ErrorMessage).
					Msg("notification scheduled for retry")
			}
			return nil
		}
		if !errors.Is(err, storage.ErrVersionConflict) {
			return fmt.Errorf("update notification %s: %w", n.ID, err)
		}
		reloaded, stop, rerr := d.reload(ctx, n.ID)
		if rerr != nil || stop {
			return rerr
		}
		// Redo the transition from the fresh state, not the stale counter.
		*n = *reloaded
	}
}

// reload fetches the current record state after a version conflict. stop is
// true when a concurrent writer already drove the record terminal.
func (d *Dispatcher) reload(ctx context.Context, id string) (*models.Notification, bool, error) {
	n, err := d.store.GetNotification(ctx, id)
	if err != nil {
		return nil, true, fmt.Errorf("reload notification %s: %w", id, err)
	}
	if n == nil || n.Status.Terminal() {
		return nil, true, nil
	}
	return n, false, nil
}

// forwardToDLQ copies the exhausted event to the dead-letter topic for
// operator inspection. Best effort: the record is already FAILED.
func (d *Dispatcher) forwardToDLQ(ctx context.Context, n *models.Notification) {
	if d.eventBus == nil || d.dlqTopic == "" {
		return
	}
	ev := models.NewEvent(n, nil)
	ev.ErrorMessage = n.ErrorMessage
	if err := d.eventBus.Publish(ctx, d.dlqTopic, ev); err != nil {
		d.log.Error().Err(err).Str("notification_id", n.ID).Msg("dead-letter publish failed")
	}
}

func (d *Dispatcher) notifyOutcome(ctx context.Context, n *models.Notification) {
	if d.outcomes == nil {
		return
	}
	d.outcomes.NotifyOutcome(ctx, n)
}
