package webhook

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/careops/notifyd/internal/models"
	"github.com/careops/notifyd/internal/storage"
)

const retrySweepLimit = 100

// RetryScheduler re-attempts pending webhook deliveries whose backoff
// window elapsed. Independent of the notification retry loop and on a much
// slower cadence.
type RetryScheduler struct {
	store    storage.Storage
	notifier *Notifier
	interval time.Duration
	log      zerolog.Logger
	stop     chan struct{}
	wg       sync.WaitGroup
}

func NewRetryScheduler(store storage.Storage, notifier *Notifier, interval time.Duration, log zerolog.Logger) *RetryScheduler {
	return &RetryScheduler{
		store:    store,
		notifier: notifier,
		interval: interval,
		log:      log,
		stop:     make(chan struct{}),
	}
}

func (s *RetryScheduler) Start(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-s.stop:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.Sweep(ctx)
			}
		}
	}()
}

func (s *RetryScheduler) Stop() {
	close(s.stop)
	s.wg.Wait()
}

// Sweep retries every due pending webhook, then logs delivery health.
func (s *RetryScheduler) Sweep(ctx context.Context) {
	due, err := s.store.ListWebhooksReadyForRetry(ctx, time.Now().UTC(), retrySweepLimit)
	if err != nil {
		s.log.Error().Err(err).Msg("webhook retry sweep query failed")
		return
	}
	if len(due) > 0 {
		s.log.Info().Int("count", len(due)).Msg("retrying pending webhooks")
	}
	for i := range due {
		e := due[i]
		s.notifier.Deliver(ctx, &e)
	}

	s.reportMetrics(ctx)
}

func (s *RetryScheduler) reportMetrics(ctx context.Context) {
	pending, err := s.store.CountWebhooksByStatus(ctx, models.WebhookPending)
	if err != nil {
		s.log.Error().Err(err).Msg("webhook metrics query failed")
		return
	}
	failed, err := s.store.CountWebhooksByStatus(ctx, models.WebhookFailed)
	if err != nil {
		s.log.Error().Err(err).Msg("webhook metrics query failed")
		return
	}
	s.log.Info().Int64("pending", pending).Int64("failed", failed).Msg("webhook delivery metrics")
	if failed > 0 {
		s.log.Warn().Int64("failed", failed).Msg("failed webhooks need attention")
	}
}
