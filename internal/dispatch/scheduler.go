package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/careops/notifyd/internal/storage"
)

const (
	retrySweepLimit = 100
	// stalePendingAge is how long a PENDING record may sit without an
	// in-flight event before the sweep requeues it. Covers the gap where
	// the insert committed but the publish failed.
	stalePendingAge = 10 * time.Minute
)

// RetryScheduler sweeps RETRYING records whose backoff window elapsed and
// re-attempts them through the dispatcher. It also reconciles orphaned
// PENDING records back onto the bus.
type RetryScheduler struct {
	store      storage.Storage
	dispatcher *Dispatcher
	interval   time.Duration
	log        zerolog.Logger
	stop       chan struct{}
	wg         sync.WaitGroup
}

func NewRetryScheduler(store storage.Storage, dispatcher *Dispatcher, interval time.Duration, log zerolog.Logger) *RetryScheduler {
	return &RetryScheduler{
		store:      store,
		dispatcher: dispatcher,
		interval:   interval,
		log:        log,
		stop:       make(chan struct{}),
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

// Sweep runs one pass: due retries first, then orphaned PENDING records.
func (s *RetryScheduler) Sweep(ctx context.Context) {
	now := time.Now().UTC()

	due, err := s.store.ListReadyForRetry(ctx, now, retrySweepLimit)
	if err != nil {
		s.log.Error().Err(err).Msg("retry sweep query failed")
		return
	}
	for i := range due {
		n := due[i]
		if err := s.dispatcher.Attempt(ctx, &n); err != nil {
			s.log.Error().Err(err).Str("notification_id", n.ID).Msg("scheduled retry failed")
		}
	}

	stale, err := s.store.ListStalePending(ctx, now.Add(-stalePendingAge), retrySweepLimit)
	if err != nil {
		s.log.Error().Err(err).Msg("stale pending sweep query failed")
		return
	}
	for i := range stale {
		n := stale[i]
		s.log.Warn().Str("notification_id", n.ID).Msg("requeueing orphaned pending notification")
		if err := s.dispatcher.Attempt(ctx, &n); err != nil {
			s.log.Error().Err(err).Str("notification_id", n.ID).Msg("orphan requeue failed")
		}
	}
}
