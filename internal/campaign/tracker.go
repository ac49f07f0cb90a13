package campaign

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/careops/notifyd/internal/models"
	"github.com/careops/notifyd/internal/storage"
)

// ProgressTracker periodically recomputes success/failure counters for
// active campaigns from their own notifications and closes out campaigns
// that reached their target.
type ProgressTracker struct {
	store    storage.Storage
	interval time.Duration
	log      zerolog.Logger
	stop     chan struct{}
	wg       sync.WaitGroup
}

func NewProgressTracker(store storage.Storage, interval time.Duration, log zerolog.Logger) *ProgressTracker {
	return &ProgressTracker{
		store:    store,
		interval: interval,
		log:      log,
		stop:     make(chan struct{}),
	}
}

func (t *ProgressTracker) Start(ctx context.Context) {
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		ticker := time.NewTicker(t.interval)
		defer ticker.Stop()
		for {
			select {
			case <-t.stop:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				t.Sweep(ctx)
			}
		}
	}()
}

func (t *ProgressTracker) Stop() {
	close(t.stop)
	t.wg.Wait()
}

// Sweep updates every active campaign once.
func (t *ProgressTracker) Sweep(ctx context.Context) {
	active, err := t.store.ListActiveCampaigns(ctx)
	if err != nil {
		t.log.Error().Err(err).Msg("active campaign query failed")
		return
	}
	for i := range active {
		t.update(ctx, &active[i])
	}
}

func (t *ProgressTracker) update(ctx context.Context, c *models.Campaign) {
	success, failure, err := t.store.CountCampaignOutcomes(ctx, c.ID)
	if err != nil {
		t.log.Error().Err(err).Str("campaign_id", c.ID).Msg("campaign outcome count failed")
		return
	}

	// Version conflicts mean an operator touched the campaign mid-sweep.
	// Reload and re-apply the counters; the operator's status wins.
	for {
		c.SuccessCount = success
		c.FailureCount = failure

		completed := c.TargetCount > 0 && success+failure >= c.TargetCount
		if completed {
			now := time.Now().UTC()
			c.Status = models.CampaignCompleted
			c.CompletedAt = &now
		}

		err := t.store.UpdateCampaign(ctx, c)
		if err == nil {
			if completed {
				t.log.Info().
					Str("campaign_id", c.ID).
					Int("success", success).
					Int("failure", failure).
					Msg("campaign completed")
			}
			return
		}
		if !errors.Is(err, storage.ErrVersionConflict) {
			t.log.Error().Err(err).Str("campaign_id", c.ID).Msg("campaign progress update failed")
			return
		}

		reloaded, rerr := t.store.GetCampaign(ctx, c.ID)
		if rerr != nil {
			t.log.Error().Err(rerr).Str("campaign_id", c.ID).Msg("campaign reload failed")
			return
		}
		if reloaded == nil || reloaded.Status != models.CampaignActive {
			// Paused, failed, or deleted since we listed it. Leave it alone;
			// the next sweep picks it up if it becomes active again.
			return
		}
		c = reloaded
	}
}
