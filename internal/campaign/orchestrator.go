// Package campaign fans bulk-send jobs out into individual idempotent
// delivery requests and tracks aggregate progress.
package campaign

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc/pool"

	"github.com/careops/notifyd/internal/bus"
	"github.com/careops/notifyd/internal/dispatch"
	"github.com/careops/notifyd/internal/models"
	"github.com/careops/notifyd/internal/storage"
)

const publishConcurrency = 8

// pausePollInterval is how often a running fan-out re-checks a paused
// campaign before publishing the next batch.
const pausePollInterval = 2 * time.Second

type Orchestrator struct {
	store      storage.Storage
	eventBus   bus.Bus
	topic      string
	batchSize  int
	maxRetries int
	log        zerolog.Logger
	wg         sync.WaitGroup
}

func NewOrchestrator(store storage.Storage, eventBus bus.Bus, topic string, batchSize, maxRetries int, log zerolog.Logger) *Orchestrator {
	if batchSize <= 0 {
		batchSize = 100
	}
	return &Orchestrator{
		store:      store,
		eventBus:   eventBus,
		topic:      topic,
		batchSize:  batchSize,
		maxRetries: maxRetries,
		log:        log,
	}
}

// Start activates the campaign and kicks the fan-out off the caller's
// goroutine. The returned error only covers activation; fan-out failures
// mark the campaign FAILED.
func (o *Orchestrator) Start(ctx context.Context, c *models.Campaign, beneficiaryIDs []string) error {
	now := time.Now().UTC()
	c.Status = models.CampaignActive
	c.StartedAt = &now
	c.TargetCount = len(beneficiaryIDs)
	if err := o.store.UpdateCampaign(ctx, c); err != nil {
		return fmt.Errorf("activate campaign %s: %w", c.ID, err)
	}

	o.log.Info().
		Str("campaign_id", c.ID).
		Int("target", c.TargetCount).
		Msg("campaign started")

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		// Detached from the request context: fan-out outlives the caller.
		o.fanOut(context.WithoutCancel(ctx), c, beneficiaryIDs)
	}()
	return nil
}

// Wait blocks until all running fan-outs finish. Used on shutdown.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

func (o *Orchestrator) fanOut(ctx context.Context, c *models.Campaign, beneficiaryIDs []string) {
	for i := 0; i < len(beneficiaryIDs); i += o.batchSize {
		end := i + o.batchSize
		if end > len(beneficiaryIDs) {
			end = len(beneficiaryIDs)
		}

		if !o.waitWhilePaused(ctx, c.ID) {
			return
		}

		if err := o.processBatch(ctx, c, beneficiaryIDs[i:end]); err != nil {
			o.log.Error().Err(err).Str("campaign_id", c.ID).Msg("campaign batch failed")
			o.markFailed(ctx, c)
			return
		}
	}
	o.log.Info().Str("campaign_id", c.ID).Msg("campaign fan-out published")
}

// waitWhilePaused blocks between batches while the campaign is PAUSED.
// Returns false when the fan-out should abort (campaign gone, terminal, or
// context cancelled). Events already published keep flowing; pause only
// stops new batch publication.
func (o *Orchestrator) waitWhilePaused(ctx context.Context, campaignID string) bool {
	for {
		c, err := o.store.GetCampaign(ctx, campaignID)
		if err != nil {
			o.log.Error().Err(err).Str("campaign_id", campaignID).Msg("campaign reload failed")
			return false
		}
		if c == nil {
			return false
		}
		switch c.Status {
		case models.CampaignActive:
			return true
		case models.CampaignPaused:
			select {
			case <-time.After(pausePollInterval):
			case <-ctx.Done():
				return false
			}
		default:
			return false
		}
	}
}

func (o *Orchestrator) processBatch(ctx context.Context, c *models.Campaign, batch []string) error {
	ns := make([]*models.Notification, 0, len(batch))
	for _, beneficiaryID := range batch {
		key := dispatch.IdempotencyKey(&models.DeliveryRequest{
			BeneficiaryID: beneficiaryID,
			Type:          c.Type,
			CorrelationID: c.ID,
		})
		ns = append(ns, &models.Notification{
			ID:             models.NewID("ntf"),
			IdempotencyKey: key,
			BeneficiaryID:  beneficiaryID,
			Type:           c.Type,
			Status:         models.NotificationPending,
			MaxRetries:     o.maxRetries,
			CampaignID:     c.ID,
			CreatedAt:      time.Now().UTC(),
		})
	}

	if err := o.store.CreateNotifications(ctx, ns); err != nil {
		return fmt.Errorf("persist batch: %w", err)
	}

	// Without a bus the records stay PENDING; the stale-pending sweep
	// picks them up.
	if o.eventBus == nil {
		return nil
	}

	p := pool.New().WithErrors().WithContext(ctx).WithMaxGoroutines(publishConcurrency)
	for _, n := range ns {
		n := n
		p.Go(func(ctx context.Context) error {
			return o.eventBus.Publish(ctx, o.topic, models.NewEvent(n, &models.DeliveryRequest{
				BeneficiaryID: n.BeneficiaryID,
				Type:          n.Type,
				CorrelationID: c.ID,
			}))
		})
	}
	if err := p.Wait(); err != nil {
		return fmt.Errorf("publish batch: %w", err)
	}
	return nil
}

func (o *Orchestrator) markFailed(ctx context.Context, c *models.Campaign) {
	for {
		c.Status = models.CampaignFailed
		err := o.store.UpdateCampaign(ctx, c)
		if err == nil {
			return
		}
		if !errors.Is(err, storage.ErrVersionConflict) {
			o.log.Error().Err(err).Str("campaign_id", c.ID).Msg("campaign status update failed")
			return
		}
		reloaded, rerr := o.store.GetCampaign(ctx, c.ID)
		if rerr != nil || reloaded == nil {
			o.log.Error().Err(rerr).Str("campaign_id", c.ID).Msg("campaign reload failed")
			return
		}
		c = reloaded
	}
}

// Pause stops new batch publication. Already-published events are not
// recalled.
func (o *Orchestrator) Pause(ctx context.Context, campaignID string) error {
	return o.toggle(ctx, campaignID, models.CampaignActive, models.CampaignPaused)
}

// Resume lets a paused fan-out continue.
func (o *Orchestrator) Resume(ctx context.Context, campaignID string) error {
	return o.toggle(ctx, campaignID, models.CampaignPaused, models.CampaignActive)
}

func (o *Orchestrator) toggle(ctx context.Context, campaignID string, from, to models.CampaignStatus) error {
	for {
		c, err := o.store.GetCampaign(ctx, campaignID)
		if err != nil {
			return fmt.Errorf("load campaign %s: %w", campaignID, err)
		}
		if c == nil {
			return fmt.Errorf("campaign %s not found", campaignID)
		}
		if c.Status != from {
			return fmt.Errorf("campaign %s is %s, expected %s", campaignID, c.Status, from)
		}
		c.Status = to
		err = o.store.UpdateCampaign(ctx, c)
		if errors.Is(err, storage.ErrVersionConflict) {
			// The progress sweep wrote counters first. Re-check the status
			// against a fresh row and try again.
			continue
		}
		if err != nil {
			return fmt.Errorf("update campaign %s: %w", campaignID, err)
		}
		o.log.Info().Str("campaign_id", campaignID).Str("status", string(to)).Msg("campaign status changed")
		return nil
	}
}
