package batch

import (
	"context"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Scheduler drives one job's items through the ItemProcessor with
// bounded parallelism, honoring fail_fast and submission-order start
// semantics: start order follows submission, completions are
// unordered.
type Scheduler struct {
	store  *Store
	logger *zap.Logger
}

// NewScheduler builds a Scheduler bound to store.
func NewScheduler(store *Store, logger *zap.Logger) *Scheduler {
	return &Scheduler{store: store, logger: logger}
}

// Run processes every item in job jobID, returning once the job reaches
// a terminal aggregate status. Safe to call from a background goroutine
// per job.
func (s *Scheduler) Run(ctx context.Context, jobID string) {
	job, ok := s.store.Get(jobID)
	if !ok {
		s.logger.Warn("batch: scheduler could not load job", zap.String("job_id", jobID))
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var cancelOnce sync.Once

	g, gCtx := errgroup.WithContext(runCtx)
	g.SetLimit(job.Config.Parallel)

	for _, itemID := range job.ItemOrder {
		item := job.Items[itemID]
		if item.Status != ItemPending {
			continue
		}
		if gCtx.Err() != nil {
			break
		}

		itemCopy := *item
		g.Go(func() error {
			s.runItem(gCtx, jobID, itemCopy, job.Config, &cancelOnce, cancel)
			return nil
		})
	}

	_ = g.Wait()
	s.failRemainingPending(jobID)
	s.deliverWebhookIfConfigured(ctx, jobID)
}

// failRemainingPending marks any item still pending after the run loop
// exits as failed, covering both fail_fast cancellation and an
// outer-context cancellation that stopped dispatch early.
func (s *Scheduler) failRemainingPending(jobID string) {
	job, ok := s.store.Get(jobID)
	if !ok {
		return
	}
	for _, itemID := range job.ItemOrder {
		if job.Items[itemID].Status == ItemPending {
			_ = s.store.UpdateItem(jobID, itemID, ItemFailed, "", "cancelled")
		}
	}
}

func (s *Scheduler) runItem(ctx context.Context, jobID string, item Item, cfg Config, cancelOnce *sync.Once, cancel context.CancelFunc) {
	if ctx.Err() != nil {
		_ = s.store.UpdateItem(jobID, item.ID, ItemFailed, "", "cancelled")
		return
	}

	artifact, err := s.store.processor.Process(ctx, item.URL, item.Width, item.Height, item.Format, cfg.UseResultCache)
	if err != nil {
		_ = s.store.UpdateItem(jobID, item.ID, ItemFailed, "", err.Error())
		if cfg.FailFast {
			cancelOnce.Do(cancel)
		}
		return
	}
	_ = s.store.UpdateItem(jobID, item.ID, ItemSuccess, artifact, "")
}

func (s *Scheduler) deliverWebhookIfConfigured(ctx context.Context, jobID string) {
	job, ok := s.store.Get(jobID)
	if !ok || job.Config.Webhook == "" || s.store.webhook == nil {
		return
	}
	if err := s.store.webhook.Deliver(ctx, job.Config.Webhook, job.Config.WebhookAuth, job); err != nil {
		s.logger.Warn("batch: webhook delivery failed", zap.String("job_id", jobID), zap.Error(err))
	}
}
