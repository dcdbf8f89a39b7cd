// Package syncer triggers the ingestion pipeline. It only enqueues jobs; it
// never touches the record store.
package syncer

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"commerce-sync/internal/models"
	"commerce-sync/internal/queue"
)

// Coordinator enqueues the top-level sync and cleanup jobs, on a fixed
// schedule and on operator demand. Both paths go through the same enqueue
// call, so scheduled and manual triggering behave identically.
type Coordinator struct {
	registry *queue.Registry
	log      *zap.Logger
	cron     *cron.Cron
}

// NewCoordinator builds a coordinator over the queue registry.
func NewCoordinator(reg *queue.Registry, log *zap.Logger) *Coordinator {
	return &Coordinator{
		registry: reg,
		log:      log,
		cron:     cron.New(cron.WithLocation(time.UTC)),
	}
}

// TriggerSync enqueues exactly one sync_orders job and returns once the
// broker acknowledged it. It does not wait for the job to run.
func (c *Coordinator) TriggerSync(ctx context.Context) error {
	job, err := c.registry.Enqueue(ctx, models.QueueOrders, models.TypeSyncOrders, map[string]any{}, queue.Options{
		Priority: models.PriorityHigh,
	})
	if err != nil {
		return fmt.Errorf("enqueue sync job: %w", err)
	}
	c.log.Info("order sync job enqueued", zap.String("job_id", job.ID))
	return nil
}

// TriggerCleanup enqueues a cleanup_old_orders job for asynchronous
// execution by the worker.
func (c *Coordinator) TriggerCleanup(ctx context.Context) error {
	job, err := c.registry.Enqueue(ctx, models.QueueOrders, models.TypeCleanupOldOrders, map[string]any{}, queue.Options{
		Priority: models.PriorityLow,
		Delay:    models.DelayLong,
	})
	if err != nil {
		return fmt.Errorf("enqueue cleanup job: %w", err)
	}
	c.log.Info("cleanup job enqueued", zap.String("job_id", job.ID))
	return nil
}

// StartSchedules registers the daily sync and weekly cleanup cron entries and
// starts the scheduler.
func (c *Coordinator) StartSchedules(syncSpec, cleanupSpec string) error {
	if _, err := c.cron.AddFunc(syncSpec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := c.TriggerSync(ctx); err != nil {
			c.log.Error("scheduled sync trigger failed", zap.Error(err))
		}
	}); err != nil {
		return fmt.Errorf("schedule sync %q: %w", syncSpec, err)
	}
	if _, err := c.cron.AddFunc(cleanupSpec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := c.TriggerCleanup(ctx); err != nil {
			c.log.Error("scheduled cleanup trigger failed", zap.Error(err))
		}
	}); err != nil {
		return fmt.Errorf("schedule cleanup %q: %w", cleanupSpec, err)
	}
	c.cron.Start()
	c.log.Info("schedules started",
		zap.String("sync", syncSpec),
		zap.String("cleanup", cleanupSpec))
	return nil
}

// StopSchedules stops the scheduler and waits for running trigger functions.
func (c *Coordinator) StopSchedules() {
	<-c.cron.Stop().Done()
	c.log.Info("schedules stopped")
}
