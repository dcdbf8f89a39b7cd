package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"go.uber.org/zap"

	"commerce-sync/internal/catalog"
	"commerce-sync/internal/cleanup"
	"commerce-sync/internal/config"
	"commerce-sync/internal/logger"
	"commerce-sync/internal/models"
	"commerce-sync/internal/queue"
	"commerce-sync/internal/store"
	"commerce-sync/internal/telemetry"
	"commerce-sync/internal/worker"
)

func main() {
	cfg := config.Load()

	zlog, err := logger.New(cfg.Env)
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer zlog.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		zlog.Fatal("connect postgres", zap.Error(err))
	}
	defer st.Close()
	if err := st.RunMigrations(ctx); err != nil {
		zlog.Fatal("migrations", zap.Error(err))
	}

	registry := queue.NewRegistry(cfg, models.QueueOrders, models.QueueProducts)
	defer registry.Close()

	sweeper := cleanup.NewSweeper(st, cfg.CleanupMaxAge, zlog)
	client := catalog.NewWooClient(cfg)
	ingestion := worker.NewIngestion(registry, st, st, client, sweeper, cfg.SyncWindow, zlog)

	ordersDispatcher := worker.NewDispatcher(models.QueueOrders, registry, cfg.WorkerConcurrency, cfg.WorkerPollInterval, zlog)
	productsDispatcher := worker.NewDispatcher(models.QueueProducts, registry, cfg.WorkerConcurrency, cfg.WorkerPollInterval, zlog)
	ingestion.RegisterOrders(ordersDispatcher)
	ingestion.RegisterProducts(productsDispatcher)

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			zlog.Warn("metrics server stopped", zap.Error(err))
		}
	}()

	var wg sync.WaitGroup
	for _, d := range []*worker.Dispatcher{ordersDispatcher, productsDispatcher} {
		wg.Add(2)
		go func(d *worker.Dispatcher) {
			defer wg.Done()
			if err := d.Run(ctx); err != nil && err != context.Canceled {
				zlog.Error("dispatcher stopped", zap.String("queue", d.Queue()), zap.Error(err))
			}
		}(d)
		go func(d *worker.Dispatcher) {
			defer wg.Done()
			consumeEvents(d, zlog)
		}(d)
	}

	zlog.Info("worker started",
		zap.Int("concurrency", cfg.WorkerConcurrency),
		zap.Duration("visibility", cfg.VisibilityTimeout))

	<-ctx.Done()
	for _, d := range []*worker.Dispatcher{ordersDispatcher, productsDispatcher} {
		_ = d.Close(cfg.ShutdownGrace)
	}
	wg.Wait()
}

// consumeEvents drains a dispatcher's lifecycle stream into the log so
// failures stay visible to operators.
func consumeEvents(d *worker.Dispatcher, zlog *zap.Logger) {
	for ev := range d.Events() {
		fields := []zap.Field{
			zap.String("queue", ev.Queue),
			zap.String("job_id", ev.JobID),
			zap.String("type", ev.JobType),
			zap.Int("attempts", ev.Attempts),
		}
		switch ev.Kind {
		case worker.EventCompleted:
			zlog.Info("job completed", fields...)
		case worker.EventRetrying:
			zlog.Warn("job attempt failed, retrying", append(fields, zap.String("error", ev.Err))...)
		case worker.EventFailed:
			zlog.Error("job failed permanently", append(fields, zap.String("error", ev.Err))...)
		}
	}
}
