package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"commerce-sync/internal/api"
	"commerce-sync/internal/cleanup"
	"commerce-sync/internal/config"
	"commerce-sync/internal/logger"
	"commerce-sync/internal/models"
	"commerce-sync/internal/queue"
	"commerce-sync/internal/ratelimit"
	"commerce-sync/internal/store"
	"commerce-sync/internal/syncer"
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
	coordinator := syncer.NewCoordinator(registry, zlog)
	if err := coordinator.StartSchedules(cfg.SyncSchedule, cfg.CleanupSchedule); err != nil {
		zlog.Fatal("start schedules", zap.Error(err))
	}
	defer coordinator.StopSchedules()

	limiterClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	limiter := ratelimit.NewTokenBucket(limiterClient, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)

	server := api.New(cfg, registry, coordinator, sweeper, limiter, zlog)
	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}

	zlog.Info("api listening", zap.String("port", cfg.HTTPPort))
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zlog.Fatal("listen", zap.Error(err))
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}
