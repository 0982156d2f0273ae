package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/noah-isme/training-booking/internal/app"
	"github.com/noah-isme/training-booking/internal/booking"
	"github.com/noah-isme/training-booking/internal/config"
	"github.com/noah-isme/training-booking/internal/notify"
	"github.com/noah-isme/training-booking/internal/obs"
	"github.com/noah-isme/training-booking/internal/queue"
	"github.com/noah-isme/training-booking/internal/resilience"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	logger := obs.NewLogger(cfg.LogFormat, cfg.LogLevel).With().Str("component", "worker").Logger()
	obs.MustRegisterDomainMetrics(envOrDefault("OBS_METRICS_NAMESPACE", "training"), nil)
	queue.RegisterMetrics(nil)
	resilience.RegisterMetrics(nil)

	if cfg.UsesMemoryStore() {
		logger.Fatal().Msg("the worker needs STORE_DRIVER=postgres")
	}
	if cfg.RedisURL == "" {
		logger.Fatal().Msg("the worker needs REDIS_URL")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := app.NewPool(ctx, cfg, "training-booking-worker")
	if err != nil {
		logger.Fatal().Err(err).Msg("connect database")
	}
	defer pool.Close()

	redisClient, err := app.NewRedis(ctx, cfg.RedisURL, false, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("connect redis")
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Error().Err(err).Msg("close redis")
		}
	}()

	svc, err := app.Build(cfg, app.Infra{Pool: pool, Redis: redisClient, Logger: logger})
	if err != nil {
		logger.Fatal().Err(err).Msg("initialise services")
	}
	defer func() {
		if err := svc.Close(); err != nil {
			logger.Error().Err(err).Msg("close services")
		}
	}()

	deliveryWorker := notify.DeliveryWorker{
		Dispatcher: svc.Dispatcher,
		Locker:     svc.Locker,
		LockTTL:    cfg.LockTTL,
	}
	visibility := envDuration("QUEUE_VISIBILITY_TIMEOUT", 30*time.Second)
	workers := []queue.Worker{
		{
			R:                 redisClient,
			Prefix:            cfg.QueueRedisPrefix,
			Kind:              booking.TaskReconcile,
			Concurrency:       envInt("QUEUE_CONCURRENCY_RECONCILE", 2),
			VisibilityTimeout: visibility,
			RetryBase:         envDuration("QUEUE_BACKOFF_BASE", 2*time.Second),
			RetryJitter:       0.2,
			DeadLetters:       svc.DLQ,
			Logger:            &logger,
			Handler:           svc.Bookings.HandleReconcileTask,
		},
		{
			R:                 redisClient,
			Prefix:            cfg.QueueRedisPrefix,
			Kind:              notify.WebhookDeliveryTask(),
			Concurrency:       envInt("QUEUE_CONCURRENCY_WEBHOOK", 4),
			VisibilityTimeout: visibility,
			SoftDeadline:      cfg.NotifyWebhookTimeout * 2,
			RetryBase:         envDuration("QUEUE_BACKOFF_BASE", 2*time.Second),
			RetryJitter:       0.2,
			DeadLetters:       svc.DLQ,
			Logger:            &logger,
			Handler:           deliveryWorker.Handle,
		},
	}

	var wg sync.WaitGroup
	for _, w := range workers {
		wg.Add(1)
		go func(w queue.Worker) {
			defer wg.Done()
			if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error().Err(err).Str("kind", w.Kind).Msg("worker stopped with error")
			}
		}(w)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		sweep(ctx, svc.Bookings, cfg, logger)
	}()

	logger.Info().Int("workers", len(workers)).Msg("worker starting")
	wg.Wait()
	logger.Info().Msg("worker shutdown complete")
}

// sweep periodically reverses dangling debits the reconcile tasks missed.
func sweep(ctx context.Context, o *booking.Orchestrator, cfg *config.Config, logger zerolog.Logger) {
	ticker := time.NewTicker(cfg.ReconcileSweep)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := o.Sweep(ctx, cfg.ReconcileGrace, 100)
			if err != nil {
				logger.Error().Err(err).Msg("reconcile sweep")
				continue
			}
			if n > 0 {
				logger.Info().Int("reversed", n).Msg("reconcile sweep")
			}
		}
	}
}

func envOrDefault(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok {
		trimmed := strings.TrimSpace(val)
		if trimmed != "" {
			return trimmed
		}
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if val, ok := os.LookupEnv(key); ok {
		if parsed, err := strconv.Atoi(strings.TrimSpace(val)); err == nil && parsed > 0 {
			return parsed
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if val, ok := os.LookupEnv(key); ok {
		if parsed, err := time.ParseDuration(strings.TrimSpace(val)); err == nil && parsed > 0 {
			return parsed
		}
	}
	return fallback
}
