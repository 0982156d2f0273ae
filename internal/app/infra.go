package app

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/extra/redisotel/v9"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/noah-isme/training-booking/internal/config"
	"github.com/noah-isme/training-booking/internal/db"
	"github.com/noah-isme/training-booking/internal/obs"
	"github.com/noah-isme/training-booking/internal/ratelimit"
)

// NewPool connects to Postgres with query tracing and a named application.
func NewPool(ctx context.Context, cfg *config.Config, appName string) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database config: %w", err)
	}
	poolConfig.ConnConfig.Tracer = obs.PGXTracer{}
	if poolConfig.ConnConfig.RuntimeParams == nil {
		poolConfig.ConnConfig.RuntimeParams = map[string]string{}
	}
	poolConfig.ConnConfig.RuntimeParams["application_name"] = appName

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}

// NewRedis connects to Redis with otel tracing. An empty url returns a nil client; the
// services then run without locks, queues or replay guards.
func NewRedis(ctx context.Context, url string, metrics bool, logger zerolog.Logger) (*redis.Client, error) {
	if url == "" {
		return nil, nil
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := redisotel.InstrumentTracing(client); err != nil {
		logger.Error().Err(err).Msg("instrument redis tracing")
	}
	if metrics {
		if err := redisotel.InstrumentMetrics(client); err != nil {
			logger.Error().Err(err).Msg("instrument redis metrics")
		}
	}
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

// NewLimiter picks the rate limiter backend named by RATE_LIMIT_BACKEND.
func NewLimiter(cfg *config.Config, client *redis.Client) (ratelimit.Limiter, error) {
	if client == nil {
		return nil, nil
	}
	prefix := cfg.QueueRedisPrefix + ":rl"
	if cfg.RateLimitBackend == "fixed" {
		return ratelimit.NewFixed(client, prefix)
	}
	return ratelimit.Sliding{Client: client, Prefix: prefix}, nil
}

// RunMigrations applies the embedded schema when RUN_MIGRATIONS is set.
func RunMigrations(cfg *config.Config, logger zerolog.Logger) error {
	if !cfg.RunMigrations || cfg.UsesMemoryStore() {
		return nil
	}
	if err := db.Up(cfg.DatabaseURL); err != nil {
		return err
	}
	logger.Info().Msg("migrations applied")
	return nil
}
