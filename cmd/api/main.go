package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/noah-isme/training-booking/internal/app"
	"github.com/noah-isme/training-booking/internal/auth"
	"github.com/noah-isme/training-booking/internal/config"
	"github.com/noah-isme/training-booking/internal/health"
	"github.com/noah-isme/training-booking/internal/obs"
	"github.com/noah-isme/training-booking/internal/queue"
	"github.com/noah-isme/training-booking/internal/repo/memrepo"
	"github.com/noah-isme/training-booking/internal/resilience"
	"github.com/noah-isme/training-booking/internal/seed"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := obs.NewLogger(cfg.LogFormat, cfg.LogLevel).With().Str("env", cfg.AppEnv).Logger()

	metricsNamespace := envOrDefault("OBS_METRICS_NAMESPACE", "training")
	metricsEnabled := envBool("OBS_ENABLE_PROMETHEUS", true)
	obs.MustRegisterDomainMetrics(metricsNamespace, nil)
	queue.RegisterMetrics(nil)
	resilience.RegisterMetrics(nil)

	if cfg.OTLPEndpoint != "" {
		shutdown, err := obs.InitTracer(context.Background(), obs.TracingConfig{
			ServiceName:   "training-booking-api",
			Endpoint:      cfg.OTLPEndpoint,
			Exporter:      envOrDefault("OBS_TRACING_EXPORTER", "otlp"),
			SamplingRatio: envFloat("OBS_TRACING_SAMPLING_RATIO", 1.0),
			Environment:   cfg.AppEnv,
		})
		if err != nil {
			logger.Error().Err(err).Msg("initialise tracing")
		} else {
			defer func() {
				if err := shutdown(context.Background()); err != nil {
					logger.Error().Err(err).Msg("shutdown tracer")
				}
			}()
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	startCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	var pool *pgxpool.Pool
	if !cfg.UsesMemoryStore() {
		pool, err = app.NewPool(startCtx, cfg, "training-booking-api")
		if err != nil {
			logger.Fatal().Err(err).Msg("connect database")
		}
		defer pool.Close()
		if err := app.RunMigrations(cfg, logger); err != nil {
			logger.Fatal().Err(err).Msg("run migrations")
		}
	}

	redisClient, err := app.NewRedis(startCtx, cfg.RedisURL, metricsEnabled, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("connect redis")
	}
	if redisClient == nil {
		logger.Warn().Msg("REDIS_URL not set: running without locks, task queue or replay guards")
	} else {
		defer func() {
			if err := redisClient.Close(); err != nil {
				logger.Error().Err(err).Msg("close redis")
			}
		}()
	}

	infra := app.Infra{Pool: pool, Redis: redisClient, Logger: logger}
	var mem *memrepo.Store
	if cfg.UsesMemoryStore() {
		mem = memrepo.New()
		infra.Store = mem
	}

	svc, err := app.Build(cfg, infra)
	if err != nil {
		logger.Fatal().Err(err).Msg("initialise services")
	}
	defer func() {
		if err := svc.Close(); err != nil {
			logger.Error().Err(err).Msg("close services")
		}
	}()

	if mem != nil {
		if err := seed.Apply(startCtx, mem, svc.Ledger, seed.Demo(time.Now())); err != nil {
			logger.Fatal().Err(err).Msg("seed memory store")
		}
		logger.Info().Msg("memory store seeded with demo data")
	}

	authService, err := auth.NewService(auth.Config{
		Secret:          cfg.JWTSecret,
		PreviousSecrets: cfg.JWTPrevious,
		AccessTokenTTL:  envDuration("JWT_ACCESS_TTL", time.Hour),
		Issuer:          cfg.JWTIssuer,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("initialise auth service")
	}

	limiter, err := app.NewLimiter(cfg, redisClient)
	if err != nil {
		logger.Fatal().Err(err).Msg("initialise rate limiter")
	}

	var httpMetrics *obs.HTTPMetrics
	if metricsEnabled {
		httpMetrics = obs.NewHTTPMetrics(metricsNamespace, obs.ParseBucketsCSV(envOrDefault("OBS_METRICS_BUCKETS_MS", "")), nil)
	}

	checks := health.Checker{}
	if mem != nil {
		checks["store"] = health.Static(nil)
	}
	if pool != nil {
		checks["db"] = health.PoolProbe(pool)
	}
	if redisClient != nil {
		checks["redis"] = health.RedisProbe(redisClient)
	}

	router := svc.Router(app.RouterOptions{
		Auth:         authService,
		Limiter:      limiter,
		Metrics:      httpMetrics,
		Health:       health.Handler{Checker: checks, Timeout: envDurationMillis("HEALTH_READY_TIMEOUT_MS", 500)},
		ServeMetrics: metricsEnabled,
		MaxBodyBytes: int64(envInt("HTTP_MAX_BODY_BYTES", 1<<20)),
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           obs.Instrument(router, "training-booking-api"),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", srv.Addr).Str("store", cfg.StoreDriver).Msg("server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server exited unexpectedly")
		}
	}()

	<-ctx.Done()
	shutdown(srv, logger)
}

func shutdown(srv *http.Server, logger zerolog.Logger) {
	health.SetReady(false)
	ctx, cancel := context.WithTimeout(context.Background(), envDuration("SHUTDOWN_TIMEOUT", 15*time.Second))
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("http shutdown")
		return
	}
	logger.Info().Msg("server shutdown complete")
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

func envBool(key string, fallback bool) bool {
	if val, ok := os.LookupEnv(key); ok {
		switch strings.ToLower(strings.TrimSpace(val)) {
		case "1", "t", "true", "yes", "on":
			return true
		case "0", "f", "false", "no", "off":
			return false
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if val, ok := os.LookupEnv(key); ok {
		if parsed, err := strconv.ParseFloat(strings.TrimSpace(val), 64); err == nil {
			return parsed
		}
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if val, ok := os.LookupEnv(key); ok {
		if parsed, err := strconv.Atoi(strings.TrimSpace(val)); err == nil {
			return parsed
		}
	}
	return fallback
}

func envDurationMillis(key string, fallback int) time.Duration {
	return time.Duration(envInt(key, fallback)) * time.Millisecond
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if val, ok := os.LookupEnv(key); ok {
		if parsed, err := time.ParseDuration(strings.TrimSpace(val)); err == nil && parsed > 0 {
			return parsed
		}
	}
	return fallback
}
