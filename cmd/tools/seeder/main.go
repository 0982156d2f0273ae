package main

import (
	"context"
	"flag"
	"fmt"
	"time"

	"github.com/noah-isme/training-booking/internal/app"
	"github.com/noah-isme/training-booking/internal/auth"
	"github.com/noah-isme/training-booking/internal/cache"
	"github.com/noah-isme/training-booking/internal/config"
	"github.com/noah-isme/training-booking/internal/ledger"
	"github.com/noah-isme/training-booking/internal/obs"
	"github.com/noah-isme/training-booking/internal/repo"
	"github.com/noah-isme/training-booking/internal/seed"
)

func main() {
	tokens := flag.Bool("tokens", true, "print development access tokens for the seeded members")
	tokenTTL := flag.Duration("token-ttl", 24*time.Hour, "lifetime of the printed tokens")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	logger := obs.NewLogger(cfg.LogFormat, cfg.LogLevel).With().Str("component", "seeder").Logger()
	if cfg.UsesMemoryStore() {
		logger.Fatal().Msg("the seeder writes to postgres; the memory store seeds itself on startup")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	pool, err := app.NewPool(ctx, cfg, "training-booking-seeder")
	if err != nil {
		logger.Fatal().Err(err).Msg("connect database")
	}
	defer pool.Close()

	store := repo.NewPostgres(pool)
	ledgerSvc := &ledger.Service{Store: store, Logger: logger}
	data := seed.Demo(time.Now())
	if err := seed.Apply(ctx, store, ledgerSvc, data); err != nil {
		logger.Fatal().Err(err).Msg("seed database")
	}
	logger.Info().
		Int("organisations", len(data.Organisations)).
		Int("members", len(data.Members)).
		Int("courses", len(data.Courses)).
		Int("course_dates", len(data.Dates)).
		Msg("seeding completed")

	if client, err := app.NewRedis(ctx, cfg.RedisURL, false, logger); err != nil {
		logger.Warn().Err(err).Msg("redis unavailable: cached courses expire on their own")
	} else if client != nil {
		ids := make([]string, 0, len(data.Courses))
		for _, c := range data.Courses {
			ids = append(ids, c.ID)
		}
		courses := cache.Courses{Store: store, Cache: app.CourseCache(cfg, client), Logger: logger}
		if err := courses.Invalidate(ctx, ids...); err != nil {
			logger.Warn().Err(err).Msg("invalidate course cache")
		}
		_ = client.Close()
	}

	if !*tokens || cfg.AppEnv == "production" {
		return
	}
	authSvc, err := auth.NewService(auth.Config{Secret: cfg.JWTSecret, AccessTokenTTL: *tokenTTL, Issuer: cfg.JWTIssuer})
	if err != nil {
		logger.Fatal().Err(err).Msg("initialise auth service")
	}
	admins := map[string]bool{}
	for _, id := range data.Admins() {
		admins[id] = true
	}
	for _, m := range data.Members {
		var roles []string
		if admins[m.User.ID] {
			roles = append(roles, auth.RoleAdmin)
		}
		tok, _, err := authSvc.IssueAccessToken(m.User.ID, roles...)
		if err != nil {
			logger.Fatal().Err(err).Str("user_id", m.User.ID).Msg("issue token")
		}
		fmt.Printf("%-14s %s\n", m.User.ID, tok)
	}
}
