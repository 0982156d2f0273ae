// Package app wires configuration, infrastructure and services for the API and worker
// binaries.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/noah-isme/training-booking/internal/audit"
	"github.com/noah-isme/training-booking/internal/booking"
	"github.com/noah-isme/training-booking/internal/cache"
	"github.com/noah-isme/training-booking/internal/config"
	"github.com/noah-isme/training-booking/internal/events"
	"github.com/noah-isme/training-booking/internal/ledger"
	"github.com/noah-isme/training-booking/internal/lock"
	"github.com/noah-isme/training-booking/internal/notify"
	"github.com/noah-isme/training-booking/internal/orgbooking"
	"github.com/noah-isme/training-booking/internal/payment"
	"github.com/noah-isme/training-booking/internal/pricing"
	"github.com/noah-isme/training-booking/internal/queue"
	"github.com/noah-isme/training-booking/internal/repo"
	"github.com/noah-isme/training-booking/internal/repo/memrepo"
	"github.com/noah-isme/training-booking/internal/resilience"
)

// Store is everything the services persist. *repo.Postgres and *memrepo.Store satisfy it.
type Store interface {
	booking.Store
	ledger.Store
	orgbooking.Store
	events.Store
	audit.Store
}

// Infra carries the connections Build wires services onto. Pool is ignored for the memory
// store; a nil Redis disables locks, queues and replay guards.
type Infra struct {
	Pool   *pgxpool.Pool
	Redis  *redis.Client
	Mailer notify.Mailer
	Logger zerolog.Logger
	// Store overrides the store chosen from the config.
	Store Store
}

// Services is the assembled booking core.
type Services struct {
	Config     *config.Config
	Store      Store
	Redis      *redis.Client
	Ledger     *ledger.Service
	Bookings   *booking.Orchestrator
	Bulk       *orgbooking.Service
	Bus        *events.Bus
	Audit      *audit.Service
	Dispatcher *notify.Dispatcher
	Queue      queue.Enqueuer
	DLQ        queue.DeadLetters
	Providers  map[string]payment.Provider
	Gateway    *payment.Gateway
	Locker     lock.Locker
	Logger     zerolog.Logger

	closers []func() error
}

// CourseCache returns the Redis cache holding course rows.
func CourseCache(cfg *config.Config, client *redis.Client) *cache.JSON {
	return cache.NewJSON(client, cfg.QueueRedisPrefix+":cache:", cfg.CatalogCacheTTL)
}

// Build assembles the services from cfg and infra.
func Build(cfg *config.Config, infra Infra) (*Services, error) {
	logger := infra.Logger
	s := &Services{Config: cfg, Redis: infra.Redis, Logger: logger}

	switch {
	case infra.Store != nil:
		s.Store = infra.Store
	case cfg.UsesMemoryStore():
		s.Store = memrepo.New()
	default:
		if infra.Pool == nil {
			return nil, errors.New("app: postgres store needs a pool")
		}
		s.Store = repo.NewPostgres(infra.Pool)
		s.DLQ = queue.NewPostgresDeadLetters(infra.Pool)
	}

	s.Audit = &audit.Service{Store: s.Store, Enabled: cfg.AuditEnabled, SamplingRate: cfg.AuditSamplingRate}

	if infra.Redis != nil {
		s.Locker = lock.Locker{R: infra.Redis, RetryBackoff: cfg.LockRetryBackoff, MaxWait: cfg.LockTTL}
		s.Queue = queue.Enqueuer{R: infra.Redis, Prefix: cfg.QueueRedisPrefix, DedupTTL: cfg.IdempotencyTTL, MaxAttempts: cfg.NotifyWebhookMaxAttempts}
		if s.DLQ == nil {
			s.DLQ = queue.NewMemoryDeadLetters()
		}
	}

	if err := s.buildEvents(cfg, infra); err != nil {
		return nil, err
	}
	if err := s.buildPayments(cfg); err != nil {
		return nil, err
	}

	s.Ledger = &ledger.Service{
		Store:   s.Store,
		LockTTL: cfg.LockTTL,
		Logger:  logger.With().Str("component", "ledger").Logger(),
		OnFrozen: func(ctx context.Context, userID, reason string) {
			if _, err := s.Bus.Emit(ctx, events.TopicLedgerFrozen, userID, map[string]string{"userId": userID, "reason": reason}); err != nil {
				logger.Error().Err(err).Str("user_id", userID).Msg("ledger_frozen_event_failed")
			}
		},
	}

	rules := pricing.DefaultRules(cfg.CreditHourValue, cfg.HalfPriceCourseID)
	rules.MembershipDiscountPct = cfg.MembershipDiscountPct
	var bookingStore booking.Store = s.Store
	if infra.Redis != nil && cfg.CatalogCacheTTL > 0 {
		bookingStore = cache.Courses{
			Store:  s.Store,
			Cache:  CourseCache(cfg, infra.Redis),
			Logger: logger.With().Str("component", "course-cache").Logger(),
		}
	}
	s.Bookings = &booking.Orchestrator{
		Store:      bookingStore,
		Ledger:     s.Ledger,
		Gateway:    s.Gateway,
		Notifier:   notify.ConfirmationSink{Bus: s.Bus},
		Events:     s.Bus,
		LockTTL:    cfg.LockTTL,
		Rules:      rules,
		Currency:   cfg.CurrencyCode,
		SuccessURL: cfg.PaymentSuccessURL,
		CancelURL:  cfg.PaymentCancelURL,
		Logger:     logger.With().Str("component", "booking").Logger(),
	}
	s.Bulk = &orgbooking.Service{
		Store:      s.Store,
		Bookings:   s.Bookings,
		Gateway:    s.Gateway,
		Events:     s.Bus,
		Currency:   cfg.CurrencyCode,
		SuccessURL: cfg.PaymentSuccessURL,
		CancelURL:  cfg.PaymentCancelURL,
		Logger:     logger.With().Str("component", "orgbooking").Logger(),
	}
	// interface fields stay nil without Redis
	if infra.Redis != nil {
		s.Ledger.Locker = s.Locker
		s.Bookings.Locker = s.Locker
		s.Bookings.Reconciler = booking.QueueReconciler{Queue: s.Queue, Delay: cfg.ReconcileGrace}
	}
	return s, nil
}

func (s *Services) buildEvents(cfg *config.Config, infra Infra) error {
	mailer := infra.Mailer
	if mailer == nil {
		mailer = notify.Discard{}
	}
	endpoints, err := notify.ParseEndpoints(cfg.NotifyWebhookEndpoints)
	if err != nil {
		return fmt.Errorf("NOTIFY_WEBHOOK_ENDPOINTS: %w", err)
	}
	client := notify.NewHTTPClient(cfg.NotifyWebhookTimeout)
	s.Dispatcher = &notify.Dispatcher{
		Endpoints: endpoints,
		Client:    client,
		HTTP: &resilience.HTTPClient{
			Client:      client,
			Breaker:     resilience.NewBreaker(cfg.GatewayMinRequests, cfg.GatewayFailureRate, cfg.GatewayOpenFor).WithTarget("webhook-delivery"),
			BaseBackoff: 200 * time.Millisecond,
			MaxAttempts: 2,
			Jitter:      0.2,
			Timeout:     cfg.NotifyWebhookTimeout,
		},
		DefaultMaxAttempts: cfg.NotifyWebhookMaxAttempts,
		Enabled:            len(endpoints) > 0,
		ReplayTTL:          cfg.WebhookReplayTTL,
		Logger:             s.Logger.With().Str("component", "webhooks").Logger(),
	}
	if infra.Redis != nil {
		s.Dispatcher.Queue = s.Queue
		s.Dispatcher.Replay = lock.ReplayGuard{R: infra.Redis}
	}

	notifiers := []events.Notifier{
		notify.EmailNotifier{
			Mail:     mailer,
			Enabled:  cfg.NotifyEmailEnabled,
			From:     cfg.NotifyEmailFrom,
			OpsEmail: cfg.NotifyOpsEmail,
			Users:    s.Store,
			Orgs:     s.Store,
		},
		s.Dispatcher,
	}
	if cfg.AMQPURL != "" {
		pub, err := notify.NewAMQPPublisher(cfg.AMQPURL, cfg.AMQPExchange, s.Logger.With().Str("component", "amqp").Logger())
		if err != nil {
			return err
		}
		notifiers = append(notifiers, pub)
		s.closers = append(s.closers, pub.Close)
	}
	s.Bus = &events.Bus{Store: s.Store, Notifiers: notifiers}
	return nil
}

func (s *Services) buildPayments(cfg *config.Config) error {
	timeout := 10 * time.Second
	s.Providers = map[string]payment.Provider{
		"midtrans": payment.Midtrans{ServerKey: cfg.MidtransServerKey, BaseURL: cfg.MidtransBaseURL, Sandbox: cfg.PaymentSandbox},
	}
	xendit := payment.Xendit{SecretKey: cfg.XenditSecretKey, BaseURL: cfg.XenditBaseURL}
	if !cfg.PaymentSandbox && cfg.XenditSecretKey != "" {
		xendit.HTTP = &resilience.HTTPClient{
			Client:      notify.NewHTTPClient(timeout),
			BaseBackoff: 250 * time.Millisecond,
			MaxAttempts: 3,
			Jitter:      0.2,
			Timeout:     timeout,
		}
	}
	s.Providers["xendit"] = xendit
	if cfg.OmisePublicKey != "" && cfg.OmiseSecretKey != "" {
		api, err := payment.NewOmiseAPI(cfg.OmisePublicKey, cfg.OmiseSecretKey)
		if err != nil {
			return fmt.Errorf("omise client: %w", err)
		}
		s.Providers["omise"] = payment.Omise{API: api}
	}

	active, ok := s.Providers[cfg.PaymentProvider]
	if !ok {
		return fmt.Errorf("payment provider %q is not configured", cfg.PaymentProvider)
	}
	breaker := resilience.NewBreaker(cfg.GatewayMinRequests, cfg.GatewayFailureRate, cfg.GatewayOpenFor)
	s.Gateway = payment.NewGateway(active, breaker, cfg.PaymentSessionTTL, s.Logger.With().Str("component", "gateway").Logger())
	return nil
}

// SyncBulk moves bulk bookings forward once their member bookings settle. It is the payment
// webhook's OnSettled hook.
func (s *Services) SyncBulk(ctx context.Context, bookings []booking.Booking) {
	seen := map[string]bool{}
	for _, b := range bookings {
		if b.BulkID == "" || seen[b.BulkID] {
			continue
		}
		seen[b.BulkID] = true
		if _, err := s.Bulk.Sync(ctx, b.BulkID); err != nil {
			s.Logger.Error().Err(err).Str("bulk_id", b.BulkID).Msg("bulk_sync_failed")
		}
	}
}

// Close releases broker connections opened by Build.
func (s *Services) Close() error {
	var joined error
	for _, c := range s.closers {
		joined = errors.Join(joined, c())
	}
	return joined
}
