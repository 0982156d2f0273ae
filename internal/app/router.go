package app

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/noah-isme/training-booking/internal/audit"
	"github.com/noah-isme/training-booking/internal/auth"
	"github.com/noah-isme/training-booking/internal/booking"
	"github.com/noah-isme/training-booking/internal/common"
	"github.com/noah-isme/training-booking/internal/health"
	"github.com/noah-isme/training-booking/internal/ledger"
	"github.com/noah-isme/training-booking/internal/lock"
	"github.com/noah-isme/training-booking/internal/obs"
	"github.com/noah-isme/training-booking/internal/orgbooking"
	"github.com/noah-isme/training-booking/internal/payment"
	"github.com/noah-isme/training-booking/internal/queue"
	"github.com/noah-isme/training-booking/internal/ratelimit"
	"github.com/noah-isme/training-booking/internal/security"
)

// RouterOptions holds the HTTP-only collaborators of the router.
type RouterOptions struct {
	Auth    *auth.Service
	Limiter ratelimit.Limiter
	Metrics *obs.HTTPMetrics
	Health  health.Handler
	// ServeMetrics mounts the Prometheus handler on /metrics.
	ServeMetrics bool
	MaxBodyBytes int64
}

// Router builds the HTTP surface over the services.
func (s *Services) Router(opts RouterOptions) http.Handler {
	cfg := s.Config
	authMW := auth.Middleware{Service: opts.Auth}
	idem := common.Idem{R: s.Redis, TTL: cfg.IdempotencyTTL}
	isAdmin := func(r *http.Request) bool {
		c, ok := auth.ClaimsFrom(r.Context())
		return ok && c.HasRole(auth.RoleAdmin)
	}

	bookingH := &booking.Handler{Svc: s.Bookings, IsAdmin: isAdmin}
	ledgerH := &ledger.Handler{Svc: s.Ledger}
	bulkH := &orgbooking.Handler{Svc: s.Bulk}
	paymentH := &payment.Handler{Settler: s.Bookings, Logger: s.Logger}
	webhookH := payment.Webhook{
		Providers: s.Providers,
		Settler:   s.Bookings,
		Replay:    lock.ReplayGuard{R: s.Redis},
		ReplayTTL: cfg.WebhookReplayTTL,
		OnSettled: s.SyncBulk,
		Logger:    s.Logger.With().Str("component", "payment-webhook").Logger(),
	}
	queueAdmin := &queue.AdminHandler{
		DeadLetters: s.DLQ,
		Queue:       s.Queue,
		Logger:      s.Logger.With().Str("component", "queue-admin").Logger(),
	}
	auditH := audit.Handler{Store: s.Store}
	trail := audit.Trail{
		Service: s.Audit,
		OnError: func(err error) { s.Logger.Error().Err(err).Msg("audit_record_failed") },
	}
	quoteLimit := ratelimit.Handler{
		Name:    "quotes",
		Backend: opts.Limiter,
		Rule:    ratelimit.Rule{Window: time.Minute, Limit: cfg.RateLimitQuotesPerMin},
		Key:     ratelimit.ByUserOrIP("quotes"),
		OnError: func(err error) { s.Logger.Warn().Err(err).Msg("rate_limiter_unavailable") },
	}
	maxBody := opts.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = 1 << 20
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(opts.Metrics.Middleware)
	r.Use(obs.RequestLogger{Logger: s.Logger}.Middleware)
	r.Use(security.Headers{
		Enable:          true,
		EnableHSTS:      cfg.AppEnv == "production",
		NoStorePrefixes: []string{"/api/v1/credits", "/api/v1/bookings", "/api/v1/admin"},
	}.Middleware)
	r.Use(security.CORS(cfg.CORSAllowedOrigins))
	r.Use(security.BodyLimit{Max: maxBody}.Middleware)

	if opts.ServeMetrics {
		r.Handle("/metrics", promhttp.Handler())
	}
	r.Get("/health/live", opts.Health.Live)
	r.Get("/health/ready", opts.Health.Ready)

	r.Route("/api/v1", func(v chi.Router) {
		v.Post("/webhooks/payment/{provider}", webhookH.Handle)
		v.Get("/payments/return", paymentH.Return)
		v.Get("/payments/cancel", paymentH.Cancel)

		v.Group(func(m chi.Router) {
			m.Use(authMW.RequireAuth)
			m.With(quoteLimit.Middleware).Get("/quotes", bookingH.Quote)
			m.Get("/bookings", bookingH.List)
			m.Get("/bookings/{id}", bookingH.Get)
			m.Get("/credits", ledgerH.Balance)
			m.Get("/credits/transactions", ledgerH.Transactions)
			m.Get("/organisations/{orgId}/bulk/{bulkId}", bulkH.Get)

			m.Group(func(w chi.Router) {
				w.Use(idem.Middleware)
				w.Post("/bookings", bookingH.Create)
				w.Post("/bookings/{id}/cancel", bookingH.Cancel)
				w.With(quoteLimit.Middleware).Post("/organisations/{orgId}/bulk/quote", bulkH.Quote)
				w.Post("/organisations/{orgId}/bulk/pay-now", bulkH.PayNow)
				w.Post("/organisations/{orgId}/bulk/invoice", bulkH.Invoice)
			})
		})

		v.Route("/admin", func(admin chi.Router) {
			admin.Use(authMW.RequireAuth)
			admin.Use(authMW.RequireRole(auth.RoleAdmin))
			admin.Use(idem.Middleware)
			admin.With(trail.Action("credits.grant", "credit_account")).
				Post("/credits/grant", ledgerH.Grant)
			admin.With(trail.Action("ledger.verify", "credit_account", audit.ResourceParam("userId"))).
				Post("/ledger/{userId}/verify", ledgerH.Verify)
			admin.With(trail.Action("bulk.invoice_paid", "bulk_booking", audit.ResourceParam("bulkId"))).
				Post("/bulk/{bulkId}/invoice-paid", bulkH.MarkPaid)
			admin.Get("/queues/dlq", queueAdmin.ListDLQ)
			admin.With(trail.Action("queue.dlq_replay", "task_dead_letter")).
				Post("/queues/dlq/replay", queueAdmin.ReplayDLQ)
			admin.Get("/queues/stats", queueAdmin.Stats)
			admin.Get("/audit", auditH.List)
		})
	})
	return r
}
