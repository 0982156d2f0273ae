package payment

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/noah-isme/training-booking/internal/booking"
	"github.com/noah-isme/training-booking/internal/common"
	"github.com/noah-isme/training-booking/internal/obs"
	"github.com/noah-isme/training-booking/internal/resilience"
)

const defaultSessionTTL = 30 * time.Minute

// Gateway adapts a Provider to booking.SettlementGateway behind a circuit breaker.
type Gateway struct {
	Provider   Provider
	Breaker    *resilience.Breaker
	SessionTTL time.Duration
	Logger     zerolog.Logger
}

// NewGateway wires a provider behind a breaker labelled with the provider name.
func NewGateway(p Provider, breaker *resilience.Breaker, ttl time.Duration, logger zerolog.Logger) *Gateway {
	if breaker == nil {
		breaker = resilience.NewBreaker(5, 0.5, 30*time.Second)
	}
	breaker.WithTarget(p.Name()).WithLogger(logger)
	return &Gateway{Provider: p, Breaker: breaker, SessionTTL: ttl, Logger: logger}
}

// CreateCheckoutSession implements booking.SettlementGateway. Every failure is reported as
// a retryable gateway error.
func (g *Gateway) CreateCheckoutSession(ctx context.Context, req booking.CheckoutRequest) (booking.CheckoutSession, error) {
	if g == nil || g.Provider == nil {
		return booking.CheckoutSession{}, common.GatewayError("settlement provider not configured", nil)
	}
	name := g.Provider.Name()
	ctx, span := otel.Tracer("payment.Gateway").Start(ctx, "Gateway.CreateCheckoutSession")
	span.SetAttributes(
		attribute.String("payment.provider", name),
		attribute.String("payment.reference", req.Reference),
		attribute.String("payment.amount", req.Amount.String()),
	)
	defer span.End()

	if !req.Amount.IsPositive() {
		return booking.CheckoutSession{}, common.ValidationError("checkout amount must be positive", nil)
	}
	ttl := g.SessionTTL
	if ttl <= 0 {
		ttl = defaultSessionTTL
	}

	start := time.Now()
	result := "success"
	defer func() {
		if obs.CheckoutSessionsTotal != nil {
			obs.CheckoutSessionsTotal.WithLabelValues(name, result).Inc()
		}
		if obs.CheckoutSessionLatency != nil {
			obs.CheckoutSessionLatency.WithLabelValues(name).Observe(float64(time.Since(start).Milliseconds()))
		}
	}()

	var session booking.CheckoutSession
	call := func(ctx context.Context) error {
		s, err := g.Provider.CreateCheckoutSession(ctx, req, ttl)
		if err != nil {
			return err
		}
		session = s
		return nil
	}
	var err error
	if g.Breaker != nil {
		err = g.Breaker.Execute(ctx, call, nil)
	} else {
		err = call(ctx)
	}
	if err != nil {
		span.RecordError(err)
		if errors.Is(err, resilience.ErrOpenCircuit) {
			result = "breaker_open"
		} else {
			result = "error"
		}
		g.Logger.Warn().Err(err).Str("provider", name).Str("reference", req.Reference).Msg("checkout_session_failed")
		return booking.CheckoutSession{}, common.GatewayError("could not create checkout session", err)
	}
	if strings.TrimSpace(session.Provider) == "" {
		session.Provider = name
	}
	g.Logger.Info().
		Str("provider", name).
		Str("reference", req.Reference).
		Str("session_id", session.ID).
		Msg("checkout_session_created")
	return session, nil
}
