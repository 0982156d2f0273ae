package payment

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/noah-isme/training-booking/internal/booking"
	"github.com/noah-isme/training-booking/internal/common"
	"github.com/noah-isme/training-booking/internal/obs"
)

// Settler applies provider outcomes to bookings. *booking.Orchestrator satisfies it.
type Settler interface {
	Lookup(ctx context.Context, ref string) ([]booking.Booking, error)
	ConfirmSettlement(ctx context.Context, ref string) ([]booking.Booking, error)
	FailSession(ctx context.Context, ref, reason string) ([]booking.Booking, error)
	CancelSession(ctx context.Context, ref string) ([]booking.Booking, error)
}

// ReplayGuard remembers callbacks already processed. lock.ReplayGuard implements it.
type ReplayGuard interface {
	Claim(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Forget(ctx context.Context, key string) error
}

// Webhook handles payment provider callbacks, including signature verification, replay
// suppression and settlement.
type Webhook struct {
	Providers map[string]Provider
	Settler   Settler
	Replay    ReplayGuard
	ReplayTTL time.Duration
	// OnSettled runs after bookings behind a callback change state.
	OnSettled func(ctx context.Context, bookings []booking.Booking)
	Logger    zerolog.Logger
}

// Handle processes webhook callbacks for the configured payment provider(s).
func (h Webhook) Handle(w http.ResponseWriter, r *http.Request) {
	if h.Settler == nil || h.Providers == nil {
		common.JSONError(w, http.StatusInternalServerError, "PAYMENT_NOT_CONFIGURED", "webhook unavailable", nil)
		return
	}
	providerKey := strings.ToLower(strings.TrimSpace(chi.URLParam(r, "provider")))
	provider, ok := h.Providers[providerKey]
	if !ok {
		common.JSONError(w, http.StatusNotFound, "PROVIDER_NOT_SUPPORTED", "unknown provider", nil)
		return
	}
	result := "processed"
	defer func() {
		if obs.SettlementWebhooksTotal != nil {
			obs.SettlementWebhooksTotal.WithLabelValues(providerKey, result).Inc()
		}
	}()

	body, err := io.ReadAll(r.Body)
	if err != nil {
		result = "invalid"
		common.JSONError(w, http.StatusBadRequest, "INVALID_BODY", "unable to read payload", nil)
		return
	}
	r.Body = io.NopCloser(bytes.NewReader(body))
	verified, err := provider.VerifyWebhook(r, body)
	if err != nil {
		result = "invalid"
		common.JSONError(w, http.StatusBadRequest, "WEBHOOK_INVALID", err.Error(), nil)
		return
	}
	if !verified.Valid {
		result = "rejected"
		h.Logger.Warn().Err(verified.Err).Str("provider", providerKey).Msg("webhook_signature_invalid")
		common.JSONError(w, http.StatusUnauthorized, "INVALID_SIGNATURE", "signature verification failed", nil)
		return
	}

	ctx := r.Context()
	replayKey := ""
	if h.Replay != nil && h.ReplayTTL > 0 {
		replayKey = fmt.Sprintf("wh:%s:%s", providerKey, common.Sha256Hex(string(body)))
		fresh, err := h.Replay.Claim(ctx, replayKey, h.ReplayTTL)
		if err != nil {
			result = "error"
			common.JSONError(w, http.StatusInternalServerError, "REPLAY_STORE_ERROR", err.Error(), nil)
			return
		}
		if !fresh {
			result = "duplicate"
			common.JSON(w, http.StatusOK, map[string]any{"status": "duplicate"})
			return
		}
	}
	// forget the delivery so the provider's retry is processed again
	release := func() {
		if replayKey != "" {
			_ = h.Replay.Forget(context.WithoutCancel(ctx), replayKey)
		}
	}

	log := h.Logger.With().
		Str("provider", providerKey).
		Str("reference", verified.Reference).
		Str("event_id", verified.EventID).
		Str("status", string(verified.Status)).
		Logger()

	var settled []booking.Booking
	switch verified.Status {
	case StatusPaid:
		err = h.checkAmount(ctx, verified)
		if err != nil && !errors.Is(err, common.ErrNotFound) {
			result = "amount_mismatch"
			release()
			log.Error().Err(err).Msg("webhook_amount_mismatch")
			common.WriteError(w, err)
			return
		}
		if err == nil {
			settled, err = h.Settler.ConfirmSettlement(ctx, verified.Reference)
		}
	case StatusFailed:
		reason := firstNonEmpty(verified.FailureReason, "payment failed")
		settled, err = h.Settler.FailSession(ctx, verified.Reference, reason)
	case StatusExpired, StatusCanceled:
		settled, err = h.Settler.CancelSession(ctx, verified.Reference)
	default:
		result = "ignored"
		log.Debug().Msg("webhook_status_ignored")
		common.JSON(w, http.StatusOK, map[string]any{"status": "ignored"})
		return
	}

	switch {
	case err == nil:
	case errors.Is(err, common.ErrInvalidTransition),
		errors.Is(err, common.ErrConflict),
		errors.Is(err, common.ErrInsufficientCredits):
		// the booking reached a final state; nothing a redelivery could change
		result = "acknowledged"
		log.Warn().Err(err).Msg("webhook_settlement_rejected")
	case errors.Is(err, common.ErrNotFound):
		result = "unknown_reference"
		release()
		log.Warn().Err(err).Msg("webhook_reference_unknown")
		common.WriteError(w, err)
		return
	default:
		result = "error"
		release()
		log.Error().Err(err).Msg("webhook_settlement_failed")
		common.WriteError(w, err)
		return
	}
	if h.OnSettled != nil && len(settled) > 0 {
		h.OnSettled(ctx, settled)
	}
	log.Info().Int("bookings", len(settled)).Msg("webhook_processed")
	common.JSON(w, http.StatusOK, map[string]any{"status": result, "bookings": len(settled)})
}

// checkAmount compares a paid amount with the cash still owed on the pending bookings.
func (h Webhook) checkAmount(ctx context.Context, res WebhookResult) error {
	if !res.Amount.IsPositive() {
		return nil
	}
	list, err := h.Settler.Lookup(ctx, res.Reference)
	if err != nil {
		return err
	}
	owed := decimal.Zero
	pending := false
	for _, b := range list {
		if b.Status == booking.StatusPendingPayment {
			pending = true
			owed = owed.Add(b.CashAmount)
		}
	}
	if !pending || owed.Equal(res.Amount) {
		return nil
	}
	return common.NewAppError("AMOUNT_MISMATCH", "provider amount does not match the amount owed", http.StatusBadRequest,
		fmt.Errorf("paid %s, owed %s", res.Amount, owed))
}
