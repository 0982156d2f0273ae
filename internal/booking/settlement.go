package booking

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/noah-isme/training-booking/internal/common"
	"github.com/noah-isme/training-booking/internal/events"
	"github.com/noah-isme/training-booking/internal/ledger"
	"github.com/noah-isme/training-booking/internal/lock"
	"github.com/noah-isme/training-booking/internal/obs"
)

// ConfirmSettlement consumes a settlement confirmation. ref is a checkout session id or a
// booking id. Every PENDING_PAYMENT booking behind it has its reserved credits debited and
// moves to CONFIRMED. Deliveries are at-least-once: bookings already CONFIRMED are returned
// unchanged and no credit is spent twice.
func (o *Orchestrator) ConfirmSettlement(ctx context.Context, ref string) ([]Booking, error) {
	if o == nil || o.Store == nil || o.Ledger == nil {
		return nil, errors.New("booking orchestrator not configured")
	}
	ctx, span := otel.Tracer("booking.Orchestrator").Start(ctx, "BookingOrchestrator.ConfirmSettlement")
	defer span.End()
	span.SetAttributes(attribute.String("settlement.ref", ref))

	targets, err := o.resolve(ctx, ref)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	out := make([]Booking, 0, len(targets))
	var firstErr error
	for _, b := range targets {
		var confirmed Booking
		err := o.withLock(ctx, lock.SettleKey(b.ID), func(ctx context.Context) error {
			var err error
			confirmed, err = o.confirm(ctx, b.ID)
			return err
		})
		if err != nil {
			o.Logger.Warn().Err(err).Str("booking_id", b.ID).Str("ref", ref).Msg("settlement_confirm_failed")
			if firstErr == nil {
				firstErr = err
			}
		}
		if confirmed.ID != "" {
			out = append(out, confirmed)
		}
	}
	if firstErr != nil {
		span.RecordError(firstErr)
	}
	return out, firstErr
}

func (o *Orchestrator) confirm(ctx context.Context, id string) (Booking, error) {
	// reload under the lock so a concurrent delivery's result is visible
	b, err := o.Store.Booking(ctx, id)
	if err != nil {
		return Booking{}, notFound(err, "booking not found")
	}
	switch b.Status {
	case StatusConfirmed:
		return b, nil
	case StatusCancelled, StatusFailed:
		return b, common.InvalidTransitionError("booking can no longer be confirmed", map[string]any{"bookingId": b.ID, "status": b.Status})
	}

	if other, err := o.Store.ConfirmedBooking(ctx, b.UserID, b.CourseDateID); err == nil && other.ID != b.ID {
		failed, _ := o.fail(ctx, b, "a confirmed booking already exists for this course date")
		return failed, alreadyBooked(other)
	} else if err != nil && !errors.Is(err, ErrNotFound) {
		return b, err
	}

	var debit ledger.Transaction
	if b.CreditsUsed.IsPositive() {
		debit, err = o.Ledger.Debit(ctx, b.UserID, b.CreditsUsed, b.ID, ledger.DebitKey(b.ID))
		switch {
		case err == nil:
		case errors.Is(err, common.ErrInsufficientCredits):
			failed, _ := o.fail(ctx, b, "reserved credit hours are no longer available")
			return failed, err
		case errors.Is(err, ledger.ErrDebitReversed):
			failed, _ := o.fail(ctx, b, "reserved credit hours were returned")
			return failed, common.InvalidTransitionError("booking credits were already returned", map[string]any{"bookingId": b.ID})
		case errors.Is(err, ledger.ErrDebitMismatch):
			failed, _ := o.fail(ctx, b, "recorded credit debit does not match the booking")
			o.reverseOrSchedule(ctx, debit)
			return failed, common.InvalidTransitionError("booking credits do not match the recorded debit", map[string]any{"bookingId": b.ID})
		default:
			// left pending: the next delivery retries the same idempotent debit
			return b, err
		}
	}

	updated, err := o.Store.TransitionBooking(ctx, Transition{ID: b.ID, From: StatusPendingPayment, To: StatusConfirmed, At: o.now()})
	switch {
	case err == nil:
	case errors.Is(err, ErrStaleState):
		current, getErr := o.Store.Booking(ctx, b.ID)
		if getErr != nil {
			return b, getErr
		}
		if current.Status == StatusConfirmed {
			return current, nil
		}
		if b.CreditsUsed.IsPositive() {
			o.reverseOrSchedule(ctx, debit)
		}
		return current, common.InvalidTransitionError("booking can no longer be confirmed", map[string]any{"bookingId": b.ID, "status": current.Status})
	case errors.Is(err, ErrAlreadyConfirmed):
		if b.CreditsUsed.IsPositive() {
			o.reverseOrSchedule(ctx, debit)
		}
		failed, _ := o.fail(ctx, b, "a confirmed booking already exists for this course date")
		return failed, alreadyBooked(Booking{})
	default:
		return b, fmt.Errorf("confirm booking: %w", err)
	}

	obs.CountTransition(string(StatusPendingPayment), string(StatusConfirmed))
	o.Logger.Info().
		Str("booking_id", updated.ID).
		Str("user_id", updated.UserID).
		Str("session_id", updated.SessionID).
		Msg("booking_confirmed")
	o.emit(ctx, events.TopicBookingConfirmed, updated)
	o.notifyLoaded(ctx, updated)
	return updated, nil
}

// Cancel moves a PENDING_PAYMENT booking to CANCELLED. The ledger is never touched:
// credits on the deferred path are only spent at confirmation.
func (o *Orchestrator) Cancel(ctx context.Context, id string) (Booking, error) {
	if o == nil || o.Store == nil {
		return Booking{}, errors.New("booking orchestrator not configured")
	}
	var out Booking
	err := o.withLock(ctx, lock.SettleKey(id), func(ctx context.Context) error {
		b, err := o.Store.Booking(ctx, id)
		if err != nil {
			return notFound(err, "booking not found")
		}
		if b.Status == StatusCancelled {
			out = b
			return nil
		}
		if b.Status != StatusPendingPayment {
			out = b
			return common.InvalidTransitionError("only bookings awaiting payment can be cancelled", map[string]any{"bookingId": b.ID, "status": b.Status})
		}
		updated, err := o.Store.TransitionBooking(ctx, Transition{ID: b.ID, From: StatusPendingPayment, To: StatusCancelled, At: o.now()})
		if errors.Is(err, ErrStaleState) {
			current, getErr := o.Store.Booking(ctx, b.ID)
			if getErr != nil {
				return getErr
			}
			out = current
			if current.Status == StatusCancelled {
				return nil
			}
			return common.InvalidTransitionError("only bookings awaiting payment can be cancelled", map[string]any{"bookingId": b.ID, "status": current.Status})
		}
		if err != nil {
			return err
		}
		obs.CountTransition(string(StatusPendingPayment), string(StatusCancelled))
		o.Logger.Info().Str("booking_id", b.ID).Msg("booking_cancelled")
		o.emit(ctx, events.TopicBookingCancelled, updated)
		out = updated
		return nil
	})
	return out, err
}

// Fail moves a non-terminal booking to FAILED.
func (o *Orchestrator) Fail(ctx context.Context, id, reason string) (Booking, error) {
	if o == nil || o.Store == nil {
		return Booking{}, errors.New("booking orchestrator not configured")
	}
	var out Booking
	err := o.withLock(ctx, lock.SettleKey(id), func(ctx context.Context) error {
		b, err := o.Store.Booking(ctx, id)
		if err != nil {
			return notFound(err, "booking not found")
		}
		if b.Status == StatusFailed {
			out = b
			return nil
		}
		if b.Status.Terminal() {
			out = b
			return common.InvalidTransitionError("booking is already settled", map[string]any{"bookingId": b.ID, "status": b.Status})
		}
		out, err = o.fail(ctx, b, reason)
		return err
	})
	return out, err
}

// CancelSession cancels every pending booking behind a checkout session or booking id.
func (o *Orchestrator) CancelSession(ctx context.Context, ref string) ([]Booking, error) {
	targets, err := o.resolve(ctx, ref)
	if err != nil {
		return nil, err
	}
	out := make([]Booking, 0, len(targets))
	var firstErr error
	for _, b := range targets {
		updated, err := o.Cancel(ctx, b.ID)
		if err != nil && firstErr == nil {
			firstErr = err
		}
		out = append(out, updated)
	}
	return out, firstErr
}

// FailSession fails every pending booking behind a checkout session or booking id.
func (o *Orchestrator) FailSession(ctx context.Context, ref, reason string) ([]Booking, error) {
	targets, err := o.resolve(ctx, ref)
	if err != nil {
		return nil, err
	}
	out := make([]Booking, 0, len(targets))
	var firstErr error
	for _, b := range targets {
		updated, err := o.Fail(ctx, b.ID, reason)
		if err != nil && firstErr == nil {
			firstErr = err
		}
		out = append(out, updated)
	}
	return out, firstErr
}

func (o *Orchestrator) fail(ctx context.Context, b Booking, reason string) (Booking, error) {
	updated, err := o.Store.TransitionBooking(ctx, Transition{ID: b.ID, From: b.Status, To: StatusFailed, FailureReason: reason, At: o.now()})
	if err != nil {
		if errors.Is(err, ErrStaleState) {
			current, getErr := o.Store.Booking(ctx, b.ID)
			if getErr == nil {
				return current, nil
			}
		}
		o.Logger.Error().Err(err).Str("booking_id", b.ID).Msg("booking_fail_transition_failed")
		return b, err
	}
	obs.CountTransition(string(b.Status), string(StatusFailed))
	o.Logger.Warn().Str("booking_id", b.ID).Str("reason", reason).Msg("booking_failed")
	o.emit(ctx, events.TopicBookingFailed, updated)
	return updated, nil
}

func (o *Orchestrator) resolve(ctx context.Context, ref string) ([]Booking, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil, common.ValidationError("settlement reference is required", nil)
	}
	list, err := o.Store.BookingsBySession(ctx, ref)
	if err != nil {
		return nil, err
	}
	if len(list) > 0 {
		return list, nil
	}
	b, err := o.Store.Booking(ctx, ref)
	if err != nil {
		return nil, notFound(err, "no booking matches settlement reference")
	}
	return []Booking{b}, nil
}

func (o *Orchestrator) notifyLoaded(ctx context.Context, b Booking) {
	if o.Notifier == nil {
		return
	}
	user, err := o.Store.User(ctx, b.UserID)
	if err != nil {
		o.Logger.Warn().Err(err).Str("booking_id", b.ID).Msg("confirmation_notice_skipped")
		return
	}
	course, _ := o.Store.Course(ctx, b.CourseID)
	date, _ := o.Store.CourseDate(ctx, b.CourseDateID)
	o.notify(ctx, b, user, course, date)
}

// Lookup returns the bookings behind a settlement reference without changing them.
func (o *Orchestrator) Lookup(ctx context.Context, ref string) ([]Booking, error) {
	return o.resolve(ctx, ref)
}
