package booking

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/noah-isme/training-booking/internal/ledger"
	"github.com/noah-isme/training-booking/internal/lock"
	"github.com/noah-isme/training-booking/internal/obs"
	"github.com/noah-isme/training-booking/internal/queue"
)

// TaskReconcile is the queue kind carrying dangling debit checks.
const TaskReconcile = "booking_reconcile"

// Reconcile outcomes.
const (
	ReconcileNothing   = "nothing"
	ReconcileCompleted = "completed"
	ReconcilePending   = "pending"
	ReconcileReversed  = "reversed"
)

// TaskEnqueuer is satisfied by queue.Enqueuer.
type TaskEnqueuer interface {
	Enqueue(ctx context.Context, t queue.Task) error
}

// QueueReconciler schedules reconcile checks on the Redis task queue.
type QueueReconciler struct {
	Queue TaskEnqueuer
	// Delay gives an in-flight retry time to complete the booking before the check runs.
	Delay       time.Duration
	MaxAttempts int
}

type reconcilePayload struct {
	BookingID string `json:"bookingId"`
	UserID    string `json:"userId"`
}

// ScheduleReconcile implements ReconcileScheduler.
func (q QueueReconciler) ScheduleReconcile(ctx context.Context, bookingID, userID string) error {
	if q.Queue == nil {
		return errors.New("reconcile queue not configured")
	}
	payload, err := json.Marshal(reconcilePayload{BookingID: bookingID, UserID: userID})
	if err != nil {
		return err
	}
	attempts := q.MaxAttempts
	if attempts <= 0 {
		attempts = 8
	}
	return q.Queue.Enqueue(ctx, queue.Task{
		Kind:           TaskReconcile,
		Payload:        payload,
		IdempotencyKey: bookingID,
		MaxAttempts:    attempts,
		Delay:          q.Delay,
	})
}

// HandleReconcileTask is the queue.Worker handler for TaskReconcile.
func (o *Orchestrator) HandleReconcileTask(ctx context.Context, t queue.Task) error {
	var p reconcilePayload
	if err := json.Unmarshal(t.Payload, &p); err != nil {
		// malformed payloads are dropped; the sweep still finds the debit
		o.Logger.Error().Err(err).Msg("reconcile_task_malformed")
		return nil
	}
	_, err := o.Reconcile(ctx, p.BookingID)
	return err
}

// Reconcile resolves a debit recorded for bookingID. A confirmed booking completes it, a
// pending one is left for its settlement callback, and a missing or abandoned booking gets
// its credits back.
func (o *Orchestrator) Reconcile(ctx context.Context, bookingID string) (string, error) {
	if o == nil || o.Store == nil || o.Ledger == nil {
		return "", errors.New("booking orchestrator not configured")
	}
	action := ReconcileNothing
	err := o.withLock(ctx, lock.SettleKey(bookingID), func(ctx context.Context) error {
		debit, err := o.Ledger.FindDebit(ctx, ledger.DebitKey(bookingID))
		if errors.Is(err, ledger.ErrTxNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if debit.Type != ledger.TxSpent {
			return nil
		}
		if done, err := o.reversed(ctx, debit); err != nil || done {
			return err
		}
		b, err := o.Store.Booking(ctx, bookingID)
		switch {
		case err == nil && b.Status == StatusConfirmed:
			action = ReconcileCompleted
			return nil
		case err == nil && b.Status == StatusPendingPayment:
			action = ReconcilePending
			return nil
		case err == nil, errors.Is(err, ErrNotFound):
		default:
			return err
		}
		if _, err := o.Ledger.Reverse(ctx, debit); err != nil {
			return fmt.Errorf("reverse dangling debit: %w", err)
		}
		action = ReconcileReversed
		o.Logger.Warn().
			Str("booking_id", bookingID).
			Str("user_id", debit.UserID).
			Str("amount", debit.Amount.Abs().String()).
			Msg("dangling_debit_reversed")
		return nil
	})
	if err != nil {
		return "", err
	}
	obs.CountReconcile(action)
	return action, nil
}

// Sweep reconciles debits older than grace that have no booking row.
func (o *Orchestrator) Sweep(ctx context.Context, grace time.Duration, limit int) (int, error) {
	if limit <= 0 {
		limit = 100
	}
	dangling, err := o.Store.DanglingDebits(ctx, o.now().Add(-grace), limit)
	if err != nil {
		return 0, err
	}
	reversed := 0
	for _, d := range dangling {
		action, err := o.Reconcile(ctx, d.BookingID)
		if err != nil {
			o.Logger.Error().Err(err).Str("booking_id", d.BookingID).Msg("sweep_reconcile_failed")
			continue
		}
		if action == ReconcileReversed {
			reversed++
		}
	}
	return reversed, nil
}

func (o *Orchestrator) scheduleReconcile(ctx context.Context, bookingID, userID string) {
	if o.Reconciler == nil {
		o.Logger.Error().Str("booking_id", bookingID).Msg("reconcile_scheduler_missing")
		return
	}
	// detached so a cancelled request still records the follow-up
	if err := o.Reconciler.ScheduleReconcile(context.WithoutCancel(ctx), bookingID, userID); err != nil {
		o.Logger.Error().Err(err).Str("booking_id", bookingID).Msg("reconcile_schedule_failed")
	}
}

func (o *Orchestrator) reverseOrSchedule(ctx context.Context, debit ledger.Transaction) {
	if debit.IdempotencyKey == "" {
		return
	}
	if _, err := o.Ledger.Reverse(context.WithoutCancel(ctx), debit); err != nil {
		o.Logger.Error().Err(err).Str("booking_id", debit.BookingID).Msg("debit_reversal_failed")
		o.scheduleReconcile(ctx, debit.BookingID, debit.UserID)
		return
	}
	obs.CountReconcile(ReconcileReversed)
}
