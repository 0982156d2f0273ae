package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/noah-isme/training-booking/internal/common"
	"github.com/noah-isme/training-booking/internal/lock"
	"github.com/noah-isme/training-booking/internal/obs"
)

// ErrDebitReversed is returned when a retried debit refers to a key that was already
// compensated. The booking attempt behind it has to start over.
var ErrDebitReversed = errors.New("ledger: debit already reversed")

// ErrDebitMismatch is returned with the recorded transaction when a retried debit names a
// different amount or booking than the one stored under its key.
var ErrDebitMismatch = errors.New("ledger: debit key already used for a different debit")

// Locker serialises work per key. lock.Locker satisfies it.
type Locker interface {
	WithLock(ctx context.Context, key string, ttl time.Duration, fn func(context.Context) error) error
}

// FreezeHook is told when a ledger is frozen after failed verification.
type FreezeHook func(ctx context.Context, userID, reason string)

// Service owns every mutation of a user's credit balance.
type Service struct {
	Store    Store
	Locker   Locker
	LockTTL  time.Duration
	Logger   zerolog.Logger
	OnFrozen FreezeHook
}

// Balance returns the user's current credit balance.
func (s *Service) Balance(ctx context.Context, userID string) (decimal.Decimal, error) {
	acct, err := s.Account(ctx, userID)
	if err != nil {
		return decimal.Zero, err
	}
	return acct.Balance, nil
}

// Account returns the cached account view including the frozen flag.
func (s *Service) Account(ctx context.Context, userID string) (Account, error) {
	if s == nil || s.Store == nil {
		return Account{}, errors.New("ledger service not configured")
	}
	acct, err := s.Store.Account(ctx, userID)
	if errors.Is(err, ErrAccountNotFound) {
		return Account{}, common.NotFoundError("credit account not found")
	}
	return acct, err
}

// Debit removes amount credit hours from the user's balance for a booking. A retry with the
// same key returns the original transaction instead of spending twice.
func (s *Service) Debit(ctx context.Context, userID string, amount decimal.Decimal, bookingID, key string) (Transaction, error) {
	if s == nil || s.Store == nil {
		return Transaction{}, errors.New("ledger service not configured")
	}
	ctx, span := otel.Tracer("ledger.Service").Start(ctx, "LedgerService.Debit")
	defer span.End()
	span.SetAttributes(
		attribute.String("ledger.user_id", userID),
		attribute.String("ledger.booking_id", bookingID),
		attribute.String("ledger.amount", amount.String()),
	)

	result := "error"
	defer func() { obs.CountLedger("debit", result) }()

	if err := validateAmount(amount); err != nil {
		result = "invalid"
		return Transaction{}, err
	}
	key = strings.TrimSpace(key)
	if key == "" {
		result = "invalid"
		return Transaction{}, common.ValidationError("debit requires an idempotency key", nil)
	}

	if existing, ok, err := s.replay(ctx, userID, key); err != nil || ok {
		if err == nil {
			err = sameDebit(existing, amount, bookingID)
		}
		switch {
		case err == nil:
			result = "replayed"
		case errors.Is(err, ErrDebitMismatch):
			result = "mismatch"
			span.RecordError(err)
		}
		return existing, err
	}

	var tx Transaction
	err := s.withUserLock(ctx, userID, func(ctx context.Context) error {
		acct, err := s.Store.Account(ctx, userID)
		if err != nil {
			if errors.Is(err, ErrAccountNotFound) {
				return common.NotFoundError("credit account not found")
			}
			return err
		}
		if acct.Frozen {
			return common.LedgerIntegrityError("credit ledger is frozen pending review", map[string]any{"userId": userID})
		}
		if acct.Balance.LessThan(amount) {
			return insufficient(acct.Balance, amount)
		}
		tx, err = s.Store.ApplyDebit(ctx, Entry{UserID: userID, Amount: amount, BookingID: bookingID, IdempotencyKey: key, Reason: "booking"})
		switch {
		case errors.Is(err, ErrDuplicateKey):
			return sameDebit(tx, amount, bookingID)
		case errors.Is(err, ErrInsufficientBalance):
			latest, _ := s.Store.Account(ctx, userID)
			return insufficient(latest.Balance, amount)
		case errors.Is(err, ErrAccountFrozen):
			return common.LedgerIntegrityError("credit ledger is frozen pending review", map[string]any{"userId": userID})
		}
		return err
	})
	if err != nil {
		span.RecordError(err)
		switch {
		case errors.Is(err, common.ErrInsufficientCredits):
			result = "insufficient"
		case errors.Is(err, ErrDebitMismatch):
			result = "mismatch"
			return tx, err
		}
		return Transaction{}, err
	}
	result = "success"
	obs.RecordCreditHours(ctx, "debit", amount.InexactFloat64())
	s.Logger.Info().
		Str("user_id", userID).
		Str("booking_id", bookingID).
		Str("amount", amount.String()).
		Str("balance_after", tx.BalanceAfter.String()).
		Msg("ledger_debit")
	return tx, nil
}

// Credit allocates amount credit hours to the user. An empty key makes the grant
// non-idempotent.
func (s *Service) Credit(ctx context.Context, userID string, amount decimal.Decimal, reason, key string) (Transaction, error) {
	return s.credit(ctx, "credit", Entry{UserID: userID, Amount: amount, Reason: reason, IdempotencyKey: key})
}

// Reverse compensates a debit that never produced a booking. Reversing twice is a no-op.
func (s *Service) Reverse(ctx context.Context, debit Transaction) (Transaction, error) {
	if debit.Type != TxSpent {
		return Transaction{}, common.ValidationError("only debits can be reversed", nil)
	}
	return s.credit(ctx, "reverse", Entry{
		UserID:         debit.UserID,
		Amount:         debit.Amount.Abs(),
		BookingID:      debit.BookingID,
		Reason:         "reversal",
		IdempotencyKey: ReversalKey(debit.IdempotencyKey),
	})
}

// FindDebit returns the debit recorded under key, or ErrTxNotFound.
func (s *Service) FindDebit(ctx context.Context, key string) (Transaction, error) {
	if s == nil || s.Store == nil {
		return Transaction{}, errors.New("ledger service not configured")
	}
	return s.Store.TransactionByKey(ctx, key)
}

// History lists the user's transactions oldest first.
func (s *Service) History(ctx context.Context, userID string, limit, offset int) ([]Transaction, error) {
	if s == nil || s.Store == nil {
		return nil, errors.New("ledger service not configured")
	}
	return s.Store.Transactions(ctx, userID, limit, offset)
}

// Verify replays the user's transactions and checks them against the cached balance. A
// mismatch freezes the ledger so no further debits go through.
func (s *Service) Verify(ctx context.Context, userID string) error {
	if s == nil || s.Store == nil {
		return errors.New("ledger service not configured")
	}
	acct, err := s.Account(ctx, userID)
	if err != nil {
		return err
	}
	txs, err := s.Store.Transactions(ctx, userID, 0, 0)
	if err != nil {
		return err
	}
	running := decimal.Zero
	for _, tx := range txs {
		running = running.Add(tx.Amount)
		if running.IsNegative() {
			return s.freeze(ctx, userID, fmt.Sprintf("balance negative after transaction %s", tx.ID))
		}
		if !tx.BalanceAfter.Equal(running) {
			return s.freeze(ctx, userID, fmt.Sprintf("transaction %s records balance %s, running sum is %s", tx.ID, tx.BalanceAfter, running))
		}
	}
	if !running.Equal(acct.Balance) {
		return s.freeze(ctx, userID, fmt.Sprintf("cached balance %s differs from transaction sum %s", acct.Balance, running))
	}
	if acct.Frozen {
		return common.LedgerIntegrityError("credit ledger is frozen pending review", map[string]any{"userId": userID, "reason": acct.FrozenReason})
	}
	return nil
}

func (s *Service) credit(ctx context.Context, op string, e Entry) (Transaction, error) {
	if s == nil || s.Store == nil {
		return Transaction{}, errors.New("ledger service not configured")
	}
	ctx, span := otel.Tracer("ledger.Service").Start(ctx, "LedgerService.Credit")
	defer span.End()
	span.SetAttributes(attribute.String("ledger.user_id", e.UserID), attribute.String("ledger.op", op))

	result := "error"
	defer func() { obs.CountLedger(op, result) }()

	if err := validateAmount(e.Amount); err != nil {
		result = "invalid"
		return Transaction{}, err
	}
	e.IdempotencyKey = strings.TrimSpace(e.IdempotencyKey)
	if e.IdempotencyKey == "" {
		e.IdempotencyKey = "grant:" + uuid.NewString()
	} else if existing, ok, err := s.replay(ctx, e.UserID, e.IdempotencyKey); err != nil || ok {
		if err == nil {
			result = "replayed"
		}
		return existing, err
	}

	var tx Transaction
	err := s.withUserLock(ctx, e.UserID, func(ctx context.Context) error {
		var err error
		tx, err = s.Store.ApplyCredit(ctx, e)
		if errors.Is(err, ErrDuplicateKey) {
			return nil
		}
		if errors.Is(err, ErrAccountNotFound) {
			return common.NotFoundError("credit account not found")
		}
		return err
	})
	if err != nil {
		span.RecordError(err)
		return Transaction{}, err
	}
	result = "success"
	obs.RecordCreditHours(ctx, op, e.Amount.InexactFloat64())
	s.Logger.Info().
		Str("user_id", e.UserID).
		Str("op", op).
		Str("reason", e.Reason).
		Str("amount", e.Amount.String()).
		Str("balance_after", tx.BalanceAfter.String()).
		Msg("ledger_credit")
	return tx, nil
}

// replay reports the transaction already recorded under key, if any. A debit whose
// reversal exists is refused rather than handed back as if it still stood.
func (s *Service) replay(ctx context.Context, userID, key string) (Transaction, bool, error) {
	existing, err := s.Store.TransactionByKey(ctx, key)
	if errors.Is(err, ErrTxNotFound) {
		return Transaction{}, false, nil
	}
	if err != nil {
		return Transaction{}, false, err
	}
	if existing.UserID != userID {
		return Transaction{}, false, common.ValidationError("idempotency key already used by another account", nil)
	}
	if existing.Type == TxSpent {
		if _, err := s.Store.TransactionByKey(ctx, ReversalKey(key)); err == nil {
			return Transaction{}, false, ErrDebitReversed
		} else if !errors.Is(err, ErrTxNotFound) {
			return Transaction{}, false, err
		}
	}
	return existing, true, nil
}

func sameDebit(existing Transaction, amount decimal.Decimal, bookingID string) error {
	if existing.Type != TxSpent {
		return fmt.Errorf("%w: key holds a %s transaction", ErrDebitMismatch, existing.Type)
	}
	if !existing.Amount.Abs().Equal(amount) || existing.BookingID != bookingID {
		return fmt.Errorf("%w: recorded %s for booking %q, requested %s for booking %q",
			ErrDebitMismatch, existing.Amount.Abs(), existing.BookingID, amount, bookingID)
	}
	return nil
}

func (s *Service) withUserLock(ctx context.Context, userID string, fn func(context.Context) error) error {
	if s.Locker == nil {
		return fn(ctx)
	}
	ttl := s.LockTTL
	if ttl <= 0 {
		ttl = 10 * time.Second
	}
	return s.Locker.WithLock(ctx, lock.LedgerKey(userID), ttl, fn)
}

func (s *Service) freeze(ctx context.Context, userID, reason string) error {
	if obs.LedgerIntegrityFailures != nil {
		obs.LedgerIntegrityFailures.Inc()
	}
	s.Logger.Error().Str("user_id", userID).Str("reason", reason).Msg("ledger_integrity_failure")
	if err := s.Store.Freeze(ctx, userID, reason); err != nil {
		s.Logger.Error().Err(err).Str("user_id", userID).Msg("ledger_freeze_failed")
	}
	if s.OnFrozen != nil {
		s.OnFrozen(ctx, userID, reason)
	}
	return common.LedgerIntegrityError("credit ledger failed verification", map[string]any{"userId": userID, "reason": reason})
}

func validateAmount(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return common.ValidationError("credit amount must be positive", nil)
	}
	if !amount.Equal(amount.Truncate(1)) {
		return common.ValidationError("credit amounts have one decimal place", map[string]any{"amount": amount.String()})
	}
	return nil
}

func insufficient(balance, requested decimal.Decimal) error {
	return common.InsufficientCreditsError("not enough credit hours", map[string]any{
		"balance":   balance.String(),
		"requested": requested.String(),
	})
}
