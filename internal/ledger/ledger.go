package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// TxType distinguishes debits from allocations.
type TxType string

const (
	TxSpent   TxType = "spent"
	TxGranted TxType = "granted"
)

// Store errors. Implementations must return these so the service can map them.
var (
	ErrTxNotFound          = errors.New("ledger: transaction not found")
	ErrAccountNotFound     = errors.New("ledger: account not found")
	ErrInsufficientBalance = errors.New("ledger: insufficient balance")
	ErrAccountFrozen       = errors.New("ledger: account frozen")
	// ErrDuplicateKey accompanies the already recorded transaction when an entry with the
	// same idempotency key lost a race to another writer.
	ErrDuplicateKey = errors.New("ledger: duplicate idempotency key")
)

// Transaction is one immutable ledger line. Amount is signed: debits are negative.
type Transaction struct {
	ID             uuid.UUID       `json:"id"`
	UserID         string          `json:"userId"`
	Type           TxType          `json:"type"`
	Amount         decimal.Decimal `json:"amount"`
	BalanceAfter   decimal.Decimal `json:"balanceAfter"`
	BookingID      string          `json:"bookingId,omitempty"`
	IdempotencyKey string          `json:"idempotencyKey"`
	Reason         string          `json:"reason,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
}

// Account is the cached balance view of a user's ledger.
type Account struct {
	UserID       string          `json:"userId"`
	Balance      decimal.Decimal `json:"balance"`
	CreditsSpent decimal.Decimal `json:"creditsSpent"`
	Frozen       bool            `json:"frozen"`
	FrozenReason string          `json:"frozenReason,omitempty"`
}

// Entry is a requested balance movement. Amount is always positive.
type Entry struct {
	UserID         string
	Amount         decimal.Decimal
	BookingID      string
	IdempotencyKey string
	Reason         string
}

// Store persists balances and transactions. ApplyDebit must update the balance and insert
// the transaction atomically, and must refuse when the balance would go negative.
type Store interface {
	Account(ctx context.Context, userID string) (Account, error)
	TransactionByKey(ctx context.Context, key string) (Transaction, error)
	ApplyDebit(ctx context.Context, e Entry) (Transaction, error)
	ApplyCredit(ctx context.Context, e Entry) (Transaction, error)
	// Transactions lists a user's lines oldest first. limit <= 0 returns all of them.
	Transactions(ctx context.Context, userID string, limit, offset int) ([]Transaction, error)
	Freeze(ctx context.Context, userID, reason string) error
}

// DebitKey is the idempotency key binding a debit to the booking it pays for.
func DebitKey(bookingID string) string {
	return "booking:" + bookingID
}

// ReversalKey is the idempotency key of the grant compensating a debit.
func ReversalKey(debitKey string) string {
	return "reversal:" + debitKey
}
