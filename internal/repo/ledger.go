package repo

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/noah-isme/training-booking/internal/ledger"
)

const txColumns = `id, user_id, type, amount, balance_after, COALESCE(booking_id, ''), idempotency_key, reason, created_at`

func scanTransaction(row rowScanner) (ledger.Transaction, error) {
	var tx ledger.Transaction
	var typ string
	err := row.Scan(&tx.ID, &tx.UserID, &typ, &tx.Amount, &tx.BalanceAfter, &tx.BookingID, &tx.IdempotencyKey, &tx.Reason, &tx.CreatedAt)
	tx.Type = ledger.TxType(typ)
	return tx, err
}

// Account returns the cached balance row of a user.
func (p *Postgres) Account(ctx context.Context, userID string) (ledger.Account, error) {
	if err := p.ready(); err != nil {
		return ledger.Account{}, err
	}
	return accountRow(p.pool.QueryRow(ctx, `SELECT user_id, balance, credits_spent, frozen, frozen_reason
FROM credit_accounts WHERE user_id = $1`, userID))
}

func accountRow(row rowScanner) (ledger.Account, error) {
	var acct ledger.Account
	err := row.Scan(&acct.UserID, &acct.Balance, &acct.CreditsSpent, &acct.Frozen, &acct.FrozenReason)
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.Account{}, ledger.ErrAccountNotFound
	}
	return acct, err
}

// TransactionByKey fetches the line recorded under an idempotency key.
func (p *Postgres) TransactionByKey(ctx context.Context, key string) (ledger.Transaction, error) {
	if err := p.ready(); err != nil {
		return ledger.Transaction{}, err
	}
	tx, err := scanTransaction(p.pool.QueryRow(ctx, `SELECT `+txColumns+` FROM credit_transactions WHERE idempotency_key = $1`, key))
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.Transaction{}, ledger.ErrTxNotFound
	}
	return tx, err
}

// ApplyDebit lowers the balance and records the spent line in one transaction. The
// conditional UPDATE refuses frozen accounts and balances that would go negative.
func (p *Postgres) ApplyDebit(ctx context.Context, e ledger.Entry) (ledger.Transaction, error) {
	if err := p.ready(); err != nil {
		return ledger.Transaction{}, err
	}
	if existing, err := p.TransactionByKey(ctx, e.IdempotencyKey); err == nil {
		return existing, ledger.ErrDuplicateKey
	} else if !errors.Is(err, ledger.ErrTxNotFound) {
		return ledger.Transaction{}, err
	}

	var out ledger.Transaction
	err := p.inTx(ctx, func(tx pgx.Tx) error {
		var balance decimal.Decimal
		err := tx.QueryRow(ctx, `UPDATE credit_accounts
SET balance = balance - $2, credits_spent = credits_spent + $2, updated_at = $3
WHERE user_id = $1 AND NOT frozen AND balance >= $2
RETURNING balance`, e.UserID, e.Amount, p.now()).Scan(&balance)
		if errors.Is(err, pgx.ErrNoRows) {
			return p.debitRefusal(ctx, tx, e.UserID)
		}
		if err != nil {
			if isCheckViolation(err) {
				return ledger.ErrInsufficientBalance
			}
			return err
		}
		out, err = p.insertTransaction(ctx, tx, ledger.TxSpent, e.Amount.Neg(), balance, e)
		return err
	})
	if err != nil {
		if _, dup := constraintViolation(err); dup {
			existing, lookupErr := p.TransactionByKey(ctx, e.IdempotencyKey)
			if lookupErr != nil {
				return ledger.Transaction{}, lookupErr
			}
			return existing, ledger.ErrDuplicateKey
		}
		return ledger.Transaction{}, err
	}
	return out, nil
}

// debitRefusal explains why the conditional debit matched no row.
func (p *Postgres) debitRefusal(ctx context.Context, tx pgx.Tx, userID string) error {
	acct, err := accountRow(tx.QueryRow(ctx, `SELECT user_id, balance, credits_spent, frozen, frozen_reason
FROM credit_accounts WHERE user_id = $1`, userID))
	if err != nil {
		return err
	}
	if acct.Frozen {
		return ledger.ErrAccountFrozen
	}
	return ledger.ErrInsufficientBalance
}

// ApplyCredit raises the balance and records the granted line in one transaction.
func (p *Postgres) ApplyCredit(ctx context.Context, e ledger.Entry) (ledger.Transaction, error) {
	if err := p.ready(); err != nil {
		return ledger.Transaction{}, err
	}
	if existing, err := p.TransactionByKey(ctx, e.IdempotencyKey); err == nil {
		return existing, ledger.ErrDuplicateKey
	} else if !errors.Is(err, ledger.ErrTxNotFound) {
		return ledger.Transaction{}, err
	}

	var out ledger.Transaction
	err := p.inTx(ctx, func(tx pgx.Tx) error {
		var balance decimal.Decimal
		err := tx.QueryRow(ctx, `UPDATE credit_accounts SET balance = balance + $2, updated_at = $3
WHERE user_id = $1 RETURNING balance`, e.UserID, e.Amount, p.now()).Scan(&balance)
		if errors.Is(err, pgx.ErrNoRows) {
			return ledger.ErrAccountNotFound
		}
		if err != nil {
			return err
		}
		out, err = p.insertTransaction(ctx, tx, ledger.TxGranted, e.Amount, balance, e)
		return err
	})
	if err != nil {
		if _, dup := constraintViolation(err); dup {
			existing, lookupErr := p.TransactionByKey(ctx, e.IdempotencyKey)
			if lookupErr != nil {
				return ledger.Transaction{}, lookupErr
			}
			return existing, ledger.ErrDuplicateKey
		}
		return ledger.Transaction{}, err
	}
	return out, nil
}

func (p *Postgres) insertTransaction(ctx context.Context, tx pgx.Tx, typ ledger.TxType, signed, balance decimal.Decimal, e ledger.Entry) (ledger.Transaction, error) {
	var bookingID any
	if e.BookingID != "" {
		bookingID = e.BookingID
	}
	row := tx.QueryRow(ctx, `INSERT INTO credit_transactions
(id, user_id, type, amount, balance_after, booking_id, idempotency_key, reason, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
RETURNING `+txColumns,
		uuid.New(), e.UserID, string(typ), signed, balance, bookingID, e.IdempotencyKey, e.Reason, p.now())
	out, err := scanTransaction(row)
	if err != nil {
		return ledger.Transaction{}, fmt.Errorf("insert credit transaction: %w", err)
	}
	return out, nil
}

// Transactions lists a user's lines oldest first.
func (p *Postgres) Transactions(ctx context.Context, userID string, limit, offset int) ([]ledger.Transaction, error) {
	if err := p.ready(); err != nil {
		return nil, err
	}
	if offset < 0 {
		offset = 0
	}
	rows, err := p.pool.Query(ctx, `SELECT `+txColumns+` FROM credit_transactions
WHERE user_id = $1 ORDER BY created_at, id LIMIT $2 OFFSET $3`, userID, limitArg(limit), offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []ledger.Transaction{}
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, tx)
	}
	return out, rows.Err()
}

// Freeze blocks further debits on the account.
func (p *Postgres) Freeze(ctx context.Context, userID, reason string) error {
	if err := p.ready(); err != nil {
		return err
	}
	tag, err := p.pool.Exec(ctx, `UPDATE credit_accounts SET frozen = TRUE, frozen_reason = $2, updated_at = $3 WHERE user_id = $1`, userID, reason, p.now())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ledger.ErrAccountNotFound
	}
	return nil
}

// OpenAccount creates an empty credit account for a user if none exists.
func (p *Postgres) OpenAccount(ctx context.Context, userID string) error {
	if err := p.ready(); err != nil {
		return err
	}
	_, err := p.pool.Exec(ctx, `INSERT INTO credit_accounts (user_id) VALUES ($1) ON CONFLICT (user_id) DO NOTHING`, userID)
	return err
}
