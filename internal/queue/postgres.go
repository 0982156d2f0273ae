package queue

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const deadLetterColumns = `id, kind, task_key, attempts, last_error, parked_at, envelope`

// PostgresDeadLetters stores dead letters in the task_dead_letters table.
type PostgresDeadLetters struct {
	pool *pgxpool.Pool
}

// NewPostgresDeadLetters binds the store to pool.
func NewPostgresDeadLetters(pool *pgxpool.Pool) *PostgresDeadLetters {
	return &PostgresDeadLetters{pool: pool}
}

func (p *PostgresDeadLetters) Park(ctx context.Context, d DeadLetter) (DeadLetter, error) {
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	row := p.pool.QueryRow(ctx, `INSERT INTO task_dead_letters (id, kind, task_key, attempts, last_error, envelope)
VALUES ($1, $2, $3, $4, $5, $6)
RETURNING `+deadLetterColumns, d.ID, d.Kind, d.Key, d.Attempts, d.LastError, []byte(d.Envelope))
	return scanDeadLetter(row)
}

func (p *PostgresDeadLetters) Get(ctx context.Context, id uuid.UUID) (DeadLetter, error) {
	d, err := scanDeadLetter(p.pool.QueryRow(ctx, `SELECT `+deadLetterColumns+` FROM task_dead_letters WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return DeadLetter{}, ErrNoDeadLetter
	}
	return d, err
}

func (p *PostgresDeadLetters) Remove(ctx context.Context, id uuid.UUID) error {
	tag, err := p.pool.Exec(ctx, `DELETE FROM task_dead_letters WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNoDeadLetter
	}
	return nil
}

func (p *PostgresDeadLetters) List(ctx context.Context, kind string, limit, offset int) ([]DeadLetter, error) {
	rows, err := p.pool.Query(ctx, `SELECT `+deadLetterColumns+` FROM task_dead_letters
WHERE ($1 = '' OR kind = $1)
ORDER BY parked_at DESC, id
LIMIT $2 OFFSET $3`, kind, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []DeadLetter{}
	for rows.Next() {
		d, err := scanDeadLetter(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (p *PostgresDeadLetters) Count(ctx context.Context, kind string) (int, error) {
	var n int
	err := p.pool.QueryRow(ctx, `SELECT COUNT(*) FROM task_dead_letters WHERE ($1 = '' OR kind = $1)`, kind).Scan(&n)
	return n, err
}

func scanDeadLetter(row pgx.Row) (DeadLetter, error) {
	var (
		d        DeadLetter
		envelope []byte
	)
	if err := row.Scan(&d.ID, &d.Kind, &d.Key, &d.Attempts, &d.LastError, &d.ParkedAt, &envelope); err != nil {
		return DeadLetter{}, err
	}
	d.Envelope = envelope
	return d, nil
}
