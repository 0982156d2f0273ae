package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/noah-isme/training-booking/internal/booking"
	"github.com/noah-isme/training-booking/internal/ledger"
	"github.com/noah-isme/training-booking/internal/pricing"
)

const (
	constraintBookingsPkey    = "bookings_pkey"
	constraintConfirmedSlot   = "bookings_confirmed_slot"
	constraintBulkBookingPkey = "bulk_bookings_pkey"
)

const bookingColumns = `id, user_id, course_id, course_date_id, variant, participants, credits_used, credits_value,
cash_amount, total_cost, quote, method, status, session_id, checkout_url, bulk_id, notes, failure_reason,
created_at, updated_at, confirmed_at`

func scanBooking(row rowScanner) (booking.Booking, error) {
	var (
		b      booking.Booking
		quote  []byte
		method string
		status string
	)
	err := row.Scan(&b.ID, &b.UserID, &b.CourseID, &b.CourseDateID, &b.Variant, &b.Participants, &b.CreditsUsed,
		&b.CreditsValue, &b.CashAmount, &b.TotalCost, &quote, &method, &status, &b.SessionID, &b.CheckoutURL,
		&b.BulkID, &b.Notes, &b.FailureReason, &b.CreatedAt, &b.UpdatedAt, &b.ConfirmedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return booking.Booking{}, booking.ErrNotFound
	}
	if err != nil {
		return booking.Booking{}, err
	}
	b.Method = booking.Method(method)
	b.Status = booking.Status(status)
	if len(quote) > 0 {
		if err := json.Unmarshal(quote, &b.Quote); err != nil {
			return booking.Booking{}, fmt.Errorf("decode booking quote: %w", err)
		}
	}
	return b, nil
}

func (p *Postgres) queryBookings(ctx context.Context, sql string, args ...any) ([]booking.Booking, error) {
	rows, err := p.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []booking.Booking{}
	for rows.Next() {
		b, err := scanBooking(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// User loads the booking view of a member.
func (p *Postgres) User(ctx context.Context, id string) (booking.User, error) {
	if err := p.ready(); err != nil {
		return booking.User{}, err
	}
	var (
		u            booking.User
		tier, status string
	)
	err := p.pool.QueryRow(ctx, `SELECT id, email, name, tier, membership_status, COALESCE(organisation_id, '')
FROM users WHERE id = $1`, id).Scan(&u.ID, &u.Email, &u.Name, &tier, &status, &u.OrganisationID)
	if errors.Is(err, pgx.ErrNoRows) {
		return booking.User{}, booking.ErrNotFound
	}
	if err != nil {
		return booking.User{}, err
	}
	u.Tier = pricing.Tier(tier)
	u.MembershipStatus = pricing.MembershipStatus(status)
	return u, nil
}

// Course loads a course with its variant hours.
func (p *Postgres) Course(ctx context.Context, id string) (booking.Course, error) {
	if err := p.ready(); err != nil {
		return booking.Course{}, err
	}
	var (
		c        booking.Course
		variants []byte
	)
	err := p.pool.QueryRow(ctx, `SELECT id, title, cpd_hours, variants, active FROM courses WHERE id = $1`, id).
		Scan(&c.ID, &c.Title, &c.CPDHours, &variants, &c.Active)
	if errors.Is(err, pgx.ErrNoRows) {
		return booking.Course{}, booking.ErrNotFound
	}
	if err != nil {
		return booking.Course{}, err
	}
	if len(variants) > 0 {
		var hours map[string]decimal.Decimal
		if err := json.Unmarshal(variants, &hours); err != nil {
			return booking.Course{}, fmt.Errorf("decode course variants: %w", err)
		}
		if len(hours) > 0 {
			c.Variants = hours
		}
	}
	return c, nil
}

// CourseDate loads one scheduled run of a course.
func (p *Postgres) CourseDate(ctx context.Context, id string) (booking.CourseDate, error) {
	if err := p.ready(); err != nil {
		return booking.CourseDate{}, err
	}
	var (
		d        booking.CourseDate
		capacity string
	)
	err := p.pool.QueryRow(ctx, `SELECT id, course_id, starts_at, location, capacity FROM course_dates WHERE id = $1`, id).
		Scan(&d.ID, &d.CourseID, &d.StartsAt, &d.Location, &capacity)
	if errors.Is(err, pgx.ErrNoRows) {
		return booking.CourseDate{}, booking.ErrNotFound
	}
	if err != nil {
		return booking.CourseDate{}, err
	}
	d.Capacity = booking.Capacity(capacity)
	return d, nil
}

// Booking loads a booking by id.
func (p *Postgres) Booking(ctx context.Context, id string) (booking.Booking, error) {
	if err := p.ready(); err != nil {
		return booking.Booking{}, err
	}
	return scanBooking(p.pool.QueryRow(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE id = $1`, id))
}

// BookingsBySession lists the bookings sharing a checkout session, ordered by id.
func (p *Postgres) BookingsBySession(ctx context.Context, sessionID string) ([]booking.Booking, error) {
	if err := p.ready(); err != nil {
		return nil, err
	}
	if sessionID == "" {
		return []booking.Booking{}, nil
	}
	return p.queryBookings(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE session_id = $1 ORDER BY id`, sessionID)
}

// BookingsForUser lists a member's bookings, newest first.
func (p *Postgres) BookingsForUser(ctx context.Context, userID string) ([]booking.Booking, error) {
	if err := p.ready(); err != nil {
		return nil, err
	}
	return p.queryBookings(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE user_id = $1 ORDER BY created_at DESC`, userID)
}

// ConfirmedBooking returns the CONFIRMED booking holding the (user, course date) slot.
func (p *Postgres) ConfirmedBooking(ctx context.Context, userID, courseDateID string) (booking.Booking, error) {
	if err := p.ready(); err != nil {
		return booking.Booking{}, err
	}
	return scanBooking(p.pool.QueryRow(ctx, `SELECT `+bookingColumns+` FROM bookings
WHERE user_id = $1 AND course_date_id = $2 AND status = 'CONFIRMED'`, userID, courseDateID))
}

// InsertBooking persists a new booking. The partial unique index on confirmed slots backs
// ErrAlreadyConfirmed.
func (p *Postgres) InsertBooking(ctx context.Context, b booking.Booking) error {
	if err := p.ready(); err != nil {
		return err
	}
	quote, err := json.Marshal(b.Quote)
	if err != nil {
		return fmt.Errorf("encode booking quote: %w", err)
	}
	_, err = p.pool.Exec(ctx, `INSERT INTO bookings (`+bookingColumns+`)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21)`,
		b.ID, b.UserID, b.CourseID, b.CourseDateID, b.Variant, b.Participants, b.CreditsUsed, b.CreditsValue,
		b.CashAmount, b.TotalCost, quote, string(b.Method), string(b.Status), b.SessionID, b.CheckoutURL,
		b.BulkID, b.Notes, b.FailureReason, b.CreatedAt, b.UpdatedAt, b.ConfirmedAt)
	return mapBookingConstraint(err)
}

func mapBookingConstraint(err error) error {
	if err == nil {
		return nil
	}
	if name, ok := constraintViolation(err); ok {
		switch name {
		case constraintConfirmedSlot:
			return booking.ErrAlreadyConfirmed
		case constraintBookingsPkey:
			return booking.ErrDuplicateID
		}
	}
	return err
}

// TransitionBooking moves a booking from t.From to t.To with a compare-and-set update.
func (p *Postgres) TransitionBooking(ctx context.Context, t booking.Transition) (booking.Booking, error) {
	if err := p.ready(); err != nil {
		return booking.Booking{}, err
	}
	at := t.At
	if at.IsZero() {
		at = p.now()
	}
	row := p.pool.QueryRow(ctx, `UPDATE bookings SET
    status = $3,
    updated_at = $4,
    failure_reason = CASE WHEN $5 <> '' THEN $5 ELSE failure_reason END,
    confirmed_at = CASE WHEN $3 = 'CONFIRMED' THEN $4 ELSE confirmed_at END
WHERE id = $1 AND status = $2
RETURNING `+bookingColumns, t.ID, string(t.From), string(t.To), at, t.FailureReason)
	b, err := scanBooking(row)
	if errors.Is(err, booking.ErrNotFound) {
		// no row matched: either the id is unknown or the state moved on
		var exists bool
		if qerr := p.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM bookings WHERE id = $1)`, t.ID).Scan(&exists); qerr != nil {
			return booking.Booking{}, qerr
		}
		if exists {
			return booking.Booking{}, booking.ErrStaleState
		}
		return booking.Booking{}, booking.ErrNotFound
	}
	if err != nil {
		return booking.Booking{}, mapBookingConstraint(err)
	}
	return b, nil
}

// DanglingDebits lists booking debits older than before whose booking row never landed
// and which have not been reversed.
func (p *Postgres) DanglingDebits(ctx context.Context, before time.Time, limit int) ([]ledger.Transaction, error) {
	if err := p.ready(); err != nil {
		return nil, err
	}
	rows, err := p.pool.Query(ctx, `SELECT t.id, t.user_id, t.type, t.amount, t.balance_after, COALESCE(t.booking_id, ''),
       t.idempotency_key, t.reason, t.created_at
FROM credit_transactions t
WHERE t.type = 'spent'
  AND t.booking_id IS NOT NULL
  AND t.created_at < $1
  AND NOT EXISTS (SELECT 1 FROM bookings b WHERE b.id = t.booking_id)
  AND NOT EXISTS (SELECT 1 FROM credit_transactions r WHERE r.idempotency_key = 'reversal:' || t.idempotency_key)
ORDER BY t.created_at
LIMIT $2`, before, limitArg(limit))
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
