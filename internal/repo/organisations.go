package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/noah-isme/training-booking/internal/booking"
	"github.com/noah-isme/training-booking/internal/events"
	"github.com/noah-isme/training-booking/internal/orgbooking"
	"github.com/noah-isme/training-booking/internal/pricing"
)

// Organisation loads an organisation by id.
func (p *Postgres) Organisation(ctx context.Context, id string) (orgbooking.Organisation, error) {
	if err := p.ready(); err != nil {
		return orgbooking.Organisation{}, err
	}
	var o orgbooking.Organisation
	err := p.pool.QueryRow(ctx, `SELECT id, name, admin_user_id, billing_email FROM organisations WHERE id = $1`, id).
		Scan(&o.ID, &o.Name, &o.AdminUserID, &o.BillingEmail)
	if errors.Is(err, pgx.ErrNoRows) {
		return orgbooking.Organisation{}, orgbooking.ErrNotFound
	}
	return o, err
}

// OrganisationMembers lists the member accounts of an organisation ordered by id.
func (p *Postgres) OrganisationMembers(ctx context.Context, orgID string) ([]booking.User, error) {
	if err := p.ready(); err != nil {
		return nil, err
	}
	rows, err := p.pool.Query(ctx, `SELECT id, email, name, tier, membership_status, COALESCE(organisation_id, '')
FROM users WHERE organisation_id = $1 ORDER BY id`, orgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []booking.User{}
	for rows.Next() {
		var (
			u            booking.User
			tier, status string
		)
		if err := rows.Scan(&u.ID, &u.Email, &u.Name, &tier, &status, &u.OrganisationID); err != nil {
			return nil, err
		}
		u.Tier = pricing.Tier(tier)
		u.MembershipStatus = pricing.MembershipStatus(status)
		out = append(out, u)
	}
	return out, rows.Err()
}

const bulkColumns = `id, organisation_id, admin_user_id, course_id, course_date_id, mode, total, members,
session_id, checkout_url, invoice_number, status, created_at, settled_at`

// InsertBulkBooking persists a bulk booking with its member lines.
func (p *Postgres) InsertBulkBooking(ctx context.Context, b orgbooking.BulkBooking) error {
	if err := p.ready(); err != nil {
		return err
	}
	members, err := json.Marshal(b.Members)
	if err != nil {
		return fmt.Errorf("encode bulk members: %w", err)
	}
	_, err = p.pool.Exec(ctx, `INSERT INTO bulk_bookings (`+bulkColumns+`)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		b.ID, b.OrganisationID, b.AdminUserID, b.CourseID, b.CourseDateID, string(b.Mode), b.Total, members,
		b.SessionID, b.CheckoutURL, b.InvoiceNumber, string(b.Status), b.CreatedAt, b.SettledAt)
	if name, ok := constraintViolation(err); ok && name == constraintBulkBookingPkey {
		return orgbooking.ErrDuplicate
	}
	return err
}

// BulkBooking loads a bulk booking by id.
func (p *Postgres) BulkBooking(ctx context.Context, id string) (orgbooking.BulkBooking, error) {
	if err := p.ready(); err != nil {
		return orgbooking.BulkBooking{}, err
	}
	var (
		b            orgbooking.BulkBooking
		mode, status string
		members      []byte
	)
	err := p.pool.QueryRow(ctx, `SELECT `+bulkColumns+` FROM bulk_bookings WHERE id = $1`, id).Scan(
		&b.ID, &b.OrganisationID, &b.AdminUserID, &b.CourseID, &b.CourseDateID, &mode, &b.Total, &members,
		&b.SessionID, &b.CheckoutURL, &b.InvoiceNumber, &status, &b.CreatedAt, &b.SettledAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return orgbooking.BulkBooking{}, orgbooking.ErrNotFound
	}
	if err != nil {
		return orgbooking.BulkBooking{}, err
	}
	b.Mode = orgbooking.Mode(mode)
	b.Status = orgbooking.Status(status)
	if err := json.Unmarshal(members, &b.Members); err != nil {
		return orgbooking.BulkBooking{}, fmt.Errorf("decode bulk members: %w", err)
	}
	return b, nil
}

// UpdateBulkStatus records the settlement state of a bulk booking.
func (p *Postgres) UpdateBulkStatus(ctx context.Context, id string, status orgbooking.Status, at time.Time) error {
	if err := p.ready(); err != nil {
		return err
	}
	tag, err := p.pool.Exec(ctx, `UPDATE bulk_bookings SET status = $2,
    settled_at = CASE WHEN $2 = 'settled' THEN $3 ELSE settled_at END
WHERE id = $1`, id, string(status), at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return orgbooking.ErrNotFound
	}
	return nil
}

// NextInvoiceNumber allocates the organisation's next invoice number atomically.
func (p *Postgres) NextInvoiceNumber(ctx context.Context, orgID string) (string, error) {
	if err := p.ready(); err != nil {
		return "", err
	}
	var next int
	err := p.pool.QueryRow(ctx, `INSERT INTO invoice_counters (organisation_id, last_value) VALUES ($1, 1)
ON CONFLICT (organisation_id) DO UPDATE SET last_value = invoice_counters.last_value + 1
RETURNING last_value`, orgID).Scan(&next)
	if err != nil {
		return "", err
	}
	return InvoiceNumber(orgID, next), nil
}

// InvoiceNumber formats the nth invoice of an organisation.
func InvoiceNumber(orgID string, n int) string {
	short := orgID
	if len(short) > 8 {
		short = short[:8]
	}
	return fmt.Sprintf("INV-%s-%05d", short, n)
}

// InsertDomainEvent persists one lifecycle event.
func (p *Postgres) InsertDomainEvent(ctx context.Context, ev events.DomainEvent) (events.DomainEvent, error) {
	if err := p.ready(); err != nil {
		return events.DomainEvent{}, err
	}
	payload := ev.Payload
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}
	err := p.pool.QueryRow(ctx, `INSERT INTO domain_events (id, topic, aggregate_id, payload, occurred_at)
VALUES ($1, $2, $3, $4, $5) RETURNING occurred_at`, ev.ID, ev.Topic, ev.AggregateID, []byte(payload), ev.OccurredAt).
		Scan(&ev.OccurredAt)
	if err != nil {
		return events.DomainEvent{}, err
	}
	ev.Payload = payload
	return ev, nil
}
