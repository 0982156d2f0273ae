package repo

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/noah-isme/training-booking/internal/booking"
	"github.com/noah-isme/training-booking/internal/orgbooking"
)

// UpsertOrganisation writes an organisation row, overwriting an existing one.
func (p *Postgres) UpsertOrganisation(ctx context.Context, o orgbooking.Organisation) error {
	if err := p.ready(); err != nil {
		return err
	}
	_, err := p.pool.Exec(ctx, `INSERT INTO organisations (id, name, admin_user_id, billing_email)
VALUES ($1, $2, $3, $4)
ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, admin_user_id = EXCLUDED.admin_user_id,
    billing_email = EXCLUDED.billing_email`, o.ID, o.Name, o.AdminUserID, o.BillingEmail)
	return err
}

// UpsertUser writes a member row and opens its credit account.
func (p *Postgres) UpsertUser(ctx context.Context, u booking.User) error {
	if err := p.ready(); err != nil {
		return err
	}
	var org any
	if u.OrganisationID != "" {
		org = u.OrganisationID
	}
	_, err := p.pool.Exec(ctx, `INSERT INTO users (id, email, name, tier, membership_status, organisation_id)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (id) DO UPDATE SET email = EXCLUDED.email, name = EXCLUDED.name, tier = EXCLUDED.tier,
    membership_status = EXCLUDED.membership_status, organisation_id = EXCLUDED.organisation_id`,
		u.ID, u.Email, u.Name, string(u.Tier), string(u.MembershipStatus), org)
	if err != nil {
		return err
	}
	return p.OpenAccount(ctx, u.ID)
}

// UpsertCourse writes a course with its variant hours.
func (p *Postgres) UpsertCourse(ctx context.Context, c booking.Course) error {
	if err := p.ready(); err != nil {
		return err
	}
	variants := []byte("{}")
	if len(c.Variants) > 0 {
		raw, err := json.Marshal(c.Variants)
		if err != nil {
			return fmt.Errorf("encode course variants: %w", err)
		}
		variants = raw
	}
	_, err := p.pool.Exec(ctx, `INSERT INTO courses (id, title, cpd_hours, variants, active)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (id) DO UPDATE SET title = EXCLUDED.title, cpd_hours = EXCLUDED.cpd_hours,
    variants = EXCLUDED.variants, active = EXCLUDED.active`, c.ID, c.Title, c.CPDHours, variants, c.Active)
	return err
}

// UpsertCourseDate writes one scheduled run of a course.
func (p *Postgres) UpsertCourseDate(ctx context.Context, d booking.CourseDate) error {
	if err := p.ready(); err != nil {
		return err
	}
	capacity := d.Capacity
	if capacity == "" {
		capacity = booking.CapacityOpen
	}
	_, err := p.pool.Exec(ctx, `INSERT INTO course_dates (id, course_id, starts_at, location, capacity)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (id) DO UPDATE SET course_id = EXCLUDED.course_id, starts_at = EXCLUDED.starts_at,
    location = EXCLUDED.location, capacity = EXCLUDED.capacity`, d.ID, d.CourseID, d.StartsAt, d.Location, string(capacity))
	return err
}
