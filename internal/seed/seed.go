// Package seed holds the development dataset shared by the seeder tool and the in-memory
// store mode of the API.
package seed

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/noah-isme/training-booking/internal/booking"
	"github.com/noah-isme/training-booking/internal/ledger"
	"github.com/noah-isme/training-booking/internal/orgbooking"
	"github.com/noah-isme/training-booking/internal/pricing"
)

// Target receives the catalogue and member rows. *repo.Postgres and *memrepo.Store satisfy it.
type Target interface {
	UpsertOrganisation(ctx context.Context, o orgbooking.Organisation) error
	UpsertUser(ctx context.Context, u booking.User) error
	UpsertCourse(ctx context.Context, c booking.Course) error
	UpsertCourseDate(ctx context.Context, d booking.CourseDate) error
}

// Granter records opening balances. *ledger.Service satisfies it.
type Granter interface {
	Credit(ctx context.Context, userID string, amount decimal.Decimal, reason, key string) (ledger.Transaction, error)
}

// Member is a user plus the credit hours granted when seeding.
type Member struct {
	User    booking.User
	Opening decimal.Decimal
	Admin   bool
}

// Dataset is everything Apply writes.
type Dataset struct {
	Organisations []orgbooking.Organisation
	Members       []Member
	Courses       []booking.Course
	Dates         []booking.CourseDate
}

// Demo returns a small catalogue with course dates scheduled relative to now.
func Demo(now time.Time) Dataset {
	day := now.UTC().Truncate(24 * time.Hour)
	at := func(days int) time.Time { return day.AddDate(0, 0, days).Add(9 * time.Hour) }
	h := decimal.NewFromInt

	return Dataset{
		Organisations: []orgbooking.Organisation{
			{ID: "org-hart", Name: "Hart & Partners LLP", AdminUserID: "u-hart-admin", BillingEmail: "accounts@hart.example.com"},
		},
		Members: []Member{
			{User: booking.User{ID: "u-ops", Email: "ops@training.local", Name: "Operations", MembershipStatus: pricing.MembershipLapsed}, Admin: true},
			{User: booking.User{ID: "u-ada", Email: "ada@example.com", Name: "Ada Quist", Tier: pricing.TierFull, MembershipStatus: pricing.MembershipActive}, Opening: h(12)},
			{User: booking.User{ID: "u-ben", Email: "ben@example.com", Name: "Ben Okafor", Tier: pricing.TierAssociate, MembershipStatus: pricing.MembershipActive}, Opening: h(3)},
			{User: booking.User{ID: "u-cho", Email: "cho@example.com", Name: "Cho Min", MembershipStatus: pricing.MembershipLapsed}},
			{User: booking.User{ID: "u-hart-admin", Email: "admin@hart.example.com", Name: "Hart Admin", Tier: pricing.TierFull, MembershipStatus: pricing.MembershipActive, OrganisationID: "org-hart"}},
			{User: booking.User{ID: "u-hart-1", Email: "dee@hart.example.com", Name: "Dee Hart", Tier: pricing.TierFull, MembershipStatus: pricing.MembershipActive, OrganisationID: "org-hart"}, Opening: h(5)},
			{User: booking.User{ID: "u-hart-2", Email: "eli@hart.example.com", Name: "Eli Hart", Tier: pricing.TierAssociate, MembershipStatus: pricing.MembershipLapsed, OrganisationID: "org-hart"}},
		},
		Courses: []booking.Course{
			{ID: "c-contract", Title: "Contract Law Update", CPDHours: h(5), Active: true},
			{ID: "c-ethics", Title: "Professional Ethics", CPDHours: h(3), Active: true,
				Variants: map[string]decimal.Decimal{"half-day": h(2), "full-day": h(6)}},
			{ID: "c-induction", Title: "Practice Induction", CPDHours: h(4), Active: true},
		},
		Dates: []booking.CourseDate{
			{ID: "d-contract-1", CourseID: "c-contract", StartsAt: at(14), Location: "London", Capacity: booking.CapacityOpen},
			{ID: "d-contract-2", CourseID: "c-contract", StartsAt: at(42), Location: "Online", Capacity: booking.CapacityOpen},
			{ID: "d-ethics-1", CourseID: "c-ethics", StartsAt: at(21), Location: "Manchester", Capacity: booking.CapacityOpen},
			{ID: "d-induction-1", CourseID: "c-induction", StartsAt: at(7), Location: "Leeds", Capacity: booking.CapacityFull},
		},
	}
}

// Apply writes the dataset. Members go before organisations because an organisation names
// its administrator. Opening grants use stable keys, so running Apply twice grants once.
func Apply(ctx context.Context, t Target, g Granter, d Dataset) error {
	for _, c := range d.Courses {
		if err := t.UpsertCourse(ctx, c); err != nil {
			return fmt.Errorf("seed course %s: %w", c.ID, err)
		}
	}
	for _, cd := range d.Dates {
		if err := t.UpsertCourseDate(ctx, cd); err != nil {
			return fmt.Errorf("seed course date %s: %w", cd.ID, err)
		}
	}
	orgs := make(map[string]orgbooking.Organisation, len(d.Organisations))
	for _, o := range d.Organisations {
		orgs[o.ID] = o
	}
	// administrators first, then the organisation row, then everyone else
	for _, o := range d.Organisations {
		for _, m := range d.Members {
			if m.User.ID != o.AdminUserID {
				continue
			}
			u := m.User
			u.OrganisationID = ""
			if err := t.UpsertUser(ctx, u); err != nil {
				return fmt.Errorf("seed user %s: %w", u.ID, err)
			}
		}
		if err := t.UpsertOrganisation(ctx, o); err != nil {
			return fmt.Errorf("seed organisation %s: %w", o.ID, err)
		}
	}
	for _, m := range d.Members {
		if m.User.OrganisationID != "" {
			if _, ok := orgs[m.User.OrganisationID]; !ok {
				return fmt.Errorf("seed user %s: unknown organisation %s", m.User.ID, m.User.OrganisationID)
			}
		}
		if err := t.UpsertUser(ctx, m.User); err != nil {
			return fmt.Errorf("seed user %s: %w", m.User.ID, err)
		}
	}
	for _, m := range d.Members {
		if !m.Opening.IsPositive() || g == nil {
			continue
		}
		if _, err := g.Credit(ctx, m.User.ID, m.Opening, "opening balance", "seed:"+m.User.ID); err != nil {
			return fmt.Errorf("seed opening balance %s: %w", m.User.ID, err)
		}
	}
	return nil
}

// Admins lists the ids of members seeded with the admin role.
func (d Dataset) Admins() []string {
	var out []string
	for _, m := range d.Members {
		if m.Admin {
			out = append(out, m.User.ID)
		}
	}
	return out
}
