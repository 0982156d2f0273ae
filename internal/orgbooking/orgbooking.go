package orgbooking

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/noah-isme/training-booking/internal/booking"
	"github.com/noah-isme/training-booking/internal/pricing"
)

// Mode selects how an organisation settles a bulk booking.
type Mode string

const (
	ModePayNow  Mode = "pay_now"
	ModeInvoice Mode = "invoice"
)

// Status of a bulk booking as a whole.
type Status string

const (
	StatusPending   Status = "pending"
	StatusSettled   Status = "settled"
	StatusCancelled Status = "cancelled"
)

// Organisation groups member accounts under one administrator.
type Organisation struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	AdminUserID  string `json:"adminUserId"`
	BillingEmail string `json:"billingEmail"`
}

// MemberLine is one member's independently computed share of a bulk booking.
type MemberLine struct {
	UserID    string         `json:"userId"`
	Email     string         `json:"email,omitempty"`
	BookingID string         `json:"bookingId,omitempty"`
	Status    booking.Status `json:"status"`
	Quote     pricing.Quote  `json:"quote"`
}

// BulkBooking records an organisation checkout or invoice. Total is the plain sum of the
// member final prices.
type BulkBooking struct {
	ID             string          `json:"id"`
	OrganisationID string          `json:"organisationId"`
	AdminUserID    string          `json:"adminUserId"`
	CourseID       string          `json:"courseId"`
	CourseDateID   string          `json:"courseDateId"`
	Mode           Mode            `json:"mode"`
	Total          decimal.Decimal `json:"total"`
	Members        []MemberLine    `json:"members"`
	SessionID      string          `json:"sessionId,omitempty"`
	CheckoutURL    string          `json:"checkoutUrl,omitempty"`
	InvoiceNumber  string          `json:"invoiceNumber,omitempty"`
	Status         Status          `json:"status"`
	CreatedAt      time.Time       `json:"createdAt"`
	SettledAt      *time.Time      `json:"settledAt,omitempty"`
}

// Store errors.
var (
	ErrNotFound  = errors.New("orgbooking: not found")
	ErrDuplicate = errors.New("orgbooking: duplicate bulk booking")
)

// Store persists organisations and bulk bookings.
type Store interface {
	Organisation(ctx context.Context, id string) (Organisation, error)
	OrganisationMembers(ctx context.Context, orgID string) ([]booking.User, error)
	InsertBulkBooking(ctx context.Context, b BulkBooking) error
	BulkBooking(ctx context.Context, id string) (BulkBooking, error)
	UpdateBulkStatus(ctx context.Context, id string, status Status, at time.Time) error
	NextInvoiceNumber(ctx context.Context, orgID string) (string, error)
}
