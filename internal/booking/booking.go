package booking

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/noah-isme/training-booking/internal/events"
	"github.com/noah-isme/training-booking/internal/ledger"
	"github.com/noah-isme/training-booking/internal/pricing"
)

// Status is the lifecycle state of a booking.
type Status string

const (
	// StatusQuoted is never persisted; it labels previews.
	StatusQuoted         Status = "QUOTED"
	StatusPendingPayment Status = "PENDING_PAYMENT"
	StatusConfirmed      Status = "CONFIRMED"
	StatusCancelled      Status = "CANCELLED"
	StatusFailed         Status = "FAILED"
)

// Terminal reports whether no further transition is allowed.
func (s Status) Terminal() bool {
	return s == StatusConfirmed || s == StatusCancelled || s == StatusFailed
}

// Method records how a booking was or will be paid.
type Method string

const (
	MethodCredits  Method = "credits"
	MethodCheckout Method = "checkout"
	MethodInvoice  Method = "invoice"
)

// Capacity is the availability of a course date.
type Capacity string

const (
	CapacityOpen      Capacity = "open"
	CapacityFull      Capacity = "full"
	CapacityCancelled Capacity = "cancelled"
)

// Course is a bookable training course.
type Course struct {
	ID       string                     `json:"id"`
	Title    string                     `json:"title"`
	CPDHours decimal.Decimal            `json:"cpdHours"`
	Variants map[string]decimal.Decimal `json:"variants,omitempty"`
	Active   bool                       `json:"active"`
}

// HoursFor returns the CPD hours for a variant, falling back to the course default.
func (c Course) HoursFor(variant string) (decimal.Decimal, bool) {
	if variant == "" {
		return c.CPDHours, true
	}
	h, ok := c.Variants[variant]
	return h, ok
}

// CourseDate is one scheduled run of a course.
type CourseDate struct {
	ID       string    `json:"id"`
	CourseID string    `json:"courseId"`
	StartsAt time.Time `json:"startsAt"`
	Location string    `json:"location"`
	Capacity Capacity  `json:"capacity"`
}

// User is the booking view of a member account. The credit balance lives in the ledger.
type User struct {
	ID               string                   `json:"id"`
	Email            string                   `json:"email"`
	Name             string                   `json:"name"`
	Tier             pricing.Tier             `json:"tier"`
	MembershipStatus pricing.MembershipStatus `json:"membershipStatus"`
	OrganisationID   string                   `json:"organisationId,omitempty"`
}

// Booking is a persisted booking record. CreditsValue plus CashAmount equals TotalCost.
type Booking struct {
	ID            string          `json:"id"`
	UserID        string          `json:"userId"`
	CourseID      string          `json:"courseId"`
	CourseDateID  string          `json:"courseDateId"`
	Variant       string          `json:"variant,omitempty"`
	Participants  int             `json:"participants"`
	CreditsUsed   decimal.Decimal `json:"creditsUsed"`
	CreditsValue  decimal.Decimal `json:"creditsValue"`
	CashAmount    decimal.Decimal `json:"cashAmount"`
	TotalCost     decimal.Decimal `json:"totalCost"`
	Quote         pricing.Quote   `json:"quote"`
	Method        Method          `json:"method"`
	Status        Status          `json:"status"`
	SessionID     string          `json:"sessionId,omitempty"`
	CheckoutURL   string          `json:"checkoutUrl,omitempty"`
	BulkID        string          `json:"bulkId,omitempty"`
	Notes         string          `json:"notes,omitempty"`
	FailureReason string          `json:"failureReason,omitempty"`
	CreatedAt     time.Time       `json:"createdAt"`
	UpdatedAt     time.Time       `json:"updatedAt"`
	ConfirmedAt   *time.Time      `json:"confirmedAt,omitempty"`
}

// Store errors.
var (
	ErrNotFound = errors.New("booking: not found")
	// ErrDuplicateID means a booking with the same id already exists.
	ErrDuplicateID = errors.New("booking: duplicate id")
	// ErrAlreadyConfirmed means another CONFIRMED booking holds the (user, course date) slot.
	ErrAlreadyConfirmed = errors.New("booking: slot already confirmed")
	// ErrStaleState means the booking was not in the expected state when transitioning.
	ErrStaleState = errors.New("booking: stale state")
)

// Transition moves one booking from a known state to another.
type Transition struct {
	ID            string
	From          Status
	To            Status
	FailureReason string
	At            time.Time
}

// Store is the entity storage the orchestrator relies on.
type Store interface {
	User(ctx context.Context, id string) (User, error)
	Course(ctx context.Context, id string) (Course, error)
	CourseDate(ctx context.Context, id string) (CourseDate, error)
	Booking(ctx context.Context, id string) (Booking, error)
	BookingsBySession(ctx context.Context, sessionID string) ([]Booking, error)
	BookingsForUser(ctx context.Context, userID string) ([]Booking, error)
	ConfirmedBooking(ctx context.Context, userID, courseDateID string) (Booking, error)
	// InsertBooking fails with ErrDuplicateID or ErrAlreadyConfirmed.
	InsertBooking(ctx context.Context, b Booking) error
	// TransitionBooking applies t only if the booking is still in t.From.
	TransitionBooking(ctx context.Context, t Transition) (Booking, error)
	// DanglingDebits lists booking debits older than before with no booking row and no reversal.
	DanglingDebits(ctx context.Context, before time.Time, limit int) ([]ledger.Transaction, error)
}

// CreditLedger is the part of the ledger the orchestrator needs. *ledger.Service satisfies it.
type CreditLedger interface {
	Account(ctx context.Context, userID string) (ledger.Account, error)
	Debit(ctx context.Context, userID string, amount decimal.Decimal, bookingID, key string) (ledger.Transaction, error)
	Reverse(ctx context.Context, debit ledger.Transaction) (ledger.Transaction, error)
	FindDebit(ctx context.Context, key string) (ledger.Transaction, error)
}

// CheckoutRequest asks the external processor for a hosted checkout.
type CheckoutRequest struct {
	// Reference is the idempotency token for the processor: a booking id, or a bulk booking id.
	Reference           string
	BookingIDs          []string
	Amount              decimal.Decimal
	Currency            string
	Description         string
	CustomerEmail       string
	CreditHoursReserved decimal.Decimal
	Participants        int
	SuccessURL          string
	CancelURL           string
}

// CheckoutSession is the processor's answer to a CheckoutRequest.
type CheckoutSession struct {
	ID        string    `json:"id"`
	URL       string    `json:"url"`
	Provider  string    `json:"provider"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// SettlementGateway creates checkout sessions with an external processor.
type SettlementGateway interface {
	CreateCheckoutSession(ctx context.Context, req CheckoutRequest) (CheckoutSession, error)
}

// Summary is what the member is told once a booking is confirmed.
type Summary struct {
	BookingID    string          `json:"bookingId"`
	UserID       string          `json:"userId"`
	Email        string          `json:"email"`
	Name         string          `json:"name,omitempty"`
	CourseTitle  string          `json:"courseTitle"`
	CourseDateID string          `json:"courseDateId"`
	StartsAt     time.Time       `json:"startsAt"`
	Location     string          `json:"location"`
	Participants int             `json:"participants"`
	CreditsUsed  decimal.Decimal `json:"creditsUsed"`
	CashAmount   decimal.Decimal `json:"cashAmount"`
	TotalCost    decimal.Decimal `json:"totalCost"`
	Method       Method          `json:"method"`
}

// NotificationSink delivers confirmations. Failures never undo a confirmation.
type NotificationSink interface {
	SendConfirmation(ctx context.Context, s Summary) error
}

// EventEmitter records lifecycle events. *events.Bus satisfies it.
type EventEmitter interface {
	Emit(ctx context.Context, topic, aggregateID string, payload any) (events.DomainEvent, error)
}

// ReconcileScheduler arranges for a dangling debit to be looked at later.
type ReconcileScheduler interface {
	ScheduleReconcile(ctx context.Context, bookingID, userID string) error
}
