package booking

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
	"github.com/noah-isme/training-booking/internal/events"
	"github.com/noah-isme/training-booking/internal/ledger"
	"github.com/noah-isme/training-booking/internal/lock"
	"github.com/noah-isme/training-booking/internal/obs"
	"github.com/noah-isme/training-booking/internal/pricing"
)

// bookingNamespace scopes ids derived from client idempotency keys.
var bookingNamespace = uuid.MustParse("6f1c2d7e-93b4-4c1a-8d52-0b7c3e9a4f10")

// BookingID returns the id a booking attempt will persist under. Retries carrying the same
// idempotency key map to the same booking, and so to the same ledger debit.
func BookingID(userID, idempotencyKey string) string {
	key := strings.TrimSpace(idempotencyKey)
	if key == "" {
		return uuid.NewString()
	}
	return uuid.NewSHA1(bookingNamespace, []byte(userID+"|"+key)).String()
}

// Orchestrator turns accepted quotes into bookings, settling them through the credit
// ledger or an external checkout.
type Orchestrator struct {
	Store      Store
	Ledger     CreditLedger
	Gateway    SettlementGateway
	Notifier   NotificationSink
	Events     EventEmitter
	Reconciler ReconcileScheduler
	Locker     ledger.Locker
	LockTTL    time.Duration
	Rules      pricing.Rules
	Currency   string
	SuccessURL string
	CancelURL  string
	Logger     zerolog.Logger
	Now        func() time.Time
}

// QuoteRequest identifies what is being priced and for whom.
type QuoteRequest struct {
	UserID               string
	CourseID             string
	CourseDateID         string
	Variant              string
	Participants         int
	RequestedCreditHours decimal.Decimal
	// HeldCreditHours were already debited for this booking by an earlier attempt and count
	// as available again.
	HeldCreditHours decimal.Decimal
}

// Priced bundles a quote with the records it was computed from.
type Priced struct {
	User     User
	Course   Course
	Date     CourseDate
	Variant  string
	Account  ledger.Account
	Eligible bool
	Quote    pricing.Quote
}

// QuoteResult is the read-only preview returned to clients.
type QuoteResult struct {
	Status             Status          `json:"status"`
	CourseID           string          `json:"courseId"`
	CourseDateID       string          `json:"courseDateId,omitempty"`
	Variant            string          `json:"variant,omitempty"`
	AvailableCredits   decimal.Decimal `json:"availableCredits"`
	MembershipEligible bool            `json:"membershipEligible"`
	SettlementPath     Method          `json:"settlementPath"`
	Quote              pricing.Quote   `json:"quote"`
}

// BookRequest is an accepted quote the member wants to turn into a booking.
type BookRequest struct {
	UserID               string
	CourseID             string
	CourseDateID         string
	Variant              string
	Participants         int
	RequestedCreditHours decimal.Decimal
	IdempotencyKey       string
	Notes                string
	SuccessURL           string
	CancelURL            string
}

// BookResult reports the outcome of Book.
type BookResult struct {
	Booking  Booking `json:"booking"`
	Replayed bool    `json:"replayed"`
}

// ReserveRequest persists a PENDING_PAYMENT booking for an already priced quote.
type ReserveRequest struct {
	ID      string
	Priced  Priced
	Method  Method
	Session CheckoutSession
	BulkID  string
	Notes   string
}

func (o *Orchestrator) now() time.Time {
	if o.Now != nil {
		return o.Now().UTC()
	}
	return time.Now().UTC()
}

// Price loads the records behind a quote and runs the calculator. It has no side effects.
func (o *Orchestrator) Price(ctx context.Context, req QuoteRequest) (Priced, error) {
	if o == nil || o.Store == nil || o.Ledger == nil {
		return Priced{}, errors.New("booking orchestrator not configured")
	}
	if strings.TrimSpace(req.UserID) == "" {
		return Priced{}, common.ValidationError("user id is required", nil)
	}
	if strings.TrimSpace(req.CourseID) == "" {
		return Priced{}, common.ValidationError("course id is required", nil)
	}
	user, err := o.Store.User(ctx, req.UserID)
	if err != nil {
		return Priced{}, notFound(err, "user not found")
	}
	course, err := o.Store.Course(ctx, req.CourseID)
	if err != nil {
		return Priced{}, notFound(err, "course not found")
	}
	if !course.Active {
		return Priced{}, common.ValidationError("course is not open for booking", map[string]any{"courseId": course.ID})
	}
	hours, ok := course.HoursFor(req.Variant)
	if !ok {
		return Priced{}, common.ValidationError("unknown course variant", map[string]any{"variant": req.Variant})
	}
	var date CourseDate
	if strings.TrimSpace(req.CourseDateID) != "" {
		date, err = o.Store.CourseDate(ctx, req.CourseDateID)
		if err != nil {
			return Priced{}, notFound(err, "course date not found")
		}
		if date.CourseID != course.ID {
			return Priced{}, common.ValidationError("course date does not belong to course", map[string]any{"courseDateId": date.ID})
		}
	}
	acct, err := o.Ledger.Account(ctx, user.ID)
	if err != nil {
		return Priced{}, err
	}
	eligible := pricing.MembershipEligible(user.Tier, user.MembershipStatus)
	q, err := pricing.Compute(o.Rules, pricing.Input{
		CourseID:             course.ID,
		CPDHours:             hours,
		Participants:         req.Participants,
		RequestedCreditHours: req.RequestedCreditHours,
		AvailableCredits:     acct.Balance.Add(req.HeldCreditHours),
		MembershipEligible:   eligible,
	})
	if err != nil {
		return Priced{}, err
	}
	return Priced{User: user, Course: course, Date: date, Variant: req.Variant, Account: acct, Eligible: eligible, Quote: q}, nil
}

// Quote returns a preview of the booking price without reserving anything.
func (o *Orchestrator) Quote(ctx context.Context, req QuoteRequest) (QuoteResult, error) {
	p, err := o.Price(ctx, req)
	if err != nil {
		return QuoteResult{}, err
	}
	path := MethodCheckout
	if p.Quote.Free() {
		path = MethodCredits
	}
	return QuoteResult{
		Status:             StatusQuoted,
		CourseID:           p.Course.ID,
		CourseDateID:       p.Date.ID,
		Variant:            p.Variant,
		AvailableCredits:   p.Account.Balance,
		MembershipEligible: p.Eligible,
		SettlementPath:     path,
		Quote:              p.Quote,
	}, nil
}

// Book prices the request and settles it. Fully credit-covered quotes are confirmed
// immediately; anything with a cash remainder waits on an external checkout.
func (o *Orchestrator) Book(ctx context.Context, req BookRequest) (BookResult, error) {
	if o == nil || o.Store == nil || o.Ledger == nil {
		return BookResult{}, errors.New("booking orchestrator not configured")
	}
	ctx, span := otel.Tracer("booking.Orchestrator").Start(ctx, "BookingOrchestrator.Book")
	defer span.End()

	path := "unknown"
	result := "error"
	defer func() {
		span.SetAttributes(attribute.String("booking.path", path), attribute.String("booking.result", result))
		obs.CountBookingAttempt(path, result)
	}()

	if strings.TrimSpace(req.CourseDateID) == "" {
		result = "invalid"
		return BookResult{}, common.ValidationError("course date id is required", nil)
	}
	if req.Participants < 1 {
		result = "invalid"
		return BookResult{}, common.ValidationError("participants must be at least 1", nil)
	}
	if req.RequestedCreditHours.IsNegative() {
		result = "invalid"
		return BookResult{}, common.ValidationError("requested credit hours cannot be negative", nil)
	}
	id := BookingID(req.UserID, req.IdempotencyKey)
	span.SetAttributes(attribute.String("booking.id", id))

	var res BookResult
	err := o.withLock(ctx, lock.SlotKey(req.UserID, req.CourseDateID), func(ctx context.Context) error {
		if existing, err := o.Store.Booking(ctx, id); err == nil {
			path = string(existing.Method)
			result = "replayed"
			res = BookResult{Booking: existing, Replayed: true}
			return nil
		} else if !errors.Is(err, ErrNotFound) {
			return err
		}
		if other, err := o.Store.ConfirmedBooking(ctx, req.UserID, req.CourseDateID); err == nil {
			result = "conflict"
			return alreadyBooked(other)
		} else if !errors.Is(err, ErrNotFound) {
			return err
		}

		held, resumed, err := o.heldDebit(ctx, id)
		if err != nil {
			return err
		}
		p, err := o.Price(ctx, QuoteRequest{
			UserID:               req.UserID,
			CourseID:             req.CourseID,
			CourseDateID:         req.CourseDateID,
			Variant:              req.Variant,
			Participants:         req.Participants,
			RequestedCreditHours: req.RequestedCreditHours,
			HeldCreditHours:      held.Amount.Abs(),
		})
		if err != nil {
			return err
		}
		if p.Date.Capacity != CapacityOpen {
			if resumed {
				o.reverseOrSchedule(ctx, held)
			}
			return common.ValidationError("course date is not open for booking", map[string]any{"capacity": p.Date.Capacity})
		}
		if resumed && (!p.Quote.Free() || !p.Quote.CreditHoursUsed.Equal(held.Amount.Abs())) {
			// the earlier attempt is no longer what this request prices to
			o.reverseOrSchedule(ctx, held)
			result = "expired"
			return expiredAttempt(id)
		}
		if p.Account.Frozen && p.Quote.CreditHoursUsed.IsPositive() {
			return common.LedgerIntegrityError("credit ledger is frozen pending review", map[string]any{"userId": p.User.ID})
		}

		if p.Quote.Free() {
			path = string(MethodCredits)
			res, err = o.settleWithCredits(ctx, ReserveRequest{ID: id, Priced: p, Method: MethodCredits, Notes: req.Notes})
		} else {
			path = string(MethodCheckout)
			res, err = o.checkout(ctx, id, p, req)
		}
		if err == nil {
			result = "success"
			if res.Replayed {
				result = "replayed"
			}
		}
		return err
	})
	if err != nil {
		switch {
		case errors.Is(err, common.ErrConflict):
			result = "conflict"
		case errors.Is(err, common.ErrInsufficientCredits):
			result = "insufficient"
		case errors.Is(err, common.ErrValidation):
			result = "invalid"
		case errors.Is(err, common.ErrGateway):
			result = "gateway_error"
		}
		span.RecordError(err)
		return BookResult{}, err
	}
	return res, nil
}

// settleWithCredits debits the ledger and records the booking as CONFIRMED. When the debit
// succeeds but the booking cannot be written, a reconcile is scheduled so the debit is either
// completed by a retry or reversed.
func (o *Orchestrator) settleWithCredits(ctx context.Context, req ReserveRequest) (BookResult, error) {
	id, p := req.ID, req.Priced
	var res BookResult
	err := o.withLock(ctx, lock.SettleKey(id), func(ctx context.Context) error {
		hours := p.Quote.CreditHoursUsed
		var debit ledger.Transaction
		if hours.IsPositive() {
			var err error
			debit, err = o.Ledger.Debit(ctx, p.User.ID, hours, id, ledger.DebitKey(id))
			switch {
			case errors.Is(err, ledger.ErrDebitReversed):
				return expiredAttempt(id)
			case errors.Is(err, ledger.ErrDebitMismatch):
				o.reverseOrSchedule(ctx, debit)
				return expiredAttempt(id)
			case err != nil:
				return err
			}
		}

		now := o.now()
		b := newBooking(id, p, MethodCredits, StatusConfirmed, now)
		b.ConfirmedAt = &now
		b.BulkID = req.BulkID
		b.Notes = req.Notes

		err := o.Store.InsertBooking(ctx, b)
		switch {
		case err == nil:
		case errors.Is(err, ErrDuplicateID):
			existing, getErr := o.Store.Booking(ctx, id)
			if getErr != nil {
				return getErr
			}
			res = BookResult{Booking: existing, Replayed: true}
			return nil
		case errors.Is(err, ErrAlreadyConfirmed):
			if hours.IsPositive() {
				o.reverseOrSchedule(ctx, debit)
			}
			other, _ := o.Store.ConfirmedBooking(ctx, p.User.ID, p.Date.ID)
			return alreadyBooked(other)
		default:
			if hours.IsPositive() {
				o.scheduleReconcile(ctx, id, p.User.ID)
			}
			return fmt.Errorf("persist confirmed booking: %w", err)
		}

		obs.CountTransition(string(StatusQuoted), string(StatusConfirmed))
		o.Logger.Info().
			Str("booking_id", id).
			Str("user_id", p.User.ID).
			Str("credits_used", hours.String()).
			Msg("booking_confirmed_with_credits")
		o.emit(ctx, events.TopicBookingConfirmed, b)
		o.notify(ctx, b, p.User, p.Course, p.Date)
		res = BookResult{Booking: b}
		return nil
	})
	return res, err
}

func (o *Orchestrator) checkout(ctx context.Context, id string, p Priced, req BookRequest) (BookResult, error) {
	if o.Gateway == nil {
		return BookResult{}, common.GatewayError("settlement gateway not configured", nil)
	}
	session, err := o.Gateway.CreateCheckoutSession(ctx, CheckoutRequest{
		Reference:           id,
		BookingIDs:          []string{id},
		Amount:              p.Quote.FinalPrice,
		Currency:            o.Currency,
		Description:         p.Course.Title,
		CustomerEmail:       p.User.Email,
		CreditHoursReserved: p.Quote.CreditHoursUsed,
		Participants:        p.Quote.Participants,
		SuccessURL:          firstNonEmpty(req.SuccessURL, o.SuccessURL),
		CancelURL:           firstNonEmpty(req.CancelURL, o.CancelURL),
	})
	if err != nil {
		if !errors.Is(err, common.ErrGateway) {
			err = common.GatewayError("could not create checkout session", err)
		}
		return BookResult{}, err
	}
	return o.Reserve(ctx, ReserveRequest{ID: id, Priced: p, Method: MethodCheckout, Session: session, Notes: req.Notes})
}

// Reserve persists a PENDING_PAYMENT booking. Reserved credits stay in the balance until
// the booking is confirmed.
func (o *Orchestrator) Reserve(ctx context.Context, req ReserveRequest) (BookResult, error) {
	if o == nil || o.Store == nil {
		return BookResult{}, errors.New("booking orchestrator not configured")
	}
	b := newBooking(req.ID, req.Priced, req.Method, StatusPendingPayment, o.now())
	b.SessionID = req.Session.ID
	b.CheckoutURL = req.Session.URL
	b.BulkID = req.BulkID
	b.Notes = req.Notes
	if err := o.Store.InsertBooking(ctx, b); err != nil {
		if errors.Is(err, ErrDuplicateID) {
			existing, getErr := o.Store.Booking(ctx, req.ID)
			if getErr != nil {
				return BookResult{}, getErr
			}
			return BookResult{Booking: existing, Replayed: true}, nil
		}
		return BookResult{}, fmt.Errorf("persist pending booking: %w", err)
	}
	obs.CountTransition(string(StatusQuoted), string(StatusPendingPayment))
	o.Logger.Info().
		Str("booking_id", b.ID).
		Str("user_id", b.UserID).
		Str("session_id", b.SessionID).
		Str("cash_amount", b.CashAmount.String()).
		Msg("booking_pending_payment")
	o.emit(ctx, events.TopicBookingPending, b)
	return BookResult{Booking: b}, nil
}

// SettleWithCredits confirms an already priced, fully covered quote under req.ID.
// Organisation bookings use it for members whose own credits cover their seat.
func (o *Orchestrator) SettleWithCredits(ctx context.Context, req ReserveRequest) (BookResult, error) {
	if !req.Priced.Quote.Free() {
		return BookResult{}, common.ValidationError("quote is not fully covered by credits", nil)
	}
	if existing, err := o.Store.Booking(ctx, req.ID); err == nil {
		return BookResult{Booking: existing, Replayed: true}, nil
	}
	req.Method = MethodCredits
	return o.settleWithCredits(ctx, req)
}

// Get returns one booking.
func (o *Orchestrator) Get(ctx context.Context, id string) (Booking, error) {
	b, err := o.Store.Booking(ctx, id)
	if err != nil {
		return Booking{}, notFound(err, "booking not found")
	}
	return b, nil
}

// ConfirmedFor returns the user's confirmed booking for a course date, if any.
func (o *Orchestrator) ConfirmedFor(ctx context.Context, userID, courseDateID string) (Booking, bool, error) {
	b, err := o.Store.ConfirmedBooking(ctx, userID, courseDateID)
	if errors.Is(err, ErrNotFound) {
		return Booking{}, false, nil
	}
	if err != nil {
		return Booking{}, false, err
	}
	return b, true, nil
}

// ListForUser returns the user's bookings, newest first.
func (o *Orchestrator) ListForUser(ctx context.Context, userID string) ([]Booking, error) {
	return o.Store.BookingsForUser(ctx, userID)
}

func newBooking(id string, p Priced, method Method, status Status, now time.Time) Booking {
	q := p.Quote
	return Booking{
		ID:           id,
		UserID:       p.User.ID,
		CourseID:     p.Course.ID,
		CourseDateID: p.Date.ID,
		Variant:      p.Variant,
		Participants: q.Participants,
		CreditsUsed:  q.CreditHoursUsed,
		CreditsValue: q.CreditDiscountAmount,
		CashAmount:   q.FinalPrice,
		TotalCost:    q.CreditDiscountAmount.Add(q.FinalPrice),
		Quote:        q,
		Method:       method,
		Status:       status,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

func (o *Orchestrator) withLock(ctx context.Context, key string, fn func(context.Context) error) error {
	if o.Locker == nil {
		return fn(ctx)
	}
	ttl := o.LockTTL
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return o.Locker.WithLock(ctx, key, ttl, fn)
}

func (o *Orchestrator) emit(ctx context.Context, topic string, b Booking) {
	if o.Events == nil {
		return
	}
	if _, err := o.Events.Emit(ctx, topic, b.ID, b); err != nil {
		o.Logger.Warn().Err(err).Str("topic", topic).Str("booking_id", b.ID).Msg("booking_event_failed")
	}
}

func (o *Orchestrator) notify(ctx context.Context, b Booking, user User, course Course, date CourseDate) {
	if o.Notifier == nil {
		return
	}
	summary := Summary{
		BookingID:    b.ID,
		UserID:       user.ID,
		Email:        user.Email,
		Name:         user.Name,
		CourseTitle:  course.Title,
		CourseDateID: date.ID,
		StartsAt:     date.StartsAt,
		Location:     date.Location,
		Participants: b.Participants,
		CreditsUsed:  b.CreditsUsed,
		CashAmount:   b.CashAmount,
		TotalCost:    b.TotalCost,
		Method:       b.Method,
	}
	if err := o.Notifier.SendConfirmation(ctx, summary); err != nil {
		o.Logger.Warn().Err(err).Str("booking_id", b.ID).Msg("confirmation_notice_failed")
	}
}

// heldDebit finds the debit an earlier attempt recorded under the booking id. A debit that
// has since been reversed ends the attempt.
func (o *Orchestrator) heldDebit(ctx context.Context, id string) (ledger.Transaction, bool, error) {
	debit, err := o.Ledger.FindDebit(ctx, ledger.DebitKey(id))
	if errors.Is(err, ledger.ErrTxNotFound) {
		return ledger.Transaction{}, false, nil
	}
	if err != nil {
		return ledger.Transaction{}, false, err
	}
	if debit.Type != ledger.TxSpent {
		return ledger.Transaction{}, false, nil
	}
	reversed, err := o.reversed(ctx, debit)
	if err != nil {
		return ledger.Transaction{}, false, err
	}
	if reversed {
		return ledger.Transaction{}, false, expiredAttempt(id)
	}
	return debit, true, nil
}

func (o *Orchestrator) reversed(ctx context.Context, debit ledger.Transaction) (bool, error) {
	_, err := o.Ledger.FindDebit(ctx, ledger.ReversalKey(debit.IdempotencyKey))
	if errors.Is(err, ledger.ErrTxNotFound) {
		return false, nil
	}
	return err == nil, err
}

func expiredAttempt(id string) error {
	return common.InvalidTransitionError("this booking attempt expired, retry with a new idempotency key", map[string]any{"bookingId": id})
}

func alreadyBooked(existing Booking) error {
	details := map[string]any{}
	if existing.ID != "" {
		details["bookingId"] = existing.ID
	}
	return common.ConflictError("a confirmed booking already exists for this course date", details)
}

func notFound(err error, message string) error {
	if errors.Is(err, ErrNotFound) {
		return common.NotFoundError(message)
	}
	return err
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
