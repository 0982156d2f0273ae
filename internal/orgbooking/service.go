package orgbooking

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/noah-isme/training-booking/internal/booking"
	"github.com/noah-isme/training-booking/internal/common"
	"github.com/noah-isme/training-booking/internal/events"
)

var bulkNamespace = uuid.MustParse("0d8a4c93-5e21-4b7f-a6c0-3f92e1b7d845")

// Bookings is the part of the orchestrator bulk bookings are built on.
// *booking.Orchestrator satisfies it.
type Bookings interface {
	Price(ctx context.Context, req booking.QuoteRequest) (booking.Priced, error)
	ConfirmedFor(ctx context.Context, userID, courseDateID string) (booking.Booking, bool, error)
	SettleWithCredits(ctx context.Context, req booking.ReserveRequest) (booking.BookResult, error)
	Reserve(ctx context.Context, req booking.ReserveRequest) (booking.BookResult, error)
	ConfirmSettlement(ctx context.Context, ref string) ([]booking.Booking, error)
	Get(ctx context.Context, id string) (booking.Booking, error)
}

// Service prices and books a course date for several organisation members at once.
type Service struct {
	Store      Store
	Bookings   Bookings
	Gateway    booking.SettlementGateway
	Events     booking.EventEmitter
	Currency   string
	SuccessURL string
	CancelURL  string
	Logger     zerolog.Logger
	Now        func() time.Time
}

// MemberRequest selects one member and the credit hours they want to put in.
type MemberRequest struct {
	UserID               string          `json:"userId" validate:"required"`
	RequestedCreditHours decimal.Decimal `json:"requestedCreditHours"`
}

// Request describes a bulk booking made by an organisation administrator.
type Request struct {
	OrganisationID string
	AdminUserID    string
	CourseID       string
	CourseDateID   string
	Variant        string
	Members        []MemberRequest
	IdempotencyKey string
	SuccessURL     string
	CancelURL      string
}

// BulkQuote is the per-member breakdown and the aggregate total.
type BulkQuote struct {
	OrganisationID string          `json:"organisationId"`
	CourseID       string          `json:"courseId"`
	CourseDateID   string          `json:"courseDateId"`
	Members        []MemberLine    `json:"members"`
	Total          decimal.Decimal `json:"total"`

	priced []booking.Priced
	// booked holds member bookings an interrupted attempt at the same bulk booking left behind.
	booked map[string]booking.Booking
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

// Quote prices every selected member independently with their own tier and balance.
func (s *Service) Quote(ctx context.Context, req Request) (BulkQuote, error) {
	return s.quote(ctx, req, "")
}

// quote prices the members of req. With a bulk id, members whose booking under that bulk
// already exists keep the quote they were booked at.
func (s *Service) quote(ctx context.Context, req Request, bulkID string) (BulkQuote, error) {
	if s == nil || s.Store == nil || s.Bookings == nil {
		return BulkQuote{}, errors.New("bulk booking service not configured")
	}
	ctx, span := otel.Tracer("orgbooking.Service").Start(ctx, "OrganisationBulkQuote.Quote")
	defer span.End()
	span.SetAttributes(attribute.String("org.id", req.OrganisationID), attribute.Int("org.members", len(req.Members)))

	if _, err := s.authorise(ctx, req); err != nil {
		span.RecordError(err)
		return BulkQuote{}, err
	}
	roster, err := s.roster(ctx, req.OrganisationID)
	if err != nil {
		return BulkQuote{}, err
	}

	out := BulkQuote{OrganisationID: req.OrganisationID, CourseID: req.CourseID, CourseDateID: req.CourseDateID, Total: decimal.Zero}
	seen := make(map[string]struct{}, len(req.Members))
	for _, m := range req.Members {
		if _, dup := seen[m.UserID]; dup {
			return BulkQuote{}, common.ValidationError("member listed more than once", map[string]any{"userId": m.UserID})
		}
		seen[m.UserID] = struct{}{}
		if _, ok := roster[m.UserID]; !ok {
			return BulkQuote{}, common.ValidationError("user is not a member of this organisation", map[string]any{"userId": m.UserID})
		}
		prior, resumed, err := s.memberBooking(ctx, bulkID, m.UserID)
		if err != nil {
			return BulkQuote{}, err
		}
		if !resumed {
			if existing, ok, err := s.Bookings.ConfirmedFor(ctx, m.UserID, req.CourseDateID); err != nil {
				return BulkQuote{}, err
			} else if ok {
				return BulkQuote{}, common.ConflictError("member already holds a confirmed booking for this course date", map[string]any{"userId": m.UserID, "bookingId": existing.ID})
			}
		}
		p, err := s.Bookings.Price(ctx, booking.QuoteRequest{
			UserID:               m.UserID,
			CourseID:             req.CourseID,
			CourseDateID:         req.CourseDateID,
			Variant:              req.Variant,
			Participants:         1,
			RequestedCreditHours: m.RequestedCreditHours,
		})
		if err != nil {
			return BulkQuote{}, fmt.Errorf("price member %s: %w", m.UserID, err)
		}
		if resumed {
			p.Quote = prior.Quote
			if out.booked == nil {
				out.booked = make(map[string]booking.Booking)
			}
			out.booked[m.UserID] = prior
		} else if p.Account.Frozen && p.Quote.CreditHoursUsed.IsPositive() {
			return BulkQuote{}, common.LedgerIntegrityError("member credit ledger is frozen pending review", map[string]any{"userId": m.UserID})
		}
		out.priced = append(out.priced, p)
		out.Members = append(out.Members, MemberLine{UserID: m.UserID, Email: p.User.Email, Status: booking.StatusQuoted, Quote: p.Quote})
		out.Total = out.Total.Add(p.Quote.FinalPrice)
	}
	return out, nil
}

// PayNow settles fully covered members on their credits and sends the rest through one
// checkout session for the aggregate amount.
func (s *Service) PayNow(ctx context.Context, req Request) (BulkBooking, error) {
	return s.create(ctx, ModePayNow, req)
}

// Invoice records the member bookings against an invoice issued to the administrator.
func (s *Service) Invoice(ctx context.Context, req Request) (BulkBooking, error) {
	return s.create(ctx, ModeInvoice, req)
}

func (s *Service) create(ctx context.Context, mode Mode, req Request) (BulkBooking, error) {
	bulkID := bulkID(req.AdminUserID, req.IdempotencyKey, mode)
	if existing, err := s.Store.BulkBooking(ctx, bulkID); err == nil {
		return s.refresh(ctx, existing)
	} else if !errors.Is(err, ErrNotFound) {
		return BulkBooking{}, err
	}

	q, err := s.quote(ctx, req, bulkID)
	if err != nil {
		return BulkBooking{}, err
	}
	ctx, span := otel.Tracer("orgbooking.Service").Start(ctx, "OrganisationBulkQuote.Create")
	defer span.End()
	span.SetAttributes(attribute.String("bulk.id", bulkID), attribute.String("bulk.mode", string(mode)))

	if err := s.checkCapacity(q); err != nil {
		return BulkBooking{}, err
	}
	org, _ := s.Store.Organisation(ctx, req.OrganisationID)
	now := s.now()
	bulk := BulkBooking{
		ID:             bulkID,
		OrganisationID: req.OrganisationID,
		AdminUserID:    req.AdminUserID,
		CourseID:       req.CourseID,
		CourseDateID:   req.CourseDateID,
		Mode:           mode,
		Total:          q.Total,
		Status:         StatusPending,
		CreatedAt:      now,
	}

	var session booking.CheckoutSession
	var payable []string
	for _, p := range q.priced {
		if !p.Quote.Free() {
			payable = append(payable, memberBookingID(bulkID, p.User.ID))
		}
	}
	if mode == ModePayNow {
		// members reserved by an interrupted attempt are already bound to its session
		for _, b := range q.booked {
			if b.Status == booking.StatusPendingPayment && b.SessionID != "" {
				session = booking.CheckoutSession{ID: b.SessionID, URL: b.CheckoutURL}
				break
			}
		}
	}
	if mode == ModePayNow && len(payable) > 0 && session.ID == "" {
		if s.Gateway == nil {
			return BulkBooking{}, common.GatewayError("settlement gateway not configured", nil)
		}
		session, err = s.Gateway.CreateCheckoutSession(ctx, booking.CheckoutRequest{
			Reference:     bulkID,
			BookingIDs:    payable,
			Amount:        q.Total,
			Currency:      s.Currency,
			Description:   fmt.Sprintf("%s bulk booking (%d members)", org.Name, len(payable)),
			CustomerEmail: org.BillingEmail,
			Participants:  len(payable),
			SuccessURL:    firstNonEmpty(req.SuccessURL, s.SuccessURL),
			CancelURL:     firstNonEmpty(req.CancelURL, s.CancelURL),
		})
		if err != nil {
			span.RecordError(err)
			if !errors.Is(err, common.ErrGateway) {
				err = common.GatewayError("could not create checkout session", err)
			}
			return BulkBooking{}, err
		}
	}
	bulk.SessionID = session.ID
	bulk.CheckoutURL = session.URL
	if mode == ModeInvoice && len(payable) > 0 {
		number, err := s.Store.NextInvoiceNumber(ctx, req.OrganisationID)
		if err != nil {
			return BulkBooking{}, fmt.Errorf("issue invoice number: %w", err)
		}
		bulk.InvoiceNumber = number
	}

	notes := "bulk:" + bulkID
	for i, p := range q.priced {
		id := memberBookingID(bulkID, p.User.ID)
		line := q.Members[i]
		line.BookingID = id
		if prior, ok := q.booked[p.User.ID]; ok {
			line.Status = prior.Status
			bulk.Members = append(bulk.Members, line)
			continue
		}
		var res booking.BookResult
		if p.Quote.Free() {
			res, err = s.Bookings.SettleWithCredits(ctx, booking.ReserveRequest{ID: id, Priced: p, BulkID: bulkID, Notes: notes})
		} else {
			method := booking.MethodCheckout
			if mode == ModeInvoice {
				method = booking.MethodInvoice
			}
			res, err = s.Bookings.Reserve(ctx, booking.ReserveRequest{ID: id, Priced: p, Method: method, Session: session, BulkID: bulkID, Notes: notes})
		}
		if err != nil {
			s.Logger.Error().Err(err).Str("bulk_id", bulkID).Str("user_id", p.User.ID).Msg("bulk_member_booking_failed")
			return BulkBooking{}, fmt.Errorf("book member %s: %w", p.User.ID, err)
		}
		line.Status = res.Booking.Status
		bulk.Members = append(bulk.Members, line)
	}
	if len(payable) == 0 {
		bulk.Status = StatusSettled
		bulk.SettledAt = &now
	}

	if err := s.Store.InsertBulkBooking(ctx, bulk); err != nil {
		if errors.Is(err, ErrDuplicate) {
			existing, getErr := s.Store.BulkBooking(ctx, bulkID)
			if getErr != nil {
				return BulkBooking{}, getErr
			}
			return s.refresh(ctx, existing)
		}
		return BulkBooking{}, fmt.Errorf("persist bulk booking: %w", err)
	}

	topic := events.TopicBulkCheckout
	if mode == ModeInvoice {
		topic = events.TopicBulkInvoiced
	}
	if bulk.Status == StatusSettled {
		topic = events.TopicBulkSettled
	}
	s.emit(ctx, topic, bulk)
	s.Logger.Info().
		Str("bulk_id", bulk.ID).
		Str("org_id", bulk.OrganisationID).
		Str("mode", string(mode)).
		Str("total", bulk.Total.String()).
		Int("members", len(bulk.Members)).
		Msg("bulk_booking_created")
	return bulk, nil
}

// MarkInvoicePaid confirms every member booking behind an invoice.
func (s *Service) MarkInvoicePaid(ctx context.Context, bulkID string) (BulkBooking, error) {
	if s == nil || s.Store == nil || s.Bookings == nil {
		return BulkBooking{}, errors.New("bulk booking service not configured")
	}
	bulk, err := s.load(ctx, bulkID)
	if err != nil {
		return BulkBooking{}, err
	}
	if bulk.Mode != ModeInvoice {
		return BulkBooking{}, common.InvalidTransitionError("bulk booking is not invoiced", map[string]any{"bulkId": bulk.ID, "mode": bulk.Mode})
	}
	if bulk.Status == StatusCancelled {
		return BulkBooking{}, common.InvalidTransitionError("bulk booking was cancelled", map[string]any{"bulkId": bulk.ID})
	}
	var firstErr error
	for _, m := range bulk.Members {
		if m.Status == booking.StatusConfirmed {
			continue
		}
		if _, err := s.Bookings.ConfirmSettlement(ctx, m.BookingID); err != nil {
			s.Logger.Warn().Err(err).Str("bulk_id", bulk.ID).Str("booking_id", m.BookingID).Msg("invoice_member_confirm_failed")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	synced, err := s.Sync(ctx, bulk.ID)
	if err != nil {
		return BulkBooking{}, err
	}
	return synced, firstErr
}

// Sync refreshes member statuses and settles or cancels the bulk booking once no member is
// still awaiting payment. Checkout webhooks call it for the bulk id on confirmed bookings.
func (s *Service) Sync(ctx context.Context, bulkID string) (BulkBooking, error) {
	bulk, err := s.load(ctx, bulkID)
	if err != nil {
		return BulkBooking{}, err
	}
	if bulk.Status != StatusPending {
		return bulk, nil
	}
	pending, confirmed := 0, 0
	for _, m := range bulk.Members {
		switch m.Status {
		case booking.StatusPendingPayment:
			pending++
		case booking.StatusConfirmed:
			confirmed++
		}
	}
	if pending > 0 {
		return bulk, nil
	}
	now := s.now()
	next := StatusSettled
	topic := events.TopicBulkSettled
	if confirmed < len(bulk.Members) {
		next = StatusCancelled
		topic = ""
	}
	if err := s.Store.UpdateBulkStatus(ctx, bulk.ID, next, now); err != nil {
		return BulkBooking{}, err
	}
	bulk.Status = next
	if next == StatusSettled {
		bulk.SettledAt = &now
	}
	if topic != "" {
		s.emit(ctx, topic, bulk)
	}
	s.Logger.Info().Str("bulk_id", bulk.ID).Str("status", string(next)).Msg("bulk_booking_synced")
	return bulk, nil
}

// Get returns a bulk booking with current member statuses. A non-empty orgID must match.
func (s *Service) Get(ctx context.Context, orgID, bulkID string) (BulkBooking, error) {
	bulk, err := s.load(ctx, bulkID)
	if err != nil {
		return BulkBooking{}, err
	}
	if orgID != "" && bulk.OrganisationID != orgID {
		return BulkBooking{}, common.NotFoundError("bulk booking not found")
	}
	return bulk, nil
}

func (s *Service) load(ctx context.Context, bulkID string) (BulkBooking, error) {
	bulk, err := s.Store.BulkBooking(ctx, bulkID)
	if errors.Is(err, ErrNotFound) {
		return BulkBooking{}, common.NotFoundError("bulk booking not found")
	}
	if err != nil {
		return BulkBooking{}, err
	}
	return s.refresh(ctx, bulk)
}

func (s *Service) refresh(ctx context.Context, bulk BulkBooking) (BulkBooking, error) {
	for i, m := range bulk.Members {
		if m.BookingID == "" {
			continue
		}
		b, err := s.Bookings.Get(ctx, m.BookingID)
		if err != nil {
			if errors.Is(err, common.ErrNotFound) {
				continue
			}
			return BulkBooking{}, err
		}
		bulk.Members[i].Status = b.Status
	}
	return bulk, nil
}

func (s *Service) memberBooking(ctx context.Context, bulkID, userID string) (booking.Booking, bool, error) {
	if bulkID == "" {
		return booking.Booking{}, false, nil
	}
	b, err := s.Bookings.Get(ctx, memberBookingID(bulkID, userID))
	if errors.Is(err, common.ErrNotFound) {
		return booking.Booking{}, false, nil
	}
	if err != nil {
		return booking.Booking{}, false, err
	}
	if b.Status.Terminal() && b.Status != booking.StatusConfirmed {
		return booking.Booking{}, false, common.InvalidTransitionError("member booking from an earlier attempt can no longer be completed", map[string]any{"userId": userID, "bookingId": b.ID, "status": b.Status})
	}
	return b, true, nil
}

func (s *Service) authorise(ctx context.Context, req Request) (Organisation, error) {
	if strings.TrimSpace(req.OrganisationID) == "" {
		return Organisation{}, common.ValidationError("organisation id is required", nil)
	}
	if strings.TrimSpace(req.CourseDateID) == "" {
		return Organisation{}, common.ValidationError("course date id is required", nil)
	}
	if len(req.Members) == 0 {
		return Organisation{}, common.ValidationError("at least one member is required", nil)
	}
	org, err := s.Store.Organisation(ctx, req.OrganisationID)
	if errors.Is(err, ErrNotFound) {
		return Organisation{}, common.NotFoundError("organisation not found")
	}
	if err != nil {
		return Organisation{}, err
	}
	if org.AdminUserID != req.AdminUserID {
		return Organisation{}, common.NewAppError("FORBIDDEN", "only the organisation administrator can book for members", http.StatusForbidden, nil)
	}
	return org, nil
}

func (s *Service) roster(ctx context.Context, orgID string) (map[string]booking.User, error) {
	members, err := s.Store.OrganisationMembers(ctx, orgID)
	if err != nil {
		return nil, err
	}
	out := make(map[string]booking.User, len(members))
	for _, m := range members {
		out[m.ID] = m
	}
	return out, nil
}

func (s *Service) checkCapacity(q BulkQuote) error {
	for _, p := range q.priced {
		if p.Date.Capacity != booking.CapacityOpen {
			return common.ValidationError("course date is not open for booking", map[string]any{"capacity": p.Date.Capacity})
		}
	}
	return nil
}

func (s *Service) emit(ctx context.Context, topic string, b BulkBooking) {
	if s.Events == nil {
		return
	}
	if _, err := s.Events.Emit(ctx, topic, b.ID, b); err != nil {
		s.Logger.Warn().Err(err).Str("topic", topic).Str("bulk_id", b.ID).Msg("bulk_event_failed")
	}
}

func bulkID(adminID, key string, mode Mode) string {
	key = strings.TrimSpace(key)
	if key == "" {
		return uuid.NewString()
	}
	return uuid.NewSHA1(bulkNamespace, []byte(adminID+"|"+string(mode)+"|"+key)).String()
}

func memberBookingID(bulkID, userID string) string {
	return booking.BookingID(userID, "bulk:"+bulkID)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
