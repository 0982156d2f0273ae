package booking_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/training-booking/internal/booking"
	"github.com/noah-isme/training-booking/internal/common"
	"github.com/noah-isme/training-booking/internal/events"
	"github.com/noah-isme/training-booking/internal/ledger"
	"github.com/noah-isme/training-booking/internal/obs"
	"github.com/noah-isme/training-booking/internal/pricing"
	"github.com/noah-isme/training-booking/internal/repo/memrepo"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type stubGateway struct {
	mu       sync.Mutex
	requests []booking.CheckoutRequest
	err      error
}

func (g *stubGateway) CreateCheckoutSession(_ context.Context, req booking.CheckoutRequest) (booking.CheckoutSession, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.requests = append(g.requests, req)
	if g.err != nil {
		return booking.CheckoutSession{}, g.err
	}
	return booking.CheckoutSession{ID: "sess-" + req.Reference, URL: "https://pay.example.com/" + req.Reference, Provider: "stub"}, nil
}

type stubNotifier struct {
	mu   sync.Mutex
	sent []booking.Summary
	err  error
}

func (n *stubNotifier) SendConfirmation(_ context.Context, s booking.Summary) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, s)
	return n.err
}

type stubReconciler struct {
	mu        sync.Mutex
	scheduled []string
}

func (r *stubReconciler) ScheduleReconcile(_ context.Context, bookingID, _ string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scheduled = append(r.scheduled, bookingID)
	return nil
}

// failingInsertStore fails every CONFIRMED insert after the ledger has been debited.
type failingInsertStore struct {
	*memrepo.Store
}

func (s failingInsertStore) InsertBooking(ctx context.Context, b booking.Booking) error {
	if b.Status == booking.StatusConfirmed {
		return errors.New("connection reset")
	}
	return s.Store.InsertBooking(ctx, b)
}

type fixture struct {
	store      *memrepo.Store
	ledger     *ledger.Service
	orch       *booking.Orchestrator
	gateway    *stubGateway
	notifier   *stubNotifier
	reconciler *stubReconciler
}

func newFixture(t *testing.T, balance string) *fixture {
	t.Helper()
	store := memrepo.New()
	store.PutUser(booking.User{ID: "u1", Email: "ada@example.com", Name: "Ada", Tier: pricing.TierFull, MembershipStatus: pricing.MembershipActive}, dec(balance))
	store.PutCourse(booking.Course{ID: "c1", Title: "Contract Law Update", CPDHours: dec("5"), Active: true})
	store.PutCourseDate(booking.CourseDate{ID: "d1", CourseID: "c1", StartsAt: time.Date(2026, 11, 3, 9, 0, 0, 0, time.UTC), Location: "Leeds", Capacity: booking.CapacityOpen})
	store.PutCourseDate(booking.CourseDate{ID: "d-full", CourseID: "c1", Capacity: booking.CapacityFull})

	led := &ledger.Service{Store: store, Logger: zerolog.Nop()}
	f := &fixture{
		store:      store,
		ledger:     led,
		gateway:    &stubGateway{},
		notifier:   &stubNotifier{},
		reconciler: &stubReconciler{},
	}
	f.orch = &booking.Orchestrator{
		Store:      store,
		Ledger:     led,
		Gateway:    f.gateway,
		Notifier:   f.notifier,
		Events:     &events.Bus{Store: store},
		Reconciler: f.reconciler,
		Rules:      pricing.DefaultRules(dec("20"), ""),
		Currency:   "GBP",
		Logger:     zerolog.Nop(),
	}
	return f
}

func (f *fixture) balance(t *testing.T) decimal.Decimal {
	t.Helper()
	bal, err := f.ledger.Balance(context.Background(), "u1")
	require.NoError(t, err)
	return bal
}

func (f *fixture) debits(t *testing.T) int {
	t.Helper()
	history, err := f.ledger.History(context.Background(), "u1", 0, 0)
	require.NoError(t, err)
	n := 0
	for _, tx := range history {
		if tx.Type == ledger.TxSpent {
			n++
		}
	}
	return n
}

func bookReq(key, hours string) booking.BookRequest {
	return booking.BookRequest{
		UserID:               "u1",
		CourseID:             "c1",
		CourseDateID:         "d1",
		Participants:         1,
		RequestedCreditHours: dec(hours),
		IdempotencyKey:       key,
	}
}

func TestQuoteHasNoSideEffects(t *testing.T) {
	f := newFixture(t, "10")
	res, err := f.orch.Quote(context.Background(), booking.QuoteRequest{UserID: "u1", CourseID: "c1", CourseDateID: "d1", Participants: 1, RequestedCreditHours: dec("4")})
	require.NoError(t, err)
	require.Equal(t, booking.StatusQuoted, res.Status)
	require.Equal(t, booking.MethodCheckout, res.SettlementPath)
	require.True(t, res.MembershipEligible)
	require.Equal(t, "18", res.Quote.FinalPrice.String())
	require.True(t, f.balance(t).Equal(dec("10")))
	require.Empty(t, f.gateway.requests)
}

func TestBookFullyCoveredConfirmsImmediately(t *testing.T) {
	f := newFixture(t, "10")
	ctx := context.Background()

	res, err := f.orch.Book(ctx, bookReq("k1", "5"))
	require.NoError(t, err)
	require.False(t, res.Replayed)
	b := res.Booking
	require.Equal(t, booking.StatusConfirmed, b.Status)
	require.Equal(t, booking.MethodCredits, b.Method)
	require.True(t, b.CreditsUsed.Equal(dec("5")))
	require.True(t, b.CashAmount.IsZero())
	require.True(t, b.TotalCost.Equal(b.CreditsValue.Add(b.CashAmount)))
	require.NotNil(t, b.ConfirmedAt)

	require.True(t, f.balance(t).Equal(dec("5")))
	require.Empty(t, f.gateway.requests)
	require.Len(t, f.notifier.sent, 1)
	require.Equal(t, "ada@example.com", f.notifier.sent[0].Email)

	evs := f.store.Events()
	require.Len(t, evs, 1)
	require.Equal(t, events.TopicBookingConfirmed, evs[0].Topic)
}

func TestBookReplaysSameIdempotencyKey(t *testing.T) {
	f := newFixture(t, "10")
	ctx := context.Background()

	first, err := f.orch.Book(ctx, bookReq("k1", "5"))
	require.NoError(t, err)
	second, err := f.orch.Book(ctx, bookReq("k1", "5"))
	require.NoError(t, err)
	require.True(t, second.Replayed)
	require.Equal(t, first.Booking.ID, second.Booking.ID)
	require.Equal(t, 1, f.debits(t))
	require.True(t, f.balance(t).Equal(dec("5")))
}

func TestSecondBookingForSameDateConflicts(t *testing.T) {
	f := newFixture(t, "20")
	ctx := context.Background()

	first, err := f.orch.Book(ctx, bookReq("k1", "5"))
	require.NoError(t, err)

	_, err = f.orch.Book(ctx, bookReq("k2", "5"))
	require.ErrorIs(t, err, common.ErrConflict)

	got, err := f.orch.Get(ctx, first.Booking.ID)
	require.NoError(t, err)
	require.Equal(t, booking.StatusConfirmed, got.Status)
	require.True(t, f.balance(t).Equal(dec("15")))
	require.Equal(t, 1, f.debits(t))
}

func TestBookWithRemainderWaitsForCheckout(t *testing.T) {
	f := newFixture(t, "10")
	ctx := context.Background()

	res, err := f.orch.Book(ctx, bookReq("k1", "4"))
	require.NoError(t, err)
	b := res.Booking
	require.Equal(t, booking.StatusPendingPayment, b.Status)
	require.Equal(t, booking.MethodCheckout, b.Method)
	require.Equal(t, "sess-"+b.ID, b.SessionID)
	require.Equal(t, "18", b.CashAmount.String())
	require.True(t, b.CreditsUsed.Equal(dec("4")))

	require.Len(t, f.gateway.requests, 1)
	req := f.gateway.requests[0]
	require.Equal(t, "18", req.Amount.String())
	require.Equal(t, "GBP", req.Currency)
	require.True(t, req.CreditHoursReserved.Equal(dec("4")))

	// credits stay in the balance until confirmation
	require.True(t, f.balance(t).Equal(dec("10")))
	require.Empty(t, f.notifier.sent)
}

func TestConfirmSettlementTwiceDebitsOnce(t *testing.T) {
	f := newFixture(t, "10")
	ctx := context.Background()

	res, err := f.orch.Book(ctx, bookReq("k1", "4"))
	require.NoError(t, err)
	session := res.Booking.SessionID

	confirmed, err := f.orch.ConfirmSettlement(ctx, session)
	require.NoError(t, err)
	require.Len(t, confirmed, 1)
	require.Equal(t, booking.StatusConfirmed, confirmed[0].Status)

	again, err := f.orch.ConfirmSettlement(ctx, session)
	require.NoError(t, err)
	require.Len(t, again, 1)
	require.Equal(t, booking.StatusConfirmed, again[0].Status)

	require.Equal(t, 1, f.debits(t))
	require.True(t, f.balance(t).Equal(dec("6")))
	require.Len(t, f.notifier.sent, 1)
}

func TestConfirmSettlementConcurrentDeliveries(t *testing.T) {
	f := newFixture(t, "10")
	ctx := context.Background()
	res, err := f.orch.Book(ctx, bookReq("k1", "4"))
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = f.orch.ConfirmSettlement(ctx, res.Booking.ID)
		}()
	}
	wg.Wait()

	got, err := f.orch.Get(ctx, res.Booking.ID)
	require.NoError(t, err)
	require.Equal(t, booking.StatusConfirmed, got.Status)
	require.Equal(t, 1, f.debits(t))
	require.True(t, f.balance(t).Equal(dec("6")))
}

func TestConfirmFailsWhenReservedCreditsAreGone(t *testing.T) {
	f := newFixture(t, "4")
	ctx := context.Background()
	res, err := f.orch.Book(ctx, bookReq("k1", "4"))
	require.NoError(t, err)

	_, err = f.ledger.Debit(ctx, "u1", dec("3"), "elsewhere", ledger.DebitKey("elsewhere"))
	require.NoError(t, err)

	_, err = f.orch.ConfirmSettlement(ctx, res.Booking.SessionID)
	require.ErrorIs(t, err, common.ErrInsufficientCredits)

	got, err := f.orch.Get(ctx, res.Booking.ID)
	require.NoError(t, err)
	require.Equal(t, booking.StatusFailed, got.Status)
	require.NotEmpty(t, got.FailureReason)
	require.True(t, f.balance(t).Equal(dec("1")))
}

func TestCancelNeverTouchesLedger(t *testing.T) {
	f := newFixture(t, "10")
	ctx := context.Background()
	res, err := f.orch.Book(ctx, bookReq("k1", "4"))
	require.NoError(t, err)

	cancelled, err := f.orch.Cancel(ctx, res.Booking.ID)
	require.NoError(t, err)
	require.Equal(t, booking.StatusCancelled, cancelled.Status)

	_, err = f.orch.Cancel(ctx, res.Booking.ID)
	require.NoError(t, err)

	_, err = f.orch.ConfirmSettlement(ctx, res.Booking.SessionID)
	require.ErrorIs(t, err, common.ErrInvalidTransition)

	require.Equal(t, 0, f.debits(t))
	require.True(t, f.balance(t).Equal(dec("10")))
}

func TestCancelRejectsConfirmedBooking(t *testing.T) {
	f := newFixture(t, "10")
	res, err := f.orch.Book(context.Background(), bookReq("k1", "5"))
	require.NoError(t, err)
	_, err = f.orch.Cancel(context.Background(), res.Booking.ID)
	require.ErrorIs(t, err, common.ErrInvalidTransition)
}

func TestFailSessionMarksBookingFailed(t *testing.T) {
	f := newFixture(t, "10")
	ctx := context.Background()
	res, err := f.orch.Book(ctx, bookReq("k1", "0"))
	require.NoError(t, err)

	failed, err := f.orch.FailSession(ctx, res.Booking.SessionID, "card declined")
	require.NoError(t, err)
	require.Len(t, failed, 1)
	require.Equal(t, booking.StatusFailed, failed[0].Status)
	require.Equal(t, "card declined", failed[0].FailureReason)
}

func TestGatewayFailureLeavesNoBooking(t *testing.T) {
	f := newFixture(t, "10")
	f.gateway.err = errors.New("timeout")
	ctx := context.Background()

	_, err := f.orch.Book(ctx, bookReq("k1", "4"))
	require.ErrorIs(t, err, common.ErrGateway)

	list, err := f.orch.ListForUser(ctx, "u1")
	require.NoError(t, err)
	require.Empty(t, list)
	require.True(t, f.balance(t).Equal(dec("10")))
}

func TestBookRejectsClosedDateAndBadInput(t *testing.T) {
	f := newFixture(t, "10")
	ctx := context.Background()

	req := bookReq("k1", "5")
	req.CourseDateID = "d-full"
	_, err := f.orch.Book(ctx, req)
	require.ErrorIs(t, err, common.ErrValidation)

	req = bookReq("k2", "5")
	req.Participants = 0
	_, err = f.orch.Book(ctx, req)
	require.ErrorIs(t, err, common.ErrValidation)

	req = bookReq("k3", "-1")
	_, err = f.orch.Book(ctx, req)
	require.ErrorIs(t, err, common.ErrValidation)

	req = bookReq("k4", "1")
	req.CourseID = "missing"
	_, err = f.orch.Book(ctx, req)
	require.ErrorIs(t, err, common.ErrNotFound)
}

func TestFrozenLedgerBlocksCreditBooking(t *testing.T) {
	f := newFixture(t, "10")
	ctx := context.Background()
	require.NoError(t, f.store.Freeze(ctx, "u1", "manual review"))

	_, err := f.orch.Book(ctx, bookReq("k1", "5"))
	require.ErrorIs(t, err, common.ErrLedgerIntegrity)
	require.True(t, f.balance(t).Equal(dec("10")))
}

func TestPersistFailureAfterDebitIsReconciled(t *testing.T) {
	f := newFixture(t, "10")
	f.orch.Store = failingInsertStore{Store: f.store}
	ctx := context.Background()

	_, err := f.orch.Book(ctx, bookReq("k1", "5"))
	require.Error(t, err)
	require.Len(t, f.reconciler.scheduled, 1)
	require.True(t, f.balance(t).Equal(dec("5")))

	action, err := f.orch.Reconcile(ctx, f.reconciler.scheduled[0])
	require.NoError(t, err)
	require.Equal(t, booking.ReconcileReversed, action)
	require.True(t, f.balance(t).Equal(dec("10")))

	obs.MustRegisterDomainMetrics("training", prometheus.NewRegistry())
	reversedBefore := testutil.ToFloat64(obs.ReconcileActionsTotal.WithLabelValues(booking.ReconcileReversed))
	action, err = f.orch.Reconcile(ctx, f.reconciler.scheduled[0])
	require.NoError(t, err)
	require.Equal(t, booking.ReconcileNothing, action)
	require.Equal(t, reversedBefore, testutil.ToFloat64(obs.ReconcileActionsTotal.WithLabelValues(booking.ReconcileReversed)))
	require.True(t, f.balance(t).Equal(dec("10")))

	// the same attempt cannot come back and spend again
	f.orch.Store = f.store
	_, err = f.orch.Book(ctx, bookReq("k1", "5"))
	require.ErrorIs(t, err, common.ErrInvalidTransition)
	require.True(t, f.balance(t).Equal(dec("10")))
}

func TestRetryAfterPersistFailureCompletesHeldDebit(t *testing.T) {
	f := newFixture(t, "5")
	f.orch.Store = failingInsertStore{Store: f.store}
	ctx := context.Background()

	_, err := f.orch.Book(ctx, bookReq("k1", "5"))
	require.Error(t, err)
	require.True(t, f.balance(t).IsZero())

	f.orch.Store = f.store
	res, err := f.orch.Book(ctx, bookReq("k1", "5"))
	require.NoError(t, err)
	require.Equal(t, booking.StatusConfirmed, res.Booking.Status)
	require.Equal(t, booking.MethodCredits, res.Booking.Method)
	require.True(t, res.Booking.CreditsUsed.Equal(dec("5")))
	require.True(t, res.Booking.CashAmount.IsZero())
	require.Empty(t, f.gateway.requests)
	require.Equal(t, 1, f.debits(t))
	require.True(t, f.balance(t).IsZero())

	action, err := f.orch.Reconcile(ctx, res.Booking.ID)
	require.NoError(t, err)
	require.Equal(t, booking.ReconcileCompleted, action)
	require.True(t, f.balance(t).IsZero())
}

func TestRetryPricedDifferentlyReturnsHeldDebit(t *testing.T) {
	f := newFixture(t, "10")
	f.orch.Store = failingInsertStore{Store: f.store}
	ctx := context.Background()

	_, err := f.orch.Book(ctx, bookReq("k1", "5"))
	require.Error(t, err)
	require.True(t, f.balance(t).Equal(dec("5")))

	f.orch.Store = f.store
	_, err = f.orch.Book(ctx, bookReq("k1", "2"))
	require.ErrorIs(t, err, common.ErrInvalidTransition)
	require.True(t, f.balance(t).Equal(dec("10")))
	require.Empty(t, f.gateway.requests)

	_, err = f.orch.Get(ctx, booking.BookingID("u1", "k1"))
	require.ErrorIs(t, err, common.ErrNotFound)
}

func TestReconcileLeavesConfirmedBookingAlone(t *testing.T) {
	f := newFixture(t, "10")
	ctx := context.Background()
	res, err := f.orch.Book(ctx, bookReq("k1", "5"))
	require.NoError(t, err)

	action, err := f.orch.Reconcile(ctx, res.Booking.ID)
	require.NoError(t, err)
	require.Equal(t, booking.ReconcileCompleted, action)
	require.True(t, f.balance(t).Equal(dec("5")))

	action, err = f.orch.Reconcile(ctx, "no-debit")
	require.NoError(t, err)
	require.Equal(t, booking.ReconcileNothing, action)
}

func TestSweepReversesDanglingDebits(t *testing.T) {
	f := newFixture(t, "10")
	ctx := context.Background()
	_, err := f.ledger.Debit(ctx, "u1", dec("3"), "orphan", ledger.DebitKey("orphan"))
	require.NoError(t, err)

	f.orch.Now = func() time.Time { return time.Now().Add(time.Hour) }
	reversed, err := f.orch.Sweep(ctx, 10*time.Minute, 0)
	require.NoError(t, err)
	require.Equal(t, 1, reversed)
	require.True(t, f.balance(t).Equal(dec("10")))

	reversed, err = f.orch.Sweep(ctx, 10*time.Minute, 0)
	require.NoError(t, err)
	require.Zero(t, reversed)
}

func TestNotificationFailureKeepsConfirmation(t *testing.T) {
	f := newFixture(t, "10")
	f.notifier.err = errors.New("smtp down")
	res, err := f.orch.Book(context.Background(), bookReq("k1", "5"))
	require.NoError(t, err)
	require.Equal(t, booking.StatusConfirmed, res.Booking.Status)
}

func TestBookingIDIsStablePerKey(t *testing.T) {
	require.Equal(t, booking.BookingID("u1", "k"), booking.BookingID("u1", "k"))
	require.NotEqual(t, booking.BookingID("u1", "k"), booking.BookingID("u2", "k"))
	require.NotEqual(t, booking.BookingID("u1", ""), booking.BookingID("u1", ""))
}
