package repo_test

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/training-booking/internal/booking"
	"github.com/noah-isme/training-booking/internal/db"
	"github.com/noah-isme/training-booking/internal/events"
	"github.com/noah-isme/training-booking/internal/ledger"
	"github.com/noah-isme/training-booking/internal/orgbooking"
	"github.com/noah-isme/training-booking/internal/pricing"
	"github.com/noah-isme/training-booking/internal/repo"
)

// newStore connects to TEST_DATABASE_URL and migrates it. Tests are skipped without it.
func newStore(t *testing.T) *repo.Postgres {
	t.Helper()
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	require.NoError(t, db.Up(url))

	pool, err := pgxpool.New(context.Background(), url)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	return repo.NewPostgres(pool)
}

func seedMember(t *testing.T, store *repo.Postgres, credits int64) (booking.User, booking.CourseDate) {
	t.Helper()
	ctx := context.Background()
	suffix := uuid.NewString()[:8]

	user := booking.User{
		ID:               "usr-" + suffix,
		Email:            suffix + "@example.org",
		Name:             "Member " + suffix,
		Tier:             pricing.TierFull,
		MembershipStatus: pricing.MembershipActive,
	}
	require.NoError(t, store.UpsertUser(ctx, user))
	if credits > 0 {
		_, err := store.ApplyCredit(ctx, ledger.Entry{
			UserID:         user.ID,
			Amount:         decimal.NewFromInt(credits),
			IdempotencyKey: "seed:" + user.ID,
			Reason:         "opening balance",
		})
		require.NoError(t, err)
	}

	course := booking.Course{ID: "crs-" + suffix, Title: "Ethics", CPDHours: decimal.NewFromInt(3), Active: true}
	require.NoError(t, store.UpsertCourse(ctx, course))
	date := booking.CourseDate{ID: "cd-" + suffix, CourseID: course.ID, StartsAt: time.Now().Add(72 * time.Hour).UTC()}
	require.NoError(t, store.UpsertCourseDate(ctx, date))
	return user, date
}

func TestLedgerDebitIsIdempotentAndGuarded(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	user, _ := seedMember(t, store, 10)

	entry := ledger.Entry{UserID: user.ID, Amount: decimal.RequireFromString("4.5"), IdempotencyKey: "booking:" + uuid.NewString()}
	first, err := store.ApplyDebit(ctx, entry)
	require.NoError(t, err)
	require.True(t, first.BalanceAfter.Equal(decimal.RequireFromString("5.5")))

	again, err := store.ApplyDebit(ctx, entry)
	require.ErrorIs(t, err, ledger.ErrDuplicateKey)
	require.Equal(t, first.ID, again.ID)

	_, err = store.ApplyDebit(ctx, ledger.Entry{UserID: user.ID, Amount: decimal.NewFromInt(6), IdempotencyKey: "booking:" + uuid.NewString()})
	require.ErrorIs(t, err, ledger.ErrInsufficientBalance)

	require.NoError(t, store.Freeze(ctx, user.ID, "integrity"))
	_, err = store.ApplyDebit(ctx, ledger.Entry{UserID: user.ID, Amount: decimal.NewFromInt(1), IdempotencyKey: "booking:" + uuid.NewString()})
	require.ErrorIs(t, err, ledger.ErrAccountFrozen)

	lines, err := store.Transactions(ctx, user.ID, 0, 0)
	require.NoError(t, err)
	require.Len(t, lines, 2)
	require.Equal(t, ledger.TxGranted, lines[0].Type)
	require.Equal(t, ledger.TxSpent, lines[1].Type)
}

func TestBookingTransitionsAndConfirmedSlot(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	user, date := seedMember(t, store, 0)
	now := time.Now().UTC().Truncate(time.Microsecond)

	pending := booking.Booking{
		ID:           "bk-" + uuid.NewString(),
		UserID:       user.ID,
		CourseID:     date.CourseID,
		CourseDateID: date.ID,
		Participants: 1,
		CashAmount:   decimal.RequireFromString("120.00"),
		TotalCost:    decimal.RequireFromString("120.00"),
		Method:       booking.MethodCheckout,
		Status:       booking.StatusPendingPayment,
		SessionID:    "sess-" + uuid.NewString(),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	require.NoError(t, store.InsertBooking(ctx, pending))
	require.ErrorIs(t, store.InsertBooking(ctx, pending), booking.ErrDuplicateID)

	confirmed, err := store.TransitionBooking(ctx, booking.Transition{ID: pending.ID, From: booking.StatusPendingPayment, To: booking.StatusConfirmed, At: now})
	require.NoError(t, err)
	require.Equal(t, booking.StatusConfirmed, confirmed.Status)
	require.NotNil(t, confirmed.ConfirmedAt)

	_, err = store.TransitionBooking(ctx, booking.Transition{ID: pending.ID, From: booking.StatusPendingPayment, To: booking.StatusFailed})
	require.ErrorIs(t, err, booking.ErrStaleState)
	_, err = store.TransitionBooking(ctx, booking.Transition{ID: "missing", From: booking.StatusPendingPayment, To: booking.StatusFailed})
	require.ErrorIs(t, err, booking.ErrNotFound)

	second := pending
	second.ID = "bk-" + uuid.NewString()
	second.Status = booking.StatusConfirmed
	require.ErrorIs(t, store.InsertBooking(ctx, second), booking.ErrAlreadyConfirmed)

	bySession, err := store.BookingsBySession(ctx, pending.SessionID)
	require.NoError(t, err)
	require.Len(t, bySession, 1)

	held, err := store.ConfirmedBooking(ctx, user.ID, date.ID)
	require.NoError(t, err)
	require.Equal(t, pending.ID, held.ID)
}

func TestDanglingDebitsSkipsReversedAndBooked(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	user, _ := seedMember(t, store, 10)

	orphan := "bk-" + uuid.NewString()
	_, err := store.ApplyDebit(ctx, ledger.Entry{UserID: user.ID, Amount: decimal.NewFromInt(2), BookingID: orphan, IdempotencyKey: ledger.DebitKey(orphan)})
	require.NoError(t, err)

	reversed := "bk-" + uuid.NewString()
	_, err = store.ApplyDebit(ctx, ledger.Entry{UserID: user.ID, Amount: decimal.NewFromInt(2), BookingID: reversed, IdempotencyKey: ledger.DebitKey(reversed)})
	require.NoError(t, err)
	_, err = store.ApplyCredit(ctx, ledger.Entry{UserID: user.ID, Amount: decimal.NewFromInt(2), BookingID: reversed, IdempotencyKey: ledger.ReversalKey(ledger.DebitKey(reversed))})
	require.NoError(t, err)

	dangling, err := store.DanglingDebits(ctx, time.Now().Add(time.Minute), 0)
	require.NoError(t, err)
	var ids []string
	for _, tx := range dangling {
		ids = append(ids, tx.BookingID)
	}
	require.Contains(t, ids, orphan)
	require.NotContains(t, ids, reversed)
}

func TestBulkBookingsAndInvoices(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	admin, date := seedMember(t, store, 0)

	org := orgbooking.Organisation{ID: "org-" + uuid.NewString(), Name: "Acme", AdminUserID: admin.ID, BillingEmail: "billing@acme.test"}
	require.NoError(t, store.UpsertOrganisation(ctx, org))
	admin.OrganisationID = org.ID
	require.NoError(t, store.UpsertUser(ctx, admin))

	members, err := store.OrganisationMembers(ctx, org.ID)
	require.NoError(t, err)
	require.Len(t, members, 1)

	first, err := store.NextInvoiceNumber(ctx, org.ID)
	require.NoError(t, err)
	second, err := store.NextInvoiceNumber(ctx, org.ID)
	require.NoError(t, err)
	require.Equal(t, repo.InvoiceNumber(org.ID, 1), first)
	require.Equal(t, repo.InvoiceNumber(org.ID, 2), second)

	bulk := orgbooking.BulkBooking{
		ID:             "bulk-" + uuid.NewString(),
		OrganisationID: org.ID,
		AdminUserID:    admin.ID,
		CourseID:       date.CourseID,
		CourseDateID:   date.ID,
		Mode:           orgbooking.ModeInvoice,
		Total:          decimal.RequireFromString("240.00"),
		Members:        []orgbooking.MemberLine{{UserID: admin.ID, Status: booking.StatusPendingPayment}},
		InvoiceNumber:  first,
		Status:         orgbooking.StatusPending,
		CreatedAt:      time.Now().UTC(),
	}
	require.NoError(t, store.InsertBulkBooking(ctx, bulk))
	require.ErrorIs(t, store.InsertBulkBooking(ctx, bulk), orgbooking.ErrDuplicate)

	require.NoError(t, store.UpdateBulkStatus(ctx, bulk.ID, orgbooking.StatusSettled, time.Now().UTC()))
	loaded, err := store.BulkBooking(ctx, bulk.ID)
	require.NoError(t, err)
	require.Equal(t, orgbooking.StatusSettled, loaded.Status)
	require.NotNil(t, loaded.SettledAt)
	require.Len(t, loaded.Members, 1)

	require.ErrorIs(t, store.UpdateBulkStatus(ctx, "missing", orgbooking.StatusSettled, time.Now()), orgbooking.ErrNotFound)
	_, err = store.BulkBooking(ctx, "missing")
	require.True(t, errors.Is(err, orgbooking.ErrNotFound))
}

func TestInsertDomainEvent(t *testing.T) {
	store := newStore(t)
	ev := events.DomainEvent{ID: uuid.New(), Topic: events.TopicBookingConfirmed, AggregateID: "bk-1", OccurredAt: time.Now().UTC()}
	saved, err := store.InsertDomainEvent(context.Background(), ev)
	require.NoError(t, err)
	require.JSONEq(t, `{}`, string(saved.Payload))
}
