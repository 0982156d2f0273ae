// Package memrepo keeps every store the booking core needs in process memory. It backs
// tests and STORE_DRIVER=memory local runs.
package memrepo

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/noah-isme/training-booking/internal/audit"
	"github.com/noah-isme/training-booking/internal/booking"
	"github.com/noah-isme/training-booking/internal/events"
	"github.com/noah-isme/training-booking/internal/ledger"
	"github.com/noah-isme/training-booking/internal/orgbooking"
)

// Store implements the ledger, booking, orgbooking, events and audit stores.
type Store struct {
	mu       sync.Mutex
	users    map[string]booking.User
	accounts map[string]ledger.Account
	txs      []ledger.Transaction
	txByKey  map[string]int
	courses  map[string]booking.Course
	dates    map[string]booking.CourseDate
	bookings map[string]booking.Booking
	orgs     map[string]orgbooking.Organisation
	bulks    map[string]orgbooking.BulkBooking
	invoices map[string]int
	events   []events.DomainEvent
	audits   []audit.Entry

	// Now stamps transactions; tests may pin it.
	Now func() time.Time
}

// New returns an empty store.
func New() *Store {
	return &Store{
		users:    map[string]booking.User{},
		accounts: map[string]ledger.Account{},
		txByKey:  map[string]int{},
		courses:  map[string]booking.Course{},
		dates:    map[string]booking.CourseDate{},
		bookings: map[string]booking.Booking{},
		orgs:     map[string]orgbooking.Organisation{},
		bulks:    map[string]orgbooking.BulkBooking{},
		invoices: map[string]int{},
	}
}

func (s *Store) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

// PutUser adds a member and opens a credit account. A positive opening balance is recorded
// as a grant so the ledger reconciles from the start.
func (s *Store) PutUser(u booking.User, opening decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[u.ID] = u
	if _, ok := s.accounts[u.ID]; !ok {
		s.accounts[u.ID] = ledger.Account{UserID: u.ID}
	}
	if opening.IsPositive() {
		s.appendLocked(u.ID, ledger.TxGranted, opening, ledger.Entry{UserID: u.ID, Amount: opening, Reason: "opening balance", IdempotencyKey: "opening:" + u.ID})
	}
}

// PutCourse adds or replaces a course.
func (s *Store) PutCourse(c booking.Course) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.courses[c.ID] = c
}

// PutCourseDate adds or replaces a course date.
func (s *Store) PutCourseDate(d booking.CourseDate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dates[d.ID] = d
}

// PutOrganisation adds or replaces an organisation.
func (s *Store) PutOrganisation(o orgbooking.Organisation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orgs[o.ID] = o
}

// OverrideBalance rewrites the cached balance without a transaction. It exists to inject
// ledger corruption in tests.
func (s *Store) OverrideBalance(userID string, balance decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	acct := s.accounts[userID]
	acct.Balance = balance
	s.accounts[userID] = acct
}

// Events returns a copy of the recorded domain events.
func (s *Store) Events() []events.DomainEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]events.DomainEvent(nil), s.events...)
}

// --- ledger.Store

func (s *Store) Account(_ context.Context, userID string) (ledger.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	acct, ok := s.accounts[userID]
	if !ok {
		return ledger.Account{}, ledger.ErrAccountNotFound
	}
	return acct, nil
}

func (s *Store) TransactionByKey(_ context.Context, key string) (ledger.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx, ok := s.txByKey[key]
	if !ok {
		return ledger.Transaction{}, ledger.ErrTxNotFound
	}
	return s.txs[idx], nil
}

func (s *Store) ApplyDebit(_ context.Context, e ledger.Entry) (ledger.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if idx, ok := s.txByKey[e.IdempotencyKey]; ok {
		return s.txs[idx], ledger.ErrDuplicateKey
	}
	acct, ok := s.accounts[e.UserID]
	if !ok {
		return ledger.Transaction{}, ledger.ErrAccountNotFound
	}
	if acct.Frozen {
		return ledger.Transaction{}, ledger.ErrAccountFrozen
	}
	if acct.Balance.LessThan(e.Amount) {
		return ledger.Transaction{}, ledger.ErrInsufficientBalance
	}
	return s.appendLocked(e.UserID, ledger.TxSpent, e.Amount.Neg(), e), nil
}

func (s *Store) ApplyCredit(_ context.Context, e ledger.Entry) (ledger.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if idx, ok := s.txByKey[e.IdempotencyKey]; ok {
		return s.txs[idx], ledger.ErrDuplicateKey
	}
	if _, ok := s.accounts[e.UserID]; !ok {
		return ledger.Transaction{}, ledger.ErrAccountNotFound
	}
	return s.appendLocked(e.UserID, ledger.TxGranted, e.Amount, e), nil
}

func (s *Store) appendLocked(userID string, typ ledger.TxType, signed decimal.Decimal, e ledger.Entry) ledger.Transaction {
	acct := s.accounts[userID]
	acct.Balance = acct.Balance.Add(signed)
	if typ == ledger.TxSpent {
		acct.CreditsSpent = acct.CreditsSpent.Add(signed.Neg())
	}
	s.accounts[userID] = acct
	tx := ledger.Transaction{
		ID:             uuid.New(),
		UserID:         userID,
		Type:           typ,
		Amount:         signed,
		BalanceAfter:   acct.Balance,
		BookingID:      e.BookingID,
		IdempotencyKey: e.IdempotencyKey,
		Reason:         e.Reason,
		CreatedAt:      s.now(),
	}
	s.txs = append(s.txs, tx)
	s.txByKey[tx.IdempotencyKey] = len(s.txs) - 1
	return tx
}

func (s *Store) Transactions(_ context.Context, userID string, limit, offset int) ([]ledger.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []ledger.Transaction
	for _, tx := range s.txs {
		if tx.UserID == userID {
			out = append(out, tx)
		}
	}
	return page(out, limit, offset), nil
}

func (s *Store) Freeze(_ context.Context, userID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	acct, ok := s.accounts[userID]
	if !ok {
		return ledger.ErrAccountNotFound
	}
	acct.Frozen = true
	acct.FrozenReason = reason
	s.accounts[userID] = acct
	return nil
}

// --- booking.Store

func (s *Store) User(_ context.Context, id string) (booking.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return booking.User{}, booking.ErrNotFound
	}
	return u, nil
}

func (s *Store) Course(_ context.Context, id string) (booking.Course, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.courses[id]
	if !ok {
		return booking.Course{}, booking.ErrNotFound
	}
	return c, nil
}

func (s *Store) CourseDate(_ context.Context, id string) (booking.CourseDate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.dates[id]
	if !ok {
		return booking.CourseDate{}, booking.ErrNotFound
	}
	return d, nil
}

func (s *Store) Booking(_ context.Context, id string) (booking.Booking, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.bookings[id]
	if !ok {
		return booking.Booking{}, booking.ErrNotFound
	}
	return b, nil
}

func (s *Store) BookingsBySession(_ context.Context, sessionID string) ([]booking.Booking, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []booking.Booking
	for _, b := range s.bookings {
		if sessionID != "" && b.SessionID == sessionID {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) BookingsForUser(_ context.Context, userID string) ([]booking.Booking, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []booking.Booking
	for _, b := range s.bookings {
		if b.UserID == userID {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) ConfirmedBooking(_ context.Context, userID, courseDateID string) (booking.Booking, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.confirmedLocked(userID, courseDateID, ""); ok {
		return b, nil
	}
	return booking.Booking{}, booking.ErrNotFound
}

func (s *Store) confirmedLocked(userID, courseDateID, exceptID string) (booking.Booking, bool) {
	for _, b := range s.bookings {
		if b.ID != exceptID && b.UserID == userID && b.CourseDateID == courseDateID && b.Status == booking.StatusConfirmed {
			return b, true
		}
	}
	return booking.Booking{}, false
}

func (s *Store) InsertBooking(_ context.Context, b booking.Booking) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.bookings[b.ID]; ok {
		return booking.ErrDuplicateID
	}
	if b.Status == booking.StatusConfirmed {
		if _, taken := s.confirmedLocked(b.UserID, b.CourseDateID, ""); taken {
			return booking.ErrAlreadyConfirmed
		}
	}
	s.bookings[b.ID] = b
	return nil
}

func (s *Store) TransitionBooking(_ context.Context, t booking.Transition) (booking.Booking, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.bookings[t.ID]
	if !ok {
		return booking.Booking{}, booking.ErrNotFound
	}
	if b.Status != t.From {
		return booking.Booking{}, booking.ErrStaleState
	}
	if t.To == booking.StatusConfirmed {
		if _, taken := s.confirmedLocked(b.UserID, b.CourseDateID, b.ID); taken {
			return booking.Booking{}, booking.ErrAlreadyConfirmed
		}
		at := t.At
		b.ConfirmedAt = &at
	}
	b.Status = t.To
	b.UpdatedAt = t.At
	if t.FailureReason != "" {
		b.FailureReason = t.FailureReason
	}
	s.bookings[b.ID] = b
	return b, nil
}

func (s *Store) DanglingDebits(_ context.Context, before time.Time, limit int) ([]ledger.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []ledger.Transaction
	for _, tx := range s.txs {
		if tx.Type != ledger.TxSpent || tx.BookingID == "" || !tx.CreatedAt.Before(before) {
			continue
		}
		if _, ok := s.bookings[tx.BookingID]; ok {
			continue
		}
		if _, reversed := s.txByKey[ledger.ReversalKey(tx.IdempotencyKey)]; reversed {
			continue
		}
		out = append(out, tx)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// --- orgbooking.Store

func (s *Store) Organisation(_ context.Context, id string) (orgbooking.Organisation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orgs[id]
	if !ok {
		return orgbooking.Organisation{}, orgbooking.ErrNotFound
	}
	return o, nil
}

func (s *Store) OrganisationMembers(_ context.Context, orgID string) ([]booking.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []booking.User
	for _, u := range s.users {
		if u.OrganisationID == orgID {
			out = append(out, u)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) InsertBulkBooking(_ context.Context, b orgbooking.BulkBooking) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.bulks[b.ID]; ok {
		return orgbooking.ErrDuplicate
	}
	b.Members = append([]orgbooking.MemberLine(nil), b.Members...)
	s.bulks[b.ID] = b
	return nil
}

func (s *Store) BulkBooking(_ context.Context, id string) (orgbooking.BulkBooking, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.bulks[id]
	if !ok {
		return orgbooking.BulkBooking{}, orgbooking.ErrNotFound
	}
	b.Members = append([]orgbooking.MemberLine(nil), b.Members...)
	return b, nil
}

func (s *Store) UpdateBulkStatus(_ context.Context, id string, status orgbooking.Status, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.bulks[id]
	if !ok {
		return orgbooking.ErrNotFound
	}
	b.Status = status
	if status == orgbooking.StatusSettled {
		b.SettledAt = &at
	}
	s.bulks[id] = b
	return nil
}

func (s *Store) NextInvoiceNumber(_ context.Context, orgID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.invoices[orgID]++
	return fmt.Sprintf("INV-%s-%05d", shortID(orgID), s.invoices[orgID]), nil
}

// --- events.Store

func (s *Store) InsertDomainEvent(_ context.Context, ev events.DomainEvent) (events.DomainEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return ev, nil
}

func page[T any](items []T, limit, offset int) []T {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(items) {
		return []T{}
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// UpsertOrganisation matches the Postgres seeding surface.
func (s *Store) UpsertOrganisation(_ context.Context, o orgbooking.Organisation) error {
	s.PutOrganisation(o)
	return nil
}

// UpsertUser matches the Postgres seeding surface; the account opens empty.
func (s *Store) UpsertUser(_ context.Context, u booking.User) error {
	s.PutUser(u, decimal.Zero)
	return nil
}

func (s *Store) UpsertCourse(_ context.Context, c booking.Course) error {
	s.PutCourse(c)
	return nil
}

func (s *Store) UpsertCourseDate(_ context.Context, d booking.CourseDate) error {
	s.PutCourseDate(d)
	return nil
}

// --- audit.Store

func (s *Store) InsertAuditLog(_ context.Context, e audit.Entry) (audit.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.now()
	}
	s.audits = append(s.audits, e)
	return e, nil
}

func (s *Store) ListAuditLogs(_ context.Context, limit, offset int) ([]audit.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	newest := make([]audit.Entry, 0, len(s.audits))
	for i := len(s.audits) - 1; i >= 0; i-- {
		newest = append(newest, s.audits[i])
	}
	return page(newest, limit, offset), nil
}
