package audit

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/training-booking/internal/common"
	"github.com/noah-isme/training-booking/internal/obs"
)

type stubStore struct {
	entries []Entry
}

func (s *stubStore) InsertAuditLog(_ context.Context, e Entry) (Entry, error) {
	s.entries = append(s.entries, e)
	return e, nil
}

func (s *stubStore) ListAuditLogs(context.Context, int, int) ([]Entry, error) {
	return nil, nil
}

func (s *stubStore) last(t *testing.T) Entry {
	t.Helper()
	require.NotEmpty(t, s.entries, "no audit line written")
	return s.entries[len(s.entries)-1]
}

func TestRecordDerivesActionAndResourceFromRoute(t *testing.T) {
	store := &stubStore{}
	svc := Service{Store: store, Enabled: true, SamplingRate: 1}

	req := httptest.NewRequest(http.MethodPost, "https://api.test/api/v1/admin/credits/grant?dry=1", nil)
	req.Header.Set("User-Agent", "ops-console")
	req.Header.Set("X-Request-ID", "req-123")
	req.RemoteAddr = "10.0.0.2:54321"
	ctx := obs.WithRoutePattern(common.WithUserID(req.Context(), "u-ops"), "/api/v1/admin/credits/grant")
	req = req.WithContext(ctx)

	err := svc.Record(req.Context(), req, Event{Actor: Actor{Kind: ActorKindUser, UserID: "u-ops"}, Status: http.StatusCreated})
	require.NoError(t, err)

	got := store.last(t)
	require.Equal(t, ActorKindUser, got.ActorKind)
	require.Equal(t, "u-ops", got.ActorUserID)
	require.Equal(t, "POST /api/v1/admin/credits/grant", got.Action)
	require.Equal(t, "admin.credits.grant", got.ResourceType)
	require.Equal(t, http.StatusCreated, got.Status)
	require.Equal(t, "10.0.0.2", got.IP)
	require.Equal(t, "ops-console", got.UserAgent)
	require.Equal(t, "req-123", got.RequestID)
	require.JSONEq(t, `{"query":"dry=1"}`, string(got.Metadata))
	require.NotEqual(t, [16]byte{}, [16]byte(got.ID))
}

func TestRecordSkipsWhenDisabled(t *testing.T) {
	store := &stubStore{}
	req := httptest.NewRequest(http.MethodPost, "/", nil)
	require.NoError(t, Service{Store: store}.Record(req.Context(), req, Event{}))
	require.Empty(t, store.entries)
}

func TestRecordNormalisesActorAndStatus(t *testing.T) {
	store := &stubStore{}
	svc := Service{Store: store, Enabled: true}
	req := httptest.NewRequest(http.MethodPost, "/api/v1/admin/bulk/b1/invoice-paid", nil)

	err := svc.Record(req.Context(), req, Event{
		Actor:        Actor{Kind: "robot"},
		Action:       "bulk.invoice_paid",
		ResourceType: "bulk_booking",
		ResourceID:   "b1",
	})
	require.NoError(t, err)

	got := store.last(t)
	require.Equal(t, ActorKindAnonymous, got.ActorKind)
	require.Equal(t, "bulk.invoice_paid", got.Action)
	require.Equal(t, "bulk_booking", got.ResourceType)
	require.Equal(t, "b1", got.ResourceID)
	require.Equal(t, http.StatusOK, got.Status)
	require.Nil(t, got.Metadata)
}

func TestRecordNeedsStoreAndRequest(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	require.Error(t, Service{Enabled: true}.Record(context.Background(), req, Event{}))
	require.Error(t, Service{Enabled: true, Store: &stubStore{}}.Record(context.Background(), nil, Event{}))
}

func TestResourceFromRoute(t *testing.T) {
	require.Equal(t, "admin.queue.dlq", resourceFromRoute("/api/v1/admin/queue/dlq"))
	require.Equal(t, "health.ready", resourceFromRoute("/health/ready"))
	require.Equal(t, "unknown", resourceFromRoute("/"))
}
