package booking_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/training-booking/internal/booking"
	"github.com/noah-isme/training-booking/internal/common"
)

func newRouter(f *fixture) http.Handler {
	h := &booking.Handler{Svc: f.orch}
	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if user := r.Header.Get("X-Test-User"); user != "" {
				r = r.WithContext(common.WithUserID(r.Context(), user))
			}
			next.ServeHTTP(w, r)
		})
	})
	r.Use(common.Idem{}.Middleware)
	r.Get("/quotes", h.Quote)
	r.Post("/bookings", h.Create)
	r.Get("/bookings", h.List)
	r.Get("/bookings/{id}", h.Get)
	r.Post("/bookings/{id}/cancel", h.Cancel)
	return r
}

type bookingEnvelope struct {
	Data booking.BookResult `json:"data"`
}

func serve(t *testing.T, h http.Handler, method, target, user, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	if user != "" {
		req.Header.Set("X-Test-User", user)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestQuoteEndpoint(t *testing.T) {
	f := newFixture(t, "10")
	h := newRouter(f)

	rr := serve(t, h, http.MethodGet, "/quotes?courseId=c1&courseDateId=d1&creditHours=4", "u1", "", nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var body struct {
		Data booking.QuoteResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	require.Equal(t, "18", body.Data.Quote.FinalPrice.String())
	require.Equal(t, booking.MethodCheckout, body.Data.SettlementPath)

	require.Equal(t, http.StatusUnauthorized, serve(t, h, http.MethodGet, "/quotes?courseId=c1", "", "", nil).Code)
	require.Equal(t, http.StatusBadRequest, serve(t, h, http.MethodGet, "/quotes?courseId=c1&creditHours=lots", "u1", "", nil).Code)
	require.Equal(t, http.StatusNotFound, serve(t, h, http.MethodGet, "/quotes?courseId=nope", "u1", "", nil).Code)
}

func TestCreateBookingEndpointReplaysByKey(t *testing.T) {
	f := newFixture(t, "10")
	h := newRouter(f)
	payload := `{"courseId":"c1","courseDateId":"d1","participants":1,"creditHours":"5"}`
	key := map[string]string{common.IdempotencyHeader: "attempt-1"}

	first := serve(t, h, http.MethodPost, "/bookings", "u1", payload, key)
	require.Equal(t, http.StatusCreated, first.Code, first.Body.String())
	var created bookingEnvelope
	require.NoError(t, json.Unmarshal(first.Body.Bytes(), &created))
	require.Equal(t, booking.StatusConfirmed, created.Data.Booking.Status)

	second := serve(t, h, http.MethodPost, "/bookings", "u1", payload, key)
	require.Equal(t, http.StatusOK, second.Code)
	var replayed bookingEnvelope
	require.NoError(t, json.Unmarshal(second.Body.Bytes(), &replayed))
	require.True(t, replayed.Data.Replayed)
	require.Equal(t, created.Data.Booking.ID, replayed.Data.Booking.ID)
	require.Equal(t, 1, f.debits(t))

	conflict := serve(t, h, http.MethodPost, "/bookings", "u1", payload, map[string]string{common.IdempotencyHeader: "attempt-2"})
	require.Equal(t, http.StatusConflict, conflict.Code)
	require.Contains(t, conflict.Body.String(), "ALREADY_BOOKED")
}

func TestCreateBookingEndpointValidates(t *testing.T) {
	f := newFixture(t, "10")
	h := newRouter(f)

	missingKey := serve(t, h, http.MethodPost, "/bookings", "u1", `{"courseId":"c1","courseDateId":"d1","participants":1}`, nil)
	require.Equal(t, http.StatusBadRequest, missingKey.Code)

	invalid := serve(t, h, http.MethodPost, "/bookings", "u1", `{"courseId":"c1","participants":0}`, map[string]string{common.IdempotencyHeader: "k"})
	require.Equal(t, http.StatusBadRequest, invalid.Code)
	require.Contains(t, invalid.Body.String(), "courseDateId")
	require.Contains(t, invalid.Body.String(), "participants")

	variant := serve(t, h, http.MethodPost, "/bookings", "u1", `{"courseId":"c1","courseDateId":"d1","participants":1,"variant":"weekend"}`, map[string]string{common.IdempotencyHeader: "k"})
	require.Equal(t, http.StatusBadRequest, variant.Code)
	require.Contains(t, variant.Body.String(), "VALIDATION_FAILED")

	closed := serve(t, h, http.MethodPost, "/bookings", "u1", `{"courseId":"c1","courseDateId":"d-full","participants":1}`, map[string]string{common.IdempotencyHeader: "k2"})
	require.Equal(t, http.StatusBadRequest, closed.Code)
}

func TestBookingReadAndCancelAreOwnerScoped(t *testing.T) {
	f := newFixture(t, "10")
	h := newRouter(f)

	rr := serve(t, h, http.MethodPost, "/bookings", "u1", `{"courseId":"c1","courseDateId":"d1","participants":1,"creditHours":"4"}`, map[string]string{common.IdempotencyHeader: "pending"})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	var created bookingEnvelope
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &created))
	id := created.Data.Booking.ID
	require.Equal(t, booking.StatusPendingPayment, created.Data.Booking.Status)

	require.Equal(t, http.StatusOK, serve(t, h, http.MethodGet, "/bookings/"+id, "u1", "", nil).Code)
	require.Equal(t, http.StatusNotFound, serve(t, h, http.MethodGet, "/bookings/"+id, "intruder", "", nil).Code)
	require.Equal(t, http.StatusNotFound, serve(t, h, http.MethodPost, "/bookings/"+id+"/cancel", "intruder", "", nil).Code)

	list := serve(t, h, http.MethodGet, "/bookings", "u1", "", nil)
	require.Equal(t, http.StatusOK, list.Code)
	require.Contains(t, list.Body.String(), id)

	cancelled := serve(t, h, http.MethodPost, "/bookings/"+id+"/cancel", "u1", "", nil)
	require.Equal(t, http.StatusOK, cancelled.Code)
	require.Contains(t, cancelled.Body.String(), string(booking.StatusCancelled))
	require.True(t, f.balance(t).Equal(dec("10")))
}
