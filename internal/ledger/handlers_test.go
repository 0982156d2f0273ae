package ledger_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/training-booking/internal/common"
	"github.com/noah-isme/training-booking/internal/ledger"
)

func ledgerRouter(svc *ledger.Service) http.Handler {
	h := &ledger.Handler{Svc: svc}
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
	r.Get("/credits", h.Balance)
	r.Get("/credits/transactions", h.Transactions)
	r.Post("/admin/credits/grant", h.Grant)
	r.Post("/admin/ledger/{userId}/verify", h.Verify)
	return r
}

func do(h http.Handler, method, target, user, body string, headers map[string]string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
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

func TestBalanceEndpoint(t *testing.T) {
	svc, _ := newLedger(t, "7.5")
	h := ledgerRouter(svc)

	rr := do(h, http.MethodGet, "/credits", "u1", "", nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var body struct {
		Data ledger.Account `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	require.Equal(t, "7.5", body.Data.Balance.String())

	require.Equal(t, http.StatusUnauthorized, do(h, http.MethodGet, "/credits", "", "", nil).Code)
	require.Equal(t, http.StatusNotFound, do(h, http.MethodGet, "/credits", "ghost", "", nil).Code)
}

func TestGrantEndpointReplaysByKey(t *testing.T) {
	svc, _ := newLedger(t, "0")
	h := ledgerRouter(svc)
	payload := `{"userId":"u1","hours":"5","reason":"annual allocation"}`

	first := do(h, http.MethodPost, "/admin/credits/grant", "ops", payload, map[string]string{"Idempotency-Key": "alloc-2026"})
	require.Equal(t, http.StatusCreated, first.Code, first.Body.String())
	second := do(h, http.MethodPost, "/admin/credits/grant", "ops", payload, map[string]string{"Idempotency-Key": "alloc-2026"})
	require.Equal(t, http.StatusCreated, second.Code, second.Body.String())

	var a, b struct {
		Data ledger.Transaction `json:"data"`
	}
	require.NoError(t, json.Unmarshal(first.Body.Bytes(), &a))
	require.NoError(t, json.Unmarshal(second.Body.Bytes(), &b))
	require.Equal(t, a.Data.ID, b.Data.ID)
	require.Equal(t, "grant:alloc-2026", a.Data.IdempotencyKey)

	bal, err := svc.Balance(t.Context(), "u1")
	require.NoError(t, err)
	require.Equal(t, "5", bal.String())
}

func TestGrantEndpointValidates(t *testing.T) {
	svc, _ := newLedger(t, "0")
	h := ledgerRouter(svc)

	cases := map[string]string{
		"missing user":  `{"hours":"1","reason":"x"}`,
		"zero hours":    `{"userId":"u1","hours":"0","reason":"x"}`,
		"negative":      `{"userId":"u1","hours":"-2","reason":"x"}`,
		"no reason":     `{"userId":"u1","hours":"1"}`,
		"unknown field": `{"userId":"u1","hours":"1","reason":"x","bonus":true}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			rr := do(h, http.MethodPost, "/admin/credits/grant", "ops", body, nil)
			require.Equal(t, http.StatusBadRequest, rr.Code, rr.Body.String())
			require.Contains(t, rr.Body.String(), "VALIDATION_FAILED")
		})
	}
}

func TestTransactionsEndpointPages(t *testing.T) {
	svc, _ := newLedger(t, "10")
	ctx := t.Context()
	_, err := svc.Debit(ctx, "u1", dec("2"), "b1", ledger.DebitKey("b1"))
	require.NoError(t, err)
	_, err = svc.Debit(ctx, "u1", dec("3"), "b2", ledger.DebitKey("b2"))
	require.NoError(t, err)
	h := ledgerRouter(svc)

	rr := do(h, http.MethodGet, "/credits/transactions?page=2&limit=2", "u1", "", nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var body struct {
		Data       []ledger.Transaction `json:"data"`
		Pagination common.Pagination    `json:"pagination"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	require.Len(t, body.Data, 1)
	require.Equal(t, "b2", body.Data[0].BookingID)
	require.Equal(t, 2, body.Pagination.Page)
}

func TestVerifyEndpointReportsFrozenLedger(t *testing.T) {
	svc, store := newLedger(t, "10")
	h := ledgerRouter(svc)

	rr := do(h, http.MethodPost, "/admin/ledger/u1/verify", "ops", "", nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	require.Contains(t, rr.Body.String(), `"verified":true`)

	store.OverrideBalance("u1", dec("11"))
	rr = do(h, http.MethodPost, "/admin/ledger/u1/verify", "ops", "", nil)
	require.Equal(t, http.StatusInternalServerError, rr.Code)
	require.Contains(t, rr.Body.String(), "LEDGER_INTEGRITY")
}
