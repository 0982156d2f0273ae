package app_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/training-booking/internal/app"
	"github.com/noah-isme/training-booking/internal/audit"
	"github.com/noah-isme/training-booking/internal/auth"
	"github.com/noah-isme/training-booking/internal/booking"
	"github.com/noah-isme/training-booking/internal/config"
	"github.com/noah-isme/training-booking/internal/health"
	"github.com/noah-isme/training-booking/internal/payment"
	"github.com/noah-isme/training-booking/internal/repo/memrepo"
	"github.com/noah-isme/training-booking/internal/seed"
)

const serverKey = "midtrans-test-key"

type env struct {
	t      *testing.T
	svc    *app.Services
	auth   *auth.Service
	router http.Handler
}

func newEnv(t *testing.T) *env {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	cfg, err := config.LoadForTests(map[string]string{
		"STORE_DRIVER":              "memory",
		"JWT_SECRET":                "router-test-secret",
		"PAYMENT_PROVIDER":          "midtrans",
		"MIDTRANS_SERVER_KEY":       serverKey,
		"AMQP_URL":                  "",
		"NOTIFY_WEBHOOK_ENDPOINTS":  "",
		"RATE_LIMIT_QUOTES_PER_MIN": "3",
	})
	require.NoError(t, err)

	store := memrepo.New()
	svc, err := app.Build(cfg, app.Infra{Redis: rdb, Logger: zerolog.Nop(), Store: store})
	require.NoError(t, err)
	require.NoError(t, seed.Apply(t.Context(), store, svc.Ledger, seed.Demo(time.Now())))

	authSvc, err := auth.NewService(auth.Config{Secret: cfg.JWTSecret, AccessTokenTTL: time.Hour, Issuer: cfg.JWTIssuer})
	require.NoError(t, err)
	limiter, err := app.NewLimiter(cfg, rdb)
	require.NoError(t, err)

	router := svc.Router(app.RouterOptions{
		Auth:    authSvc,
		Limiter: limiter,
		Health:  health.Handler{Checker: health.Checker{"redis": health.RedisProbe(rdb)}},
	})
	return &env{t: t, svc: svc, auth: authSvc, router: router}
}

func (e *env) token(userID string, roles ...string) string {
	e.t.Helper()
	tok, _, err := e.auth.IssueAccessToken(userID, roles...)
	require.NoError(e.t, err)
	return tok
}

func (e *env) do(method, target, token, body string, headers map[string]string) *httptest.ResponseRecorder {
	e.t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	e.router.ServeHTTP(rr, req)
	return rr
}

func TestHealthAndAuthGate(t *testing.T) {
	e := newEnv(t)
	require.Equal(t, http.StatusOK, e.do(http.MethodGet, "/health/live", "", "", nil).Code)
	require.Equal(t, http.StatusOK, e.do(http.MethodGet, "/health/ready", "", "", nil).Code)

	rr := e.do(http.MethodGet, "/api/v1/credits", "", "", nil)
	require.Equal(t, http.StatusUnauthorized, rr.Code)
	require.Equal(t, "no-store", rr.Header().Get("Cache-Control"))

	rr = e.do(http.MethodGet, "/api/v1/credits", e.token("u-ada"), "", nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	require.Contains(t, rr.Body.String(), `"balance":"12"`)
}

func TestCreditBookingConfirmsImmediately(t *testing.T) {
	e := newEnv(t)
	tok := e.token("u-ada")

	rr := e.do(http.MethodPost, "/api/v1/bookings", tok,
		`{"courseId":"c-contract","courseDateId":"d-contract-1","participants":1,"creditHours":"5"}`,
		map[string]string{"Idempotency-Key": "ada-1"})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	var body struct {
		Data booking.BookResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	require.Equal(t, booking.StatusConfirmed, body.Data.Booking.Status)
	require.Equal(t, booking.MethodCredits, body.Data.Booking.Method)

	bal, err := e.svc.Ledger.Balance(t.Context(), "u-ada")
	require.NoError(t, err)
	require.Equal(t, "7", bal.String())

	again := e.do(http.MethodPost, "/api/v1/bookings", tok,
		`{"courseId":"c-contract","courseDateId":"d-contract-1","participants":1,"creditHours":"5"}`,
		map[string]string{"Idempotency-Key": "ada-1"})
	require.Equal(t, http.StatusOK, again.Code, again.Body.String())
}

func TestCheckoutBookingSettlesThroughWebhook(t *testing.T) {
	e := newEnv(t)
	tok := e.token("u-cho")

	rr := e.do(http.MethodPost, "/api/v1/bookings", tok,
		`{"courseId":"c-contract","courseDateId":"d-contract-1","participants":1}`,
		map[string]string{"Idempotency-Key": "cho-1"})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	var body struct {
		Data booking.BookResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	b := body.Data.Booking
	require.Equal(t, booking.StatusPendingPayment, b.Status)
	require.NotEmpty(t, b.SessionID)
	require.Equal(t, "100", b.CashAmount.String())

	sig := payment.Midtrans{ServerKey: serverKey}.Signature(b.SessionID, "200", "100.00")
	payload, err := json.Marshal(map[string]string{
		"order_id":           b.SessionID,
		"transaction_id":     "tx-1",
		"status_code":        "200",
		"gross_amount":       "100.00",
		"signature_key":      sig,
		"transaction_status": "settlement",
	})
	require.NoError(t, err)
	hook := e.do(http.MethodPost, "/api/v1/webhooks/payment/midtrans", "", string(payload), nil)
	require.Equal(t, http.StatusOK, hook.Code, hook.Body.String())

	got := e.do(http.MethodGet, "/api/v1/bookings/"+b.ID, tok, "", nil)
	require.Equal(t, http.StatusOK, got.Code)
	require.Contains(t, got.Body.String(), `"status":"CONFIRMED"`)

	// another member cannot see it
	require.Equal(t, http.StatusNotFound, e.do(http.MethodGet, "/api/v1/bookings/"+b.ID, e.token("u-ben"), "", nil).Code)
	// an admin can
	require.Equal(t, http.StatusOK, e.do(http.MethodGet, "/api/v1/bookings/"+b.ID, e.token("u-ops", auth.RoleAdmin), "", nil).Code)
}

func TestAdminRoutesRequireRole(t *testing.T) {
	e := newEnv(t)
	grant := `{"userId":"u-cho","hours":"2","reason":"goodwill"}`

	require.Equal(t, http.StatusForbidden, e.do(http.MethodPost, "/api/v1/admin/credits/grant", e.token("u-ada"), grant, nil).Code)

	admin := e.token("u-ops", auth.RoleAdmin)
	rr := e.do(http.MethodPost, "/api/v1/admin/credits/grant", admin, grant, map[string]string{"Idempotency-Key": "g-1"})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())

	rr = e.do(http.MethodPost, "/api/v1/admin/ledger/u-cho/verify", admin, "", nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	require.Contains(t, rr.Body.String(), `"balance":"2"`)

	trail := e.do(http.MethodGet, "/api/v1/admin/audit", admin, "", nil)
	require.Equal(t, http.StatusOK, trail.Code, trail.Body.String())
	var logs struct {
		Data []audit.Entry `json:"data"`
	}
	require.NoError(t, json.Unmarshal(trail.Body.Bytes(), &logs))
	require.Len(t, logs.Data, 2)
	require.Equal(t, "ledger.verify", logs.Data[0].Action)
	require.Equal(t, "u-cho", logs.Data[0].ResourceID)
	require.Equal(t, "u-ops", logs.Data[0].ActorUserID)
	require.Equal(t, "credits.grant", logs.Data[1].Action)
	require.Equal(t, http.StatusCreated, logs.Data[1].Status)
}

func TestBulkInvoiceFlow(t *testing.T) {
	e := newEnv(t)
	orgAdmin := e.token("u-hart-admin")
	body := `{"courseId":"c-contract","courseDateId":"d-contract-2","members":[{"userId":"u-hart-1","requestedCreditHours":"5"},{"userId":"u-hart-2"}]}`

	rr := e.do(http.MethodPost, "/api/v1/organisations/org-hart/bulk/invoice", orgAdmin, body, map[string]string{"Idempotency-Key": "inv-1"})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	var created struct {
		Data struct {
			ID     string `json:"id"`
			Status string `json:"status"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &created))

	paid := e.do(http.MethodPost, "/api/v1/admin/bulk/"+created.Data.ID+"/invoice-paid", e.token("u-ops", auth.RoleAdmin), "", nil)
	require.Equal(t, http.StatusOK, paid.Code, paid.Body.String())
	require.Contains(t, paid.Body.String(), `"status":"settled"`)
}

func TestQuoteRateLimited(t *testing.T) {
	e := newEnv(t)
	tok := e.token("u-ben")
	limit := e.svc.Config.RateLimitQuotesPerMin
	for i := 0; i < limit; i++ {
		rr := e.do(http.MethodGet, "/api/v1/quotes?courseId=c-contract&courseDateId=d-contract-1", tok, "", nil)
		require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	}
	rr := e.do(http.MethodGet, "/api/v1/quotes?courseId=c-contract&courseDateId=d-contract-1", tok, "", nil)
	require.Equal(t, http.StatusTooManyRequests, rr.Code)
}

func TestQueueAdminInMemoryMode(t *testing.T) {
	e := newEnv(t)
	admin := e.token("u-ops", auth.RoleAdmin)

	rr := e.do(http.MethodGet, "/api/v1/admin/queues/stats?kind=booking_reconcile", admin, "", nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	require.Contains(t, rr.Body.String(), `"deadLetters":0`)

	rr = e.do(http.MethodGet, "/api/v1/admin/queues/dlq", admin, "", nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	require.Contains(t, rr.Body.String(), `"total_items":0`)

	rr = e.do(http.MethodGet, "/api/v1/admin/queues/dlq", e.token("u-ada"), "", nil)
	require.Equal(t, http.StatusForbidden, rr.Code)
}
