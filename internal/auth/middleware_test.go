package auth_test

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/training-booking/internal/auth"
	"github.com/noah-isme/training-booking/internal/common"
)

func TestRequireAuthAndRole(t *testing.T) {
	svc, err := auth.NewService(testConfig())
	require.NoError(t, err)
	mw := auth.Middleware{Service: svc}

	var seenUser string
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenUser, _ = common.UserID(r.Context())
		w.WriteHeader(http.StatusNoContent)
	})
	member := mw.RequireAuth(ok)
	admin := mw.RequireAuth(mw.RequireRole(auth.RoleAdmin)(ok))

	memberToken, _, err := svc.IssueAccessToken("usr-1")
	require.NoError(t, err)
	adminToken, _, err := svc.IssueAccessToken("usr-ops", auth.RoleAdmin)
	require.NoError(t, err)

	call := func(h http.Handler, token string) int {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/credits", nil)
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		return rr.Code
	}

	require.Equal(t, http.StatusUnauthorized, call(member, ""))
	require.Equal(t, http.StatusUnauthorized, call(member, "garbage"))
	require.Equal(t, http.StatusNoContent, call(member, memberToken))
	require.Equal(t, "usr-1", seenUser)

	require.Equal(t, http.StatusForbidden, call(admin, memberToken))
	require.Equal(t, http.StatusNoContent, call(admin, adminToken))
	require.Equal(t, "usr-ops", seenUser)
}

func TestAuthenticateIsOptional(t *testing.T) {
	svc, err := auth.NewService(testConfig())
	require.NoError(t, err)
	mw := auth.Middleware{Service: svc}

	var claims auth.Claims
	var present bool
	h := mw.Authenticate(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, present = auth.ClaimsFrom(r.Context())
	}))

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/v1/quotes", nil))
	require.False(t, present)

	token, _, err := svc.IssueAccessToken("usr-2")
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/quotes", nil)
	req.Header.Set("Authorization", "bearer "+token)
	h.ServeHTTP(httptest.NewRecorder(), req)
	require.True(t, present)
	require.Equal(t, "usr-2", claims.UserID)
}

func testConfig() auth.Config {
	return auth.Config{Secret: "middleware-secret", Issuer: "training-booking", AccessTokenTTL: 5 * time.Minute}
}
