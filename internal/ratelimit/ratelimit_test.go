package ratelimit

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/training-booking/internal/common"
)

func newRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestSlidingAdmitsUpToLimitPerWindow(t *testing.T) {
	mr, client := newRedis(t)
	s := Sliding{Client: client, Prefix: "rl:"}
	rule := Rule{Window: 2 * time.Second, Limit: 2}
	ctx := context.Background()

	for want := 1; want >= 0; want-- {
		v, err := s.Take(ctx, "quotes:user:u-1", rule)
		require.NoError(t, err)
		require.True(t, v.Allowed)
		require.Equal(t, want, v.Remaining)
	}

	v, err := s.Take(ctx, "quotes:user:u-1", rule)
	require.NoError(t, err)
	require.False(t, v.Allowed)
	require.Zero(t, v.Remaining)
	require.True(t, v.ResetAt.After(time.Now()))

	n, err := client.ZCard(ctx, "rl:quotes:user:u-1").Result()
	require.NoError(t, err)
	require.EqualValues(t, 2, n, "rejected events are not logged")

	mr.FastForward(rule.Window)
	v, err = s.Take(ctx, "quotes:user:u-1", rule)
	require.NoError(t, err)
	require.True(t, v.Allowed)
}

func TestSlidingWithoutRuleOrClientAdmits(t *testing.T) {
	v, err := Sliding{}.Take(context.Background(), "k", Rule{Window: time.Minute, Limit: 3})
	require.NoError(t, err)
	require.True(t, v.Allowed)
	require.Equal(t, 3, v.Remaining)

	_, client := newRedis(t)
	v, err = Sliding{Client: client}.Take(context.Background(), "k", Rule{})
	require.NoError(t, err)
	require.True(t, v.Allowed)
}

func TestFixedWindowRejectsOverLimit(t *testing.T) {
	_, client := newRedis(t)
	fixed, err := NewFixed(client, "quotes")
	require.NoError(t, err)
	rule := Rule{Window: time.Minute, Limit: 2}
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		v, err := fixed.Take(ctx, "user:1", rule)
		require.NoError(t, err)
		require.True(t, v.Allowed)
		require.Equal(t, 1-i, v.Remaining)
	}
	v, err := fixed.Take(ctx, "user:1", rule)
	require.NoError(t, err)
	require.False(t, v.Allowed)
	require.True(t, v.ResetAt.After(time.Now()))

	v, err = fixed.Take(ctx, "user:2", rule)
	require.NoError(t, err)
	require.True(t, v.Allowed)
}

func TestMiddlewareKeysByUserAndRendersJSON(t *testing.T) {
	mr, client := newRedis(t)
	handler := Handler{
		Name:    "quotes",
		Backend: Sliding{Client: client, Prefix: "rl:"},
		Rule:    Rule{Window: time.Minute, Limit: 1},
		Key:     ByUserOrIP("quotes"),
	}
	h := handler.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	send := func(user string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/quotes", nil)
		req.RemoteAddr = "10.0.0.9:5000"
		if user != "" {
			req = req.WithContext(common.WithUserID(req.Context(), user))
		}
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		return rr
	}

	first := send("u-1")
	require.Equal(t, http.StatusNoContent, first.Code)
	require.Equal(t, "1", first.Header().Get("X-RateLimit-Limit"))
	require.Equal(t, "0", first.Header().Get("X-RateLimit-Remaining"))
	require.Equal(t, http.StatusNoContent, send("u-2").Code)
	require.Equal(t, http.StatusNoContent, send("").Code)

	rejected := send("u-1")
	require.Equal(t, http.StatusTooManyRequests, rejected.Code)
	require.NotEmpty(t, rejected.Header().Get("Retry-After"))
	var body struct {
		Error common.ErrorBody `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rejected.Body.Bytes(), &body))
	require.Equal(t, "RATE_LIMITED", body.Error.Code)

	require.ElementsMatch(t, []string{"rl:quotes:user:u-1", "rl:quotes:user:u-2", "rl:quotes:ip:10.0.0.9"}, mr.Keys())
}

func TestMiddlewareServesWhenBackendFails(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:0", MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })

	var reported error
	h := Handler{
		Backend: Sliding{Client: client},
		Rule:    Rule{Window: time.Second, Limit: 1},
		Key:     func(*http.Request) string { return "k" },
		OnError: func(err error) { reported = err },
	}.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	require.Error(t, reported)
}
