// Package ratelimit throttles expensive public endpoints per caller.
package ratelimit

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/noah-isme/training-booking/internal/common"
	"github.com/noah-isme/training-booking/internal/obs"
)

// Rule admits Limit events per Window. A non-positive field disables the rule.
type Rule struct {
	Window time.Duration
	Limit  int
}

func (r Rule) enforced() bool { return r.Window > 0 && r.Limit > 0 }

func (r Rule) open() Verdict {
	return Verdict{Allowed: true, Remaining: max(r.Limit, 0), ResetAt: time.Now().Add(r.Window)}
}

// Verdict is the outcome of counting one event.
type Verdict struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time
}

// Limiter counts one event for key against rule.
type Limiter interface {
	Take(ctx context.Context, key string, rule Rule) (Verdict, error)
}

// Handler rejects requests over Rule with 429 RATE_LIMITED. When the backend fails the
// request is served and OnError is told.
type Handler struct {
	Name    string
	Backend Limiter
	Rule    Rule
	Key     func(*http.Request) string
	OnError func(error)
}

// ByUserOrIP keys authenticated callers by member id and everyone else by client address.
func ByUserOrIP(prefix string) func(*http.Request) string {
	return func(r *http.Request) string {
		if id, ok := common.UserID(r.Context()); ok {
			return prefix + ":user:" + id
		}
		return prefix + ":ip:" + common.ClientIP(r)
	}
}

func (h Handler) Middleware(next http.Handler) http.Handler {
	if h.Backend == nil || h.Key == nil || !h.Rule.enforced() {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		v, err := h.Backend.Take(r.Context(), h.Key(r), h.Rule)
		if err != nil {
			if h.OnError != nil {
				h.OnError(err)
			}
			next.ServeHTTP(w, r)
			return
		}
		hdr := w.Header()
		hdr.Set("X-RateLimit-Limit", strconv.Itoa(h.Rule.Limit))
		hdr.Set("X-RateLimit-Remaining", strconv.Itoa(v.Remaining))
		hdr.Set("X-RateLimit-Reset", strconv.FormatInt(v.ResetAt.Unix(), 10))
		if v.Allowed {
			next.ServeHTTP(w, r)
			return
		}
		wait := int(max(time.Until(v.ResetAt).Round(time.Second), time.Second) / time.Second)
		hdr.Set("Retry-After", strconv.Itoa(wait))
		obs.CountRateLimited(h.Name)
		common.JSONError(w, http.StatusTooManyRequests, "RATE_LIMITED", "too many requests, slow down", map[string]any{"retryAfter": wait})
	})
}
