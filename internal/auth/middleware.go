package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/noah-isme/training-booking/internal/common"
)

type claimsKey struct{}

// WithClaims attaches verified claims, and the member id they carry, to ctx.
func WithClaims(ctx context.Context, c Claims) context.Context {
	return context.WithValue(common.WithUserID(ctx, c.UserID), claimsKey{}, c)
}

func ClaimsFrom(ctx context.Context) (Claims, bool) {
	c, ok := ctx.Value(claimsKey{}).(Claims)
	return c, ok
}

// Middleware turns bearer tokens into request claims.
type Middleware struct {
	Service *Service
}

// Authenticate attaches claims when the request carries a valid token and otherwise
// serves it anonymously.
func (m Middleware) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if claims, err := m.verify(r); err == nil {
			r = r.WithContext(WithClaims(r.Context(), claims))
		}
		next.ServeHTTP(w, r)
	})
}

// RequireAuth answers 401 unless the request carries a valid token.
func (m Middleware) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, err := m.verify(r)
		if err != nil {
			var appErr *common.AppError
			if !errors.As(err, &appErr) {
				appErr = unauthorized("missing or invalid token", err)
			}
			common.WriteError(w, appErr)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
	})
}

// RequireRole answers 403 for callers whose token lacks role. It relies on RequireAuth
// having run.
func (m Middleware) RequireRole(role string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, ok := ClaimsFrom(r.Context())
			switch {
			case !ok:
				common.WriteError(w, unauthorized("missing or invalid token", nil))
			case !claims.HasRole(role):
				common.JSONError(w, http.StatusForbidden, "FORBIDDEN", "insufficient role", map[string]string{"required": role})
			default:
				next.ServeHTTP(w, r)
			}
		})
	}
}

func (m Middleware) verify(r *http.Request) (Claims, error) {
	if m.Service == nil {
		return Claims{}, errors.New("auth: service not configured")
	}
	return m.Service.ParseAccessToken(bearer(r))
}

func bearer(r *http.Request) string {
	scheme, token, ok := strings.Cut(strings.TrimSpace(r.Header.Get("Authorization")), " ")
	if !ok || !strings.EqualFold(scheme, "bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}
