// Package security holds the hardening middleware every API response passes through.
package security

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/cors"
)

// Headers sets the fixed hardening headers. Paths under NoStorePrefixes answer with
// Cache-Control: no-store because they expose balances and bookings.
type Headers struct {
	Enable                bool
	EnableHSTS            bool
	HSTSMaxAge            int
	HSTSIncludeSubdomains bool
	NoStorePrefixes       []string
}

func (h Headers) Middleware(next http.Handler) http.Handler {
	if !h.Enable {
		return next
	}
	fixed := http.Header{}
	fixed.Set("X-Content-Type-Options", "nosniff")
	fixed.Set("X-Frame-Options", "DENY")
	fixed.Set("Referrer-Policy", "no-referrer")
	fixed.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
	fixed.Set("Permissions-Policy", "geolocation=(), microphone=(), camera=()")
	hsts := h.hsts()

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		out := w.Header()
		for k, v := range fixed {
			out[k] = v
		}
		if h.noStore(r.URL.Path) {
			out.Set("Cache-Control", "no-store")
		}
		if hsts != "" && secure(r) {
			out.Set("Strict-Transport-Security", hsts)
		}
		next.ServeHTTP(w, r)
	})
}

func (h Headers) hsts() string {
	if !h.EnableHSTS {
		return ""
	}
	age := h.HSTSMaxAge
	if age <= 0 {
		age = 365 * 24 * 60 * 60
	}
	v := "max-age=" + strconv.Itoa(age)
	if h.HSTSIncludeSubdomains {
		v += "; includeSubDomains"
	}
	return v
}

func (h Headers) noStore(path string) bool {
	for _, p := range h.NoStorePrefixes {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}

// secure reports TLS on the connection or at the proxy in front of it.
func secure(r *http.Request) bool {
	return r.TLS != nil || strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https")
}

// CORS allows the configured portal origins. A wildcard origin turns credentials off, and
// an empty list refuses every cross-origin request.
func CORS(origins []string) func(http.Handler) http.Handler {
	wildcard := false
	for _, o := range origins {
		wildcard = wildcard || o == "*"
	}
	return cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Authorization", "Content-Type", "Accept", "X-Request-ID", "Idempotency-Key"},
		ExposedHeaders:   []string{"X-Request-ID", "X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset", "Retry-After"},
		AllowCredentials: !wildcard,
		MaxAge:           300,
	})
}
