package common

import (
	"context"
	"net"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
)

type memberKey struct{}

// WithUserID returns ctx carrying the authenticated member id.
func WithUserID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, memberKey{}, id)
}

// UserID reports the authenticated member id, if the request carried a valid token.
func UserID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(memberKey{}).(string)
	return id, ok && id != ""
}

// ClientIP picks the caller address: the first parseable X-Forwarded-For hop, then
// X-Real-IP, then the socket peer.
func ClientIP(r *http.Request) string {
	if r == nil {
		return ""
	}
	for _, hop := range strings.Split(r.Header.Get("X-Forwarded-For"), ",") {
		if addr, err := netip.ParseAddr(strings.TrimSpace(hop)); err == nil {
			return addr.String()
		}
	}
	if xr, err := netip.ParseAddr(strings.TrimSpace(r.Header.Get("X-Real-IP"))); err == nil {
		return xr.String()
	}
	remote := strings.TrimSpace(r.RemoteAddr)
	if host, _, err := net.SplitHostPort(remote); err == nil {
		return host
	}
	return remote
}

// Page is a 1-based offset window read from ?page= and ?limit=.
type Page struct {
	Number int
	Size   int
}

// PageFrom parses the page query. Size falls back to def and is capped at ceiling when ceiling > 0.
func PageFrom(r *http.Request, def, ceiling int) Page {
	q := r.URL.Query()
	p := Page{Number: positive(q.Get("page"), 1), Size: positive(q.Get("limit"), def)}
	if ceiling > 0 && p.Size > ceiling {
		p.Size = ceiling
	}
	return p
}

// Offset is the number of rows before this page.
func (p Page) Offset() int { return (p.Number - 1) * p.Size }

// Meta describes the page in a list response; total is the number of rows returned or known.
func (p Page) Meta(total int) Pagination {
	return Pagination{Page: p.Number, PerPage: p.Size, TotalItems: total}
}

func positive(raw string, fallback int) int {
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}
