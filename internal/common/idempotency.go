package common

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// IdempotencyHeader carries the client supplied retry key for write endpoints.
const IdempotencyHeader = "Idempotency-Key"

// Idem guards write endpoints against two requests with the same Idempotency-Key running
// at the same time. The key is released once the handler returns: the services behind these
// endpoints de-duplicate on the key themselves, so a later retry must reach them.
type Idem struct {
	R   *redis.Client
	TTL time.Duration
}

type idemCtxKey struct{}

func hashKey(scope, key string) string {
	return "idem:" + Sha256Hex(scope+"|"+key)
}

// Sha256Hex is the lowercase hex SHA-256 of s.
func Sha256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// IdempotencyKey returns the Idempotency-Key seen by the middleware, if any.
func IdempotencyKey(ctx context.Context) string {
	v, _ := ctx.Value(idemCtxKey{}).(string)
	return v
}

// Middleware enforces the in-flight guard and exposes the key on the request context.
func (i Idem) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get(IdempotencyHeader)
		if header == "" {
			next.ServeHTTP(w, r)
			return
		}
		ctx := context.WithValue(r.Context(), idemCtxKey{}, header)
		if i.R == nil {
			next.ServeHTTP(w, r.WithContext(ctx))
			return
		}
		scope, _ := UserID(r.Context())
		key := hashKey(scope+"|"+r.URL.Path, header)
		ttl := i.TTL
		if ttl <= 0 {
			ttl = time.Minute
		}
		ok, err := i.R.SetNX(ctx, key, "in-flight", ttl).Result()
		if err != nil {
			commonJSONError(w, err)
			return
		}
		if !ok {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusConflict)
			_, _ = io.WriteString(w, "{\"error\":{\"code\":\"REQUEST_IN_PROGRESS\",\"message\":\"a request with this idempotency key is still running\"}}")
			return
		}
		defer func() {
			// release even if the handler panics
			_ = i.R.Del(context.Background(), key).Err()
		}()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func commonJSONError(w http.ResponseWriter, err error) {
	if err == nil {
		return
	}
	JSONError(w, http.StatusInternalServerError, "INTERNAL", "idempotency store error", map[string]any{"error": err.Error()})
}
