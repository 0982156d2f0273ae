package lock

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// ReplayGuard remembers one-shot deliveries, such as inbound payment callbacks and
// outbound webhooks, for a TTL. Without a client every claim succeeds.
type ReplayGuard struct {
	R *redis.Client
}

// Claim reports whether key is new within ttl, recording it when it is.
func (g ReplayGuard) Claim(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if g.R == nil {
		return true, nil
	}
	return g.R.SetNX(ctx, key, strconv.FormatInt(time.Now().Unix(), 10), ttl).Result()
}

// Forget drops key so a later retry of the same delivery is processed again.
func (g ReplayGuard) Forget(ctx context.Context, key string) error {
	if g.R == nil {
		return nil
	}
	return g.R.Del(ctx, key).Err()
}
