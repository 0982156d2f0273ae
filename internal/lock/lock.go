// Package lock holds the Redis primitives that serialise work across API and worker
// processes: per key mutexes and one-shot replay markers.
package lock

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrNotAcquired means MaxWait passed while another holder kept the key.
var ErrNotAcquired = errors.New("lock: not acquired")

var (
	// unlock and extend only touch the key while it still holds our token.
	unlock = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0`)
	extend = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)
)

func LedgerKey(userID string) string { return "lock:ledger:" + userID }

// SlotKey guards one member booking one course date.
func SlotKey(userID, courseDateID string) string {
	return "lock:booking:" + userID + ":" + courseDateID
}

// SettleKey guards the debit and row of one booking while they are written or reconciled.
func SettleKey(bookingID string) string { return "lock:settle:" + bookingID }

// DeliveryKey guards one queued webhook delivery.
func DeliveryKey(idempotencyKey string) string { return "lock:delivery:" + idempotencyKey }

// Locker is a Redis mutex keyed by string. The lease is renewed while the holder runs, so
// ttl only bounds how long a crashed holder blocks others.
type Locker struct {
	R            *redis.Client
	RetryBackoff time.Duration
	// MaxWait bounds polling for a busy key. Zero polls until ctx is done.
	MaxWait time.Duration
}

// WithLock runs fn while holding key.
func (l Locker) WithLock(ctx context.Context, key string, ttl time.Duration, fn func(context.Context) error) error {
	if l.R == nil {
		return errors.New("lock: redis client not configured")
	}
	if fn == nil {
		return errors.New("lock: callback not provided")
	}
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	token := uuid.NewString()
	if err := l.acquire(ctx, key, token, ttl); err != nil {
		return err
	}
	defer func() {
		_ = unlock.Run(context.WithoutCancel(ctx), l.R, []string{key}, token).Err()
	}()

	held, stop := context.WithCancel(ctx)
	renewed := make(chan struct{})
	go func() {
		defer close(renewed)
		l.renew(held, key, token, ttl)
	}()
	err := fn(ctx)
	stop()
	<-renewed
	return err
}

func (l Locker) acquire(ctx context.Context, key, token string, ttl time.Duration) error {
	retry := l.RetryBackoff
	if retry <= 0 {
		retry = 50 * time.Millisecond
	}
	var deadline time.Time
	if l.MaxWait > 0 {
		deadline = time.Now().Add(l.MaxWait)
	}
	ticker := time.NewTicker(retry)
	defer ticker.Stop()
	for {
		ok, err := l.R.SetNX(ctx, key, token, ttl).Result()
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		if !deadline.IsZero() && time.Now().After(deadline) {
			return ErrNotAcquired
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// renew pushes the lease out every third of ttl until ctx ends or the token is gone.
func (l Locker) renew(ctx context.Context, key, token string, ttl time.Duration) {
	ticker := time.NewTicker(max(ttl/3, time.Millisecond))
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := extend.Run(ctx, l.R, []string{key}, token, ttl.Milliseconds()).Int()
			if err != nil || n == 0 {
				return
			}
		}
	}
}
