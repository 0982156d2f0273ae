package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	limiter "github.com/ulule/limiter/v3"
	limiterredis "github.com/ulule/limiter/v3/drivers/store/redis"
)

// Fixed counts events per calendar window through ulule/limiter's Redis store.
type Fixed struct {
	store limiter.Store

	mu    sync.Mutex
	rates map[Rule]*limiter.Limiter
}

// NewFixed stores counters in client under prefix.
func NewFixed(client *redis.Client, prefix string) (*Fixed, error) {
	store, err := limiterredis.NewStoreWithOptions(client, limiter.StoreOptions{Prefix: prefix})
	if err != nil {
		return nil, fmt.Errorf("ratelimit store: %w", err)
	}
	return &Fixed{store: store, rates: map[Rule]*limiter.Limiter{}}, nil
}

func (f *Fixed) Take(ctx context.Context, key string, rule Rule) (Verdict, error) {
	if f == nil || f.store == nil || !rule.enforced() {
		return rule.open(), nil
	}
	got, err := f.forRule(rule).Get(ctx, key)
	if err != nil {
		return Verdict{}, err
	}
	return Verdict{Allowed: !got.Reached, Remaining: int(got.Remaining), ResetAt: time.Unix(got.Reset, 0)}, nil
}

func (f *Fixed) forRule(rule Rule) *limiter.Limiter {
	f.mu.Lock()
	defer f.mu.Unlock()
	l, ok := f.rates[rule]
	if !ok {
		l = limiter.New(f.store, limiter.Rate{Period: rule.Window, Limit: int64(rule.Limit)})
		f.rates[rule] = l
	}
	return l
}
