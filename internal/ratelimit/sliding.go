package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// slidingLog trims the key's log to the window, appends the event when it fits and
// reports {allowed, remaining, reset_ms}. Rejected events are not logged.
var slidingLog = redis.NewScript(`
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', now - window)
local count = redis.call('ZCARD', KEYS[1])
local allowed = 0
if count < limit then
  redis.call('ZADD', KEYS[1], now, ARGV[4])
  count = count + 1
  allowed = 1
end
redis.call('PEXPIRE', KEYS[1], window)
local oldest = redis.call('ZRANGE', KEYS[1], 0, 0, 'WITHSCORES')
local reset = now + window
if oldest[2] then
  reset = tonumber(oldest[2]) + window
end
return {allowed, limit - count, reset}
`)

// Sliding keeps a per key log of event times in a Redis sorted set and admits an event
// while fewer than Limit of them fall inside the trailing window.
type Sliding struct {
	Client *redis.Client
	Prefix string
}

func (s Sliding) Take(ctx context.Context, key string, rule Rule) (Verdict, error) {
	if s.Client == nil || !rule.enforced() {
		return rule.open(), nil
	}
	now := time.Now()
	out, err := slidingLog.Run(ctx, s.Client, []string{s.Prefix + key},
		now.UnixMilli(), rule.Window.Milliseconds(), rule.Limit, uuid.NewString()).Int64Slice()
	if err != nil {
		return Verdict{}, fmt.Errorf("sliding window %s: %w", key, err)
	}
	if len(out) != 3 {
		return Verdict{}, fmt.Errorf("sliding window %s: unexpected reply %v", key, out)
	}
	return Verdict{
		Allowed:   out[0] == 1,
		Remaining: max(int(out[1]), 0),
		ResetAt:   time.UnixMilli(out[2]),
	}, nil
}
