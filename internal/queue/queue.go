// Package queue runs background tasks on Redis sorted sets. Tasks are scored by the time
// they become due, claimed tasks sit in an inflight set until acknowledged, and tasks that
// exhaust their attempts are parked as dead letters for an operator to replay.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	defaultMaxAttempts = 10
	defaultDedupTTL    = 24 * time.Hour
)

// Task is one unit of background work. Attempt is 1 on the first delivery.
type Task struct {
	Kind           string
	Payload        []byte
	IdempotencyKey string
	MaxAttempts    int
	Attempt        int
	Delay          time.Duration
}

// envelope is the JSON member stored in the ready and inflight sets.
type envelope struct {
	Kind        string `json:"kind"`
	Key         string `json:"key,omitempty"`
	Payload     []byte `json:"payload"`
	Attempt     int    `json:"attempt"`
	MaxAttempts int    `json:"maxAttempts"`
	DueAt       int64  `json:"dueAt"`
}

func (e envelope) task() Task {
	return Task{Kind: e.Kind, Payload: e.Payload, IdempotencyKey: e.Key, MaxAttempts: e.MaxAttempts, Attempt: e.Attempt}
}

func (e envelope) encode() (string, error) {
	raw, err := json.Marshal(e)
	return string(raw), err
}

func decodeEnvelope(raw string) (envelope, error) {
	var e envelope
	err := json.Unmarshal([]byte(raw), &e)
	return e, err
}

// keyspace names the Redis keys of one queue prefix.
type keyspace string

func keysFor(prefix string) keyspace {
	if prefix = strings.TrimSpace(prefix); prefix == "" {
		prefix = "queue"
	}
	return keyspace(prefix)
}

func (k keyspace) ready(kind string) string    { return string(k) + ":ready:" + kind }
func (k keyspace) inflight(kind string) string { return string(k) + ":inflight:" + kind }
func (k keyspace) dead(kind string) string     { return string(k) + ":dead:" + kind }
func (k keyspace) dedup(kind, key string) string {
	return string(k) + ":dedup:" + kind + ":" + key
}

// validKind accepts lowercase names built from letters, digits and - _ :.
func validKind(kind string) bool {
	if kind == "" {
		return false
	}
	return strings.IndexFunc(kind, func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '-' || r == '_' || r == ':')
	}) < 0
}

// Enqueuer publishes tasks.
type Enqueuer struct {
	R        *redis.Client
	Prefix   string
	DedupTTL time.Duration
	// MaxAttempts applies to tasks that do not set their own.
	MaxAttempts int
}

// Enqueue schedules t. A task carrying an IdempotencyKey is accepted once per dedup
// window; later copies are dropped silently.
func (e Enqueuer) Enqueue(ctx context.Context, t Task) error {
	if e.R == nil {
		return errors.New("queue: redis client not configured")
	}
	if !validKind(t.Kind) {
		return errors.New("queue: invalid task kind")
	}
	keys := keysFor(e.Prefix)
	env := envelope{
		Kind:        t.Kind,
		Key:         t.IdempotencyKey,
		Payload:     t.Payload,
		Attempt:     t.Attempt,
		MaxAttempts: firstPositive(t.MaxAttempts, e.MaxAttempts, defaultMaxAttempts),
		DueAt:       time.Now().Add(t.Delay).UnixNano(),
	}
	if env.Key != "" {
		ttl := e.DedupTTL
		if ttl <= 0 {
			ttl = defaultDedupTTL
		}
		fresh, err := e.R.SetNX(ctx, keys.dedup(env.Kind, env.Key), "1", ttl).Result()
		if err != nil {
			return err
		}
		if !fresh {
			return nil
		}
	}
	member, err := env.encode()
	if err != nil {
		return err
	}
	if err := e.R.ZAdd(ctx, keys.ready(env.Kind), redis.Z{Score: float64(env.DueAt), Member: member}).Err(); err != nil {
		return err
	}
	Depth.WithLabelValues(env.Kind).Inc()
	return nil
}

func firstPositive(values ...int) int {
	for _, v := range values {
		if v > 0 {
			return v
		}
	}
	return 0
}
