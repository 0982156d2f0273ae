package queue

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/noah-isme/training-booking/internal/resilience"
)

const (
	pollInterval    = 100 * time.Millisecond
	reclaimInterval = time.Second
)

// Worker consumes one task kind. Exhausted tasks are parked in DeadLetters when set and on
// a Redis list otherwise.
type Worker struct {
	R                 *redis.Client
	Prefix            string
	Kind              string
	Concurrency       int
	VisibilityTimeout time.Duration
	// SoftDeadline bounds a single handler call; zero means the visibility timeout.
	SoftDeadline time.Duration
	Handler      func(context.Context, Task) error
	RetryBase    time.Duration
	RetryJitter  float64
	DeadLetters  DeadLetters
	Logger       *zerolog.Logger
}

var nopLogger = zerolog.Nop()

func (w Worker) log() *zerolog.Logger {
	if w.Logger == nil {
		return &nopLogger
	}
	return w.Logger
}

func (w Worker) visibility() time.Duration {
	if w.VisibilityTimeout <= 0 {
		return 30 * time.Second
	}
	return w.VisibilityTimeout
}

func (w Worker) deadline() time.Duration {
	if w.SoftDeadline <= 0 || w.SoftDeadline > w.visibility() {
		return w.visibility()
	}
	return w.SoftDeadline
}

// Run claims and handles tasks until ctx is cancelled, then waits for running handlers.
// Tasks whose inflight lease expires are put back on the ready set.
func (w Worker) Run(ctx context.Context) error {
	switch {
	case w.R == nil:
		return errors.New("queue: worker redis client not configured")
	case w.Handler == nil:
		return errors.New("queue: worker handler not configured")
	case !validKind(w.Kind):
		return errors.New("queue: invalid worker kind")
	}
	keys := keysFor(w.Prefix)
	slots := make(chan struct{}, max(w.Concurrency, 1))
	var running sync.WaitGroup
	defer running.Wait()

	reclaim := time.NewTicker(reclaimInterval)
	defer reclaim.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-reclaim.C:
			if err := w.reclaim(ctx, keys); err != nil && ctx.Err() == nil {
				return err
			}
		default:
		}

		env, member, err := w.claim(ctx, keys)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if member == "" {
			continue
		}

		slots <- struct{}{}
		running.Add(1)
		go func() {
			defer running.Done()
			defer func() { <-slots }()
			w.process(ctx, keys, member, env)
		}()
	}
}

// claim moves the earliest due task to the inflight set. An empty member means nothing
// was due and the caller should loop.
func (w Worker) claim(ctx context.Context, keys keyspace) (envelope, string, error) {
	popped, err := w.R.ZPopMin(ctx, keys.ready(w.Kind), 1).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return envelope{}, "", err
	}
	if len(popped) == 0 {
		pause(ctx, pollInterval)
		return envelope{}, "", nil
	}
	raw, _ := popped[0].Member.(string)
	env, err := decodeEnvelope(raw)
	if err != nil {
		w.log().Error().Err(err).Str("kind", w.Kind).Msg("queue_task_undecodable")
		return envelope{}, "", nil
	}
	if wait := time.Until(time.Unix(0, env.DueAt)); wait > 0 {
		if err := w.R.ZAdd(ctx, keys.ready(w.Kind), redis.Z{Score: float64(env.DueAt), Member: raw}).Err(); err != nil {
			return envelope{}, "", err
		}
		pause(ctx, min(wait, time.Second))
		return envelope{}, "", nil
	}

	env.Attempt++
	member, err := env.encode()
	if err != nil {
		return envelope{}, "", err
	}
	leaseUntil := time.Now().Add(w.visibility()).UnixNano()
	if err := w.R.ZAdd(ctx, keys.inflight(w.Kind), redis.Z{Score: float64(leaseUntil), Member: member}).Err(); err != nil {
		return envelope{}, "", err
	}
	Depth.WithLabelValues(w.Kind).Dec()
	return env, member, nil
}

func (w Worker) process(ctx context.Context, keys keyspace, member string, env envelope) {
	jobCtx, cancel := context.WithTimeout(ctx, w.deadline())
	err := w.Handler(jobCtx, env.task())
	cancel()

	// bookkeeping must outlive a cancelled worker context
	ctx = context.WithoutCancel(ctx)
	_ = w.R.ZRem(ctx, keys.inflight(w.Kind), member).Err()
	switch {
	case err == nil:
		w.forget(ctx, keys, env)
		Outcomes.WithLabelValues(w.Kind, "success").Inc()
	case env.MaxAttempts > 0 && env.Attempt >= env.MaxAttempts:
		w.park(ctx, keys, env, err)
	default:
		w.retry(ctx, keys, env, err)
	}
}

func (w Worker) retry(ctx context.Context, keys keyspace, env envelope, cause error) {
	base := w.RetryBase
	if base <= 0 {
		base = 200 * time.Millisecond
	}
	delay := resilience.Backoff(base, env.Attempt, w.RetryJitter)
	env.DueAt = time.Now().Add(delay).UnixNano()
	member, err := env.encode()
	if err != nil {
		return
	}
	if err := w.R.ZAdd(ctx, keys.ready(w.Kind), redis.Z{Score: float64(env.DueAt), Member: member}).Err(); err != nil {
		w.log().Error().Err(err).Str("kind", w.Kind).Msg("queue_retry_schedule_failed")
		return
	}
	Depth.WithLabelValues(w.Kind).Inc()
	Outcomes.WithLabelValues(w.Kind, "retry").Inc()
	w.log().Debug().Err(cause).Str("kind", w.Kind).Int("attempt", env.Attempt).Dur("delay", delay).Msg("queue_task_retry")
}

func (w Worker) park(ctx context.Context, keys keyspace, env envelope, cause error) {
	member, err := env.encode()
	if err != nil {
		return
	}
	parked := false
	if w.DeadLetters != nil {
		_, err := w.DeadLetters.Park(ctx, DeadLetter{
			Kind:      env.Kind,
			Key:       env.Key,
			Attempts:  env.Attempt,
			LastError: cause.Error(),
			Envelope:  []byte(member),
		})
		if err != nil {
			w.log().Error().Err(err).Str("kind", env.Kind).Str("key", env.Key).Msg("queue_dead_letter_store_failed")
		}
		parked = err == nil
	}
	if !parked {
		_ = w.R.LPush(ctx, keys.dead(env.Kind), member).Err()
	}
	w.forget(ctx, keys, env)
	Outcomes.WithLabelValues(w.Kind, "dead_letter").Inc()
	Parked.WithLabelValues(w.Kind).Inc()
	w.log().Warn().Err(cause).Str("kind", env.Kind).Str("key", env.Key).Int("attempt", env.Attempt).Msg("queue_task_dead_lettered")
}

// forget drops the dedup marker so the same key can be enqueued again.
func (w Worker) forget(ctx context.Context, keys keyspace, env envelope) {
	if env.Key != "" {
		_ = w.R.Del(ctx, keys.dedup(env.Kind, env.Key)).Err()
	}
}

// reclaim returns tasks whose inflight lease expired to the ready set.
func (w Worker) reclaim(ctx context.Context, keys keyspace) error {
	now := time.Now().UnixNano()
	expired, err := w.R.ZRangeByScore(ctx, keys.inflight(w.Kind), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now, 10),
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return err
	}
	for _, raw := range expired {
		env, err := decodeEnvelope(raw)
		if err != nil {
			continue
		}
		removed, err := w.R.ZRem(ctx, keys.inflight(w.Kind), raw).Result()
		if err != nil || removed == 0 {
			continue
		}
		env.DueAt = now
		member, err := env.encode()
		if err != nil {
			continue
		}
		if err := w.R.ZAdd(ctx, keys.ready(w.Kind), redis.Z{Score: float64(now), Member: member}).Err(); err == nil {
			Depth.WithLabelValues(w.Kind).Inc()
			w.log().Warn().Str("kind", w.Kind).Str("key", env.Key).Int("attempt", env.Attempt).Msg("queue_lease_expired")
		}
	}
	return nil
}

func pause(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
