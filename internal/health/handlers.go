// Package health serves liveness and readiness for the API process.
package health

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	redis "github.com/redis/go-redis/v9"

	"github.com/noah-isme/training-booking/internal/common"
)

// Probe checks one dependency and must return within timeout.
type Probe func(ctx context.Context, timeout time.Duration) error

// Checker names the dependencies readiness depends on.
type Checker map[string]Probe

// Handler serves /health/live and /health/ready.
type Handler struct {
	Checker Checker
	Timeout time.Duration
}

// Report is the readiness body.
type Report struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

var draining atomic.Bool

// SetReady(false) makes readiness fail while the server drains.
func SetReady(v bool) { draining.Store(!v) }

func (h Handler) Live(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// Ready probes every dependency concurrently. A process with nothing to probe is not ready.
func (h Handler) Ready(w http.ResponseWriter, r *http.Request) {
	switch {
	case draining.Load():
		common.JSON(w, http.StatusServiceUnavailable, Report{Status: "draining"})
		return
	case len(h.Checker) == 0:
		common.JSON(w, http.StatusServiceUnavailable, Report{Status: "no dependencies registered"})
		return
	}
	report := h.probe(r.Context())
	code := http.StatusOK
	if report.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	common.JSON(w, code, report)
}

func (h Handler) probe(ctx context.Context) Report {
	timeout := h.Timeout
	if timeout <= 0 {
		timeout = 500 * time.Millisecond
	}
	var (
		mu  sync.Mutex
		wg  sync.WaitGroup
		out = Report{Status: "ok", Checks: make(map[string]string, len(h.Checker))}
	)
	for name, check := range h.Checker {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result := "ok"
			if err := check(ctx, timeout); err != nil {
				result = err.Error()
			}
			mu.Lock()
			defer mu.Unlock()
			out.Checks[name] = result
			if result != "ok" {
				out.Status = "degraded"
			}
		}()
	}
	wg.Wait()
	return out
}

// Static is a probe with a fixed answer, used for in-process stores.
func Static(err error) Probe {
	return func(context.Context, time.Duration) error { return err }
}

func PoolProbe(pool *pgxpool.Pool) Probe {
	return func(ctx context.Context, timeout time.Duration) error {
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		return pool.Ping(ctx)
	}
}

func RedisProbe(client *redis.Client) Probe {
	return func(ctx context.Context, timeout time.Duration) error {
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		return client.Ping(ctx).Err()
	}
}
