// Package resilience guards calls to settlement providers and partner endpoints with a
// circuit breaker and retry policy.
package resilience

import (
	"context"
	"errors"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"
)

// ErrOpenCircuit is returned while the breaker refuses calls.
var ErrOpenCircuit = errors.New("resilience: circuit breaker open")

// State is the breaker position.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	}
	return "unknown"
}

// Breaker trips when the failure ratio over its recent outcomes reaches a threshold.
// The window holds the last 2×minRequests outcomes and is only judged once minRequests
// of them are in. After openFor, one probe call is let through: success closes the
// breaker, failure opens it again.
type Breaker struct {
	mu          sync.Mutex
	state       State
	window      []bool
	next        int
	filled      int
	minRequests int
	ratio       float64
	openFor     time.Duration
	openedAt    time.Time
	probing     bool
	target      string
	logger      zerolog.Logger
}

// NewBreaker builds a closed breaker. Out of range arguments fall back to one request,
// a 0.5 ratio and a 30s cool-off.
func NewBreaker(minRequests int, failureRatio float64, openFor time.Duration) *Breaker {
	minRequests = max(minRequests, 1)
	if failureRatio <= 0 {
		failureRatio = 0.5
	}
	if openFor <= 0 {
		openFor = 30 * time.Second
	}
	return &Breaker{
		window:      make([]bool, minRequests*2),
		minRequests: minRequests,
		ratio:       min(failureRatio, 1),
		openFor:     openFor,
		logger:      zerolog.Nop(),
	}
}

// WithTarget names the guarded dependency in metrics and logs.
func (b *Breaker) WithTarget(target string) *Breaker {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.target = strings.TrimSpace(target)
	BreakerState.WithLabelValues(b.label()).Set(float64(b.state))
	return b
}

// WithLogger sets the logger used for transitions when the call context carries none.
func (b *Breaker) WithLogger(logger zerolog.Logger) *Breaker {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.logger = logger
	return b
}

// Allow reports whether a call may proceed. An open breaker past its cool-off admits a
// single probe.
func (b *Breaker) Allow(ctx context.Context) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case Open:
		if time.Since(b.openedAt) < b.openFor {
			return false
		}
		b.moveLocked(ctx, HalfOpen)
		b.probing = true
		return true
	case HalfOpen:
		if b.probing {
			return false
		}
		b.probing = true
		return true
	}
	return true
}

// Report records the outcome of an allowed call.
func (b *Breaker) Report(ctx context.Context, success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case Open:
		return
	case HalfOpen:
		b.probing = false
		if success {
			b.moveLocked(ctx, Closed)
		} else {
			b.moveLocked(ctx, Open)
		}
		return
	}

	b.window[b.next] = !success
	b.next = (b.next + 1) % len(b.window)
	b.filled = min(b.filled+1, len(b.window))
	if b.filled < b.minRequests {
		return
	}
	failures := 0
	for i := 0; i < b.filled; i++ {
		if b.window[i] {
			failures++
		}
	}
	if float64(failures)/float64(b.filled) >= b.ratio {
		b.moveLocked(ctx, Open)
	}
}

// Execute runs fn under the breaker. Errors matched by ignore are returned without
// counting against the dependency, and a cancelled caller reports nothing.
func (b *Breaker) Execute(ctx context.Context, fn func(context.Context) error, ignore func(error) bool) error {
	if !b.Allow(ctx) {
		return ErrOpenCircuit
	}
	err := fn(ctx)
	switch {
	case err == nil, ignore != nil && ignore(err):
		b.Report(ctx, true)
	case errors.Is(err, context.Canceled):
		b.mu.Lock()
		b.probing = false
		b.mu.Unlock()
	default:
		b.Report(ctx, false)
	}
	return err
}

// CurrentState returns the state without advancing it.
func (b *Breaker) CurrentState() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) label() string {
	if b.target == "" {
		return "default"
	}
	return b.target
}

func (b *Breaker) moveLocked(ctx context.Context, to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	b.filled, b.next = 0, 0
	switch to {
	case Open:
		b.openedAt = time.Now()
		BreakerOpenedTotal.WithLabelValues(b.label()).Inc()
	case Closed:
		b.openedAt = time.Time{}
	}
	BreakerState.WithLabelValues(b.label()).Set(float64(to))
	BreakerTransitions.WithLabelValues(b.label(), from.String(), to.String()).Inc()

	logger := b.logger
	if l := zerolog.Ctx(ctx); l.GetLevel() != zerolog.Disabled {
		logger = *l
	}
	evt := logger.Info().Str("target", b.label()).Str("from_state", from.String()).Str("to_state", to.String())
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		evt = evt.Str("trace_id", sc.TraceID().String())
	}
	evt.Msg("breaker_transition")
}

// Backoff is the delay before retry number attempt (1-based): base doubled per attempt,
// spread by ±jitter (0.2 is 20%).
func Backoff(base time.Duration, attempt int, jitter float64) time.Duration {
	if base <= 0 {
		base = 100 * time.Millisecond
	}
	d := base << (max(attempt, 1) - 1)
	if jitter <= 0 {
		return d
	}
	spread := float64(d) * jitter
	return d + time.Duration((rand.Float64()*2-1)*spread)
}
