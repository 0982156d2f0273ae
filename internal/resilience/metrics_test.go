package resilience_test

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/training-booking/internal/resilience"
)

func TestBreakerPublishesTransitions(t *testing.T) {
	for _, c := range []interface{ Reset() }{resilience.BreakerState, resilience.BreakerTransitions, resilience.BreakerOpenedTotal} {
		c.Reset()
	}
	ctx := context.Background()
	state := func() float64 { return testutil.ToFloat64(resilience.BreakerState.WithLabelValues("omise")) }

	b := resilience.NewBreaker(1, 0.5, 20*time.Millisecond).WithTarget("omise")
	require.Zero(t, state())

	require.True(t, b.Allow(ctx))
	b.Report(ctx, false)
	require.Equal(t, float64(resilience.Open), state())

	require.Eventually(t, func() bool { return b.Allow(ctx) }, 200*time.Millisecond, 5*time.Millisecond)
	require.Equal(t, float64(resilience.HalfOpen), state())

	b.Report(ctx, true)
	require.Equal(t, float64(resilience.Closed), state())

	require.Equal(t, 1.0, testutil.ToFloat64(resilience.BreakerOpenedTotal.WithLabelValues("omise")))
	for _, step := range [][2]string{{"closed", "open"}, {"open", "half_open"}, {"half_open", "closed"}} {
		got := testutil.ToFloat64(resilience.BreakerTransitions.WithLabelValues("omise", step[0], step[1]))
		require.Equal(t, 1.0, got, "%s -> %s", step[0], step[1])
	}
}

func TestRegisterMetricsIsRepeatable(t *testing.T) {
	reg := prometheus.NewRegistry()
	require.NotPanics(t, func() {
		resilience.RegisterMetrics(reg)
		resilience.RegisterMetrics(reg)
	})
}
