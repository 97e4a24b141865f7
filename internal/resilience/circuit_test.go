package resilience_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/nexus-finance-backend/internal/resilience"
)

func TestBreakerOpensAndRecovers(t *testing.T) {
	breaker := resilience.NewBreaker(2, 0.5, 50*time.Millisecond)
	ctx := context.Background()

	require.True(t, breaker.Allow(ctx))
	breaker.Report(ctx, false)
	require.Equal(t, resilience.Closed, breaker.State(), "one failure is below the request minimum")
	require.True(t, breaker.Allow(ctx))
	breaker.Report(ctx, false)

	require.Equal(t, resilience.Open, breaker.State())
	require.False(t, breaker.Allow(ctx))

	time.Sleep(60 * time.Millisecond)
	require.True(t, breaker.Allow(ctx))
	require.Equal(t, resilience.HalfOpen, breaker.State())
	breaker.Report(ctx, true)
	require.Equal(t, resilience.Closed, breaker.State())
	require.True(t, breaker.Allow(ctx))
}

func TestBreakerFailedProbeReopens(t *testing.T) {
	breaker := resilience.NewBreaker(1, 0.5, 20*time.Millisecond)
	ctx := context.Background()

	breaker.Report(ctx, false)
	require.Equal(t, resilience.Open, breaker.State())
	require.Eventually(t, func() bool { return breaker.Allow(ctx) }, 200*time.Millisecond, 5*time.Millisecond)
	breaker.Report(ctx, false)
	require.Equal(t, resilience.Open, breaker.State())
	require.False(t, breaker.Allow(ctx))
}

func TestBreakerAdmitsSingleProbe(t *testing.T) {
	breaker := resilience.NewBreaker(1, 0.5, 10*time.Millisecond)
	ctx := context.Background()
	breaker.Report(ctx, false)
	time.Sleep(20 * time.Millisecond)

	var admitted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if breaker.Allow(ctx) {
				admitted.Add(1)
			}
		}()
	}
	wg.Wait()
	require.EqualValues(t, 1, admitted.Load())
}

func TestBreakerSuccessesKeepItClosed(t *testing.T) {
	breaker := resilience.NewBreaker(4, 0.5, time.Minute)
	ctx := context.Background()
	for _, ok := range []bool{true, false, true, true, false, true} {
		require.True(t, breaker.Allow(ctx))
		breaker.Report(ctx, ok)
	}
	require.Equal(t, resilience.Closed, breaker.State())
}

func TestBreakerMetrics(t *testing.T) {
	resilience.BreakerState.Reset()
	resilience.BreakerTransitions.Reset()

	breaker := resilience.NewBreaker(1, 0.5, 20*time.Millisecond).WithTarget("mercadopago")
	ctx := context.Background()

	require.True(t, breaker.Allow(ctx))
	breaker.Report(ctx, false)
	require.Equal(t, 1.0, testutil.ToFloat64(resilience.BreakerState.WithLabelValues("mercadopago")))

	require.Eventually(t, func() bool { return breaker.Allow(ctx) }, 200*time.Millisecond, 5*time.Millisecond)
	require.Equal(t, 2.0, testutil.ToFloat64(resilience.BreakerState.WithLabelValues("mercadopago")))

	breaker.Report(ctx, true)
	require.Equal(t, 0.0, testutil.ToFloat64(resilience.BreakerState.WithLabelValues("mercadopago")))
	require.Equal(t, 1.0, testutil.ToFloat64(resilience.BreakerTransitions.WithLabelValues("mercadopago", "closed", "open")))
	require.Equal(t, 1.0, testutil.ToFloat64(resilience.BreakerTransitions.WithLabelValues("mercadopago", "open", "half_open")))
	require.Equal(t, 1.0, testutil.ToFloat64(resilience.BreakerTransitions.WithLabelValues("mercadopago", "half_open", "closed")))
}

func TestBackoff(t *testing.T) {
	base := 100 * time.Millisecond
	require.Equal(t, base, resilience.Backoff(base, 1, 0))
	require.Equal(t, base*4, resilience.Backoff(base, 3, 0))
	require.Equal(t, 10*time.Minute, resilience.Backoff(time.Second, 64, 0))

	d := resilience.Backoff(base, 2, 0.2)
	require.GreaterOrEqual(t, d, base*2-(base*2/5))
	require.LessOrEqual(t, d, base*2+(base*2/5))
}
