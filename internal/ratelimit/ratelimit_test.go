package ratelimit

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// TestBucketBurstThenDefer verifies the burst is honored and subsequent
// acquisitions are deferred with a retry hint instead of blocking.
func TestBucketBurstThenDefer(t *testing.T) {
	t.Parallel()

	b := NewBucket(time.Second, 1)
	now := time.Unix(1000, 0)

	dec := b.TryAcquire(now)
	require.True(t, dec.Allowed)

	dec = b.TryAcquire(now)
	require.False(t, dec.Allowed)
	require.Greater(t, dec.RetryAfter, time.Duration(0))
	require.LessOrEqual(t, dec.RetryAfter, time.Second)
}

// TestBucketDeferralDoesNotConsumeTokens verifies denied attempts leave the
// bucket untouched: a token becomes available exactly one delay later no
// matter how many denials happened in between.
func TestBucketDeferralDoesNotConsumeTokens(t *testing.T) {
	t.Parallel()

	b := NewBucket(time.Second, 1)
	now := time.Unix(1000, 0)
	require.True(t, b.TryAcquire(now).Allowed)

	for i := 0; i < 100; i++ {
		require.False(t, b.TryAcquire(now.Add(time.Duration(i)*time.Millisecond)).Allowed)
	}
	require.True(t, b.TryAcquire(now.Add(time.Second)).Allowed)
}

// TestBucketThroughputMatchesDelay simulates a hot domain: admissions over a
// window never exceed window/delay plus the initial burst.
func TestBucketThroughputMatchesDelay(t *testing.T) {
	t.Parallel()

	b := NewBucket(time.Second, 1)
	start := time.Unix(1000, 0)

	admitted := 0
	for i := 0; i < 1000; i++ { // 100 attempts/sec for 10s
		if b.TryAcquire(start.Add(time.Duration(i) * 10 * time.Millisecond)).Allowed {
			admitted++
		}
	}
	require.LessOrEqual(t, admitted, 11)
	require.GreaterOrEqual(t, admitted, 10)
}

// TestBucketSetDelaySlowsRefill verifies the robots crawl-delay override
// takes effect for subsequent tokens.
func TestBucketSetDelaySlowsRefill(t *testing.T) {
	t.Parallel()

	b := NewBucket(time.Second, 1)
	now := time.Unix(1000, 0)
	require.True(t, b.TryAcquire(now).Allowed)

	b.SetDelay(now, 5*time.Second)
	require.Equal(t, 5*time.Second, b.Delay())

	require.False(t, b.TryAcquire(now.Add(2*time.Second)).Allowed)
	require.True(t, b.TryAcquire(now.Add(5*time.Second)).Allowed)
}

// TestBucketDefaults verifies zero config falls back to sane values.
func TestBucketDefaults(t *testing.T) {
	t.Parallel()

	b := NewBucket(0, 0)
	require.Equal(t, time.Second, b.Delay())
	require.True(t, b.TryAcquire(time.Unix(1000, 0)).Allowed)
}

// TestBucketConcurrentAcquireNeverExceedsBurst verifies racing callers drain
// exactly the burst capacity and not a token more.
func TestBucketConcurrentAcquireNeverExceedsBurst(t *testing.T) {
	t.Parallel()

	b := NewBucket(time.Minute, 10)
	now := time.Unix(5000, 0)

	var admitted atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 4; j++ {
				if b.TryAcquire(now).Allowed {
					admitted.Add(1)
				}
			}
		}()
	}
	wg.Wait()

	require.EqualValues(t, 10, admitted.Load())
}
