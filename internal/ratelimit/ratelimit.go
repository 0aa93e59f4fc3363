// Package ratelimit implements the per-domain token bucket behind admission.
//
// Buckets never block: acquisition either consumes a token or reports how
// long the caller should wait. Deferred tasks are handed back to the frontier
// and do not count as failures.
package ratelimit

import (
	"time"

	"golang.org/x/time/rate"
)

// Decision is the outcome of a token acquisition attempt.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
}

// Bucket is the token bucket for one domain. All methods take explicit
// timestamps so tests can drive a fake clock. The owning governor serializes
// access together with the breaker and ladder state.
type Bucket struct {
	lim   *rate.Limiter
	delay time.Duration
	burst int
}

// NewBucket builds a bucket refilling one token per delay with the given
// burst capacity.
func NewBucket(delay time.Duration, burst int) *Bucket {
	if delay <= 0 {
		delay = time.Second
	}
	if burst <= 0 {
		burst = 1
	}
	return &Bucket{
		lim:   rate.NewLimiter(rate.Every(delay), burst),
		delay: delay,
		burst: burst,
	}
}

// TryAcquire consumes a token if one is available at now. Otherwise it leaves
// the bucket untouched and reports when the next token arrives.
func (b *Bucket) TryAcquire(now time.Time) Decision {
	r := b.lim.ReserveN(now, 1)
	if !r.OK() {
		return Decision{RetryAfter: b.delay}
	}
	wait := r.DelayFrom(now)
	if wait > 0 {
		r.CancelAt(now)
		return Decision{RetryAfter: wait}
	}
	return Decision{Allowed: true}
}

// SetDelay re-derives the refill rate, typically once the domain's robots.txt
// crawl-delay is known. Tokens already accumulated are preserved by the
// underlying limiter.
func (b *Bucket) SetDelay(now time.Time, delay time.Duration) {
	if delay <= 0 || delay == b.delay {
		return
	}
	b.delay = delay
	b.lim.SetLimitAt(now, rate.Every(delay))
}

// Delay returns the current per-token refill interval.
func (b *Bucket) Delay() time.Duration {
	return b.delay
}
