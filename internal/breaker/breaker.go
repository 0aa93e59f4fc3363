// Package breaker implements the per-domain circuit breaker state machine.
//
// The breaker is deliberately free of clocks, locks, and goroutines: every
// method takes the current time as an argument and callers (the domain
// governor) serialize access. That keeps the transition logic unit-testable
// with a fake clock and keeps check-then-act sequences atomic at the caller.
package breaker

import (
	"time"
)

// State is the dispatch gate for a domain.
type State int

// Breaker states.
const (
	Closed State = iota
	Open
	HalfOpen
)

// String returns the state label used in logs and metrics.
func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Config tunes a Breaker.
type Config struct {
	// WindowSize is the number of trailing attempts considered.
	WindowSize int
	// FailureThreshold is the failure rate over the window that opens the
	// breaker.
	FailureThreshold float64
	// Cooldown is the base wait before a half-open probe is allowed.
	Cooldown time.Duration
	// BackoffFactor multiplies the cooldown on every consecutive reopen.
	BackoffFactor float64
	// MaxCooldown caps the backed-off cooldown.
	MaxCooldown time.Duration
}

func (c Config) withDefaults() Config {
	if c.WindowSize <= 0 {
		c.WindowSize = 20
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 0.5
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 30 * time.Second
	}
	if c.BackoffFactor < 1 {
		c.BackoffFactor = 2
	}
	if c.MaxCooldown <= 0 {
		c.MaxCooldown = 10 * time.Minute
	}
	return c
}

// Breaker tracks failures for one domain. It is NOT safe for concurrent use;
// the owning governor serializes all calls.
type Breaker struct {
	cfg Config

	state      State
	window     []bool // ring buffer of trailing outcomes, true = failure
	head       int
	count      int
	failures   int
	openedAt   time.Time
	cooldown   time.Duration
	reopenings int
	probing    bool
}

// New builds a Closed breaker.
func New(cfg Config) *Breaker {
	cfg = cfg.withDefaults()
	return &Breaker{
		cfg:      cfg,
		window:   make([]bool, cfg.WindowSize),
		cooldown: cfg.Cooldown,
	}
}

// State reports the breaker state as of now, advancing Open to HalfOpen once
// the cooldown has elapsed.
func (b *Breaker) State(now time.Time) State {
	if b.state == Open && !now.Before(b.openedAt.Add(b.cooldown)) {
		b.state = HalfOpen
		b.probing = false
	}
	return b.state
}

// Admit reports whether a task may be dispatched now. While HalfOpen only a
// single probe is admitted; everyone else is rejected until the probe reports.
func (b *Breaker) Admit(now time.Time) bool {
	switch b.State(now) {
	case Closed:
		return true
	case HalfOpen:
		if b.probing {
			return false
		}
		b.probing = true
		return true
	default:
		return false
	}
}

// CancelProbe releases the half-open probe slot. The governor calls it when a
// probe admitted by Admit gets rejected downstream and will never report.
func (b *Breaker) CancelProbe() {
	if b.state == HalfOpen {
		b.probing = false
	}
}

// Report feeds an attempt outcome back into the breaker.
func (b *Breaker) Report(now time.Time, success bool) {
	switch b.State(now) {
	case HalfOpen:
		if !b.probing {
			// Late report from a task admitted before the trip; only
			// the probe's own outcome may resolve HalfOpen.
			return
		}
		b.probing = false
		if success {
			b.close()
			return
		}
		b.reopenings++
		b.open(now)
	case Closed:
		b.push(!success)
		if b.tripping() {
			b.reopenings = 0
			b.open(now)
		}
	case Open:
		// Late report from a task admitted before the trip; it already
		// counted toward the window.
	}
}

// Cooldown returns the current (possibly backed-off) cooldown.
func (b *Breaker) Cooldown() time.Duration {
	return b.cooldown
}

// RetryAt returns when a half-open probe becomes possible. Zero time when the
// breaker is not Open.
func (b *Breaker) RetryAt() time.Time {
	if b.state != Open {
		return time.Time{}
	}
	return b.openedAt.Add(b.cooldown)
}

func (b *Breaker) open(now time.Time) {
	b.state = Open
	b.openedAt = now
	cd := b.cfg.Cooldown
	for i := 0; i < b.reopenings; i++ {
		cd = time.Duration(float64(cd) * b.cfg.BackoffFactor)
		if cd >= b.cfg.MaxCooldown {
			cd = b.cfg.MaxCooldown
			break
		}
	}
	b.cooldown = cd
}

func (b *Breaker) close() {
	b.state = Closed
	b.reopenings = 0
	b.cooldown = b.cfg.Cooldown
	b.resetWindow()
}

func (b *Breaker) push(failure bool) {
	if b.count == len(b.window) {
		if b.window[b.head] {
			b.failures--
		}
	} else {
		b.count++
	}
	b.window[b.head] = failure
	if failure {
		b.failures++
	}
	b.head = (b.head + 1) % len(b.window)
}

func (b *Breaker) tripping() bool {
	minSamples := len(b.window) / 4
	if minSamples < 1 {
		minSamples = 1
	}
	if b.count < minSamples {
		return false
	}
	return float64(b.failures)/float64(b.count) >= b.cfg.FailureThreshold
}

func (b *Breaker) resetWindow() {
	for i := range b.window {
		b.window[i] = false
	}
	b.head = 0
	b.count = 0
	b.failures = 0
}
