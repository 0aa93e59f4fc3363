// Package proxy manages the per-domain egress escalation ladder and the
// rotation of endpoints within each tier.
package proxy

import (
	"time"

	"github.com/coldbrook/crawlgate/internal/kernel"
)

// Config tunes the escalation ladder.
type Config struct {
	// EscalateAfter is the number of ban signals at the current tier,
	// within FailureWindow, that trigger escalation.
	EscalateAfter int
	// DeescalateAfter is the number of consecutive successes at a tier
	// before a one-rung de-escalation is allowed.
	DeescalateAfter int
	// ExhaustAfter is the number of consecutive ban signals at the
	// terminal tier before the domain is declared exhausted.
	ExhaustAfter int
	// FailureWindow bounds the rolling ban-signal window and doubles as
	// the exhaustion cooldown.
	FailureWindow time.Duration
}

func (c Config) withDefaults() Config {
	if c.EscalateAfter <= 0 {
		c.EscalateAfter = 5
	}
	if c.DeescalateAfter <= 0 {
		c.DeescalateAfter = 10
	}
	if c.ExhaustAfter <= 0 {
		c.ExhaustAfter = 3
	}
	if c.FailureWindow <= 0 {
		c.FailureWindow = 10 * time.Minute
	}
	return c
}

// Ladder is the escalation state for one domain. It is NOT safe for
// concurrent use; the owning governor serializes all calls.
//
// Escalation is monotonic within a ban window. De-escalation requires a run
// of successes and moves one rung at a time, floored one rung below the tier
// that most recently succeeded right after an escalation, so a domain that
// proved to need a tier cannot flap all the way back down.
type Ladder struct {
	cfg Config

	tier     kernel.ProxyTier
	floor    kernel.ProxyTier
	banTimes []time.Time

	successes    int
	escalatedAt  time.Time
	sinceEscal   bool // next success at this tier is a post-escalation success
	terminalBans int

	exhausted   bool
	exhaustedAt time.Time
}

// NewLadder starts a domain at direct egress.
func NewLadder(cfg Config) *Ladder {
	return &Ladder{cfg: cfg.withDefaults()}
}

// Tier returns the current egress tier.
func (l *Ladder) Tier() kernel.ProxyTier {
	return l.tier
}

// Exhausted reports whether the terminal tier has kept failing. The flag
// clears after FailureWindow has elapsed, giving the domain another chance.
func (l *Ladder) Exhausted(now time.Time) bool {
	if l.exhausted && now.Sub(l.exhaustedAt) >= l.cfg.FailureWindow {
		l.exhausted = false
		l.terminalBans = 0
	}
	return l.exhausted
}

// ReportBan records a soft-ban signal at the current tier. It returns the
// tier to use next and whether the domain is now exhausted.
func (l *Ladder) ReportBan(now time.Time) (kernel.ProxyTier, bool) {
	l.successes = 0

	if l.tier == kernel.TerminalTier {
		l.terminalBans++
		if l.terminalBans >= l.cfg.ExhaustAfter {
			l.exhausted = true
			l.exhaustedAt = now
		}
		return l.tier, l.exhausted
	}

	l.banTimes = append(l.pruned(now), now)
	if len(l.banTimes) >= l.cfg.EscalateAfter {
		l.escalate(now)
	}
	return l.tier, false
}

// ReportSuccess records a successful fetch at the current tier. It returns
// the (possibly de-escalated) tier to use next.
func (l *Ladder) ReportSuccess(now time.Time) kernel.ProxyTier {
	l.terminalBans = 0
	l.exhausted = false

	if l.sinceEscal {
		// The escalated tier works; remember we must not drop more than
		// one rung below it again.
		l.floor = l.tier.Prev()
		l.sinceEscal = false
	}

	l.successes++
	if l.successes >= l.cfg.DeescalateAfter && l.tier > l.floor {
		l.tier = l.tier.Prev()
		l.successes = 0
		l.banTimes = nil
	}
	return l.tier
}

// ReportHardError records a transport failure. Network flakiness is not a ban
// signal, so the ladder only resets the success run.
func (l *Ladder) ReportHardError(time.Time) {
	l.successes = 0
}

func (l *Ladder) escalate(now time.Time) {
	l.tier = l.tier.Next()
	l.banTimes = nil
	l.successes = 0
	l.escalatedAt = now
	l.sinceEscal = true
}

func (l *Ladder) pruned(now time.Time) []time.Time {
	cutoff := now.Add(-l.cfg.FailureWindow)
	kept := l.banTimes[:0]
	for _, t := range l.banTimes {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	return kept
}
