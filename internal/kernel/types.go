// Package kernel defines core types shared across the fetch-governance subsystems.
package kernel

import (
	"fmt"
	"net/http"
	"time"
)

// ProxyTier is an escalating rung of egress infrastructure. Higher tiers cost
// more and are harder for a target to block.
type ProxyTier int

// Escalation ladder, cheapest first.
const (
	TierDirect ProxyTier = iota
	TierDatacenter
	TierResidential
)

// TerminalTier is the most expensive rung; there is nothing to escalate to
// beyond it.
const TerminalTier = TierResidential

// String returns the tier label used in logs and metrics.
func (t ProxyTier) String() string {
	switch t {
	case TierDirect:
		return "direct"
	case TierDatacenter:
		return "datacenter"
	case TierResidential:
		return "residential"
	default:
		return fmt.Sprintf("tier(%d)", int(t))
	}
}

// Next returns the next rung up the ladder, clamped at the terminal tier.
func (t ProxyTier) Next() ProxyTier {
	if t >= TerminalTier {
		return TerminalTier
	}
	return t + 1
}

// Prev returns the next rung down the ladder, clamped at direct egress.
func (t ProxyTier) Prev() ProxyTier {
	if t <= TierDirect {
		return TierDirect
	}
	return t - 1
}

// CrawlTask is a single fetch request submitted by the frontier. The URL is
// already normalized and acts as the deduplication key. Tasks are consumed
// exactly once and never mutated after creation.
type CrawlTask struct {
	ID       string  `json:"id"`
	URL      string  `json:"url"`
	Domain   string  `json:"domain"`
	Depth    int     `json:"depth"`
	Priority float64 `json:"priority"`
}

// Outcome classifies the result of a fetch attempt.
type Outcome int

// Attempt outcomes fed back into governance.
const (
	OutcomeSuccess Outcome = iota
	OutcomeSoftBan
	OutcomeHardError
	OutcomeTimeout
)

// String returns the outcome label used in logs and metrics.
func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeSoftBan:
		return "soft_ban"
	case OutcomeHardError:
		return "hard_error"
	case OutcomeTimeout:
		return "timeout"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// ErrorKind distinguishes transport-level failures. Network flakiness and
// target-side defenses are deliberately separate signals.
type ErrorKind string

// Hard error kinds.
const (
	ErrKindDNS         ErrorKind = "dns"
	ErrKindConnRefused ErrorKind = "conn_refused"
	ErrKindTLS         ErrorKind = "tls"
	ErrKindHTTPStatus  ErrorKind = "http_status"
	ErrKindOther       ErrorKind = "other"
)

// FetchResult is produced once per task attempt and is immutable afterwards.
// Success results flow downstream to extraction; every result feeds back into
// the domain's circuit breaker and proxy ladder.
type FetchResult struct {
	Task         CrawlTask
	Outcome      Outcome
	StatusCode   int
	Headers      http.Header
	Body         []byte
	BanSignature string
	ErrorKind    ErrorKind
	Elapsed      time.Duration
	Bytes        int64
	Tier         ProxyTier
	Identity     string
	UsedHeadless bool
}

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
}
