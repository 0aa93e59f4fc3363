package kernel

import (
	"errors"
	"fmt"
	"time"
)

// RejectReason tags an admission-time rejection. A rejected task was never
// dispatched, so rejections are not counted as domain failures.
type RejectReason string

// Admission rejection reasons returned to the frontier.
const (
	RejectDeferred         RejectReason = "deferred"
	RejectGloballyPaused   RejectReason = "globally_paused"
	RejectCircuitOpen      RejectReason = "circuit_open"
	RejectDomainExhausted  RejectReason = "domain_exhausted"
	RejectRobotsDisallowed RejectReason = "robots_disallowed"
)

// Rejection reports that a task could not be admitted. RetryAfter is only set
// for RejectDeferred and tells the caller when a token will be available.
type Rejection struct {
	Reason     RejectReason
	Domain     string
	RetryAfter time.Duration
}

// Error implements the error interface.
func (r *Rejection) Error() string {
	if r.Reason == RejectDeferred {
		return fmt.Sprintf("task rejected (%s, domain %s, retry after %s)", r.Reason, r.Domain, r.RetryAfter)
	}
	return fmt.Sprintf("task rejected (%s, domain %s)", r.Reason, r.Domain)
}

// Deferred builds a RejectDeferred rejection with the given retry hint.
func Deferred(domain string, retryAfter time.Duration) *Rejection {
	return &Rejection{Reason: RejectDeferred, Domain: domain, RetryAfter: retryAfter}
}

// Rejected builds a rejection with no retry hint.
func Rejected(reason RejectReason, domain string) *Rejection {
	return &Rejection{Reason: reason, Domain: domain}
}

// AsRejection extracts a Rejection from an error chain, if present.
func AsRejection(err error) (*Rejection, bool) {
	var rej *Rejection
	if errors.As(err, &rej) {
		return rej, true
	}
	return nil, false
}

// IsRejection reports whether err carries the given admission reason.
func IsRejection(err error, reason RejectReason) bool {
	rej, ok := AsRejection(err)
	return ok && rej.Reason == reason
}
