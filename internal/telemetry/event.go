// Package telemetry carries kernel events to export sinks without ever
// blocking the dispatch path.
package telemetry

import (
	"errors"
	"fmt"
	"time"

	"github.com/coldbrook/crawlgate/internal/kernel"
)

// Kind denotes the type of milestone represented by an Event.
type Kind string

// Supported event kinds.
const (
	KindTaskOutcome   Kind = "TASK_OUTCOME"
	KindAdmissionDrop Kind = "ADMISSION_DROP"
	KindTierChange    Kind = "TIER_CHANGE"
	KindBreakerChange Kind = "BREAKER_CHANGE"
	KindMemoryPause   Kind = "MEMORY_PAUSE"
)

// Event captures a single governance or fetch milestone. Events are
// fire-and-forget: a full buffer drops them rather than stalling a worker.
type Event struct {
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time
	// Kind denotes which milestone occurred.
	Kind Kind
	// Domain scopes the event to a target host.
	Domain string
	// URL is the optional page URL; it should not contain credentials.
	URL string
	// Outcome is set for task outcomes.
	Outcome kernel.Outcome
	// Reject is set for admission drops.
	Reject kernel.RejectReason
	// Tier is the egress tier in effect.
	Tier kernel.ProxyTier
	// From/To carry breaker state transitions.
	From, To string
	// Paused carries the memory gate flip direction.
	Paused bool
	// Bytes is the response size for task outcomes.
	Bytes int64
	// Dur captures fetch latency.
	Dur time.Duration
	// Headless marks slow-path fetches.
	Headless bool
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Kind {
	case KindMemoryPause:
	case KindTaskOutcome, KindAdmissionDrop, KindTierChange, KindBreakerChange:
		if e.Domain == "" {
			return fmt.Errorf("%s requires domain", e.Kind)
		}
	default:
		return fmt.Errorf("unknown kind %q", e.Kind)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}
