package sinks

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/coldbrook/crawlgate/internal/kernel"
	"github.com/coldbrook/crawlgate/internal/telemetry"
)

// TestPrometheusSinkCountsOutcomes verifies task outcomes land in the right
// counter series, split by fast and slow path.
func TestPrometheusSinkCountsOutcomes(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	sink, err := NewPrometheusSink(reg)
	require.NoError(t, err)

	batch := []telemetry.Event{
		{TS: time.Now(), Kind: telemetry.KindTaskOutcome, Domain: "shop.example",
			Outcome: kernel.OutcomeSuccess, Bytes: 2048, Dur: 300 * time.Millisecond},
		{TS: time.Now(), Kind: telemetry.KindTaskOutcome, Domain: "shop.example",
			Outcome: kernel.OutcomeSuccess, Bytes: 4096, Dur: 2 * time.Second, Headless: true},
		{TS: time.Now(), Kind: telemetry.KindTaskOutcome, Domain: "shop.example",
			Outcome: kernel.OutcomeSoftBan},
	}
	require.NoError(t, sink.Consume(context.Background(), batch))

	fast := sink.taskOutcomes.WithLabelValues("shop.example", kernel.OutcomeSuccess.String(), "fast")
	require.Equal(t, float64(1), testutil.ToFloat64(fast))
	slow := sink.taskOutcomes.WithLabelValues("shop.example", kernel.OutcomeSuccess.String(), "slow")
	require.Equal(t, float64(1), testutil.ToFloat64(slow))
	banned := sink.taskOutcomes.WithLabelValues("shop.example", kernel.OutcomeSoftBan.String(), "fast")
	require.Equal(t, float64(1), testutil.ToFloat64(banned))

	bytes := sink.fetchBytes.WithLabelValues("shop.example")
	require.Equal(t, float64(6144), testutil.ToFloat64(bytes))
}

// TestPrometheusSinkTracksGovernanceSignals verifies drops, tier moves,
// breaker transitions, and the memory gate reach their collectors.
func TestPrometheusSinkTracksGovernanceSignals(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	sink, err := NewPrometheusSink(reg)
	require.NoError(t, err)

	batch := []telemetry.Event{
		{TS: time.Now(), Kind: telemetry.KindAdmissionDrop, Domain: "shop.example",
			Reject: kernel.RejectDeferred},
		{TS: time.Now(), Kind: telemetry.KindAdmissionDrop, Domain: "shop.example",
			Reject: kernel.RejectDeferred},
		{TS: time.Now(), Kind: telemetry.KindTierChange, Domain: "shop.example",
			Tier: kernel.TierResidential},
		{TS: time.Now(), Kind: telemetry.KindBreakerChange, Domain: "shop.example",
			To: "open"},
		{TS: time.Now(), Kind: telemetry.KindMemoryPause, Paused: true},
	}
	require.NoError(t, sink.Consume(context.Background(), batch))

	drops := sink.admissionDrops.WithLabelValues("shop.example", string(kernel.RejectDeferred))
	require.Equal(t, float64(2), testutil.ToFloat64(drops))
	tier := sink.domainTier.WithLabelValues("shop.example")
	require.Equal(t, float64(kernel.TierResidential), testutil.ToFloat64(tier))
	opens := sink.breakerChanges.WithLabelValues("shop.example", "open")
	require.Equal(t, float64(1), testutil.ToFloat64(opens))
	require.Equal(t, float64(1), testutil.ToFloat64(sink.memoryPaused))
	require.Equal(t, float64(1), testutil.ToFloat64(sink.memoryFlips))

	// Resume flips the gauge back and counts another flip.
	require.NoError(t, sink.Consume(context.Background(), []telemetry.Event{
		{TS: time.Now(), Kind: telemetry.KindMemoryPause, Paused: false},
	}))
	require.Equal(t, float64(0), testutil.ToFloat64(sink.memoryPaused))
	require.Equal(t, float64(2), testutil.ToFloat64(sink.memoryFlips))
}

// TestPrometheusSinkRejectsDoubleRegistration verifies collector registration
// conflicts surface as errors instead of panics.
func TestPrometheusSinkRejectsDoubleRegistration(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	_, err := NewPrometheusSink(reg)
	require.NoError(t, err)
	_, err = NewPrometheusSink(reg)
	require.Error(t, err)
}
