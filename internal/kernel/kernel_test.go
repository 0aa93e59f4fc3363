package kernel

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// TestTierLadderClamps verifies Next and Prev never walk off either end of
// the ladder.
func TestTierLadderClamps(t *testing.T) {
	t.Parallel()

	require.Equal(t, TierDatacenter, TierDirect.Next())
	require.Equal(t, TierResidential, TierDatacenter.Next())
	require.Equal(t, TierResidential, TierResidential.Next())

	require.Equal(t, TierDatacenter, TierResidential.Prev())
	require.Equal(t, TierDirect, TierDatacenter.Prev())
	require.Equal(t, TierDirect, TierDirect.Prev())
}

// TestTierLabels verifies the labels used across logs and metrics.
func TestTierLabels(t *testing.T) {
	t.Parallel()

	require.Equal(t, "direct", TierDirect.String())
	require.Equal(t, "datacenter", TierDatacenter.String())
	require.Equal(t, "residential", TierResidential.String())
	require.Equal(t, "tier(7)", ProxyTier(7).String())
}

// TestOutcomeLabels verifies the outcome labels used across logs and metrics.
func TestOutcomeLabels(t *testing.T) {
	t.Parallel()

	require.Equal(t, "success", OutcomeSuccess.String())
	require.Equal(t, "soft_ban", OutcomeSoftBan.String())
	require.Equal(t, "hard_error", OutcomeHardError.String())
	require.Equal(t, "timeout", OutcomeTimeout.String())
}

// TestRejectionErrorRoundTrip verifies a Rejection survives error wrapping
// and exposes its reason through the helpers.
func TestRejectionErrorRoundTrip(t *testing.T) {
	t.Parallel()

	base := Deferred("shop.example", 750*time.Millisecond)
	wrapped := fmt.Errorf("admission: %w", base)

	rej, ok := AsRejection(wrapped)
	require.True(t, ok)
	require.Equal(t, RejectDeferred, rej.Reason)
	require.Equal(t, "shop.example", rej.Domain)
	require.Equal(t, 750*time.Millisecond, rej.RetryAfter)

	require.True(t, IsRejection(wrapped, RejectDeferred))
	require.False(t, IsRejection(wrapped, RejectCircuitOpen))
}

// TestRejectionHelpersOnPlainErrors verifies ordinary errors are never
// mistaken for rejections.
func TestRejectionHelpersOnPlainErrors(t *testing.T) {
	t.Parallel()

	err := errors.New("boom")
	_, ok := AsRejection(err)
	require.False(t, ok)
	require.False(t, IsRejection(err, RejectDeferred))
	require.False(t, IsRejection(nil, RejectDeferred))
}

// TestRejectionMessages verifies the deferred message carries the retry hint
// while other reasons stay terse.
func TestRejectionMessages(t *testing.T) {
	t.Parallel()

	require.Contains(t, Deferred("shop.example", time.Second).Error(), "retry after 1s")
	require.Contains(t, Rejected(RejectCircuitOpen, "shop.example").Error(), string(RejectCircuitOpen))
}
