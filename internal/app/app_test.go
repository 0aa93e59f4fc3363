package app

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/coldbrook/crawlgate/internal/config"
)

// TestNewWiresKernelFromDefaults verifies the app assembles from default
// configuration. The slow path is disabled so construction does not depend on
// a Chrome binary being present.
func TestNewWiresKernelFromDefaults(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.SlowPath.Enabled = false

	a, err := New(cfg, zap.NewNop())
	require.NoError(t, err)
	require.NotNil(t, a.Tasks())
	require.NotNil(t, a.Results())
	require.Nil(t, a.renderer)
}

// TestNewRejectsBadBanPattern verifies construction fails fast on an invalid
// soft-ban title regex.
func TestNewRejectsBadBanPattern(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.SlowPath.Enabled = false
	cfg.SoftBan.TitlePattern = "(unclosed"

	_, err = New(cfg, zap.NewNop())
	require.Error(t, err)
}
