package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultValues(t *testing.T) {
	cfg := Default()
	require.True(t, cfg.QuotaEnforcementEnabled)
	require.Equal(t, 1000, cfg.MaxCapabilitiesPerAgent)
	require.Equal(t, 8, cfg.MaxDelegationDepth)
	require.Equal(t, int64(60), cfg.RateLimitRefillPeriodSeconds)
	require.NotNil(t, cfg.Roles)
}

func TestLoadMissingPathReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, Default(), cfg)
}

func TestLoadMergesOverDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "arbor.toml")
	contents := `
max_capabilities_per_agent = 5
quota_enforcement_enabled = false
replay_window_seconds = 30

[roles]
reader = ["arbor://fs/read/docs"]
`
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 5, cfg.MaxCapabilitiesPerAgent)
	require.False(t, cfg.QuotaEnforcementEnabled)
	require.Equal(t, 30*1_000_000_000, int(cfg.ReplayWindow))
	require.Equal(t, []string{"arbor://fs/read/docs"}, cfg.Roles["reader"])
	require.Equal(t, 1_000_000, cfg.MaxGlobalCapabilities)
}

func TestLoadUnknownPathReturnsError(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	require.Error(t, err)
}
