package src

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigOverlaysDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
interface: wlan1
band: "2.4"
tick_seconds: 2
engine:
  api_port: 9090
retention:
  max_targets: 50
`), 0o644))

	cfg, err := LoadConfig(path, dir)
	require.NoError(t, err)

	assert.Equal(t, "wlan1", cfg.Interface)
	assert.Equal(t, 2*time.Second, cfg.TickPeriod())
	assert.Equal(t, 9090, cfg.Engine.APIPort)
	assert.Equal(t, 50, cfg.Retention.MaxTargets)

	// Everything unset falls back to defaults.
	assert.Equal(t, "bettercap", cfg.Engine.Binary)
	assert.Equal(t, "hunter", cfg.Engine.APIUser)
	assert.Equal(t, 200, cfg.Retention.MaxHandshakes)
	assert.Equal(t, filepath.Join(dir, "captures"), cfg.CaptureDir)
	assert.Equal(t, filepath.Join(dir, "hunter.db"), cfg.DBPath)
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"), t.TempDir())
	assert.Error(t, err)
}

func TestLoadConfigRejectsMalformedYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("interface: [unterminated"), 0o644))

	_, err := LoadConfig(path, dir)
	assert.Error(t, err)
}

func TestChannelsForBand(t *testing.T) {
	cfg := DefaultConfig(t.TempDir())

	cfg.Band = "2.4"
	assert.Equal(t, "1,2,3,4,5,6,7,8,9,10,11,12,13", cfg.ChannelsForBand())

	cfg.Band = "5"
	assert.Contains(t, cfg.ChannelsForBand(), "36,40")
	assert.NotContains(t, cfg.ChannelsForBand(), "13,")

	cfg.Band = ""
	both := cfg.ChannelsForBand()
	assert.Contains(t, both, "1,2,3")
	assert.Contains(t, both, ",140")
}
