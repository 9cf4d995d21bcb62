package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Note: t.Parallel() is intentionally omitted in this package.
// These tests share process-global environment variables; t.Setenv in
// TestLoad_EnvOverride would race with any concurrent reader.

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 8081, cfg.Server.Port)
	assert.Empty(t, cfg.Telemetry.OTLPEndpoint)
	assert.Equal(t, "dodal", cfg.Telemetry.ServiceName)
	assert.Equal(t, "i03", cfg.Beamline.Name)
	assert.Equal(t, 0.001, cfg.Beamline.ThresholdTolerance)
	assert.Equal(t, 120*time.Second, cfg.Beamline.Timeouts.AllFrames)
	assert.Equal(t, "EIGER2_X_16M", cfg.Beamline.Detector.Type)
	assert.Equal(t, "SET_FRAMES", cfg.Beamline.Detector.TriggerMode)
	assert.Len(t, cfg.Beamline.AperturePositions, 20)
	assert.Empty(t, cfg.Sinks.NATS.URL, "sinks are off unless configured")
	assert.Empty(t, cfg.Sinks.Redis.Host)
	assert.Empty(t, cfg.Sinks.Postgres.Host)
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("DODAL_SERVER_PORT", "9090")
	t.Setenv("DODAL_BEAMLINE_NAME", "i04")
	t.Setenv("DODAL_BEAMLINE_TIMEOUTS_ARMING", "5s")
	t.Setenv("DODAL_SINKS_NATS_URL", "nats://custom:4222")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "i04", cfg.Beamline.Name)
	assert.Equal(t, 5*time.Second, cfg.Beamline.Timeouts.Arming)
	assert.Equal(t, "nats://custom:4222", cfg.Sinks.NATS.URL)
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dodal.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
beamline:
  name: i24
  sim_delay: 1ms
  detector:
    type: EIGER2_X_9M
    use_roi_mode: true
  aperture_positions:
    miniap_x_LARGE_APERTURE: 3.5
sinks:
  redis:
    host: redis.local
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "i24", cfg.Beamline.Name)
	assert.Equal(t, time.Millisecond, cfg.Beamline.SimDelay)
	assert.Equal(t, "EIGER2_X_9M", cfg.Beamline.Detector.Type)
	assert.True(t, cfg.Beamline.Detector.UseROIMode)
	assert.Equal(t, 0.004, cfg.Beamline.Detector.ExposureTime, "unset keys keep their defaults")
	assert.Equal(t, "redis.local", cfg.Sinks.Redis.Host)
	assert.Equal(t, 6379, cfg.Sinks.Redis.Port)

	// Keys are case folded by viper; the aperture table lookup is case-insensitive.
	assert.Equal(t, 3.5, cfg.Beamline.AperturePositions["miniap_x_large_aperture"])
}

func TestLoad_InvalidFile(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	assert.Error(t, err)
}

func TestLoad_EnvIsolation(t *testing.T) {
	require.Empty(t, os.Getenv("DODAL_SERVER_PORT"))

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 8081, cfg.Server.Port)
}
