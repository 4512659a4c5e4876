package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/Carmen-Shannon/oxy-flow/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
	assert.Equal(t, common.Vec3u{8, 1, 1}, cfg.Integration.WorkGroupSize)
	assert.Equal(t, common.Vec3u{20, 20, 20}, cfg.Integration.SeedSpawn)
	assert.Equal(t, uint32(100), cfg.Integration.BatchSize)
	assert.Equal(t, uint32(10000), cfg.Integration.IntegrationSteps)
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "oxy-flow.yaml")
	cfg := DefaultConfig()
	cfg.Loader.StagingBuffers = 4
	cfg.Integration.SeedSpawn = common.Vec3u{4, 4, 4}
	cfg.Device.Backend = "soft"

	require.NoError(t, SaveConfig(cfg, path))
	loaded, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}

func TestLoadConfigPartialOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "c.yaml")
	require.NoError(t, os.WriteFile(path, []byte("integration:\n  batch_size: 4\n  seed_spawn: [2, 3, 4]\n"), 0644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, uint32(4), cfg.Integration.BatchSize)
	assert.Equal(t, common.Vec3u{2, 3, 4}, cfg.Integration.SeedSpawn)
	assert.Equal(t, 2, cfg.Loader.StagingBuffers)
}

func TestLoadConfigRejectsInvalidValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "c.yaml")
	require.NoError(t, os.WriteFile(path, []byte("integration:\n  batch_size: 0\n"), 0644))

	_, err := LoadConfig(path)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestLoadConfigRejectsMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "c.yaml")
	require.NoError(t, os.WriteFile(path, []byte("loader: [unterminated"), 0644))

	_, err := LoadConfig(path)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	cfg.Device.Backend = "vulkan"
	assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)

	cfg = DefaultConfig()
	cfg.Integration.DeltaTime = -1
	assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
}

func TestDurations(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Benchmark.RepetitionDelay = 2.5
	assert.Equal(t, time.Millisecond, cfg.LoaderFenceTimeout())
	assert.Equal(t, 10*time.Millisecond, cfg.IntegrationFenceTimeout())
	assert.Equal(t, 2500*time.Microsecond, cfg.RepetitionDelay())
}
