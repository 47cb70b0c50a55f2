package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func loadFrom(t *testing.T, dir string) *Config {
	t.Helper()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(wd) })

	cfg, err := Load()
	require.NoError(t, err)
	return cfg
}

func TestLoadDefaults(t *testing.T) {
	cfg := loadFrom(t, t.TempDir())

	assert.Equal(t, 2023, cfg.Census.Year)
	assert.Equal(t, "acs/acs5", cfg.Census.Dataset)
	assert.Equal(t, "tigerweb", cfg.Census.BoundarySource)
	assert.NotEmpty(t, cfg.Census.ShapefileDir)
	assert.Equal(t, "hybrid", cfg.Cache.Strategy)
	assert.Equal(t, 60, cfg.HTTP.RateLimitRPM)
	assert.Equal(t, 3, cfg.HTTP.MaxRetries)
	assert.Equal(t, "sqlite", cfg.Repository.Type)
	assert.Equal(t, 10.0, cfg.Isochrone.MaxClusterRadiusKm)
	assert.Equal(t, 50.0, cfg.Isochrone.FallbackSpeedKmh)
	assert.Equal(t, 5000, cfg.Distance.ChunkSize)
	assert.Equal(t, "output", cfg.Output.Dir)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	yaml := `
census:
  year: 2021
  dataset: acs/acs1
http:
  rate_limit_rpm: 120
repository:
  type: memory
log:
  level: debug
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "socialmapper.yaml"), []byte(yaml), 0o644))

	cfg := loadFrom(t, dir)
	assert.Equal(t, 2021, cfg.Census.Year)
	assert.Equal(t, "acs/acs1", cfg.Census.Dataset)
	assert.Equal(t, 120, cfg.HTTP.RateLimitRPM)
	assert.Equal(t, "memory", cfg.Repository.Type)
	assert.Equal(t, "debug", cfg.Log.Level)

	// Unset keys keep their defaults.
	assert.Equal(t, "hybrid", cfg.Cache.Strategy)
}

func TestCensusAPIKeyFromEnv(t *testing.T) {
	t.Setenv("CENSUS_API_KEY", "test-key-123")
	cfg := loadFrom(t, t.TempDir())
	assert.Equal(t, "test-key-123", cfg.Census.APIKey)
}

func TestEnvOverridesFile(t *testing.T) {
	t.Setenv("SOCIALMAPPER_LOG_LEVEL", "warn")
	cfg := loadFrom(t, t.TempDir())
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestInitLogger(t *testing.T) {
	assert.NoError(t, InitLogger(LogConfig{Level: "debug", Format: "console"}))
	assert.NoError(t, InitLogger(LogConfig{Level: "info", Format: "json"}))
	assert.Error(t, InitLogger(LogConfig{Level: "shout", Format: "json"}))
}
