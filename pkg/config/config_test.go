package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wsiprep/internal/models"
)

func validConfig() *Config {
	cfg := DefaultConfig()
	cfg.Paths.TilesDir = "/data/tiles"
	cfg.Paths.OutputDir = "/data/results"
	return cfg
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 10, cfg.Filtering.LowerPerc)
	assert.Equal(t, 90, cfg.Filtering.UpperPerc)
	assert.Equal(t, 240.0, cfg.Macenko.Io)
	assert.Equal(t, 1.0, cfg.Macenko.Alpha)
	assert.Equal(t, 0.15, cfg.Macenko.Beta)
	assert.GreaterOrEqual(t, cfg.Processing.NumWorkers, 1)
	assert.NoError(t, validConfig().Validate())
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().Filtering, cfg.Filtering)
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wsiprep.yaml")
	yaml := `
paths:
  tilesDir: /scratch/tiles
filtering:
  lowerPerc: 5
macenko:
  beta: 0.2
output:
  emitNormalizedTiles: true
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "/scratch/tiles", cfg.Paths.TilesDir)
	assert.Equal(t, 5, cfg.Filtering.LowerPerc)
	assert.Equal(t, 90, cfg.Filtering.UpperPerc, "unset keys keep their default")
	assert.Equal(t, 0.2, cfg.Macenko.Beta)
	assert.Equal(t, 240.0, cfg.Macenko.Io)
	assert.True(t, cfg.Output.EmitNormalizedTiles)
}

func TestLoadMalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("filtering: [unclosed"), 0644))

	_, err := LoadConfig(path)
	assert.Error(t, err)
}

func TestSaveAndReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "cfg.yaml")
	cfg := validConfig()
	cfg.Filtering.UpperPerc = 95
	cfg.Processing.ConcurrentSlides = 3

	require.NoError(t, SaveConfig(cfg, path))
	loaded, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)

	require.NoError(t, CreateDefaultConfigFile(path))
	loaded, err = LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), loaded)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"lower above upper", func(c *Config) { c.Filtering.LowerPerc, c.Filtering.UpperPerc = 80, 20 }},
		{"upper above 100", func(c *Config) { c.Filtering.UpperPerc = 120 }},
		{"negative lower", func(c *Config) { c.Filtering.LowerPerc = -5 }},
		{"zero Io", func(c *Config) { c.Macenko.Io = 0 }},
		{"no workers", func(c *Config) { c.Processing.NumWorkers = 0 }},
		{"no slides at once", func(c *Config) { c.Processing.ConcurrentSlides = 0 }},
		{"tiling without project", func(c *Config) { c.Tiling.Enabled = true }},
		{"no tiles dir", func(c *Config) { c.Paths.TilesDir = "" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			assert.ErrorIs(t, cfg.Validate(), models.ErrConfiguration)
		})
	}
}
