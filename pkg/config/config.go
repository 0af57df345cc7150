// Package config provides configuration loading and management for wsiprep.
// It handles loading configuration from YAML files and provides default values.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"gopkg.in/yaml.v3"

	"wsiprep/internal/models"
	"wsiprep/pkg/stain"
)

// Config represents the application configuration loaded from YAML
type Config struct {
	// Paths locate the inputs and outputs of a run
	Paths struct {
		// TilesDir holds one subdirectory of tiles per WSI
		TilesDir string `yaml:"tilesDir"`

		// OutputDir receives preprocessingRes/ and the summary table
		OutputDir string `yaml:"outputDir"`

		// WSIListDir contains slidesToProcess.csv, if slides are selected that way
		WSIListDir string `yaml:"wsiListDir"`
	} `yaml:"paths"`

	// Filtering parameters
	Filtering struct {
		// LowerPerc is the percentile of the dark threshold
		LowerPerc int `yaml:"lowerPerc"`

		// UpperPerc is the percentile of the white threshold
		UpperPerc int `yaml:"upperPerc"`
	} `yaml:"filtering"`

	// Macenko holds the stain normalization parameters
	Macenko stain.Params `yaml:"macenko"`

	// Processing parameters
	Processing struct {
		// NumWorkers bounds concurrent tile decoding and normalization per slide
		NumWorkers int `yaml:"numWorkers"`

		// ConcurrentSlides bounds how many WSIs are processed at once
		ConcurrentSlides int `yaml:"concurrentSlides"`
	} `yaml:"processing"`

	// Tiling configures the external tile generator
	Tiling struct {
		// Enabled runs the tiling script before preprocessing
		Enabled bool `yaml:"enabled"`

		// Project is the QuPath .qpproj file
		Project string `yaml:"project"`

		// ShellScript wraps the QuPath command line
		ShellScript string `yaml:"shellScript"`

		// GroovyScript is the QuPath tiling script
		GroovyScript string `yaml:"groovyScript"`
	} `yaml:"tiling"`

	// Output parameters
	Output struct {
		// EmitNormalizedTiles also writes every normalized tile as an image file
		EmitNormalizedTiles bool `yaml:"emitNormalizedTiles"`

		// Verbose controls the level of logging output
		Verbose bool `yaml:"verbose"`
	} `yaml:"output"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Filtering.LowerPerc = 10
	cfg.Filtering.UpperPerc = 90

	cfg.Macenko = stain.DefaultParams()

	cfg.Processing.NumWorkers = runtime.NumCPU() // Use all available cores by default
	cfg.Processing.ConcurrentSlides = 1

	cfg.Tiling.ShellScript = "runQupath.sh"
	cfg.Tiling.GroovyScript = "generateTiles.groovy"

	cfg.Output.EmitNormalizedTiles = false
	cfg.Output.Verbose = false

	return cfg
}

// Validate checks every parameter range. Failures wrap models.ErrConfiguration.
func (c *Config) Validate() error {
	if err := models.ValidatePercentiles(c.Filtering.LowerPerc, c.Filtering.UpperPerc); err != nil {
		return err
	}
	if err := c.Macenko.Validate(); err != nil {
		return err
	}
	if c.Processing.NumWorkers < 1 {
		return models.Configf("numWorkers must be at least 1, got %d", c.Processing.NumWorkers)
	}
	if c.Processing.ConcurrentSlides < 1 {
		return models.Configf("concurrentSlides must be at least 1, got %d", c.Processing.ConcurrentSlides)
	}
	if c.Tiling.Enabled && c.Tiling.Project == "" {
		return models.Configf("tiling is enabled but no QuPath project is set")
	}
	if !c.Tiling.Enabled && c.Paths.TilesDir == "" {
		return models.Configf("tilesDir is required when tiling is disabled")
	}
	if !c.Tiling.Enabled && c.Paths.OutputDir == "" {
		return models.Configf("outputDir is required when tiling is disabled")
	}
	return nil
}

// LoadConfig loads configuration from a YAML file
// If the file doesn't exist, it returns the default configuration
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	// Check if config file exists
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}

	// Read config file
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	// Parse YAML
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return cfg, nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(cfg *Config, configPath string) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}

	return nil
}

// CreateDefaultConfigFile creates a default configuration file at the specified path
func CreateDefaultConfigFile(configPath string) error {
	cfg := DefaultConfig()
	return SaveConfig(cfg, configPath)
}
