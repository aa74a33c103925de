// Package config provides configuration loading and management for the
// pipeline. It handles loading configuration from YAML files and
// provides default values matching the HCP ageing ASL acquisition.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"gopkg.in/yaml.v3"
)

// Config represents the pipeline configuration loaded from YAML.
type Config struct {
	// Processing parameters
	Processing struct {
		// Cores specifies how many workers to use for per-timepoint
		// resampling. 0 means all available processing units.
		Cores int `yaml:"cores"`

		// InterpolationOrder is the spline degree used when applying
		// transform chains, from 0 (nearest) to 5 (quintic).
		InterpolationOrder int `yaml:"interpolationOrder"`

		// ForceRefresh recomputes stage outputs even when they already
		// exist on disk. Default is to skip existing outputs.
		ForceRefresh bool `yaml:"forceRefresh"`
	} `yaml:"processing"`

	// Banding correction parameters. The banding corrections are one
	// pipeline-wide switch, not per-stage decisions.
	Banding struct {
		// Enabled applies the slicewise MT scaling factors.
		Enabled bool `yaml:"enabled"`

		// ScalingFactors is the path to the empirically estimated
		// per-slice scaling factor vector (plaintext column or .npy).
		ScalingFactors string `yaml:"scalingFactors"`
	} `yaml:"banding"`

	// Acquisition timing parameters.
	Acquisition struct {
		// TIs are the inversion times of the acquisition in seconds.
		TIs []float64 `yaml:"tis"`

		// Repeats is the number of repeated volumes at each TI.
		Repeats []int `yaml:"repeats"`

		// BolusDuration is the labelling bolus duration in seconds.
		BolusDuration float64 `yaml:"bolusDuration"`

		// SliceDT is the per-slice acquisition time in seconds.
		SliceDT float64 `yaml:"sliceDT"`

		// SliceBand is the number of slices per band in the multiband
		// acquisition.
		SliceBand int `yaml:"sliceBand"`
	} `yaml:"acquisition"`

	// Fit parameters for the staged perfusion estimation.
	Fit struct {
		// Estimator is the external estimation executable.
		Estimator string `yaml:"estimator"`

		// MaxIterations bounds each stage's variational updates.
		MaxIterations int `yaml:"maxIterations"`
	} `yaml:"fit"`

	// Output parameters
	Output struct {
		// Dir is the name of the results directory created under each
		// subject directory.
		Dir string `yaml:"dir"`

		// Verbose controls the level of logging output.
		Verbose bool `yaml:"verbose"`
	} `yaml:"output"`
}

// DefaultConfig returns a configuration with default values.
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Processing.Cores = runtime.NumCPU()
	cfg.Processing.InterpolationOrder = 3
	cfg.Processing.ForceRefresh = false

	cfg.Banding.Enabled = true

	cfg.Acquisition.TIs = []float64{1.7, 2.2, 2.7, 3.2, 3.7}
	cfg.Acquisition.Repeats = []int{6, 6, 6, 10, 15}
	cfg.Acquisition.BolusDuration = 1.5
	cfg.Acquisition.SliceDT = 0.059
	cfg.Acquisition.SliceBand = 10

	cfg.Fit.Estimator = "fabber_asl"
	cfg.Fit.MaxIterations = 20

	cfg.Output.Dir = "hcp_asl"
	cfg.Output.Verbose = true

	return cfg
}

// LoadConfig loads configuration from a YAML file.
// If the file doesn't exist, it returns the default configuration.
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return cfg, nil
}

// SaveConfig saves the configuration to a YAML file.
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
