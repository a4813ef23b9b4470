// Package config provides configuration loading and management for mriproc.
// It handles loading configuration from YAML files and provides default values.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration loaded from YAML
type Config struct {
	// Runtime parameters for the native algorithms library
	Runtime struct {
		// InitialHeap is the initial memory reservation, e.g. "12000m"
		InitialHeap string `yaml:"initialHeap"`

		// MaxHeap is the memory ceiling for the native runtime
		MaxHeap string `yaml:"maxHeap"`

		// LibraryPath optionally overrides the precompiled library location
		LibraryPath string `yaml:"libraryPath"`
	} `yaml:"runtime"`

	// Paths to auxiliary data directories
	Paths struct {
		// TopologyLUTDir holds the topology look-up tables used by
		// topology-correcting algorithms
		TopologyLUTDir string `yaml:"topologyLUTDir"`

		// AtlasDir holds the parcellation atlas prior volumes
		AtlasDir string `yaml:"atlasDir"`
	} `yaml:"paths"`

	// Denoising parameters
	Denoising struct {
		// NgbSize is the local PCA neighborhood size
		NgbSize int `yaml:"ngbSize"`

		// StdevCutoff is the noise-level factor for removing PCA components
		StdevCutoff float64 `yaml:"stdevCutoff"`

		// MinDimension is the minimum number of kept PCA components
		MinDimension int `yaml:"minDimension"`

		// MaxDimension is the maximum number of kept PCA components (-1 for all)
		MaxDimension int `yaml:"maxDimension"`
	} `yaml:"denoising"`

	// Parcellation parameters
	Parcellation struct {
		// MaxIterations bounds the message-passing iterations
		MaxIterations int `yaml:"maxIterations"`

		// MaxDifference is the convergence threshold
		MaxDifference float64 `yaml:"maxDifference"`
	} `yaml:"parcellation"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	// Set default runtime parameters
	cfg.Runtime.InitialHeap = "12000m"
	cfg.Runtime.MaxHeap = "12000m"

	// Set default denoising parameters
	cfg.Denoising.NgbSize = 4
	cfg.Denoising.StdevCutoff = 1.05
	cfg.Denoising.MinDimension = 0
	cfg.Denoising.MaxDimension = -1

	// Set default parcellation parameters
	cfg.Parcellation.MaxIterations = 120
	cfg.Parcellation.MaxDifference = 0.1

	return cfg
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
	// Create directory if it doesn't exist
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	// Marshal config to YAML
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}

	// Write to file
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
