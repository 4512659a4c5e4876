// Package config provides loading and saving of the oxy-flow YAML configuration.
// A missing configuration file is not an error: the defaults are used instead.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/Carmen-Shannon/oxy-flow/common"
	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig is returned by Validate when a value is outside its documented range.
var ErrInvalidConfig = errors.New("invalid configuration")

// Config represents the application configuration loaded from YAML.
type Config struct {
	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level"`

	// Loader controls the background dataset streaming.
	Loader struct {
		// StagingBuffers is the number of slices allowed in flight at once.
		StagingBuffers int `yaml:"staging_buffers"`

		// FenceTimeoutMs is the poll interval of transfer fence waits.
		FenceTimeoutMs int `yaml:"fence_timeout_ms"`

		// FenceRetryLimit caps consecutive fence poll timeouts before the load is failed.
		FenceRetryLimit int `yaml:"fence_retry_limit"`

		// LogDir is where per-load timing CSVs are written. Empty disables the CSV.
		LogDir string `yaml:"log_dir"`
	} `yaml:"loader"`

	// Integration holds the particle tracer parameters.
	Integration struct {
		WorkGroupSize         common.Vec3u `yaml:"work_group_size"`
		SeedSpawn             common.Vec3u `yaml:"seed_spawn"`
		DeltaTime             float32      `yaml:"delta_time"`
		IntegrationSteps      uint32       `yaml:"integration_steps"`
		BatchSize             uint32       `yaml:"batch_size"`
		ExplicitInterpolation bool         `yaml:"explicit_interpolation"`
		AnalyticDataset       bool         `yaml:"analytic_dataset"`
		AnalyticDimensions    common.Vec4u `yaml:"analytic_dimensions"`
		FenceTimeoutMs        int          `yaml:"fence_timeout_ms"`
		LogDir                string       `yaml:"log_dir"`
	} `yaml:"integration"`

	// Benchmark drives unattended repeated runs.
	Benchmark struct {
		Dataset         string  `yaml:"dataset"`
		RepetitionCount int     `yaml:"repetition_count"`
		RepetitionDelay float64 `yaml:"repetition_delay"`
		ExportBase      string  `yaml:"export_base"`
	} `yaml:"benchmark"`

	// Render holds the line appearance.
	Render struct {
		LineWidth      float32     `yaml:"line_width"`
		LineColor      common.Vec4 `yaml:"line_color"`
		Colormap       string      `yaml:"colormap"`
		InvertColormap bool        `yaml:"invert_colormap"`
	} `yaml:"render"`

	// Device selects the GPU backend.
	Device struct {
		// Backend is "wgpu" or "soft".
		Backend              string `yaml:"backend"`
		ForceFallbackAdapter bool   `yaml:"force_fallback_adapter"`
		SoftWorkers          int    `yaml:"soft_workers"`
	} `yaml:"device"`
}

// DefaultConfig returns a configuration with default values.
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.LogLevel = "info"

	cfg.Loader.StagingBuffers = 2
	cfg.Loader.FenceTimeoutMs = 1
	cfg.Loader.FenceRetryLimit = 600000
	cfg.Loader.LogDir = "."

	cfg.Integration.WorkGroupSize = common.Vec3u{8, 1, 1}
	cfg.Integration.SeedSpawn = common.Vec3u{20, 20, 20}
	cfg.Integration.DeltaTime = 0.0001
	cfg.Integration.IntegrationSteps = 10000
	cfg.Integration.BatchSize = 100
	cfg.Integration.AnalyticDimensions = common.Vec4u{128, 128, 128, 100}
	cfg.Integration.FenceTimeoutMs = 10
	cfg.Integration.LogDir = "."

	cfg.Benchmark.RepetitionCount = 1

	cfg.Render.LineWidth = 1
	cfg.Render.LineColor = common.Vec4{1, 1, 1, 1}
	cfg.Render.Colormap = "viridis"

	cfg.Device.Backend = "wgpu"
	cfg.Device.SoftWorkers = max(runtime.NumCPU()-1, 1)

	return cfg
}

// LoadConfig loads configuration from a YAML file.
// If the file doesn't exist, it returns the default configuration.
//
// Parameters:
//   - configPath: path of the YAML file
//
// Returns:
//   - *Config: the loaded configuration layered over the defaults
//   - error: error if the file exists but cannot be read, parsed or validated
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(configPath)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// SaveConfig saves the configuration to a YAML file, creating the directory if needed.
//
// Parameters:
//   - cfg: the configuration to write
//   - configPath: destination path
//
// Returns:
//   - error: error if the directory or file cannot be written
func SaveConfig(cfg *Config, configPath string) error {
	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
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

// Validate checks that every value is inside the range the loader and integrator accept.
//
// Returns:
//   - error: an error wrapping ErrInvalidConfig naming the first offending field, or nil
func (c *Config) Validate() error {
	switch {
	case c.Loader.StagingBuffers < 1:
		return fmt.Errorf("%w: loader.staging_buffers must be >= 1", ErrInvalidConfig)
	case c.Loader.FenceTimeoutMs < 1:
		return fmt.Errorf("%w: loader.fence_timeout_ms must be >= 1", ErrInvalidConfig)
	case c.Loader.FenceRetryLimit < 1:
		return fmt.Errorf("%w: loader.fence_retry_limit must be >= 1", ErrInvalidConfig)
	case c.Integration.WorkGroupSize.Product() == 0:
		return fmt.Errorf("%w: integration.work_group_size components must be >= 1", ErrInvalidConfig)
	case c.Integration.SeedSpawn.Product() == 0:
		return fmt.Errorf("%w: integration.seed_spawn components must be >= 1", ErrInvalidConfig)
	case c.Integration.IntegrationSteps == 0:
		return fmt.Errorf("%w: integration.integration_steps must be >= 1", ErrInvalidConfig)
	case c.Integration.BatchSize == 0:
		return fmt.Errorf("%w: integration.batch_size must be >= 1", ErrInvalidConfig)
	case c.Integration.DeltaTime < 0:
		return fmt.Errorf("%w: integration.delta_time must be >= 0", ErrInvalidConfig)
	case c.Integration.FenceTimeoutMs < 1:
		return fmt.Errorf("%w: integration.fence_timeout_ms must be >= 1", ErrInvalidConfig)
	case c.Benchmark.RepetitionCount < 1:
		return fmt.Errorf("%w: benchmark.repetition_count must be >= 1", ErrInvalidConfig)
	case c.Benchmark.RepetitionDelay < 0:
		return fmt.Errorf("%w: benchmark.repetition_delay must be >= 0", ErrInvalidConfig)
	case c.Device.Backend != "wgpu" && c.Device.Backend != "soft":
		return fmt.Errorf("%w: device.backend must be wgpu or soft, got %q", ErrInvalidConfig, c.Device.Backend)
	}
	return nil
}

// LoaderFenceTimeout returns the loader fence poll interval as a duration.
func (c *Config) LoaderFenceTimeout() time.Duration {
	return time.Duration(c.Loader.FenceTimeoutMs) * time.Millisecond
}

// IntegrationFenceTimeout returns the integration fence poll interval as a duration.
func (c *Config) IntegrationFenceTimeout() time.Duration {
	return time.Duration(c.Integration.FenceTimeoutMs) * time.Millisecond
}

// RepetitionDelay returns the pause between benchmark runs.
func (c *Config) RepetitionDelay() time.Duration {
	return time.Duration(c.Benchmark.RepetitionDelay * float64(time.Millisecond))
}
