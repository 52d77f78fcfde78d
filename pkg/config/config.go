// Package config provides configuration loading and management for volreg.
// It handles loading configuration from YAML files, applies VOLREG_*
// environment overrides and provides default values.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"volreg/pkg/interpolation"
	"volreg/pkg/registration"
	"volreg/pkg/resample"
)

// EnvPrefix is prepended to every environment override.
const EnvPrefix = "VOLREG_"

// Config represents the application configuration loaded from YAML
type Config struct {
	// Registration parameters
	Registration struct {
		// SamplingPercentage is the fraction of fixed voxels sampled per iteration
		SamplingPercentage float64 `yaml:"samplingPercentage" env:"SAMPLING_PERCENTAGE"`

		// Seed seeds the voxel sampler; 0 uses the wall clock
		Seed int64 `yaml:"seed" env:"SEED"`

		// MaxIterations caps optimizer iterations per pyramid level
		MaxIterations int `yaml:"maxIterations" env:"MAX_ITERATIONS"`

		// StepLength is the initial line search step in millimetres
		StepLength float64 `yaml:"stepLength" env:"STEP_LENGTH"`

		// StepTolerance stops a line search once the bracket is this narrow
		StepTolerance float64 `yaml:"stepTolerance" env:"STEP_TOLERANCE"`

		// ValueTolerance is the relative metric change treated as convergence
		ValueTolerance float64 `yaml:"valueTolerance" env:"VALUE_TOLERANCE"`

		// MaxLineIterations caps golden-section steps per line search
		MaxLineIterations int `yaml:"maxLineIterations" env:"MAX_LINE_ITERATIONS"`

		// ShrinkFactors lists the downsampling factor of each pyramid level
		ShrinkFactors []int `yaml:"shrinkFactors" env:"SHRINK_FACTORS"`

		// SmoothingSigmas lists the physical Gaussian sigma of each pyramid level
		SmoothingSigmas []float64 `yaml:"smoothingSigmas" env:"SMOOTHING_SIGMAS"`
	} `yaml:"registration" envPrefix:"REGISTRATION_"`

	// Processing parameters
	Processing struct {
		// NumCores specifies how many CPU cores to use for parallel processing
		NumCores int `yaml:"numCores" env:"NUM_CORES"`
	} `yaml:"processing" envPrefix:"PROCESSING_"`

	// Resampling parameters
	Resampling struct {
		// Interpolator is used for grayscale volumes (linear or nearest)
		Interpolator string `yaml:"interpolator" env:"INTERPOLATOR"`

		// SegmentationInterpolator is used for segmentation volumes
		SegmentationInterpolator string `yaml:"segmentationInterpolator" env:"SEGMENTATION_INTERPOLATOR"`

		// DefaultValue fills voxels that map outside the moving volume
		DefaultValue float64 `yaml:"defaultValue" env:"DEFAULT_VALUE"`
	} `yaml:"resampling" envPrefix:"RESAMPLING_"`

	// Output parameters
	Output struct {
		// Verbose controls the level of logging output
		Verbose bool `yaml:"verbose" env:"VERBOSE"`

		// Progress prints one line per optimizer iteration on stdout
		Progress bool `yaml:"progress" env:"PROGRESS"`

		// Compress zlib-compresses written volumes
		Compress bool `yaml:"compress" env:"COMPRESS"`

		// ExtractSlices saves PNG slices of the resampled grayscale volume
		ExtractSlices bool `yaml:"extractSlices" env:"EXTRACT_SLICES"`

		// SlicesDir is where extracted slices go, relative to the gray output
		SlicesDir string `yaml:"slicesDir" env:"SLICES_DIR"`

		// SliceWindow is the [low, high] intensity window of extracted
		// slices; empty uses the volume's range
		SliceWindow []float64 `yaml:"sliceWindow,omitempty" env:"SLICE_WINDOW"`

		// MetricsFile receives Prometheus run metrics in text format
		MetricsFile string `yaml:"metricsFile" env:"METRICS_FILE"`
	} `yaml:"output" envPrefix:"OUTPUT_"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	// Set default registration parameters
	cfg.Registration.SamplingPercentage = 0.01
	cfg.Registration.Seed = 0
	cfg.Registration.MaxIterations = 500
	cfg.Registration.StepLength = 1.0
	cfg.Registration.StepTolerance = 1e-4
	cfg.Registration.ValueTolerance = 1e-6
	cfg.Registration.MaxLineIterations = 100
	cfg.Registration.ShrinkFactors = []int{1, 1}
	cfg.Registration.SmoothingSigmas = []float64{1.0, 0.0}

	// Set default processing parameters
	cfg.Processing.NumCores = runtime.NumCPU() // Use all available cores by default

	// Set default resampling parameters
	cfg.Resampling.Interpolator = "linear"
	cfg.Resampling.SegmentationInterpolator = "linear"
	cfg.Resampling.DefaultValue = 0

	// Set default output parameters
	cfg.Output.Verbose = false
	cfg.Output.Progress = true
	cfg.Output.Compress = false
	cfg.Output.ExtractSlices = false
	cfg.Output.SlicesDir = "slices"

	return cfg
}

// LoadConfig loads configuration from a YAML file and applies environment
// overrides. If the file doesn't exist, the defaults are used as the base.
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if configPath != "" {
		data, err := os.ReadFile(configPath)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("error reading config file: %w", err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("error parsing config file: %w", err)
			}
		}
	}

	if err := ApplyEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides cfg with any VOLREG_* variables that are set.
func ApplyEnv(cfg *Config) error {
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// Validate checks values that cannot be corrected silently.
func (c *Config) Validate() error {
	if len(c.Registration.ShrinkFactors) != len(c.Registration.SmoothingSigmas) {
		return fmt.Errorf("registration: %d shrink factors but %d smoothing sigmas",
			len(c.Registration.ShrinkFactors), len(c.Registration.SmoothingSigmas))
	}
	if _, err := interpolation.Parse(c.Resampling.Interpolator); err != nil {
		return fmt.Errorf("resampling: %w", err)
	}
	if _, err := interpolation.Parse(c.Resampling.SegmentationInterpolator); err != nil {
		return fmt.Errorf("resampling: %w", err)
	}
	if w := c.Output.SliceWindow; len(w) != 0 && (len(w) != 2 || w[0] >= w[1]) {
		return fmt.Errorf("output: slice window must be [low, high] with low < high, got %v", w)
	}
	if err := c.RegistrationParams().Validate(); err != nil {
		return fmt.Errorf("registration: %w", err)
	}
	return nil
}

// RegistrationParams converts the registration section to engine parameters.
func (c *Config) RegistrationParams() registration.Params {
	r := c.Registration
	levels := make([]registration.Level, 0, len(r.ShrinkFactors))
	for i, f := range r.ShrinkFactors {
		var sigma float64
		if i < len(r.SmoothingSigmas) {
			sigma = r.SmoothingSigmas[i]
		}
		levels = append(levels, registration.Level{ShrinkFactor: f, SmoothingSigma: sigma})
	}
	// the registration metric always interpolates linearly
	return registration.Params{
		SamplingPercentage: r.SamplingPercentage,
		Seed:               r.Seed,
		MaxIterations:      r.MaxIterations,
		Levels:             levels,
		StepLength:         r.StepLength,
		StepTolerance:      r.StepTolerance,
		ValueTolerance:     r.ValueTolerance,
		MaxLineIterations:  r.MaxLineIterations,
		Workers:            c.Processing.NumCores,
		Interpolator:       interpolation.Linear{},
	}
}

// ResampleOptions returns resampling options for a grayscale or segmentation
// volume.
func (c *Config) ResampleOptions(segmentation bool) resample.Options {
	name := c.Resampling.Interpolator
	if segmentation {
		name = c.Resampling.SegmentationInterpolator
	}
	interp, err := interpolation.Parse(name)
	if err != nil {
		interp = interpolation.Linear{}
	}
	return resample.Options{
		Interpolator: interp,
		DefaultValue: c.Resampling.DefaultValue,
		Workers:      c.Processing.NumCores,
	}
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
