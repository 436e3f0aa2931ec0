// Package config provides configuration loading and management for
// speckletrack. It handles loading scan and processing parameters from YAML
// files and provides default values.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"gopkg.in/yaml.v3"

	"speckletrack/pkg/geometry"
	"speckletrack/pkg/tracker"
)

// Config represents the application configuration loaded from YAML.
type Config struct {
	// Geometry describes the experimental setup of the scan.
	Geometry struct {
		// BasisY and BasisX are the detector basis vectors in the lab frame.
		BasisY [3]float64 `yaml:"basisY"`
		BasisX [3]float64 `yaml:"basisX"`

		// PitchY and PitchX are the detector pixel pitches.
		PitchY float64 `yaml:"pitchY"`
		PitchX float64 `yaml:"pitchX"`

		// Distance is the sample-to-detector distance.
		Distance float64 `yaml:"distance"`

		// DefocusY and DefocusX are the per-axis defocus distances.
		DefocusY float64 `yaml:"defocusY"`
		DefocusX float64 `yaml:"defocusX"`
	} `yaml:"geometry"`

	// Scan lists the per-frame stage translations, in the same unit as the
	// geometry distances.
	Scan struct {
		Translations [][2]float64 `yaml:"translations"`
	} `yaml:"scan"`

	// Processing parameters of the alternating minimization.
	Processing struct {
		// NumCores specifies how many CPU cores to use for parallel stages.
		NumCores int `yaml:"numCores"`

		// Iterations is the number of update cycles to run.
		Iterations int `yaml:"iterations"`

		// SearchWindow is the correlation search half-width in pixels.
		SearchWindow int `yaml:"searchWindow"`

		// Subpixel enables bilinear sampling and subpixel refinement.
		Subpixel bool `yaml:"subpixel"`

		// QuadraticRefinement upgrades the subpixel fit to a 2-D quadratic
		// surface fit.
		QuadraticRefinement bool `yaml:"quadraticRefinement"`

		// FillBadPixels interpolates displacements of masked pixels from
		// their valid neighbors.
		FillBadPixels bool `yaml:"fillBadPixels"`

		// Integrate projects the displacement aberrations onto a curl-free
		// field after each refinement.
		Integrate bool `yaml:"integrate"`

		// UpdateTranslations re-estimates the frame translations at the end
		// of every iteration.
		UpdateTranslations bool `yaml:"updateTranslations"`

		// SmoothSigma is the width of the Gaussian regularization of the
		// displacement map; zero disables it.
		SmoothSigma float64 `yaml:"smoothSigma"`
	} `yaml:"processing"`

	// Mask controls which detector pixels take part in the registration.
	Mask struct {
		// MinValue and MaxValue bound the usable intensity range. Pixels
		// leaving the range in any frame are excluded. With both zero the
		// range check is disabled.
		MinValue float64 `yaml:"minValue"`
		MaxValue float64 `yaml:"maxValue"`
	} `yaml:"mask"`

	// Output parameters.
	Output struct {
		// SaveIntermediaryResults determines whether to save the whitefield
		// and reference images alongside the displacement map.
		SaveIntermediaryResults bool `yaml:"saveIntermediaryResults"`

		// Verbose controls the level of logging output.
		Verbose bool `yaml:"verbose"`
	} `yaml:"output"`
}

// DefaultConfig returns a configuration with default values.
func DefaultConfig() *Config {
	cfg := &Config{}

	// A flat detector aligned with the stage axes, unit magnification scale.
	cfg.Geometry.BasisY = [3]float64{0, 1, 0}
	cfg.Geometry.BasisX = [3]float64{1, 0, 0}
	cfg.Geometry.PitchY = 1.0
	cfg.Geometry.PitchX = 1.0
	cfg.Geometry.Distance = 1.0
	cfg.Geometry.DefocusY = 1.0
	cfg.Geometry.DefocusX = 1.0

	cfg.Processing.NumCores = runtime.NumCPU()
	cfg.Processing.Iterations = 5
	cfg.Processing.SearchWindow = 5
	cfg.Processing.Subpixel = true

	cfg.Output.SaveIntermediaryResults = false
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

// CreateDefaultConfigFile creates a default configuration file at the
// specified path.
func CreateDefaultConfigFile(configPath string) error {
	return SaveConfig(DefaultConfig(), configPath)
}

// Setup converts the geometry section into the tracker's setup type.
func (c *Config) Setup() geometry.Setup {
	return geometry.Setup{
		BasisY:   c.Geometry.BasisY,
		BasisX:   c.Geometry.BasisX,
		PitchY:   c.Geometry.PitchY,
		PitchX:   c.Geometry.PitchX,
		Distance: c.Geometry.Distance,
		DefocusY: c.Geometry.DefocusY,
		DefocusX: c.Geometry.DefocusX,
	}
}

// TrackerOptions converts the processing section into tracker options.
func (c *Config) TrackerOptions() tracker.Options {
	return tracker.Options{
		Iterations:          c.Processing.Iterations,
		SearchWindow:        c.Processing.SearchWindow,
		Subpixel:            c.Processing.Subpixel,
		QuadraticRefinement: c.Processing.QuadraticRefinement,
		FillBadPixels:       c.Processing.FillBadPixels,
		Integrate:           c.Processing.Integrate,
		UpdateTranslations:  c.Processing.UpdateTranslations,
		SmoothSigma:         c.Processing.SmoothSigma,
		Workers:             c.Processing.NumCores,
		Verbose:             c.Output.Verbose,
	}
}
