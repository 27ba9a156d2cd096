// Package config defines the fixed run configuration: an enumerated set of
// recognized options with explicit defaults, loadable from YAML with
// unknown keys rejected at load time.
package config

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Jakeelamb/cellprofiler/internal/container"
)

// Config holds every tunable of a batch run. CLI flags override loaded
// values; anything left zero falls back to Default().
type Config struct {
	InputDir  string `yaml:"inputDir,omitempty"`
	OutputDir string `yaml:"outputDir,omitempty"`

	// Channel is the source channel index to extract (1 is green on RGB
	// acquisitions, the usual fluorescence target).
	Channel int `yaml:"channel"`

	// Concurrency is the worker pool size; bind it to the core budget the
	// scheduler allocated.
	Concurrency int `yaml:"concurrency"`

	// TimeoutSeconds is the per-item wall-clock budget.
	TimeoutSeconds int `yaml:"timeoutSeconds"`

	// MaxAttempts bounds attempts per source, first try included.
	MaxAttempts int `yaml:"maxAttempts"`

	// Resume skips items with an existing plausible output.
	// RevalidateOnResume makes the skip check structurally validate the
	// existing output instead of only checking existence and size.
	Resume             bool `yaml:"resume"`
	RevalidateOnResume bool `yaml:"revalidateOnResume"`

	// Compression selects the output tile codec: none, deflate or zstd.
	// Always lossless.
	Compression string `yaml:"compression"`

	// TiledExts and ProprietaryExts select which input files are
	// enumerated and how they rank.
	TiledExts       []string `yaml:"tiledExts,omitempty"`
	ProprietaryExts []string `yaml:"proprietaryExts,omitempty"`

	// MaxReductionRatio feeds the suspiciously-small output heuristic.
	MaxReductionRatio float64 `yaml:"maxReductionRatio"`
	MinOutputBytes    int64   `yaml:"minOutputBytes"`

	// ConverterPath and ConverterArgs configure the external
	// proprietary-format converter. Args may use {src} and {dst}
	// placeholders. ConverterTimeoutSeconds bounds one conversion.
	ConverterPath           string   `yaml:"converterPath,omitempty"`
	ConverterArgs           []string `yaml:"converterArgs,omitempty"`
	ConverterTimeoutSeconds int      `yaml:"converterTimeoutSeconds"`

	// MemSampleSeconds enables free-memory diagnostics when positive.
	MemSampleSeconds int `yaml:"memSampleSeconds"`

	LogFile string `yaml:"logFile,omitempty"`
	Verbose bool   `yaml:"verbose"`
}

// Default returns the configuration used when nothing is specified.
func Default() Config {
	return Config{
		Channel:                 1,
		Concurrency:             4,
		TimeoutSeconds:          3600,
		MaxAttempts:             3,
		Resume:                  true,
		Compression:             "deflate",
		MaxReductionRatio:       50,
		MinOutputBytes:          1024,
		ConverterTimeoutSeconds: 7200,
		MemSampleSeconds:        60,
	}
}

// Load reads a YAML config file over the defaults. Unknown keys are
// rejected so a typo never silently falls back to a default.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("load config: %w", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}

	if err := cfg.Check(); err != nil {
		return cfg, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Check validates field ranges.
func (c *Config) Check() error {
	if c.Channel < 0 {
		return fmt.Errorf("channel must be >= 0, got %d", c.Channel)
	}
	if c.Concurrency < 1 {
		return fmt.Errorf("concurrency must be >= 1, got %d", c.Concurrency)
	}
	if c.TimeoutSeconds < 1 {
		return fmt.Errorf("timeoutSeconds must be >= 1, got %d", c.TimeoutSeconds)
	}
	if c.MaxAttempts < 1 {
		return fmt.Errorf("maxAttempts must be >= 1, got %d", c.MaxAttempts)
	}
	if c.MaxReductionRatio <= 0 {
		return fmt.Errorf("maxReductionRatio must be > 0, got %g", c.MaxReductionRatio)
	}
	if _, err := container.ParseCompression(c.Compression); err != nil {
		return err
	}
	return nil
}

// CompressionKind returns the parsed compression setting. Check must have
// passed first.
func (c *Config) CompressionKind() container.Compression {
	kind, _ := container.ParseCompression(c.Compression)
	return kind
}

// Timeout returns TimeoutSeconds as a duration.
func (c *Config) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// ConverterTimeout returns ConverterTimeoutSeconds as a duration.
func (c *Config) ConverterTimeout() time.Duration {
	return time.Duration(c.ConverterTimeoutSeconds) * time.Second
}

// MemSampleInterval returns MemSampleSeconds as a duration.
func (c *Config) MemSampleInterval() time.Duration {
	return time.Duration(c.MemSampleSeconds) * time.Second
}
