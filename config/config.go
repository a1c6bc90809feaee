// Package config loads the fmodsim configuration file.
package config

import (
	"bytes"
	stderrors "errors"
	"io"
	"os"
	"time"

	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/wippyai/fmod-bridge/errors"
	"github.com/wippyai/fmod-bridge/registry"
)

// Config is the complete configuration.
type Config struct {
	Log      Log      `yaml:"log"`
	Registry Registry `yaml:"registry"`
	Sim      Sim      `yaml:"sim"`
	Run      Run      `yaml:"run"`
	Guest    Guest    `yaml:"guest"`
}

// Log configures logging.
type Log struct {
	// Level is a zap level name.
	// Default: "info"
	Level string `yaml:"level"`

	// Development switches to the console encoder.
	Development bool `yaml:"development"`

	// File, when set, also writes logs to a rotated file.
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// Registry configures the handle registry.
type Registry struct {
	// Strict panics on lookups and removals of unregistered handles.
	Strict bool `yaml:"strict"`

	// Sentinel is the value written into native user-data slots.
	// Default: 0xDEADCAFE
	Sentinel uint64 `yaml:"sentinel"`
}

// Sim configures the simulated engine.
type Sim struct {
	// MixInterval is the mixer thread period. 0 disables the mixer.
	// Default: 10ms
	MixInterval time.Duration `yaml:"mix_interval"`

	// DecodeWorkers sizes the sync point decode pool.
	// Default: 4
	DecodeWorkers int `yaml:"decode_workers"`

	// MaxChannels is the number of real voices; the rest go virtual.
	// Default: 64
	MaxChannels int `yaml:"max_channels"`

	// SoundLength is the length of generated sounds.
	// Default: 500ms
	SoundLength time.Duration `yaml:"sound_length"`

	// SyncPoints is the number of sync points per generated sound.
	SyncPoints int `yaml:"sync_points"`
}

// Run configures a simulation run.
type Run struct {
	// Channels is how many channels are started per wave.
	// Default: 16
	Channels int `yaml:"channels"`

	// Duration bounds the run. 0 runs until interrupted.
	// Default: 5s
	Duration time.Duration `yaml:"duration"`

	// UpdateRate is the number of system updates per second.
	// Default: 60
	UpdateRate float64 `yaml:"update_rate"`

	// Events is the number of studio event instances kept alive.
	Events int `yaml:"events"`

	// Spatial plays sounds in 3D so rolloff and occlusion fire.
	Spatial bool `yaml:"spatial"`
}

// Guest configures an optional WebAssembly callback module.
type Guest struct {
	// Module is the path to a wasm file exporting rolloff and on_end.
	Module           string `yaml:"module"`
	MemoryLimitPages uint32 `yaml:"memory_limit_pages"`
}

// Default returns a Config with sensible defaults.
func Default() Config {
	return Config{
		Log: Log{
			Level:      "info",
			MaxSizeMB:  100,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
		Registry: Registry{
			Sentinel: uint64(registry.Sentinel),
		},
		Sim: Sim{
			MixInterval:   10 * time.Millisecond,
			DecodeWorkers: 4,
			MaxChannels:   64,
			SoundLength:   500 * time.Millisecond,
			SyncPoints:    2,
		},
		Run: Run{
			Channels:   16,
			Duration:   5 * time.Second,
			UpdateRate: 60,
			Events:     4,
		},
	}
}

// Load reads the file at path over the defaults and validates the result.
// An empty path returns the defaults.
func Load(path string) (Config, error) {
	if path == "" {
		c := Default()
		return c, c.Validate()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Wrap(errors.PhaseConfig, errors.KindNotFound, err, "read "+path)
	}
	return Parse(data)
}

// Parse decodes YAML over the defaults. Unknown keys are rejected.
func Parse(data []byte) (Config, error) {
	c := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&c); err != nil && !stderrors.Is(err, io.EOF) {
		return Config{}, errors.Wrap(errors.PhaseConfig, errors.KindInvalidInput, err, "decode config")
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if _, err := zapcore.ParseLevel(c.Log.Level); err != nil {
		return invalid("log.level: %v", err)
	}
	if c.Log.MaxSizeMB < 0 || c.Log.MaxBackups < 0 || c.Log.MaxAgeDays < 0 {
		return invalid("log rotation limits must not be negative")
	}
	if c.Registry.Sentinel == 0 {
		return invalid("registry.sentinel must be non-zero")
	}
	if c.Sim.MixInterval < 0 {
		return invalid("sim.mix_interval must not be negative, got %v", c.Sim.MixInterval)
	}
	if c.Sim.DecodeWorkers <= 0 {
		return invalid("sim.decode_workers must be positive, got %d", c.Sim.DecodeWorkers)
	}
	if c.Sim.MaxChannels <= 0 {
		return invalid("sim.max_channels must be positive, got %d", c.Sim.MaxChannels)
	}
	if c.Sim.SoundLength <= 0 {
		return invalid("sim.sound_length must be positive, got %v", c.Sim.SoundLength)
	}
	if c.Sim.SyncPoints < 0 {
		return invalid("sim.sync_points must not be negative, got %d", c.Sim.SyncPoints)
	}
	if c.Run.Channels <= 0 {
		return invalid("run.channels must be positive, got %d", c.Run.Channels)
	}
	if c.Run.Duration < 0 {
		return invalid("run.duration must not be negative, got %v", c.Run.Duration)
	}
	if c.Run.UpdateRate <= 0 {
		return invalid("run.update_rate must be positive, got %v", c.Run.UpdateRate)
	}
	if c.Run.Events < 0 {
		return invalid("run.events must not be negative, got %d", c.Run.Events)
	}
	return nil
}

// UpdateInterval is the period between system updates.
func (r Run) UpdateInterval() time.Duration {
	return time.Duration(float64(time.Second) / r.UpdateRate)
}

func invalid(format string, args ...any) error {
	return errors.New(errors.PhaseConfig, errors.KindInvalidInput).Detail(format, args...).Build()
}
